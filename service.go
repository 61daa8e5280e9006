package main

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Repository is a registry repository with the sizes of its tagged images.
type Repository struct {
	Name                string    `json:"name"`
	Tags                []string  `json:"tags"`
	TagsWithSize        []TagSize `json:"tagsWithSize"`
	TotalSize           int64     `json:"totalSize"`
	TotalCompressedSize int64     `json:"totalCompressedSize"`
}

// RepositoriesResponse is the response for /api/registry/repositories.
type RepositoriesResponse struct {
	Repositories []Repository `json:"repositories"`
}

// TagDigest is a tag with the digest of the manifest it points to.
type TagDigest struct {
	Tag    string `json:"tag"`
	Digest string `json:"digest"`
}

// FailedTag is a tag that could not be deleted.
type FailedTag struct {
	Tag   string `json:"tag"`
	Error string `json:"error"`
}

// DeleteResult is the outcome of deleting tags, in order of the requested tags.
type DeleteResult struct {
	Success []string    `json:"success"`
	Failed  []FailedTag `json:"failed"`
}

// Service combines registry requests into the views of the web interface and
// API. Failures for a single repository or tag are logged and result in empty
// values, so one broken image does not break the overview.
type Service struct {
	client *Client

	// Maximum number of repositories processed in parallel. Requests to the
	// registry are limited by the client.
	concurrency int
}

func NewService(client *Client, concurrency int) *Service {
	if concurrency <= 0 {
		concurrency = 8
	}
	return &Service{client: client, concurrency: concurrency}
}

// RepositoriesWithTags returns all repositories in catalog order, with the size
// of each tag. Only a failure to fetch the catalog is returned as error.
func (s *Service) RepositoriesWithTags(ctx context.Context) (RepositoriesResponse, error) {
	names, err := s.client.Repositories(ctx)
	if err != nil {
		return RepositoriesResponse{}, fmt.Errorf("listing repositories: %w", err)
	}

	repos := make([]Repository, len(names))
	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for i, name := range names {
		g.Go(func() error {
			repo, err := s.Repository(ctx, name)
			if err != nil {
				log.WithFields(log.Fields{"repo": name, "err": err}).Warn("could not fetch tags for repository")
				repo = Repository{Name: name, Tags: []string{}, TagsWithSize: []TagSize{}}
			}
			repos[i] = repo
			return nil
		})
	}
	g.Wait()
	return RepositoriesResponse{repos}, nil
}

// Repository returns a repository with its tags and their sizes. Only a failure
// to list the tags is returned as error.
func (s *Service) Repository(ctx context.Context, name string) (Repository, error) {
	tags, err := s.client.Tags(ctx, name)
	if err != nil {
		return Repository{}, fmt.Errorf("listing tags: %w", err)
	}

	sizes := make([]TagSize, len(tags))
	var g errgroup.Group
	for i, tag := range tags {
		g.Go(func() error {
			sizes[i] = s.TagSize(ctx, name, tag)
			return nil
		})
	}
	g.Wait()

	repo := Repository{Name: name, Tags: tags, TagsWithSize: sizes}
	for _, ts := range sizes {
		repo.TotalSize += ts.Size
		repo.TotalCompressedSize += ts.CompressedSize
	}
	return repo, nil
}

// TagSize returns the size of the image a tag points to. For multiplatform
// images, the first listed platform is used. On failure to fetch the manifest, a
// zero size is returned.
func (s *Service) TagSize(ctx context.Context, repo, tag string) TagSize {
	ts := TagSize{Name: tag}

	m, err := s.client.Manifest(ctx, repo, tag)
	if err != nil {
		log.WithFields(log.Fields{"repo": repo, "tag": tag, "err": err}).Warn("could not fetch manifest for size")
		return ts
	}

	if m.Kind() == ManifestKindList && len(m.Manifests) > 0 {
		first := m.Manifests[0]
		child, err := s.client.Manifest(ctx, repo, first.Digest.String())
		if err != nil {
			log.WithFields(log.Fields{"repo": repo, "tag": tag, "digest": first.Digest, "err": err}).Warn("could not fetch platform manifest of list")
			return ts
		}
		m = child
	}

	ts.Size, ts.Layers = m.imageSize()
	ts.CompressedSize = ts.Size
	return ts
}

// TagsWithDigests returns the tags of a repository with their manifest digests.
// Tags for which the digest cannot be resolved are left out. A repository without
// tags results in ErrNotFound.
func (s *Service) TagsWithDigests(ctx context.Context, repo string) ([]TagDigest, error) {
	tags, err := s.client.Tags(ctx, repo)
	if err != nil {
		return nil, fmt.Errorf("listing tags: %w", err)
	}
	if len(tags) == 0 {
		return nil, fmt.Errorf("repository has no tags: %w", ErrNotFound)
	}

	digests := make([]string, len(tags))
	var g errgroup.Group
	for i, tag := range tags {
		g.Go(func() error {
			d, err := s.client.ManifestDigest(ctx, repo, tag)
			if err != nil {
				log.WithFields(log.Fields{"repo": repo, "tag": tag, "err": err}).Warn("failed to get digest for tag")
				return nil
			}
			digests[i] = d.String()
			return nil
		})
	}
	g.Wait()

	l := []TagDigest{}
	for i, tag := range tags {
		if digests[i] != "" {
			l = append(l, TagDigest{tag, digests[i]})
		}
	}
	return l, nil
}

// DeleteTag deletes a tag from a repository. Deleting by tag is tried first.
// Registries that only delete by digest reject that, and we delete the manifest
// by the digest the tag resolves to. Other tags pointing to the same manifest
// are removed along with it.
func (s *Service) DeleteTag(ctx context.Context, repo, tag string) error {
	err := s.client.DeleteManifest(ctx, repo, tag)
	if err == nil {
		log.WithFields(log.Fields{"repo": repo, "tag": tag}).Info("deleted tag")
		return nil
	}
	log.WithFields(log.Fields{"repo": repo, "tag": tag, "err": err}).Debug("delete by tag failed, trying by digest")

	d, err := s.client.ManifestDigest(ctx, repo, tag)
	if err != nil {
		return err
	}
	if err := s.client.DeleteManifest(ctx, repo, d.String()); err != nil {
		return fmt.Errorf("deleting manifest %s: %w", d, err)
	}
	log.WithFields(log.Fields{"repo": repo, "tag": tag, "digest": d}).Info("deleted manifest for tag")
	return nil
}

// DeleteTags deletes tags in parallel. Invalid tag names are not sent to the
// registry and fail.
func (s *Service) DeleteTags(ctx context.Context, repo string, tags []string) DeleteResult {
	errs := make([]error, len(tags))
	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for i, tag := range tags {
		if !validTag(tag) {
			errs[i] = errors.New("invalid tag")
			continue
		}
		g.Go(func() error {
			errs[i] = s.DeleteTag(ctx, repo, tag)
			return nil
		})
	}
	g.Wait()

	r := DeleteResult{Success: []string{}, Failed: []FailedTag{}}
	for i, tag := range tags {
		if errs[i] == nil {
			r.Success = append(r.Success, tag)
		} else {
			r.Failed = append(r.Failed, FailedTag{tag, errs[i].Error()})
		}
	}
	return r
}

// MenuItem is an entry in the navigation menu of the web interface.
type MenuItem struct {
	Title    string     `json:"title"`
	URL      string     `json:"url"`
	IsActive bool       `json:"isActive"`
	Icon     string     `json:"icon,omitempty"`
	Items    []MenuItem `json:"items,omitempty"`
}

// Menu is the navigation menu, for /api/registry/menu.
type Menu struct {
	NavMain []MenuItem `json:"navMain"`
}

// imagePath is the URL path of the page for a repository. Slashes in the name
// are escaped.
func imagePath(repo string) string {
	return "/images/" + url.PathEscape(repo)
}

// Menu returns navigation data with a link per repository. Only the catalog is
// fetched. On failure, a menu with an error item is returned.
func (s *Service) Menu(ctx context.Context) Menu {
	names, err := s.client.Repositories(ctx)
	if err != nil {
		log.WithField("err", err).Error("fetching repositories for menu")
		return Menu{[]MenuItem{
			{Title: "Images", URL: "#", Icon: "Package", Items: []MenuItem{
				{Title: "Error loading images", URL: "#"},
			}},
		}}
	}
	images := MenuItem{Title: "Images", URL: "#", Icon: "Package", Items: []MenuItem{}}
	for _, name := range names {
		images.Items = append(images.Items, MenuItem{Title: name, URL: imagePath(name), Icon: "Package"})
	}
	return Menu{[]MenuItem{images}}
}
