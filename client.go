package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	backoff "github.com/cenkalti/backoff/v5"
	"github.com/opencontainers/go-digest"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

var metricRegistryRequest = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "dokistry_registry_request_duration_seconds",
		Help:    "Requests to the docker registry, with operation, response code (or error), and duration until the response body is read, in seconds.",
		Buckets: []float64{0.005, 0.01, 0.05, 0.100, 0.5, 1, 5, 10, 30},
	},
	[]string{
		"method",
		"op",   // catalog, tags, manifest, digest, delete
		"code", // http response code, or "error"
	},
)

// Errors for registry responses, matched with errors.Is on errors returned by
// the client.
var (
	ErrUnauthorized = errors.New("authentication failed: invalid credentials")
	ErrForbidden    = errors.New("access forbidden: insufficient permissions")
	ErrNotFound     = errors.New("not found")
	ErrUnsupported  = errors.New("operation not supported by registry")
	ErrTimeout      = errors.New("registry request timed out")
)

// Errors is an error as returned in JSON format in registry failure responses.
type Errors struct {
	Errors []Error `json:"errors"`
}

// Error is one element of Errors.
type Error struct {
	Code    RegistryError `json:"code"`
	Message string        `json:"message"`
	Detail  any           `json:"detail,omitempty"`
}

// RegistryError is a short error code from a registry.
type RegistryError string

const (
	ErrorManifestUnknown RegistryError = "MANIFEST_UNKNOWN" // Manifest unknown.
	ErrorNameUnknown     RegistryError = "NAME_UNKNOWN"     // Repository name not known to registry.
	ErrorUnauthorized    RegistryError = "UNAUTHORIZED"     // Authentication required.
	ErrorDenied          RegistryError = "DENIED"           // Requested access to the resource is denied.
	ErrorUnsupported     RegistryError = "UNSUPPORTED"      // The operation is unsupported.
)

// StatusError is returned for registry responses with an unexpected status code.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Errors     []Error // From response body, if any.
}

func (e *StatusError) Error() string {
	s := fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.StatusCode, http.StatusText(e.StatusCode))
	if len(e.Errors) > 0 {
		s += fmt.Sprintf(": %s: %s", e.Errors[0].Code, e.Errors[0].Message)
	}
	return s
}

// Unwrap classifies by status code. Some registries use other status codes,
// e.g. 400 for a disabled delete, so error codes from the body are checked too.
func (e *StatusError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusMethodNotAllowed:
		return ErrUnsupported
	}
	for _, re := range e.Errors {
		switch re.Code {
		case ErrorUnauthorized:
			return ErrUnauthorized
		case ErrorDenied:
			return ErrForbidden
		case ErrorNameUnknown, ErrorManifestUnknown:
			return ErrNotFound
		case ErrorUnsupported:
			return ErrUnsupported
		}
	}
	return nil
}

func (e *StatusError) temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// ClientOptions configures a Client. Zero values get defaults.
type ClientOptions struct {
	URL                string
	Username           string
	Password           string
	RequestTimeout     time.Duration // For GET and HEAD. Default 5s.
	DeleteTimeout      time.Duration // Default 10s.
	Concurrency        int           // Maximum requests in flight. Default 8.
	Retries            int           // Attempts for GET and HEAD. Default 3.
	InsecureSkipVerify bool
}

// Client talks to a docker registry over its v2 HTTP API, authenticating with
// HTTP basic auth.
type Client struct {
	base           *url.URL
	username       string
	password       string
	http           *http.Client
	requestTimeout time.Duration
	deleteTimeout  time.Duration
	retries        int
	sem            *semaphore.Weighted

	// For tests.
	initialInterval time.Duration
}

func NewClient(opts ClientOptions) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(opts.URL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parsing registry url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" || u.Host == "" {
		return nil, fmt.Errorf("registry url %q must be http or https with host", opts.URL)
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 5 * time.Second
	}
	if opts.DeleteTimeout <= 0 {
		opts.DeleteTimeout = 10 * time.Second
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 8
	}
	if opts.Retries <= 0 {
		opts.Retries = 3
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if opts.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	return &Client{
		base:            u,
		username:        opts.Username,
		password:        opts.Password,
		http:            &http.Client{Transport: transport},
		requestTimeout:  opts.RequestTimeout,
		deleteTimeout:   opts.DeleteTimeout,
		retries:         opts.Retries,
		sem:             semaphore.NewWeighted(int64(opts.Concurrency)),
		initialInterval: 200 * time.Millisecond,
	}, nil
}

// response is a registry response with its body already read.
type response struct {
	Header http.Header
	Body   []byte
}

// Manifests are small, catalogs can be big.
const maxBodySize = 16 * 1024 * 1024

// request does a single HTTP request, reading the response body within the
// timeout. Non-2xx responses are returned as *StatusError.
func (c *Client) request(ctx context.Context, method, op, u string, accept []string, timeout time.Duration) (response, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return response{}, err
	}
	defer c.sem.Release(1)

	pctx := ctx
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return response{}, fmt.Errorf("making request: %w", err)
	}
	req.SetBasicAuth(c.username, c.password)
	if len(accept) > 0 {
		req.Header["Accept"] = accept
	}

	start := time.Now()
	code := "error"
	defer func() {
		metricRegistryRequest.WithLabelValues(method, op, code).Observe(float64(time.Since(start)) / float64(time.Second))
	}()

	resp, err := c.http.Do(req)
	if err == nil {
		defer resp.Body.Close()
	}
	var body []byte
	if err == nil {
		body, err = io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && pctx.Err() == nil {
			err = fmt.Errorf("%w: %s %s after %s", ErrTimeout, method, req.URL.Path, timeout)
		}
		log.WithFields(log.Fields{"method": method, "url": u, "err": err}).Debug("registry request failed")
		return response{}, err
	}
	code = fmt.Sprintf("%d", resp.StatusCode)

	log.WithFields(log.Fields{
		"method":   method,
		"url":      u,
		"status":   resp.StatusCode,
		"duration": time.Since(start),
	}).Debug("registry request")

	if resp.StatusCode/100 != 2 {
		serr := &StatusError{Method: method, Path: req.URL.Path, StatusCode: resp.StatusCode}
		var errs Errors
		if json.Unmarshal(body, &errs) == nil {
			serr.Errors = errs.Errors
		}
		return response{}, serr
	}
	return response{resp.Header, body}, nil
}

// fetch does a GET or HEAD request, retrying on network errors, server errors
// and rate limiting.
func (c *Client) fetch(ctx context.Context, method, op, u string, accept []string) (response, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.initialInterval
	b.MaxInterval = 5 * time.Second

	return backoff.Retry(ctx, func() (response, error) {
		resp, err := c.request(ctx, method, op, u, accept, c.requestTimeout)
		if err == nil {
			return resp, nil
		}
		var serr *StatusError
		if errors.As(err, &serr) && !serr.temporary() || errors.Is(err, ErrTimeout) || ctx.Err() != nil {
			return response{}, backoff.Permanent(err)
		}
		log.WithFields(log.Fields{"method": method, "url": u, "err": err}).Debug("retrying registry request")
		return response{}, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(c.retries)),
		backoff.WithMaxElapsedTime(0), // Timeouts are per request.
	)
}

func (c *Client) url(path string) string {
	return c.base.String() + path
}

// getJSONPages fetches a JSON document, following "next" links for paginated
// lists. Each page is passed to fn.
func (c *Client) getJSONPages(ctx context.Context, op, path string, fn func(buf []byte) error) error {
	u := c.url(path)
	seen := map[string]bool{}
	for u != "" && !seen[u] {
		seen[u] = true
		resp, err := c.fetch(ctx, "GET", op, u, []string{"application/json"})
		if err != nil {
			return err
		}
		if err := fn(resp.Body); err != nil {
			return err
		}
		u, err = c.nextLink(u, resp.Header)
		if err != nil {
			return err
		}
	}
	return nil
}

// nextLink returns the absolute URL of a Link header with rel="next", or empty.
func (c *Client) nextLink(current string, h http.Header) (string, error) {
	for _, v := range h.Values("Link") {
		for _, link := range strings.Split(v, ",") {
			target, params, ok := strings.Cut(strings.TrimSpace(link), ";")
			if !ok || !strings.Contains(strings.ReplaceAll(params, " ", ""), `rel="next"`) {
				continue
			}
			target = strings.TrimSpace(target)
			if !strings.HasPrefix(target, "<") || !strings.HasSuffix(target, ">") {
				return "", fmt.Errorf("malformed link header %q", v)
			}
			ref, err := url.Parse(target[1 : len(target)-1])
			if err != nil {
				return "", fmt.Errorf("parsing link header: %w", err)
			}
			cur, err := url.Parse(current)
			if err != nil {
				return "", err
			}
			next := cur.ResolveReference(ref)
			if next.Host != c.base.Host {
				return "", fmt.Errorf("link header points to other host %q", next.Host)
			}
			return next.String(), nil
		}
	}
	return "", nil
}

// Repositories lists all repositories in the registry, from /v2/_catalog.
func (c *Client) Repositories(ctx context.Context) ([]string, error) {
	repos := []string{}
	err := c.getJSONPages(ctx, "catalog", "/v2/_catalog", func(buf []byte) error {
		var catalog struct {
			Repositories []string `json:"repositories"`
		}
		if err := json.Unmarshal(buf, &catalog); err != nil {
			return fmt.Errorf("parsing catalog: %w", err)
		}
		repos = append(repos, catalog.Repositories...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return repos, nil
}

// Tags lists the tags of a repository. A repository without tags can have a
// null tag list, we return an empty list.
func (c *Client) Tags(ctx context.Context, repo string) ([]string, error) {
	tags := []string{}
	err := c.getJSONPages(ctx, "tags", "/v2/"+repo+"/tags/list", func(buf []byte) error {
		var tl struct {
			Name string   `json:"name"`
			Tags []string `json:"tags"`
		}
		if err := json.Unmarshal(buf, &tl); err != nil {
			return fmt.Errorf("parsing tag list: %w", err)
		}
		tags = append(tags, tl.Tags...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tags, nil
}

// Manifest fetches and parses the manifest for a tag or digest.
func (c *Client) Manifest(ctx context.Context, repo, reference string) (Manifest, error) {
	resp, err := c.fetch(ctx, "GET", "manifest", c.url("/v2/"+repo+"/manifests/"+reference), manifestMediaTypes)
	if err != nil {
		return Manifest{}, err
	}
	return parseManifest(resp.Body, resp.Header.Get("Content-Type"))
}

// Headers the digest of a manifest may be returned in, in order of preference.
var digestHeaders = []string{"Docker-Content-Digest", "Content-Digest", "Digest"}

// ManifestDigest resolves a tag to its manifest digest with a HEAD request.
func (c *Client) ManifestDigest(ctx context.Context, repo, tag string) (digest.Digest, error) {
	resp, err := c.fetch(ctx, "HEAD", "digest", c.url("/v2/"+repo+"/manifests/"+tag), manifestMediaTypes)
	if errors.Is(err, ErrNotFound) {
		return "", fmt.Errorf("tag not found: %w", err)
	} else if err != nil {
		return "", fmt.Errorf("getting manifest digest: %w", err)
	}
	for _, k := range digestHeaders {
		v := resp.Header.Get(k)
		if v == "" {
			continue
		}
		d, err := digest.Parse(v)
		if err != nil {
			log.WithFields(log.Fields{"repo": repo, "tag": tag, "header": k, "value": v}).Debug("ignoring invalid digest header")
			continue
		}
		return d, nil
	}
	return "", errors.New("unable to get manifest digest from registry")
}

// DeleteManifest deletes a manifest by tag or digest. Registries often only
// allow deleting by digest.
func (c *Client) DeleteManifest(ctx context.Context, repo, reference string) error {
	_, err := c.request(ctx, "DELETE", "delete", c.url("/v2/"+repo+"/manifests/"+reference), []string{"application/json"}, c.deleteTimeout)
	return err
}
