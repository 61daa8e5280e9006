package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"

	"github.com/distribution/reference"
	log "github.com/sirupsen/logrus"
)

// apiError is the JSON body of API error responses. API handlers panic with it.
type apiError struct {
	code    int
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func xapiError(code int, msg string, err error) {
	e := apiError{code: code, Error: msg}
	if err != nil {
		e.Message = err.Error()
	}
	panic(e)
}

func respondJSON(w http.ResponseWriter, code int, v any) {
	var b bytes.Buffer
	enc := json.NewEncoder(&b)
	enc.SetIndent("", "\t")
	err := enc.Encode(v)
	xcheckf(err, "marshal json response")
	buf := b.Bytes()

	h := w.Header()
	h.Set("Content-Type", "application/json; charset=utf-8")
	h.Set("Content-Length", fmt.Sprintf("%d", len(buf)))

	w.WriteHeader(code)
	w.Write(buf)
}

// Repository names can have slashes. Names and tags are validated in handlers.
var (
	nameRegexp = regexp.MustCompile(`^(?:` + reference.NameRegexp.String() + `)$`)
	tagRegexp  = regexp.MustCompile(`^(?:` + reference.TagRegexp.String() + `)$`)
)

func validRepo(name string) bool {
	return len(name) <= reference.RepositoryNameTotalLengthMax && nameRegexp.MatchString(name)
}

func validTag(tag string) bool {
	return tagRegexp.MatchString(tag)
}

// errorStatus returns the HTTP status code for an error from the registry.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrUnsupported):
		return http.StatusMethodNotAllowed
	}
	return http.StatusInternalServerError
}

type apiPath struct {
	Name        string
	Regexp      *regexp.Regexp
	Get, Delete func(a api, user DBUser, args []string, w http.ResponseWriter, r *http.Request)
}

var apiPaths = []apiPath{
	{Name: "apiRepositories", Regexp: regexp.MustCompile(`^/api/registry/repositories/?$`),
		Get: api.repositories},

	{Name: "apiTags", Regexp: regexp.MustCompile(`^/api/registry/repositories/(.+)/tags/?$`),
		Get:    api.tags,
		Delete: api.deleteTags},

	{Name: "apiMenu", Regexp: regexp.MustCompile(`^/api/registry/menu/?$`),
		Get: api.menu},
}

// api serves the JSON API under /api/.
type api struct {
	svc *Service
}

func (a api) ServeHTTP(xw http.ResponseWriter, r *http.Request) {
	w := newLoggingWriter(xw, r, "(api)")

	defer func() {
		x := recover()
		if x == nil {
			return
		}

		if err, ok := x.(httpErr); ok {
			log.WithFields(log.Fields{"id": w.ID, "code": err.code}).Debug("http error")
			if err.code == http.StatusUnauthorized {
				setAuthenticate(w.Header())
			}
			respondJSON(w, err.code, apiError{Error: http.StatusText(err.code)})
		} else if err, ok := x.(apiError); ok {
			log.WithFields(log.Fields{"id": w.ID, "code": err.code, "error": err.Error, "message": err.Message}).Debug("api error")
			respondJSON(w, err.code, err)
		} else if err, ok := x.(serverErr); ok {
			log.WithFields(log.Fields{"id": w.ID, "err": err.err}).Error("server error")
			respondJSON(w, http.StatusInternalServerError, apiError{Error: "Internal server error", Message: err.err.Error()})
		} else {
			metricPanic.WithLabelValues("api").Inc()
			panic(x)
		}
	}()

	user := xauth(r)

	for _, p := range apiPaths {
		t := p.Regexp.FindStringSubmatch(r.URL.Path)
		if t == nil {
			continue
		}

		w.Op = p.Name

		var h func(api, DBUser, []string, http.ResponseWriter, *http.Request)
		switch r.Method {
		case "GET", "HEAD":
			h = p.Get
		case "DELETE":
			h = p.Delete
		}
		if h == nil {
			w.Header().Set("Allow", p.allow())
			panic(httpErr{http.StatusMethodNotAllowed})
		}
		h(a, user, t[1:], w, r)
		return
	}
	panic(httpErr{http.StatusNotFound})
}

func (p apiPath) allow() string {
	s := "GET, HEAD"
	if p.Delete != nil {
		s += ", DELETE"
	}
	return s
}

// GET /api/registry/repositories
//
// All repositories with their tags and sizes.
func (a api) repositories(user DBUser, args []string, w http.ResponseWriter, r *http.Request) {
	resp, err := a.svc.RepositoriesWithTags(r.Context())
	if err != nil {
		log.WithField("err", err).Error("fetching repositories")
		xapiError(http.StatusInternalServerError, "Failed to fetch repositories", err)
	}
	respondJSON(w, http.StatusOK, resp)
}

// GET /api/registry/repositories/<repo>/tags
//
// Tags of a repository with their manifest digests.
func (a api) tags(user DBUser, args []string, w http.ResponseWriter, r *http.Request) {
	repo := args[0]
	if !validRepo(repo) {
		xapiError(http.StatusBadRequest, "Invalid repository name", nil)
	}

	l, err := a.svc.TagsWithDigests(r.Context(), repo)
	if errors.Is(err, ErrNotFound) {
		xapiError(http.StatusNotFound, "Repository not found or has no tags", nil)
	} else if err != nil {
		log.WithFields(log.Fields{"repo": repo, "err": err}).Error("fetching tags with digests")
		xapiError(http.StatusInternalServerError, "Failed to fetch tags with digests", err)
	}

	resp := struct {
		Repository      string      `json:"repository"`
		TagsWithDigests []TagDigest `json:"tagsWithDigests"`
	}{repo, l}
	respondJSON(w, http.StatusOK, resp)
}

type deleteSummary struct {
	Total      int `json:"total"`
	Successful int `json:"successful"`
	Failed     int `json:"failed"`
}

type deleteResponse struct {
	Success bool          `json:"success"`
	Message string        `json:"message"`
	Deleted []string      `json:"deleted"`
	Failed  []FailedTag   `json:"failed"`
	Summary deleteSummary `json:"summary"`
}

// DELETE /api/registry/repositories/<repo>/tags
//
// Request body {"tags": [...]}. Admin only.
func (a api) deleteTags(user DBUser, args []string, w http.ResponseWriter, r *http.Request) {
	xadmin(user)

	var req struct {
		Tags []string `json:"tags"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1024*1024)).Decode(&req); err != nil || len(req.Tags) == 0 {
		xapiError(http.StatusBadRequest, "Invalid request: tags array is required", nil)
	}

	repo := args[0]
	if !validRepo(repo) {
		xapiError(http.StatusBadRequest, "Invalid repository name", nil)
	}

	// Tag listing fails for unknown repositories and missing permissions. Catching
	// that here gets a proper status, instead of a failure for each tag.
	if _, err := a.svc.client.Tags(r.Context(), repo); err != nil {
		log.WithFields(log.Fields{"repo": repo, "err": err}).Error("deleting tags")
		xapiError(errorStatus(err), "Failed to delete tags", err)
	}

	result := a.svc.DeleteTags(r.Context(), repo, req.Tags)
	err := recordDeletions(r.Context(), user.Username, repo, result)
	xcheckf(err, "recording deletions")

	resp := deleteResponse{
		Success: true,
		Message: fmt.Sprintf("Successfully deleted %d tag(s)", len(result.Success)),
		Deleted: result.Success,
		Failed:  result.Failed,
		Summary: deleteSummary{len(req.Tags), len(result.Success), len(result.Failed)},
	}
	respondJSON(w, http.StatusOK, resp)
}

// GET /api/registry/menu
//
// Navigation data with all repositories.
func (a api) menu(user DBUser, args []string, w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, a.svc.Menu(r.Context()))
}
