package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-quicktest/qt"
	"github.com/opencontainers/go-digest"
)

const testDigest = "sha256:0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

// newTestClient returns a client for a registry served by h, which must see
// basic auth with username "reg" and password "regpw".
func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if username, password, ok := r.BasicAuth(); !ok || username != "reg" || password != "regpw" {
			w.WriteHeader(http.StatusUnauthorized)
			fmt.Fprint(w, `{"errors":[{"code":"UNAUTHORIZED","message":"authentication required"}]}`)
			return
		}
		h(w, r)
	}))
	t.Cleanup(srv.Close)

	c, err := NewClient(ClientOptions{
		URL:            srv.URL + "/",
		Username:       "reg",
		Password:       "regpw",
		RequestTimeout: time.Second,
	})
	qt.Assert(t, qt.IsNil(err))
	c.initialInterval = time.Millisecond
	return c
}

func TestNewClient(t *testing.T) {
	_, err := NewClient(ClientOptions{URL: "ftp://registry.example.com"})
	qt.Assert(t, qt.ErrorMatches(err, `registry url .* must be http or https with host`))

	_, err = NewClient(ClientOptions{URL: "https://"})
	qt.Assert(t, qt.Not(qt.IsNil(err)))

	c, err := NewClient(ClientOptions{URL: "https://registry.example.com//"})
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.Equals(c.url("/v2/_catalog"), "https://registry.example.com/v2/_catalog"))
	qt.Assert(t, qt.Equals(c.requestTimeout, 5*time.Second))
	qt.Assert(t, qt.Equals(c.deleteTimeout, 10*time.Second))
	qt.Assert(t, qt.Equals(c.retries, 3))
}

func TestRepositoriesPagination(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		qt.Check(t, qt.Equals(r.URL.Path, "/v2/_catalog"))
		switch r.URL.Query().Get("last") {
		case "":
			w.Header().Set("Link", `</v2/_catalog?last=b&n=2>; rel="next"`)
			fmt.Fprint(w, `{"repositories":["a","b"]}`)
		case "b":
			fmt.Fprint(w, `{"repositories":["c/d"]}`)
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	})

	repos, err := c.Repositories(context.Background())
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.DeepEquals(repos, []string{"a", "b", "c/d"}))
}

func TestRepositoriesEmpty(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"repositories":null}`)
	})
	repos, err := c.Repositories(context.Background())
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.Not(qt.IsNil(repos)))
	qt.Assert(t, qt.HasLen(repos, 0))
}

func TestTags(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v2/lib/app/tags/list":
			fmt.Fprint(w, `{"name":"lib/app","tags":["v1","latest"]}`)
		case "/v2/empty/tags/list":
			fmt.Fprint(w, `{"name":"empty","tags":null}`)
		default:
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"errors":[{"code":"NAME_UNKNOWN","message":"repository name not known to registry","detail":{"name":"missing"}}]}`)
		}
	})
	ctx := context.Background()

	tags, err := c.Tags(ctx, "lib/app")
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.DeepEquals(tags, []string{"v1", "latest"}))

	tags, err = c.Tags(ctx, "empty")
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.DeepEquals(tags, []string{}))

	_, err = c.Tags(ctx, "missing")
	qt.Assert(t, qt.ErrorIs(err, ErrNotFound))
	var serr *StatusError
	qt.Assert(t, qt.IsTrue(errors.As(err, &serr)))
	qt.Assert(t, qt.Equals(serr.StatusCode, http.StatusNotFound))
	qt.Assert(t, qt.HasLen(serr.Errors, 1))
	qt.Assert(t, qt.Equals(serr.Errors[0].Code, ErrorNameUnknown))
	qt.Assert(t, qt.ErrorMatches(err, `GET /v2/missing/tags/list: 404 Not Found: NAME_UNKNOWN: repository name not known to registry`))
}

func TestManifest(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		accept := r.Header.Values("Accept")
		qt.Check(t, qt.DeepEquals(accept, manifestMediaTypes))
		w.Header().Set("Content-Type", MediaTypeDockerV2)
		fmt.Fprintf(w, `{"schemaVersion":2,"config":{"size":7,"digest":%q},"layers":[{"size":100,"digest":%q}]}`, testDigest, testDigest)
	})

	m, err := c.Manifest(context.Background(), "app", "latest")
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.Equals(m.MediaType, MediaTypeDockerV2))
	qt.Assert(t, qt.Equals(m.Kind(), ManifestKindImage))
	size, layers := m.imageSize()
	qt.Assert(t, qt.Equals(size, int64(107)))
	qt.Assert(t, qt.Equals(layers, 1))
}

func TestManifestDigest(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		qt.Check(t, qt.Equals(r.Method, "HEAD"))
		h := w.Header()
		switch r.URL.Path {
		case "/v2/app/manifests/docker":
			h.Set("Docker-Content-Digest", testDigest)
		case "/v2/app/manifests/content":
			h.Set("Content-Digest", testDigest)
		case "/v2/app/manifests/fallback":
			h.Set("Docker-Content-Digest", "bogus")
			h.Set("Digest", testDigest)
		case "/v2/app/manifests/none":
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	ctx := context.Background()

	for _, tag := range []string{"docker", "content", "fallback"} {
		d, err := c.ManifestDigest(ctx, "app", tag)
		qt.Assert(t, qt.IsNil(err), qt.Commentf("tag %s", tag))
		qt.Assert(t, qt.Equals(d, digest.Digest(testDigest)))
	}

	_, err := c.ManifestDigest(ctx, "app", "none")
	qt.Assert(t, qt.ErrorMatches(err, `unable to get manifest digest from registry`))

	_, err = c.ManifestDigest(ctx, "app", "missing")
	qt.Assert(t, qt.ErrorIs(err, ErrNotFound))
	qt.Assert(t, qt.ErrorMatches(err, `tag not found: .*`))
}

func TestAuthFailure(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("request should not be handled")
	})
	c.password = "wrong"
	_, err := c.Repositories(context.Background())
	qt.Assert(t, qt.ErrorIs(err, ErrUnauthorized))
	qt.Assert(t, qt.ErrorMatches(err, `.*401 Unauthorized: UNAUTHORIZED: authentication required`))
}

func TestRetry(t *testing.T) {
	var n atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v2/_catalog":
			// Fails twice, then succeeds.
			if n.Add(1) <= 2 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			fmt.Fprint(w, `{"repositories":["a"]}`)
		case "/v2/down/tags/list":
			n.Add(1)
			w.WriteHeader(http.StatusBadGateway)
		case "/v2/bad/tags/list":
			n.Add(1)
			w.WriteHeader(http.StatusBadRequest)
		}
	})
	ctx := context.Background()

	repos, err := c.Repositories(ctx)
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.DeepEquals(repos, []string{"a"}))
	qt.Assert(t, qt.Equals(n.Load(), int32(3)))

	// Gives up after configured attempts.
	n.Store(0)
	_, err = c.Tags(ctx, "down")
	var serr *StatusError
	qt.Assert(t, qt.IsTrue(errors.As(err, &serr)))
	qt.Assert(t, qt.Equals(serr.StatusCode, http.StatusBadGateway))
	qt.Assert(t, qt.Equals(n.Load(), int32(3)))

	// Client errors are not retried.
	n.Store(0)
	_, err = c.Tags(ctx, "bad")
	qt.Assert(t, qt.Not(qt.IsNil(err)))
	qt.Assert(t, qt.Equals(n.Load(), int32(1)))
}

func TestTimeout(t *testing.T) {
	var n atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		n.Add(1)
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	})
	c.requestTimeout = 50 * time.Millisecond
	c.deleteTimeout = 50 * time.Millisecond

	_, err := c.Manifest(context.Background(), "app", "latest")
	qt.Assert(t, qt.ErrorIs(err, ErrTimeout))
	// Timeouts are not retried.
	qt.Assert(t, qt.Equals(n.Load(), int32(1)))

	err = c.DeleteManifest(context.Background(), "app", "latest")
	qt.Assert(t, qt.ErrorIs(err, ErrTimeout))
}

func TestDeleteManifest(t *testing.T) {
	var paths []string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		qt.Check(t, qt.Equals(r.Method, "DELETE"))
		paths = append(paths, r.URL.Path)
		if strings.HasSuffix(r.URL.Path, "/latest") {
			w.WriteHeader(http.StatusMethodNotAllowed)
			fmt.Fprint(w, `{"errors":[{"code":"UNSUPPORTED","message":"The operation is unsupported."}]}`)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})
	ctx := context.Background()

	err := c.DeleteManifest(ctx, "app", testDigest)
	qt.Assert(t, qt.IsNil(err))

	err = c.DeleteManifest(ctx, "app", "latest")
	qt.Assert(t, qt.ErrorIs(err, ErrUnsupported))

	// Deletes are not retried.
	qt.Assert(t, qt.DeepEquals(paths, []string{"/v2/app/manifests/" + testDigest, "/v2/app/manifests/latest"}))
}

func TestStatusErrorCodes(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		switch r.URL.Path {
		case "/v2/nodelete/manifests/latest":
			fmt.Fprint(w, `{"errors":[{"code":"UNSUPPORTED","message":"The operation is unsupported."}]}`)
		case "/v2/denied/manifests/latest":
			fmt.Fprint(w, `{"errors":[{"code":"DENIED","message":"requested access to the resource is denied"}]}`)
		case "/v2/gone/manifests/latest":
			fmt.Fprint(w, `{"errors":[{"code":"MANIFEST_UNKNOWN","message":"manifest unknown"}]}`)
		case "/v2/token/manifests/latest":
			fmt.Fprint(w, `{"errors":[{"code":"UNAUTHORIZED","message":"authentication required"}]}`)
		}
	})
	ctx := context.Background()

	for repo, exp := range map[string]error{
		"nodelete": ErrUnsupported,
		"denied":   ErrForbidden,
		"gone":     ErrNotFound,
		"token":    ErrUnauthorized,
	} {
		err := c.DeleteManifest(ctx, repo, "latest")
		qt.Check(t, qt.ErrorIs(err, exp), qt.Commentf("repo %s", repo))
	}

	// Unknown codes and no body are not classified.
	err := c.DeleteManifest(ctx, "other", "latest")
	var serr *StatusError
	qt.Assert(t, qt.IsTrue(errors.As(err, &serr)))
	qt.Assert(t, qt.IsNil(serr.Unwrap()))
}

func TestNextLink(t *testing.T) {
	c, err := NewClient(ClientOptions{URL: "https://registry.example.com"})
	qt.Assert(t, qt.IsNil(err))

	h := http.Header{}
	s, err := c.nextLink("https://registry.example.com/v2/_catalog", h)
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.Equals(s, ""))

	h.Set("Link", `<https://other.example.com/x>; rel="prev", </v2/_catalog?last=x&n=100>; rel="next"`)
	s, err = c.nextLink("https://registry.example.com/v2/_catalog", h)
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.Equals(s, "https://registry.example.com/v2/_catalog?last=x&n=100"))

	h.Set("Link", `/v2/_catalog; rel="next"`)
	_, err = c.nextLink("https://registry.example.com/v2/_catalog", h)
	qt.Assert(t, qt.ErrorMatches(err, `malformed link header .*`))

	h.Set("Link", `<https://other.example.com/v2/_catalog?last=x>; rel="next"`)
	_, err = c.nextLink("https://registry.example.com/v2/_catalog", h)
	qt.Assert(t, qt.ErrorMatches(err, `link header points to other host "other.example.com"`))
}
