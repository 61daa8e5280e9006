package main

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// loggingWriter keeps track of a HTTP response, registering in a prometheus metric
// when the header is written.
type loggingWriter struct {
	W     http.ResponseWriter // Calls are forwarded.
	Start time.Time
	R     *http.Request
	ID    string // Request ID, also in X-Request-Id response header.

	Op string // Set by router.

	// Set by handlers.
	StatusCode int
	Size       int64
	WriteErr   error
}

func newLoggingWriter(w http.ResponseWriter, r *http.Request, op string) *loggingWriter {
	id := uuid.NewString()
	w.Header().Set("X-Request-Id", id)
	lw := &loggingWriter{W: w, Start: time.Now(), R: r, ID: id, Op: op}
	log.WithFields(log.Fields{"id": id, "method": r.Method, "path": r.URL.Path, "remote": r.RemoteAddr}).Debug("http request")
	return lw
}

func (w *loggingWriter) Header() http.Header {
	return w.W.Header()
}

func (w *loggingWriter) setStatusCode(statusCode int) {
	if w.StatusCode != 0 {
		return
	}

	log.WithFields(log.Fields{
		"id":       w.ID,
		"method":   w.R.Method,
		"op":       w.Op,
		"status":   statusCode,
		"duration": time.Since(w.Start),
	}).Debug("http response")

	method := strings.ToLower(w.R.Method)
	switch method {
	case "head", "get", "post", "delete":
	default:
		method = "(other)"
	}
	w.StatusCode = statusCode
	metricRequest.WithLabelValues(method, w.Op, fmt.Sprintf("%d", w.StatusCode)).Observe(float64(time.Since(w.Start)) / float64(time.Second))
}

func (w *loggingWriter) Write(buf []byte) (int, error) {
	if w.StatusCode == 0 {
		w.setStatusCode(http.StatusOK)
	}

	n, err := w.W.Write(buf)
	if n > 0 {
		w.Size += int64(n)
	}
	if err != nil && w.WriteErr == nil {
		w.WriteErr = err
	}
	return n, err
}

func (w *loggingWriter) WriteHeader(statusCode int) {
	w.setStatusCode(statusCode)
	w.W.WriteHeader(statusCode)
}

// securityHeaders sets headers on all responses that restrict what browsers do
// with our pages. No scripts are needed.
func securityHeaders(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hdr := w.Header()
		hdr.Set("Content-Security-Policy", "default-src 'self'; script-src 'none'; object-src 'none'; frame-ancestors 'none'; base-uri 'self'; form-action 'self'")
		hdr.Set("X-Content-Type-Options", "nosniff")
		hdr.Set("Referrer-Policy", "same-origin")
		h.ServeHTTP(w, r)
	})
}
