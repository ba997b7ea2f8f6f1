package api

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

type ctxKey int

const ctxKeyRequestID ctxKey = iota

// headerRequestID is honoured on input and echoed on every response.
const headerRequestID = "X-Request-ID"

// maxRequestBodySize caps a production order document (1 MB).
const maxRequestBodySize = 1 << 20

// requestID returns the ID the traced middleware stored on ctx.
func requestID(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyRequestID).(string)
	return id
}

// traced tags the request with an ID, turns a handler panic into a 500
// and writes one log record per request once the response is done.
//
// Polling endpoints (/health, /metrics) and WebSocket upgrades log at debug
// level so a dashboard does not flood the journal.
func (s *Server) traced(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(headerRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(headerRequestID, id)
		r = r.WithContext(context.WithValue(r.Context(), ctxKeyRequestID, id))

		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		defer func() {
			if p := recover(); p != nil {
				s.logger.Error("panic recovered in HTTP handler",
					"panic", p, "method", r.Method, "path", r.URL.Path, "request_id", id)
				if !sw.wrote {
					writeInternalError(sw, "internal server error")
				}
			}

			log := s.logger.Info
			switch {
			case sw.status >= http.StatusInternalServerError:
				log = s.logger.Warn
			case quietPath(r.URL.Path), sw.status == http.StatusSwitchingProtocols:
				log = s.logger.Debug
			}
			log("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", sw.status,
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", id,
			)
		}()

		next.ServeHTTP(sw, r)
	})
}

func quietPath(path string) bool {
	return path == "/metrics" || strings.HasSuffix(path, "/health")
}

// limitBody bounds the body of requests that carry one.
func (s *Server) limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost, http.MethodPut, http.MethodPatch:
			r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		}
		next.ServeHTTP(w, r)
	})
}

// statusWriter records the status code written through it.
type statusWriter struct {
	http.ResponseWriter
	status int
	wrote  bool
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.wrote = true
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	w.wrote = true
	return w.ResponseWriter.Write(b)
}

// Hijack hands the raw connection to the WebSocket upgrader.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer cannot be hijacked")
	}
	w.status = http.StatusSwitchingProtocols
	w.wrote = true
	return h.Hijack()
}
