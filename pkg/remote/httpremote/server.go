// Package httpremote serves the local control API and posts result
// notifications to a webhook.
package httpremote

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/fly-io/fota-agent/pkg/downloadinfo"
	"github.com/fly-io/fota-agent/pkg/errors"
	"github.com/fly-io/fota-agent/pkg/remote"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const maxDirectiveBytes = 64 << 10

// Server exposes a remote.Handler over HTTP.
type Server struct {
	handler remote.Handler
	router  chi.Router
	srv     *http.Server
}

// NewServer builds the router for h
func NewServer(h remote.Handler) *Server {
	s := &Server{handler: h}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Route("/models/"+downloadinfo.TypeName, func(r chi.Router) {
		r.Put("/", s.putDirective)
		r.Post("/downloadAndUpdate", s.postCommand)
	})
	r.Get("/status", s.getStatus)

	s.router = r
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on addr until Shutdown.
func (s *Server) ListenAndServe(addr string) error {
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	slog.Info("http_listen", "addr", addr)
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return errors.Wrap(err, "http server failed")
	}
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) putDirective(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxDirectiveBytes))
	if err != nil {
		writeReply(w, errors.WithCode(err, errors.InvalidArgument, "unreadable body"), remote.CodeOK, http.StatusOK)
		return
	}

	var d downloadinfo.Directive
	if err := json.Unmarshal(body, &d); err != nil {
		writeReply(w, errors.WithCode(err, errors.InvalidArgument, "malformed directive"), remote.CodeOK, http.StatusOK)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), remote.RequestTimeout)
	defer cancel()
	writeReply(w, s.handler.UpdateDirective(ctx, d), remote.CodeOK, http.StatusOK)
}

func (s *Server) postCommand(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), remote.RequestTimeout)
	defer cancel()
	err := s.handler.DownloadAndUpdate(ctx, r.URL.Query().Get("key"))
	writeReply(w, err, remote.CodeInProgress, http.StatusAccepted)
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), remote.RequestTimeout)
	defer cancel()

	st, err := s.handler.Status(ctx)
	if err != nil {
		writeReply(w, err, remote.CodeOK, http.StatusOK)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func writeReply(w http.ResponseWriter, err error, okCode string, okStatus int) {
	reply := remote.ReplyFor(err, okCode)
	status := okStatus
	if err != nil {
		status = httpStatus(err)
		slog.Warn("http_request_rejected", "code", reply.Code, "message", reply.Message)
	}
	writeJSON(w, status, reply)
}

func httpStatus(err error) int {
	switch errors.CodeOf(err) {
	case errors.InvalidArgument:
		return http.StatusBadRequest
	case errors.InvalidState:
		return http.StatusConflict
	case errors.NotFound:
		return http.StatusNotFound
	default:
		if errors.Is(err, context.DeadlineExceeded) {
			return http.StatusServiceUnavailable
		}
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("http_write_failed", "error", err)
	}
}
