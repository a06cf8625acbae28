// Package api serves a read-only HTTP view of the running session for
// external renderers and scrapers.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/samber/lo"

	"github.com/MikeSquared-Agency/chatsync/internal/chat"
	"github.com/MikeSquared-Agency/chatsync/internal/session"
)

// View is what the server reads from.
type View interface {
	State() session.State
	Transcript() []chat.Message
}

type Server struct {
	router *chi.Mux
	http   *http.Server
	view   View
}

// TranscriptResponse is the body of GET /api/v1/transcript.
type TranscriptResponse struct {
	Channel  string         `json:"channel"`
	Messages []chat.Message `json:"messages"`
	Count    int            `json:"count"`
}

func NewServer(port int, view View, gatherer prometheus.Gatherer) *Server {
	router := chi.NewRouter()
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)

	s := &Server{
		router: router,
		view:   view,
		http: &http.Server{
			Addr:              fmt.Sprintf("127.0.0.1:%d", port),
			Handler:           router,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}

	router.Get("/health", s.health)
	router.Get("/api/v1/session", s.session)
	router.Get("/api/v1/transcript", s.transcript)
	if gatherer != nil {
		router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	return s
}

func (s *Server) Start() error {
	slog.Info("API server starting", "addr", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) session(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.view.State())
}

// transcript handles GET /api/v1/transcript. Optional query parameters:
// origin (local, confirmed or failed) and limit (keep the newest n).
func (s *Server) transcript(w http.ResponseWriter, r *http.Request) {
	msgs := s.view.Transcript()

	if o := r.URL.Query().Get("origin"); o != "" {
		origin, err := chat.ParseOrigin(o)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		msgs = lo.Filter(msgs, func(m chat.Message, _ int) bool { return m.Origin == origin })
	}

	if l := r.URL.Query().Get("limit"); l != "" {
		limit, err := strconv.Atoi(l)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid limit %q", l))
			return
		}
		if len(msgs) > limit {
			msgs = msgs[len(msgs)-limit:]
		}
	}

	if msgs == nil {
		msgs = []chat.Message{}
	}
	writeJSON(w, http.StatusOK, TranscriptResponse{
		Channel:  s.view.State().Channel,
		Messages: msgs,
		Count:    len(msgs),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
