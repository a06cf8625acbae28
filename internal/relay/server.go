// Package relay is a small chat backend speaking the client's wire protocol.
// It exists so the client can be run and tested end to end.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"

	"github.com/MikeSquared-Agency/chatsync/internal/backend"
	"github.com/MikeSquared-Agency/chatsync/internal/hermes"
	"github.com/MikeSquared-Agency/chatsync/internal/store"
)

const (
	DefaultHistoryLimit = 200
	maxRequestBytes     = 64 << 10
)

// Store is where the relay keeps messages. *store.Store and *store.Memory
// both satisfy it.
type Store interface {
	Append(ctx context.Context, m store.Message) (store.Message, bool, error)
	Recent(ctx context.Context, channel string, limit int) ([]store.Message, error)
}

type Options struct {
	Port         int
	Channels     []string
	Store        Store
	HistoryLimit int
	SendRPS      float64
	SendBurst    int
	Publisher    hermes.Publisher // optional
	Logger       *slog.Logger
	Now          func() time.Time
}

type Server struct {
	router    *chi.Mux
	http      *http.Server
	tracker   *Tracker
	store     Store
	limiters  *limiterPool
	publisher hermes.Publisher
	history   int
	validate  *validator.Validate
	logger    *slog.Logger
	now       func() time.Time
}

func NewServer(opts Options) *Server {
	router := chi.NewRouter()
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)

	s := &Server{
		router:    router,
		tracker:   NewTracker(opts.Channels),
		store:     opts.Store,
		limiters:  newLimiterPool(opts.SendRPS, opts.SendBurst),
		publisher: opts.Publisher,
		history:   opts.HistoryLimit,
		validate:  validator.New(),
		logger:    opts.Logger,
		now:       opts.Now,
	}
	if s.store == nil {
		s.store = store.NewMemory()
	}
	if s.history <= 0 {
		s.history = DefaultHistoryLimit
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", opts.Port),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	router.Get("/health", s.health)
	router.Post(backend.PathRegister, s.register)
	router.Post(backend.PathJoin, s.join)
	router.Post(backend.PathFetch, s.fetch)
	router.Post(backend.PathSend, s.send)
	router.Get(backend.PathChannels, s.channels)

	return s
}

// Handler exposes the router, e.g. for httptest.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start() error {
	s.logger.Info("relay starting", "addr", s.http.Addr, "channels", s.tracker.Channels())
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
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

func (s *Server) register(w http.ResponseWriter, r *http.Request) {
	var req backend.RegisterRequest
	if !s.decode(w, r, &req) {
		return
	}

	if s.tracker.Register(req.Identity) {
		s.logger.Info("peer registered", "identity", req.Identity, "peers", s.tracker.Peers())
	}
	writeJSON(w, http.StatusOK, backend.Envelope{Status: backend.StatusSuccess, Message: "registered " + req.Identity})
}

func (s *Server) join(w http.ResponseWriter, r *http.Request) {
	var req backend.JoinRequest
	if !s.decode(w, r, &req) {
		return
	}

	switch err := s.tracker.Join(req.Identity, req.Channel); {
	case errors.Is(err, ErrUnknownChannel):
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown channel %s", req.Channel))
		return
	case errors.Is(err, ErrNotRegistered):
		writeError(w, http.StatusForbidden, fmt.Sprintf("%s is not registered", req.Identity))
		return
	}

	s.logger.Info("peer joined", "identity", req.Identity, "channel", req.Channel)
	writeJSON(w, http.StatusOK, backend.Envelope{Status: backend.StatusSuccess, Message: "joined " + req.Channel})
}

func (s *Server) fetch(w http.ResponseWriter, r *http.Request) {
	var req backend.FetchRequest
	if !s.decode(w, r, &req) {
		return
	}
	if !s.tracker.IsMember(req.Identity, req.Channel) {
		writeError(w, http.StatusForbidden, fmt.Sprintf("%s has not joined %s", req.Identity, req.Channel))
		return
	}

	msgs, err := s.store.Recent(r.Context(), req.Channel, s.history)
	if err != nil {
		s.logger.Error("failed to load messages", "channel", req.Channel, "error", err)
		writeError(w, http.StatusInternalServerError, "could not load messages")
		return
	}

	writeJSON(w, http.StatusOK, backend.FetchResponse{
		Envelope: backend.Envelope{Status: backend.StatusSuccess},
		Messages: lo.Map(msgs, func(m store.Message, _ int) backend.WireMessage {
			return backend.WireMessage{Author: m.Author, Body: m.Body, SentAt: m.SentAt}
		}),
	})
}

func (s *Server) send(w http.ResponseWriter, r *http.Request) {
	var req backend.SendRequest
	if !s.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Body) == "" {
		writeError(w, http.StatusBadRequest, "message body is empty")
		return
	}
	if !s.tracker.IsMember(req.Identity, req.Channel) {
		writeError(w, http.StatusForbidden, fmt.Sprintf("%s has not joined %s", req.Identity, req.Channel))
		return
	}
	if !s.limiters.Allow(req.Identity) {
		writeError(w, http.StatusTooManyRequests, "rate limited")
		return
	}

	// Timestamped on receipt. Postgres keeps microseconds, so the memory
	// store is given the same precision.
	msg, created, err := s.store.Append(r.Context(), store.Message{
		Channel:        req.Channel,
		Author:         req.Identity,
		Body:           req.Body,
		SentAt:         s.now().UTC().Truncate(time.Microsecond),
		IdempotencyKey: r.Header.Get(backend.HeaderIdempotencyKey),
	})
	if err != nil {
		s.logger.Error("failed to store message", "channel", req.Channel, "error", err)
		writeError(w, http.StatusInternalServerError, "could not store message")
		return
	}

	if created {
		s.announce(msg)
	} else {
		s.logger.Debug("duplicate send ignored", "identity", req.Identity, "key", msg.IdempotencyKey)
	}
	writeJSON(w, http.StatusAccepted, backend.Envelope{Status: backend.StatusAccepted})
}

func (s *Server) channels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, backend.ChannelsResponse{
		Envelope: backend.Envelope{Status: backend.StatusSuccess},
		Channels: s.tracker.Channels(),
	})
}

func (s *Server) announce(m store.Message) {
	if s.publisher == nil {
		return
	}
	err := s.publisher.Publish(hermes.SubjectMessagePosted, hermes.MessagePostedEvent{
		Channel:        m.Channel,
		Author:         m.Author,
		Body:           m.Body,
		SentAt:         m.SentAt,
		IdempotencyKey: m.IdempotencyKey,
	})
	if err != nil {
		s.logger.Warn("failed to publish message event", "channel", m.Channel, "error", err)
	}
}

// decode reads and validates a JSON body, answering 400 itself on failure.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return false
	}
	if err := s.validate.Struct(v); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request: %v", err))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, backend.Envelope{Status: backend.StatusError, Message: msg})
}
