package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"datepoll/internal/auth"
	"datepoll/internal/config"
	"datepoll/internal/ics"
	appLog "datepoll/internal/log"
	"datepoll/internal/metrics"
	"datepoll/internal/model"
	"datepoll/internal/poll"
	"datepoll/internal/store"
)

// maxRequestBody bounds JSON request bodies.
const maxRequestBody = 1 << 20

// Store is the persistence the HTTP layer needs; *store.Store implements it.
type Store interface {
	Ping(ctx context.Context) error

	CreateUser(ctx context.Context, u model.User, passwordHash string) (model.User, error)
	AccountByEmail(ctx context.Context, email string) (store.Account, error)
	UserByID(ctx context.Context, id string) (model.User, error)
	Directory(ctx context.Context, ids []string) (poll.Directory, error)

	CreateEvent(ctx context.Context, ev model.Event) (model.Event, error)
	EventByPublicID(ctx context.Context, publicID string) (model.Event, error)
	UpdateEvent(ctx context.Context, publicID string, fn func(model.Event) (model.Event, error)) (model.Event, error)
	DeleteEvent(ctx context.Context, publicID string) error
	EventsByCreator(ctx context.Context, userID string) ([]model.Event, error)
	EventsByParticipant(ctx context.Context, userID string) ([]model.Event, error)
}

// Fetcher downloads remote calendars; *ics.Fetcher implements it.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (ics.FetchResult, error)
}

// Deps are the collaborators of a Server.
type Deps struct {
	Config   *config.Config
	Store    Store
	Sessions *auth.Sessions
	Metrics  *metrics.Metrics
	Fetcher  Fetcher
}

// Server exposes the poll API over HTTP.
type Server struct {
	cfg      *config.Config
	store    Store
	sessions *auth.Sessions
	metrics  *metrics.Metrics
	fetcher  Fetcher
	mux      *http.ServeMux

	loc     *time.Location
	weights poll.Weights
	now     func() time.Time
}

// NewServer constructs a new Server. Metrics and Fetcher are optional.
func NewServer(d Deps) *Server {
	cfg := d.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	m := d.Metrics
	if m == nil {
		m = metrics.New(d.Sessions.Active)
	}
	f := d.Fetcher
	if f == nil {
		var opts []ics.FetcherOption
		if cfg.ICS.AllowPrivateNetworks {
			opts = append(opts, ics.AllowPrivateNetworks())
		}
		f = ics.NewFetcher(cfg.ICS.FetchTimeout, cfg.ICS.CacheTTL, opts...)
	}
	s := &Server{
		cfg:      cfg,
		store:    d.Store,
		sessions: d.Sessions,
		metrics:  m,
		fetcher:  f,
		mux:      http.NewServeMux(),
		loc:      cfg.Location(),
		weights:  poll.Weights{Yes: cfg.Voting.YesWeight, Maybe: cfg.Voting.MaybeWeight},
		now:      time.Now,
	}
	s.registerRoutes()
	return s
}

// Handler returns the root handler: session lookup and request logging
// around the route mux.
func (s *Server) Handler() http.Handler {
	return s.logRequests(s.withSession(s.mux))
}

// Run serves on cfg.Listen until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+s.cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	appLog.Info("shutting down HTTP server")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.Handle("GET /metrics", s.metrics.Handler())

	s.mux.HandleFunc("POST /api/auth/signup", s.handleSignup)
	s.mux.HandleFunc("POST /api/auth/login", s.handleLogin)
	s.mux.HandleFunc("POST /api/auth/logout", s.handleLogout)
	s.mux.HandleFunc("GET /api/users/{id}", s.handleUser)

	s.mux.HandleFunc("GET /api/calendar", s.handleCalendar)

	s.mux.HandleFunc("POST /api/events", s.handleCreateEvent)
	s.mux.HandleFunc("GET /api/events/{id}", s.handleGetEvent)
	s.mux.HandleFunc("PATCH /api/events/{id}", s.handleUpdateEvent)
	s.mux.HandleFunc("DELETE /api/events/{id}", s.handleDeleteEvent)
	s.mux.HandleFunc("PATCH /api/events/{id}/vote", s.handleVote)
	s.mux.HandleFunc("GET /api/events/{id}/calendar", s.handleEventCalendar)
	s.mux.HandleFunc("GET /api/events/{id}/ics", s.handleExport)
	s.mux.HandleFunc("POST /api/events/{id}/import", s.handleImport)
	s.mux.HandleFunc("GET /api/users/{userID}/events", s.handleEventsByCreator)
	s.mux.HandleFunc("GET /api/users/{userID}/participations", s.handleEventsByParticipant)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if err := s.store.Ping(r.Context()); err != nil {
		appLog.Error("health check failed", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("database unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// withSession attaches the claims of a valid bearer token to the request.
// Requests without a token pass through anonymously; a bad token is refused
// so clients notice their session ended.
func (s *Server) withSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := auth.BearerToken(r)
		if token == "" {
			next.ServeHTTP(w, r)
			return
		}
		claims, err := s.sessions.Authenticate(token)
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="datepoll"`)
			writeError(w, http.StatusUnauthorized, "session expired or invalid")
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithClaims(r.Context(), claims)))
	})
}

// requireUser returns the caller's user id or answers 401.
func requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := auth.UserID(r.Context())
	if id == "" {
		w.Header().Set("WWW-Authenticate", `Bearer realm="datepoll"`)
		writeError(w, http.StatusUnauthorized, "login required")
		return "", false
	}
	return id, true
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		appLog.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"took", time.Since(start).String(),
		)
	})
}

func (s *Server) today() model.DateKey {
	return model.DateKeyOf(s.now().In(s.loc))
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}

var errForbidden = errors.New("only the event creator may do this")

// writeStoreError maps domain and store errors to HTTP statuses.
func writeStoreError(w http.ResponseWriter, err error, what string) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, what+" not found")
	case errors.Is(err, store.ErrConflict):
		writeError(w, http.StatusConflict, what+" already exists")
	case errors.Is(err, errForbidden):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, poll.ErrUnknownDate),
		errors.Is(err, poll.ErrInvalidStatus),
		errors.Is(err, model.ErrInvalidDateKey):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		appLog.Error("request failed", err, "what", what)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
