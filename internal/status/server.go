package status

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/InsulaLabs/lantorrent/internal/tracker"
	"github.com/InsulaLabs/lantorrent/pkg/models"
	"github.com/gorilla/websocket"
	"github.com/jellydator/ttlcache/v3"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

const (
	maxBodySize           = 1 << 20
	DefaultMaxConnections = 64
)

// Tracker is the part of *tracker.Tracker the status surface serves.
type Tracker interface {
	Enqueue(sourcePath string, targets []models.Target, requestID string) (string, error)
	Status(requestID string) (*models.TrackedRequest, error)
	List() ([]models.TrackedRequest, error)
	Poll(requestID string, maxAttempts int) (models.RequestOutcome, bool, error)
	Subscribe() (<-chan models.TrackedRequest, func())
}

type Config struct {
	Logger  *slog.Logger
	Tracker Tracker
	AppCtx  context.Context

	// Token is compared against the Authorization header of every request.
	Token string

	// MaxAttempts is the poll limit used when a caller does not pass one.
	MaxAttempts int

	RateLimit float64
	RateBurst int

	MaxConnections           int
	WebSocketReadBufferSize  int
	WebSocketWriteBufferSize int
}

// Server exposes the tracker over HTTP.
type Server struct {
	cfg      Config
	logger   *slog.Logger
	appCtx   context.Context
	mux      *http.ServeMux
	upgrader websocket.Upgrader

	limiterMu sync.Mutex
	limiters  *ttlcache.Cache[string, *rate.Limiter]

	wsLock      sync.Mutex
	activeConns int
}

func New(cfg Config) (*Server, error) {
	if cfg.Tracker == nil {
		return nil, errors.New("status: tracker is required")
	}
	if cfg.Token == "" {
		return nil, errors.New("status: token cannot be empty")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.AppCtx == nil {
		cfg.AppCtx = context.Background()
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 1
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = DefaultMaxConnections
	}

	limiters := ttlcache.New[string, *rate.Limiter](
		ttlcache.WithTTL[string, *rate.Limiter](time.Minute),
		ttlcache.WithDisableTouchOnHit[string, *rate.Limiter](),
	)
	go limiters.Start()

	s := &Server{
		cfg:      cfg,
		logger:   cfg.Logger.WithGroup("status"),
		appCtx:   cfg.AppCtx,
		mux:      http.NewServeMux(),
		limiters: limiters,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.WebSocketReadBufferSize,
			WriteBufferSize: cfg.WebSocketWriteBufferSize,
		},
	}

	s.mux.Handle("POST /v1/requests", s.middleware(http.HandlerFunc(s.submitHandler), "submit"))
	s.mux.Handle("GET /v1/requests", s.middleware(http.HandlerFunc(s.listHandler), "read"))
	s.mux.Handle("GET /v1/requests/{id}", s.middleware(http.HandlerFunc(s.getHandler), "read"))
	s.mux.Handle("POST /v1/requests/{id}/poll", s.middleware(http.HandlerFunc(s.pollHandler), "poll"))
	s.mux.Handle("GET /v1/events", s.middleware(http.HandlerFunc(s.eventsHandler), "events"))
	return s, nil
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

// ListenAndServe serves until the application context is cancelled.
func (s *Server) ListenAndServe(address string) error {
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

func (s *Server) Serve(ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-s.appCtx.Done()
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelShutdown()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("server shutdown error", "error", err)
		}
	}()

	s.logger.Info("status server listening", "address", ln.Addr().String())
	err := srv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Close stops the limiter cache. Call it once, after serving has ended.
func (s *Server) Close() {
	s.limiters.Stop()
}

func (s *Server) middleware(next http.Handler, route string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if subtle.ConstantTimeCompare([]byte(r.Header.Get("Authorization")), []byte(s.cfg.Token)) != 1 {
			s.logger.Warn("unauthorized request", "route", route, "remote_addr", r.RemoteAddr)
			s.writeError(w, http.StatusUnauthorized, "unauthorized", "invalid or missing token")
			return
		}

		limiter := s.limiter(route, r)
		res := limiter.Reserve()
		if delay := res.Delay(); delay > 0 {
			res.Cancel()
			s.logger.Warn("rate limit exceeded", "route", route, "path", r.URL.Path, "remote_addr", r.RemoteAddr)
			w.Header().Set("Retry-After", fmt.Sprintf("%.0f", math.Ceil(delay.Seconds())))
			w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%v", limiter.Limit()))
			w.Header().Set("X-RateLimit-Burst", fmt.Sprintf("%d", limiter.Burst()))
			s.writeError(w, http.StatusTooManyRequests, "rate_limited", http.StatusText(http.StatusTooManyRequests))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) limiter(route string, r *http.Request) *rate.Limiter {
	if s.cfg.RateLimit <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	key := route + "|" + remoteAddress(r)
	s.limiterMu.Lock()
	defer s.limiterMu.Unlock()
	if item := s.limiters.Get(key); item != nil {
		return item.Value()
	}
	limiter := rate.NewLimiter(rate.Limit(s.cfg.RateLimit), s.cfg.RateBurst)
	s.limiters.Set(key, limiter, ttlcache.DefaultTTL)
	return limiter
}

func remoteAddress(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) submitHandler(w http.ResponseWriter, r *http.Request) {
	var req models.SubmitRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "bad_request", "invalid request body: "+err.Error())
		return
	}
	if req.SourcePath == "" {
		s.writeError(w, http.StatusBadRequest, "bad_request", "source_path is required")
		return
	}
	for i, t := range req.Targets {
		if t.Path == "" {
			s.writeError(w, http.StatusBadRequest, "bad_request", fmt.Sprintf("target %d has no path", i))
			return
		}
	}

	// The broadcast outlives this HTTP request, even with a sync tracker.
	id, err := s.cfg.Tracker.Enqueue(req.SourcePath, req.Targets, req.RequestID)
	if err != nil {
		if errors.Is(err, tracker.ErrDuplicateRequest) {
			s.writeError(w, http.StatusConflict, "duplicate_request", err.Error())
			return
		}
		if errors.Is(err, tracker.ErrInvalidTargets) {
			s.writeError(w, http.StatusBadRequest, "invalid_targets", err.Error())
			return
		}
		s.logger.Error("submit failed", "request_id", req.RequestID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	s.writeJSON(w, http.StatusAccepted, models.SubmitResponse{RequestID: id})
}

func (s *Server) listHandler(w http.ResponseWriter, r *http.Request) {
	requests, err := s.cfg.Tracker.List()
	if err != nil {
		s.logger.Error("list failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, requests)
}

func (s *Server) getHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rec, err := s.cfg.Tracker.Status(id)
	if err != nil {
		s.trackerError(w, id, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

// pollHandler consumes a terminal request: 200 with the outcome, 202 while it
// is pending, 404 once it is gone.
func (s *Server) pollHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	maxAttempts := s.cfg.MaxAttempts
	if raw := r.URL.Query().Get("max_attempts"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "bad_request", "max_attempts must be an integer")
			return
		}
		maxAttempts = n
	}

	outcome, done, err := s.cfg.Tracker.Poll(id, maxAttempts)
	if err != nil {
		s.trackerError(w, id, err)
		return
	}
	if !done {
		s.writeJSON(w, http.StatusAccepted, models.RequestOutcome{RequestID: id, State: models.StatePending})
		return
	}
	s.writeJSON(w, http.StatusOK, outcome)
}

func (s *Server) trackerError(w http.ResponseWriter, id string, err error) {
	if errors.Is(err, tracker.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "not_found", fmt.Sprintf("request %s not found", id))
		return
	}
	s.logger.Error("tracker error", "request_id", id, "error", err)
	s.writeError(w, http.StatusInternalServerError, "internal", err.Error())
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, errorType, message string) {
	s.writeJSON(w, status, models.ErrorResponse{ErrorType: errorType, Message: message})
}
