package relay

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/InsulaLabs/lantorrent/internal/wire"
	"github.com/InsulaLabs/lantorrent/pkg/models"
	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/time/rate"
)

const (
	DefaultHeaderAge    = 5 * time.Minute
	DefaultRejectLinger = 2 * time.Second
	readBufferSize      = 64 << 10
)

type ServerConfig struct {
	Logger *slog.Logger
	Engine *Engine

	MaxHeaderLength int

	// HeaderAge is how old a header may be before it is refused. Nonces are
	// remembered for the same period.
	HeaderAge time.Duration

	// RateLimit and RateBurst bound new connections per remote address. A
	// zero RateLimit disables limiting.
	RateLimit float64
	RateBurst int

	RejectLinger time.Duration
}

// Server accepts inbound relay connections and runs the engine for each.
type Server struct {
	cfg    ServerConfig
	engine *Engine
	logger *slog.Logger

	nonceMu sync.Mutex
	nonces  *ttlcache.Cache[string, struct{}]

	limiterMu sync.Mutex
	limiters  *ttlcache.Cache[string, *rate.Limiter]

	wg sync.WaitGroup
}

func NewServer(cfg ServerConfig) *Server {
	if cfg.Engine == nil {
		panic("relay: ServerConfig.Engine is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxHeaderLength <= 0 {
		cfg.MaxHeaderLength = wire.DefaultMaxHeaderLength
	}
	if cfg.HeaderAge <= 0 {
		cfg.HeaderAge = DefaultHeaderAge
	}
	if cfg.RejectLinger <= 0 {
		cfg.RejectLinger = DefaultRejectLinger
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 1
	}

	nonces := ttlcache.New[string, struct{}](
		ttlcache.WithTTL[string, struct{}](cfg.HeaderAge),
		ttlcache.WithDisableTouchOnHit[string, struct{}](),
	)
	go nonces.Start()

	limiters := ttlcache.New[string, *rate.Limiter](
		ttlcache.WithTTL[string, *rate.Limiter](time.Minute),
		ttlcache.WithDisableTouchOnHit[string, *rate.Limiter](),
	)
	go limiters.Start()

	return &Server{
		cfg:      cfg,
		engine:   cfg.Engine,
		logger:   cfg.Logger.WithGroup("relay-server"),
		nonces:   nonces,
		limiters: limiters,
	}
}

func (s *Server) ListenAndServe(ctx context.Context, address string) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", address)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled, then waits for the
// transfers in flight to unwind.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.logger.Info("relay listening", "address", ln.Addr().String(), "self", s.engine.cfg.Self)
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()
	defer s.wg.Wait()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Error("accept failed", "error", err)
			return err
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(ctx, conn)
		}()
	}
}

// Close stops the caches. Serve must have returned.
func (s *Server) Close() {
	s.nonces.Stop()
	s.limiters.Stop()
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	cfg := s.engine.cfg
	logger := s.logger.With("remote_addr", conn.RemoteAddr().String())

	if !s.limiter(remoteIP(conn)).Allow() {
		logger.Warn("rate limit exceeded")
		s.reject(conn, nil, models.NewError(models.CodeAccessDenied, "rate limit exceeded"))
		return
	}

	conn.SetReadDeadline(time.Now().Add(cfg.IOTimeout))
	br := bufio.NewReaderSize(conn, readBufferSize)
	td, err := wire.ReadHeader(br, cfg.Signer, s.cfg.MaxHeaderLength)
	if err == nil {
		err = s.admit(td)
	}
	if err != nil {
		logger.Warn("header refused", "error", err)
		s.reject(conn, td, err)
		return
	}

	logger = logger.With("request_id", td.RequestID)
	logger.Info("transfer accepted", "bytes", td.SourceLength, "leaves", len(td.Leaves()))

	started := time.Now()
	in := &deadlineReader{conn: conn, r: br, timeout: cfg.IOTimeout}
	report, err := s.engine.Forward(ctx, in, td)
	if err != nil {
		logger.Warn("transfer aborted", "error", err)
	}

	conn.SetWriteDeadline(time.Now().Add(cfg.IOTimeout))
	if werr := wire.WriteReport(conn, report); werr != nil {
		logger.Warn("could not deliver report upstream", "error", werr)
		return
	}
	logger.Info("transfer complete",
		"outcome", report.Outcome().String(),
		"failed", len(report.Failures()),
		"elapsed", time.Since(started))
}

// admit refuses stale and replayed headers.
func (s *Server) admit(td *models.TransferDescriptor) error {
	if td.Nonce == "" {
		return models.NewError(models.CodeHeaderMissingField, "nonce")
	}
	age := time.Since(td.IssuedAt)
	if age > s.cfg.HeaderAge || age < -s.cfg.HeaderAge {
		return models.NewError(models.CodeAccessDenied, "header issued at %s is outside the %s window", td.IssuedAt.Format(time.RFC3339), s.cfg.HeaderAge)
	}

	s.nonceMu.Lock()
	defer s.nonceMu.Unlock()
	if s.nonces.Has(td.Nonce) {
		return models.NewError(models.CodeAccessDenied, "replayed header %s", td.Nonce)
	}
	s.nonces.Set(td.Nonce, struct{}{}, ttlcache.DefaultTTL)
	return nil
}

// reject answers with a single hop-level record, then drains for a short
// while so the parent can read the answer instead of a reset.
func (s *Server) reject(conn net.Conn, td *models.TransferDescriptor, err error) {
	host, port := s.identity(td)
	e := models.AsError(err)
	report := models.Report{
		Host: host,
		Port: port,
		Records: []models.CompletionRecord{{
			Code:    e.Code,
			Message: e.Error(),
			Host:    host,
			Port:    port,
		}},
	}

	conn.SetWriteDeadline(time.Now().Add(s.cfg.RejectLinger))
	if werr := wire.WriteReport(conn, report); werr != nil {
		return
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		tcp.CloseWrite()
	}
	conn.SetReadDeadline(time.Now().Add(s.cfg.RejectLinger))
	io.Copy(io.Discard, conn)
}

func (s *Server) identity(td *models.TransferDescriptor) (string, int) {
	if td != nil && td.Host != "" {
		return td.Host, td.Port
	}
	host, portStr, err := net.SplitHostPort(s.engine.cfg.Self)
	if err != nil {
		return "", 0
	}
	port, _ := strconv.Atoi(portStr)
	return host, port
}

func (s *Server) limiter(ip string) *rate.Limiter {
	if s.cfg.RateLimit <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	s.limiterMu.Lock()
	defer s.limiterMu.Unlock()
	if item := s.limiters.Get(ip); item != nil {
		return item.Value()
	}
	limiter := rate.NewLimiter(rate.Limit(s.cfg.RateLimit), s.cfg.RateBurst)
	s.limiters.Set(ip, limiter, ttlcache.DefaultTTL)
	return limiter
}

func remoteIP(conn net.Conn) string {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return conn.RemoteAddr().String()
	}
	return host
}

// deadlineReader refreshes the read deadline before every read so a stalled
// upstream is detected within the I/O timeout.
type deadlineReader struct {
	conn    net.Conn
	r       io.Reader
	timeout time.Duration
}

func (d *deadlineReader) Read(p []byte) (int, error) {
	d.conn.SetReadDeadline(time.Now().Add(d.timeout))
	return d.r.Read(p)
}
