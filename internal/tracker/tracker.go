package tracker

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/InsulaLabs/lantorrent/client"
	"github.com/InsulaLabs/lantorrent/internal/tkv"
	"github.com/InsulaLabs/lantorrent/pkg/models"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const (
	DefaultWorkers      = 4
	DefaultMaxAttempts  = 3
	DefaultRetryDelay   = 5 * time.Second
	DefaultPollInterval = time.Second
	DefaultQueueSize    = 1024

	requestPrefix = "request:"
)

var (
	ErrNotFound         = errors.New("request not found")
	ErrDuplicateRequest = errors.New("request id already submitted")
	ErrNotStarted       = errors.New("tracker not started")
	ErrInvalidTargets   = errors.New("invalid targets")
)

type Mode int

const (
	// ModeAsync records the request and hands it to a worker.
	ModeAsync Mode = iota
	// ModeSync runs the broadcast inside Submit.
	ModeSync
)

func ParseMode(s string) (Mode, error) {
	switch s {
	case "", "async":
		return ModeAsync, nil
	case "sync":
		return ModeSync, nil
	}
	return ModeAsync, errors.Errorf("unknown tracker mode %q", s)
}

func (m Mode) String() string {
	if m == ModeSync {
		return "sync"
	}
	return "async"
}

// Sender delivers a file to a set of targets. *client.Origin satisfies it.
type Sender interface {
	Send(ctx context.Context, req client.Request) (models.Report, error)
}

type Config struct {
	Logger *slog.Logger
	Store  tkv.TKV
	Sender Sender

	Mode    Mode
	Workers int

	// MaxAttempts bounds the broadcasts run for one request.
	MaxAttempts  int
	RetryDelay   time.Duration
	PollInterval time.Duration
	QueueSize    int
}

// Tracker keeps the durable state of submitted broadcasts and drives them to
// a terminal state.
type Tracker struct {
	cfg    Config
	store  tkv.TKV
	logger *slog.Logger

	queue    chan string
	notifier *notifier
	hub      *hub

	mu      sync.Mutex
	started bool
	active  map[string]bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func New(cfg Config) (*Tracker, error) {
	if cfg.Store == nil {
		return nil, errors.New("tracker: store is required")
	}
	if cfg.Sender == nil {
		return nil, errors.New("tracker: sender is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	logger := cfg.Logger.WithGroup("tracker")
	return &Tracker{
		cfg:      cfg,
		store:    cfg.Store,
		logger:   logger,
		queue:    make(chan string, cfg.QueueSize),
		notifier: newNotifier(),
		hub:      newHub(logger),
		active:   make(map[string]bool),
	}, nil
}

// Start launches the workers and re-enqueues every request still PENDING in
// the store, so broadcasts submitted before a restart are resumed.
func (t *Tracker) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return nil
	}
	t.ctx, t.cancel = context.WithCancel(ctx)
	t.started = true
	t.mu.Unlock()

	for i := 0; i < t.cfg.Workers; i++ {
		t.wg.Add(1)
		go t.worker(i)
	}

	pending, err := t.List()
	if err != nil {
		return errors.Wrap(err, "listing requests to resume")
	}
	resumed := 0
	for _, rec := range pending {
		if rec.State.Terminal() {
			continue
		}
		t.enqueue(rec.RequestID)
		resumed++
	}
	t.logger.Info("tracker started",
		"mode", t.cfg.Mode.String(),
		"workers", t.cfg.Workers,
		"resumed", resumed)
	return nil
}

// Close stops the workers and waits for them. Requests interrupted mid-attempt
// stay PENDING and are resumed by the next Start. The store is left open.
func (t *Tracker) Close() {
	t.mu.Lock()
	cancel := t.cancel
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	t.wg.Wait()
	t.hub.close()
}

func (t *Tracker) Config() Config {
	return t.cfg
}

// Submit durably records a PENDING request and starts its broadcast. In sync
// mode the broadcast has finished, successfully or not, when Submit returns.
func (t *Tracker) Submit(ctx context.Context, sourcePath string, targets []models.Target, requestID string) (string, error) {
	return t.submit(ctx, sourcePath, targets, requestID, t.cfg.Mode)
}

// Enqueue records the request and hands it to a worker whatever the mode, so
// it never waits on the broadcast. Start must have been called.
func (t *Tracker) Enqueue(sourcePath string, targets []models.Target, requestID string) (string, error) {
	return t.submit(context.Background(), sourcePath, targets, requestID, ModeAsync)
}

func (t *Tracker) submit(ctx context.Context, sourcePath string, targets []models.Target, requestID string, mode Mode) (string, error) {
	if requestID == "" {
		requestID = uuid.NewString()
	}
	if sourcePath == "" {
		return "", errors.New("source path cannot be empty")
	}
	if mode == ModeAsync && !t.isStarted() {
		return "", ErrNotStarted
	}

	targets = models.AssignIDs(requestID, targets)
	if err := models.CheckTargetIDs(targets); err != nil {
		return "", errors.Wrap(ErrInvalidTargets, err.Error())
	}

	now := time.Now().UTC()
	rec := &models.TrackedRequest{
		RequestID:   requestID,
		SourcePath:  sourcePath,
		Targets:     targets,
		State:       models.StatePending,
		SubmittedAt: now,
		UpdatedAt:   now,
	}
	value, err := json.Marshal(rec)
	if err != nil {
		return "", errors.Wrap(err, "encoding request")
	}
	if err := t.store.SetNX(requestKey(requestID), string(value)); err != nil {
		if errors.As(err, new(*tkv.ErrKeyExists)) {
			return "", ErrDuplicateRequest
		}
		return "", errors.Wrap(err, "storing request")
	}

	t.logger.Info("request submitted",
		"request_id", requestID,
		"source", sourcePath,
		"targets", len(targets),
		"mode", mode.String())
	t.changed(rec)

	if mode == ModeSync {
		if !t.claim(requestID) {
			return requestID, nil
		}
		defer t.release(requestID)
		return requestID, t.drive(ctx, requestID)
	}
	t.enqueue(requestID)
	return requestID, nil
}

// Status returns the stored record without consuming it.
func (t *Tracker) Status(requestID string) (*models.TrackedRequest, error) {
	value, err := t.store.Get(requestKey(requestID))
	if err != nil {
		if errors.As(err, new(*tkv.ErrKeyNotFound)) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "reading request")
	}
	return decode(value)
}

func (t *Tracker) List() ([]models.TrackedRequest, error) {
	entries, err := t.store.Iterate(requestPrefix, 0, 0)
	if err != nil {
		return nil, errors.Wrap(err, "listing requests")
	}
	out := make([]models.TrackedRequest, 0, len(entries))
	for _, e := range entries {
		rec, err := decode(e.Value)
		if err != nil {
			t.logger.Warn("skipping undecodable request", "key", e.Key, "error", err)
			continue
		}
		out = append(out, *rec)
	}
	return out, nil
}

func (t *Tracker) isStarted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.started
}

// changed wakes waiters and tells subscribers about a new snapshot.
func (t *Tracker) changed(rec *models.TrackedRequest) {
	t.notifier.notify(rec.RequestID)
	t.hub.publish(*rec)
}

func requestKey(id string) string {
	return requestPrefix + id
}

func decode(value string) (*models.TrackedRequest, error) {
	var rec models.TrackedRequest
	if err := json.Unmarshal([]byte(value), &rec); err != nil {
		return nil, errors.Wrap(err, "decoding request")
	}
	return &rec, nil
}
