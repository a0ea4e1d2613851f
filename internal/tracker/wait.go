package tracker

import (
	"context"
	"sync"
	"time"

	"github.com/InsulaLabs/lantorrent/internal/tkv"
	"github.com/InsulaLabs/lantorrent/pkg/models"
	"github.com/pkg/errors"
)

// Poll consumes the request if it is terminal, or if it has used more than
// maxAttempts attempts. The record is deleted in the same transaction that
// reads it, so of several concurrent callers exactly one sees the outcome and
// the rest see ErrNotFound. done is false while the request is still pending.
func (t *Tracker) Poll(requestID string, maxAttempts int) (models.RequestOutcome, bool, error) {
	var (
		rec       *models.TrackedRequest
		decodeErr error
	)
	_, taken, err := t.store.Take(requestKey(requestID), func(value string) bool {
		rec, decodeErr = decode(value)
		if decodeErr != nil {
			return false
		}
		return rec.State.Terminal() || rec.ExceededAttempts(maxAttempts)
	})
	if err != nil {
		if errors.As(err, new(*tkv.ErrKeyNotFound)) {
			return models.RequestOutcome{}, false, ErrNotFound
		}
		return models.RequestOutcome{}, false, errors.Wrap(err, "polling request")
	}
	if decodeErr != nil {
		return models.RequestOutcome{}, false, decodeErr
	}
	if !taken {
		return models.RequestOutcome{}, false, nil
	}

	if !rec.State.Terminal() {
		rec.State = models.StateFailed
		rec.LastMessage = models.MessageTooManyAttempts
	}
	t.logger.Info("request consumed",
		"request_id", requestID,
		"state", string(rec.State),
		"attempts", rec.AttemptCount)
	t.notifier.notify(requestID)
	return rec.Outcome(), true, nil
}

// Wait blocks until the request is terminal and consumes it. In-process state
// changes wake it immediately; pollInterval bounds how long a change made by
// another writer can go unnoticed.
func (t *Tracker) Wait(ctx context.Context, requestID string, pollInterval time.Duration, maxAttempts int) (models.RequestOutcome, error) {
	if pollInterval <= 0 {
		pollInterval = t.cfg.PollInterval
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		outcome, done, err := t.waitStep(ctx, requestID, maxAttempts, ticker.C)
		if err != nil {
			return models.RequestOutcome{}, err
		}
		if done {
			return outcome, nil
		}
	}
}

// waitStep polls once and, if the request is still pending, sleeps until the
// next change, tick or cancellation.
func (t *Tracker) waitStep(ctx context.Context, requestID string, maxAttempts int, tick <-chan time.Time) (models.RequestOutcome, bool, error) {
	changed, leave := t.notifier.wait(requestID)
	defer leave()

	outcome, done, err := t.Poll(requestID, maxAttempts)
	if err != nil || done {
		return outcome, done, err
	}
	select {
	case <-ctx.Done():
		return models.RequestOutcome{}, false, ctx.Err()
	case <-changed:
	case <-tick:
	}
	return models.RequestOutcome{}, false, nil
}

// Reattach is Wait for a request submitted earlier, possibly by a process
// that has since exited, using the configured poll interval and attempt limit.
func (t *Tracker) Reattach(ctx context.Context, requestID string) (models.RequestOutcome, error) {
	return t.Wait(ctx, requestID, t.cfg.PollInterval, t.cfg.MaxAttempts)
}

// waitEntry is shared by every waiter of one id until it is notified or the
// last waiter leaves.
type waitEntry struct {
	ch      chan struct{}
	waiters int
}

type notifier struct {
	mu    sync.Mutex
	chans map[string]*waitEntry
}

func newNotifier() *notifier {
	return &notifier{chans: make(map[string]*waitEntry)}
}

// wait returns a channel closed at the next notify for id, and a func the
// waiter must call once it stops listening.
func (n *notifier) wait(id string) (<-chan struct{}, func()) {
	n.mu.Lock()
	defer n.mu.Unlock()
	e, ok := n.chans[id]
	if !ok {
		e = &waitEntry{ch: make(chan struct{})}
		n.chans[id] = e
	}
	e.waiters++
	return e.ch, func() { n.leave(id, e) }
}

func (n *notifier) leave(id string, e *waitEntry) {
	n.mu.Lock()
	defer n.mu.Unlock()
	e.waiters--
	if e.waiters == 0 && n.chans[id] == e {
		delete(n.chans, id)
	}
}

func (n *notifier) notify(id string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if e, ok := n.chans[id]; ok {
		close(e.ch)
		delete(n.chans, id)
	}
}

func (n *notifier) waiting() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.chans)
}
