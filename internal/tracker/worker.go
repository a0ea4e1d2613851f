package tracker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/InsulaLabs/lantorrent/client"
	"github.com/InsulaLabs/lantorrent/internal/tkv"
	"github.com/InsulaLabs/lantorrent/pkg/models"
	"github.com/pkg/errors"
)

// errSkip aborts a store update without writing.
var errSkip = errors.New("skip")

func (t *Tracker) worker(n int) {
	defer t.wg.Done()
	logger := t.logger.With("worker", n)
	for {
		select {
		case <-t.ctx.Done():
			return
		case id := <-t.queue:
			if !t.claim(id) {
				logger.Debug("request already being driven", "request_id", id)
				continue
			}
			if err := t.drive(t.ctx, id); err != nil && t.ctx.Err() == nil {
				logger.Error("request could not be driven", "request_id", id, "error", err)
			}
			t.release(id)
		}
	}
}

func (t *Tracker) enqueue(id string) {
	t.mu.Lock()
	ctx := t.ctx
	t.mu.Unlock()
	if ctx == nil {
		return
	}
	select {
	case t.queue <- id:
	case <-ctx.Done():
	}
}

// claim makes sure only one goroutine drives a request at a time.
func (t *Tracker) claim(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.active[id] {
		return false
	}
	t.active[id] = true
	return true
}

func (t *Tracker) release(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.active, id)
}

// drive runs attempts until the request is terminal, consumed or ctx ends.
func (t *Tracker) drive(ctx context.Context, id string) error {
	for {
		done, err := t.attempt(ctx, id)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		timer := time.NewTimer(t.cfg.RetryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// attempt runs one broadcast to the targets that have not yet succeeded and
// folds the result into the stored record. It reports whether the request no
// longer needs driving.
func (t *Tracker) attempt(ctx context.Context, id string) (bool, error) {
	logger := t.logger.With("request_id", id)

	rec, err := t.update(id, func(r *models.TrackedRequest) error {
		if r.State.Terminal() {
			return errSkip
		}
		r.AttemptCount++
		if r.ExceededAttempts(t.cfg.MaxAttempts) {
			r.State = models.StateFailed
			r.LastMessage = models.MessageTooManyAttempts
		}
		return nil
	})
	switch {
	case errors.Is(err, errSkip), errors.Is(err, ErrNotFound):
		return true, nil
	case err != nil:
		return false, err
	}
	if rec.State.Terminal() {
		logger.Warn("request failed", "message", rec.LastMessage, "attempts", rec.AttemptCount)
		t.changed(rec)
		return true, nil
	}
	t.changed(rec)

	pending := rec.PendingTargets()
	logger.Info("attempt starting", "attempt", rec.AttemptCount, "targets", len(pending))

	report, sendErr := t.cfg.Sender.Send(ctx, client.Request{
		RequestID:  id,
		SourcePath: rec.SourcePath,
		Targets:    pending,
	})
	if sendErr != nil && ctx.Err() != nil {
		return false, ctx.Err()
	}

	rec, err = t.update(id, func(r *models.TrackedRequest) error {
		if r.State.Terminal() {
			return errSkip
		}
		r.MergeRecords(report.Records)
		switch {
		case sendErr != nil:
			r.State = models.StateFailed
			r.LastMessage = sendErr.Error()
		case len(r.PendingTargets()) == 0:
			r.State = models.StateSucceeded
			r.LastMessage = fmt.Sprintf("delivered to %d targets", len(r.Targets))
		case permanent(report):
			r.State = models.StateFailed
			r.LastMessage = report.Summary()
		case r.AttemptCount >= t.cfg.MaxAttempts:
			r.State = models.StateFailed
			r.LastMessage = models.MessageTooManyAttempts
		default:
			r.LastMessage = report.Summary()
		}
		return nil
	})
	switch {
	case errors.Is(err, errSkip), errors.Is(err, ErrNotFound):
		return true, nil
	case err != nil:
		return false, err
	}

	t.changed(rec)
	logger.Info("attempt finished",
		"attempt", rec.AttemptCount,
		"state", string(rec.State),
		"message", rec.LastMessage)
	return rec.State.Terminal(), nil
}

// update applies fn to the stored record in one transaction and returns the
// record as written.
func (t *Tracker) update(id string, fn func(r *models.TrackedRequest) error) (*models.TrackedRequest, error) {
	var out *models.TrackedRequest
	err := t.store.Update(requestKey(id), func(current string) (string, bool, error) {
		r, err := decode(current)
		if err != nil {
			return "", false, err
		}
		if err := fn(r); err != nil {
			return "", false, err
		}
		r.UpdatedAt = time.Now().UTC()
		value, err := json.Marshal(r)
		if err != nil {
			return "", false, errors.Wrap(err, "encoding request")
		}
		out = r
		return string(value), false, nil
	})
	if err != nil {
		if errors.As(err, new(*tkv.ErrKeyNotFound)) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return out, nil
}

func permanent(report models.Report) bool {
	for _, rec := range report.Failures() {
		if !rec.Code.Retryable() {
			return true
		}
	}
	return false
}
