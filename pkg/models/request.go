package models

import (
	"fmt"
	"time"
)

// Target is a flat (host, port, path) tuple as supplied by a submitter. The
// origin groups targets by endpoint to build the descriptor tree.
type Target struct {
	ID     string `json:"id,omitempty"`
	Host   string `json:"host"`
	Port   int    `json:"port"`
	Path   string `json:"path"`
	Rename bool   `json:"rename"`
}

func (t Target) Endpoint() string {
	return Endpoint(t.Host, t.Port)
}

func (t Target) String() string {
	return fmt.Sprintf("%s:%s", t.Endpoint(), t.Path)
}

type RequestState string

const (
	StatePending   RequestState = "PENDING"
	StateSucceeded RequestState = "SUCCEEDED"
	StateFailed    RequestState = "FAILED"
)

func (s RequestState) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// TrackedRequest is the durable record of a submitted broadcast. It lives
// until a caller consumes its terminal state.
type TrackedRequest struct {
	RequestID    string             `json:"request_id"`
	SourcePath   string             `json:"source_path"`
	Targets      []Target           `json:"targets"`
	State        RequestState       `json:"state"`
	AttemptCount int                `json:"attempt_count"`
	LastMessage  string             `json:"last_message,omitempty"`
	Records      []CompletionRecord `json:"records,omitempty"`
	SubmittedAt  time.Time          `json:"submitted_at"`
	UpdatedAt    time.Time          `json:"updated_at"`
}

// PendingTargets returns the targets that do not yet have a successful record.
func (r *TrackedRequest) PendingTargets() []Target {
	done := make(map[string]bool, len(r.Records))
	for _, rec := range r.Records {
		if rec.OK() {
			done[rec.ID] = true
		}
	}
	var pending []Target
	for _, t := range r.Targets {
		if !done[t.ID] {
			pending = append(pending, t)
		}
	}
	return pending
}

// MergeRecords replaces records with matching ids and appends new ones.
func (r *TrackedRequest) MergeRecords(records []CompletionRecord) {
	index := make(map[string]int, len(r.Records))
	for i, rec := range r.Records {
		index[rec.ID] = i
	}
	for _, rec := range records {
		if i, ok := index[rec.ID]; ok {
			r.Records[i] = rec
			continue
		}
		index[rec.ID] = len(r.Records)
		r.Records = append(r.Records, rec)
	}
}

// AssignIDs gives every target without an id a stable one derived from the
// request id and its position, so records can be matched across attempts.
func AssignIDs(requestID string, targets []Target) []Target {
	out := make([]Target, len(targets))
	for i, t := range targets {
		if t.ID == "" {
			t.ID = fmt.Sprintf("%s/%d", requestID, i)
		}
		out[i] = t
	}
	return out
}

// CheckTargetIDs fails when two targets share an id. Records are matched by
// id, so a shared id would let one delivery stand for two targets.
func CheckTargetIDs(targets []Target) error {
	seen := make(map[string]int, len(targets))
	for i, t := range targets {
		if j, ok := seen[t.ID]; ok {
			return fmt.Errorf("targets %d and %d share id %q", j, i, t.ID)
		}
		seen[t.ID] = i
	}
	return nil
}

// MessageTooManyAttempts is the terminal message of a request whose attempt
// count ran past the limit.
const MessageTooManyAttempts = "too many attempts"

// RequestOutcome is what a waiter receives once a request is terminal.
type RequestOutcome struct {
	RequestID    string             `json:"request_id"`
	Success      bool               `json:"success"`
	Message      string             `json:"message"`
	State        RequestState       `json:"state"`
	AttemptCount int                `json:"attempt_count"`
	Records      []CompletionRecord `json:"records,omitempty"`
}

func (r *TrackedRequest) Outcome() RequestOutcome {
	return RequestOutcome{
		RequestID:    r.RequestID,
		Success:      r.State == StateSucceeded,
		Message:      r.LastMessage,
		State:        r.State,
		AttemptCount: r.AttemptCount,
		Records:      r.Records,
	}
}

// ExceededAttempts reports whether the request has used more attempts than
// limit allows. A limit of zero or less never trips.
func (r *TrackedRequest) ExceededAttempts(limit int) bool {
	return limit > 0 && r.AttemptCount > limit
}
