package models

import "time"

/*
	Events streamed from a node's status server. Every change to a tracked
	request is published on the topic of its new state, so subscribers can
	filter terminal transitions without decoding the record.
*/

const (
	TopicRequestPending   = "request.pending"
	TopicRequestSucceeded = "request.succeeded"
	TopicRequestFailed    = "request.failed"
)

type EventPayload struct {
	Topic     string         `json:"topic"`
	Data      TrackedRequest `json:"data"`
	EmittedAt time.Time      `json:"emitted_at"`
}

func TopicFor(state RequestState) string {
	switch state {
	case StateSucceeded:
		return TopicRequestSucceeded
	case StateFailed:
		return TopicRequestFailed
	default:
		return TopicRequestPending
	}
}

func NewEventPayload(rec TrackedRequest) EventPayload {
	return EventPayload{
		Topic:     TopicFor(rec.State),
		Data:      rec,
		EmittedAt: time.Now().UTC(),
	}
}
