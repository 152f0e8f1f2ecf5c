// Package notify turns registry changes into events for the chat transport.
package notify

import (
	"time"

	"mirrorbot/internal/task"
)

type Kind string

const (
	KindSubmitted  Kind = "submitted"
	KindTransition Kind = "transition"
	KindProgress   Kind = "progress"
)

// Event is what a sink receives. ResultRef and ErrorDetail are only set once
// the task carries them.
type Event struct {
	TaskID          string      `json:"task_id"`
	RequesterRef    string      `json:"requester_ref"`
	Kind            Kind        `json:"kind"`
	Status          task.Status `json:"status"`
	Previous        task.Status `json:"previous,omitempty"`
	Name            string      `json:"name,omitempty"`
	BytesDone       int64       `json:"bytes_done"`
	BytesTotal      int64       `json:"bytes_total"`
	RateBytesPerSec int64       `json:"rate_bytes_per_sec"`
	ResultRef       string      `json:"result_ref,omitempty"`
	ErrorDetail     string      `json:"error_detail,omitempty"`
	At              time.Time   `json:"at"`
}

// FromChange converts a registry change. ok is false for changes that are not
// reported, such as engine handle updates.
func FromChange(c task.Change) (Event, bool) {
	var kind Kind
	switch c.Kind {
	case task.ChangeSubmitted:
		kind = KindSubmitted
	case task.ChangeTransition:
		kind = KindTransition
	case task.ChangeProgress:
		kind = KindProgress
	default:
		return Event{}, false
	}

	t := c.Task
	ev := Event{
		TaskID:          t.ID,
		RequesterRef:    t.RequesterRef,
		Kind:            kind,
		Status:          t.Status,
		Name:            t.Name,
		BytesDone:       t.BytesDone,
		BytesTotal:      t.BytesTotal,
		RateBytesPerSec: t.RateBytesPerSec,
		ResultRef:       t.ResultRef,
		ErrorDetail:     t.ErrorDetail,
		At:              t.UpdatedAt,
	}
	if kind == KindTransition {
		ev.Previous = c.Previous
	}
	return ev, true
}
