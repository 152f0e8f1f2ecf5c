package task

import (
	"slices"
	"time"
)

// Task is one mirror job. Values handed out by the Registry are snapshots;
// mutating them has no effect on the registry.
type Task struct {
	ID              string    `json:"id"`
	Source          string    `json:"source"`
	RequesterRef    string    `json:"requester_ref"`
	IdempotencyKey  string    `json:"idempotency_key,omitempty"`
	EngineHandle    string    `json:"engine_handle,omitempty"`
	Status          Status    `json:"status"`
	Name            string    `json:"name,omitempty"`
	Files           []string  `json:"files,omitempty"`
	BytesTotal      int64     `json:"bytes_total"`
	BytesDone       int64     `json:"bytes_done"`
	RateBytesPerSec int64     `json:"rate_bytes_per_sec"`
	RetryCount      int       `json:"retry_count"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
	ResultRef       string    `json:"result_ref,omitempty"`
	ErrorDetail     string    `json:"error_detail,omitempty"`
}

func (t Task) clone() Task {
	t.Files = slices.Clone(t.Files)
	return t
}

// Fields carries optional field changes applied together with a transition or
// an update. Nil pointers leave the field untouched.
type Fields struct {
	EngineHandle *string
	Name         *string
	Files        []string
	RetryCount   *int
	ResultRef    *string
	ErrorDetail  *string
	Progress     *Progress
}

// Progress is a progress snapshot for the current phase.
type Progress struct {
	BytesDone       int64
	BytesTotal      int64
	RateBytesPerSec int64
}

// Filter selects tasks in List. Zero values match everything.
type Filter struct {
	Statuses     []Status
	RequesterRef string
}

func (f Filter) match(t *Task) bool {
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, t.Status) {
		return false
	}
	if f.RequesterRef != "" && f.RequesterRef != t.RequesterRef {
		return false
	}
	return true
}

func String(s string) *string { return &s }

func Int(i int) *int { return &i }
