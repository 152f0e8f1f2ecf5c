package task

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"mirrorbot/internal/logger"
)

// Store persists task records. The registry writes through to it after every
// mutation while holding the task's lock, so writes for one key are ordered.
type Store interface {
	Put(ctx context.Context, t Task) error
	Get(ctx context.Context, id string) (Task, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]Task, error)
}

type ChangeKind int

const (
	ChangeSubmitted ChangeKind = iota
	ChangeTransition
	ChangeProgress
	ChangeUpdate
)

// Change describes one registry mutation handed to observers.
type Change struct {
	Kind ChangeKind
	Task Task
	// Previous is the status before the mutation.
	Previous Status
}

// Observer is invoked synchronously, under the task's lock, for every
// submission, transition and progress change. It must not block and must not
// call back into the registry for the same task.
type Observer func(Change)

type entry struct {
	mu      sync.Mutex
	task    Task
	seq     uint64
	evicted bool
}

// Registry is the authoritative table of tasks.
type Registry struct {
	mu        sync.RWMutex
	tasks     map[string]*entry
	idemKeys  map[string]string
	seq       uint64
	store     Store
	observers []Observer
	now       func() time.Time
	newID     func() string
	log       *logger.Logger
}

type Option func(*Registry)

func WithStore(s Store) Option {
	return func(r *Registry) { r.store = s }
}

func WithObserver(o Observer) Option {
	return func(r *Registry) { r.observers = append(r.observers, o) }
}

func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

func WithLogger(l *logger.Logger) Option {
	return func(r *Registry) { r.log = l }
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		tasks:    make(map[string]*entry),
		idemKeys: make(map[string]string),
		now:      time.Now,
		newID:    func() string { return uuid.New().String() },
		log:      logger.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Submit creates a queued task and returns its id. A non-empty idempotencyKey
// that was already used yields ErrDuplicateRequest.
func (r *Registry) Submit(source, requesterRef, idempotencyKey string) (string, error) {
	if source == "" {
		return "", ErrEmptySource
	}

	now := r.now()
	r.mu.Lock()
	if idempotencyKey != "" {
		if id, ok := r.idemKeys[idempotencyKey]; ok {
			r.mu.Unlock()
			return "", fmt.Errorf("%w: key %q already used by task %s", ErrDuplicateRequest, idempotencyKey, id)
		}
	}
	id := r.newID()
	for _, exists := r.tasks[id]; exists; _, exists = r.tasks[id] {
		id = r.newID()
	}
	r.seq++
	e := &entry{
		seq: r.seq,
		task: Task{
			ID:             id,
			Source:         source,
			RequesterRef:   requesterRef,
			IdempotencyKey: idempotencyKey,
			Status:         StatusQueued,
			CreatedAt:      now,
			UpdatedAt:      now,
		},
	}
	// Lock the entry before publishing it so observers see the submission
	// before any transition on it.
	e.mu.Lock()
	r.tasks[id] = e
	if idempotencyKey != "" {
		r.idemKeys[idempotencyKey] = id
	}
	r.mu.Unlock()

	r.commit(e, StatusQueued, ChangeSubmitted)
	e.mu.Unlock()
	return id, nil
}

// Restore inserts a previously persisted task as-is. Used at startup.
func (r *Registry) Restore(t Task) error {
	if !t.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, t.Status)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tasks[t.ID]; exists {
		return fmt.Errorf("%w: task %s already registered", ErrDuplicateRequest, t.ID)
	}
	r.seq++
	r.tasks[t.ID] = &entry{task: t.clone(), seq: r.seq}
	if t.IdempotencyKey != "" {
		r.idemKeys[t.IdempotencyKey] = t.ID
	}
	return nil
}

func (r *Registry) Get(id string) (Task, error) {
	e, err := r.lookup(id)
	if err != nil {
		return Task{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.evicted {
		return Task{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e.task.clone(), nil
}

// Transition moves the task from expected to next, applying fields atomically.
// ErrConflict means the task is no longer in expected; ErrInvalidTransition
// means expected -> next is not an edge of the state machine.
func (r *Registry) Transition(id string, expected, next Status, fields Fields) (Task, error) {
	if !CanTransition(expected, next) {
		return Task{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, expected, next)
	}
	e, err := r.lock(id, expected)
	if err != nil {
		return Task{}, err
	}
	defer e.mu.Unlock()

	e.task.Status = next
	// retries are counted per phase
	e.task.RetryCount = 0
	e.task.RateBytesPerSec = 0
	if next == StatusUploading {
		e.task.BytesDone, e.task.BytesTotal = 0, 0
	}
	applyFields(&e.task, fields)
	r.commit(e, expected, ChangeTransition)
	return e.task.clone(), nil
}

// Update changes non-status fields of a non-terminal task in status expected.
func (r *Registry) Update(id string, expected Status, fields Fields) (Task, error) {
	if expected.IsTerminal() {
		return Task{}, fmt.Errorf("%w: %s task is immutable", ErrInvalidTransition, expected)
	}
	e, err := r.lock(id, expected)
	if err != nil {
		return Task{}, err
	}
	defer e.mu.Unlock()

	applyFields(&e.task, fields)
	r.commit(e, expected, ChangeUpdate)
	return e.task.clone(), nil
}

// UpdateProgress records a progress snapshot for a task in an active phase.
// BytesDone never decreases within a phase and never exceeds BytesTotal once
// the total is known. changed is false when nothing differed, in which case
// observers are not called.
func (r *Registry) UpdateProgress(id string, expected Status, p Progress) (t Task, changed bool, err error) {
	if !expected.IsActive() {
		return Task{}, false, fmt.Errorf("%w: progress for %s task", ErrInvalidTransition, expected)
	}
	e, err := r.lock(id, expected)
	if err != nil {
		return Task{}, false, err
	}
	defer e.mu.Unlock()

	before := e.task
	applyProgress(&e.task, p)
	if before.BytesDone == e.task.BytesDone && before.BytesTotal == e.task.BytesTotal &&
		before.RateBytesPerSec == e.task.RateBytesPerSec {
		return e.task.clone(), false, nil
	}
	r.commit(e, expected, ChangeProgress)
	return e.task.clone(), true, nil
}

func (r *Registry) List(filter Filter) []Task {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.tasks))
	for _, e := range r.tasks {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })

	out := make([]Task, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if !e.evicted && filter.match(&e.task) {
			out = append(out, e.task.clone())
		}
		e.mu.Unlock()
	}
	return out
}

// Evict removes a task from the registry and the store.
func (r *Registry) Evict(id string) error {
	r.mu.Lock()
	e, ok := r.tasks[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(r.tasks, id)
	r.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	e.evicted = true
	// idempotency keys stay reserved so a replayed request cannot resubmit
	if r.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.store.Delete(ctx, id); err != nil {
			r.log.Warnw("failed to delete task from store", "task", id, "error", err)
		}
	}
	return nil
}

// EvictExpired evicts terminal tasks whose last update is older than retention
// and returns their ids.
func (r *Registry) EvictExpired(retention time.Duration) []string {
	cutoff := r.now().Add(-retention)
	var expired []string
	for _, t := range r.List(Filter{}) {
		if t.Status.IsTerminal() && !t.UpdatedAt.After(cutoff) {
			expired = append(expired, t.ID)
		}
	}
	evicted := expired[:0]
	for _, id := range expired {
		if err := r.Evict(id); err == nil {
			evicted = append(evicted, id)
		}
	}
	return evicted
}

func (r *Registry) lookup(id string) (*entry, error) {
	r.mu.RLock()
	e, ok := r.tasks[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e, nil
}

// lock returns the entry locked when its status equals expected.
func (r *Registry) lock(id string, expected Status) (*entry, error) {
	e, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	if e.evicted {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if e.task.Status != expected {
		cur := e.task.Status
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: task %s is %s, expected %s", ErrConflict, id, cur, expected)
	}
	return e, nil
}

// commit stamps, persists and publishes the entry. Caller holds e.mu.
func (r *Registry) commit(e *entry, prev Status, kind ChangeKind) {
	if kind != ChangeSubmitted {
		e.task.UpdatedAt = r.now()
	}
	if r.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := r.store.Put(ctx, e.task); err != nil {
			r.log.Warnw("failed to persist task", "task", e.task.ID, "status", e.task.Status, "error", err)
		}
		cancel()
	}
	if len(r.observers) == 0 {
		return
	}
	c := Change{Kind: kind, Task: e.task.clone(), Previous: prev}
	for _, o := range r.observers {
		o(c)
	}
}

func applyFields(t *Task, f Fields) {
	if f.EngineHandle != nil {
		t.EngineHandle = *f.EngineHandle
	}
	if f.Name != nil {
		t.Name = *f.Name
	}
	if f.Files != nil {
		t.Files = slices.Clone(f.Files)
	}
	if f.RetryCount != nil {
		t.RetryCount = *f.RetryCount
	}
	if f.ResultRef != nil {
		t.ResultRef = *f.ResultRef
	}
	if f.ErrorDetail != nil {
		t.ErrorDetail = *f.ErrorDetail
	}
	if f.Progress != nil {
		applyProgress(t, *f.Progress)
	}
}

func applyProgress(t *Task, p Progress) {
	done := max(t.BytesDone, p.BytesDone)
	total := t.BytesTotal
	if p.BytesTotal > 0 {
		total = p.BytesTotal
	}
	// a total that shrinks below what was already reported is raised so that
	// done stays monotone and within total
	if total > 0 && done > total {
		total = done
	}
	t.BytesDone = done
	t.BytesTotal = total
	t.RateBytesPerSec = max(p.RateBytesPerSec, 0)
}
