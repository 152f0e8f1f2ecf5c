// Package monitor polls the engine and the upload pipeline for every active
// task and feeds what it sees into the registry.
package monitor

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"time"

	"mirrorbot/internal/config"
	"mirrorbot/internal/downloader"
	"mirrorbot/internal/logger"
	"mirrorbot/internal/retry"
	"mirrorbot/internal/task"

	"golang.org/x/sync/semaphore"
)

const (
	queryTimeout = 30 * time.Second
	// reconcileEvery is the number of cycles between engine reconciliations.
	reconcileEvery = 30
)

type Engine interface {
	StartDownload(ctx context.Context, taskID, source string) (string, error)
	QueryStatus(ctx context.Context, handle string) (downloader.Snapshot, error)
	Cancel(ctx context.Context, handle string) error
	Reconcile(ctx context.Context, owned func(gid, dir string) bool) (int, error)
}

type Tasks interface {
	Transition(id string, expected, next task.Status, fields task.Fields) (task.Task, error)
	Update(id string, expected task.Status, fields task.Fields) (task.Task, error)
	UpdateProgress(id string, expected task.Status, p task.Progress) (task.Task, bool, error)
	List(filter task.Filter) []task.Task
}

type Uploads interface {
	StartUpload(ctx context.Context, id string, files []string) error
	Progress(id string) (task.Progress, bool)
}

// Capacity is told when a download slot frees up.
type Capacity interface {
	OnCapacityFreed()
}

type Monitor struct {
	tasks    Tasks
	engine   Engine
	uploads  Uploads
	capacity Capacity
	retry    *retry.Controller
	interval time.Duration
	fanout   int
	restarts int
	log      *logger.Logger
	onPoll   func(time.Duration)

	wake chan struct{}
	sem  *semaphore.Weighted
	wg   sync.WaitGroup

	mu          sync.Mutex
	inflight    map[string]struct{}
	reconciling bool
	cycles      int
}

type Option func(*Monitor)

// OnPoll registers a hook that receives the duration of every task visit.
func OnPoll(fn func(time.Duration)) Option {
	return func(m *Monitor) { m.onPoll = fn }
}

func New(tasks Tasks, engine Engine, uploads Uploads, capacity Capacity, ctrl *retry.Controller, cfg config.MonitorConfig, log *logger.Logger, opts ...Option) *Monitor {
	if log == nil {
		log = logger.NewNop()
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	fanout := cfg.Fanout
	if fanout < 1 {
		fanout = 1
	}
	m := &Monitor{
		tasks:    tasks,
		engine:   engine,
		uploads:  uploads,
		capacity: capacity,
		retry:    ctrl,
		interval: interval,
		fanout:   fanout,
		restarts: cfg.DownloadRestarts,
		log:      log.Named("monitor"),
		wake:     make(chan struct{}, 1),
		sem:      semaphore.NewWeighted(int64(fanout)),
		inflight: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Wake asks for a poll right away instead of at the next tick.
func (m *Monitor) Wake() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Run polls every interval and on every Wake until ctx is done. A cycle
// never waits for the visits of the previous one.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-m.wake:
		}
		m.Poll(ctx)
	}
}

// Poll starts a visit for every downloading and uploading task that has
// none in flight and returns without waiting for them. At most fanout
// visits talk to the engine at once; a task stuck in a slow query keeps
// only its own slot.
func (m *Monitor) Poll(ctx context.Context) {
	active := m.tasks.List(task.Filter{Statuses: []task.Status{task.StatusDownloading, task.StatusUploading}})
	for _, t := range active {
		if !m.claim(t.ID) {
			continue
		}
		m.wg.Add(1)
		go m.visit(ctx, t)
	}

	m.mu.Lock()
	m.cycles++
	due := m.cycles%reconcileEvery == 0 && !m.reconciling
	if due {
		m.reconciling = true
	}
	m.mu.Unlock()
	if due {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			defer func() {
				m.mu.Lock()
				m.reconciling = false
				m.mu.Unlock()
			}()
			m.Reconcile(ctx)
		}()
	}
}

// Wait blocks until every visit started so far has returned.
func (m *Monitor) Wait() {
	m.wg.Wait()
}

func (m *Monitor) claim(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, busy := m.inflight[id]; busy {
		return false
	}
	m.inflight[id] = struct{}{}
	return true
}

func (m *Monitor) release(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.inflight, id)
}

func (m *Monitor) visit(ctx context.Context, t task.Task) {
	defer m.wg.Done()
	defer m.release(t.ID)
	if err := m.sem.Acquire(ctx, 1); err != nil {
		return
	}
	defer m.sem.Release(1)
	defer func() {
		if r := recover(); r != nil {
			m.log.Errorw("poll panicked", "task", t.ID, "panic", r)
		}
	}()

	start := time.Now()
	switch t.Status {
	case task.StatusDownloading:
		m.visitDownload(ctx, t)
	case task.StatusUploading:
		m.visitUpload(t)
	}
	if m.onPoll != nil {
		m.onPoll(time.Since(start))
	}
}

// Reconcile removes engine downloads no task owns any more.
func (m *Monitor) Reconcile(ctx context.Context) {
	live := m.tasks.List(task.Filter{Statuses: []task.Status{task.StatusQueued, task.StatusDownloading}})
	ids := make(map[string]bool, len(live))
	gids := make(map[string]bool)
	for _, t := range live {
		ids[t.ID] = true
		for _, gid := range downloader.SplitHandle(t.EngineHandle) {
			gids[gid] = true
		}
	}
	owned := func(gid, dir string) bool {
		return gids[gid] || ids[filepath.Base(dir)]
	}

	rctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	n, err := m.engine.Reconcile(rctx, owned)
	if err != nil {
		m.log.Debugw("reconcile failed", "error", err)
		return
	}
	if n > 0 {
		m.log.Infow("reconciled engine", "removed", n)
	}
}

func (m *Monitor) query(ctx context.Context, handle string) (downloader.Snapshot, error) {
	snap, _, err := retry.Call(ctx, m.retry, func(ctx context.Context) (downloader.Snapshot, error) {
		qctx, cancel := context.WithTimeout(ctx, queryTimeout)
		defer cancel()
		return m.engine.QueryStatus(qctx, handle)
	}, downloader.IsTransient)
	return snap, err
}

func (m *Monitor) visitDownload(ctx context.Context, t task.Task) {
	if t.EngineHandle == "" {
		// start failure in progress, the scheduler finishes it
		return
	}

	snap, err := m.query(ctx, t.EngineHandle)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		if downloader.IsTransient(err) {
			m.log.Warnw("engine unreachable, will try again next cycle", "task", t.ID, "error", err)
			return
		}
		m.failDownload(t, err.Error(), t.RetryCount)
		return
	}

	fields := task.Fields{}
	changed := false
	if snap.Handle != "" && snap.Handle != t.EngineHandle {
		fields.EngineHandle = task.String(snap.Handle)
		changed = true
	}
	if snap.Name != "" && snap.Name != t.Name {
		fields.Name = task.String(snap.Name)
		changed = true
	}
	if changed {
		updated, err := m.tasks.Update(t.ID, task.StatusDownloading, fields)
		if err != nil {
			m.logConflict(t.ID, err)
			return
		}
		t = updated
	}

	switch snap.State {
	case task.StatusDownloading:
		m.progress(t.ID, task.StatusDownloading, snap)

	case task.StatusDownloadComplete:
		snap.BytesDone = max(snap.BytesDone, snap.BytesTotal)
		m.progress(t.ID, task.StatusDownloading, snap)
		done, err := m.tasks.Transition(t.ID, task.StatusDownloading, task.StatusDownloadComplete, task.Fields{Files: snap.Files})
		if err != nil {
			m.logConflict(t.ID, err)
			return
		}
		m.capacity.OnCapacityFreed()
		m.log.Infow("download complete", "task", t.ID, "files", len(done.Files))
		if err := m.uploads.StartUpload(ctx, t.ID, done.Files); err != nil {
			m.logConflict(t.ID, err)
		}

	case task.StatusDownloadFailed:
		if snap.Transient() && t.RetryCount < m.restarts {
			m.restart(ctx, t, snap)
			return
		}
		m.failDownload(t, snap.ErrorDetail, t.RetryCount)

	case task.StatusCancelled:
		if _, err := m.tasks.Transition(t.ID, task.StatusDownloading, task.StatusCancelled, task.Fields{
			ErrorDetail: task.String("download removed from the engine"),
		}); err != nil {
			m.logConflict(t.ID, err)
			return
		}
		m.capacity.OnCapacityFreed()
	}
}

// restart replaces a download that failed for a transient reason.
func (m *Monitor) restart(ctx context.Context, t task.Task, snap downloader.Snapshot) {
	m.log.Infow("restarting download", "task", t.ID, "code", snap.ErrorCode, "restart", t.RetryCount+1)

	cctx, cancel := context.WithTimeout(ctx, queryTimeout)
	if err := m.engine.Cancel(cctx, t.EngineHandle); err != nil {
		m.log.Debugw("could not remove failed download", "task", t.ID, "error", err)
	}
	cancel()

	handle, _, err := retry.Call(ctx, m.retry, func(ctx context.Context) (string, error) {
		sctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
		defer cancel()
		return m.engine.StartDownload(sctx, t.ID, t.Source)
	}, downloader.IsTransient)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		m.failDownload(t, snap.ErrorDetail+"; restart failed: "+err.Error(), t.RetryCount+1)
		return
	}

	if _, err := m.tasks.Update(t.ID, task.StatusDownloading, task.Fields{
		EngineHandle: task.String(handle),
		RetryCount:   task.Int(t.RetryCount + 1),
	}); err != nil {
		// cancelled meanwhile, drop the new download too
		m.logConflict(t.ID, err)
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), queryTimeout)
		defer cancel()
		_ = m.engine.Cancel(cctx, handle)
	}
}

func (m *Monitor) failDownload(t task.Task, detail string, retries int) {
	if detail == "" {
		detail = "download failed"
	}
	if _, err := m.tasks.Transition(t.ID, task.StatusDownloading, task.StatusDownloadFailed, task.Fields{
		ErrorDetail: task.String(detail),
		RetryCount:  task.Int(retries),
	}); err != nil {
		m.logConflict(t.ID, err)
		return
	}
	m.log.Warnw("download failed", "task", t.ID, "error", detail)
	m.capacity.OnCapacityFreed()
}

func (m *Monitor) visitUpload(t task.Task) {
	p, ok := m.uploads.Progress(t.ID)
	if !ok {
		return
	}
	if _, _, err := m.tasks.UpdateProgress(t.ID, task.StatusUploading, p); err != nil {
		m.logConflict(t.ID, err)
	}
}

func (m *Monitor) progress(id string, status task.Status, snap downloader.Snapshot) {
	_, _, err := m.tasks.UpdateProgress(id, status, task.Progress{
		BytesDone:       snap.BytesDone,
		BytesTotal:      snap.BytesTotal,
		RateBytesPerSec: snap.RateBytesPerSec,
	})
	if err != nil {
		m.logConflict(id, err)
	}
}

// logConflict logs registry errors. A conflict means someone else moved the
// task on, which is expected around cancellation.
func (m *Monitor) logConflict(id string, err error) {
	if errors.Is(err, task.ErrConflict) || errors.Is(err, task.ErrNotFound) {
		m.log.Debugw("task changed underneath the monitor", "task", id, "error", err)
		return
	}
	m.log.Errorw("registry rejected update", "task", id, "error", err)
}
