// Package scheduler admits queued tasks to the download engine in submission
// order while keeping at most MaxDownloads downloads active.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"mirrorbot/internal/config"
	"mirrorbot/internal/downloader"
	"mirrorbot/internal/logger"
	"mirrorbot/internal/retry"
	"mirrorbot/internal/task"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v3/disk"
)

// startTimeout bounds one start attempt, playlist resolution included.
const startTimeout = 2 * time.Minute

type Engine interface {
	StartDownload(ctx context.Context, taskID, source string) (string, error)
	Cancel(ctx context.Context, handle string) error
}

type Tasks interface {
	Get(id string) (task.Task, error)
	Transition(id string, expected, next task.Status, fields task.Fields) (task.Task, error)
	List(filter task.Filter) []task.Task
}

// FreeSpace reports the free bytes of the filesystem holding path.
type FreeSpace func(ctx context.Context, path string) (uint64, error)

func diskFree(ctx context.Context, path string) (uint64, error) {
	usage, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return 0, err
	}
	return usage.Free, nil
}

type Scheduler struct {
	tasks        Tasks
	engine       Engine
	retry        *retry.Controller
	maxDownloads int
	minFree      uint64
	downloadDir  string
	freeSpace    FreeSpace
	log          *logger.Logger

	mu       sync.Mutex
	queue    []string
	starting int
	base     context.Context
	wg       sync.WaitGroup
}

type Option func(*Scheduler)

func WithFreeSpace(fn FreeSpace) Option {
	return func(s *Scheduler) { s.freeSpace = fn }
}

// WithRetryOptions passes options to the start retry controller.
func WithRetryOptions(opts ...retry.Option) Option {
	return func(s *Scheduler) { s.retry = retry.New(s.retry.Policy(), opts...) }
}

func New(tasks Tasks, engine Engine, cfg config.SchedulerConfig, downloadDir string, log *logger.Logger, opts ...Option) *Scheduler {
	if log == nil {
		log = logger.NewNop()
	}
	maxDownloads := cfg.MaxDownloads
	if maxDownloads < 1 {
		maxDownloads = 1
	}
	s := &Scheduler{
		tasks:  tasks,
		engine: engine,
		// start failures are retried back to back
		retry:        retry.New(config.RetryPolicy{MaxAttempts: cfg.StartAttempts}),
		maxDownloads: maxDownloads,
		minFree:      cfg.MinFreeBytes,
		downloadDir:  downloadDir,
		freeSpace:    diskFree,
		log:          log.Named("scheduler"),
		base:         context.Background(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Enqueue appends a queued task and admits it if capacity allows.
func (s *Scheduler) Enqueue(id string) {
	s.mu.Lock()
	s.queue = append(s.queue, id)
	s.mu.Unlock()
	s.admit()
}

// OnCapacityFreed is called when a download left the downloading phase.
func (s *Scheduler) OnCapacityFreed() {
	s.admit()
}

// Queued returns the ids waiting for admission, in order.
func (s *Scheduler) Queued() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.queue...)
}

// SetContext sets the context starts are launched with. Run sets it too;
// calling it earlier covers tasks enqueued before Run, such as restored ones.
func (s *Scheduler) SetContext(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.base = ctx
}

// Run re-checks admission every interval, which matters while the disk guard
// holds tasks back, until ctx is done. Starts launched afterwards use ctx.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration) {
	s.SetContext(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	s.admit()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.admit()
		}
	}
}

// Wait blocks until in-flight starts have finished.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) admit() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.base.Err() != nil {
		return
	}
	active := len(s.tasks.List(task.Filter{Statuses: []task.Status{task.StatusDownloading}}))
	for len(s.queue) > 0 && active+s.starting < s.maxDownloads {
		id := s.queue[0]
		t, err := s.tasks.Get(id)
		if err != nil || t.Status != task.StatusQueued {
			// cancelled or evicted while waiting
			s.queue = s.queue[1:]
			continue
		}
		if !s.enoughSpace() {
			return
		}
		s.queue = s.queue[1:]
		s.starting++
		s.wg.Add(1)
		go s.start(s.base, t)
	}
}

func (s *Scheduler) enoughSpace() bool {
	if s.minFree == 0 {
		return true
	}
	ctx, cancel := context.WithTimeout(s.base, 5*time.Second)
	defer cancel()
	free, err := s.freeSpace(ctx, s.downloadDir)
	if err != nil {
		s.log.Warnw("could not read free disk space", "dir", s.downloadDir, "error", err)
		return true
	}
	if free < s.minFree {
		s.log.Warnw("holding admissions, disk almost full",
			"free", humanize.IBytes(free), "required", humanize.IBytes(s.minFree))
		return false
	}
	return true
}

func (s *Scheduler) start(ctx context.Context, t task.Task) {
	defer s.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			s.log.Errorw("start panicked", "task", t.ID, "panic", r)
		}
		s.mu.Lock()
		s.starting--
		s.mu.Unlock()
		s.admit()
	}()

	handle, out, err := retry.Call(ctx, s.retry, func(ctx context.Context) (string, error) {
		cctx, cancel := context.WithTimeout(ctx, startTimeout)
		defer cancel()
		return s.engine.StartDownload(cctx, t.ID, t.Source)
	}, downloader.IsTransient)
	if err != nil {
		if ctx.Err() != nil {
			// shutting down, the task stays queued for the next run
			return
		}
		s.fail(t.ID, out.Attempts, err)
		return
	}

	_, err = s.tasks.Transition(t.ID, task.StatusQueued, task.StatusDownloading, task.Fields{EngineHandle: task.String(handle)})
	if err != nil {
		// cancelled while we were starting, take the download back
		s.log.Infow("task left the queue during start, removing download", "task", t.ID, "error", err)
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if err := s.engine.Cancel(cctx, handle); err != nil {
			s.log.Warnw("failed to remove download", "task", t.ID, "handle", handle, "error", err)
		}
		return
	}
	s.log.Infow("task admitted", "task", t.ID, "handle", handle, "attempts", out.Attempts)
}

// fail records a start that never succeeded. download_failed is only reachable
// from downloading, so the task passes through it.
func (s *Scheduler) fail(id string, attempts int, cause error) {
	detail := cause.Error()
	var fe *retry.FatalError
	if !errors.As(cause, &fe) {
		detail = fmt.Sprintf("failed after %d attempt(s): %v", attempts, cause)
	}
	if _, err := s.tasks.Transition(id, task.StatusQueued, task.StatusDownloading, task.Fields{}); err != nil {
		s.log.Infow("task left the queue before failing", "task", id, "error", err)
		return
	}
	if _, err := s.tasks.Transition(id, task.StatusDownloading, task.StatusDownloadFailed, task.Fields{
		ErrorDetail: task.String(detail),
		RetryCount:  task.Int(max(attempts-1, 0)),
	}); err != nil {
		s.log.Warnw("could not mark start failure", "task", id, "error", err)
		return
	}
	s.log.Warnw("could not start download", "task", id, "attempts", attempts, "error", cause)
}
