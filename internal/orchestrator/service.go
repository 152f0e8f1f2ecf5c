// Package orchestrator is the submission surface of the bot. It owns task
// intake, cancellation, eviction and the startup restore, and leaves the
// per-phase work to the scheduler, the monitor and the upload pipeline.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"mirrorbot/internal/cache"
	"mirrorbot/internal/config"
	"mirrorbot/internal/logger"
	"mirrorbot/internal/task"
)

var ErrNotOwner = errors.New("orchestrator: task belongs to another requester")

// cancelRounds bounds how often Cancel re-reads a task whose status moved
// while it was being cancelled.
const cancelRounds = 5

type Engine interface {
	Cancel(ctx context.Context, handle string) error
	MarkOrphan(handle string)
}

type Uploads interface {
	StartUpload(ctx context.Context, id string, files []string) error
	ResumeUpload(ctx context.Context, id string, files []string) error
	Abort(ctx context.Context, id string) error
}

type Scheduler interface {
	Enqueue(id string)
	OnCapacityFreed()
}

// Store is where tasks of a previous run are read back from.
type Store interface {
	List(ctx context.Context) ([]task.Task, error)
}

type Service struct {
	tasks         *task.Registry
	engine        Engine
	uploads       Uploads
	scheduler     Scheduler
	store         Store
	downloadDir   string
	cancelTimeout time.Duration
	retention     time.Duration
	sweepInterval time.Duration
	log           *logger.Logger
}

type Option func(*Service)

// WithStore enables Restore from a persisted task table.
func WithStore(s Store) Option {
	return func(svc *Service) { svc.store = s }
}

func New(tasks *task.Registry, engine Engine, uploads Uploads, scheduler Scheduler, cfg *config.Config, log *logger.Logger, opts ...Option) *Service {
	if log == nil {
		log = logger.NewNop()
	}
	s := &Service{
		tasks:         tasks,
		engine:        engine,
		uploads:       uploads,
		scheduler:     scheduler,
		downloadDir:   cfg.Engine.DownloadDir,
		cancelTimeout: cfg.Engine.CancelTimeout,
		retention:     cfg.Registry.Retention,
		sweepInterval: cfg.Registry.SweepInterval,
		log:           log.Named("orchestrator"),
	}
	if s.cancelTimeout <= 0 {
		s.cancelTimeout = 10 * time.Second
	}
	if s.sweepInterval <= 0 {
		s.sweepInterval = time.Minute
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Submit registers a new task and hands it to the scheduler.
func (s *Service) Submit(ctx context.Context, source, requesterRef, idempotencyKey string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	id, err := s.tasks.Submit(source, requesterRef, idempotencyKey)
	if err != nil {
		return "", err
	}
	s.log.Infow("task submitted", "task", id, "requester", requesterRef)
	s.scheduler.Enqueue(id)
	return id, nil
}

func (s *Service) Status(id string) (task.Task, error) {
	return s.tasks.Get(id)
}

func (s *Service) List(filter task.Filter) []task.Task {
	return s.tasks.List(filter)
}

// Cancel stops the task in whatever phase it is in and marks it cancelled.
// An empty requesterRef skips the ownership check. Cancelling a task that is
// already cancelled succeeds; any other terminal task yields ErrConflict.
func (s *Service) Cancel(ctx context.Context, id, requesterRef string) (task.Task, error) {
	var lastErr error
	for range cancelRounds {
		t, err := s.tasks.Get(id)
		if err != nil {
			return task.Task{}, err
		}
		if requesterRef != "" && t.RequesterRef != requesterRef {
			return task.Task{}, fmt.Errorf("%w: %s", ErrNotOwner, id)
		}
		if t.Status == task.StatusCancelled {
			return t, nil
		}
		if t.Status.IsTerminal() {
			return t, fmt.Errorf("%w: task %s is already %s", task.ErrConflict, id, t.Status)
		}

		var done task.Task
		switch t.Status {
		case task.StatusQueued:
			done, err = s.tasks.Transition(id, task.StatusQueued, task.StatusCancelled, cancelledByRequester())
		case task.StatusDownloading:
			done, err = s.cancelDownload(ctx, t)
		case task.StatusDownloadComplete:
			// there is no direct edge, the task passes through uploading
			_, err = s.tasks.Transition(id, task.StatusDownloadComplete, task.StatusUploading, task.Fields{})
			if err == nil {
				done, err = s.cancelUpload(ctx, t)
			}
		case task.StatusUploading:
			done, err = s.cancelUpload(ctx, t)
		}
		if err == nil {
			s.log.Infow("task cancelled", "task", id, "from", t.Status)
			return done, nil
		}
		if !errors.Is(err, task.ErrConflict) {
			return task.Task{}, err
		}
		// the task moved on underneath us, look again
		lastErr = err
	}
	return task.Task{}, lastErr
}

func (s *Service) cancelDownload(ctx context.Context, t task.Task) (task.Task, error) {
	if t.EngineHandle != "" {
		cctx, cancel := context.WithTimeout(ctx, s.cancelTimeout)
		err := s.engine.Cancel(cctx, t.EngineHandle)
		cancel()
		if err != nil {
			s.log.Warnw("engine did not confirm cancel, leaving it to reconciliation",
				"task", t.ID, "handle", t.EngineHandle, "error", err)
			s.engine.MarkOrphan(t.EngineHandle)
		}
	}
	done, err := s.tasks.Transition(t.ID, task.StatusDownloading, task.StatusCancelled, cancelledByRequester())
	if err != nil {
		return task.Task{}, err
	}
	s.scheduler.OnCapacityFreed()
	return done, nil
}

func (s *Service) cancelUpload(ctx context.Context, t task.Task) (task.Task, error) {
	actx, cancel := context.WithTimeout(ctx, s.cancelTimeout)
	err := s.uploads.Abort(actx, t.ID)
	cancel()
	if err != nil {
		s.log.Warnw("upload did not acknowledge abort in time", "task", t.ID, "error", err)
	}
	return s.tasks.Transition(t.ID, task.StatusUploading, task.StatusCancelled, cancelledByRequester())
}

func cancelledByRequester() task.Fields {
	return task.Fields{ErrorDetail: task.String("cancelled by requester")}
}

// Evict drops a terminal task and its local download directory.
func (s *Service) Evict(id string) error {
	t, err := s.tasks.Get(id)
	if err != nil {
		return err
	}
	if !t.Status.IsTerminal() {
		return fmt.Errorf("%w: task %s is still %s", task.ErrConflict, id, t.Status)
	}
	if err := s.tasks.Evict(id); err != nil {
		return err
	}
	s.removeFiles(id)
	return nil
}

func (s *Service) removeFiles(id string) {
	if s.downloadDir == "" {
		return
	}
	if err := cache.RemoveTaskDir(s.downloadDir, id); err != nil {
		s.log.Warnw("failed to remove task directory", "task", id, "error", err)
	}
}

// Restore loads the tasks of a previous run and puts every unfinished one
// back to work: queued tasks are re-enqueued in submission order, downloading
// ones are picked up by the monitor, and the upload phase is resumed.
func (s *Service) Restore(ctx context.Context) (int, error) {
	if s.store == nil {
		return 0, nil
	}
	saved, err := s.store.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load tasks: %w", err)
	}
	sort.SliceStable(saved, func(i, j int) bool { return saved[i].CreatedAt.Before(saved[j].CreatedAt) })

	restored := 0
	for _, t := range saved {
		if err := s.tasks.Restore(t); err != nil {
			s.log.Warnw("skipping persisted task", "task", t.ID, "error", err)
			continue
		}
		restored++
		switch t.Status {
		case task.StatusQueued:
			s.scheduler.Enqueue(t.ID)
		case task.StatusDownloading:
			if t.EngineHandle == "" {
				// the previous run died before the engine took the download
				if _, err := s.tasks.Transition(t.ID, task.StatusDownloading, task.StatusDownloadFailed, task.Fields{
					ErrorDetail: task.String("interrupted before the download started"),
				}); err != nil {
					s.log.Warnw("failed to close interrupted task", "task", t.ID, "error", err)
				}
			}
		case task.StatusDownloadComplete:
			if err := s.uploads.StartUpload(ctx, t.ID, t.Files); err != nil {
				s.log.Warnw("failed to start upload of restored task", "task", t.ID, "error", err)
			}
		case task.StatusUploading:
			if err := s.uploads.ResumeUpload(ctx, t.ID, t.Files); err != nil {
				s.log.Warnw("failed to resume upload of restored task", "task", t.ID, "error", err)
			}
		}
	}
	if restored > 0 {
		s.log.Infow("restored tasks", "count", restored)
	}
	return restored, nil
}

// Sweep evicts terminal tasks past the retention window.
func (s *Service) Sweep() []string {
	if s.retention <= 0 {
		return nil
	}
	evicted := s.tasks.EvictExpired(s.retention)
	for _, id := range evicted {
		s.removeFiles(id)
	}
	if len(evicted) > 0 {
		s.log.Infow("evicted expired tasks", "count", len(evicted))
	}
	return evicted
}

// RunSweeper calls Sweep every sweep interval until ctx is done.
func (s *Service) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}
