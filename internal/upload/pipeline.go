package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"mirrorbot/internal/config"
	"mirrorbot/internal/logger"
	"mirrorbot/internal/retry"
	"mirrorbot/internal/task"

	"golang.org/x/sync/semaphore"
)

// callTimeout bounds a single storage call.
const callTimeout = 2 * time.Minute

// Tasks is the part of the registry the pipeline writes to.
type Tasks interface {
	Get(id string) (task.Task, error)
	Transition(id string, expected, next task.Status, fields task.Fields) (task.Task, error)
	Update(id string, expected task.Status, fields task.Fields) (task.Task, error)
}

type job struct {
	cancel  context.CancelFunc
	done    chan struct{}
	started time.Time

	sent  atomic.Int64 // bytes acknowledged during this run
	base  atomic.Int64 // bytes already stored before this run
	total atomic.Int64
}

// Pipeline uploads finished downloads, at most MaxUploads at a time.
type Pipeline struct {
	storage   Storage
	tasks     Tasks
	retry     *retry.Controller
	sem       *semaphore.Weighted
	chunkSize int64
	log       *logger.Logger

	onUploaded func(n int64)

	mu   sync.Mutex
	jobs map[string]*job
	wg   sync.WaitGroup
}

type Option func(*Pipeline)

// OnUploaded registers a hook called with every acknowledged chunk size.
func OnUploaded(fn func(n int64)) Option {
	return func(p *Pipeline) { p.onUploaded = fn }
}

func NewPipeline(storage Storage, tasks Tasks, ctrl *retry.Controller, cfg config.UploadConfig, log *logger.Logger, opts ...Option) *Pipeline {
	if log == nil {
		log = logger.NewNop()
	}
	maxUploads := cfg.MaxUploads
	if maxUploads < 1 {
		maxUploads = 1
	}
	chunk := cfg.ChunkSize
	if chunk <= 0 {
		chunk = 8 << 20
	}
	p := &Pipeline{
		storage:   storage,
		tasks:     tasks,
		retry:     ctrl,
		sem:       semaphore.NewWeighted(int64(maxUploads)),
		chunkSize: chunk,
		log:       log.Named("upload"),
		jobs:      make(map[string]*job),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// StartUpload moves the task to uploading and uploads files in the
// background. ctx bounds the upload itself; Abort cancels it early.
func (p *Pipeline) StartUpload(ctx context.Context, id string, files []string) error {
	if _, err := p.tasks.Transition(id, task.StatusDownloadComplete, task.StatusUploading, task.Fields{}); err != nil {
		return err
	}
	p.spawn(ctx, id, files)
	return nil
}

// ResumeUpload restarts the upload of a task that is already uploading, e.g.
// after a process restart. Parts the backend acknowledged are not sent again.
func (p *Pipeline) ResumeUpload(ctx context.Context, id string, files []string) error {
	t, err := p.tasks.Get(id)
	if err != nil {
		return err
	}
	if t.Status != task.StatusUploading {
		return fmt.Errorf("%w: %s is %s", task.ErrConflict, id, t.Status)
	}
	p.spawn(ctx, id, files)
	return nil
}

func (p *Pipeline) spawn(ctx context.Context, id string, files []string) {
	jobCtx, cancel := context.WithCancel(ctx)
	j := &job{cancel: cancel, done: make(chan struct{}), started: time.Now()}

	p.mu.Lock()
	if old, ok := p.jobs[id]; ok {
		old.cancel()
	}
	p.jobs[id] = j
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer close(j.done)
		defer cancel()
		defer func() {
			p.mu.Lock()
			if p.jobs[id] == j {
				delete(p.jobs, id)
			}
			p.mu.Unlock()
		}()
		defer func() {
			if r := recover(); r != nil {
				p.log.Errorw("upload panicked", "task", id, "panic", r)
				p.fail(id, fmt.Sprintf("upload panicked: %v", r))
			}
		}()
		p.run(jobCtx, id, files, j)
	}()
}

func (p *Pipeline) run(ctx context.Context, id string, files []string, j *job) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return
	}
	defer p.sem.Release(1)

	if len(files) == 0 {
		p.fail(id, "download produced no files")
		return
	}

	var total int64
	sizes := make([]int64, len(files))
	for i, f := range files {
		info, err := os.Stat(f)
		if err != nil {
			p.fail(id, fmt.Sprintf("stat %s: %v", filepath.Base(f), err))
			return
		}
		sizes[i] = info.Size()
		total += info.Size()
	}
	j.total.Store(total)

	keys := objectKeys(id, files)
	var link string
	retries := 0
	for i, f := range files {
		l, n, err := p.uploadFile(ctx, id, f, keys[i], sizes[i], j)
		retries += n
		if err != nil {
			if ctx.Err() != nil {
				// aborted or shutting down, whoever cancelled owns the task now
				p.log.Infow("upload interrupted", "task", id, "file", keys[i])
				return
			}
			p.log.Warnw("upload failed", "task", id, "file", keys[i], "error", err)
			p.fail(id, err.Error())
			return
		}
		link = l
	}

	if len(files) > 1 {
		link = p.storage.Link(id + "/")
	}
	fields := task.Fields{ResultRef: task.String(link)}
	if retries > 0 {
		fields.RetryCount = task.Int(retries)
	}
	if _, err := p.tasks.Transition(id, task.StatusUploading, task.StatusCompleted, fields); err != nil {
		p.log.Warnw("could not complete task", "task", id, "error", err)
		return
	}
	p.log.Infow("upload complete", "task", id, "files", len(files), "link", link)
}

func (p *Pipeline) fail(id, detail string) {
	if _, err := p.tasks.Transition(id, task.StatusUploading, task.StatusUploadFailed, task.Fields{ErrorDetail: task.String(detail)}); err != nil {
		p.log.Warnw("could not mark upload failed", "task", id, "error", err)
	}
}

// uploadFile sends one file chunk by chunk and returns its link and the number
// of retries it took.
func (p *Pipeline) uploadFile(ctx context.Context, id, path, key string, size int64, j *job) (string, int, error) {
	retries := 0
	note := func(out retry.Outcome) {
		if out.Retries == 0 {
			return
		}
		retries += out.Retries
		if _, err := p.tasks.Update(id, task.StatusUploading, task.Fields{RetryCount: task.Int(retries)}); err != nil {
			p.log.Debugw("could not record retries", "task", id, "error", err)
		}
	}

	sess, out, err := retry.Call(ctx, p.retry, func(ctx context.Context) (Session, error) {
		cctx, cancel := context.WithTimeout(ctx, callTimeout)
		defer cancel()
		return p.storage.Open(cctx, key, size)
	}, IsTransient)
	note(out)
	if err != nil {
		return "", retries, err
	}
	j.base.Add(sess.Offset())

	f, err := os.Open(path)
	if err != nil {
		return "", retries, err
	}
	defer f.Close()

	buf := make([]byte, p.chunkSize)
	for sess.Offset() < size {
		off := sess.Offset()
		n := min(p.chunkSize, size-off)
		if _, err := f.ReadAt(buf[:n], off); err != nil && !errors.Is(err, io.EOF) {
			return "", retries, fmt.Errorf("read %s: %w", filepath.Base(path), err)
		}
		chunk := buf[:n]
		out, err := p.retry.Execute(ctx, func(ctx context.Context) error {
			cctx, cancel := context.WithTimeout(ctx, callTimeout)
			defer cancel()
			return sess.Append(cctx, chunk)
		}, IsTransient)
		note(out)
		if err != nil {
			return "", retries, err
		}
		j.sent.Add(n)
		if p.onUploaded != nil {
			p.onUploaded(n)
		}
	}

	link, out, err := retry.Call(ctx, p.retry, func(ctx context.Context) (string, error) {
		cctx, cancel := context.WithTimeout(ctx, callTimeout)
		defer cancel()
		return sess.Finalize(cctx)
	}, IsTransient)
	note(out)
	return link, retries, err
}

// Progress reports the running upload of a task.
func (p *Pipeline) Progress(id string) (task.Progress, bool) {
	p.mu.Lock()
	j, ok := p.jobs[id]
	p.mu.Unlock()
	if !ok {
		return task.Progress{}, false
	}

	sent := j.sent.Load()
	var rate int64
	if elapsed := time.Since(j.started).Seconds(); elapsed > 0 {
		rate = int64(float64(sent) / elapsed)
	}
	return task.Progress{
		BytesDone:       j.base.Load() + sent,
		BytesTotal:      j.total.Load(),
		RateBytesPerSec: rate,
	}, true
}

// Abort stops the task's upload and waits until it has let go of the task.
// Aborting a task with no running upload is a no-op.
func (p *Pipeline) Abort(ctx context.Context, id string) error {
	p.mu.Lock()
	j, ok := p.jobs[id]
	p.mu.Unlock()
	if !ok {
		return nil
	}
	j.cancel()
	select {
	case <-j.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Active reports whether an upload for the task is running or waiting for a slot.
func (p *Pipeline) Active(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.jobs[id]
	return ok
}

// Wait blocks until every upload goroutine has returned.
func (p *Pipeline) Wait() {
	p.wg.Wait()
}

// objectKeys lays files out under the task's folder, keeping their paths
// relative to the directory they share.
func objectKeys(id string, files []string) []string {
	keys := make([]string, len(files))
	if len(files) == 1 {
		keys[0] = id + "/" + filepath.Base(files[0])
		return keys
	}
	root := commonDir(files)
	for i, f := range files {
		rel, err := filepath.Rel(root, f)
		if err != nil || strings.HasPrefix(rel, "..") {
			rel = filepath.Base(f)
		}
		keys[i] = id + "/" + filepath.ToSlash(rel)
	}
	return keys
}

func commonDir(files []string) string {
	dir := filepath.Dir(files[0])
	for _, f := range files[1:] {
		for !strings.HasPrefix(f, dir+string(filepath.Separator)) && dir != filepath.Dir(dir) {
			dir = filepath.Dir(dir)
		}
	}
	return dir
}
