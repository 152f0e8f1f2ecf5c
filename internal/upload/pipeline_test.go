package upload

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"mirrorbot/internal/config"
	"mirrorbot/internal/logger"
	"mirrorbot/internal/retry"
	"mirrorbot/internal/task"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noSleep(ctx context.Context, d time.Duration) error { return ctx.Err() }

func newController(attempts int) *retry.Controller {
	return retry.New(config.RetryPolicy{MaxAttempts: attempts, BaseDelay: time.Second}, retry.WithSleep(noSleep))
}

// downloadedTask registers a task that finished downloading the given files.
func downloadedTask(t *testing.T, reg *task.Registry, contents ...string) (string, []string) {
	t.Helper()
	id, err := reg.Submit("http://example.com/x", "alice", "")
	require.NoError(t, err)
	_, err = reg.Transition(id, task.StatusQueued, task.StatusDownloading, task.Fields{EngineHandle: task.String("gid")})
	require.NoError(t, err)

	dir := t.TempDir()
	var files []string
	for i, c := range contents {
		path := filepath.Join(dir, fmt.Sprintf("file%d.bin", i))
		require.NoError(t, os.WriteFile(path, []byte(c), 0644))
		files = append(files, path)
	}
	_, err = reg.Transition(id, task.StatusDownloading, task.StatusDownloadComplete, task.Fields{Files: files})
	require.NoError(t, err)
	return id, files
}

func waitStatus(t *testing.T, reg *task.Registry, id string, want task.Status) task.Task {
	t.Helper()
	var got task.Task
	require.Eventually(t, func() bool {
		var err error
		got, err = reg.Get(id)
		return err == nil && got.Status == want
	}, 5*time.Second, 5*time.Millisecond)
	return got
}

// flakyStorage fails the first failures Append calls with err.
type flakyStorage struct {
	Storage
	mu       sync.Mutex
	failures int
	err      error
	appends  int
}

func (f *flakyStorage) Open(ctx context.Context, key string, size int64) (Session, error) {
	sess, err := f.Storage.Open(ctx, key, size)
	if err != nil {
		return nil, err
	}
	return &flakySession{Session: sess, storage: f}, nil
}

type flakySession struct {
	Session
	storage *flakyStorage
}

func (s *flakySession) Append(ctx context.Context, p []byte) error {
	f := s.storage
	f.mu.Lock()
	f.appends++
	if f.failures > 0 {
		f.failures--
		f.mu.Unlock()
		return f.err
	}
	f.mu.Unlock()
	return s.Session.Append(ctx, p)
}

func TestPipelineUploadsSingleFile(t *testing.T) {
	reg := task.NewRegistry()
	storage, bucket := newMemStorage(t, config.UploadConfig{})
	var uploaded atomic.Int64
	p := NewPipeline(storage, reg, newController(3), config.UploadConfig{MaxUploads: 1, ChunkSize: 4}, logger.NewNop(),
		OnUploaded(func(n int64) { uploaded.Add(n) }))

	id, files := downloadedTask(t, reg, "0123456789")
	require.NoError(t, p.StartUpload(context.Background(), id, files))

	done := waitStatus(t, reg, id, task.StatusCompleted)
	assert.Equal(t, "mem://"+id+"/file0.bin", done.ResultRef)
	assert.Equal(t, int64(10), uploaded.Load())

	got, err := bucket.ReadAll(context.Background(), id+"/file0.bin")
	require.NoError(t, err)
	assert.Equal(t, "0123456789", string(got))
	p.Wait()
	assert.False(t, p.Active(id))
}

func TestPipelineRequiresDownloadComplete(t *testing.T) {
	reg := task.NewRegistry()
	storage, _ := newMemStorage(t, config.UploadConfig{})
	p := NewPipeline(storage, reg, newController(3), config.UploadConfig{}, logger.NewNop())

	id, err := reg.Submit("http://example.com/x", "alice", "")
	require.NoError(t, err)
	err = p.StartUpload(context.Background(), id, nil)
	assert.ErrorIs(t, err, task.ErrConflict)
}

func TestPipelineTwoFilesSetsFolderLinkAfterBoth(t *testing.T) {
	storage, bucket := newMemStorage(t, config.UploadConfig{})

	var refs []string
	var mu sync.Mutex
	reg := task.NewRegistry(task.WithObserver(func(c task.Change) {
		mu.Lock()
		defer mu.Unlock()
		refs = append(refs, c.Task.ResultRef)
	}))
	p := NewPipeline(storage, reg, newController(3), config.UploadConfig{ChunkSize: 3}, logger.NewNop())

	id, files := downloadedTask(t, reg, "first file", "second")
	require.NoError(t, p.StartUpload(context.Background(), id, files))

	done := waitStatus(t, reg, id, task.StatusCompleted)
	assert.Equal(t, "mem://"+id+"/", done.ResultRef)

	mu.Lock()
	for _, r := range refs[:len(refs)-1] {
		assert.Empty(t, r)
	}
	mu.Unlock()

	for i, want := range []string{"first file", "second"} {
		got, err := bucket.ReadAll(context.Background(), fmt.Sprintf("%s/file%d.bin", id, i))
		require.NoError(t, err)
		assert.Equal(t, want, string(got))
	}
}

func TestPipelineRetriesTransientErrors(t *testing.T) {
	reg := task.NewRegistry()
	mem, bucket := newMemStorage(t, config.UploadConfig{})
	storage := &flakyStorage{Storage: mem, failures: 2, err: fmt.Errorf("%w: 503", ErrTransient)}
	p := NewPipeline(storage, reg, newController(5), config.UploadConfig{ChunkSize: 4}, logger.NewNop())

	id, files := downloadedTask(t, reg, "abcdefgh")
	require.NoError(t, p.StartUpload(context.Background(), id, files))

	done := waitStatus(t, reg, id, task.StatusCompleted)
	assert.Equal(t, 2, done.RetryCount)
	assert.Equal(t, 4, storage.appends)

	got, err := bucket.ReadAll(context.Background(), id+"/file0.bin")
	require.NoError(t, err)
	assert.Equal(t, "abcdefgh", string(got))
}

func TestPipelineFatalErrorFailsUpload(t *testing.T) {
	reg := task.NewRegistry()
	mem, _ := newMemStorage(t, config.UploadConfig{})
	storage := &flakyStorage{Storage: mem, failures: 100, err: fmt.Errorf("%w: quota exceeded", ErrFatal)}
	p := NewPipeline(storage, reg, newController(5), config.UploadConfig{}, logger.NewNop())

	id, files := downloadedTask(t, reg, "abc")
	require.NoError(t, p.StartUpload(context.Background(), id, files))

	failed := waitStatus(t, reg, id, task.StatusUploadFailed)
	assert.Contains(t, failed.ErrorDetail, "quota exceeded")
	assert.Empty(t, failed.ResultRef)
	assert.Equal(t, 1, storage.appends)
}

func TestPipelineExhaustedRetriesFailUpload(t *testing.T) {
	reg := task.NewRegistry()
	mem, _ := newMemStorage(t, config.UploadConfig{})
	storage := &flakyStorage{Storage: mem, failures: 100, err: fmt.Errorf("%w: 503", ErrTransient)}
	p := NewPipeline(storage, reg, newController(3), config.UploadConfig{}, logger.NewNop())

	id, files := downloadedTask(t, reg, "abc")
	require.NoError(t, p.StartUpload(context.Background(), id, files))

	failed := waitStatus(t, reg, id, task.StatusUploadFailed)
	assert.Contains(t, failed.ErrorDetail, "3 attempt")
	assert.Equal(t, 3, storage.appends)
}

func TestPipelineNoFiles(t *testing.T) {
	reg := task.NewRegistry()
	storage, _ := newMemStorage(t, config.UploadConfig{})
	p := NewPipeline(storage, reg, newController(3), config.UploadConfig{}, logger.NewNop())

	id, _ := downloadedTask(t, reg)
	require.NoError(t, p.StartUpload(context.Background(), id, nil))
	failed := waitStatus(t, reg, id, task.StatusUploadFailed)
	assert.Contains(t, failed.ErrorDetail, "no files")
}

// blockingStorage parks every Append until the context ends.
type blockingStorage struct {
	Storage
	open    atomic.Int32
	maxOpen atomic.Int32
	entered chan string
}

func (b *blockingStorage) Open(ctx context.Context, key string, size int64) (Session, error) {
	n := b.open.Add(1)
	for {
		m := b.maxOpen.Load()
		if n <= m || b.maxOpen.CompareAndSwap(m, n) {
			break
		}
	}
	return &blockingSession{key: key, storage: b}, nil
}

type blockingSession struct {
	key     string
	storage *blockingStorage
}

func (s *blockingSession) Offset() int64 { return 0 }

func (s *blockingSession) Append(ctx context.Context, p []byte) error {
	s.storage.entered <- s.key
	<-ctx.Done()
	s.storage.open.Add(-1)
	return ctx.Err()
}

func (s *blockingSession) Finalize(ctx context.Context) (string, error) { return "", nil }

func TestPipelineAbortAcknowledges(t *testing.T) {
	reg := task.NewRegistry()
	storage := &blockingStorage{entered: make(chan string, 4)}
	p := NewPipeline(storage, reg, newController(3), config.UploadConfig{}, logger.NewNop())

	id, files := downloadedTask(t, reg, "abc")
	require.NoError(t, p.StartUpload(context.Background(), id, files))
	<-storage.entered

	prog, ok := p.Progress(id)
	require.True(t, ok)
	assert.Equal(t, int64(3), prog.BytesTotal)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Abort(ctx, id))
	assert.False(t, p.Active(id))

	// the pipeline leaves the task to the caller
	got, err := reg.Get(id)
	require.NoError(t, err)
	assert.Equal(t, task.StatusUploading, got.Status)
	_, err = reg.Transition(id, task.StatusUploading, task.StatusCancelled, task.Fields{})
	require.NoError(t, err)

	assert.NoError(t, p.Abort(ctx, "unknown"))
}

func TestPipelineBoundsConcurrentUploads(t *testing.T) {
	reg := task.NewRegistry()
	storage := &blockingStorage{entered: make(chan string, 4)}
	p := NewPipeline(storage, reg, newController(3), config.UploadConfig{MaxUploads: 2}, logger.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	var ids []string
	for i := 0; i < 3; i++ {
		id, files := downloadedTask(t, reg, "abc")
		require.NoError(t, p.StartUpload(ctx, id, files))
		ids = append(ids, id)
	}

	<-storage.entered
	<-storage.entered
	select {
	case key := <-storage.entered:
		t.Fatalf("third upload %s started while two were running", key)
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, int32(2), storage.maxOpen.Load())

	cancel()
	p.Wait()
	for _, id := range ids {
		got, err := reg.Get(id)
		require.NoError(t, err)
		assert.Equal(t, task.StatusUploading, got.Status)
	}
}

func TestResumeUploadSkipsAcknowledgedParts(t *testing.T) {
	reg := task.NewRegistry()
	mem, bucket := newMemStorage(t, config.UploadConfig{})
	id, files := downloadedTask(t, reg, "0123456789")
	_, err := reg.Transition(id, task.StatusDownloadComplete, task.StatusUploading, task.Fields{})
	require.NoError(t, err)

	// a previous run got the first chunk through
	sess, err := mem.Open(context.Background(), id+"/file0.bin", 10)
	require.NoError(t, err)
	require.NoError(t, sess.Append(context.Background(), []byte("01234")))

	storage := &flakyStorage{Storage: mem}
	p := NewPipeline(storage, reg, newController(3), config.UploadConfig{ChunkSize: 5}, logger.NewNop())
	require.NoError(t, p.ResumeUpload(context.Background(), id, files))

	waitStatus(t, reg, id, task.StatusCompleted)
	assert.Equal(t, 1, storage.appends)
	got, err := bucket.ReadAll(context.Background(), id+"/file0.bin")
	require.NoError(t, err)
	assert.Equal(t, "0123456789", string(got))
}

func TestObjectKeys(t *testing.T) {
	assert.Equal(t, []string{"t/a.iso"}, objectKeys("t", []string{"/d/t/sub/a.iso"}))
	assert.Equal(t, []string{"t/a", "t/b/c"},
		objectKeys("t", []string{"/d/t/ubuntu/a", "/d/t/ubuntu/b/c"}))
	assert.Equal(t, "/d", commonDir([]string{"/d/x/a", "/d/y/b"}))
}
