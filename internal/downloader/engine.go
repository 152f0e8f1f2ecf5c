package downloader

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"mirrorbot/internal/cache"
	"mirrorbot/internal/config"
	"mirrorbot/internal/logger"
	"mirrorbot/internal/source"
	"mirrorbot/internal/task"
)

// maxFollow bounds how many followedBy hops QueryStatus walks per GID.
const maxFollow = 4

// Snapshot is the engine's view of one task download, already translated into
// task vocabulary.
type Snapshot struct {
	// Handle may differ from the queried one when a magnet handed over to
	// the real download.
	Handle          string
	State           task.Status
	Name            string
	Files           []string
	BytesDone       int64
	BytesTotal      int64
	RateBytesPerSec int64
	ErrorCode       string
	ErrorDetail     string
}

// Transient reports whether a failed download is worth restarting.
func (s Snapshot) Transient() bool {
	return s.State == task.StatusDownloadFailed && transientExitCodes[s.ErrorCode]
}

// Engine drives aria2 on behalf of tasks. A task's handle is the comma-joined
// list of GIDs it owns; plain sources own one GID, HLS playlists one per item.
type Engine struct {
	client      *Aria2Client
	resolver    *source.Resolver
	downloadDir string
	headers     map[string]string
	log         *logger.Logger

	mu      sync.Mutex
	orphans map[string]struct{}
	// finished holds parts of multi-GID handles seen complete, since aria2
	// forgets old results once max-download-result is reached
	finished map[string]struct{}
}

func NewEngine(client *Aria2Client, resolver *source.Resolver, cfg config.EngineConfig, log *logger.Logger) *Engine {
	if log == nil {
		log = logger.NewNop()
	}
	return &Engine{
		client:      client,
		resolver:    resolver,
		downloadDir: cfg.DownloadDir,
		headers:     cfg.Headers,
		log:         log.Named("engine"),
		orphans:     make(map[string]struct{}),
		finished:    make(map[string]struct{}),
	}
}

func (e *Engine) DownloadDir() string {
	return e.downloadDir
}

// StartDownload resolves the source and submits every item to aria2. Either
// all items are added or none are.
func (e *Engine) StartDownload(ctx context.Context, taskID, src string) (string, error) {
	plan, err := e.resolver.Resolve(ctx, src)
	if err != nil {
		if errors.Is(err, source.ErrUnsupported) {
			return "", fmt.Errorf("%w: %w", ErrUnsupportedSource, err)
		}
		return "", err
	}

	dir, err := cache.EnsureTaskDir(e.downloadDir, taskID)
	if err != nil {
		return "", fmt.Errorf("prepare task dir: %w", err)
	}

	items := pending(dir, plan.Items)
	if skipped := len(plan.Items) - len(items); skipped > 0 {
		e.log.Infow("skipping items already on disk", "task", taskID, "skipped", skipped)
	}

	var extra map[string]string
	if plan.Kind == source.KindMagnet {
		// the bot mirrors and does not seed, so the torrent completes as
		// soon as the payload is on disk
		extra = map[string]string{"seed-time": "0"}
	}

	counts := make(map[string]int)
	gids := make([]string, 0, len(items))
	for _, item := range items {
		if item.Type != "" {
			counts[item.Type]++
		}
		gid, err := e.client.AddUri(ctx, item.URL, dir, item.Filename, e.headers, extra)
		if err != nil {
			e.rollback(gids)
			return "", err
		}
		gids = append(gids, gid)
	}

	e.log.Infow("download started", "task", taskID, "kind", plan.Kind, "gids", len(gids),
		"segments", counts[source.ItemSegment], "keys", counts[source.ItemKey])
	return JoinHandle(gids), nil
}

// pending drops items whose file is already complete in dir, which happens
// when a playlist download is restarted. At least one item is kept so the
// task still gets a handle to poll.
func pending(dir string, items []source.DownloadItem) []source.DownloadItem {
	out := make([]source.DownloadItem, 0, len(items))
	for _, item := range items {
		if item.Filename != "" {
			path := filepath.Join(dir, item.Filename)
			if cache.FileExists(path) && !cache.FileExists(path+".aria2") {
				continue
			}
		}
		out = append(out, item)
	}
	if len(out) == 0 && len(items) > 0 {
		out = append(out, items[len(items)-1])
	}
	return out
}

func (e *Engine) rollback(gids []string) {
	if len(gids) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Cancel(ctx, JoinHandle(gids)); err != nil {
		e.MarkOrphan(JoinHandle(gids))
	}
}

// QueryStatus reads every GID of the handle and aggregates them. Any error
// wins over removed, removed wins over in-progress, and the download is
// complete only when every part is.
func (e *Engine) QueryStatus(ctx context.Context, handle string) (Snapshot, error) {
	gids := SplitHandle(handle)
	if len(gids) == 0 {
		return Snapshot{}, fmt.Errorf("%w: empty handle", ErrUnsupportedSource)
	}

	var (
		snap            Snapshot
		current         = make([]string, 0, len(gids))
		failed, removed bool
		complete        = 0
		missing         = 0
		dirs            = make(map[string]bool)
	)
	for _, gid := range gids {
		st, gid, err := e.follow(ctx, gid)
		if err != nil {
			if IsNotFound(err) {
				current = append(current, gid)
				if e.wasFinished(gid) {
					complete++
				} else {
					missing++
				}
				continue
			}
			return Snapshot{}, err
		}
		current = append(current, gid)
		dirs[st.Dir] = true

		total := parseInt(st.TotalLength)
		done := parseInt(st.CompletedLength)
		snap.BytesTotal += total
		snap.BytesDone += done
		snap.RateBytesPerSec += parseInt(st.DownloadSpeed)
		snap.Files = append(snap.Files, selectedFiles(st)...)
		if snap.Name == "" {
			snap.Name = downloadName(st)
		}

		state := NormalizeState(st.Status)
		if st.Seeder == "true" && state == task.StatusDownloading && total > 0 && done >= total {
			state = task.StatusDownloadComplete
		}
		switch state {
		case task.StatusDownloadFailed:
			if !failed {
				snap.ErrorCode = st.ErrorCode
				snap.ErrorDetail = errorDetail(st)
			}
			failed = true
		case task.StatusCancelled:
			removed = true
		case task.StatusDownloadComplete:
			complete++
			if len(gids) > 1 {
				e.markFinished(gid)
			}
		}
	}

	if missing > 0 {
		if len(gids) > 1 && e.purgedComplete(dirs, missing, complete) {
			// results aria2 dropped after they finished
			complete += missing
		} else {
			// aria2 forgot the download, someone removed it behind our back
			removed = true
		}
	}

	snap.Handle = JoinHandle(current)
	if len(gids) > 1 {
		// multi-item downloads all live in the task directory
		snap.Name = ""
	}
	switch {
	case failed:
		snap.State = task.StatusDownloadFailed
		e.forget(gids)
	case removed:
		snap.State = task.StatusCancelled
		e.forget(gids)
	case complete == len(gids):
		snap.State = task.StatusDownloadComplete
		snap.RateBytesPerSec = 0
		e.forget(gids)
		if files := e.taskFiles(dirs); len(files) > 0 {
			snap.Files = files
		}
	default:
		snap.State = task.StatusDownloading
	}
	if snap.BytesTotal > 0 && snap.BytesDone > snap.BytesTotal {
		snap.BytesDone = snap.BytesTotal
	}
	return snap, nil
}

func (e *Engine) markFinished(gid string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.finished[gid] = struct{}{}
}

func (e *Engine) wasFinished(gid string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.finished[gid]
	return ok
}

func (e *Engine) forget(gids []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, gid := range gids {
		delete(e.finished, gid)
	}
}

// purgedComplete reports whether the task directory holds enough finished
// files to account for the GIDs aria2 no longer knows on top of the ones
// known to be complete. It covers a restart, when finished is empty.
func (e *Engine) purgedComplete(dirs map[string]bool, missing, complete int) bool {
	files := e.taskFiles(dirs)
	if files == nil {
		return false
	}
	done := 0
	for _, f := range files {
		if !cache.FileExists(f + ".aria2") {
			done++
		}
	}
	return done >= missing+complete
}

// taskFiles lists the task directory when every part of the download was
// written into the same directory under the download root. Items skipped on a
// restart are only found this way.
func (e *Engine) taskFiles(dirs map[string]bool) []string {
	if len(dirs) != 1 || e.downloadDir == "" {
		return nil
	}
	root, err := filepath.Abs(e.downloadDir)
	if err != nil {
		return nil
	}
	for dir := range dirs {
		if !underDir(root, dir) {
			return nil
		}
		files, err := cache.ListFiles(dir)
		if err != nil {
			e.log.Debugw("could not list task directory", "dir", dir, "error", err)
			return nil
		}
		return files
	}
	return nil
}

// follow walks followedBy links. A completed magnet metadata download points to
// the actual torrent download.
func (e *Engine) follow(ctx context.Context, gid string) (*Aria2Status, string, error) {
	for hop := 0; ; hop++ {
		st, err := e.client.TellStatus(ctx, gid)
		if err != nil {
			return nil, gid, err
		}
		if len(st.FollowedBy) == 0 || hop >= maxFollow {
			return st, gid, nil
		}
		e.log.Debugw("following download", "from", gid, "to", st.FollowedBy[0])
		gid = st.FollowedBy[0]
	}
}

// Cancel force-removes every GID and drops its result. GIDs aria2 no longer
// knows count as removed.
func (e *Engine) Cancel(ctx context.Context, handle string) error {
	e.forget(SplitHandle(handle))
	var firstErr error
	for _, gid := range SplitHandle(handle) {
		// pausing first closes the connections right away
		_ = e.client.ForcePause(ctx, gid)
		if err := e.client.ForceRemove(ctx, gid); err != nil && !IsNotFound(err) {
			var rpcErr *RPCError
			if !errors.As(err, &rpcErr) {
				// connection trouble, aria2 may still be running this one
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
		}
		// the result only becomes removable once aria2 has stopped the download
		_ = e.client.RemoveDownloadResult(ctx, gid)
	}
	return firstErr
}

// MarkOrphan records GIDs whose cancel could not be confirmed.
func (e *Engine) MarkOrphan(handle string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, gid := range SplitHandle(handle) {
		e.orphans[gid] = struct{}{}
	}
}

func (e *Engine) Orphans() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.orphans))
	for gid := range e.orphans {
		out = append(out, gid)
	}
	return out
}

// Reconcile force-removes recorded orphans, plus any active or waiting
// download inside our download directory that owned does not claim. It
// returns the number of GIDs removed.
func (e *Engine) Reconcile(ctx context.Context, owned func(gid, dir string) bool) (int, error) {
	removed := 0
	for _, gid := range e.Orphans() {
		err := e.client.ForceRemove(ctx, gid)
		if err != nil && !IsNotFound(err) {
			var rpcErr *RPCError
			if !errors.As(err, &rpcErr) {
				return removed, err
			}
		}
		_ = e.client.RemoveDownloadResult(ctx, gid)
		e.mu.Lock()
		delete(e.orphans, gid)
		e.mu.Unlock()
		removed++
	}

	if owned == nil || e.downloadDir == "" {
		return removed, nil
	}
	root, err := filepath.Abs(e.downloadDir)
	if err != nil {
		return removed, nil
	}

	active, err := e.client.TellActive(ctx)
	if err != nil {
		return removed, err
	}
	waiting, err := e.client.TellWaiting(ctx, 0, 1000)
	if err != nil {
		return removed, err
	}
	for _, st := range append(active, waiting...) {
		if !underDir(root, st.Dir) || owned(st.Gid, st.Dir) {
			continue
		}
		if err := e.client.ForceRemove(ctx, st.Gid); err != nil && !IsNotFound(err) {
			e.log.Warnw("failed to remove stray download", "gid", st.Gid, "error", err)
			continue
		}
		e.log.Infow("removed stray download", "gid", st.Gid, "dir", st.Dir)
		removed++
	}
	return removed, nil
}

// Ping checks that aria2 answers.
func (e *Engine) Ping(ctx context.Context) (string, error) {
	return e.client.GetVersion(ctx)
}

// NormalizeState maps aria2's status vocabulary onto task statuses.
func NormalizeState(status string) task.Status {
	switch status {
	case "complete":
		return task.StatusDownloadComplete
	case "error":
		return task.StatusDownloadFailed
	case "removed":
		return task.StatusCancelled
	default:
		// active, waiting, paused
		return task.StatusDownloading
	}
}

func SplitHandle(handle string) []string {
	var gids []string
	for _, gid := range strings.Split(handle, ",") {
		if gid = strings.TrimSpace(gid); gid != "" {
			gids = append(gids, gid)
		}
	}
	return gids
}

func JoinHandle(gids []string) string {
	return strings.Join(gids, ",")
}

func parseInt(s string) int64 {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func selectedFiles(st *Aria2Status) []string {
	var files []string
	for _, f := range st.Files {
		if f.Path == "" || strings.HasPrefix(f.Path, "[METADATA]") || f.Selected == "false" {
			continue
		}
		files = append(files, f.Path)
	}
	return files
}

func downloadName(st *Aria2Status) string {
	if st.Bittorrent != nil && st.Bittorrent.Info.Name != "" {
		return st.Bittorrent.Info.Name
	}
	for _, f := range st.Files {
		if f.Path != "" && !strings.HasPrefix(f.Path, "[METADATA]") {
			return filepath.Base(f.Path)
		}
	}
	return ""
}

func errorDetail(st *Aria2Status) string {
	if st.ErrorMessage != "" {
		return fmt.Sprintf("aria2 error %s: %s", st.ErrorCode, st.ErrorMessage)
	}
	return fmt.Sprintf("aria2 error %s", st.ErrorCode)
}

func underDir(root, dir string) bool {
	if dir == "" {
		return false
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(root, abs)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
