package downloader

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"mirrorbot/internal/config"
	"mirrorbot/internal/logger"
	"mirrorbot/internal/source"
	"mirrorbot/internal/task"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func gidParam(params []json.RawMessage) string {
	var gid string
	if len(params) > 0 {
		_ = json.Unmarshal(params[0], &gid)
	}
	return gid
}

func TestNormalizeState(t *testing.T) {
	cases := map[string]task.Status{
		"active":   task.StatusDownloading,
		"waiting":  task.StatusDownloading,
		"paused":   task.StatusDownloading,
		"complete": task.StatusDownloadComplete,
		"error":    task.StatusDownloadFailed,
		"removed":  task.StatusCancelled,
	}
	for in, want := range cases {
		assert.Equal(t, want, NormalizeState(in), in)
	}
}

func TestHandleHelpers(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, SplitHandle("a, b,"))
	assert.Nil(t, SplitHandle(""))
	assert.Equal(t, "a,b", JoinHandle([]string{"a", "b"}))
}

func TestStartDownloadPlainSource(t *testing.T) {
	f := newFakeAria2(t)
	f.handle("aria2.addUri", func(params []json.RawMessage) (interface{}, *JsonRpcError) {
		return "gid1", nil
	})
	e := newTestEngine(t, f)

	handle, err := e.StartDownload(context.Background(), "task-1", "http://example.com/file.iso")
	require.NoError(t, err)
	assert.Equal(t, "gid1", handle)

	var opts map[string]interface{}
	require.NoError(t, json.Unmarshal(f.lastParams("aria2.addUri")[1], &opts))
	assert.NotContains(t, opts, "out")
	dir := opts["dir"].(string)
	assert.Equal(t, "task-1", filepath.Base(dir))
	assert.DirExists(t, dir)
}

func TestStartDownloadUnsupported(t *testing.T) {
	f := newFakeAria2(t)
	e := newTestEngine(t, f)

	_, err := e.StartDownload(context.Background(), "task-1", "gopher://example.com/x")
	require.ErrorIs(t, err, ErrUnsupportedSource)
	assert.False(t, IsTransient(err))
	assert.Empty(t, f.methods())
}

func TestStartDownloadPlaylistRollsBackOnFailure(t *testing.T) {
	playlist := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "#EXTM3U\n#EXT-X-TARGETDURATION:10\n#EXTINF:10,\na.ts\n#EXTINF:10,\nb.ts\n#EXTINF:10,\nc.ts\n#EXT-X-ENDLIST\n")
	}))
	defer playlist.Close()

	f := newFakeAria2(t)
	var n atomic.Int32
	f.handle("aria2.addUri", func(params []json.RawMessage) (interface{}, *JsonRpcError) {
		if n.Add(1) == 3 {
			return nil, &JsonRpcError{Code: 1, Message: "No URI to download."}
		}
		return fmt.Sprintf("gid%d", n.Load()), nil
	})
	e := newTestEngine(t, f)

	_, err := e.StartDownload(context.Background(), "task-1", playlist.URL+"/index.m3u8")
	require.Error(t, err)
	assert.Equal(t, []string{"gid1", "gid2"}, f.firstParams("aria2.forceRemove"))
}

func TestStartDownloadPlaylistJoinsHandles(t *testing.T) {
	playlist := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "#EXTM3U\n#EXT-X-TARGETDURATION:10\n#EXTINF:10,\na.ts\n#EXTINF:10,\nb.ts\n#EXT-X-ENDLIST\n")
	}))
	defer playlist.Close()

	f := newFakeAria2(t)
	var n atomic.Int32
	f.handle("aria2.addUri", func(params []json.RawMessage) (interface{}, *JsonRpcError) {
		return fmt.Sprintf("gid%d", n.Add(1)), nil
	})
	e := newTestEngine(t, f)

	handle, err := e.StartDownload(context.Background(), "task-1", playlist.URL+"/index.m3u8")
	require.NoError(t, err)
	assert.Equal(t, "gid1,gid2", handle)
}

func TestStartDownloadSkipsFinishedSegments(t *testing.T) {
	playlist := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "#EXTM3U\n#EXT-X-TARGETDURATION:10\n#EXTINF:10,\na.ts\n#EXTINF:10,\nb.ts\n#EXTINF:10,\nc.ts\n#EXT-X-ENDLIST\n")
	}))
	defer playlist.Close()

	f := newFakeAria2(t)
	var n atomic.Int32
	f.handle("aria2.addUri", func(params []json.RawMessage) (interface{}, *JsonRpcError) {
		return fmt.Sprintf("gid%d", n.Add(1)), nil
	})
	e := newTestEngine(t, f)

	dir := filepath.Join(e.DownloadDir(), "task-1")
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "00001.ts"), []byte("done"), 0644))
	// a control file means aria2 had not finished this one
	require.NoError(t, os.WriteFile(filepath.Join(dir, "00002.ts"), []byte("half"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "00002.ts.aria2"), []byte("ctl"), 0644))

	handle, err := e.StartDownload(context.Background(), "task-1", playlist.URL+"/index.m3u8")
	require.NoError(t, err)
	assert.Equal(t, "gid1,gid2", handle)
	assert.Len(t, f.methods(), 2)
}

func TestStartDownloadKeepsOneItemWhenAllOnDisk(t *testing.T) {
	playlist := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "#EXTM3U\n#EXT-X-TARGETDURATION:10\n#EXTINF:10,\na.ts\n#EXTINF:10,\nb.ts\n#EXT-X-ENDLIST\n")
	}))
	defer playlist.Close()

	f := newFakeAria2(t)
	f.handle("aria2.addUri", func(params []json.RawMessage) (interface{}, *JsonRpcError) {
		return "last", nil
	})
	e := newTestEngine(t, f)

	dir := filepath.Join(e.DownloadDir(), "task-1")
	require.NoError(t, os.MkdirAll(dir, 0755))
	for _, name := range []string{"00001.ts", "00002.ts"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("done"), 0644))
	}

	handle, err := e.StartDownload(context.Background(), "task-1", playlist.URL+"/index.m3u8")
	require.NoError(t, err)
	assert.Equal(t, "last", handle)
	assert.Len(t, f.methods(), 1)
}

func TestQueryStatusListsTaskDirOnCompletion(t *testing.T) {
	f := newFakeAria2(t)
	e := newTestEngine(t, f)
	dir := filepath.Join(e.DownloadDir(), "task-1")
	require.NoError(t, os.MkdirAll(dir, 0755))
	for _, name := range []string{"00001.ts", "00002.ts", "00003.ts"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0644))
	}

	// only the last segment was downloaded by this run
	f.handle("aria2.tellStatus", func(params []json.RawMessage) (interface{}, *JsonRpcError) {
		return map[string]interface{}{
			"gid": "gid3", "status": "complete", "dir": dir,
			"totalLength": "1", "completedLength": "1",
			"files": []map[string]string{{"path": filepath.Join(dir, "00003.ts"), "selected": "true"}},
		}, nil
	})

	snap, err := e.QueryStatus(context.Background(), "gid3")
	require.NoError(t, err)
	assert.Equal(t, task.StatusDownloadComplete, snap.State)
	require.Len(t, snap.Files, 3)
	assert.Equal(t, "00001.ts", filepath.Base(snap.Files[0]))
}

func TestQueryStatusSingle(t *testing.T) {
	f := newFakeAria2(t)
	f.handle("aria2.tellStatus", func(params []json.RawMessage) (interface{}, *JsonRpcError) {
		return map[string]interface{}{
			"gid": "gid1", "status": "active",
			"totalLength": "1000", "completedLength": "400", "downloadSpeed": "50",
			"files": []map[string]string{{"path": "/d/task-1/file.iso", "selected": "true"}},
		}, nil
	})
	e := newTestEngine(t, f)

	snap, err := e.QueryStatus(context.Background(), "gid1")
	require.NoError(t, err)
	assert.Equal(t, task.StatusDownloading, snap.State)
	assert.Equal(t, int64(400), snap.BytesDone)
	assert.Equal(t, int64(1000), snap.BytesTotal)
	assert.Equal(t, int64(50), snap.RateBytesPerSec)
	assert.Equal(t, "file.iso", snap.Name)
	assert.Equal(t, []string{"/d/task-1/file.iso"}, snap.Files)
	assert.Equal(t, "gid1", snap.Handle)
}

func TestQueryStatusFollowsMagnet(t *testing.T) {
	f := newFakeAria2(t)
	f.handle("aria2.tellStatus", func(params []json.RawMessage) (interface{}, *JsonRpcError) {
		switch gidParam(params) {
		case "meta":
			return map[string]interface{}{
				"gid": "meta", "status": "complete", "followedBy": []string{"real"},
				"files": []map[string]string{{"path": "[METADATA]abc"}},
			}, nil
		case "real":
			return map[string]interface{}{
				"gid": "real", "status": "complete", "totalLength": "10", "completedLength": "10",
				"bittorrent": map[string]interface{}{"info": map[string]string{"name": "ubuntu"}},
				"files": []map[string]string{
					{"path": "/d/t/ubuntu/a.iso", "selected": "true"},
					{"path": "/d/t/ubuntu/skip.txt", "selected": "false"},
				},
			}, nil
		}
		return nil, notFound("?")
	})
	e := newTestEngine(t, f)

	snap, err := e.QueryStatus(context.Background(), "meta")
	require.NoError(t, err)
	assert.Equal(t, "real", snap.Handle)
	assert.Equal(t, task.StatusDownloadComplete, snap.State)
	assert.Equal(t, "ubuntu", snap.Name)
	assert.Equal(t, []string{"/d/t/ubuntu/a.iso"}, snap.Files)
}

func TestQueryStatusAggregates(t *testing.T) {
	states := map[string]map[string]interface{}{}
	f := newFakeAria2(t)
	f.handle("aria2.tellStatus", func(params []json.RawMessage) (interface{}, *JsonRpcError) {
		gid := gidParam(params)
		st, ok := states[gid]
		if !ok {
			return nil, notFound(gid)
		}
		return st, nil
	})
	e := newTestEngine(t, f)
	ctx := context.Background()

	f.with(func() {
		states["a"] = map[string]interface{}{"status": "complete", "totalLength": "10", "completedLength": "10"}
		states["b"] = map[string]interface{}{"status": "active", "totalLength": "10", "completedLength": "5", "downloadSpeed": "3"}
	})
	snap, err := e.QueryStatus(ctx, "a,b")
	require.NoError(t, err)
	assert.Equal(t, task.StatusDownloading, snap.State)
	assert.Equal(t, int64(15), snap.BytesDone)
	assert.Equal(t, int64(20), snap.BytesTotal)

	f.with(func() { states["b"]["status"] = "complete" })
	snap, err = e.QueryStatus(ctx, "a,b")
	require.NoError(t, err)
	assert.Equal(t, task.StatusDownloadComplete, snap.State)
	assert.Zero(t, snap.RateBytesPerSec)

	f.with(func() {
		states["b"] = map[string]interface{}{"status": "error", "errorCode": "2", "errorMessage": "Timeout."}
	})
	snap, err = e.QueryStatus(ctx, "a,b")
	require.NoError(t, err)
	assert.Equal(t, task.StatusDownloadFailed, snap.State)
	assert.Equal(t, "2", snap.ErrorCode)
	assert.Contains(t, snap.ErrorDetail, "Timeout.")
	assert.True(t, snap.Transient())

	f.with(func() {
		states["b"] = map[string]interface{}{"status": "error", "errorCode": "3", "errorMessage": "Resource not found"}
	})
	snap, err = e.QueryStatus(ctx, "a,b")
	require.NoError(t, err)
	assert.False(t, snap.Transient())

	f.with(func() { delete(states, "b") })
	snap, err = e.QueryStatus(ctx, "a,b")
	require.NoError(t, err)
	assert.Equal(t, task.StatusCancelled, snap.State)
}

func TestQueryStatusEngineDown(t *testing.T) {
	f := newFakeAria2(t)
	f.failWith(http.StatusServiceUnavailable)
	e := newTestEngine(t, f)

	_, err := e.QueryStatus(context.Background(), "gid1")
	assert.True(t, IsTransient(err))
}

func TestCancelRemovesResults(t *testing.T) {
	f := newFakeAria2(t)
	f.handle("aria2.forceRemove", func(params []json.RawMessage) (interface{}, *JsonRpcError) {
		if gidParam(params) == "gone" {
			return nil, notFound("gone")
		}
		return "OK", nil
	})
	e := newTestEngine(t, f)

	require.NoError(t, e.Cancel(context.Background(), "a,gone"))
	assert.Equal(t, []string{
		"aria2.forcePause", "aria2.forceRemove", "aria2.removeDownloadResult",
		"aria2.forcePause", "aria2.forceRemove", "aria2.removeDownloadResult",
	}, f.methods())
}

func TestCancelEngineDownReturnsError(t *testing.T) {
	f := newFakeAria2(t)
	f.failWith(http.StatusBadGateway)
	e := newTestEngine(t, f)

	err := e.Cancel(context.Background(), "a")
	assert.ErrorIs(t, err, ErrEngineUnavailable)
}

func TestReconcileRemovesOrphansAndStrays(t *testing.T) {
	f := newFakeAria2(t)
	e := newTestEngine(t, f)
	root := e.DownloadDir()

	f.handle("aria2.tellActive", func(params []json.RawMessage) (interface{}, *JsonRpcError) {
		return []map[string]string{
			{"gid": "mine", "dir": filepath.Join(root, "t1")},
			{"gid": "stray", "dir": filepath.Join(root, "t2")},
			{"gid": "foreign", "dir": "/somewhere/else"},
		}, nil
	})
	f.handle("aria2.tellWaiting", func(params []json.RawMessage) (interface{}, *JsonRpcError) {
		return []map[string]string{}, nil
	})

	e.MarkOrphan("orphan")
	n, err := e.Reconcile(context.Background(), func(gid, dir string) bool { return gid == "mine" })
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"orphan", "stray"}, f.firstParams("aria2.forceRemove"))
	assert.Empty(t, e.Orphans())
}

func TestReconcileKeepsOrphanWhileEngineDown(t *testing.T) {
	f := newFakeAria2(t)
	e := newTestEngine(t, f)
	e.MarkOrphan("orphan")

	f.failWith(http.StatusBadGateway)
	_, err := e.Reconcile(context.Background(), nil)
	assert.Error(t, err)
	assert.Equal(t, []string{"orphan"}, e.Orphans())
}

func TestStartDownloadMagnetDisablesSeeding(t *testing.T) {
	f := newFakeAria2(t)
	f.handle("aria2.addUri", func(params []json.RawMessage) (interface{}, *JsonRpcError) {
		return "meta", nil
	})
	e := newTestEngine(t, f)

	_, err := e.StartDownload(context.Background(), "task-1", "magnet:?xt=urn:btih:abc")
	require.NoError(t, err)

	var opts map[string]interface{}
	require.NoError(t, json.Unmarshal(f.lastParams("aria2.addUri")[1], &opts))
	assert.Equal(t, "0", opts["seed-time"])
}

func TestQueryStatusSeederIsComplete(t *testing.T) {
	f := newFakeAria2(t)
	f.handle("aria2.tellStatus", func(params []json.RawMessage) (interface{}, *JsonRpcError) {
		return map[string]interface{}{
			"gid": "real", "status": "active", "seeder": "true",
			"totalLength": "10", "completedLength": "10", "downloadSpeed": "0",
		}, nil
	})
	e := newTestEngine(t, f)

	snap, err := e.QueryStatus(context.Background(), "real")
	require.NoError(t, err)
	assert.Equal(t, task.StatusDownloadComplete, snap.State)
}

func TestQueryStatusPurgedResultCountsAsComplete(t *testing.T) {
	states := map[string]map[string]interface{}{
		"seg1": {"status": "complete", "totalLength": "10", "completedLength": "10"},
		"seg2": {"status": "active", "totalLength": "10", "completedLength": "5"},
	}
	f := newFakeAria2(t)
	f.handle("aria2.tellStatus", func(params []json.RawMessage) (interface{}, *JsonRpcError) {
		gid := gidParam(params)
		st, ok := states[gid]
		if !ok {
			return nil, notFound(gid)
		}
		return st, nil
	})
	e := newTestEngine(t, f)
	ctx := context.Background()

	snap, err := e.QueryStatus(ctx, "seg1,seg2")
	require.NoError(t, err)
	assert.Equal(t, task.StatusDownloading, snap.State)

	// aria2 drops the finished result once max-download-result is reached
	f.with(func() { delete(states, "seg1") })
	snap, err = e.QueryStatus(ctx, "seg1,seg2")
	require.NoError(t, err)
	assert.Equal(t, task.StatusDownloading, snap.State)

	f.with(func() { states["seg2"]["status"] = "complete" })
	snap, err = e.QueryStatus(ctx, "seg1,seg2")
	require.NoError(t, err)
	assert.Equal(t, task.StatusDownloadComplete, snap.State)
}

func TestQueryStatusPurgedResultFoundOnDisk(t *testing.T) {
	f := newFakeAria2(t)
	e := newTestEngine(t, f)
	dir := filepath.Join(e.DownloadDir(), "task-1")
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "00001.ts"), []byte("x"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "00002.ts"), []byte("x"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "00002.ts.aria2"), []byte("x"), 0644))

	// a fresh engine never saw seg1 finish
	f.handle("aria2.tellStatus", func(params []json.RawMessage) (interface{}, *JsonRpcError) {
		if gidParam(params) == "seg2" {
			return map[string]interface{}{
				"gid": "seg2", "status": "active", "dir": dir,
				"totalLength": "10", "completedLength": "5",
			}, nil
		}
		return nil, notFound(gidParam(params))
	})

	snap, err := e.QueryStatus(context.Background(), "seg1,seg2")
	require.NoError(t, err)
	assert.Equal(t, task.StatusDownloading, snap.State)
}

func TestQueryStatusMissingWithoutFilesIsRemoved(t *testing.T) {
	f := newFakeAria2(t)
	e := newTestEngine(t, f)
	dir := filepath.Join(e.DownloadDir(), "task-1")
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "00002.ts"), []byte("x"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "00002.ts.aria2"), []byte("x"), 0644))

	f.handle("aria2.tellStatus", func(params []json.RawMessage) (interface{}, *JsonRpcError) {
		if gidParam(params) == "seg2" {
			return map[string]interface{}{
				"gid": "seg2", "status": "active", "dir": dir,
				"totalLength": "10", "completedLength": "5",
			}, nil
		}
		return nil, notFound(gidParam(params))
	})

	snap, err := e.QueryStatus(context.Background(), "seg1,seg2")
	require.NoError(t, err)
	assert.Equal(t, task.StatusCancelled, snap.State)
}

func TestStartDownloadLogsItemKinds(t *testing.T) {
	playlist := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "#EXTM3U\n#EXT-X-TARGETDURATION:10\n#EXT-X-KEY:METHOD=AES-128,URI=\"k.key\"\n"+
			"#EXTINF:10,\na.ts\n#EXTINF:10,\nb.ts\n#EXT-X-ENDLIST\n")
	}))
	defer playlist.Close()

	f := newFakeAria2(t)
	var n atomic.Int32
	f.handle("aria2.addUri", func(params []json.RawMessage) (interface{}, *JsonRpcError) {
		return fmt.Sprintf("gid%d", n.Add(1)), nil
	})
	core, logs := observer.New(zapcore.InfoLevel)
	cfg := config.EngineConfig{RPCURL: f.srv.URL, DownloadDir: t.TempDir()}
	e := NewEngine(NewClient(cfg), source.NewResolver(nil, 0), cfg, &logger.Logger{SugaredLogger: zap.New(core).Sugar()})

	_, err := e.StartDownload(context.Background(), "task-1", playlist.URL+"/index.m3u8")
	require.NoError(t, err)

	started := logs.FilterMessage("download started").AllUntimed()
	require.Len(t, started, 1)
	fields := started[0].ContextMap()
	assert.EqualValues(t, 2, fields["segments"])
	assert.EqualValues(t, 1, fields["keys"])
	assert.EqualValues(t, 3, fields["gids"])
}
