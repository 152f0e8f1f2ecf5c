package downloader

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"mirrorbot/internal/config"
	"mirrorbot/internal/logger"
	"mirrorbot/internal/source"
)

type rpcHandler func(params []json.RawMessage) (interface{}, *JsonRpcError)

// fakeAria2 answers JSON-RPC calls from per-method handlers and records them.
type fakeAria2 struct {
	t      *testing.T
	srv    *httptest.Server
	secret string

	mu       sync.Mutex
	handlers map[string]rpcHandler
	calls    []rpcCall
	status   int
}

type rpcCall struct {
	Method string
	Params []json.RawMessage
}

func newFakeAria2(t *testing.T) *fakeAria2 {
	return newSecretFakeAria2(t, "")
}

func newSecretFakeAria2(t *testing.T, secret string) *fakeAria2 {
	f := &fakeAria2{t: t, secret: secret, handlers: make(map[string]rpcHandler)}
	f.srv = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeAria2) handle(method string, h rpcHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[method] = h
}

func (f *fakeAria2) failWith(status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = status
}

// with runs fn under the fake's lock so tests can share state with handlers.
func (f *fakeAria2) with(fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn()
}

// firstParams returns the first non-secret param of every call to method,
// decoded as a string.
func (f *fakeAria2) firstParams(method string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.calls {
		if c.Method != method || len(c.Params) == 0 {
			continue
		}
		var s string
		_ = json.Unmarshal(c.Params[0], &s)
		out = append(out, s)
	}
	return out
}

func (f *fakeAria2) lastParams(method string) []json.RawMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.calls) - 1; i >= 0; i-- {
		if f.calls[i].Method == method {
			return f.calls[i].Params
		}
	}
	return nil
}

func (f *fakeAria2) methods() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.calls))
	for _, c := range f.calls {
		out = append(out, c.Method)
	}
	return out
}

func (f *fakeAria2) serve(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID     string            `json:"id"`
		Method string            `json:"method"`
		Params []json.RawMessage `json:"params"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.status != 0 {
		w.WriteHeader(f.status)
		return
	}

	params := req.Params
	if f.secret != "" {
		var token string
		if len(params) == 0 || json.Unmarshal(params[0], &token) != nil || token != "token:"+f.secret {
			writeRPC(w, req.ID, nil, &JsonRpcError{Code: 1, Message: "Unauthorized"})
			return
		}
		params = params[1:]
	}
	f.calls = append(f.calls, rpcCall{Method: req.Method, Params: params})

	h := f.handlers[req.Method]
	if h == nil {
		writeRPC(w, req.ID, "OK", nil)
		return
	}
	result, rpcErr := h(params)
	writeRPC(w, req.ID, result, rpcErr)
}

func writeRPC(w http.ResponseWriter, id string, result interface{}, rpcErr *JsonRpcError) {
	resp := map[string]interface{}{"jsonrpc": "2.0", "id": id}
	if rpcErr != nil {
		resp["error"] = rpcErr
	} else {
		resp["result"] = result
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func newTestEngine(t *testing.T, f *fakeAria2) *Engine {
	cfg := config.EngineConfig{
		RPCURL:      f.srv.URL,
		Secret:      f.secret,
		DownloadDir: t.TempDir(),
	}
	return NewEngine(NewClient(cfg), source.NewResolver(nil, 0), cfg, logger.NewNop())
}

func notFound(gid string) *JsonRpcError {
	return &JsonRpcError{Code: 1, Message: "GID " + gid + " is not found"}
}
