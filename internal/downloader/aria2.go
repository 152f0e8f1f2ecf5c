package downloader

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"mirrorbot/internal/config"
)

type Aria2Client struct {
	RPCUrl string
	Secret string
	Client *http.Client

	seq atomic.Uint64
}

func NewClient(cfg config.EngineConfig) *Aria2Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Aria2Client{
		RPCUrl: cfg.RPCURL,
		Secret: cfg.Secret,
		Client: &http.Client{Timeout: timeout},
	}
}

type JsonRpcRequest struct {
	JsonRPC string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	ID      string        `json:"id"`
	Params  []interface{} `json:"params"`
}

type JsonRpcResponse struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *JsonRpcError   `json:"error,omitempty"`
}

type JsonRpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Call issues one JSON-RPC request. Transport failures are wrapped in
// ErrEngineUnavailable; error replies from aria2 come back as *RPCError.
func (c *Aria2Client) Call(ctx context.Context, method string, params ...interface{}) (json.RawMessage, error) {
	// If secret is set, it must be the first parameter as "token:secret"
	finalParams := make([]interface{}, 0, len(params)+1)
	if c.Secret != "" {
		finalParams = append(finalParams, "token:"+c.Secret)
	}
	finalParams = append(finalParams, params...)

	reqBody := JsonRpcRequest{
		JsonRPC: "2.0",
		Method:  method,
		ID:      "mirrorbot-" + strconv.FormatUint(c.seq.Add(1), 10),
		Params:  finalParams,
	}

	data, err := json.Marshal(reqBody)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.RPCUrl, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrEngineUnavailable, method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("%w: %s: status %d", ErrEngineUnavailable, method, resp.StatusCode)
	}

	var rpcResp JsonRpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, fmt.Errorf("%w: %s: decode response: %v", ErrEngineUnavailable, method, err)
	}

	if rpcResp.Error != nil {
		return nil, &RPCError{Method: method, Code: rpcResp.Error.Code, Message: rpcResp.Error.Message}
	}

	return rpcResp.Result, nil
}

func (c *Aria2Client) call(ctx context.Context, out interface{}, method string, params ...interface{}) error {
	raw, err := c.Call(ctx, method, params...)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: %s: invalid response format: %v", ErrEngineUnavailable, method, err)
	}
	return nil
}

// AddUri queues uri into dir. extra carries further aria2 options such as
// seed-time and may be nil.
func (c *Aria2Client) AddUri(ctx context.Context, uri string, dir string, filename string, headers map[string]string, extra map[string]string) (string, error) {
	opts := map[string]interface{}{
		"dir":      dir,
		"continue": "true",
	}
	for k, v := range extra {
		opts[k] = v
	}
	if filename != "" {
		opts["out"] = filename
	}

	headerList := []string{}
	for k, v := range headers {
		headerList = append(headerList, fmt.Sprintf("%s: %s", k, v))
	}
	if len(headerList) > 0 {
		opts["header"] = headerList
	}

	// aria2.addUri expects [uris] as first arg (after secret)
	var gid string
	if err := c.call(ctx, &gid, "aria2.addUri", []string{uri}, opts); err != nil {
		return "", err
	}
	if gid == "" {
		return "", fmt.Errorf("%w: aria2.addUri: empty gid", ErrEngineUnavailable)
	}
	return gid, nil
}

// Aria2Status is the subset of aria2.tellStatus keys the engine reads.
// aria2 encodes every number as a string.
type Aria2Status struct {
	Gid             string      `json:"gid"`
	Status          string      `json:"status"`
	TotalLength     string      `json:"totalLength"`
	CompletedLength string      `json:"completedLength"`
	DownloadSpeed   string      `json:"downloadSpeed"`
	ErrorCode       string      `json:"errorCode"`
	ErrorMessage    string      `json:"errorMessage"`
	Seeder          string      `json:"seeder"`
	FollowedBy      []string    `json:"followedBy"`
	Dir             string      `json:"dir"`
	Files           []Aria2File `json:"files"`
	Bittorrent      *struct {
		Info struct {
			Name string `json:"name"`
		} `json:"info"`
	} `json:"bittorrent"`
}

type Aria2File struct {
	Index           string `json:"index"`
	Path            string `json:"path"`
	Length          string `json:"length"`
	CompletedLength string `json:"completedLength"`
	Selected        string `json:"selected"`
}

var statusKeys = []string{
	"gid", "status", "totalLength", "completedLength", "downloadSpeed",
	"errorCode", "errorMessage", "seeder", "followedBy", "dir", "files", "bittorrent",
}

func (c *Aria2Client) TellStatus(ctx context.Context, gid string) (*Aria2Status, error) {
	var st Aria2Status
	if err := c.call(ctx, &st, "aria2.tellStatus", gid, statusKeys); err != nil {
		return nil, err
	}
	return &st, nil
}

func (c *Aria2Client) TellActive(ctx context.Context) ([]Aria2Status, error) {
	// We ask for "gid" and "dir"
	var statuses []Aria2Status
	err := c.call(ctx, &statuses, "aria2.tellActive", []string{"gid", "dir"})
	return statuses, err
}

func (c *Aria2Client) TellWaiting(ctx context.Context, offset, num int) ([]Aria2Status, error) {
	var statuses []Aria2Status
	err := c.call(ctx, &statuses, "aria2.tellWaiting", offset, num, []string{"gid", "dir"})
	return statuses, err
}

func (c *Aria2Client) ForcePause(ctx context.Context, gid string) error {
	return c.call(ctx, nil, "aria2.forcePause", gid)
}

func (c *Aria2Client) ForceRemove(ctx context.Context, gid string) error {
	return c.call(ctx, nil, "aria2.forceRemove", gid)
}

// RemoveDownloadResult removes a completed/error/removed download from the memory
func (c *Aria2Client) RemoveDownloadResult(ctx context.Context, gid string) error {
	return c.call(ctx, nil, "aria2.removeDownloadResult", gid)
}

// GetVersion is used as a health probe.
func (c *Aria2Client) GetVersion(ctx context.Context) (string, error) {
	var v struct {
		Version string `json:"version"`
	}
	if err := c.call(ctx, &v, "aria2.getVersion"); err != nil {
		return "", err
	}
	return v.Version, nil
}
