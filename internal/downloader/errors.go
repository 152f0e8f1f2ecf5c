package downloader

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"mirrorbot/internal/source"
)

var (
	// ErrEngineUnavailable marks connection loss, timeouts and garbled replies.
	// Always retryable.
	ErrEngineUnavailable = errors.New("engine: unavailable")
	// ErrUnsupportedSource marks a source the engine can never download.
	ErrUnsupportedSource = errors.New("engine: unsupported source")
)

// RPCError is an error reply from aria2. Never retryable.
type RPCError struct {
	Method  string
	Code    int
	Message string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("engine: %s: rpc error %d: %s", e.Method, e.Code, e.Message)
}

// IsTransient classifies engine call errors for the retry controller.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrEngineUnavailable) || errors.Is(err, source.ErrFetchFailed) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// IsNotFound reports whether aria2 rejected a call because the GID is unknown
// or no longer active.
func IsNotFound(err error) bool {
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		return false
	}
	return strings.Contains(strings.ToLower(rpcErr.Message), "not found")
}

// aria2 exit codes that describe a condition worth restarting the download for:
// timeout, too slow, network problem, name resolution failed, server busy.
var transientExitCodes = map[string]bool{
	"2":  true,
	"5":  true,
	"6":  true,
	"19": true,
	"29": true,
}
