package downloader

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"
	"time"

	"mirrorbot/internal/config"
	"mirrorbot/internal/logger"

	"github.com/fasthttp/websocket"
)

// Notification is one aria2 event, e.g. aria2.onDownloadComplete.
type Notification struct {
	Method string
	GID    string
}

type notificationFrame struct {
	Method string `json:"method"`
	Params []struct {
		Gid string `json:"gid"`
	} `json:"params"`
}

// Listener follows aria2's websocket notifications. They only speed up
// polling, so a lost connection is retried quietly.
type Listener struct {
	url     string
	dialer  *websocket.Dialer
	backoff time.Duration
	log     *logger.Logger
}

func NewListener(cfg config.EngineConfig, log *logger.Logger) *Listener {
	if log == nil {
		log = logger.NewNop()
	}
	wsURL := cfg.WebsocketURL
	if wsURL == "" {
		wsURL = WebsocketURL(cfg.RPCURL)
	}
	return &Listener{
		url: wsURL,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
		backoff: 5 * time.Second,
		log:     log.Named("aria2-ws"),
	}
}

// WebsocketURL derives the notification endpoint from the RPC endpoint.
func WebsocketURL(rpcURL string) string {
	u, err := url.Parse(rpcURL)
	if err != nil {
		return ""
	}
	switch strings.ToLower(u.Scheme) {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	return u.String()
}

// Run delivers notifications to fn until ctx is done.
func (l *Listener) Run(ctx context.Context, fn func(Notification)) {
	if l.url == "" {
		return
	}
	for {
		err := l.listen(ctx, fn)
		if ctx.Err() != nil {
			return
		}
		l.log.Debugw("notification stream lost", "url", l.url, "error", err)

		select {
		case <-ctx.Done():
			return
		case <-time.After(l.backoff):
		}
	}
}

func (l *Listener) listen(ctx context.Context, fn func(Notification)) error {
	conn, _, err := l.dialer.DialContext(ctx, l.url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	l.log.Infow("listening for aria2 notifications", "url", l.url)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var frame notificationFrame
		if err := json.Unmarshal(data, &frame); err != nil || !strings.HasPrefix(frame.Method, "aria2.on") {
			// responses to calls we never make over this socket
			continue
		}
		for _, p := range frame.Params {
			fn(Notification{Method: frame.Method, GID: p.Gid})
		}
	}
}
