// Package source classifies mirror requests and turns them into the list of
// downloads the engine has to run.
package source

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/grafov/m3u8"
)

var (
	ErrUnsupported = errors.New("source: unsupported source")
	ErrFetchFailed = errors.New("source: fetch failed")
)

type Kind string

const (
	KindMagnet   Kind = "magnet"
	KindHTTP     Kind = "http"
	KindFTP      Kind = "ftp"
	KindPlaylist Kind = "hls"
)

// Plan is what the engine should download for one task.
type Plan struct {
	Kind  Kind
	Items []DownloadItem
}

// Classify inspects a raw source string without any network access.
func Classify(raw string) (Kind, error) {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(strings.ToLower(raw), "magnet:?") {
		return KindMagnet, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnsupported, err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%w: %q has no host", ErrUnsupported, raw)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		if strings.EqualFold(path.Ext(u.Path), ".m3u8") {
			return KindPlaylist, nil
		}
		return KindHTTP, nil
	case "ftp", "sftp":
		return KindFTP, nil
	default:
		return "", fmt.Errorf("%w: scheme %q", ErrUnsupported, u.Scheme)
	}
}

// Resolver expands sources into download plans. Only HLS playlists need a
// network round trip.
type Resolver struct {
	client  *http.Client
	headers map[string]string
}

func NewResolver(headers map[string]string, timeout time.Duration) *Resolver {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Resolver{
		client:  &http.Client{Timeout: timeout},
		headers: headers,
	}
}

func (r *Resolver) Resolve(ctx context.Context, raw string) (Plan, error) {
	raw = strings.TrimSpace(raw)
	kind, err := Classify(raw)
	if err != nil {
		return Plan{}, err
	}
	if kind != KindPlaylist {
		return Plan{Kind: kind, Items: []DownloadItem{{URL: raw}}}, nil
	}
	items, err := r.resolvePlaylist(ctx, raw, 0)
	if err != nil {
		return Plan{}, err
	}
	return Plan{Kind: kind, Items: items}, nil
}

func (r *Resolver) resolvePlaylist(ctx context.Context, rawURL string, depth int) ([]DownloadItem, error) {
	if depth > 2 {
		return nil, fmt.Errorf("%w: playlist nesting too deep", ErrUnsupported)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupported, err)
	}
	for k, v := range r.headers {
		req.Header.Set(k, v)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("%w: bad status code: %d", ErrFetchFailed, resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: bad status code: %d", ErrUnsupported, resp.StatusCode)
	}

	base, _ := url.Parse(rawURL)
	pl, listType, err := Parse(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: parse playlist: %v", ErrUnsupported, err)
	}

	switch listType {
	case Master:
		variant, err := BestVariant(pl.(*m3u8.MasterPlaylist), base)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnsupported, err)
		}
		return r.resolvePlaylist(ctx, variant, depth+1)
	case Variant:
		items := PlanVariant(pl.(*m3u8.MediaPlaylist), base)
		if len(items) == 0 {
			return nil, fmt.Errorf("%w: playlist has no segments", ErrUnsupported)
		}
		return items, nil
	}
	return nil, fmt.Errorf("%w: unknown playlist type", ErrUnsupported)
}
