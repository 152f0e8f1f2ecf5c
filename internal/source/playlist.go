package source

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"net/url"
	"path/filepath"

	"github.com/grafov/m3u8"
)

type PlaylistType int

const (
	Master PlaylistType = iota
	Variant
	Unknown
)

// Item types carried by DownloadItem.Type.
const (
	ItemSegment = "ts"
	ItemKey     = "key"
)

type DownloadItem struct {
	URL      string
	Filename string
	Type     string // ItemSegment, ItemKey or "" for a plain download
}

// Parse checks the content and returns the type and parsed object
func Parse(content io.Reader) (m3u8.Playlist, PlaylistType, error) {
	p, listType, err := m3u8.DecodeFrom(content, true)
	if err != nil {
		return nil, Unknown, err
	}

	switch listType {
	case m3u8.MASTER:
		return p, Master, nil
	case m3u8.MEDIA:
		return p, Variant, nil
	default:
		return nil, Unknown, fmt.Errorf("unknown playlist type")
	}
}

// ResolveURL resolves a relative reference against a base URL
func ResolveURL(base *url.URL, ref string) string {
	refURL, err := url.Parse(ref)
	if err != nil {
		return ref // fallback
	}
	return base.ResolveReference(refURL).String()
}

// BestVariant returns the absolute URI of the highest-bandwidth variant.
func BestVariant(p *m3u8.MasterPlaylist, base *url.URL) (string, error) {
	var best *m3u8.Variant
	for _, v := range p.Variants {
		if v == nil || v.URI == "" {
			continue
		}
		if best == nil || v.Bandwidth > best.Bandwidth {
			best = v
		}
	}
	if best == nil {
		return "", fmt.Errorf("master playlist has no variants")
	}
	return ResolveURL(base, best.URI), nil
}

// PlanVariant lists the segment and key downloads of a media playlist.
// Segments are numbered in playlist order so the files sort correctly.
func PlanVariant(p *m3u8.MediaPlaylist, base *url.URL) []DownloadItem {
	items := []DownloadItem{}
	seenKeys := make(map[string]bool)

	for i, seg := range p.Segments {
		if seg == nil {
			continue
		}

		if seg.URI != "" {
			fullSegURL := ResolveURL(base, seg.URI)

			ext := ".ts"
			if u, err := url.Parse(fullSegURL); err == nil {
				if e := filepath.Ext(u.Path); e != "" {
					ext = e
				}
			}

			items = append(items, DownloadItem{
				URL:      fullSegURL,
				Filename: fmt.Sprintf("%05d%s", i+1, ext),
				Type:     ItemSegment,
			})
		}

		if seg.Key != nil && seg.Key.URI != "" {
			fullKeyURL := ResolveURL(base, seg.Key.URI)

			// Filename: md5(url).key
			hash := md5.Sum([]byte(fullKeyURL))
			filename := hex.EncodeToString(hash[:]) + ".key"

			if !seenKeys[filename] {
				items = append(items, DownloadItem{
					URL:      fullKeyURL,
					Filename: filename,
					Type:     ItemKey,
				})
				seenKeys[filename] = true
			}
		}
	}
	return items
}
