// Package upload pushes finished downloads to the storage backend.
package upload

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"
	"time"

	"mirrorbot/internal/config"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/memblob"
	_ "gocloud.dev/blob/s3blob"
	"gocloud.dev/gcerrors"
)

var (
	// ErrTransient marks storage failures worth another attempt.
	ErrTransient = errors.New("upload: transient storage error")
	// ErrFatal marks quota, permission and other permanent storage failures.
	ErrFatal = errors.New("upload: fatal storage error")
)

// Storage is the resumable upload primitive of the backend.
type Storage interface {
	// Open starts or resumes the upload of size bytes to key.
	Open(ctx context.Context, key string, size int64) (Session, error)
	// Link returns the shareable reference for key. Keys ending in "/" are folders.
	Link(key string) string
}

// Session is one resumable upload. Offset is the number of bytes the backend
// has acknowledged; Append continues from there.
type Session interface {
	Offset() int64
	Append(ctx context.Context, p []byte) error
	Finalize(ctx context.Context) (string, error)
}

// IsTransient classifies storage errors for the retry controller.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrTransient) || errors.Is(err, context.DeadlineExceeded)
}

func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	switch gcerrors.Code(err) {
	case gcerrors.PermissionDenied, gcerrors.ResourceExhausted, gcerrors.InvalidArgument, gcerrors.Unimplemented:
		return fmt.Errorf("%w: %s: %v", ErrFatal, op, err)
	}
	return fmt.Errorf("%w: %s: %v", ErrTransient, op, err)
}

func isNotExist(err error) bool {
	return gcerrors.Code(err) == gcerrors.NotFound
}

// BlobStorage implements Storage on any gocloud.dev bucket. An upload in
// progress is a set of part objects plus a state object under
// "<key>.upload/"; Finalize concatenates the parts into key.
type BlobStorage struct {
	bucket *blob.Bucket
	prefix string
	base   string
}

// OpenBlobStorage opens the bucket named by cfg.BucketURL, e.g. file:///srv/mirror,
// s3://bucket?region=eu-west-1 or gs://bucket.
func OpenBlobStorage(ctx context.Context, cfg config.UploadConfig) (*BlobStorage, error) {
	bkt, err := blob.OpenBucket(ctx, cfg.BucketURL)
	if err != nil {
		return nil, fmt.Errorf("open bucket: %w", err)
	}
	return NewBlobStorage(bkt, cfg), nil
}

func NewBlobStorage(bucket *blob.Bucket, cfg config.UploadConfig) *BlobStorage {
	base := cfg.PublicURL
	if base == "" {
		base = cfg.BucketURL
		if i := strings.IndexByte(base, '?'); i >= 0 {
			base = base[:i]
		}
	}
	return &BlobStorage{
		bucket: bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
		base:   base,
	}
}

func (s *BlobStorage) Close() error {
	return s.bucket.Close()
}

func (s *BlobStorage) objectKey(key string) string {
	if s.prefix == "" {
		return key
	}
	return path.Join(s.prefix, key)
}

func (s *BlobStorage) Link(key string) string {
	full := s.objectKey(strings.TrimSuffix(key, "/"))
	escaped := (&url.URL{Path: full}).EscapedPath()
	if strings.HasSuffix(key, "/") {
		escaped += "/"
	}
	if strings.HasSuffix(s.base, "/") {
		return s.base + escaped
	}
	return s.base + "/" + escaped
}

type sessionState struct {
	Key       string      `json:"key"`
	Size      int64       `json:"size"`
	Parts     []partState `json:"parts"`
	StartedAt time.Time   `json:"started_at"`
}

type partState struct {
	Object string `json:"object"`
	Size   int64  `json:"size"`
}

type blobSession struct {
	storage     *BlobStorage
	key         string
	object      string
	partsPrefix string
	state       sessionState
	offset      int64
	finished    bool
}

func (s *BlobStorage) Open(ctx context.Context, key string, size int64) (Session, error) {
	object := s.objectKey(key)
	sess := &blobSession{
		storage:     s,
		key:         key,
		object:      object,
		partsPrefix: object + ".upload/",
	}

	data, err := s.bucket.ReadAll(ctx, sess.statePath())
	switch {
	case err == nil:
		var st sessionState
		if err := json.Unmarshal(data, &st); err != nil || st.Size != size {
			// stale session for a different file, start over
			if err := sess.discard(ctx); err != nil {
				return nil, err
			}
			break
		}
		sess.state = st
		for _, p := range st.Parts {
			sess.offset += p.Size
		}
		return sess, nil
	case !isNotExist(err):
		return nil, classify("read upload state", err)
	}

	// a finished upload leaves no state behind, only the object itself
	if attrs, err := s.bucket.Attributes(ctx, object); err == nil && attrs.Size == size {
		sess.offset = size
		sess.finished = true
		return sess, nil
	} else if err != nil && !isNotExist(err) {
		return nil, classify("stat object", err)
	}

	sess.state = sessionState{Key: object, Size: size, StartedAt: time.Now().UTC()}
	return sess, nil
}

func (b *blobSession) statePath() string {
	return b.partsPrefix + "state.json"
}

func (b *blobSession) Offset() int64 {
	return b.offset
}

func (b *blobSession) Append(ctx context.Context, p []byte) error {
	if b.finished {
		return fmt.Errorf("%w: append to finished upload %s", ErrFatal, b.key)
	}
	if b.offset+int64(len(p)) > b.state.Size {
		return fmt.Errorf("%w: append past declared size of %s", ErrFatal, b.key)
	}

	part := partState{Object: fmt.Sprintf("part-%05d", len(b.state.Parts)), Size: int64(len(p))}
	if err := b.storage.bucket.WriteAll(ctx, b.partsPrefix+part.Object, p, nil); err != nil {
		return classify("write part", err)
	}

	next := b.state
	next.Parts = append(append([]partState(nil), b.state.Parts...), part)
	data, err := json.Marshal(next)
	if err != nil {
		return err
	}
	if err := b.storage.bucket.WriteAll(ctx, b.statePath(), data, nil); err != nil {
		// the part is rewritten by the next attempt
		return classify("save upload state", err)
	}

	b.state = next
	b.offset += part.Size
	return nil
}

func (b *blobSession) Finalize(ctx context.Context) (string, error) {
	if b.finished {
		return b.storage.Link(b.key), nil
	}
	if b.offset != b.state.Size {
		return "", fmt.Errorf("%w: %s incomplete: %d of %d bytes", ErrFatal, b.key, b.offset, b.state.Size)
	}

	wctx, cancel := context.WithCancel(ctx)
	defer cancel()
	w, err := b.storage.bucket.NewWriter(wctx, b.object, nil)
	if err != nil {
		return "", classify("open object", err)
	}
	for _, p := range b.state.Parts {
		if err := b.copyPart(ctx, w, p); err != nil {
			// cancelling before Close aborts the write
			cancel()
			_ = w.Close()
			return "", err
		}
	}
	if err := w.Close(); err != nil {
		return "", classify("close object", err)
	}

	b.finished = true
	// leftovers only cost space; the object is complete
	_ = b.discard(ctx)
	return b.storage.Link(b.key), nil
}

func (b *blobSession) copyPart(ctx context.Context, w io.Writer, p partState) error {
	r, err := b.storage.bucket.NewReader(ctx, b.partsPrefix+p.Object, nil)
	if err != nil {
		return classify("read part", err)
	}
	defer r.Close()
	if _, err := io.Copy(w, r); err != nil {
		return classify("copy part", err)
	}
	return nil
}

// discard removes the parts and state of the session.
func (b *blobSession) discard(ctx context.Context) error {
	iter := b.storage.bucket.List(&blob.ListOptions{Prefix: b.partsPrefix})
	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return classify("list parts", err)
		}
		if err := b.storage.bucket.Delete(ctx, obj.Key); err != nil && !isNotExist(err) {
			return classify("delete part", err)
		}
	}
	return nil
}
