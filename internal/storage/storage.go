// Package storage is the object storage port used to offload large
// responses and hand out presigned urls.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var ErrSessionClosed = errors.New("multipart session already completed or aborted")

type Part struct {
	PartNumber int
	ETag       string
}

// PresignedPost is a browser style upload form, post the fields along with
// the file to URL.
type PresignedPost struct {
	URL    string            `json:"url"`
	Fields map[string]string `json:"fields"`
}

type ObjectStore interface {
	PresignDownload(ctx context.Context, bucket, key string, ttl time.Duration) (string, error)
	PresignUpload(ctx context.Context, bucket, key string, maxSize int64, contentType string, ttl time.Duration) (*PresignedPost, error)

	CreateMultipart(ctx context.Context, bucket, key string) (string, error)
	UploadPart(ctx context.Context, bucket, key, uploadID string, partNumber int, data []byte) (string, error)
	CompleteMultipart(ctx context.Context, bucket, key, uploadID string, parts []Part) error
	AbortMultipart(ctx context.Context, bucket, key, uploadID string) error
}

// Multipart is one in progress multipart upload. Parts are numbered in the
// order they are uploaded, starting at 1.
type Multipart struct {
	store    ObjectStore
	bucket   string
	key      string
	uploadID string
	parts    []Part
	size     int64
	done     bool
}

// BeginMultipart opens a multipart upload for bucket/key
func BeginMultipart(ctx context.Context, store ObjectStore, bucket, key string) (*Multipart, error) {
	id, err := store.CreateMultipart(ctx, bucket, key)
	if err != nil {
		return nil, fmt.Errorf("create multipart upload %s/%s: %w", bucket, key, err)
	}
	return &Multipart{store: store, bucket: bucket, key: key, uploadID: id}, nil
}

func (m *Multipart) UploadID() string { return m.uploadID }
func (m *Multipart) Key() string      { return m.key }
func (m *Multipart) Size() int64      { return m.size }

// Parts returns a copy of the parts uploaded so far
func (m *Multipart) Parts() []Part {
	return append([]Part(nil), m.parts...)
}

func (m *Multipart) UploadPart(ctx context.Context, data []byte) error {
	if m.done {
		return ErrSessionClosed
	}
	n := len(m.parts) + 1
	etag, err := m.store.UploadPart(ctx, m.bucket, m.key, m.uploadID, n, data)
	if err != nil {
		return fmt.Errorf("upload part %d of %s: %w", n, m.key, err)
	}
	m.parts = append(m.parts, Part{PartNumber: n, ETag: etag})
	m.size += int64(len(data))
	return nil
}

func (m *Multipart) Complete(ctx context.Context) error {
	if m.done {
		return ErrSessionClosed
	}
	if err := m.store.CompleteMultipart(ctx, m.bucket, m.key, m.uploadID, m.Parts()); err != nil {
		return fmt.Errorf("complete multipart upload of %s: %w", m.key, err)
	}
	m.done = true
	return nil
}

// Abort abandons the upload. Aborting a finished session is a no-op.
func (m *Multipart) Abort(ctx context.Context) error {
	if m.done {
		return nil
	}
	m.done = true
	if err := m.store.AbortMultipart(ctx, m.bucket, m.key, m.uploadID); err != nil {
		return fmt.Errorf("abort multipart upload of %s: %w", m.key, err)
	}
	return nil
}
