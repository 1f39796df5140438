// Package memstore is an in-process storage.ObjectStore used by tests and
// the memory storage backend.
package memstore

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"model-gateway/internal/storage"

	"github.com/google/uuid"
)

var (
	ErrNoSuchUpload = errors.New("no such upload")
	ErrPartOrder    = errors.New("parts out of order")
	ErrBadETag      = errors.New("etag mismatch")
	ErrIncomplete   = errors.New("uploaded parts missing from completion")
)

type upload struct {
	bucket string
	key    string
	parts  map[int][]byte
	etags  map[int]string
}

type Store struct {
	mu       sync.Mutex
	baseURL  string
	objects  map[string][]byte
	uploads  map[string]*upload
	aborted  int
	complete int

	// Fail, when set, is returned by the named operation
	Fail map[string]error
}

func New(baseURL string) *Store {
	return &Store{
		baseURL: baseURL,
		objects: make(map[string][]byte),
		uploads: make(map[string]*upload),
		Fail:    make(map[string]error),
	}
}

func objectKey(bucket, key string) string { return bucket + "/" + key }

func (s *Store) fail(op string) error {
	return s.Fail[op]
}

func (s *Store) PresignDownload(ctx context.Context, bucket, key string, ttl time.Duration) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("PresignDownload"); err != nil {
		return "", err
	}
	q := url.Values{}
	q.Set("expires", fmt.Sprintf("%d", int(ttl.Seconds())))
	return fmt.Sprintf("%s/%s/%s?%s", s.baseURL, bucket, key, q.Encode()), nil
}

func (s *Store) PresignUpload(ctx context.Context, bucket, key string, maxSize int64, contentType string, ttl time.Duration) (*storage.PresignedPost, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("PresignUpload"); err != nil {
		return nil, err
	}
	return &storage.PresignedPost{
		URL: fmt.Sprintf("%s/%s", s.baseURL, bucket),
		Fields: map[string]string{
			"key":                  key,
			"Content-Type":         contentType,
			"content-length-range": fmt.Sprintf("0,%d", maxSize),
			"expires":              fmt.Sprintf("%d", int(ttl.Seconds())),
		},
	}, nil
}

func (s *Store) CreateMultipart(ctx context.Context, bucket, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("CreateMultipart"); err != nil {
		return "", err
	}
	id := uuid.NewString()
	s.uploads[id] = &upload{bucket: bucket, key: key, parts: map[int][]byte{}, etags: map[int]string{}}
	return id, nil
}

func (s *Store) UploadPart(ctx context.Context, bucket, key, uploadID string, partNumber int, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("UploadPart"); err != nil {
		return "", err
	}
	u, ok := s.uploads[uploadID]
	if !ok {
		return "", ErrNoSuchUpload
	}
	sum := md5.Sum(data)
	etag := hex.EncodeToString(sum[:])
	u.parts[partNumber] = append([]byte(nil), data...)
	u.etags[partNumber] = etag
	return etag, nil
}

func (s *Store) CompleteMultipart(ctx context.Context, bucket, key, uploadID string, parts []storage.Part) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("CompleteMultipart"); err != nil {
		return err
	}
	u, ok := s.uploads[uploadID]
	if !ok {
		return ErrNoSuchUpload
	}
	if len(parts) != len(u.parts) {
		return fmt.Errorf("%w: %d of %d parts submitted", ErrIncomplete, len(parts), len(u.parts))
	}
	var buf bytes.Buffer
	for i, p := range parts {
		if p.PartNumber != i+1 {
			return ErrPartOrder
		}
		if u.etags[p.PartNumber] != p.ETag {
			return ErrBadETag
		}
		buf.Write(u.parts[p.PartNumber])
	}
	s.objects[objectKey(u.bucket, u.key)] = buf.Bytes()
	delete(s.uploads, uploadID)
	s.complete++
	return nil
}

func (s *Store) AbortMultipart(ctx context.Context, bucket, key, uploadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("AbortMultipart"); err != nil {
		return err
	}
	if _, ok := s.uploads[uploadID]; !ok {
		return ErrNoSuchUpload
	}
	delete(s.uploads, uploadID)
	s.aborted++
	return nil
}

// Object returns the stored bytes for a completed upload
func (s *Store) Object(bucket, key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.objects[objectKey(bucket, key)]
	return b, ok
}

func (s *Store) Completed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.complete
}

func (s *Store) Aborted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aborted
}

// Pending is the number of uploads neither completed nor aborted
func (s *Store) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.uploads)
}
