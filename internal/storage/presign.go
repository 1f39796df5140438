package storage

import (
	"context"
	"fmt"
	"time"

	"model-gateway/internal/config"
	"model-gateway/internal/shared"
)

// Runtime hands out the object keys and presigned urls of the per
// transaction runtime folder.
type Runtime struct {
	store   ObjectStore
	cfg     config.StorageConfig
	ttl     time.Duration
	maxPost int64
}

func NewRuntime(store ObjectStore, cfg config.StorageConfig) *Runtime {
	ttl := cfg.PresignTTL
	if ttl <= 0 {
		ttl = shared.DefaultPresignTTL
	}
	maxPost := cfg.MaxPostSize
	if maxPost <= 0 {
		maxPost = shared.DefaultMaxPostSize
	}
	return &Runtime{store: store, cfg: cfg, ttl: ttl, maxPost: maxPost}
}

func (r *Runtime) Bucket() string { return r.cfg.RuntimeBucket }

func (r *Runtime) PredictionKey(txID string) string {
	return r.cfg.RuntimeFolder(txID) + "/" + shared.PredictionObjectName
}

func (r *Runtime) PostProcessorKey(txID string) string {
	return r.cfg.RuntimeFolder(txID) + "/" + shared.PostProcessorObjectName
}

func (r *Runtime) DownloadURL(ctx context.Context, key string) (string, error) {
	u, err := r.store.PresignDownload(ctx, r.cfg.RuntimeBucket, key, r.ttl)
	if err != nil {
		return "", fmt.Errorf("presign download of %s: %w", key, err)
	}
	return u, nil
}

// UploadForm presigns a text/plain POST upload of key
func (r *Runtime) UploadForm(ctx context.Context, key string) (*PresignedPost, error) {
	post, err := r.store.PresignUpload(ctx, r.cfg.RuntimeBucket, key, r.maxPost, shared.PostProcessorFileType, r.ttl)
	if err != nil {
		return nil, fmt.Errorf("presign upload of %s: %w", key, err)
	}
	return post, nil
}
