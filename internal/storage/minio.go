package storage

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"model-gateway/internal/config"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
)

// MinioStore implements ObjectStore against any S3 compatible endpoint
type MinioStore struct {
	core *minio.Core
	log  *zap.SugaredLogger
}

func NewMinioStore(cfg config.StorageConfig, log *zap.SugaredLogger) (*MinioStore, error) {
	var creds *credentials.Credentials
	if cfg.AccessKey != "" {
		creds = credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, "")
	} else {
		creds = credentials.NewIAM("")
	}
	core, err := minio.NewCore(cfg.Endpoint, &minio.Options{
		Creds:  creds,
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}
	log.Infow("Storage client initialized", "endpoint", cfg.Endpoint, "bucket", cfg.RuntimeBucket)
	return &MinioStore{core: core, log: log}, nil
}

func (s *MinioStore) PresignDownload(ctx context.Context, bucket, key string, ttl time.Duration) (string, error) {
	u, err := s.core.PresignedGetObject(ctx, bucket, key, ttl, nil)
	if err != nil {
		return "", err
	}
	return u.String(), nil
}

func (s *MinioStore) PresignUpload(ctx context.Context, bucket, key string, maxSize int64, contentType string, ttl time.Duration) (*PresignedPost, error) {
	policy := minio.NewPostPolicy()
	if err := policy.SetBucket(bucket); err != nil {
		return nil, err
	}
	if err := policy.SetKey(key); err != nil {
		return nil, err
	}
	if err := policy.SetExpires(time.Now().UTC().Add(ttl)); err != nil {
		return nil, err
	}
	if err := policy.SetContentType(contentType); err != nil {
		return nil, err
	}
	if err := policy.SetContentLengthRange(0, maxSize); err != nil {
		return nil, err
	}
	u, fields, err := s.core.PresignedPostPolicy(ctx, policy)
	if err != nil {
		return nil, err
	}
	return &PresignedPost{URL: u.String(), Fields: fields}, nil
}

func (s *MinioStore) CreateMultipart(ctx context.Context, bucket, key string) (string, error) {
	return s.core.NewMultipartUpload(ctx, bucket, key, minio.PutObjectOptions{})
}

func (s *MinioStore) UploadPart(ctx context.Context, bucket, key, uploadID string, partNumber int, data []byte) (string, error) {
	part, err := s.core.PutObjectPart(ctx, bucket, key, uploadID, partNumber, bytes.NewReader(data), int64(len(data)), minio.PutObjectPartOptions{})
	if err != nil {
		return "", err
	}
	return part.ETag, nil
}

func (s *MinioStore) CompleteMultipart(ctx context.Context, bucket, key, uploadID string, parts []Part) error {
	complete := make([]minio.CompletePart, 0, len(parts))
	for _, p := range parts {
		complete = append(complete, minio.CompletePart{PartNumber: p.PartNumber, ETag: p.ETag})
	}
	_, err := s.core.CompleteMultipartUpload(ctx, bucket, key, uploadID, complete, minio.PutObjectOptions{})
	return err
}

func (s *MinioStore) AbortMultipart(ctx context.Context, bucket, key, uploadID string) error {
	return s.core.AbortMultipartUpload(ctx, bucket, key, uploadID)
}
