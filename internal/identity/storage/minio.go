package storage

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
)

// MinioStore stores blobs in a MinIO (or any S3-compatible) bucket.
type MinioStore struct {
	client *minio.Client
	bucket string
	logger *zap.Logger
}

// NewMinioStore connects to the object store and ensures the bucket exists.
func NewMinioStore(logger *zap.Logger, endpoint, accessKey, secretKey, bucket string, useSSL bool) (*MinioStore, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create object store client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
	}

	return &MinioStore{client: client, bucket: bucket, logger: logger}, nil
}

// Upload streams a blob into the bucket under a generated object key.
func (s *MinioStore) Upload(ctx context.Context, r io.Reader, meta ObjectMetadata) (string, error) {
	key := fmt.Sprintf("%s/%s-%s", time.Now().UTC().Format("2006/01/02"), uuid.NewString(), meta.FileName)

	_, err := s.client.PutObject(ctx, s.bucket, key, r, meta.Size, minio.PutObjectOptions{
		ContentType: meta.ContentType,
	})
	if err != nil {
		s.logger.Error("blob upload failed", zap.Error(err), zap.String("key", key))
		return "", fmt.Errorf("failed to upload blob: %w", err)
	}

	return key, nil
}

// Fetch opens a stored blob for reading.
func (s *MinioStore) Fetch(ctx context.Context, path string) (io.ReadCloser, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, path, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch blob: %w", err)
	}
	return obj, nil
}

// Delete removes a stored blob; returns false when it did not exist.
func (s *MinioStore) Delete(ctx context.Context, path string) (bool, error) {
	_, err := s.client.StatObject(ctx, s.bucket, path, minio.StatObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat blob: %w", err)
	}

	if err := s.client.RemoveObject(ctx, s.bucket, path, minio.RemoveObjectOptions{}); err != nil {
		return false, fmt.Errorf("failed to delete blob: %w", err)
	}
	return true, nil
}
