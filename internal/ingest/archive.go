package ingest

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Archive keeps a copy of the raw bytes of every ingested Drive file.
type Archive interface {
	Put(ctx context.Context, owner, fileID, mimeType string, data []byte) error
	Remove(ctx context.Context, owner, fileID string) error
}

// BlobArchive stores raw files in an S3 compatible bucket.
type BlobArchive struct {
	client *minio.Client
	bucket string
}

func NewBlobArchive(ctx context.Context, endpoint, accessKey, secretKey, bucket string, useSSL bool) (*BlobArchive, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create archive client: %w", err)
	}

	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("check archive bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create archive bucket: %w", err)
		}
	}
	return &BlobArchive{client: client, bucket: bucket}, nil
}

// ObjectKey is owner/fileID with both parts path escaped.
func ObjectKey(owner, fileID string) string {
	return url.PathEscape(strings.ToLower(owner)) + "/" + url.PathEscape(fileID)
}

func (a *BlobArchive) Put(ctx context.Context, owner, fileID, mimeType string, data []byte) error {
	_, err := a.client.PutObject(ctx, a.bucket, ObjectKey(owner, fileID), bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType:  mimeType,
		UserMetadata: map[string]string{"drive-file-id": fileID},
	})
	if err != nil {
		return fmt.Errorf("archive %s: %w", fileID, err)
	}
	return nil
}

func (a *BlobArchive) Remove(ctx context.Context, owner, fileID string) error {
	if err := a.client.RemoveObject(ctx, a.bucket, ObjectKey(owner, fileID), minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove archived %s: %w", fileID, err)
	}
	return nil
}
