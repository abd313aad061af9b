package events

import (
	"bytes"
	"context"
	"fmt"

	"cloud.google.com/go/storage"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ObjectStore uploads exported evidence packs to long-term archive storage.
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte) error
}

// GCSArchive stores packs in a Google Cloud Storage bucket.
type GCSArchive struct {
	bucket *storage.BucketHandle
}

// NewGCSArchive wraps a bucket handle.
func NewGCSArchive(client *storage.Client, bucket string) *GCSArchive {
	return &GCSArchive{bucket: client.Bucket(bucket)}
}

// Put uploads one pack. The object is written whole; a failed upload leaves
// no partial object behind.
func (a *GCSArchive) Put(ctx context.Context, key string, data []byte) error {
	w := a.bucket.Object(key).NewWriter(ctx)
	w.ContentType = "application/zip"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("events: upload %s to gcs: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("events: finalize gcs upload %s: %w", key, err)
	}
	return nil
}

// S3Archive stores packs in an S3 bucket.
type S3Archive struct {
	client *s3.Client
	bucket string
}

// NewS3Archive wraps an S3 client and bucket name.
func NewS3Archive(client *s3.Client, bucket string) *S3Archive {
	return &S3Archive{client: client, bucket: bucket}
}

// Put uploads one pack.
func (a *S3Archive) Put(ctx context.Context, key string, data []byte) error {
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/zip"),
	})
	if err != nil {
		return fmt.Errorf("events: upload %s to s3: %w", key, err)
	}
	return nil
}
