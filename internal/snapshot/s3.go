package snapshot

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Config holds the configuration for the S3 backup backend.
type S3Config struct {
	Endpoint        string
	Bucket          string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	ForcePathStyle  bool
}

// BackupStore manages snapshot archives in S3-compatible object storage.
type BackupStore struct {
	client *s3.Client
	bucket string
}

// NewBackupStore creates a new S3 backup store.
func NewBackupStore(cfg S3Config) (*BackupStore, error) {
	opts := []func(*s3.Options){
		func(o *s3.Options) {
			o.Region = cfg.Region
			o.Credentials = credentials.NewStaticCredentialsProvider(
				cfg.AccessKeyID, cfg.SecretAccessKey, "",
			)
			if cfg.ForcePathStyle {
				o.UsePathStyle = true
			}
			if cfg.Endpoint != "" {
				o.BaseEndpoint = aws.String(cfg.Endpoint)
			}
		},
	}

	client := s3.New(s3.Options{}, opts...)

	return &BackupStore{client: client, bucket: cfg.Bucket}, nil
}

// SnapshotKey returns the S3 key for a session snapshot archive.
func SnapshotKey(sessionID string) string {
	return fmt.Sprintf("snapshots/%s/%d.tar.zst", sessionID, time.Now().UnixNano())
}

// Upload uploads a snapshot archive from a local file to S3.
// Returns the size in bytes.
func (s *BackupStore) Upload(ctx context.Context, key, localPath string) (int64, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return 0, fmt.Errorf("failed to open snapshot archive: %w", err)
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("failed to stat snapshot archive: %w", err)
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(stat.Size()),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to upload snapshot to S3: %w", err)
	}

	return stat.Size(), nil
}

// Download returns an io.ReadCloser streaming the snapshot from S3.
// The caller must close the reader when done.
func (s *BackupStore) Download(ctx context.Context, key string) (io.ReadCloser, error) {
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to download snapshot from S3: %w", err)
	}
	return resp.Body, nil
}

// Delete removes a snapshot archive from S3.
func (s *BackupStore) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete snapshot from S3: %w", err)
	}
	return nil
}
