// Package storage persists browser-automation screenshots out-of-row.
// Job rows carry only the artifact key; the bytes live in S3 (or on local
// disk in development).
package storage

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Screenshots stores screenshot artifacts in an S3 bucket.
type S3Screenshots struct {
	client *s3.Client
	bucket string
	prefix string
}

// S3Config configures the screenshot bucket.
type S3Config struct {
	Bucket string
	Prefix string // e.g. "unsubscribe/screenshots/"
	Region string
}

// NewS3Screenshots creates an S3-backed screenshot store using the default
// AWS credential chain.
func NewS3Screenshots(ctx context.Context, cfg S3Config) (*S3Screenshots, error) {
	region := cfg.Region
	if region == "" {
		region = os.Getenv("AWS_REGION")
		if region == "" {
			region = "us-east-1"
		}
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg)

	// Verify bucket access up front; a misconfigured bucket should surface
	// at startup, not on the first completed automation job.
	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(cfg.Bucket)}); err != nil {
		log.Printf("[Storage] Warning: bucket %s access check failed: %v", cfg.Bucket, err)
	}

	return &S3Screenshots{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

// SavePNG uploads a screenshot and returns its object key.
func (s *S3Screenshots) SavePNG(ctx context.Context, name string, data []byte) (string, error) {
	key := fmt.Sprintf("%s%s-%d.png", s.prefix, name, time.Now().UnixMilli())

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("image/png"),
	})
	if err != nil {
		return "", fmt.Errorf("upload screenshot %s: %w", key, err)
	}
	return key, nil
}

// LocalScreenshots stores screenshots on local disk. Development fallback
// when no bucket is configured.
type LocalScreenshots struct {
	dir string
}

// NewLocalScreenshots creates a disk-backed screenshot store.
func NewLocalScreenshots(dir string) (*LocalScreenshots, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create screenshot dir: %w", err)
	}
	return &LocalScreenshots{dir: dir}, nil
}

// SavePNG writes a screenshot file and returns its path.
func (l *LocalScreenshots) SavePNG(_ context.Context, name string, data []byte) (string, error) {
	path := filepath.Join(l.dir, fmt.Sprintf("%s-%d.png", name, time.Now().UnixMilli()))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write screenshot %s: %w", path, err)
	}
	return path, nil
}
