// Copyright 2025 James Ross

// Package objectstore is the thin by-key read adapter over the entry-bytes
// bucket (C4). Reads are the hot path during extraction, so every read is
// wrapped in a short bounded retry against transient network failure.
package objectstore

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"

	"github.com/AutumnsGrove/YearlyReview/internal/config"
)

const (
	retryAttempts = 3
	retryDelay    = 200 * time.Millisecond
)

// Adapter reads journal entry bytes and the corpus manifest from an
// S3-compatible bucket.
type Adapter struct {
	cfg        config.ObjectStore
	s3Client   *s3.S3
	downloader *s3manager.Downloader
}

// New builds an Adapter from the objectstore config block.
func New(cfg config.ObjectStore) (*Adapter, error) {
	awsCfg := &aws.Config{Region: aws.String(cfg.Region)}
	if cfg.Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.Endpoint)
		awsCfg.S3ForcePathStyle = aws.Bool(cfg.ForcePathStyle)
	}
	if cfg.AccessKeyEnv != "" && cfg.SecretKeyEnv != "" {
		if ak, sk := os.Getenv(cfg.AccessKeyEnv), os.Getenv(cfg.SecretKeyEnv); ak != "" && sk != "" {
			awsCfg.Credentials = credentials.NewStaticCredentials(ak, sk, "")
		}
	}

	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("objectstore: create aws session: %w", err)
	}

	return &Adapter{
		cfg:        cfg,
		s3Client:   s3.New(sess),
		downloader: s3manager.NewDownloader(sess),
	}, nil
}

// GetEntry reads one journal entry's raw bytes by its object-store key,
// retrying a bounded number of times against transient network failure.
func (a *Adapter) GetEntry(ctx context.Context, key string) ([]byte, error) {
	return a.getWithRetry(ctx, key)
}

// GetManifest reads the corpus manifest bytes.
func (a *Adapter) GetManifest(ctx context.Context) ([]byte, error) {
	return a.getWithRetry(ctx, a.cfg.ManifestKey)
}

func (a *Adapter) getWithRetry(ctx context.Context, key string) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt < retryAttempts; attempt++ {
		if attempt > 0 {
			t := time.NewTimer(retryDelay)
			select {
			case <-ctx.Done():
				t.Stop()
				return nil, ctx.Err()
			case <-t.C:
			}
		}

		buf := aws.NewWriteAtBuffer(nil)
		_, err := a.downloader.DownloadWithContext(ctx, buf, &s3.GetObjectInput{
			Bucket: aws.String(a.cfg.Bucket),
			Key:    aws.String(key),
		})
		if err == nil {
			return buf.Bytes(), nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("objectstore: get %s after %d attempts: %w", key, retryAttempts, lastErr)
}
