// Package storage archives failed-check logs in S3-compatible object
// storage so analyses stay reproducible after the hosting platform expires
// its log retention.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Default timeouts for S3 operations.
const (
	DefaultMetadataTimeout = 10 * time.Second // List, Head, Stat, Delete operations
	DefaultDataTimeout     = 60 * time.Second // Get, Put operations (data transfer)
)

const logPrefix = "check-logs/"

// S3Config holds connection and timeout settings for the archive bucket.
type S3Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool

	// MetadataTimeout is the context timeout for metadata operations
	// (list, stat, delete). Defaults to 10s if zero.
	MetadataTimeout time.Duration

	// DataTimeout is the context timeout for data-transfer operations
	// (get, put). Defaults to 60s if zero.
	DataTimeout time.Duration
}

// Archive stores raw check logs in MinIO / S3-compatible storage.
type Archive struct {
	client          *minio.Client
	bucket          string
	metadataTimeout time.Duration
	dataTimeout     time.Duration
	now             func() time.Time
}

// NewArchive creates an Archive connected to the given endpoint.
// It auto-creates the bucket if it doesn't exist.
func NewArchive(ctx context.Context, endpoint, accessKey, secretKey, bucket string, useSSL bool) (*Archive, error) {
	return NewArchiveFromConfig(ctx, S3Config{
		Endpoint:  endpoint,
		AccessKey: accessKey,
		SecretKey: secretKey,
		Bucket:    bucket,
		UseSSL:    useSSL,
	})
}

// NewArchiveFromConfig creates an Archive with explicit timeout configuration.
// It configures the underlying HTTP transport with connection and TLS timeouts,
// and applies per-operation context timeouts to all S3 calls.
func NewArchiveFromConfig(ctx context.Context, cfg S3Config) (*Archive, error) {
	metadataTimeout := cfg.MetadataTimeout
	if metadataTimeout == 0 {
		metadataTimeout = DefaultMetadataTimeout
	}
	dataTimeout := cfg.DataTimeout
	if dataTimeout == 0 {
		dataTimeout = DefaultDataTimeout
	}

	// Custom transport with explicit dial and TLS timeouts.
	// ResponseHeaderTimeout is set to the metadata timeout — it bounds the
	// time waiting for the server to start replying, not the full download.
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   5 * time.Second,
		ResponseHeaderTimeout: metadataTimeout,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   100,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Transport: transport,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	a := &Archive{
		client:          client,
		bucket:          cfg.Bucket,
		metadataTimeout: metadataTimeout,
		dataTimeout:     dataTimeout,
		now:             time.Now,
	}

	if err := a.ensureBucket(ctx); err != nil {
		return nil, err
	}

	return a, nil
}

func (a *Archive) withMetadataTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, a.metadataTimeout)
}

func (a *Archive) withDataTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, a.dataTimeout)
}

// ensureBucket creates the bucket if it doesn't already exist.
func (a *Archive) ensureBucket(ctx context.Context) error {
	ctx, cancel := a.withMetadataTimeout(ctx)
	defer cancel()

	exists, err := a.client.BucketExists(ctx, a.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", a.bucket, err)
	}
	if !exists {
		if err := a.client.MakeBucket(ctx, a.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("create bucket %s: %w", a.bucket, err)
		}
	}
	return nil
}

// ArchiveLogs stores a check run's raw logs and returns the object key.
// Keys are date-partitioned so retention sweeps stay cheap.
func (a *Archive) ArchiveLogs(ctx context.Context, checkID uuid.UUID, logs []byte) (string, error) {
	ctx, cancel := a.withDataTimeout(ctx)
	defer cancel()

	key := fmt.Sprintf("%s%s/%s.log", logPrefix, a.now().UTC().Format("2006/01/02"), checkID)
	_, err := a.client.PutObject(ctx, a.bucket, key,
		bytes.NewReader(logs), int64(len(logs)),
		minio.PutObjectOptions{ContentType: "text/plain; charset=utf-8"})
	if err != nil {
		return "", fmt.Errorf("put object %s: %w", key, err)
	}
	return key, nil
}

// ReadLogs retrieves archived logs by object key.
// Returns nil, nil if the object does not exist (not an error).
func (a *Archive) ReadLogs(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := a.withDataTimeout(ctx)
	defer cancel()

	obj, err := a.client.GetObject(ctx, a.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get object %s: %w", key, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		resp := minio.ToErrorResponse(err)
		if resp.Code == "NoSuchKey" {
			return nil, nil
		}
		return nil, fmt.Errorf("read object %s: %w", key, err)
	}
	return data, nil
}

// RemoveOlderThan deletes archived logs last modified before cutoff and
// returns how many objects were removed.
func (a *Archive) RemoveOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	listCtx, cancel := context.WithTimeout(ctx, a.dataTimeout)
	defer cancel()

	removed := 0
	for obj := range a.client.ListObjects(listCtx, a.bucket, minio.ListObjectsOptions{
		Prefix:    logPrefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return removed, fmt.Errorf("list objects: %w", obj.Err)
		}
		if !obj.LastModified.Before(cutoff) {
			continue
		}
		if err := a.client.RemoveObject(listCtx, a.bucket, obj.Key, minio.RemoveObjectOptions{}); err != nil {
			return removed, fmt.Errorf("remove object %s: %w", obj.Key, err)
		}
		removed++
	}
	return removed, nil
}
