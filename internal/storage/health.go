package storage

import (
	"context"
	"fmt"
)

// HealthChecker implements api.HealthChecker for the archive bucket.
// It checks whether the configured bucket exists and is reachable.
type HealthChecker struct {
	archive *Archive
}

// NewHealthChecker creates an S3 health checker for the given archive.
func NewHealthChecker(archive *Archive) *HealthChecker {
	return &HealthChecker{archive: archive}
}

// HealthCheck verifies S3 connectivity by checking if the bucket exists.
func (h *HealthChecker) HealthCheck(ctx context.Context) error {
	exists, err := h.archive.client.BucketExists(ctx, h.archive.bucket)
	if err != nil {
		return fmt.Errorf("s3 bucket check: %w", err)
	}
	if !exists {
		return fmt.Errorf("s3 bucket %q does not exist", h.archive.bucket)
	}
	return nil
}
