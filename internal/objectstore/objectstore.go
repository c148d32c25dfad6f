// Package objectstore wraps the durable blob store behind a narrow
// byte-oriented contract: get, put, list and delete by key. The object
// store is the shared source of truth for cached datasets, the user table
// and session records across instances.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/variantgroup/variant-analytics/internal/config"
)

// ErrNotFound is returned when the requested key does not exist.
var ErrNotFound = errors.New("object not found")

// Gateway is the narrow contract every backend implements. Delete is
// idempotent: deleting a missing key succeeds.
type Gateway interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte) error
	List(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, key string) error
}

// New creates the object store backend selected by the configuration.
// Constructors fail fast on missing settings or credentials.
func New(cfg config.StorageConfig) (Gateway, error) {
	switch cfg.Provider {
	case "s3":
		if cfg.S3 == nil {
			return nil, fmt.Errorf("s3 storage config is required")
		}
		return NewS3Store(cfg.S3)
	case "azure":
		if cfg.Azure == nil {
			return nil, fmt.Errorf("azure storage config is required")
		}
		return NewAzureStore(cfg.Azure)
	case "filesystem":
		if cfg.FileSystem == nil {
			return nil, fmt.Errorf("filesystem storage config is required")
		}
		return NewFileSystemStore(cfg.FileSystem)
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unsupported storage provider: %s", cfg.Provider)
	}
}

// validateKey rejects keys that could escape the store's namespace.
func validateKey(key string) error {
	if key == "" {
		return fmt.Errorf("object key is empty")
	}
	if strings.HasPrefix(key, "/") {
		return fmt.Errorf("object key must be relative: %q", key)
	}
	for _, part := range strings.Split(key, "/") {
		if part == ".." {
			return fmt.Errorf("object key contains traversal: %q", key)
		}
	}
	return nil
}

const (
	retryAttempts = 3
	retryBaseWait = 200 * time.Millisecond
)

// withRetry runs op with bounded retries for transient failures. NotFound
// and context errors are returned immediately.
func withRetry(ctx context.Context, logger *logrus.Entry, op func() error) error {
	var err error
	for attempt := 1; attempt <= retryAttempts; attempt++ {
		err = op()
		if err == nil || errors.Is(err, ErrNotFound) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt < retryAttempts {
			wait := retryBaseWait * time.Duration(attempt)
			logger.WithError(err).WithFields(logrus.Fields{
				"attempt": attempt,
				"wait":    wait,
			}).Warn("object store operation failed, retrying")
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return err
}
