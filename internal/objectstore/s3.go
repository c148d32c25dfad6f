package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/sirupsen/logrus"

	"github.com/variantgroup/variant-analytics/internal/config"
)

// S3Store talks to an S3-compatible bucket. All keys are stored under an
// optional configured prefix so several deployments can share a bucket.
type S3Store struct {
	client *s3.S3
	bucket string
	prefix string
	logger *logrus.Entry
}

// NewS3Store creates an S3-backed store. It verifies credentials can be
// resolved and the bucket is reachable before returning.
func NewS3Store(cfg *config.S3StorageConfig) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}

	awsCfg := aws.NewConfig().
		WithRegion(cfg.Region).
		WithS3ForcePathStyle(cfg.UsePathStyle)

	if cfg.Endpoint != "" {
		awsCfg = awsCfg.WithEndpoint(cfg.Endpoint)
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		awsCfg = awsCfg.WithCredentials(
			credentials.NewStaticCredentials(cfg.AccessKey, cfg.SecretKey, ""))
	}

	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	// Fail fast on missing or unusable credentials rather than on the
	// first data-path call.
	if _, err := sess.Config.Credentials.Get(); err != nil {
		return nil, fmt.Errorf("s3 credentials are not available: %w", err)
	}

	store := &S3Store{
		client: s3.New(sess),
		bucket: cfg.Bucket,
		prefix: strings.TrimPrefix(cfg.KeyPrefix, "/"),
		logger: logrus.WithField("component", "objectstore.s3"),
	}

	if _, err := store.client.HeadBucket(&s3.HeadBucketInput{
		Bucket: aws.String(cfg.Bucket),
	}); err != nil {
		return nil, fmt.Errorf("s3 bucket %q is not accessible: %w", cfg.Bucket, err)
	}

	return store, nil
}

func (s *S3Store) fullKey(key string) string {
	if s.prefix == "" {
		return key
	}
	return strings.TrimSuffix(s.prefix, "/") + "/" + key
}

func (s *S3Store) Get(ctx context.Context, key string) ([]byte, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}

	var data []byte
	err := withRetry(ctx, s.logger, func() error {
		out, err := s.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(s.fullKey(key)),
		})
		if err != nil {
			if isNoSuchKey(err) {
				return ErrNotFound
			}
			return fmt.Errorf("failed to get object %q: %w", key, err)
		}
		defer out.Body.Close()

		data, err = io.ReadAll(out.Body)
		if err != nil {
			return fmt.Errorf("failed to read object %q: %w", key, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (s *S3Store) Put(ctx context.Context, key string, data []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}

	return withRetry(ctx, s.logger, func() error {
		_, err := s.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(s.bucket),
			Key:         aws.String(s.fullKey(key)),
			Body:        bytes.NewReader(data),
			ContentType: aws.String("application/json"),
		})
		if err != nil {
			return fmt.Errorf("failed to put object %q: %w", key, err)
		}
		return nil
	})
}

func (s *S3Store) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := withRetry(ctx, s.logger, func() error {
		keys = keys[:0]
		return s.client.ListObjectsV2PagesWithContext(ctx, &s3.ListObjectsV2Input{
			Bucket: aws.String(s.bucket),
			Prefix: aws.String(s.fullKey(prefix)),
		}, func(page *s3.ListObjectsV2Output, _ bool) bool {
			for _, obj := range page.Contents {
				key := aws.StringValue(obj.Key)
				if s.prefix != "" {
					key = strings.TrimPrefix(key, strings.TrimSuffix(s.prefix, "/")+"/")
				}
				keys = append(keys, key)
			}
			return true
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list objects under %q: %w", prefix, err)
	}
	return keys, nil
}

func (s *S3Store) Delete(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}

	// S3 semantics: deleting a non-existent object succeeds.
	return withRetry(ctx, s.logger, func() error {
		_, err := s.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(s.fullKey(key)),
		})
		if err != nil {
			return fmt.Errorf("failed to delete object %q: %w", key, err)
		}
		return nil
	})
}

func isNoSuchKey(err error) bool {
	var aerr awserr.Error
	if errors.As(err, &aerr) {
		return aerr.Code() == s3.ErrCodeNoSuchKey || aerr.Code() == "NotFound"
	}
	return false
}
