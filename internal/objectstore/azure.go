package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/sirupsen/logrus"

	"github.com/variantgroup/variant-analytics/internal/config"
)

// AzureStore talks to an Azure Blob Storage container. Like the S3
// backend, keys live under an optional configured prefix.
type AzureStore struct {
	client    *azblob.Client
	container string
	prefix    string
	logger    *logrus.Entry
}

// NewAzureStore creates an Azure-backed store authenticated with a shared
// account key or a SAS token.
func NewAzureStore(cfg *config.AzureStorageConfig) (*AzureStore, error) {
	if cfg.Container == "" {
		return nil, fmt.Errorf("azure container is required")
	}

	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://%s.blob.core.windows.net/", cfg.AccountName)
	}

	var client *azblob.Client
	var err error
	switch {
	case cfg.SASToken != "":
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		client, err = azblob.NewClientWithNoCredential(endpoint+sep+cfg.SASToken, nil)
	case cfg.AccountName != "" && cfg.AccountKey != "":
		cred, cerr := azblob.NewSharedKeyCredential(cfg.AccountName, cfg.AccountKey)
		if cerr != nil {
			return nil, fmt.Errorf("invalid azure credentials: %w", cerr)
		}
		client, err = azblob.NewClientWithSharedKeyCredential(endpoint, cred, nil)
	default:
		return nil, fmt.Errorf("azure storage requires an account key or SAS token")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create azure client: %w", err)
	}

	return &AzureStore{
		client:    client,
		container: cfg.Container,
		prefix:    strings.TrimPrefix(cfg.KeyPrefix, "/"),
		logger:    logrus.WithField("component", "objectstore.azure"),
	}, nil
}

func (a *AzureStore) fullKey(key string) string {
	if a.prefix == "" {
		return key
	}
	return strings.TrimSuffix(a.prefix, "/") + "/" + key
}

func (a *AzureStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}

	var data []byte
	err := withRetry(ctx, a.logger, func() error {
		resp, err := a.client.DownloadStream(ctx, a.container, a.fullKey(key), nil)
		if err != nil {
			if isBlobNotFound(err) {
				return ErrNotFound
			}
			return fmt.Errorf("failed to get blob %q: %w", key, err)
		}
		defer resp.Body.Close()

		data, err = io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read blob %q: %w", key, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (a *AzureStore) Put(ctx context.Context, key string, data []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}

	contentType := "application/json"
	return withRetry(ctx, a.logger, func() error {
		_, err := a.client.UploadBuffer(ctx, a.container, a.fullKey(key), data, &azblob.UploadBufferOptions{
			HTTPHeaders: &blob.HTTPHeaders{BlobContentType: &contentType},
		})
		if err != nil {
			return fmt.Errorf("failed to put blob %q: %w", key, err)
		}
		return nil
	})
}

func (a *AzureStore) List(ctx context.Context, prefix string) ([]string, error) {
	full := a.fullKey(prefix)

	var keys []string
	err := withRetry(ctx, a.logger, func() error {
		keys = keys[:0]
		pager := a.client.NewListBlobsFlatPager(a.container, &azblob.ListBlobsFlatOptions{
			Prefix: &full,
		})
		for pager.More() {
			page, err := pager.NextPage(ctx)
			if err != nil {
				return fmt.Errorf("failed to list blobs under %q: %w", prefix, err)
			}
			for _, item := range page.Segment.BlobItems {
				if item.Name == nil {
					continue
				}
				key := *item.Name
				if a.prefix != "" {
					key = strings.TrimPrefix(key, strings.TrimSuffix(a.prefix, "/")+"/")
				}
				keys = append(keys, key)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

func (a *AzureStore) Delete(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}

	// Deleting a missing blob succeeds, matching the other backends.
	return withRetry(ctx, a.logger, func() error {
		_, err := a.client.DeleteBlob(ctx, a.container, a.fullKey(key), nil)
		if err != nil && !isBlobNotFound(err) {
			return fmt.Errorf("failed to delete blob %q: %w", key, err)
		}
		return nil
	})
}

func isBlobNotFound(err error) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == http.StatusNotFound
}
