package storage

import (
	"context"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/option"
)

// GCSStore implements Store for Google Cloud Storage.
type GCSStore struct {
	client   *storage.Client
	bucket   string
	prefix   string
	metadata map[string]string
}

// NewGCSStore creates a GCS store. Credentials come from the
// "credentials_file" option or the application default credentials.
func NewGCSStore(ctx context.Context, bucketName, prefix string, options map[string]string) (*GCSStore, error) {
	if bucketName == "" {
		return nil, fmt.Errorf("bucket is required for GCS store")
	}

	var opts []option.ClientOption
	if credentials := options["credentials_file"]; credentials != "" {
		opts = append(opts, option.WithCredentialsFile(credentials))
	}
	if endpoint := options["endpoint"]; endpoint != "" {
		opts = append(opts, option.WithEndpoint(endpoint), option.WithoutAuthentication())
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}

	// Verify bucket exists and is accessible
	if _, err := client.Bucket(bucketName).Attrs(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to access bucket %s: %w", bucketName, err)
	}

	logrus.WithField("component", "storage.gcs").WithField("bucket", bucketName).Info("GCS store initialized")

	return &GCSStore{
		client: client,
		bucket: bucketName,
		prefix: prefix,
		metadata: map[string]string{
			"generator": "checkpoint-pipeline",
		},
	}, nil
}

// Get downloads the object at key.
func (c *GCSStore) Get(ctx context.Context, key string) ([]byte, error) {
	name := prefixed(c.prefix, key)
	r, err := c.client.Bucket(c.bucket).Object(name).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, fmt.Errorf("gs://%s/%s: %w", c.bucket, name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open GCS object %s: %w", name, err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read GCS object %s: %w", name, err)
	}
	return data, nil
}

// Put uploads the object at key.
func (c *GCSStore) Put(ctx context.Context, key string, data []byte) error {
	name := prefixed(c.prefix, key)
	w := c.client.Bucket(c.bucket).Object(name).NewWriter(ctx)
	w.ContentType = "application/octet-stream"
	w.Metadata = c.metadata
	w.CacheControl = "no-cache, max-age=0"

	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("failed to write to GCS object %s: %w", name, err)
	}
	// Close finalizes the upload
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close GCS writer for %s: %w", name, err)
	}
	return nil
}

// Close implements Store.
func (c *GCSStore) Close() error {
	return c.client.Close()
}
