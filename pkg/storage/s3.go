package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// S3Store implements Store for Amazon S3 and S3 compatible endpoints.
type S3Store struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
	prefix   string
	metadata map[string]string
}

// NewS3Store creates an S3 store. The "endpoint" option points the client at
// an S3 compatible service and switches to path style addressing.
func NewS3Store(ctx context.Context, bucketName, prefix, region string, options map[string]string) (*S3Store, error) {
	if bucketName == "" {
		return nil, fmt.Errorf("bucket is required for S3 store")
	}
	if region == "" {
		region = "us-east-1"
	}

	// Credentials come from the environment, the shared config or an IAM role
	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(region),
		config.WithRetryMode(aws.RetryModeStandard),
		config.WithRetryMaxAttempts(3),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint := options["endpoint"]; endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})

	// Verify bucket exists and is accessible
	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucketName)}); err != nil {
		return nil, fmt.Errorf("failed to access bucket %s: %w", bucketName, err)
	}

	uploader := manager.NewUploader(client, func(u *manager.Uploader) {
		u.PartSize = 10 * 1024 * 1024 // 10MB per part
		u.Concurrency = 3
	})

	logrus.WithField("component", "storage.s3").
		WithField("bucket", bucketName).
		WithField("region", region).
		Info("S3 store initialized")

	return &S3Store{
		client:   client,
		uploader: uploader,
		bucket:   bucketName,
		prefix:   prefix,
		metadata: map[string]string{
			"generator": "checkpoint-pipeline",
		},
	}, nil
}

// Get downloads the object at key.
func (c *S3Store) Get(ctx context.Context, key string) ([]byte, error) {
	name := prefixed(c.prefix, key)
	out, err := c.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(name),
	})
	if err != nil {
		var noSuchKey *types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return nil, fmt.Errorf("s3://%s/%s: %w", c.bucket, name, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get S3 object %s/%s: %w", c.bucket, name, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read S3 object %s/%s: %w", c.bucket, name, err)
	}
	return data, nil
}

// Put uploads the object at key.
func (c *S3Store) Put(ctx context.Context, key string, data []byte) error {
	name := prefixed(c.prefix, key)
	_, err := c.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:       aws.String(c.bucket),
		Key:          aws.String(name),
		Body:         bytes.NewReader(data),
		ContentType:  aws.String("application/octet-stream"),
		Metadata:     c.metadata,
		StorageClass: types.StorageClassStandard,
	})
	if err != nil {
		return fmt.Errorf("failed to upload to S3 %s/%s: %w", c.bucket, name, err)
	}
	return nil
}

// Close implements Store.
func (c *S3Store) Close() error {
	return nil
}
