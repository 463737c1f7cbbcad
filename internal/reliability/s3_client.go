// Package reliability holds the audit-trail backup service and database
// maintenance jobs.
package reliability

import (
	"context"
	"fmt"
	"io"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog"
)

// ObjectStore wraps an S3-compatible bucket (AWS S3, Cloudflare R2, MinIO).
type ObjectStore struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
	log      zerolog.Logger
}

// NewObjectStore creates a client against an S3-compatible endpoint with
// static credentials.
func NewObjectStore(endpoint, region, keyID, secret, bucket string, log zerolog.Logger) (*ObjectStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(keyID, secret, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("load s3 config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = &endpoint
		}
		// R2 and MinIO require path-style addressing.
		o.UsePathStyle = true
	})

	return &ObjectStore{
		client:   client,
		uploader: manager.NewUploader(client),
		bucket:   bucket,
		log:      log.With().Str("component", "object_store").Logger(),
	}, nil
}

// Upload streams an object into the bucket.
func (c *ObjectStore) Upload(ctx context.Context, key string, body io.Reader) error {
	_, err := c.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: &c.bucket,
		Key:    &key,
		Body:   body,
	})
	if err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}
	return nil
}

// List returns every object whose key starts with prefix.
func (c *ObjectStore) List(ctx context.Context, prefix string) ([]s3types.Object, error) {
	var objects []s3types.Object
	paginator := s3.NewListObjectsV2Paginator(c.client, &s3.ListObjectsV2Input{
		Bucket: &c.bucket,
		Prefix: &prefix,
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list objects with prefix %s: %w", prefix, err)
		}
		objects = append(objects, page.Contents...)
	}
	return objects, nil
}

// Delete removes one object.
func (c *ObjectStore) Delete(ctx context.Context, key string) error {
	_, err := c.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: &c.bucket,
		Key:    &key,
	})
	if err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}
