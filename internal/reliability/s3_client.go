// Package reliability covers operational upkeep of the data store:
// consistent snapshots, compressed archives, off-site copies to any
// S3-compatible bucket, and retention rotation.
package reliability

import (
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"

	appconfig "github.com/aristath/folio/internal/config"
)

// ObjectStore is the subset of bucket operations the backup service
// needs. Satisfied by S3Client; swapped for a fake in tests.
type ObjectStore interface {
	Upload(ctx context.Context, key string, body io.Reader) error
	List(ctx context.Context) ([]RemoteObject, error)
	Delete(ctx context.Context, key string) error
}

// RemoteObject describes one stored backup archive.
type RemoteObject struct {
	Key          string
	SizeBytes    int64
	LastModified time.Time
}

// S3Client talks to an S3-compatible bucket (AWS, R2, MinIO).
type S3Client struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
	prefix   string
	log      zerolog.Logger
}

// NewS3Client builds a client from backup configuration. Static
// credentials are used when provided; otherwise the default chain.
func NewS3Client(ctx context.Context, cfg *appconfig.BackupConfig, log zerolog.Logger) (*S3Client, error) {
	if cfg == nil || cfg.Bucket == "" {
		return nil, fmt.Errorf("backup bucket is not configured")
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3Client{
		client:   client,
		uploader: manager.NewUploader(client),
		bucket:   cfg.Bucket,
		prefix:   cfg.Prefix,
		log:      log.With().Str("client", "s3").Logger(),
	}, nil
}

func (c *S3Client) key(name string) string {
	if c.prefix == "" {
		return name
	}
	return c.prefix + "/" + name
}

// Upload streams an archive into the bucket under the configured
// prefix.
func (c *S3Client) Upload(ctx context.Context, name string, body io.Reader) error {
	key := c.key(name)
	_, err := c.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
		Body:   body,
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", key, err)
	}
	c.log.Info().Str("key", key).Msg("Uploaded backup")
	return nil
}

// List returns the stored archives under the prefix, oldest first.
func (c *S3Client) List(ctx context.Context) ([]RemoteObject, error) {
	var objects []RemoteObject
	paginator := s3.NewListObjectsV2Paginator(c.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(c.bucket),
		Prefix: aws.String(c.prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list backups: %w", err)
		}
		for _, obj := range page.Contents {
			objects = append(objects, RemoteObject{
				Key:          aws.ToString(obj.Key),
				SizeBytes:    aws.ToInt64(obj.Size),
				LastModified: aws.ToTime(obj.LastModified),
			})
		}
	}
	sort.Slice(objects, func(i, j int) bool {
		return objects[i].LastModified.Before(objects[j].LastModified)
	})
	return objects, nil
}

// Delete removes one archive by key.
func (c *S3Client) Delete(ctx context.Context, key string) error {
	_, err := c.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	c.log.Debug().Str("key", key).Msg("Deleted backup")
	return nil
}
