package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog"
	"github.com/snarg/speaker-diarizer/internal/config"
)

// BucketStore archives runs to an S3-compatible bucket under
// {S3_PREFIX}/archive/.
type BucketStore struct {
	client *s3.Client
	bucket string
	root   string
	log    zerolog.Logger
}

// NewBucketStore builds the S3 client. A custom endpoint (MinIO, R2, ...)
// switches to path-style addressing.
func NewBucketStore(ctx context.Context, cfg config.S3Config, log zerolog.Logger) (*BucketStore, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &BucketStore{
		client: client,
		bucket: cfg.Bucket,
		root:   path.Join(cfg.Prefix, "archive"),
		log:    log.With().Str("component", "bucket-store").Logger(),
	}, nil
}

// Ping checks that the bucket exists and the credentials can reach it.
func (b *BucketStore) Ping(ctx context.Context) error {
	_, err := b.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(b.bucket)})
	return err
}

func (b *BucketStore) Kind() string { return "s3" }

func (b *BucketStore) objectKey(key string) string { return b.root + "/" + key }

func (b *BucketStore) Save(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(b.objectKey(key)),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

// Exists reports whether key is in the bucket. Errors other than not-found
// count as absent, so callers never delete a local copy on a flaky check.
func (b *BucketStore) Exists(ctx context.Context, key string) bool {
	_, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.objectKey(key)),
	})
	if err == nil {
		return true
	}
	var nf *types.NotFound
	if !errors.As(err, &nf) {
		b.log.Debug().Err(err).Str("key", key).Msg("head object failed")
	}
	return false
}
