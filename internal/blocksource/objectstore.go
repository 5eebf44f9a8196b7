// Package blocksource acquires blocks-with-receipts: prebuilt payloads from
// the object store first, falling back to RPC when no source has the block.
package blocksource

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog"

	"github.com/chainmodel/indexer/internal/domain"
)

// ObjectStore fetches raw objects by key. Implementations return
// domain.ErrBlockNotFound for missing keys so the block source can fall
// through to the next candidate.
type ObjectStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
}

// S3StoreConfig configures the object-store client. The bucket is addressed
// through the S3 XML API; for GCS the endpoint is the interoperability host
// and the access keys are an HMAC pair.
type S3StoreConfig struct {
	Bucket    string
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
}

// S3Store reads block payloads from an S3-compatible bucket.
type S3Store struct {
	client *s3.Client
	bucket string
	log    zerolog.Logger
}

// NewS3Store builds the client. When no static keys are configured the
// default credential chain applies.
func NewS3Store(ctx context.Context, cfg S3StoreConfig, log zerolog.Logger) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("object store bucket is required")
	}

	var opts []func(*awsconfig.LoadOptions) error
	opts = append(opts, awsconfig.WithRegion(cfg.Region))
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load object store config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = true
	})

	return &S3Store{
		client: client,
		bucket: cfg.Bucket,
		log:    log.With().Str("component", "objectstore").Logger(),
	}, nil
}

// Get downloads one object. Missing keys map to domain.ErrBlockNotFound.
func (s *S3Store) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		var notFound *types.NotFound
		if errors.As(err, &noKey) || errors.As(err, &notFound) {
			return nil, fmt.Errorf("%w: s3://%s/%s", domain.ErrBlockNotFound, s.bucket, key)
		}
		return nil, fmt.Errorf("%w: s3://%s/%s: %v", domain.ErrBlockFetch, s.bucket, key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading s3://%s/%s: %v", domain.ErrBlockFetch, s.bucket, key, err)
	}
	return data, nil
}
