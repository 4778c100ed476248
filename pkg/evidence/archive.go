package evidence

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/arbiterhq/arbiter/pkg/canonical"
)

// ObjectStore is the slice of the S3 API the archiver needs.
type ObjectStore interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// ArchiveConfig configures the S3 archive target.
type ArchiveConfig struct {
	Bucket   string
	Region   string
	Endpoint string // custom endpoint for MinIO / LocalStack
	Prefix   string // key prefix, e.g. "evidence/"
}

// Archiver ships manifests to content-addressed object storage.
type Archiver struct {
	store  ObjectStore
	bucket string
	prefix string
}

// NewArchiver builds the archiver against real S3.
func NewArchiver(ctx context.Context, cfg ArchiveConfig) (*Archiver, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("evidence: aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewArchiverWithStore(client, cfg.Bucket, cfg.Prefix), nil
}

// NewArchiverWithStore builds the archiver over any ObjectStore (tests).
func NewArchiverWithStore(store ObjectStore, bucket, prefix string) *Archiver {
	return &Archiver{store: store, bucket: bucket, prefix: prefix}
}

// Archive uploads the manifest JSON under its content hash and returns the
// object key. Re-archiving an identical manifest is a no-op.
func (a *Archiver) Archive(ctx context.Context, m *Manifest) (string, error) {
	data, err := canonical.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("evidence: encode manifest: %w", err)
	}
	key := a.prefix + strings.TrimPrefix(canonical.HashBytes(data), "sha256:") + ".json"

	if _, err := a.store.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	}); err == nil {
		return key, nil
	}

	_, err = a.store.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("evidence: archive put: %w", err)
	}
	return key, nil
}
