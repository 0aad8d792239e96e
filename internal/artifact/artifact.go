// Package artifact implements the optional flow-export store (SPEC_FULL
// §11): a finished flow's summary and executions can be serialized and
// uploaded so a CI pipeline or a teammate can retrieve the run later.
// LocalStore and S3Store are adapted from the teacher's recordings
// package (storage_local.go/storage_s3.go), narrowed from video blobs to
// JSON export documents and from Save(id)/Get/Delete to a single Put.
package artifact

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/treqd/treqd/internal/apierr"
)

// Store abstracts flow-export artifact persistence.
type Store interface {
	Put(ctx context.Context, key string, r io.Reader) (location string, err error)
}

// LocalStore writes exports under a directory on the local filesystem,
// the default store when no S3 bucket is configured.
type LocalStore struct {
	baseDir string
}

func NewLocalStore(baseDir string) *LocalStore {
	return &LocalStore{baseDir: baseDir}
}

// Put writes r to {baseDir}/{key}, rejecting any key that would escape
// baseDir, mirroring the teacher's path-traversal guard.
func (s *LocalStore) Put(ctx context.Context, key string, r io.Reader) (string, error) {
	absBase, err := filepath.Abs(s.baseDir)
	if err != nil {
		return "", fmt.Errorf("artifact: invalid base dir: %w", err)
	}
	absPath, err := filepath.Abs(filepath.Join(absBase, key))
	if err != nil {
		return "", fmt.Errorf("artifact: invalid key: %w", err)
	}
	if !strings.HasPrefix(absPath, absBase+string(filepath.Separator)) {
		return "", fmt.Errorf("artifact: path traversal in key %q", key)
	}

	if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
		return "", fmt.Errorf("artifact: mkdir: %w", err)
	}
	f, err := os.Create(absPath)
	if err != nil {
		return "", fmt.Errorf("artifact: create: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(f, r); err != nil {
		os.Remove(absPath)
		return "", fmt.Errorf("artifact: write: %w", err)
	}
	return absPath, nil
}

// S3API is the subset of the S3 client used by S3Store, for test mocking.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Store uploads flow-export documents to an S3-compatible bucket.
type S3Store struct {
	client S3API
	bucket string
	prefix string
}

// NewS3Store builds an S3Store from AWS defaults. A non-empty endpoint
// targets MinIO or another S3-compatible service.
func NewS3Store(ctx context.Context, bucket, region, endpoint, prefix, accessKeyID, secretAccessKey string) (*S3Store, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if accessKeyID != "" && secretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKeyID, secretAccessKey, ""),
		))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("artifact: failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		})
	}
	return NewS3StoreWithClient(s3.NewFromConfig(cfg, s3Opts...), bucket, prefix), nil
}

// NewS3StoreWithClient injects an S3API client, for testing.
func NewS3StoreWithClient(client S3API, bucket, prefix string) *S3Store {
	return &S3Store{client: client, bucket: bucket, prefix: prefix}
}

func (s *S3Store) Put(ctx context.Context, key string, r io.Reader) (string, error) {
	fullKey := s.prefix + key
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(fullKey),
		Body:        r,
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("artifact: failed to upload export: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, fullKey), nil
}

// Exporter produces and stores flow-export documents. It returns
// ARTIFACT_EXPORT_NOT_CONFIGURED when no Store is wired in.
type Exporter struct {
	store Store
}

func NewExporter(store Store) *Exporter {
	return &Exporter{store: store}
}

// Export saves doc (typically a flow's summary + executions, JSON-
// encoded by the caller) under a key derived from flowID.
func (e *Exporter) Export(ctx context.Context, flowID string, doc io.Reader) (string, error) {
	if e.store == nil {
		return "", apierr.New(apierr.CodeArtifactExportNotConfig, "no artifact export store is configured")
	}
	location, err := e.store.Put(ctx, flowID+".json", doc)
	if err != nil {
		return "", apierr.Wrap(apierr.CodeExecuteError, err)
	}
	return location, nil
}

// Configured reports whether an export destination is wired in.
func (e *Exporter) Configured() bool {
	return e.store != nil
}
