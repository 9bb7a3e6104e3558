// Package docstore stores case attachments in S3-compatible object
// storage. It is the canonical dependency client: every network call asks
// the circuit breaker first and reports its outcome, so a degraded object
// store fails fast instead of stacking up requests.
package docstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/Caseline-Labs/caseline/core/pkg/breaker"
)

// DependencyName identifies this client to the breaker registry.
const DependencyName = "docstore"

// ErrUnavailable is returned when the breaker is rejecting calls to the
// object store. Distinct from validation errors so callers surface a
// dependency-unavailable condition.
var ErrUnavailable = fmt.Errorf("docstore: %w", breaker.ErrOpen)

// S3Store stores attachments keyed by content hash under a tenant prefix.
type S3Store struct {
	client  *s3.Client
	bucket  string
	prefix  string
	breaker *breaker.Breaker
}

// S3Config holds configuration for S3Store.
type S3Config struct {
	Bucket   string
	Region   string
	Endpoint string // Optional custom endpoint (MinIO, LocalStack)
	Prefix   string // Optional key prefix
}

// NewS3Store creates an S3-backed attachment store gated by the given
// breaker.
func NewS3Store(ctx context.Context, cfg S3Config, brk *breaker.Breaker) (*S3Store, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("docstore: load AWS config: %w", err)
	}

	clientOpts := func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true // Required for MinIO/LocalStack
		}
	}

	return &S3Store{
		client:  s3.NewFromConfig(awsCfg, clientOpts),
		bucket:  cfg.Bucket,
		prefix:  cfg.Prefix,
		breaker: brk,
	}, nil
}

func (s *S3Store) key(tenantID, hash string) string {
	return fmt.Sprintf("%s%s/%s.blob", s.prefix, tenantID, hash)
}

// Put stores an attachment and returns its content hash. Re-uploading
// identical content is a no-op.
func (s *S3Store) Put(ctx context.Context, tenantID string, data []byte) (string, error) {
	if !s.breaker.Allow() {
		return "", ErrUnavailable
	}

	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])
	key := s.key(tenantID, hash)

	// Content-addressed: if the object exists the upload is already done.
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		s.breaker.RecordSuccess()
		return hash, nil
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		s.breaker.RecordFailure()
		return "", fmt.Errorf("docstore: put %s: %w", key, err)
	}

	s.breaker.RecordSuccess()
	return hash, nil
}

// Get retrieves an attachment by content hash.
func (s *S3Store) Get(ctx context.Context, tenantID, hash string) ([]byte, error) {
	if !s.breaker.Allow() {
		return nil, ErrUnavailable
	}

	key := s.key(tenantID, hash)
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		s.breaker.RecordFailure()
		return nil, fmt.Errorf("docstore: get %s: %w", key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		s.breaker.RecordFailure()
		return nil, fmt.Errorf("docstore: read %s: %w", key, err)
	}

	s.breaker.RecordSuccess()
	return data, nil
}
