package stagestore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// S3 user metadata keys.
const (
	s3MetaKey     = "x-amz-key"
	s3MetaIV      = "x-amz-iv"
	s3MetaMatDesc = "x-amz-matdesc"
	s3MetaDigest  = "sfc-digest"
)

// S3Store stores objects in an S3 bucket.
type S3Store struct {
	client *s3.Client
	loc    Location
}

// NewS3Store creates an S3 client from the location's temporary credentials.
func NewS3Store(loc Location) (*S3Store, error) {
	if loc.Bucket == "" {
		return nil, errors.New("stagestore: S3 location has no bucket")
	}
	opts := s3.Options{
		Region: loc.Region,
		Credentials: credentials.NewStaticCredentialsProvider(
			loc.Credentials.AWSKeyID, loc.Credentials.AWSSecretKey, loc.Credentials.AWSToken,
		),
	}
	if loc.Endpoint != "" {
		endpoint := loc.Endpoint
		if !strings.Contains(endpoint, "://") {
			endpoint = "https://" + endpoint
		}
		opts.BaseEndpoint = aws.String(endpoint)
	}
	return &S3Store{client: s3.New(opts), loc: loc}, nil
}

// Put uploads body with the stage metadata.
func (s *S3Store) Put(ctx context.Context, name string, body io.Reader, size int64, meta FileMetadata) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.loc.Bucket),
		Key:           aws.String(s.loc.Key(name)),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		Metadata:      s3Metadata(meta),
	})
	return s.wrap(name, err)
}

// Get downloads an object and its metadata.
func (s *S3Store) Get(ctx context.Context, name string) (io.ReadCloser, *FileMetadata, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.loc.Bucket),
		Key:    aws.String(s.loc.Key(name)),
	})
	if err != nil {
		return nil, nil, s.wrap(name, err)
	}
	meta := fromS3Metadata(out.Metadata)
	meta.Size = aws.ToInt64(out.ContentLength)
	return out.Body, meta, nil
}

// Stat returns the metadata of an object, or ErrNotFound.
func (s *S3Store) Stat(ctx context.Context, name string) (*FileMetadata, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.loc.Bucket),
		Key:    aws.String(s.loc.Key(name)),
	})
	if err != nil {
		return nil, s.wrap(name, err)
	}
	meta := fromS3Metadata(out.Metadata)
	meta.Size = aws.ToInt64(out.ContentLength)
	return meta, nil
}

// Close is a no-op; the S3 client holds no resources.
func (s *S3Store) Close() error { return nil }

func (s *S3Store) wrap(name string, err error) error {
	if err == nil {
		return nil
	}
	var notFound *types.NotFound
	var noKey *types.NoSuchKey
	if errors.As(err, &notFound) || errors.As(err, &noKey) {
		return fmt.Errorf("s3://%s/%s: %w", s.loc.Bucket, s.loc.Key(name), ErrNotFound)
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ExpiredToken", "TokenRefreshRequired", "InvalidToken":
			return fmt.Errorf("s3://%s/%s: %w: %w", s.loc.Bucket, s.loc.Key(name), ErrExpiredCredentials, err)
		case "NotFound", "NoSuchKey":
			return fmt.Errorf("s3://%s/%s: %w", s.loc.Bucket, s.loc.Key(name), ErrNotFound)
		}
	}
	return fmt.Errorf("s3://%s/%s: %w", s.loc.Bucket, s.loc.Key(name), err)
}

func s3Metadata(meta FileMetadata) map[string]string {
	m := map[string]string{}
	if meta.Digest != "" {
		m[s3MetaDigest] = meta.Digest
	}
	if enc := meta.Encryption; enc != nil {
		m[s3MetaKey] = enc.Key
		m[s3MetaIV] = enc.IV
		m[s3MetaMatDesc] = enc.MatDesc
	}
	return m
}

func fromS3Metadata(m map[string]string) *FileMetadata {
	meta := &FileMetadata{Digest: m[s3MetaDigest]}
	if key, ok := m[s3MetaKey]; ok {
		meta.Encryption = &EncryptionMetadata{Key: key, IV: m[s3MetaIV], MatDesc: m[s3MetaMatDesc]}
	}
	return meta
}
