// Package stagestore moves staged files between the local machine and the
// cloud storage behind a warehouse stage. Each provider is reached with the
// temporary credentials issued for one PUT or GET statement.
package stagestore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

// LocationType identifies the storage provider of a stage.
type LocationType string

const (
	LocationS3      LocationType = "S3"
	LocationAzure   LocationType = "AZURE"
	LocationGCS     LocationType = "GCS"
	LocationLocalFS LocationType = "LOCAL_FS"
)

var (
	// ErrNotFound is returned by Stat and Get for a missing object.
	ErrNotFound = errors.New("stagestore: object not found")

	// ErrExpiredCredentials means the temporary credentials of the location
	// are no longer accepted; the caller should obtain fresh ones.
	ErrExpiredCredentials = errors.New("stagestore: temporary credentials expired")
)

// Compile-time checks: every provider implements Store.
var (
	_ Store = (*S3Store)(nil)
	_ Store = (*AzureStore)(nil)
	_ Store = (*GCSStore)(nil)
	_ Store = (*LocalStore)(nil)
)

// Store reads and writes objects under a stage location. Names are relative
// to the location path.
type Store interface {
	Put(ctx context.Context, name string, body io.Reader, size int64, meta FileMetadata) error
	Get(ctx context.Context, name string) (io.ReadCloser, *FileMetadata, error)
	Stat(ctx context.Context, name string) (*FileMetadata, error)
	Close() error
}

// Location is a stage location with the credentials to reach it.
type Location struct {
	Type LocationType

	// Bucket is the S3 or GCS bucket, or the Azure container; empty for LOCAL_FS
	Bucket string

	// Path is the key prefix inside the bucket, or the directory for LOCAL_FS
	Path string

	Region         string
	Endpoint       string
	StorageAccount string

	// PresignedURL is used by GCS stages issued without an access token
	PresignedURL string

	Credentials Credentials
}

// Credentials are temporary, statement-scoped storage credentials.
type Credentials struct {
	AWSKeyID       string
	AWSSecretKey   string
	AWSToken       string
	AzureSASToken  string
	GCSAccessToken string
}

// ParseLocation splits a stage location string "bucket/path/" into bucket and
// key prefix. LOCAL_FS locations are directories and are returned as path.
func ParseLocation(typ LocationType, location string) (bucket, path string) {
	if typ == LocationLocalFS {
		return "", location
	}
	bucket, path, _ = strings.Cut(location, "/")
	if path != "" && !strings.HasSuffix(path, "/") {
		path += "/"
	}
	return bucket, path
}

// Key joins the location path and a file name into an object key.
func (l Location) Key(name string) string {
	return l.Path + name
}

// FileMetadata is stored alongside each staged object.
type FileMetadata struct {
	// Size is the stored object size in bytes
	Size int64

	// Digest is the base64 SHA-256 of the stored content
	Digest string

	// Encryption is set when the object was encrypted client-side
	Encryption *EncryptionMetadata
}

// EncryptionMetadata describes client-side encryption of an object.
type EncryptionMetadata struct {
	// Key is the base64 file key wrapped with the stage master key
	Key string `json:"key"`

	// IV is the base64 content initialization vector
	IV string `json:"iv"`

	// MatDesc is the JSON material descriptor naming the master key
	MatDesc string `json:"matdesc"`
}

// Open returns the Store for loc.
func Open(ctx context.Context, loc Location) (Store, error) {
	switch loc.Type {
	case LocationS3:
		return NewS3Store(loc)
	case LocationAzure:
		return NewAzureStore(loc)
	case LocationGCS:
		return NewGCSStore(ctx, loc)
	case LocationLocalFS:
		return NewLocalStore(loc)
	default:
		return nil, fmt.Errorf("stagestore: unsupported location type %q", loc.Type)
	}
}
