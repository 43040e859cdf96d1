package stagestore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/aws/smithy-go"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"
)

var sampleEncryption = &EncryptionMetadata{
	Key:     "d3JhcHBlZC1rZXk=",
	IV:      "aXYtMTIzNDU2Nzg5MDEy",
	MatDesc: `{"smkId":"42","queryId":"q-1","keySize":"128"}`,
}

// --- Locations ---

func TestParseLocation(t *testing.T) {
	tests := []struct {
		name       string
		typ        LocationType
		location   string
		wantBucket string
		wantPath   string
	}{
		{"bucket and prefix", LocationS3, "sfc-stage/tables/42", "sfc-stage", "tables/42/"},
		{"trailing slash kept", LocationGCS, "bucket/stages/abc/", "bucket", "stages/abc/"},
		{"bucket only", LocationAzure, "container", "container", ""},
		{"local directory", LocationLocalFS, "/tmp/stage/", "", "/tmp/stage/"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bucket, path := ParseLocation(tt.typ, tt.location)
			assert.Equal(t, tt.wantBucket, bucket)
			assert.Equal(t, tt.wantPath, path)
		})
	}
}

func TestLocation_Key(t *testing.T) {
	loc := Location{Type: LocationS3, Bucket: "b", Path: "tables/42/"}
	assert.Equal(t, "tables/42/data.csv.gz", loc.Key("data.csv.gz"))
}

func TestOpen(t *testing.T) {
	t.Run("unsupported type", func(t *testing.T) {
		_, err := Open(context.Background(), Location{Type: "FTP"})
		assert.ErrorContains(t, err, "unsupported location type")
	})

	t.Run("S3 requires a bucket", func(t *testing.T) {
		_, err := Open(context.Background(), Location{Type: LocationS3})
		assert.ErrorContains(t, err, "no bucket")
	})

	t.Run("GCS requires a token or presigned URL", func(t *testing.T) {
		_, err := Open(context.Background(), Location{Type: LocationGCS, Bucket: "b"})
		assert.ErrorContains(t, err, "neither access token nor presigned URL")
	})

	t.Run("S3 with credentials", func(t *testing.T) {
		store, err := Open(context.Background(), Location{
			Type: LocationS3, Bucket: "b", Region: "us-west-2", Endpoint: "s3.example.com",
			Credentials: Credentials{AWSKeyID: "AKIA", AWSSecretKey: "secret", AWSToken: "token"},
		})
		require.NoError(t, err)
		assert.IsType(t, &S3Store{}, store)
		assert.NoError(t, store.Close())
	})

	t.Run("local directory", func(t *testing.T) {
		store, err := Open(context.Background(), Location{Type: LocationLocalFS, Path: t.TempDir()})
		require.NoError(t, err)
		assert.IsType(t, &LocalStore{}, store)
	})
}

// --- Provider metadata ---

func TestS3Metadata(t *testing.T) {
	meta := FileMetadata{Digest: "abc=", Encryption: sampleEncryption}
	md := s3Metadata(meta)
	assert.Equal(t, "abc=", md[s3MetaDigest])
	assert.Equal(t, sampleEncryption.Key, md[s3MetaKey])

	back := fromS3Metadata(md)
	if diff := cmp.Diff(&meta, back); diff != "" {
		t.Errorf("S3 metadata mismatch (-want +got):\n%s", diff)
	}

	t.Run("unencrypted object", func(t *testing.T) {
		back := fromS3Metadata(s3Metadata(FileMetadata{Digest: "d"}))
		assert.Nil(t, back.Encryption)
	})
}

func TestAzureMetadata(t *testing.T) {
	meta := FileMetadata{Digest: "abc=", Encryption: sampleEncryption}
	md, err := azureMetadata(meta)
	require.NoError(t, err)
	assert.Contains(t, *md[azureMetaEncryption], `"EncryptionMode":"FullBlob"`)

	// the service returns metadata names capitalized
	upper := map[string]*string{}
	for k, v := range md {
		upper[strings.ToUpper(k[:1])+k[1:]] = v
	}
	back, err := fromAzureMetadata(upper)
	require.NoError(t, err)
	if diff := cmp.Diff(&meta, back); diff != "" {
		t.Errorf("Azure metadata mismatch (-want +got):\n%s", diff)
	}

	t.Run("invalid encryption data", func(t *testing.T) {
		bad := "{"
		_, err := fromAzureMetadata(map[string]*string{azureMetaEncryption: &bad})
		assert.ErrorContains(t, err, "invalid Azure encryption metadata")
	})
}

func TestGCSMetadata(t *testing.T) {
	meta := FileMetadata{Digest: "abc=", Encryption: sampleEncryption}
	md, err := gcsMetadata(meta)
	require.NoError(t, err)
	back, err := fromGCSMetadata(md)
	require.NoError(t, err)
	if diff := cmp.Diff(&meta, back); diff != "" {
		t.Errorf("GCS metadata mismatch (-want +got):\n%s", diff)
	}
}

// --- Error mapping ---

func TestS3Store_Wrap(t *testing.T) {
	s := &S3Store{loc: Location{Bucket: "b", Path: "p/"}}

	t.Run("expired token", func(t *testing.T) {
		err := s.wrap("f", &smithy.GenericAPIError{Code: "ExpiredToken", Message: "expired"})
		assert.ErrorIs(t, err, ErrExpiredCredentials)
		assert.Contains(t, err.Error(), "s3://b/p/f")
	})

	t.Run("missing key", func(t *testing.T) {
		err := s.wrap("f", &smithy.GenericAPIError{Code: "NotFound"})
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("other errors pass through", func(t *testing.T) {
		cause := errors.New("boom")
		err := s.wrap("f", cause)
		assert.ErrorIs(t, err, cause)
		assert.NotErrorIs(t, err, ErrNotFound)
	})

	t.Run("nil", func(t *testing.T) {
		assert.NoError(t, s.wrap("f", nil))
	})
}

func TestGCSStore_Wrap(t *testing.T) {
	t.Run("missing object", func(t *testing.T) {
		s := &GCSStore{loc: Location{Bucket: "b"}}
		assert.ErrorIs(t, s.wrap("f", storage.ErrObjectNotExist), ErrNotFound)
	})

	t.Run("unauthorized token", func(t *testing.T) {
		s := &GCSStore{loc: Location{Bucket: "b"}}
		assert.ErrorIs(t, s.wrap("f", &googleapi.Error{Code: http.StatusUnauthorized}), ErrExpiredCredentials)
	})

	t.Run("forbidden presigned URL", func(t *testing.T) {
		s := &GCSStore{loc: Location{PresignedURL: "http://x"}}
		assert.ErrorIs(t, s.wrap("f", &googleapi.Error{Code: http.StatusForbidden}), ErrExpiredCredentials)
	})
}

// --- GCS presigned URLs ---

type presignedBucket struct {
	mu      sync.Mutex
	body    []byte
	headers http.Header
	status  int
}

func (b *presignedBucket) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.status != 0 {
		w.WriteHeader(b.status)
		return
	}
	switch r.Method {
	case http.MethodPut:
		b.body, _ = io.ReadAll(r.Body)
		b.headers = r.Header.Clone()
	case http.MethodGet, http.MethodHead:
		if b.body == nil {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		for k, v := range b.headers {
			if strings.HasPrefix(strings.ToLower(k), gcsMetaHeaderPrefix) {
				w.Header()[k] = v
			}
		}
		if r.Method == http.MethodGet {
			w.Write(b.body)
		}
	}
}

func TestGCSStore_Presigned(t *testing.T) {
	bucket := &presignedBucket{}
	srv := httptest.NewServer(bucket)
	defer srv.Close()

	store, err := NewGCSStore(context.Background(), Location{Type: LocationGCS, Bucket: "b", PresignedURL: srv.URL + "/upload?sig=1"})
	require.NoError(t, err)
	defer store.Close()
	ctx := context.Background()

	t.Run("stat before upload reports not found", func(t *testing.T) {
		_, err := store.Stat(ctx, "data.csv")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("put then get keeps metadata", func(t *testing.T) {
		meta := FileMetadata{Digest: "abc=", Encryption: sampleEncryption}
		require.NoError(t, store.Put(ctx, "data.csv", bytes.NewReader([]byte("payload")), 7, meta))
		assert.Equal(t, "abc=", bucket.headers.Get(gcsMetaHeaderPrefix+gcsMetaDigest))

		rc, got, err := store.Get(ctx, "data.csv")
		require.NoError(t, err)
		defer rc.Close()
		body, err := io.ReadAll(rc)
		require.NoError(t, err)
		assert.Equal(t, "payload", string(body))
		assert.Equal(t, "abc=", got.Digest)
		require.NotNil(t, got.Encryption)
		assert.Equal(t, sampleEncryption.Key, got.Encryption.Key)
	})

	t.Run("stat after upload reads metadata from headers", func(t *testing.T) {
		meta, err := store.Stat(ctx, "data.csv")
		require.NoError(t, err)
		assert.Equal(t, "abc=", meta.Digest)
		require.NotNil(t, meta.Encryption)
		assert.Equal(t, sampleEncryption.IV, meta.Encryption.IV)
	})

	t.Run("stat on a URL that rejects HEAD reports not found", func(t *testing.T) {
		rejecting := httptest.NewServer(&presignedBucket{status: http.StatusForbidden})
		defer rejecting.Close()
		s, err := NewGCSStore(ctx, Location{Type: LocationGCS, PresignedURL: rejecting.URL + "/upload?sig=1"})
		require.NoError(t, err)
		_, err = s.Stat(ctx, "data.csv")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("expired URL", func(t *testing.T) {
		bucket.mu.Lock()
		bucket.status = http.StatusForbidden
		bucket.mu.Unlock()
		_, _, err := store.Get(ctx, "data.csv")
		assert.ErrorIs(t, err, ErrExpiredCredentials)
	})
}
