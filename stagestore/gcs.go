package stagestore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"cloud.google.com/go/storage"
	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// GCS custom metadata keys.
const (
	gcsMetaEncryption = "encryptiondata"
	gcsMetaMatDesc    = "matdesc"
	gcsMetaDigest     = "sfc-digest"

	// presigned uploads carry metadata as x-goog-meta-* headers
	gcsMetaHeaderPrefix = "x-goog-meta-"
)

// GCSStore stores objects in a GCS bucket. Stages issued with an access
// token use the storage client; stages issued with a presigned URL are
// reached over plain HTTP.
type GCSStore struct {
	client *storage.Client
	http   *http.Client
	loc    Location
}

// NewGCSStore creates a storage client authorized by the location's access
// token, or a presigned-URL store when no token was issued.
func NewGCSStore(ctx context.Context, loc Location) (*GCSStore, error) {
	if loc.Credentials.GCSAccessToken == "" {
		if loc.PresignedURL == "" {
			return nil, errors.New("stagestore: GCS location has neither access token nor presigned URL")
		}
		return &GCSStore{http: http.DefaultClient, loc: loc}, nil
	}
	if loc.Bucket == "" {
		return nil, errors.New("stagestore: GCS location has no bucket")
	}
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: loc.Credentials.GCSAccessToken})
	opts := []option.ClientOption{option.WithTokenSource(ts)}
	if loc.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(loc.Endpoint))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create GCS client: %w", err)
	}
	return &GCSStore{client: client, loc: loc}, nil
}

// Put uploads body with the stage metadata.
func (s *GCSStore) Put(ctx context.Context, name string, body io.Reader, size int64, meta FileMetadata) error {
	md, err := gcsMetadata(meta)
	if err != nil {
		return err
	}
	if s.client == nil {
		return s.presignedPut(ctx, name, body, size, md)
	}
	w := s.client.Bucket(s.loc.Bucket).Object(s.loc.Key(name)).NewWriter(ctx)
	w.Metadata = md
	if _, err := io.Copy(w, body); err != nil {
		w.Close()
		return s.wrap(name, err)
	}
	return s.wrap(name, w.Close())
}

// Get downloads an object and its metadata.
func (s *GCSStore) Get(ctx context.Context, name string) (io.ReadCloser, *FileMetadata, error) {
	if s.client == nil {
		return s.presignedGet(ctx, name)
	}
	obj := s.client.Bucket(s.loc.Bucket).Object(s.loc.Key(name))
	attrs, err := obj.Attrs(ctx)
	if err != nil {
		return nil, nil, s.wrap(name, err)
	}
	r, err := obj.NewReader(ctx)
	if err != nil {
		return nil, nil, s.wrap(name, err)
	}
	meta, err := fromGCSMetadata(attrs.Metadata)
	if err != nil {
		r.Close()
		return nil, nil, err
	}
	meta.Size = attrs.Size
	return r, meta, nil
}

// Stat returns the metadata of an object, or ErrNotFound. Presigned stages
// are inspected with a HEAD request on the presigned URL.
func (s *GCSStore) Stat(ctx context.Context, name string) (*FileMetadata, error) {
	if s.client == nil {
		return s.presignedStat(ctx, name)
	}
	attrs, err := s.client.Bucket(s.loc.Bucket).Object(s.loc.Key(name)).Attrs(ctx)
	if err != nil {
		return nil, s.wrap(name, err)
	}
	meta, err := fromGCSMetadata(attrs.Metadata)
	if err != nil {
		return nil, err
	}
	meta.Size = attrs.Size
	return meta, nil
}

// Close releases the storage client.
func (s *GCSStore) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *GCSStore) presignedPut(ctx context.Context, name string, body io.Reader, size int64, md map[string]string) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, s.loc.PresignedURL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.ContentLength = int64(len(data))
	for k, v := range md {
		req.Header.Set(gcsMetaHeaderPrefix+k, v)
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return s.wrap(name, err)
	}
	defer resp.Body.Close()
	return s.wrap(name, httpStatusError(resp))
}

func (s *GCSStore) presignedGet(ctx context.Context, name string) (io.ReadCloser, *FileMetadata, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.loc.PresignedURL, nil)
	if err != nil {
		return nil, nil, err
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return nil, nil, s.wrap(name, err)
	}
	if err := httpStatusError(resp); err != nil {
		resp.Body.Close()
		return nil, nil, s.wrap(name, err)
	}
	meta, err := fromGCSHeaders(resp)
	if err != nil {
		resp.Body.Close()
		return nil, nil, err
	}
	return resp.Body, meta, nil
}

// presignedStat issues a HEAD on the presigned URL. A URL signed for another
// method is rejected by the service; the object is then reported as absent.
func (s *GCSStore) presignedStat(ctx context.Context, name string) (*FileMetadata, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, s.loc.PresignedURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return nil, s.wrap(name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("gcs presigned %s: status %d: %w", name, resp.StatusCode, ErrNotFound)
	}
	return fromGCSHeaders(resp)
}

func fromGCSHeaders(resp *http.Response) (*FileMetadata, error) {
	md := map[string]string{}
	for _, k := range []string{gcsMetaEncryption, gcsMetaMatDesc, gcsMetaDigest} {
		if v := resp.Header.Get(gcsMetaHeaderPrefix + k); v != "" {
			md[k] = v
		}
	}
	meta, err := fromGCSMetadata(md)
	if err != nil {
		return nil, err
	}
	meta.Size = resp.ContentLength
	return meta, nil
}

func httpStatusError(resp *http.Response) error {
	if resp.StatusCode/100 == 2 {
		return nil
	}
	return &googleapi.Error{Code: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
}

func (s *GCSStore) wrap(name string, err error) error {
	if err == nil {
		return nil
	}
	path := "gcs://" + s.loc.Bucket + "/" + s.loc.Key(name)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("%s: %w", path, ErrNotFound)
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch gerr.Code {
		case http.StatusUnauthorized:
			return fmt.Errorf("%s: %w: %w", path, ErrExpiredCredentials, err)
		case http.StatusNotFound:
			return fmt.Errorf("%s: %w", path, ErrNotFound)
		case http.StatusBadRequest, http.StatusForbidden:
			// expired presigned URLs are rejected with 400 or 403
			if s.client == nil {
				return fmt.Errorf("%s: %w: %w", path, ErrExpiredCredentials, err)
			}
		}
	}
	return fmt.Errorf("%s: %w", path, err)
}

func gcsMetadata(meta FileMetadata) (map[string]string, error) {
	md := map[string]string{}
	if meta.Digest != "" {
		md[gcsMetaDigest] = meta.Digest
	}
	if enc := meta.Encryption; enc != nil {
		raw, err := json.Marshal(map[string]string{
			"EncryptionMode":      "FullBlob",
			"EncryptedKey":        enc.Key,
			"ContentEncryptionIV": enc.IV,
		})
		if err != nil {
			return nil, err
		}
		md[gcsMetaEncryption] = string(raw)
		md[gcsMetaMatDesc] = enc.MatDesc
	}
	return md, nil
}

func fromGCSMetadata(md map[string]string) (*FileMetadata, error) {
	meta := &FileMetadata{Digest: md[gcsMetaDigest]}
	if raw := md[gcsMetaEncryption]; raw != "" {
		var ed map[string]string
		if err := json.Unmarshal([]byte(raw), &ed); err != nil {
			return nil, fmt.Errorf("stagestore: invalid GCS encryption metadata: %w", err)
		}
		meta.Encryption = &EncryptionMetadata{Key: ed["EncryptedKey"], IV: ed["ContentEncryptionIV"], MatDesc: md[gcsMetaMatDesc]}
	}
	return meta, nil
}
