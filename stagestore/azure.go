package stagestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
)

// Azure metadata names must be valid identifiers.
const (
	azureMetaEncryption = "encryptiondata"
	azureMetaMatDesc    = "matdesc"
	azureMetaDigest     = "sfcdigest"
)

// azureEncryptionData is the envelope stored under azureMetaEncryption.
type azureEncryptionData struct {
	EncryptionMode    string `json:"EncryptionMode"`
	WrappedContentKey struct {
		KeyID        string `json:"KeyId"`
		EncryptedKey string `json:"EncryptedKey"`
		Algorithm    string `json:"Algorithm"`
	} `json:"WrappedContentKey"`
	ContentEncryptionIV string `json:"ContentEncryptionIV"`
}

// AzureStore stores objects in an Azure blob container.
type AzureStore struct {
	client *azblob.Client
	loc    Location
}

// NewAzureStore creates a blob client authorized by the location's SAS token.
func NewAzureStore(loc Location) (*AzureStore, error) {
	if loc.StorageAccount == "" || loc.Bucket == "" {
		return nil, errors.New("stagestore: Azure location needs a storage account and container")
	}
	endpoint := loc.Endpoint
	if endpoint == "" {
		endpoint = "blob.core.windows.net"
	}
	serviceURL := fmt.Sprintf("https://%s.%s/?%s", loc.StorageAccount, endpoint,
		strings.TrimPrefix(loc.Credentials.AzureSASToken, "?"))
	client, err := azblob.NewClientWithNoCredential(serviceURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create Azure blob client: %w", err)
	}
	return &AzureStore{client: client, loc: loc}, nil
}

// Put uploads body with the stage metadata.
func (s *AzureStore) Put(ctx context.Context, name string, body io.Reader, size int64, meta FileMetadata) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	md, err := azureMetadata(meta)
	if err != nil {
		return err
	}
	_, err = s.client.UploadBuffer(ctx, s.loc.Bucket, s.loc.Key(name), data, &azblob.UploadBufferOptions{Metadata: md})
	return s.wrap(name, err)
}

// Get downloads a blob and its metadata.
func (s *AzureStore) Get(ctx context.Context, name string) (io.ReadCloser, *FileMetadata, error) {
	resp, err := s.client.DownloadStream(ctx, s.loc.Bucket, s.loc.Key(name), nil)
	if err != nil {
		return nil, nil, s.wrap(name, err)
	}
	meta, err := fromAzureMetadata(resp.Metadata)
	if err != nil {
		resp.Body.Close()
		return nil, nil, err
	}
	if resp.ContentLength != nil {
		meta.Size = *resp.ContentLength
	}
	return resp.Body, meta, nil
}

// Stat returns the metadata of a blob, or ErrNotFound.
func (s *AzureStore) Stat(ctx context.Context, name string) (*FileMetadata, error) {
	blob := s.client.ServiceClient().NewContainerClient(s.loc.Bucket).NewBlobClient(s.loc.Key(name))
	props, err := blob.GetProperties(ctx, nil)
	if err != nil {
		return nil, s.wrap(name, err)
	}
	meta, err := fromAzureMetadata(props.Metadata)
	if err != nil {
		return nil, err
	}
	if props.ContentLength != nil {
		meta.Size = *props.ContentLength
	}
	return meta, nil
}

// Close is a no-op.
func (s *AzureStore) Close() error { return nil }

func (s *AzureStore) wrap(name string, err error) error {
	if err == nil {
		return nil
	}
	path := s.loc.Bucket + "/" + s.loc.Key(name)
	switch {
	case bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ResourceNotFound):
		return fmt.Errorf("azure://%s: %w", path, ErrNotFound)
	case bloberror.HasCode(err, bloberror.AuthenticationFailed, bloberror.AuthorizationFailure):
		return fmt.Errorf("azure://%s: %w: %w", path, ErrExpiredCredentials, err)
	}
	return fmt.Errorf("azure://%s: %w", path, err)
}

func azureMetadata(meta FileMetadata) (map[string]*string, error) {
	md := map[string]*string{}
	if meta.Digest != "" {
		md[azureMetaDigest] = &meta.Digest
	}
	if enc := meta.Encryption; enc != nil {
		var ed azureEncryptionData
		ed.EncryptionMode = "FullBlob"
		ed.WrappedContentKey.KeyID = "symmKey1"
		ed.WrappedContentKey.EncryptedKey = enc.Key
		ed.WrappedContentKey.Algorithm = "AES_CBC_256"
		ed.ContentEncryptionIV = enc.IV
		raw, err := json.Marshal(ed)
		if err != nil {
			return nil, err
		}
		s := string(raw)
		md[azureMetaEncryption] = &s
		md[azureMetaMatDesc] = &enc.MatDesc
	}
	return md, nil
}

func fromAzureMetadata(md map[string]*string) (*FileMetadata, error) {
	get := func(k string) string {
		// the service may return metadata names with altered casing
		for name, v := range md {
			if strings.EqualFold(name, k) && v != nil {
				return *v
			}
		}
		return ""
	}
	meta := &FileMetadata{Digest: get(azureMetaDigest)}
	if raw := get(azureMetaEncryption); raw != "" {
		var ed azureEncryptionData
		if err := json.Unmarshal([]byte(raw), &ed); err != nil {
			return nil, fmt.Errorf("stagestore: invalid Azure encryption metadata: %w", err)
		}
		meta.Encryption = &EncryptionMetadata{
			Key:     ed.WrappedContentKey.EncryptedKey,
			IV:      ed.ContentEncryptionIV,
			MatDesc: get(azureMetaMatDesc),
		}
	}
	return meta, nil
}
