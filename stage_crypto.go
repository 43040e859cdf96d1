package snowflake

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/ethanyzhang/snowflake-go/stagestore"
)

// materialDescriptor names the stage master key that wrapped a file key.
type materialDescriptor struct {
	SmkID   string `json:"smkId"`
	QueryID string `json:"queryId"`
	KeySize string `json:"keySize"`
}

// contentDigest returns the base64 SHA-256 stored as sfc-digest.
func contentDigest(data []byte) string {
	sum := sha256.Sum256(data)
	return base64.StdEncoding.EncodeToString(sum[:])
}

// encryptFile encrypts plain with a fresh random file key. The file key is
// wrapped with the stage master key and returned in the metadata.
func encryptFile(plain []byte, mat *encryptionMaterial) ([]byte, *stagestore.EncryptionMetadata, error) {
	master, err := mat.masterKey()
	if err != nil {
		return nil, nil, err
	}
	defer clear(master)

	fileKey := make([]byte, len(master))
	defer clear(fileKey)
	if _, err := rand.Read(fileKey); err != nil {
		return nil, nil, err
	}
	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, nil, err
	}

	block, err := aes.NewCipher(fileKey)
	if err != nil {
		return nil, nil, err
	}
	padded := pkcs7Pad(plain, aes.BlockSize)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)

	wrapped, err := ecbCrypt(master, fileKey, true)
	if err != nil {
		return nil, nil, err
	}
	matdesc, err := json.Marshal(materialDescriptor{
		SmkID:   strconv.FormatInt(mat.SmkID, 10),
		QueryID: mat.QueryID,
		KeySize: strconv.Itoa(len(master) * 8),
	})
	if err != nil {
		return nil, nil, err
	}
	return out, &stagestore.EncryptionMetadata{
		Key:     base64.StdEncoding.EncodeToString(wrapped),
		IV:      base64.StdEncoding.EncodeToString(iv),
		MatDesc: string(matdesc),
	}, nil
}

// decryptFile reverses encryptFile.
func decryptFile(data []byte, meta *stagestore.EncryptionMetadata, mat *encryptionMaterial) ([]byte, error) {
	master, err := mat.masterKey()
	if err != nil {
		return nil, err
	}
	defer clear(master)

	wrapped, err := base64.StdEncoding.DecodeString(meta.Key)
	if err != nil {
		return nil, fmt.Errorf("invalid wrapped file key: %w", err)
	}
	iv, err := base64.StdEncoding.DecodeString(meta.IV)
	if err != nil {
		return nil, fmt.Errorf("invalid content iv: %w", err)
	}
	if len(iv) != aes.BlockSize {
		return nil, fmt.Errorf("invalid content iv length %d", len(iv))
	}
	fileKey, err := ecbCrypt(master, wrapped, false)
	if err != nil {
		return nil, err
	}
	defer clear(fileKey)

	block, err := aes.NewCipher(fileKey)
	if err != nil {
		return nil, err
	}
	if len(data)%aes.BlockSize != 0 {
		return nil, errors.New("encrypted content is not a whole number of blocks")
	}
	out := make([]byte, len(data))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, data)
	return pkcs7Unpad(out, aes.BlockSize)
}

// ecbCrypt encrypts or decrypts a key-sized payload block by block.
func ecbCrypt(key, data []byte, encrypt bool) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 || len(data)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("key material length %d is not a multiple of the block size", len(data))
	}
	out := make([]byte, len(data))
	for i := 0; i < len(data); i += aes.BlockSize {
		if encrypt {
			block.Encrypt(out[i:i+aes.BlockSize], data[i:i+aes.BlockSize])
		} else {
			block.Decrypt(out[i:i+aes.BlockSize], data[i:i+aes.BlockSize])
		}
	}
	return out, nil
}

func pkcs7Pad(data []byte, size int) []byte {
	n := size - len(data)%size
	return append(bytes.Clone(data), bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(data []byte, size int) ([]byte, error) {
	if len(data) == 0 || len(data)%size != 0 {
		return nil, errors.New("invalid padded content length")
	}
	n := int(data[len(data)-1])
	if n == 0 || n > size {
		return nil, errors.New("invalid content padding")
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, errors.New("invalid content padding")
		}
	}
	return data[:len(data)-n], nil
}
