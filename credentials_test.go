package snowflake

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return key
}

func pemPKCS8(t *testing.T, key *rsa.PrivateKey) []byte {
	t.Helper()
	der, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
}

func TestParsePrivateKey(t *testing.T) {
	key := testKey(t)

	t.Run("PKCS#8", func(t *testing.T) {
		got, err := ParsePrivateKey(pemPKCS8(t, key))
		require.NoError(t, err)
		assert.True(t, key.Equal(got))
	})

	t.Run("PKCS#1", func(t *testing.T) {
		data := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
		got, err := ParsePrivateKey(data)
		require.NoError(t, err)
		assert.True(t, key.Equal(got))
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := ParsePrivateKey([]byte("-----BEGIN NOTHING-----"))
		assert.ErrorContains(t, err, "parse private key")
	})
}

func TestKeyPairCredential(t *testing.T) {
	key := testKey(t)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	cred, err := NewKeyPairCredential(key, 2*time.Minute)
	require.NoError(t, err)
	cred.now = func() time.Time { return now }

	t.Run("fingerprint is the SHA-256 of the public key", func(t *testing.T) {
		der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
		require.NoError(t, err)
		sum := sha256.Sum256(der)
		assert.Equal(t, "SHA256:"+base64.StdEncoding.EncodeToString(sum[:]), cred.Fingerprint())
	})

	t.Run("assertion claims", func(t *testing.T) {
		signed, err := cred.Assertion("xy12345.us-east-1", "alice")
		require.NoError(t, err)

		claims := &jwt.RegisteredClaims{}
		_, err = jwt.ParseWithClaims(signed, claims, func(tok *jwt.Token) (any, error) {
			return &key.PublicKey, nil
		}, jwt.WithValidMethods([]string{"RS256"}), jwt.WithTimeFunc(func() time.Time { return now }))
		require.NoError(t, err)

		assert.Equal(t, "XY12345.ALICE", claims.Subject)
		assert.Equal(t, "XY12345.ALICE."+cred.Fingerprint(), claims.Issuer)
		assert.Equal(t, now, claims.IssuedAt.Time.UTC())
		assert.Equal(t, now.Add(2*time.Minute), claims.ExpiresAt.Time.UTC())
	})

	t.Run("login proof", func(t *testing.T) {
		proof, err := cred.loginProof(context.Background(), "acct", "bob")
		require.NoError(t, err)
		assert.Equal(t, "SNOWFLAKE_JWT", proof.Authenticator)
		assert.NotEmpty(t, proof.Token)
		assert.Empty(t, proof.Password)
	})

	t.Run("lifetime bounds", func(t *testing.T) {
		short, err := NewKeyPairCredential(key, 0)
		require.NoError(t, err)
		assert.Equal(t, 60*time.Second, short.lifetime)
		long, err := NewKeyPairCredential(key, 24*time.Hour)
		require.NoError(t, err)
		assert.Equal(t, time.Hour, long.lifetime)
	})

	t.Run("missing key is an error", func(t *testing.T) {
		_, err := NewKeyPairCredential(nil, time.Minute)
		assert.ErrorContains(t, err, "needs a private key")

		_, err = NewKeyPairCredential(&rsa.PrivateKey{}, time.Minute)
		assert.ErrorContains(t, err, "no modulus")
	})
}

func TestNormalizeAccount(t *testing.T) {
	assert.Equal(t, "XY12345", normalizeAccount("xy12345"))
	assert.Equal(t, "XY12345", normalizeAccount("xy12345.us-east-1.aws"))
	assert.Equal(t, "MYORG-ACCT", normalizeAccount("myorg-acct"))
}

func TestPasswordCredential(t *testing.T) {
	proof, err := PasswordCredential{Password: "p"}.loginProof(context.Background(), "a", "u")
	require.NoError(t, err)
	assert.Equal(t, loginProof{Password: "p"}, proof)

	_, err = PasswordCredential{}.loginProof(context.Background(), "a", "u")
	assert.ErrorContains(t, err, "empty password")
}

func TestOAuthCredential(t *testing.T) {
	boom := errors.New("idp unavailable")
	tests := []struct {
		name    string
		cred    OAuthCredential
		wantErr string
	}{
		{"no token source", OAuthCredential{}, "no token source"},
		{"source fails", OAuthCredential{Token: func(context.Context) (string, error) { return "", boom }}, "idp unavailable"},
		{"empty token", OAuthCredential{Token: func(context.Context) (string, error) { return "", nil }}, "empty oauth token"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.cred.loginProof(context.Background(), "a", "")
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}

	t.Run("source error is wrapped", func(t *testing.T) {
		_, err := OAuthCredential{Token: func(context.Context) (string, error) { return "", boom }}.loginProof(context.Background(), "a", "")
		assert.ErrorIs(t, err, boom)
	})
}
