package snowflake

import (
	"context"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Credential produces the proof presented at login. The available strategies
// are PasswordCredential, *KeyPairCredential and OAuthCredential.
type Credential interface {
	loginProof(ctx context.Context, account, user string) (loginProof, error)
}

// loginProof is the strategy-specific part of a login request.
type loginProof struct {
	Authenticator string
	Password      string
	Token         string
}

// PasswordCredential authenticates with the user's password.
type PasswordCredential struct {
	Password string
}

func (p PasswordCredential) loginProof(context.Context, string, string) (loginProof, error) {
	if p.Password == "" {
		return loginProof{}, errors.New("snowflake: empty password")
	}
	return loginProof{Password: p.Password}, nil
}

// OAuthCredential authenticates with an OAuth access token obtained from Token
// on every login. See the snowflakeauth/oauth2 package for token sources.
type OAuthCredential struct {
	Token func(ctx context.Context) (string, error)
}

func (o OAuthCredential) loginProof(ctx context.Context, _, _ string) (loginProof, error) {
	if o.Token == nil {
		return loginProof{}, errors.New("snowflake: oauth credential has no token source")
	}
	token, err := o.Token(ctx)
	if err != nil {
		return loginProof{}, fmt.Errorf("snowflake: obtain oauth token: %w", err)
	}
	if token == "" {
		return loginProof{}, errors.New("snowflake: empty oauth token")
	}
	return loginProof{Authenticator: "OAUTH", Token: token}, nil
}

// KeyPairCredential authenticates with a short-lived RS256 assertion signed by
// the user's registered RSA key.
type KeyPairCredential struct {
	key         *rsa.PrivateKey
	fingerprint string
	lifetime    time.Duration
	now         func() time.Time
}

// maxJWTLifetime is the longest assertion lifetime the service accepts.
const maxJWTLifetime = time.Hour

// NewKeyPairCredential precomputes the public key fingerprint for key.
// lifetime defaults to 60 seconds and is capped at one hour.
func NewKeyPairCredential(key *rsa.PrivateKey, lifetime time.Duration) (*KeyPairCredential, error) {
	if key == nil {
		return nil, errors.New("snowflake: keypair credential needs a private key")
	}
	fingerprint, err := publicKeyFingerprint(&key.PublicKey)
	if err != nil {
		return nil, err
	}
	if lifetime <= 0 {
		lifetime = 60 * time.Second
	}
	if lifetime > maxJWTLifetime {
		lifetime = maxJWTLifetime
	}
	return &KeyPairCredential{
		key:         key,
		fingerprint: fingerprint,
		lifetime:    lifetime,
		now:         time.Now,
	}, nil
}

// ParsePrivateKey decodes an unencrypted PKCS#1 or PKCS#8 PEM RSA key.
func ParsePrivateKey(pemData []byte) (*rsa.PrivateKey, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM(pemData)
	if err != nil {
		return nil, fmt.Errorf("snowflake: parse private key: %w", err)
	}
	return key, nil
}

// Fingerprint returns "SHA256:" followed by the base64 SHA-256 digest of the
// DER encoded public key.
func (k *KeyPairCredential) Fingerprint() string {
	return k.fingerprint
}

// Assertion mints a signed token for account and user.
func (k *KeyPairCredential) Assertion(account, user string) (string, error) {
	subject := normalizeAccount(account) + "." + strings.ToUpper(user)
	now := k.now()
	claims := jwt.RegisteredClaims{
		Issuer:    subject + "." + k.fingerprint,
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(k.lifetime)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(k.key)
	if err != nil {
		return "", fmt.Errorf("snowflake: sign assertion: %w", err)
	}
	return signed, nil
}

func (k *KeyPairCredential) loginProof(_ context.Context, account, user string) (loginProof, error) {
	token, err := k.Assertion(account, user)
	if err != nil {
		return loginProof{}, err
	}
	return loginProof{Authenticator: "SNOWFLAKE_JWT", Token: token}, nil
}

func publicKeyFingerprint(pub *rsa.PublicKey) (string, error) {
	if pub.N == nil {
		return "", errors.New("snowflake: private key has no modulus")
	}
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("snowflake: encode public key: %w", err)
	}
	sum := sha256.Sum256(der)
	return "SHA256:" + base64.StdEncoding.EncodeToString(sum[:]), nil
}

// normalizeAccount upper-cases the account locator and drops any region or
// cloud suffix ("xy12345.us-east-1" -> "XY12345").
func normalizeAccount(account string) string {
	if i := strings.IndexByte(account, '.'); i >= 0 {
		account = account[:i]
	}
	return strings.ToUpper(account)
}
