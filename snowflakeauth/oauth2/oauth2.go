// Package oauth2 provides OAuth token sources for snowflake logins. Tokens
// obtained here are presented with the OAUTH authenticator.
package oauth2

import (
	"context"
	"database/sql/driver"
	"fmt"
	"net/url"
	"strings"

	snowflake "github.com/ethanyzhang/snowflake-go"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// --- Static Token ---

// StaticToken returns a credential that always logs in with token. Use this
// for pre-obtained access tokens.
func StaticToken(token string) snowflake.OAuthCredential {
	return snowflake.OAuthCredential{
		Token: func(context.Context) (string, error) { return token, nil },
	}
}

// --- Client Credentials Flow ---

// Config holds OAuth2 client credentials configuration.
type Config struct {
	ClientID     string
	ClientSecret string
	TokenURL     string   // Token endpoint URL
	Scopes       []string // Optional scopes
}

func (c *Config) validate() error {
	if c.ClientID == "" {
		return fmt.Errorf("oauth2: ClientID is required")
	}
	if c.ClientSecret == "" {
		return fmt.Errorf("oauth2: ClientSecret is required")
	}
	if c.TokenURL == "" {
		return fmt.Errorf("oauth2: TokenURL is required")
	}
	return nil
}

// NewCredential returns a credential that obtains tokens with the client
// credentials flow. Tokens are cached until they expire, so a session renewal
// that falls back to a fresh login only hits the token endpoint when needed.
func NewCredential(cfg Config) (snowflake.OAuthCredential, error) {
	if err := cfg.validate(); err != nil {
		return snowflake.OAuthCredential{}, err
	}
	ccCfg := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.TokenURL,
		Scopes:       cfg.Scopes,
	}
	return TokenSource(ccCfg.TokenSource(context.Background())), nil
}

// TokenSource wraps any oauth2.TokenSource, e.g. one reading a token file or
// a metadata service.
func TokenSource(ts oauth2.TokenSource) snowflake.OAuthCredential {
	return snowflake.OAuthCredential{
		Token: func(ctx context.Context) (string, error) {
			if err := ctx.Err(); err != nil {
				return "", err
			}
			token, err := ts.Token()
			if err != nil {
				return "", err
			}
			return token.AccessToken, nil
		},
	}
}

// --- DSN Integration ---

// DSN parameter names for OAuth2 configuration.
const (
	dsnClientID     = "oauth2_client_id"
	dsnClientSecret = "oauth2_client_secret"
	dsnTokenURL     = "oauth2_token_url"
	dsnScopes       = "oauth2_scopes"
)

var oauth2DSNParams = []string{dsnClientID, dsnClientSecret, dsnTokenURL, dsnScopes}

// parseDSN strips the client credentials parameters from dsn. When they are
// present it returns a credential and forces the oauth authenticator.
func parseDSN(dsn string) (*snowflake.OAuthCredential, string, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return nil, "", fmt.Errorf("oauth2: invalid DSN: %w", err)
	}

	q := u.Query()
	clientID := q.Get(dsnClientID)
	cfg := Config{
		ClientID:     clientID,
		ClientSecret: q.Get(dsnClientSecret),
		TokenURL:     q.Get(dsnTokenURL),
	}
	for _, s := range strings.Split(q.Get(dsnScopes), ",") {
		if trimmed := strings.TrimSpace(s); trimmed != "" {
			cfg.Scopes = append(cfg.Scopes, trimmed)
		}
	}
	for _, key := range oauth2DSNParams {
		q.Del(key)
	}

	if clientID == "" {
		u.RawQuery = q.Encode()
		return nil, u.String(), nil
	}

	cred, err := NewCredential(cfg)
	if err != nil {
		return nil, "", err
	}
	q.Set("authenticator", snowflake.AuthenticatorOAuth)
	u.RawQuery = q.Encode()
	return &cred, u.String(), nil
}

// NewConnector creates a driver.Connector that logs in with the client
// credentials flow configured by the oauth2_client_id, oauth2_client_secret,
// oauth2_token_url and oauth2_scopes DSN parameters. Those parameters are
// stripped before the DSN reaches snowflake.NewConnector. A plain token can
// still be passed with the token parameter and authenticator=oauth.
func NewConnector(dsn string, opts ...snowflake.ConnectorOption) (driver.Connector, error) {
	cred, cleanDSN, err := parseDSN(dsn)
	if err != nil {
		return nil, err
	}
	if cred != nil {
		credOpt := snowflake.WithClientOptions(snowflake.WithCredential(*cred))
		opts = append([]snowflake.ConnectorOption{credOpt}, opts...)
	}
	return snowflake.NewConnector(cleanDSN, opts...)
}
