package oauth2

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"

	"github.com/ethanyzhang/snowflake-go/snowflaketest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func newTokenServer(t *testing.T, token string) (*httptest.Server, *atomic.Int64) {
	t.Helper()
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"` + token + `","token_type":"Bearer","expires_in":3600}`))
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func mockDSN(t *testing.T, mock *snowflaketest.MockServer, query string) string {
	t.Helper()
	u, err := url.Parse(mock.URL())
	require.NoError(t, err)
	return "snowflake://acct/db/public?protocol=http&host=" + u.Hostname() + "&port=" + u.Port() + "&" + query
}

func TestStaticToken(t *testing.T) {
	token, err := StaticToken("my-token").Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "my-token", token)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{
			name:    "missing client ID",
			cfg:     Config{ClientSecret: "secret", TokenURL: "http://auth/token"},
			wantErr: "ClientID is required",
		},
		{
			name:    "missing client secret",
			cfg:     Config{ClientID: "id", TokenURL: "http://auth/token"},
			wantErr: "ClientSecret is required",
		},
		{
			name:    "missing token URL",
			cfg:     Config{ClientID: "id", ClientSecret: "secret"},
			wantErr: "TokenURL is required",
		},
		{
			name: "valid config",
			cfg:  Config{ClientID: "id", ClientSecret: "secret", TokenURL: "http://auth/token"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.validate()
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNewCredential(t *testing.T) {
	t.Run("rejects an invalid config", func(t *testing.T) {
		_, err := NewCredential(Config{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "ClientID is required")
	})

	t.Run("caches the client credentials token", func(t *testing.T) {
		srv, calls := newTokenServer(t, "cc-token")
		cred, err := NewCredential(Config{
			ClientID:     "my-client",
			ClientSecret: "my-secret",
			TokenURL:     srv.URL,
			Scopes:       []string{"session:role:analyst"},
		})
		require.NoError(t, err)

		for range 3 {
			token, err := cred.Token(context.Background())
			require.NoError(t, err)
			assert.Equal(t, "cc-token", token)
		}
		assert.Equal(t, int64(1), calls.Load())
	})
}

type failingSource struct{}

func (failingSource) Token() (*oauth2.Token, error) { return nil, errors.New("metadata unavailable") }

func TestTokenSource(t *testing.T) {
	t.Run("returns the access token", func(t *testing.T) {
		cred := TokenSource(oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "abc"}))
		token, err := cred.Token(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "abc", token)
	})

	t.Run("propagates source errors", func(t *testing.T) {
		_, err := TokenSource(failingSource{}).Token(context.Background())
		assert.ErrorContains(t, err, "metadata unavailable")
	})

	t.Run("honors a canceled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := TokenSource(failingSource{}).Token(ctx)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestParseDSN(t *testing.T) {
	t.Run("no OAuth2 params", func(t *testing.T) {
		cred, cleanDSN, err := parseDSN("snowflake://acct/db?warehouse=wh")
		require.NoError(t, err)
		assert.Nil(t, cred)
		assert.Contains(t, cleanDSN, "warehouse=wh")
	})

	t.Run("client credentials missing secret", func(t *testing.T) {
		_, _, err := parseDSN("snowflake://acct?oauth2_client_id=id&oauth2_token_url=http://auth/token")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "ClientSecret is required")
	})

	t.Run("invalid DSN", func(t *testing.T) {
		_, _, err := parseDSN("://bad")
		require.Error(t, err)
	})

	t.Run("client credentials are stripped", func(t *testing.T) {
		srv, _ := newTokenServer(t, "cc-token")
		dsn := "snowflake://acct/db?oauth2_client_id=id&oauth2_client_secret=secret&oauth2_token_url=" +
			url.QueryEscape(srv.URL) + "&oauth2_scopes=read,%20write&warehouse=wh"
		cred, cleanDSN, err := parseDSN(dsn)
		require.NoError(t, err)
		require.NotNil(t, cred)

		assert.NotContains(t, cleanDSN, "oauth2_")
		assert.Contains(t, cleanDSN, "warehouse=wh")
		assert.Contains(t, cleanDSN, "authenticator=oauth")
	})
}

func TestNewConnector(t *testing.T) {
	t.Run("logs in with a client credentials token", func(t *testing.T) {
		mock := snowflaketest.NewMockServer()
		defer mock.Close()
		mock.AddOAuthToken("cc-token", "svc_loader")
		srv, _ := newTokenServer(t, "cc-token")

		dsn := mockDSN(t, mock, "oauth2_client_id=id&oauth2_client_secret=secret&oauth2_token_url="+url.QueryEscape(srv.URL))
		connector, err := NewConnector(dsn)
		require.NoError(t, err)

		db := sql.OpenDB(connector)
		defer db.Close()
		require.NoError(t, db.PingContext(context.Background()))
		assert.Equal(t, int64(1), mock.Logins())
	})

	t.Run("rejects an unknown token", func(t *testing.T) {
		mock := snowflaketest.NewMockServer()
		defer mock.Close()
		srv, _ := newTokenServer(t, "stolen")

		dsn := mockDSN(t, mock, "oauth2_client_id=id&oauth2_client_secret=secret&oauth2_token_url="+url.QueryEscape(srv.URL))
		connector, err := NewConnector(dsn)
		require.NoError(t, err)

		db := sql.OpenDB(connector)
		defer db.Close()
		assert.Error(t, db.PingContext(context.Background()))
	})

	t.Run("without OAuth2 params", func(t *testing.T) {
		connector, err := NewConnector("snowflake://user:pw@acct/db")
		require.NoError(t, err)
		assert.NotNil(t, connector)
	})

	t.Run("invalid DSN", func(t *testing.T) {
		_, err := NewConnector("://bad")
		require.Error(t, err)
	})
}
