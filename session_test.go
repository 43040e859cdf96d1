package snowflake

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/ethanyzhang/snowflake-go/snowflaketest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Session validity ---

func TestSession_Valid(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name string
		s    *Session
		want bool
	}{
		{"nil session", nil, false},
		{"no token", &Session{ExpiresAt: now.Add(time.Hour)}, false},
		{"fresh token", &Session{SessionToken: "t", ExpiresAt: now.Add(time.Hour)}, true},
		{"inside the safety margin", &Session{SessionToken: "t", ExpiresAt: now.Add(sessionSafetyMargin / 2)}, false},
		{"expired", &Session{SessionToken: "t", ExpiresAt: now.Add(-time.Minute)}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.s.Valid(now))
		})
	}

	t.Run("renewable while the master token lasts", func(t *testing.T) {
		s := &Session{MasterToken: "m", MasterExpiresAt: now.Add(time.Hour)}
		assert.True(t, s.renewable(now))
		s.MasterExpiresAt = now
		assert.False(t, s.renewable(now))
	})
}

// --- Login ---

func TestEnsureSession_Login(t *testing.T) {
	c, mock := newMockClient(t)
	ctx := context.Background()

	s, err := c.EnsureSession(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, s.SessionToken)
	assert.NotEmpty(t, s.MasterToken)
	assert.Equal(t, "ANALYTICS", s.Database)
	assert.Equal(t, "PUBLIC", s.Schema)
	assert.Equal(t, AuthenticatorPassword, s.Authenticator)
	assert.True(t, s.ExpiresAt.After(s.IssuedAt))

	again, err := c.EnsureSession(ctx)
	require.NoError(t, err)
	assert.Same(t, s, again)
	assert.Equal(t, int64(1), mock.Logins())
}

func TestEnsureSession_ConcurrentCallersShareOneLogin(t *testing.T) {
	c, mock := newMockClient(t)

	const callers = 16
	sessions := make([]*Session, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := c.EnsureSession(context.Background())
			assert.NoError(t, err)
			sessions[i] = s
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), mock.Logins())
	for _, s := range sessions {
		assert.Same(t, sessions[0], s)
	}
}

func TestEnsureSession_AuthFailures(t *testing.T) {
	t.Run("wrong password is rejected without retry", func(t *testing.T) {
		c, mock := newMockClient(t, func(cfg *Config) { cfg.Password = "wrong" })
		_, err := c.EnsureSession(context.Background())

		var authErr *AuthError
		require.ErrorAs(t, err, &authErr)
		assert.Equal(t, snowflaketest.CodeIncorrectLogin, authErr.Code)
		assert.Equal(t, int64(1), mock.Logins())
	})

	t.Run("HTTP 401 maps to AuthError", func(t *testing.T) {
		c, mock := newMockClient(t)
		mock.FailNext("/session/v1/login-request", http.StatusUnauthorized, 1)
		_, err := c.EnsureSession(context.Background())

		var authErr *AuthError
		require.ErrorAs(t, err, &authErr)
		assert.Equal(t, "401", authErr.Code)
	})

	t.Run("transient login failures are retried", func(t *testing.T) {
		c, mock := newMockClient(t)
		mock.FailNext("/session/v1/login-request", http.StatusServiceUnavailable, 2)
		_, err := c.EnsureSession(context.Background())
		require.NoError(t, err)
		assert.Equal(t, int64(1), mock.Logins())
	})
}

func TestEnsureSession_KeyPair(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	mock := snowflaketest.NewMockServer()
	defer mock.Close()
	mock.AddKeyPairUser("svc_etl", &key.PublicKey)

	cfg := mockConfig(t, mock)
	cfg.User = "svc_etl"
	cfg.Password = ""
	cfg.Authenticator = AuthenticatorJWT

	t.Run("registered key", func(t *testing.T) {
		cred, err := NewKeyPairCredential(key, time.Minute)
		require.NoError(t, err)
		c, err := NewClient(cfg, WithCredential(cred))
		require.NoError(t, err)
		s, err := c.EnsureSession(context.Background())
		require.NoError(t, err)
		assert.Equal(t, AuthenticatorJWT, s.Authenticator)
	})

	t.Run("unknown key", func(t *testing.T) {
		other, err := rsa.GenerateKey(rand.Reader, 2048)
		require.NoError(t, err)
		cred, err := NewKeyPairCredential(other, time.Minute)
		require.NoError(t, err)
		c, err := NewClient(cfg, WithCredential(cred))
		require.NoError(t, err)

		_, err = c.EnsureSession(context.Background())
		var authErr *AuthError
		require.ErrorAs(t, err, &authErr)
		assert.Equal(t, snowflaketest.CodeInvalidJWT, authErr.Code)
	})
}

func TestEnsureSession_CanceledCaller(t *testing.T) {
	c, _ := newMockClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.EnsureSession(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

// --- Refresh ---

func TestSessionRefresh(t *testing.T) {
	t.Run("expired session token is renewed with the master token", func(t *testing.T) {
		c, mock := newMockClient(t)
		ctx := context.Background()
		first, err := c.EnsureSession(ctx)
		require.NoError(t, err)

		mock.ExpireSessions()
		require.NoError(t, c.Heartbeat(ctx))

		assert.Equal(t, int64(1), mock.Logins())
		assert.Equal(t, int64(1), mock.Renewals())
		assert.Equal(t, int64(1), mock.Heartbeats())

		current, err := c.EnsureSession(ctx)
		require.NoError(t, err)
		assert.NotEqual(t, first.SessionToken, current.SessionToken)
		assert.Equal(t, first.MasterToken, current.MasterToken)
	})

	t.Run("expired master token falls back to a fresh login", func(t *testing.T) {
		c, mock := newMockClient(t)
		ctx := context.Background()
		_, err := c.EnsureSession(ctx)
		require.NoError(t, err)

		mock.ExpireMasters()
		require.NoError(t, c.Heartbeat(ctx))

		assert.Equal(t, int64(2), mock.Logins())
		assert.Equal(t, int64(1), mock.Renewals())
	})

	t.Run("concurrent expiries share one renewal", func(t *testing.T) {
		c, mock := newMockClient(t)
		ctx := context.Background()
		_, err := c.EnsureSession(ctx)
		require.NoError(t, err)
		mock.ExpireSessions()

		var wg sync.WaitGroup
		for range 8 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				assert.NoError(t, c.Heartbeat(ctx))
			}()
		}
		wg.Wait()

		assert.Equal(t, int64(1), mock.Logins())
		assert.Equal(t, int64(1), mock.Renewals())
	})

	t.Run("invalidate forces a new login", func(t *testing.T) {
		c, mock := newMockClient(t)
		ctx := context.Background()
		_, err := c.EnsureSession(ctx)
		require.NoError(t, err)

		c.Invalidate()
		_, err = c.EnsureSession(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(2), mock.Logins())
		assert.Zero(t, mock.Renewals())
	})
}

// --- Close ---

func TestClient_Close(t *testing.T) {
	c, mock := newMockClient(t)
	ctx := context.Background()
	_, err := c.EnsureSession(ctx)
	require.NoError(t, err)

	require.NoError(t, c.Close(ctx))
	assert.Equal(t, int64(1), mock.Logouts())

	t.Run("close is idempotent", func(t *testing.T) {
		require.NoError(t, c.Close(ctx))
		assert.Equal(t, int64(1), mock.Logouts())
	})

	t.Run("calls after close fail", func(t *testing.T) {
		_, err := c.EnsureSession(ctx)
		assert.ErrorIs(t, err, ErrSessionClosed)
		_, err = c.Query(ctx, "SELECT 1")
		assert.True(t, errors.Is(err, ErrSessionClosed))
	})
}

func TestClient_CloseWithoutSession(t *testing.T) {
	c, mock := newMockClient(t)
	require.NoError(t, c.Close(context.Background()))
	assert.Zero(t, mock.Logouts())
}

// --- Heartbeat ---

func TestKeepAlive(t *testing.T) {
	c, mock := newMockClient(t)
	_, err := c.EnsureSession(context.Background())
	require.NoError(t, err)

	stop := c.KeepAlive(context.Background(), 5*time.Millisecond)
	require.Eventually(t, func() bool { return mock.Heartbeats() >= 2 }, 2*time.Second, 5*time.Millisecond)
	stop()

	after := mock.Heartbeats()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, after, mock.Heartbeats())
}
