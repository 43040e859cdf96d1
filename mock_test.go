package snowflake

import (
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/ethanyzhang/snowflake-go/snowflaketest"
	"github.com/stretchr/testify/require"
)

const (
	testUser     = "alice"
	testPassword = "s3cret"
)

// mockConfig returns a password configuration pointed at mock with fast
// retry and polling.
func mockConfig(t *testing.T, mock *snowflaketest.MockServer) *Config {
	t.Helper()
	u, err := url.Parse(mock.URL())
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.Account = "acct"
	cfg.User = testUser
	cfg.Password = testPassword
	cfg.Database = "ANALYTICS"
	cfg.Schema = "PUBLIC"
	cfg.Host = u.Hostname()
	cfg.Port = port
	cfg.Protocol = "http"
	cfg.LoginTimeout = 5 * time.Second
	cfg.Retry = RetryPolicy{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond, Multiplier: 2}
	cfg.Poll = PollPolicy{InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond, Multiplier: 1.5, Timeout: 5 * time.Second}
	return cfg
}

// newMockClient starts a mock with the test user registered and returns a
// client for it. Both are closed when the test ends.
func newMockClient(t *testing.T, configure ...func(*Config)) (*Client, *snowflaketest.MockServer) {
	t.Helper()
	mock := snowflaketest.NewMockServer()
	t.Cleanup(mock.Close)
	mock.AddUser(testUser, testPassword)

	cfg := mockConfig(t, mock)
	for _, fn := range configure {
		fn(cfg)
	}
	c, err := NewClient(cfg)
	require.NoError(t, err)
	return c, mock
}
