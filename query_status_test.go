package snowflake

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/ethanyzhang/snowflake-go/snowflaketest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueryStatus_Names(t *testing.T) {
	for _, s := range []QueryStatus{QueryStatusRunning, QueryStatusQueuedRepairingWarehouse, QueryStatusNoData} {
		parsed, err := ParseQueryStatus(s.String())
		require.NoError(t, err)
		assert.Equal(t, s, parsed)
	}

	_, err := ParseQueryStatus("EXPLODED")
	assert.Error(t, err)
	assert.Equal(t, "99", QueryStatus(99).String())

	var info QueryStatusInfo
	require.NoError(t, json.Unmarshal([]byte(`{"id":"q1","status":"SOMETHING_NEW","startTime":1714564800000}`), &info))
	assert.Equal(t, QueryStatusUnknown, info.Status)
	assert.Equal(t, int64(1714564800), info.Started().Unix())

	out, err := json.Marshal(QueryStatusAborted)
	require.NoError(t, err)
	assert.Equal(t, `"ABORTED"`, string(out))
}

func TestQueryStatus_Classification(t *testing.T) {
	tests := []struct {
		status           QueryStatus
		running, failure bool
	}{
		{QueryStatusRunning, true, false},
		{QueryStatusQueued, true, false},
		{QueryStatusResumingWarehouse, true, false},
		{QueryStatusNoData, true, false},
		{QueryStatusSuccess, false, false},
		{QueryStatusAborting, false, true},
		{QueryStatusFailedWithError, false, true},
		{QueryStatusFailedWithIncident, false, true},
		{QueryStatusDisconnected, false, true},
		{QueryStatusBlocked, false, true},
		{QueryStatusRestarted, false, false},
		{QueryStatusUnknown, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.status.String(), func(t *testing.T) {
			assert.Equal(t, tt.running, tt.status.IsRunning())
			assert.Equal(t, tt.failure, tt.status.IsError())
		})
	}
}

func TestGetQueryStatus(t *testing.T) {
	t.Run("successful statement", func(t *testing.T) {
		c, _ := newMockClient(t)
		res, err := c.Query(context.Background(), "SELECT 1")
		require.NoError(t, err)
		res.Close()

		info, err := c.GetQueryStatus(context.Background(), res.QueryID)
		require.NoError(t, err)
		assert.Equal(t, res.QueryID, info.QueryID)
		assert.Equal(t, QueryStatusSuccess, info.Status)
		assert.Equal(t, "SELECT 1", info.SQLText)
		assert.False(t, info.Started().IsZero())
	})

	t.Run("failed statement", func(t *testing.T) {
		c, mock := newMockClient(t)
		mock.AddQuery(&snowflaketest.MockQuery{
			SQL:   "SELECT * FROM missing",
			Error: &snowflaketest.MockError{Code: "002003", Message: "Object 'MISSING' does not exist", SQLState: "42S02"},
		})
		_, err := c.Query(context.Background(), "SELECT * FROM missing")
		var sfErr *SnowflakeError
		require.ErrorAs(t, err, &sfErr)
		require.NotEmpty(t, sfErr.QueryID)

		info, err := c.GetQueryStatus(context.Background(), sfErr.QueryID)
		require.NotNil(t, info)
		assert.Equal(t, QueryStatusFailedWithError, info.Status)
		var statusErr *SnowflakeError
		require.ErrorAs(t, err, &statusErr)
		assert.Equal(t, "002003", statusErr.Code)
		assert.Equal(t, sfErr.QueryID, statusErr.QueryID)
	})

	t.Run("unknown id has no data", func(t *testing.T) {
		c, _ := newMockClient(t)
		info, err := c.GetQueryStatus(context.Background(), "01b2-unknown")
		require.NoError(t, err)
		assert.Equal(t, QueryStatusNoData, info.Status)
		assert.True(t, info.Status.IsRunning())
	})

	t.Run("expired session is renewed", func(t *testing.T) {
		c, mock := newMockClient(t)
		_, err := c.EnsureSession(context.Background())
		require.NoError(t, err)
		mock.ExpireSessions()

		_, err = c.GetQueryStatus(context.Background(), "01b2-unknown")
		require.NoError(t, err)
		assert.Equal(t, int64(1), mock.Renewals())
	})

	t.Run("empty id", func(t *testing.T) {
		c, mock := newMockClient(t)
		_, err := c.GetQueryStatus(context.Background(), "")
		assert.Error(t, err)
		assert.Zero(t, mock.Logins())
	})
}
