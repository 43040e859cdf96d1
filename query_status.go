package snowflake

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/ethanyzhang/snowflake-go/internal/bimap"
)

const monitoringPathFmt = "monitoring/queries/%s"

// QueryStatus is the execution state reported by the monitoring endpoint.
type QueryStatus int8

const (
	// QueryStatusUnknown is returned for states this client does not know
	QueryStatusUnknown QueryStatus = iota
	QueryStatusRunning
	QueryStatusAborting
	QueryStatusSuccess
	QueryStatusFailedWithError
	QueryStatusAborted
	QueryStatusQueued
	QueryStatusFailedWithIncident
	QueryStatusDisconnected
	QueryStatusResumingWarehouse
	QueryStatusQueuedRepairingWarehouse
	QueryStatusRestarted
	QueryStatusBlocked
	QueryStatusNoData
)

var queryStatusNames = bimap.New(map[QueryStatus]string{
	QueryStatusUnknown:                  "UNKNOWN",
	QueryStatusRunning:                  "RUNNING",
	QueryStatusAborting:                 "ABORTING",
	QueryStatusSuccess:                  "SUCCESS",
	QueryStatusFailedWithError:          "FAILED_WITH_ERROR",
	QueryStatusAborted:                  "ABORTED",
	QueryStatusQueued:                   "QUEUED",
	QueryStatusFailedWithIncident:       "FAILED_WITH_INCIDENT",
	QueryStatusDisconnected:             "DISCONNECTED",
	QueryStatusResumingWarehouse:        "RESUMING_WAREHOUSE",
	QueryStatusQueuedRepairingWarehouse: "QUEUED_REPARING_WAREHOUSE",
	QueryStatusRestarted:                "RESTARTED",
	QueryStatusBlocked:                  "BLOCKED",
	QueryStatusNoData:                   "NO_DATA",
})

// String returns the wire name of the status.
func (s QueryStatus) String() string {
	if name, ok := queryStatusNames.Value(s); ok {
		return name
	}
	return strconv.Itoa(int(s))
}

// ParseQueryStatus parses a wire status name. Unknown names yield
// QueryStatusUnknown and an error.
func ParseQueryStatus(name string) (QueryStatus, error) {
	if s, ok := queryStatusNames.Key(name); ok {
		return s, nil
	}
	return QueryStatusUnknown, fmt.Errorf("unknown query status %q", name)
}

// IsRunning reports whether the statement has not reached a terminal state.
func (s QueryStatus) IsRunning() bool {
	switch s {
	case QueryStatusRunning, QueryStatusResumingWarehouse, QueryStatusQueued,
		QueryStatusQueuedRepairingWarehouse, QueryStatusNoData:
		return true
	}
	return false
}

// IsError reports whether the statement ended unsuccessfully.
func (s QueryStatus) IsError() bool {
	switch s {
	case QueryStatusAborting, QueryStatusFailedWithError, QueryStatusAborted,
		QueryStatusFailedWithIncident, QueryStatusDisconnected, QueryStatusBlocked:
		return true
	}
	return false
}

// MarshalText implements encoding.TextMarshaler.
func (s QueryStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. Unknown names decode
// to QueryStatusUnknown without error so new server states do not break
// monitoring responses.
func (s *QueryStatus) UnmarshalText(text []byte) error {
	*s, _ = ParseQueryStatus(string(text))
	return nil
}

// QueryStatusInfo is the monitoring record of one statement.
type QueryStatusInfo struct {
	QueryID      string      `json:"id"`
	Status       QueryStatus `json:"status"`
	SQLText      string      `json:"sqlText"`
	ErrorCode    string      `json:"errorCode"`
	ErrorMessage string      `json:"errorMessage"`

	// StartTime and EndTime are epoch milliseconds
	StartTime     int64 `json:"startTime"`
	EndTime       int64 `json:"endTime"`
	TotalDuration int64 `json:"totalDuration"`
}

// Started returns the statement start time.
func (q *QueryStatusInfo) Started() time.Time {
	return time.UnixMilli(q.StartTime)
}

type monitoringResponse struct {
	Data struct {
		Queries []QueryStatusInfo `json:"queries"`
	} `json:"data"`
	Message string `json:"message"`
	Code    string `json:"code"`
	Success bool   `json:"success"`
}

// GetQueryStatus retrieves the monitoring record of a statement by its
// query id. A record that ended with an error is returned together with a
// *SnowflakeError describing it.
func (c *Client) GetQueryStatus(ctx context.Context, queryID string, opts ...RequestOption) (*QueryStatusInfo, error) {
	if queryID == "" {
		return nil, fmt.Errorf("snowflake: empty query id")
	}
	resp, err := withSession(ctx, c, func(s *Session) (*monitoringResponse, error) {
		opts := append([]RequestOption{withToken(s.SessionToken)}, opts...)
		req, err := c.NewRequest(http.MethodGet, fmt.Sprintf(monitoringPathFmt, url.PathEscape(queryID)), nil, opts...)
		if err != nil {
			return nil, err
		}
		resp := new(monitoringResponse)
		if _, err := c.Do(ctx, req, resp); err != nil {
			return nil, err
		}
		if !resp.Success && resp.Code == codeSessionExpired {
			return nil, errSessionExpired
		}
		return resp, nil
	})
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, &SnowflakeError{Code: resp.Code, Message: resp.Message, QueryID: queryID}
	}
	if len(resp.Data.Queries) == 0 {
		return &QueryStatusInfo{QueryID: queryID, Status: QueryStatusNoData}, nil
	}
	info := &resp.Data.Queries[0]
	if info.Status.IsError() && info.ErrorCode != "" {
		return info, &SnowflakeError{Code: info.ErrorCode, Message: info.ErrorMessage, QueryID: info.QueryID}
	}
	return info, nil
}
