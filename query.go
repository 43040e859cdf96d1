package snowflake

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Statement endpoints.
const (
	queryPath       = "queries/v1/query-request"
	abortPath       = "queries/v1/abort-request"
	resultPathFmt   = "queries/%s/result"
	abortTimeout    = 10 * time.Second
	bindingTypeText = "TEXT"
)

// stagingPattern matches PUT and GET statements, allowing leading block comments.
var stagingPattern = regexp.MustCompile(`(?is)^\s*(?:/\*.*?\*/\s*)*(put|get)\s+`)

// IsStagingStatement reports whether sql is a PUT or GET file transfer
// statement. Detection is case-insensitive and skips leading block comments.
func IsStagingStatement(sql string) bool {
	return stagingPattern.MatchString(sql)
}

// QueryRequest describes one statement execution.
type QueryRequest struct {
	// SQL is the statement text; positional placeholders are "?"
	SQL string

	// Bindings are the positional parameter values
	Bindings []any

	// Database, Schema, Warehouse and Role override the session context for
	// this statement only
	Database  string
	Schema    string
	Warehouse string
	Role      string

	// Parameters are statement-level session parameters
	Parameters map[string]any

	// RequestID deduplicates submissions; a UUID is generated when empty and
	// reused for every retry of the same submission
	RequestID string

	// FailFast stops a PUT or GET at the first per-file failure
	FailFast bool
}

type execRequest struct {
	SQLText    string                  `json:"sqlText"`
	AsyncExec  bool                    `json:"asyncExec"`
	SequenceID uint64                  `json:"sequenceId"`
	IsInternal bool                    `json:"isInternal"`
	Bindings   map[string]bindingValue `json:"bindings,omitempty"`
	Parameters map[string]any          `json:"parameters,omitempty"`
	Database   string                  `json:"database,omitempty"`
	Schema     string                  `json:"schema,omitempty"`
	Warehouse  string                  `json:"warehouse,omitempty"`
	Role       string                  `json:"role,omitempty"`
}

type bindingValue struct {
	Type  string  `json:"type"`
	Value *string `json:"value"`
}

type abortRequest struct {
	SQLText   string `json:"sqlText"`
	RequestID string `json:"requestId"`
}

// Query executes a statement with positional arguments and returns its rows.
//
// Example:
//
//	res, err := client.Query(ctx, "SELECT id, name FROM users WHERE team = ?", "core")
//	if err != nil {
//	    return err
//	}
//	defer res.Close()
//	for row, err := range res.Rows(ctx) {
//	    // ...
//	}
func (c *Client) Query(ctx context.Context, sql string, args ...any) (*Results, error) {
	return c.Execute(ctx, &QueryRequest{SQL: sql, Bindings: args})
}

// Exec executes a statement and returns the number of affected rows.
func (c *Client) Exec(ctx context.Context, sql string, args ...any) (int64, error) {
	res, err := c.Execute(ctx, &QueryRequest{SQL: sql, Bindings: args})
	if err != nil {
		return 0, err
	}
	defer res.Close()
	return res.RowsAffected(), nil
}

// Execute submits a statement, waits for it to finish and returns its
// results. PUT and GET statements perform the file transfer and report
// per-file outcomes in Results.Transfer and as result rows.
//
// Statement failures are returned as *SnowflakeError and are not retried.
// A statement still queued when the polling timeout elapses returns
// *TimeoutError. ctx governs the whole statement including result streaming.
func (c *Client) Execute(ctx context.Context, qr *QueryRequest) (*Results, error) {
	if qr == nil || qr.SQL == "" {
		return nil, errors.New("snowflake: empty statement")
	}
	if IsStagingStatement(qr.SQL) {
		transfer, err := c.Transfer(ctx, qr)
		if err != nil {
			return nil, err
		}
		return transfer.results(), nil
	}

	data, err := c.run(ctx, qr)
	if err != nil {
		return nil, err
	}
	return c.newResults(ctx, data)
}

// run submits qr and polls until the statement reaches a terminal state.
func (c *Client) run(ctx context.Context, qr *QueryRequest) (*execResponseData, error) {
	body, err := c.newExecRequest(qr)
	if err != nil {
		return nil, err
	}
	requestID := qr.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}

	resp, err := withSession(ctx, c, func(s *Session) (*execResponse, error) {
		return c.submit(ctx, s, requestID, body)
	})
	if err != nil {
		return nil, err
	}
	if isQueued(resp) {
		resp, err = c.poll(ctx, qr.SQL, requestID, resp)
		if err != nil {
			return nil, err
		}
	}
	if !resp.Success {
		return nil, snowflakeError(resp)
	}
	return &resp.Data, nil
}

func (c *Client) newExecRequest(qr *QueryRequest) (*execRequest, error) {
	body := &execRequest{
		SQLText:    qr.SQL,
		SequenceID: c.sequence.Add(1),
		Parameters: qr.Parameters,
		Database:   qr.Database,
		Schema:     qr.Schema,
		Warehouse:  qr.Warehouse,
		Role:       qr.Role,
	}
	if len(qr.Bindings) > 0 {
		body.Bindings = make(map[string]bindingValue, len(qr.Bindings))
		for i, arg := range qr.Bindings {
			b, err := toBinding(arg)
			if err != nil {
				return nil, fmt.Errorf("snowflake: binding %d: %w", i+1, err)
			}
			body.Bindings[strconv.Itoa(i+1)] = b
		}
	}
	return body, nil
}

// submit posts the statement once; the transport retries transient failures
// with the same request id, which the service uses to deduplicate.
func (c *Client) submit(ctx context.Context, s *Session, requestID string, body *execRequest) (*execResponse, error) {
	req, err := c.NewRequest(http.MethodPost, queryPath+"?requestId="+url.QueryEscape(requestID), body, withToken(s.SessionToken))
	if err != nil {
		return nil, err
	}
	resp := new(execResponse)
	if _, err := c.Do(ctx, req, resp); err != nil {
		return nil, err
	}
	if !resp.Success && resp.Code == codeSessionExpired {
		return nil, errSessionExpired
	}
	return resp, nil
}

// poll follows a queued statement until it succeeds or fails. The interval
// grows per PollPolicy; a still-queued response never ends polling before
// the timeout.
func (c *Client) poll(ctx context.Context, sql, requestID string, queued *execResponse) (*execResponse, error) {
	policy := c.cfg.Poll
	queryID := queued.Data.QueryID
	resultURL := queued.Data.GetResultURL
	if resultURL == "" {
		resultURL = fmt.Sprintf(resultPathFmt, queryID)
	}

	start := time.Now()
	var deadline time.Time
	if policy.Timeout > 0 {
		deadline = start.Add(policy.Timeout)
	}

	for n := 1; ; n++ {
		wait := policy.Interval(n)
		if !deadline.IsZero() {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return nil, &TimeoutError{QueryID: queryID, Elapsed: time.Since(start)}
			}
			wait = min(wait, remaining)
		}
		if err := sleepContext(ctx, wait); err != nil {
			c.abortAsync(sql, requestID, queryID)
			return nil, err
		}

		resp, err := withSession(ctx, c, func(s *Session) (*execResponse, error) {
			return c.fetchResult(ctx, s, resultURL)
		})
		if err != nil {
			if ctx.Err() != nil {
				c.abortAsync(sql, requestID, queryID)
			}
			return nil, err
		}
		if !isQueued(resp) {
			return resp, nil
		}
		if resp.Data.QueryID != "" {
			queryID = resp.Data.QueryID
		}
		if resp.Data.GetResultURL != "" {
			resultURL = resp.Data.GetResultURL
		}
		log.Debug().Str("query_id", queryID).Int("poll", n).Dur("elapsed", time.Since(start)).Msg("statement still running")
	}
}

func (c *Client) fetchResult(ctx context.Context, s *Session, resultURL string) (*execResponse, error) {
	req, err := c.NewRequest(http.MethodGet, resultURL, nil, withToken(s.SessionToken))
	if err != nil {
		return nil, err
	}
	resp := new(execResponse)
	if _, err := c.Do(ctx, req, resp); err != nil {
		return nil, err
	}
	if !resp.Success && resp.Code == codeSessionExpired {
		return nil, errSessionExpired
	}
	return resp, nil
}

// abortAsync asks the service to stop a statement whose caller went away.
// It uses a fresh context so it runs despite the caller's cancellation.
func (c *Client) abortAsync(sql, requestID, queryID string) {
	ctx, cancel := context.WithTimeout(context.Background(), abortTimeout)
	defer cancel()
	if err := c.abort(ctx, sql, requestID); err != nil {
		log.Debug().Err(err).Str("query_id", queryID).Msg("failed to cancel query after context cancellation")
		return
	}
	log.Debug().Str("query_id", queryID).Msg("successfully canceled query because the context was cancelled")
}

// CancelQuery aborts the statement submitted with requestID.
func (c *Client) CancelQuery(ctx context.Context, requestID string) error {
	return c.abort(ctx, "", requestID)
}

func (c *Client) abort(ctx context.Context, sql, requestID string) error {
	_, err := withSession(ctx, c, func(s *Session) (struct{}, error) {
		req, err := c.NewRequest(http.MethodPost, abortPath+"?requestId="+url.QueryEscape(uuid.NewString()),
			abortRequest{SQLText: sql, RequestID: requestID}, withToken(s.SessionToken))
		if err != nil {
			return struct{}{}, err
		}
		var resp statusResponse
		if _, err := c.Do(ctx, req, &resp); err != nil {
			return struct{}{}, err
		}
		if !resp.Success {
			if resp.Code == codeSessionExpired {
				return struct{}{}, errSessionExpired
			}
			return struct{}{}, &SnowflakeError{Code: resp.Code, Message: resp.Message}
		}
		return struct{}{}, nil
	})
	return err
}

func isQueued(resp *execResponse) bool {
	return !resp.Success && (resp.Code == codeQueryInProgress || resp.Code == codeQueryInProgressAsync)
}

func snowflakeError(resp *execResponse) error {
	code := resp.Code
	if code == "" {
		code = resp.Data.ErrorCode
	}
	return &SnowflakeError{
		Code:     code,
		Message:  resp.Message,
		SQLState: resp.Data.SQLState,
		QueryID:  resp.Data.QueryID,
		Line:     resp.Data.Line,
		Pos:      resp.Data.Pos,
	}
}

// toBinding encodes a Go value as a typed positional binding.
func toBinding(v any) (bindingValue, error) {
	text := func(t, s string) (bindingValue, error) {
		return bindingValue{Type: t, Value: &s}, nil
	}
	switch val := v.(type) {
	case nil:
		return bindingValue{Type: bindingTypeText}, nil
	case int:
		return text("FIXED", strconv.Itoa(val))
	case int8:
		return text("FIXED", strconv.FormatInt(int64(val), 10))
	case int16:
		return text("FIXED", strconv.FormatInt(int64(val), 10))
	case int32:
		return text("FIXED", strconv.FormatInt(int64(val), 10))
	case int64:
		return text("FIXED", strconv.FormatInt(val, 10))
	case uint:
		return text("FIXED", strconv.FormatUint(uint64(val), 10))
	case uint8:
		return text("FIXED", strconv.FormatUint(uint64(val), 10))
	case uint16:
		return text("FIXED", strconv.FormatUint(uint64(val), 10))
	case uint32:
		return text("FIXED", strconv.FormatUint(uint64(val), 10))
	case uint64:
		return text("FIXED", strconv.FormatUint(val, 10))
	case float32:
		return text("REAL", strconv.FormatFloat(float64(val), 'g', -1, 32))
	case float64:
		return text("REAL", strconv.FormatFloat(val, 'g', -1, 64))
	case bool:
		return text("BOOLEAN", strconv.FormatBool(val))
	case string:
		return text(bindingTypeText, val)
	case []byte:
		return text("BINARY", hex.EncodeToString(val))
	case time.Time:
		return text("TIMESTAMP_NTZ", strconv.FormatInt(val.UnixNano(), 10))
	case fmt.Stringer:
		return text(bindingTypeText, val.String())
	default:
		return bindingValue{}, fmt.Errorf("unsupported parameter type: %T", v)
	}
}
