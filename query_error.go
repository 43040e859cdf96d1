package snowflake

import (
	"errors"
	"fmt"
	"time"
)

// Server response codes that drive client behavior.
const (
	codeSessionExpired       = "390112"
	codeQueryInProgress      = "333333"
	codeQueryInProgressAsync = "333334"
	codeIncorrectLogin       = "390100"
	codeInvalidJWT           = "390144"
)

var (
	// ErrSessionClosed is returned by calls made after Close.
	ErrSessionClosed = errors.New("snowflake: session closed")

	// ErrNoStorage is returned when a staging response carries no stage location.
	ErrNoStorage = errors.New("snowflake: staging response has no stage location")
)

// SnowflakeError is a statement failure reported by the warehouse. It is
// returned as-is and never retried.
type SnowflakeError struct {
	// Code is the warehouse error number, e.g. "002003"
	Code string

	// Message is the human-readable error message
	Message string

	// SQLState is the five character ANSI SQLSTATE, when reported
	SQLState string

	// QueryID identifies the failed statement, when the warehouse assigned one
	QueryID string

	// Line and Pos locate syntax errors inside the statement text
	Line int
	Pos  int
}

// String returns "Code (SQLState): Message", omitting empty parts.
func (e *SnowflakeError) String() string {
	if e == nil {
		return "nil SnowflakeError"
	}
	s := e.Code
	if e.SQLState != "" {
		s += " (" + e.SQLState + ")"
	}
	s += ": " + e.Message
	if e.Line > 0 {
		s += fmt.Sprintf(" at line %d, position %d", e.Line, e.Pos)
	}
	if e.QueryID != "" {
		s += " [query " + e.QueryID + "]"
	}
	return s
}

// Error implements the error interface for SnowflakeError.
func (e *SnowflakeError) Error() string {
	return e.String()
}

// AuthError is a login rejection. Authentication failures are fatal and are
// not retried.
type AuthError struct {
	Code    string
	Message string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("snowflake: authentication failed: %s: %s", e.Code, e.Message)
}

// NetworkError reports that the transport gave up after exhausting its retry
// budget. StatusCode is zero when the last attempt failed before a response
// was received.
type NetworkError struct {
	Attempts   int
	StatusCode int
	Err        error
}

func (e *NetworkError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("snowflake: request failed after %d attempts: status %d: %v", e.Attempts, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("snowflake: request failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// DecodeError reports an undecodable payload. Chunk is the ordinal of the
// failing result chunk, or -1 for the inline rowset and control responses.
type DecodeError struct {
	Chunk int
	Err   error
}

func (e *DecodeError) Error() string {
	if e.Chunk < 0 {
		return fmt.Sprintf("snowflake: decode response: %v", e.Err)
	}
	return fmt.Sprintf("snowflake: decode chunk %d: %v", e.Chunk, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// TimeoutError is returned when a queued statement did not reach a terminal
// state within the configured polling timeout.
type TimeoutError struct {
	QueryID string
	Elapsed time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("snowflake: query %s still running after %s", e.QueryID, e.Elapsed.Round(time.Millisecond))
}

// StageError is a per-file staging failure.
type StageError struct {
	File string
	Op   string
	Err  error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("snowflake: %s %s: %v", e.Op, e.File, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}
