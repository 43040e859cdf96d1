package snowflake

import (
	"fmt"
	"io"
	"net/http"
)

// maxErrorBody caps how much of an error body is kept for diagnostics.
const maxErrorBody = 64 << 10

// ErrorResponse represents a non-retryable HTTP error returned by the service
// (for example 400, 401, 403 or 404).
type ErrorResponse struct {
	// Response is the original HTTP response; its body has been consumed
	Response *http.Response

	// Message is the (possibly truncated) response body
	Message string
}

// Error implements the error interface for ErrorResponse.
func (e *ErrorResponse) Error() string {
	if e.Response.Request == nil {
		return fmt.Sprintf("snowflake: status %d: %s", e.Response.StatusCode, e.Message)
	}
	return fmt.Sprintf("snowflake: %s %s: status %d: %s",
		e.Response.Request.Method, e.Response.Request.URL.Path, e.Response.StatusCode, e.Message)
}

// StatusCode returns the HTTP status of the failed response.
func (e *ErrorResponse) StatusCode() int {
	return e.Response.StatusCode
}

// newErrorResponse reads and closes the body of a failed response.
func newErrorResponse(resp *http.Response) error {
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return fmt.Errorf("snowflake: status %d: read error body: %w", resp.StatusCode, err)
	}
	return &ErrorResponse{
		Response: resp,
		Message:  string(body),
	}
}
