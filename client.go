package snowflake

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/ethanyzhang/snowflake-go/stagestore"
)

// Wire protocol headers and client identity.
const (
	headerAuthorization   = "Authorization"
	headerSnowflakeToken  = `Snowflake Token="%s"`
	headerAcceptSnowflake = "application/snowflake"
	headerSSECAlgorithm   = "x-amz-server-side-encryption-customer-algorithm"
	headerSSECKey         = "x-amz-server-side-encryption-customer-key"
	headerSSECAES         = "AES256"

	ContentEncodingGzip = "gzip"
	ClientAppID         = "Go"
	ClientVersion       = "0.3.0"
)

// UserAgent is sent on every request to the service.
var UserAgent = fmt.Sprintf("snowflake-go/%s (%s)", ClientVersion, ClientAppID)

// RequestOption allows for functional overrides on individual requests
type RequestOption func(*http.Request)

// ClientOption configures a Client at construction time.
type ClientOption func(*Client)

// WithHTTPClient replaces the HTTP client used for every call, including
// result chunk downloads.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithCredential overrides the login strategy derived from Config.
func WithCredential(cred Credential) ClientOption {
	return func(c *Client) {
		c.credential = cred
	}
}

// WithStoreOpener replaces how stage locations are opened for PUT and GET.
func WithStoreOpener(open func(context.Context, stagestore.Location) (stagestore.Store, error)) ClientOption {
	return func(c *Client) {
		c.openStore = open
	}
}

// Client holds the connection configuration and the single shared session
// for an account. It is safe for concurrent use; all goroutines issuing
// statements through one Client share its session.
type Client struct {
	cfg        Config
	credential Credential
	httpClient *http.Client
	serverURL  *url.URL
	limiter    *rate.Limiter
	openStore  func(context.Context, stagestore.Location) (stagestore.Store, error)

	// mu serializes session replacement; readers use the atomic pointer
	mu      sync.Mutex
	session atomic.Pointer[Session]
	refresh singleflight.Group
	closed  atomic.Bool

	sequence atomic.Uint64
}

// --- Initialization & Lifecycle ---

// NewClient validates cfg and builds a Client. No network call is made until
// the first statement or an explicit EnsureSession.
func NewClient(cfg *Config, opts ...ClientOption) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("snowflake: nil config")
	}
	c := &Client{
		cfg:        *cfg,
		httpClient: &http.Client{},
		openStore:  stagestore.Open,
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.credential == nil {
		if err := c.cfg.Validate(); err != nil {
			return nil, err
		}
		cred, err := c.cfg.credential()
		if err != nil {
			return nil, err
		}
		c.credential = cred
	} else if c.cfg.Account == "" {
		return nil, errors.New("snowflake: invalid config: account is required")
	}

	serverURL, err := c.cfg.baseURL()
	if err != nil {
		return nil, fmt.Errorf("snowflake: invalid server URL: %w", err)
	}
	c.serverURL = serverURL

	if c.cfg.Retry.MaxAttempts < 1 {
		c.cfg.Retry.MaxAttempts = 1
	}
	defaults := DefaultConfig()
	if c.cfg.ChunkWorkers == 0 {
		c.cfg.ChunkWorkers = defaults.ChunkWorkers
	}
	if c.cfg.LoginTimeout <= 0 {
		c.cfg.LoginTimeout = defaults.LoginTimeout
	}
	if c.cfg.RequestsPerSecond > 0 {
		burst := max(1, int(c.cfg.RequestsPerSecond))
		c.limiter = rate.NewLimiter(rate.Limit(c.cfg.RequestsPerSecond), burst)
	}
	return c, nil
}

// Config returns a copy of the client configuration.
func (c *Client) Config() Config {
	return c.cfg
}

// --- Request Lifecycle ---

// NewRequest builds a request against the account endpoint. Relative URLs are
// resolved against the server URL; absolute URLs are used unchanged.
func (c *Client) NewRequest(method, urlStr string, body any, options ...RequestOption) (*http.Request, error) {
	u, err := c.serverURL.Parse(urlStr)
	if err != nil {
		return nil, err
	}

	bodyReader, err := prepareRequestBody(body)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequest(method, u.String(), bodyReader)
	if err != nil {
		return nil, err
	}

	if bodyReader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", headerAcceptSnowflake)
	req.Header.Set("Accept-Encoding", ContentEncodingGzip)
	req.Header.Set("User-Agent", UserAgent)

	for _, opt := range options {
		opt(req)
	}

	return req, nil
}

// withToken authorizes a request with a session or master token.
func withToken(token string) RequestOption {
	return func(req *http.Request) {
		req.Header.Set(headerAuthorization, fmt.Sprintf(headerSnowflakeToken, token))
	}
}

// Do executes the request, retrying network errors, 429 and 5xx responses
// with exponential backoff, and decodes a 200 response body into v.
// Other statuses are returned as *ErrorResponse without retrying. When the
// retry budget is exhausted a *NetworkError is returned.
func (c *Client) Do(ctx context.Context, req *http.Request, v any) (*http.Response, error) {
	req = req.WithContext(ctx)

	// Buffer the request body so it can be replayed on retries.
	if req.Body != nil && req.GetBody == nil {
		bodyBytes, err := io.ReadAll(req.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to read request body: %w", err)
		}
		req.Body.Close()
		req.Body = io.NopCloser(bytes.NewReader(bodyBytes))
		req.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(bodyBytes)), nil
		}
	}

	policy := c.cfg.Retry
	var (
		lastErr    error
		lastStatus int
		attempt    int
	)
	for attempt = 1; attempt <= policy.MaxAttempts; attempt++ {
		if attempt > 1 {
			if req.GetBody != nil {
				req.Body, _ = req.GetBody()
			}
		}
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			// Retry on transient network errors, but not on context cancellation
			if !isRetryableNetError(err) {
				return nil, err
			}
			lastErr, lastStatus = err, 0
			log.Debug().Err(err).Int("attempt", attempt).Str("path", req.URL.Path).Msg("retrying on connection error")
		} else if resp.StatusCode == http.StatusOK {
			return resp, decodeResponseBody(resp, v)
		} else if isRetryableStatus(resp.StatusCode) {
			lastErr, lastStatus = newErrorResponse(resp), resp.StatusCode
			log.Debug().Int("status", resp.StatusCode).Int("attempt", attempt).Str("path", req.URL.Path).Msg("retrying on server status")
			if wait := retryAfter(resp); wait > 0 && attempt < policy.MaxAttempts {
				if err := sleepContext(ctx, min(wait, policy.MaxDelay)); err != nil {
					return nil, err
				}
				continue
			}
		} else {
			return resp, newErrorResponse(resp)
		}

		if attempt < policy.MaxAttempts {
			if err := sleepContext(ctx, policy.Delay(attempt)); err != nil {
				return nil, err
			}
		}
	}
	return nil, &NetworkError{Attempts: policy.MaxAttempts, StatusCode: lastStatus, Err: lastErr}
}

// isRetryableNetError returns true for transient network errors that warrant
// a retry (connection refused, DNS failures, connection reset, network timeouts).
// Context cancellation and deadline exceeded errors are NOT retried.
func isRetryableNetError(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

func isRetryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code == http.StatusRequestTimeout || code >= 500
}

// retryAfter parses a Retry-After header given in seconds.
func retryAfter(resp *http.Response) time.Duration {
	s := resp.Header.Get("Retry-After")
	if s == "" {
		return 0
	}
	secs, err := strconv.Atoi(s)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// --- Networking Utilities ---

func prepareRequestBody(body any) (io.Reader, error) {
	if body == nil {
		return nil, nil
	}
	jsonBuf := &bytes.Buffer{}
	if err := json.NewEncoder(jsonBuf).Encode(body); err != nil {
		return nil, err
	}
	return jsonBuf, nil
}

func decodeResponseBody(resp *http.Response, v any) (err error) {
	// Ensure the main response body is always closed
	defer func() {
		closeErr := resp.Body.Close()
		if err == nil {
			err = closeErr
		}
	}()

	if v == nil {
		return nil
	}

	var reader io.Reader = resp.Body

	if resp.Header.Get("Content-Encoding") == ContentEncodingGzip {
		gz, gzErr := gzip.NewReader(resp.Body)
		if gzErr != nil {
			return &DecodeError{Chunk: -1, Err: fmt.Errorf("failed to create gzip reader: %w", gzErr)}
		}
		defer func() {
			if cErr := gz.Close(); cErr != nil {
				log.Debug().Err(cErr).Msg("failed to close gzip reader")
			}
		}()
		reader = gz
	}

	if w, ok := v.(io.Writer); ok {
		_, err = io.Copy(w, reader)
		return err
	}

	if err = json.NewDecoder(reader).Decode(v); err != nil {
		if err == io.EOF {
			return nil
		}
		return &DecodeError{Chunk: -1, Err: err}
	}

	return nil
}
