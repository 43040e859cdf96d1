package snowflake

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// Heartbeat pings the service to keep the session alive. An expired session
// is refreshed and the ping repeated once.
func (c *Client) Heartbeat(ctx context.Context, opts ...RequestOption) error {
	_, err := withSession(ctx, c, func(s *Session) (struct{}, error) {
		opts := append([]RequestOption{withToken(s.SessionToken)}, opts...)
		req, err := c.NewRequest(http.MethodPost, heartbeatPath, nil, opts...)
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

// KeepAlive sends a heartbeat every interval until ctx is done or the
// returned stop function is called. Failures are logged and do not stop the
// loop.
func (c *Client) KeepAlive(ctx context.Context, interval time.Duration) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := c.Heartbeat(ctx); err != nil && ctx.Err() == nil {
					log.Debug().Err(err).Msg("heartbeat failed")
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}
