package snowflake

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
)

// sessionSafetyMargin is subtracted from the token expiry so a session is
// never handed out moments before the service would reject it.
const sessionSafetyMargin = 30 * time.Second

// defaultTokenValidity applies when the service omits a validity period.
const defaultTokenValidity = time.Hour

// Session is an immutable snapshot of an authenticated session. A refresh
// replaces the whole snapshot; holders of an older one keep a consistent view.
type Session struct {
	Account         string
	Region          string
	SessionID       int64
	SessionToken    string
	MasterToken     string
	IssuedAt        time.Time
	ExpiresAt       time.Time
	MasterExpiresAt time.Time

	// Authenticator names the login strategy that produced the session
	Authenticator string

	// Database, Schema, Warehouse and Role are the session context reported at login
	Database  string
	Schema    string
	Warehouse string
	Role      string
}

// Valid reports whether the session token is usable at t.
func (s *Session) Valid(t time.Time) bool {
	return s != nil && s.SessionToken != "" && t.Add(sessionSafetyMargin).Before(s.ExpiresAt)
}

// renewable reports whether the master token can still mint a session token.
func (s *Session) renewable(t time.Time) bool {
	return s != nil && s.MasterToken != "" && t.Add(sessionSafetyMargin).Before(s.MasterExpiresAt)
}

// EnsureSession returns a session that remains valid for at least the safety
// margin. It logs in when no session exists, renews through the master token
// when only the session token expired, and logs in again otherwise.
// Concurrent callers share a single in-flight login or renewal.
func (c *Client) EnsureSession(ctx context.Context) (*Session, error) {
	if c.closed.Load() {
		return nil, ErrSessionClosed
	}
	if s := c.session.Load(); s.Valid(time.Now()) {
		return s, nil
	}
	return c.refreshSession(ctx, nil)
}

// Invalidate drops the current session; the next EnsureSession authenticates
// again.
func (c *Client) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session.Store(nil)
}

// Close logs the session out and marks the client closed. Subsequent calls
// return ErrSessionClosed.
func (c *Client) Close(ctx context.Context) error {
	if c.closed.Swap(true) {
		return nil
	}
	c.mu.Lock()
	s := c.session.Swap(nil)
	c.mu.Unlock()
	if s == nil {
		return nil
	}
	return c.logout(ctx, s)
}

// refreshSession replaces stale (or the missing session when stale is nil).
// A session installed by another caller meanwhile is returned as-is.
func (c *Client) refreshSession(ctx context.Context, stale *Session) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch := c.refresh.DoChan("session", func() (any, error) {
		// The exchange outlives a single caller's cancellation since others may share it.
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.LoginTimeout)
		defer cancel()

		c.mu.Lock()
		defer c.mu.Unlock()

		if c.closed.Load() {
			return nil, ErrSessionClosed
		}
		now := time.Now()
		cur := c.session.Load()
		if cur != nil && cur != stale && cur.Valid(now) {
			return cur, nil
		}

		if cur.renewable(now) {
			next, err := c.renew(lctx, cur)
			if err == nil {
				c.session.Store(next)
				return next, nil
			}
			log.Debug().Err(err).Int64("session_id", cur.SessionID).Msg("session renewal failed, logging in again")
		}

		next, err := c.login(lctx)
		if err != nil {
			return nil, err
		}
		c.session.Store(next)
		return next, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Session), nil
	}
}

// withSession runs call with a valid session and retries it once after a
// refresh when the service reports the session as expired.
func withSession[T any](ctx context.Context, c *Client, call func(*Session) (T, error)) (T, error) {
	s, err := c.EnsureSession(ctx)
	if err != nil {
		var zero T
		return zero, err
	}
	out, err := call(s)
	if !errors.Is(err, errSessionExpired) {
		return out, err
	}
	log.Debug().Int64("session_id", s.SessionID).Msg("session expired on server, refreshing")
	if s, err = c.refreshSession(ctx, s); err != nil {
		var zero T
		return zero, err
	}
	out, err = call(s)
	if errors.Is(err, errSessionExpired) {
		return out, &AuthError{Code: codeSessionExpired, Message: "session expired immediately after refresh"}
	}
	return out, err
}

// errSessionExpired marks a response carrying the session-expired code.
var errSessionExpired = errors.New("snowflake: session expired")
