package snowflake

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Session endpoints.
const (
	loginPath     = "session/v1/login-request"
	tokenPath     = "session/token-request"
	heartbeatPath = "session/heartbeat"
	logoutPath    = "session?delete=true"
)

type loginRequest struct {
	Data loginRequestData `json:"data"`
}

type loginRequestData struct {
	ClientAppID       string            `json:"CLIENT_APP_ID"`
	ClientAppVersion  string            `json:"CLIENT_APP_VERSION"`
	AccountName       string            `json:"ACCOUNT_NAME"`
	LoginName         string            `json:"LOGIN_NAME,omitempty"`
	Password          string            `json:"PASSWORD,omitempty"`
	Authenticator     string            `json:"AUTHENTICATOR,omitempty"`
	Token             string            `json:"TOKEN,omitempty"`
	ClientEnvironment map[string]string `json:"CLIENT_ENVIRONMENT"`
	SessionParameters map[string]any    `json:"SESSION_PARAMETERS,omitempty"`
}

type authResponse struct {
	Data    authResponseData `json:"data"`
	Message string           `json:"message"`
	Code    string           `json:"code"`
	Success bool             `json:"success"`
}

type authResponseData struct {
	Token                   string          `json:"token"`
	MasterToken             string          `json:"masterToken"`
	ValidityInSeconds       int64           `json:"validityInSeconds"`
	MasterValidityInSeconds int64           `json:"masterValidityInSeconds"`
	SessionID               int64           `json:"sessionId"`
	SessionInfo             authSessionInfo `json:"sessionInfo"`
}

type authSessionInfo struct {
	DatabaseName  string `json:"databaseName"`
	SchemaName    string `json:"schemaName"`
	WarehouseName string `json:"warehouseName"`
	RoleName      string `json:"roleName"`
}

type renewRequest struct {
	OldSessionToken string `json:"oldSessionToken"`
	RequestType     string `json:"requestType"`
}

type renewResponse struct {
	Data struct {
		SessionToken        string `json:"sessionToken"`
		ValidityInSecondsST int64  `json:"validityInSecondsST"`
		MasterToken         string `json:"masterToken"`
		ValidityInSecondsMT int64  `json:"validityInSecondsMT"`
		SessionID           int64  `json:"sessionId"`
	} `json:"data"`
	Message string `json:"message"`
	Code    string `json:"code"`
	Success bool   `json:"success"`
}

// statusResponse is the envelope of control calls that carry no data.
type statusResponse struct {
	Message string `json:"message"`
	Code    string `json:"code"`
	Success bool   `json:"success"`
}

// login performs one login exchange with the configured credential.
// Rejections are returned as *AuthError and never retried.
func (c *Client) login(ctx context.Context) (*Session, error) {
	proof, err := c.credential.loginProof(ctx, c.cfg.Account, c.cfg.User)
	if err != nil {
		return nil, err
	}

	body := loginRequest{Data: loginRequestData{
		ClientAppID:      ClientAppID,
		ClientAppVersion: ClientVersion,
		AccountName:      normalizeAccount(c.cfg.Account),
		LoginName:        c.cfg.User,
		Password:         proof.Password,
		Authenticator:    proof.Authenticator,
		Token:            proof.Token,
		ClientEnvironment: map[string]string{
			"APPLICATION": ClientAppID,
			"OS":          runtime.GOOS,
			"GO_VERSION":  runtime.Version(),
		},
		SessionParameters: c.cfg.SessionParameters,
	}}

	params := url.Values{}
	params.Set("request_id", uuid.NewString())
	setIfNotEmpty(params, "databaseName", c.cfg.Database)
	setIfNotEmpty(params, "schemaName", c.cfg.Schema)
	setIfNotEmpty(params, "warehouse", c.cfg.Warehouse)
	setIfNotEmpty(params, "roleName", c.cfg.Role)

	req, err := c.NewRequest(http.MethodPost, loginPath+"?"+params.Encode(), body)
	if err != nil {
		return nil, err
	}

	issued := time.Now()
	var resp authResponse
	if _, err := c.Do(ctx, req, &resp); err != nil {
		var er *ErrorResponse
		if errors.As(err, &er) && (er.StatusCode() == http.StatusUnauthorized || er.StatusCode() == http.StatusForbidden) {
			return nil, &AuthError{Code: fmt.Sprint(er.StatusCode()), Message: er.Message}
		}
		return nil, err
	}
	if !resp.Success {
		return nil, &AuthError{Code: resp.Code, Message: resp.Message}
	}
	if resp.Data.Token == "" {
		return nil, &DecodeError{Chunk: -1, Err: errors.New("login response carries no session token")}
	}

	s := &Session{
		Account:         c.cfg.Account,
		Region:          c.cfg.Region,
		SessionID:       resp.Data.SessionID,
		SessionToken:    resp.Data.Token,
		MasterToken:     resp.Data.MasterToken,
		IssuedAt:        issued,
		ExpiresAt:       issued.Add(validity(resp.Data.ValidityInSeconds, defaultTokenValidity)),
		MasterExpiresAt: issued.Add(validity(resp.Data.MasterValidityInSeconds, 4*defaultTokenValidity)),
		Authenticator:   authenticatorName(proof.Authenticator),
		Database:        resp.Data.SessionInfo.DatabaseName,
		Schema:          resp.Data.SessionInfo.SchemaName,
		Warehouse:       resp.Data.SessionInfo.WarehouseName,
		Role:            resp.Data.SessionInfo.RoleName,
	}
	log.Debug().Int64("session_id", s.SessionID).Str("authenticator", s.Authenticator).Msg("session established")
	return s, nil
}

// renew exchanges the master token of cur for a new session token.
func (c *Client) renew(ctx context.Context, cur *Session) (*Session, error) {
	path := tokenPath + "?requestId=" + uuid.NewString()
	req, err := c.NewRequest(http.MethodPost, path,
		renewRequest{OldSessionToken: cur.SessionToken, RequestType: "RENEW"},
		withToken(cur.MasterToken))
	if err != nil {
		return nil, err
	}

	issued := time.Now()
	var resp renewResponse
	if _, err := c.Do(ctx, req, &resp); err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, &AuthError{Code: resp.Code, Message: resp.Message}
	}
	if resp.Data.SessionToken == "" {
		return nil, &DecodeError{Chunk: -1, Err: errors.New("renewal response carries no session token")}
	}

	next := *cur
	next.SessionToken = resp.Data.SessionToken
	next.IssuedAt = issued
	next.ExpiresAt = issued.Add(validity(resp.Data.ValidityInSecondsST, defaultTokenValidity))
	if resp.Data.MasterToken != "" {
		next.MasterToken = resp.Data.MasterToken
		next.MasterExpiresAt = issued.Add(validity(resp.Data.ValidityInSecondsMT, 4*defaultTokenValidity))
	}
	if resp.Data.SessionID != 0 {
		next.SessionID = resp.Data.SessionID
	}
	log.Debug().Int64("session_id", next.SessionID).Msg("session renewed")
	return &next, nil
}

// logout deletes the session on the service.
func (c *Client) logout(ctx context.Context, s *Session) error {
	req, err := c.NewRequest(http.MethodPost, logoutPath, nil, withToken(s.SessionToken))
	if err != nil {
		return err
	}
	var resp statusResponse
	if _, err := c.Do(ctx, req, &resp); err != nil {
		return fmt.Errorf("snowflake: logout: %w", err)
	}
	if !resp.Success && resp.Code != codeSessionExpired {
		return &SnowflakeError{Code: resp.Code, Message: resp.Message}
	}
	log.Debug().Int64("session_id", s.SessionID).Msg("session closed")
	return nil
}

func validity(seconds int64, fallback time.Duration) time.Duration {
	if seconds <= 0 {
		return fallback
	}
	return time.Duration(seconds) * time.Second
}

func authenticatorName(a string) string {
	if a == "" {
		return AuthenticatorPassword
	}
	return strings.ToLower(a)
}

func setIfNotEmpty(v url.Values, key, value string) {
	if value != "" {
		v.Set(key, value)
	}
}
