package snowflake

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Authenticator names accepted in Config.Authenticator.
const (
	AuthenticatorPassword = "snowflake"
	AuthenticatorJWT      = "snowflake_jwt"
	AuthenticatorOAuth    = "oauth"
)

// Config describes how a Client reaches and authenticates against an account.
type Config struct {
	// Account is the account identifier, e.g. "xy12345" or "myorg-myaccount"
	Account string `mapstructure:"account"`

	// Region is appended to the account host name when set
	Region string `mapstructure:"region"`

	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`

	// Authenticator selects the login strategy (snowflake, snowflake_jwt, oauth)
	Authenticator string `mapstructure:"authenticator"`

	// PrivateKey is a PEM encoded RSA key; PrivateKeyPath is read when it is empty
	PrivateKey     string `mapstructure:"private_key"`
	PrivateKeyPath string `mapstructure:"private_key_path"`

	// JWTTimeout is the lifetime of minted keypair assertions
	JWTTimeout time.Duration `mapstructure:"jwt_timeout"`

	// Token is a pre-obtained OAuth access token
	Token string `mapstructure:"token"`

	Database  string `mapstructure:"database"`
	Schema    string `mapstructure:"schema"`
	Warehouse string `mapstructure:"warehouse"`
	Role      string `mapstructure:"role"`

	// Host, Port and Protocol override the derived account endpoint
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Protocol string `mapstructure:"protocol"`

	// LoginTimeout bounds a single login or renewal exchange
	LoginTimeout time.Duration `mapstructure:"login_timeout"`

	// ChunkWorkers bounds concurrent result chunk downloads
	ChunkWorkers int `mapstructure:"chunk_workers"`

	// RequestsPerSecond throttles calls to the service; zero disables it
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`

	// SessionParameters are sent at login and apply to every statement
	SessionParameters map[string]any `mapstructure:"session_parameters"`

	Retry RetryPolicy `mapstructure:"retry"`
	Poll  PollPolicy  `mapstructure:"poll"`
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() *Config {
	return &Config{
		Authenticator:     AuthenticatorPassword,
		JWTTimeout:        60 * time.Second,
		Protocol:          "https",
		Port:              443,
		LoginTimeout:      60 * time.Second,
		ChunkWorkers:      4,
		SessionParameters: map[string]any{},
		Retry:             DefaultRetryPolicy(),
		Poll:              DefaultPollPolicy(),
	}
}

// Validate checks that the fields required by the selected authenticator are set.
func (c *Config) Validate() error {
	var errs []error
	if c.Account == "" {
		errs = append(errs, errors.New("account is required"))
	}
	if c.User == "" && c.authenticator() != AuthenticatorOAuth {
		errs = append(errs, errors.New("user is required"))
	}
	switch c.authenticator() {
	case AuthenticatorPassword:
		if c.Password == "" {
			errs = append(errs, errors.New("password is required"))
		}
	case AuthenticatorJWT:
		if c.PrivateKey == "" && c.PrivateKeyPath == "" {
			errs = append(errs, errors.New("private_key or private_key_path is required"))
		}
	case AuthenticatorOAuth:
		// the token may be supplied later through WithCredential
	default:
		errs = append(errs, fmt.Errorf("unknown authenticator %q", c.Authenticator))
	}
	if c.ChunkWorkers < 0 {
		errs = append(errs, errors.New("chunk_workers must not be negative"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("snowflake: invalid config: %w", err)
	}
	return nil
}

func (c *Config) authenticator() string {
	if c.Authenticator == "" {
		return AuthenticatorPassword
	}
	return strings.ToLower(c.Authenticator)
}

// baseURL returns the service endpoint for the account.
func (c *Config) baseURL() (*url.URL, error) {
	host := c.Host
	if host == "" {
		if c.Account == "" {
			return nil, errors.New("snowflake: account is required to derive the host")
		}
		host = strings.ToLower(c.Account)
		if c.Region != "" {
			host += "." + strings.ToLower(c.Region)
		}
		host += ".snowflakecomputing.com"
	}
	scheme := c.Protocol
	if scheme == "" {
		scheme = "https"
	}
	if c.Port != 0 && !(scheme == "https" && c.Port == 443) && !(scheme == "http" && c.Port == 80) {
		host += ":" + strconv.Itoa(c.Port)
	}
	return url.Parse(scheme + "://" + host + "/")
}

// credential builds the login strategy described by the configuration.
func (c *Config) credential() (Credential, error) {
	switch c.authenticator() {
	case AuthenticatorJWT:
		pemData := []byte(c.PrivateKey)
		if len(pemData) == 0 {
			data, err := os.ReadFile(c.PrivateKeyPath)
			if err != nil {
				return nil, fmt.Errorf("snowflake: read private key: %w", err)
			}
			pemData = data
		}
		key, err := ParsePrivateKey(pemData)
		if err != nil {
			return nil, err
		}
		cred, err := NewKeyPairCredential(key, c.JWTTimeout)
		if err != nil {
			return nil, err
		}
		return cred, nil
	case AuthenticatorOAuth:
		token := c.Token
		return OAuthCredential{Token: func(context.Context) (string, error) { return token, nil }}, nil
	default:
		return PasswordCredential{Password: c.Password}, nil
	}
}

// LoadConfig loads configuration from an optional file and SNOWFLAKE_*
// environment variables, e.g. SNOWFLAKE_ACCOUNT or SNOWFLAKE_RETRY_MAX_ATTEMPTS.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".snowflake"))
		}
		v.AddConfigPath(".")
		v.SetConfigName("snowflake")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("SNOWFLAKE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("snowflake: read config: %w", err)
		}
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("snowflake: parse config: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	d := DefaultConfig()
	for _, key := range []string{
		"account", "region", "user", "password", "private_key", "private_key_path",
		"token", "database", "schema", "warehouse", "role", "host",
	} {
		v.SetDefault(key, "")
	}
	v.SetDefault("authenticator", d.Authenticator)
	v.SetDefault("jwt_timeout", d.JWTTimeout)
	v.SetDefault("protocol", d.Protocol)
	v.SetDefault("port", d.Port)
	v.SetDefault("login_timeout", d.LoginTimeout)
	v.SetDefault("chunk_workers", d.ChunkWorkers)
	v.SetDefault("requests_per_second", 0.0)
	v.SetDefault("retry.max_attempts", d.Retry.MaxAttempts)
	v.SetDefault("retry.initial_delay", d.Retry.InitialDelay)
	v.SetDefault("retry.max_delay", d.Retry.MaxDelay)
	v.SetDefault("retry.multiplier", d.Retry.Multiplier)
	v.SetDefault("retry.jitter", d.Retry.Jitter)
	v.SetDefault("poll.initial_interval", d.Poll.InitialInterval)
	v.SetDefault("poll.max_interval", d.Poll.MaxInterval)
	v.SetDefault("poll.multiplier", d.Poll.Multiplier)
	v.SetDefault("poll.timeout", d.Poll.Timeout)
}
