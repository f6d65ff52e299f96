package config

import (
	"fmt"
	"time"

	"github.com/nestor-ai/nestor/pkg/observability"
)

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	// Host to bind to.
	Host string `yaml:"host,omitempty" json:"host,omitempty" jsonschema:"title=Host,default=0.0.0.0"`

	// Port to listen on.
	Port int `yaml:"port,omitempty" json:"port,omitempty" jsonschema:"title=Port,default=8080"`

	// ReadTimeout bounds request reads. Default: 30s
	ReadTimeout time.Duration `yaml:"read_timeout,omitempty" json:"read_timeout,omitempty" jsonschema:"title=Read Timeout,default=30s"`

	// WriteTimeout bounds response writes. Streaming responses need
	// headroom here. Default: 5m
	WriteTimeout time.Duration `yaml:"write_timeout,omitempty" json:"write_timeout,omitempty" jsonschema:"title=Write Timeout,default=5m"`

	// RequestTimeout is the default deadline for a search request.
	// Default: 2m
	RequestTimeout time.Duration `yaml:"request_timeout,omitempty" json:"request_timeout,omitempty" jsonschema:"title=Request Timeout,default=2m"`

	// TLS configuration.
	TLS *TLSConfig `yaml:"tls,omitempty" json:"tls,omitempty" jsonschema:"title=TLS"`

	// CORS configuration.
	CORS *CORSConfig `yaml:"cors,omitempty" json:"cors,omitempty" jsonschema:"title=CORS"`

	// Auth configures JWT-based authentication.
	Auth *AuthConfig `yaml:"auth,omitempty" json:"auth,omitempty" jsonschema:"title=Authentication"`

	// Observability configures tracing and metrics.
	Observability *observability.Config `yaml:"observability,omitempty" json:"observability,omitempty" jsonschema:"title=Observability"`
}

// AuthConfig configures JWT-based authentication.
//
// Every route except health and metrics requires a valid bearer token
// carrying the user id and role. Tokens are verified against a JWKS
// endpoint when jwks_url is set, otherwise against the shared signing
// secret.
//
// Example:
//
//	server:
//	  auth:
//	    jwks_url: "https://auth.example.com/.well-known/jwks.json"
//	    issuer: "https://auth.example.com"
//	    audience: "nestor-api"
type AuthConfig struct {
	// JWKSURL is the URL to fetch the JSON Web Key Set from.
	JWKSURL string `yaml:"jwks_url,omitempty" json:"jwks_url,omitempty" jsonschema:"title=JWKS URL"`

	// Secret is the shared HMAC signing secret. Used when JWKSURL is
	// empty. Supports ${VAR} expansion.
	Secret string `yaml:"secret,omitempty" json:"secret,omitempty" jsonschema:"title=Secret,description=Shared HMAC signing secret (use ${ENV_VAR})"`

	// Issuer is the expected token issuer (iss claim).
	Issuer string `yaml:"issuer,omitempty" json:"issuer,omitempty" jsonschema:"title=Issuer"`

	// Audience is the expected token audience (aud claim).
	Audience string `yaml:"audience,omitempty" json:"audience,omitempty" jsonschema:"title=Audience"`

	// RefreshInterval is how often to refresh the JWKS. Default: 15m
	RefreshInterval time.Duration `yaml:"refresh_interval,omitempty" json:"refresh_interval,omitempty" jsonschema:"title=Refresh Interval,default=15m"`

	// ExcludedPaths are paths that don't require authentication.
	// Default: ["/health", "/metrics"]
	ExcludedPaths []string `yaml:"excluded_paths,omitempty" json:"excluded_paths,omitempty" jsonschema:"title=Excluded Paths"`

	// DevBypass disables token verification and injects a fixed development
	// identity. Never enable in production.
	DevBypass bool `yaml:"dev_bypass,omitempty" json:"dev_bypass,omitempty" jsonschema:"title=Development Bypass,default=false"`
}

// SetDefaults applies default values to AuthConfig.
func (c *AuthConfig) SetDefaults() {
	if c.Secret == "" && c.JWKSURL == "" {
		c.Secret = envString("NESTOR_JWT_SECRET", "")
	}
	if c.JWKSURL == "" {
		c.JWKSURL = envString("NESTOR_JWKS_URL", "")
	}
	if !c.DevBypass {
		c.DevBypass = envBool("NESTOR_AUTH_DEV_BYPASS", false)
	}

	if c.RefreshInterval == 0 {
		c.RefreshInterval = 15 * time.Minute
	}

	if len(c.ExcludedPaths) == 0 {
		c.ExcludedPaths = []string{
			"/health",
			"/metrics",
		}
	}
}

// Validate checks the AuthConfig for errors.
func (c *AuthConfig) Validate() error {
	if c.DevBypass {
		return nil
	}

	if c.JWKSURL == "" && c.Secret == "" {
		return fmt.Errorf("auth requires jwks_url or secret (or NESTOR_JWT_SECRET)")
	}

	if c.JWKSURL != "" && c.RefreshInterval < time.Minute {
		return fmt.Errorf("auth.refresh_interval must be at least 1 minute")
	}

	return nil
}

// TLSConfig configures TLS.
type TLSConfig struct {
	// Enabled turns on TLS.
	Enabled *bool `yaml:"enabled,omitempty" json:"enabled,omitempty" jsonschema:"title=Enabled"`

	// CertFile is the path to the certificate.
	CertFile string `yaml:"cert_file,omitempty" json:"cert_file,omitempty" jsonschema:"title=Certificate File"`

	// KeyFile is the path to the private key.
	KeyFile string `yaml:"key_file,omitempty" json:"key_file,omitempty" jsonschema:"title=Key File"`
}

// CORSConfig configures CORS.
type CORSConfig struct {
	// AllowedOrigins is a list of allowed origins.
	AllowedOrigins []string `yaml:"allowed_origins,omitempty" json:"allowed_origins,omitempty" jsonschema:"title=Allowed Origins"`

	// AllowedMethods is a list of allowed HTTP methods.
	AllowedMethods []string `yaml:"allowed_methods,omitempty" json:"allowed_methods,omitempty" jsonschema:"title=Allowed Methods"`

	// AllowedHeaders is a list of allowed headers.
	AllowedHeaders []string `yaml:"allowed_headers,omitempty" json:"allowed_headers,omitempty" jsonschema:"title=Allowed Headers"`

	// AllowCredentials allows credentials.
	AllowCredentials *bool `yaml:"allow_credentials,omitempty" json:"allow_credentials,omitempty" jsonschema:"title=Allow Credentials"`
}

// SetDefaults applies default values.
func (c *ServerConfig) SetDefaults() {
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}

	if c.Port == 0 {
		c.Port = 8080
	}

	if c.ReadTimeout == 0 {
		c.ReadTimeout = 30 * time.Second
	}

	if c.WriteTimeout == 0 {
		c.WriteTimeout = 5 * time.Minute
	}

	if c.RequestTimeout == 0 {
		c.RequestTimeout = 2 * time.Minute
	}

	// Default CORS for development
	if c.CORS == nil {
		c.CORS = &CORSConfig{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Content-Type", "Authorization"},
		}
	}

	if c.Auth == nil {
		c.Auth = &AuthConfig{}
	}
	c.Auth.SetDefaults()

	if c.Observability != nil {
		c.Observability.SetDefaults()
	}
}

// Validate checks the ServerConfig for errors.
func (c *ServerConfig) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535")
	}

	if c.TLS != nil && BoolValue(c.TLS.Enabled, false) {
		if c.TLS.CertFile == "" || c.TLS.KeyFile == "" {
			return fmt.Errorf("tls requires cert_file and key_file")
		}
	}

	if c.Auth != nil {
		if err := c.Auth.Validate(); err != nil {
			return fmt.Errorf("auth: %w", err)
		}
	}

	if c.Observability != nil {
		if err := c.Observability.Validate(); err != nil {
			return fmt.Errorf("observability: %w", err)
		}
	}

	return nil
}
