package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidRoutePrefix is returned when AppSettings.ServiceName cannot be
// used as a route prefix.
var ErrInvalidRoutePrefix = errors.New("malformed route prefix")

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port" validate:"min=1,max=65535"`
	ReadTimeout     time.Duration `koanf:"readtimeout" validate:"gt=0"`
	WriteTimeout    time.Duration `koanf:"writetimeout" validate:"gt=0"`
	IdleTimeout     time.Duration `koanf:"idletimeout"`
	ShutdownTimeout time.Duration `koanf:"shutdowntimeout" validate:"gt=0"`
	RequestTimeout  time.Duration `koanf:"requesttimeout"`
	MaxHeaderBytes  int           `koanf:"maxheaderbytes"`
	// TrustedProxies lists the peers, as IPs or CIDR prefixes, whose
	// X-Forwarded-For and X-Real-IP headers are believed.
	TrustedProxies []string `koanf:"trustedproxies" validate:"dive,cidr|ip"`
}

// Addr returns host:port.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level    string `koanf:"level" validate:"omitempty,oneof=debug info warn warning error DEBUG INFO WARN WARNING ERROR"`
	Format   string `koanf:"format"`
	Output   string `koanf:"output" validate:"omitempty,oneof=stdout console file both"`
	FilePath string `koanf:"filepath"`
}

// AudienceConfig configures the built-in token strategy.
type AudienceConfig struct {
	Secret     string        `koanf:"secret"`
	Issuer     string        `koanf:"issuer"`
	Audience   string        `koanf:"audience"`
	Expiration time.Duration `koanf:"expiration"`
}

// FederatedConfig configures an external identity provider.
type FederatedConfig struct {
	Enabled   bool          `koanf:"enabled"`
	Authority string        `koanf:"authority" validate:"required_if=Enabled true,omitempty,url"`
	JWKSURL   string        `koanf:"jwksurl" validate:"omitempty,url"`
	Audience  string        `koanf:"audience"`
	APIName   string        `koanf:"apiname"`
	CacheTTL  time.Duration `koanf:"cachettl"`
}

// JWKSEndpoint returns JWKSURL, falling back to the OpenID well-known
// location under Authority.
func (c FederatedConfig) JWKSEndpoint() string {
	if c.JWKSURL != "" {
		return c.JWKSURL
	}
	return strings.TrimSuffix(c.Authority, "/") + "/.well-known/openid-configuration/jwks"
}

// ExpectedAudience returns Audience, falling back to APIName.
func (c FederatedConfig) ExpectedAudience() string {
	if c.Audience != "" {
		return c.Audience
	}
	return c.APIName
}

// CorsPolicy is one named CORS policy.
type CorsPolicy struct {
	Origins          []string `koanf:"origins"`
	AllowAll         bool     `koanf:"allowall"`
	Methods          []string `koanf:"methods"`
	Headers          []string `koanf:"headers"`
	AllowCredentials bool     `koanf:"allowcredentials"`
	MaxAge           int      `koanf:"maxage"`
}

// RateLimitConfig contains rate limiting configuration
type RateLimitConfig struct {
	Enabled           bool    `koanf:"enabled"`
	RequestsPerSecond float64 `koanf:"requestspersecond" validate:"gt=0"`
	Burst             int     `koanf:"burst" validate:"gt=0"`
}

// AccessLogConfig configures the audit stage.
type AccessLogConfig struct {
	Enabled    bool     `koanf:"enabled"`
	IgnoreApis []string `koanf:"ignoreapis"`
	Backend    string   `koanf:"backend"`
	Topic      string   `koanf:"topic"`
}

// SessionConfig configures the session stage.
type SessionConfig struct {
	CookieName  string        `koanf:"cookiename" validate:"required"`
	IdleTimeout time.Duration `koanf:"idletimeout" validate:"gt=0"`
}

// Server returns the validated Server section.
func (s *Settings) Server() (ServerConfig, error) {
	var c ServerConfig
	err := s.Unmarshal(SectionServer, &c)
	return c, err
}

// Logging returns the validated Logging section.
func (s *Settings) Logging() (LoggingConfig, error) {
	var c LoggingConfig
	err := s.Unmarshal(SectionLogging, &c)
	return c, err
}

// Audience returns the token strategy section.
func (s *Settings) Audience() (AudienceConfig, error) {
	var c AudienceConfig
	err := s.Unmarshal(SectionAudience, &c)
	return c, err
}

// Federated returns the section of an external identity provider.
func (s *Settings) Federated(section string) (FederatedConfig, error) {
	var c FederatedConfig
	err := s.Unmarshal(section, &c)
	return c, err
}

// CorsPolicy returns the policy named by Startup.Cors.PolicyName.
func (s *Settings) CorsPolicy() (string, CorsPolicy, error) {
	name := s.String(KeyCorsPolicyName)
	var c CorsPolicy
	if name == "" {
		return "", c, nil
	}
	path := SectionCorsPolicies + "." + name
	if !s.Exists(path) {
		return name, c, fmt.Errorf("cors policy %q is not defined under %s", name, SectionCorsPolicies)
	}
	err := s.Unmarshal(path, &c)
	return name, c, err
}

// RateLimit returns the rate limit section.
func (s *Settings) RateLimit() (RateLimitConfig, error) {
	var c RateLimitConfig
	err := s.Unmarshal(SectionRateLimit, &c)
	return c, err
}

// AccessLogs returns the audit section.
func (s *Settings) AccessLogs() (AccessLogConfig, error) {
	var c AccessLogConfig
	err := s.Unmarshal(SectionAccessLogs, &c)
	return c, err
}

// Session returns the session section.
func (s *Settings) Session() (SessionConfig, error) {
	var c SessionConfig
	err := s.Unmarshal(SectionSession, &c)
	return c, err
}
