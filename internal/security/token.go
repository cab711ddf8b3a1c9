package security

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"

	"blogcore/internal/config"
)

const minSecretLength = 16

// TokenVerifier implements TokenAuth: HS256 tokens signed with a shared
// secret and checked against the configured issuer and audience.
type TokenVerifier struct {
	cfg    config.AudienceConfig
	secret []byte
	logger *slog.Logger
}

// NewTokenVerifier builds the TokenAuth verifier. An empty secret is
// replaced with a random one, which invalidates tokens on restart.
func NewTokenVerifier(cfg config.AudienceConfig, logger *slog.Logger) (*TokenVerifier, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Expiration <= 0 {
		cfg.Expiration = time.Hour
	}

	secret := []byte(cfg.Secret)
	switch {
	case len(secret) == 0:
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("failed to generate token secret: %w", err)
		}
		logger.Warn("Audience.Secret is not set, using an ephemeral signing secret")
	case len(secret) < minSecretLength:
		return nil, fmt.Errorf("audience secret must be at least %d bytes", minSecretLength)
	}

	return &TokenVerifier{cfg: cfg, secret: secret, logger: logger}, nil
}

// Verify implements Verifier.
func (v *TokenVerifier) Verify(ctx context.Context, r *http.Request) (*Identity, error) {
	tokenStr, err := bearerToken(r)
	if err != nil {
		return nil, err
	}

	token, err := jwtlib.Parse(tokenStr, func(token *jwtlib.Token) (interface{}, error) {
		return v.secret, nil
	}, v.parserOptions()...)
	if err != nil {
		v.logger.DebugContext(ctx, "token validation failed", slog.String("error", err.Error()))
		return nil, fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
	}

	claims, ok := token.Claims.(jwtlib.MapClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("%w: invalid claims", ErrInvalidCredentials)
	}
	return identityFromClaims(TokenAuth, claims)
}

func (v *TokenVerifier) parserOptions() []jwtlib.ParserOption {
	opts := []jwtlib.ParserOption{
		jwtlib.WithValidMethods([]string{jwtlib.SigningMethodHS256.Alg()}),
		jwtlib.WithExpirationRequired(),
	}
	if v.cfg.Issuer != "" {
		opts = append(opts, jwtlib.WithIssuer(v.cfg.Issuer))
	}
	if v.cfg.Audience != "" {
		opts = append(opts, jwtlib.WithAudience(v.cfg.Audience))
	}
	return opts
}

// Issue mints a token for subject carrying roles.
func (v *TokenVerifier) Issue(subject string, roles ...string) (string, time.Time, error) {
	if subject == "" {
		return "", time.Time{}, errors.New("subject is required")
	}
	now := time.Now()
	expires := now.Add(v.cfg.Expiration)

	claims := jwtlib.MapClaims{
		"sub": subject,
		"iat": now.Unix(),
		"nbf": now.Unix(),
		"exp": expires.Unix(),
	}
	if v.cfg.Issuer != "" {
		claims["iss"] = v.cfg.Issuer
	}
	if v.cfg.Audience != "" {
		claims["aud"] = v.cfg.Audience
	}
	if len(roles) > 0 {
		claims["role"] = roles
	}

	signed, err := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, expires, nil
}

// identityFromClaims builds an Identity. Roles are read from "role" and
// "roles", scopes from "scope", each as a string or an array.
func identityFromClaims(kind Kind, claims jwtlib.MapClaims) (*Identity, error) {
	subject, _ := claims["sub"].(string)
	if subject == "" {
		return nil, fmt.Errorf("%w: token missing sub claim", ErrInvalidCredentials)
	}
	name, _ := claims["name"].(string)
	if name == "" {
		name = subject
	}

	roles := append(claimStrings(claims, "role"), claimStrings(claims, "roles")...)
	return &Identity{
		Subject:  subject,
		Name:     name,
		Roles:    roles,
		Scopes:   claimStrings(claims, "scope"),
		Strategy: kind,
	}, nil
}

func claimStrings(claims jwtlib.MapClaims, key string) []string {
	switch val := claims[key].(type) {
	case string:
		parts := strings.Fields(val)
		if len(parts) == 0 {
			return nil
		}
		return parts
	case []interface{}:
		var out []string
		for _, item := range val {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return val
	default:
		return nil
	}
}
