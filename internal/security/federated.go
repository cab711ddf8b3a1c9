package security

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"

	"blogcore/internal/config"
)

// FederatedVerifier validates RS256 tokens issued by an external identity
// provider against its JWKS document.
type FederatedVerifier struct {
	kind   Kind
	cfg    config.FederatedConfig
	keys   *jwksCache
	logger *slog.Logger
}

// NewFederatedVerifier builds a verifier for one provider. Keys are fetched
// lazily on the first token, so an unreachable provider does not stop boot.
func NewFederatedVerifier(kind Kind, cfg config.FederatedConfig, client *http.Client, logger *slog.Logger) *FederatedVerifier {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = config.DefaultJWKSCacheTTL
	}
	return &FederatedVerifier{
		kind: kind,
		cfg:  cfg,
		keys: &jwksCache{
			keys:       make(map[string]*rsa.PublicKey),
			ttl:        ttl,
			minRefresh: jwksMinRefresh,
			jwksURL:    cfg.JWKSEndpoint(),
			client:     client,
			logger:     logger,
			now:        time.Now,
		},
		logger: logger,
	}
}

// Verify implements Verifier.
func (v *FederatedVerifier) Verify(ctx context.Context, r *http.Request) (*Identity, error) {
	tokenStr, err := bearerToken(r)
	if err != nil {
		return nil, err
	}

	token, err := jwtlib.Parse(tokenStr, func(token *jwtlib.Token) (interface{}, error) {
		kid, ok := token.Header["kid"].(string)
		if !ok || kid == "" {
			return nil, fmt.Errorf("token missing kid header")
		}
		key, err := v.keys.getKey(ctx, kid)
		if err != nil {
			return nil, fmt.Errorf("fetching JWKS key for kid %q: %w", kid, err)
		}
		return key, nil
	}, v.parserOptions()...)
	if err != nil {
		v.logger.DebugContext(ctx, "federated token validation failed", slog.String("error", err.Error()))
		return nil, fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
	}

	claims, ok := token.Claims.(jwtlib.MapClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("%w: invalid claims", ErrInvalidCredentials)
	}
	return identityFromClaims(v.kind, claims)
}

func (v *FederatedVerifier) parserOptions() []jwtlib.ParserOption {
	opts := []jwtlib.ParserOption{
		jwtlib.WithValidMethods([]string{"RS256", "RS384", "RS512"}),
	}
	if v.cfg.Authority != "" {
		opts = append(opts, jwtlib.WithIssuer(strings.TrimSuffix(v.cfg.Authority, "/")))
	}
	if aud := v.cfg.ExpectedAudience(); aud != "" {
		opts = append(opts, jwtlib.WithAudience(aud))
	}
	return opts
}

const (
	// jwksMinRefresh spaces out refreshes triggered by unknown kids, so a
	// stream of forged kids cannot hammer the provider.
	jwksMinRefresh = 30 * time.Second
	// jwksFetchTimeout bounds one shared fetch, whichever caller started it.
	jwksFetchTimeout = 10 * time.Second
)

// jwksCache caches RSA public keys by kid. An unknown kid forces a refresh,
// which picks up rotated keys. The network fetch runs outside the lock and
// concurrent refreshes collapse into one through singleflight, so cached
// kids keep verifying while the provider is slow.
type jwksCache struct {
	mu          sync.RWMutex
	keys        map[string]*rsa.PublicKey
	fetchedAt   time.Time
	attemptedAt time.Time
	lastErr     error

	ttl        time.Duration
	minRefresh time.Duration
	jwksURL    string
	client     *http.Client
	logger     *slog.Logger
	group      singleflight.Group
	now        func() time.Time
}

func (c *jwksCache) getKey(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	c.mu.RLock()
	key, ok := c.keys[kid]
	now := c.now()
	fresh := now.Sub(c.fetchedAt) < c.ttl
	throttled := !c.attemptedAt.IsZero() && now.Sub(c.attemptedAt) < c.minRefresh
	lastErr := c.lastErr
	c.mu.RUnlock()

	if ok && (fresh || throttled) {
		return key, nil
	}
	if throttled {
		if lastErr != nil {
			return nil, lastErr
		}
		return nil, fmt.Errorf("key %q not found in JWKS", kid)
	}

	if err := c.refresh(ctx); err != nil {
		if ok {
			c.logger.WarnContext(ctx, "JWKS refresh failed, using cached key",
				slog.String("kid", kid), slog.String("error", err.Error()))
			return key, nil
		}
		return nil, err
	}

	c.mu.RLock()
	key, ok = c.keys[kid]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("key %q not found in JWKS", kid)
	}
	return key, nil
}

// refresh downloads the key set once for every concurrent caller. A caller
// whose ctx ends stops waiting; the shared fetch carries on for the rest.
func (c *jwksCache) refresh(ctx context.Context) error {
	ch := c.group.DoChan("jwks", func() (interface{}, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), jwksFetchTimeout)
		defer cancel()

		keys, err := c.fetch(fctx)

		c.mu.Lock()
		defer c.mu.Unlock()
		c.attemptedAt = c.now()
		c.lastErr = err
		if err != nil {
			return nil, err
		}
		c.keys = keys
		c.fetchedAt = c.attemptedAt
		return nil, nil
	})

	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-ch:
		return res.Err
	}
}

func (c *jwksCache) fetch(ctx context.Context) (map[string]*rsa.PublicKey, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.jwksURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating JWKS request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching JWKS: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("JWKS endpoint returned status %d", resp.StatusCode)
	}

	var doc jwksDocument
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&doc); err != nil {
		return nil, fmt.Errorf("parsing JWKS: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(doc.Keys))
	for _, jwk := range doc.Keys {
		if jwk.Kty != "RSA" || (jwk.Use != "" && jwk.Use != "sig") {
			continue
		}
		pub, err := parseRSAPublicKey(jwk)
		if err != nil {
			c.logger.Warn("skipping JWKS key", slog.String("kid", jwk.Kid), slog.String("error", err.Error()))
			continue
		}
		keys[jwk.Kid] = pub
	}

	c.logger.Debug("JWKS cache refreshed", slog.Int("keys", len(keys)), slog.String("url", c.jwksURL))
	return keys, nil
}

type jwksDocument struct {
	Keys []jwkKey `json:"keys"`
}

type jwkKey struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	N   string `json:"n"`
	E   string `json:"e"`
}

func parseRSAPublicKey(jwk jwkKey) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(jwk.N)
	if err != nil {
		return nil, fmt.Errorf("decoding modulus: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(jwk.E)
	if err != nil {
		return nil, fmt.Errorf("decoding exponent: %w", err)
	}

	e := new(big.Int).SetBytes(eBytes)
	if !e.IsInt64() {
		return nil, fmt.Errorf("RSA exponent too large")
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(nBytes), E: int(e.Int64())}, nil
}
