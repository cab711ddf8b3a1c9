package config

import (
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/v2"
	"gopkg.in/yaml.v2"
)

var (
	validate = validator.New(validator.WithRequiredStructEnabled())

	serviceNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)
)

// Settings is the resolved configuration tree. It is built once at boot and
// only exposes readers, so it can be shared without locking.
type Settings struct {
	k *koanf.Koanf
}

// FromMap builds Settings from the built-in defaults overlaid with values.
// Keys are dotted paths in any case.
func FromMap(values map[string]any) *Settings {
	k := koanf.New(delimiter)
	for key, value := range defaults() {
		_ = k.Set(key, value)
	}
	for key, value := range values {
		_ = k.Set(normalizeKey(key), value)
	}
	return &Settings{k: k}
}

// Default returns settings holding only the built-in defaults.
func Default() *Settings {
	return FromMap(nil)
}

func normalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

// Exists reports whether key is present in any layer.
func (s *Settings) Exists(key string) bool {
	return s.k.Exists(normalizeKey(key))
}

// Get returns the raw value at key, or nil.
func (s *Settings) Get(key string) any {
	return s.k.Get(normalizeKey(key))
}

// String returns the string at key.
func (s *Settings) String(key string) string {
	return s.k.String(normalizeKey(key))
}

// Bool returns the bool at key. Strings such as "true" are converted.
func (s *Settings) Bool(key string) bool {
	return s.k.Bool(normalizeKey(key))
}

// Int returns the int at key.
func (s *Settings) Int(key string) int {
	return s.k.Int(normalizeKey(key))
}

// Float64 returns the float at key.
func (s *Settings) Float64(key string) float64 {
	return s.k.Float64(normalizeKey(key))
}

// Duration returns the duration at key. Strings are parsed with time.ParseDuration.
func (s *Settings) Duration(key string) time.Duration {
	return s.k.Duration(normalizeKey(key))
}

// Strings returns the string slice at key.
func (s *Settings) Strings(key string) []string {
	return s.k.Strings(normalizeKey(key))
}

// Keys returns every leaf key in sorted order.
func (s *Settings) Keys() []string {
	keys := s.k.Keys()
	sort.Strings(keys)
	return keys
}

// Unmarshal decodes the subtree at path into out and validates it.
func (s *Settings) Unmarshal(path string, out any) error {
	if err := s.k.Unmarshal(normalizeKey(path), out); err != nil {
		return fmt.Errorf("failed to decode %s: %w", path, err)
	}
	if err := validate.Struct(out); err != nil {
		return fmt.Errorf("invalid %s: %w", path, err)
	}
	return nil
}

// Redacted replaces secret values in rendered settings.
const Redacted = "REDACTED"

// YAML renders the effective settings tree. Values under keys ending in
// "secret" or "password" are replaced by Redacted, as are passwords
// embedded in connection URLs.
func (s *Settings) YAML() ([]byte, error) {
	return yaml.Marshal(redact(s.k.Raw()))
}

func redact(tree map[string]any) map[string]any {
	out := make(map[string]any, len(tree))
	for key, value := range tree {
		switch v := value.(type) {
		case map[string]any:
			out[key] = redact(v)
		case string:
			out[key] = redactString(key, v)
		default:
			if sensitiveKey(key) && value != nil {
				out[key] = Redacted
				continue
			}
			out[key] = value
		}
	}
	return out
}

func sensitiveKey(key string) bool {
	key = strings.ToLower(key)
	return strings.HasSuffix(key, "secret") || strings.HasSuffix(key, "password")
}

func redactString(key, value string) string {
	if value == "" {
		return value
	}
	if sensitiveKey(key) {
		return Redacted
	}
	if u, err := url.Parse(value); err == nil && u.User != nil {
		if _, ok := u.User.Password(); ok {
			return u.Redacted()
		}
	}
	return value
}

// Environment returns AppSettings.Environment.
func (s *Settings) Environment() string {
	return s.String(KeyEnvironment)
}

// IsProduction reports whether the environment is production.
func (s *Settings) IsProduction() bool {
	return strings.EqualFold(s.Environment(), ProductionEnvironment)
}

// RoutePrefix returns the route prefix derived from AppSettings.ServiceName,
// "" or "/name".
func (s *Settings) RoutePrefix() (string, error) {
	name := strings.Trim(strings.TrimSpace(s.String(KeyServiceName)), "/")
	if name == "" {
		return "", nil
	}
	if !serviceNamePattern.MatchString(name) {
		return "", fmt.Errorf("%w: %q", ErrInvalidRoutePrefix, name)
	}
	return "/" + name, nil
}

func (s *Settings) validate() error {
	if _, err := s.RoutePrefix(); err != nil {
		return err
	}
	if _, err := s.Server(); err != nil {
		return err
	}
	if _, err := s.Logging(); err != nil {
		return err
	}
	return nil
}
