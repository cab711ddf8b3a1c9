package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Bootstrap holds the options needed before the settings tree can be built.
// They are read from BLOG_* environment variables only.
type Bootstrap struct {
	ConfigFile     string       `envconfig:"CONFIG_FILE" default:"appsettings.yaml"`
	ConfigRequired bool         `envconfig:"CONFIG_REQUIRED" default:"false"`
	Environment    string       `envconfig:"ENVIRONMENT" default:"Development"`
	Remote         RemoteConfig `envconfig:"REMOTE"`
}

// RemoteConfig describes the optional remote configuration service.
type RemoteConfig struct {
	URL       string        `envconfig:"URL"`
	AppID     string        `envconfig:"APP_ID" default:"blogcore"`
	Cluster   string        `envconfig:"CLUSTER" default:"default"`
	Namespace string        `envconfig:"NAMESPACE" default:"application"`
	Timeout   time.Duration `envconfig:"TIMEOUT" default:"5s"`
	Required  bool          `envconfig:"REQUIRED" default:"false"`
}

// Enabled reports whether a remote configuration service is configured.
func (r RemoteConfig) Enabled() bool {
	return r.URL != ""
}

// LoadBootstrap reads bootstrap options from the environment, loading a .env
// file first when one is present in the working directory.
func LoadBootstrap() (*Bootstrap, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	var b Bootstrap
	if err := envconfig.Process(EnvPrefix, &b); err != nil {
		return nil, fmt.Errorf("failed to load bootstrap config from env: %w", err)
	}
	return &b, nil
}

// Load builds the settings tree. Layers are applied in order, later layers
// overriding earlier ones: built-in defaults, the yaml file, the remote
// configuration service, then BLOG__ environment variables.
func Load(ctx context.Context, b *Bootstrap, logger *slog.Logger) (*Settings, error) {
	if b == nil {
		return nil, errors.New("bootstrap config is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	k := koanf.New(delimiter)
	for key, value := range defaults() {
		if err := k.Set(key, value); err != nil {
			return nil, fmt.Errorf("failed to apply default %q: %w", key, err)
		}
	}
	if b.Environment != "" {
		_ = k.Set(normalizeKey(KeyEnvironment), b.Environment)
	}

	if b.ConfigFile != "" {
		if _, err := os.Stat(b.ConfigFile); err == nil {
			if err := mergeLayer(k, file.Provider(b.ConfigFile), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("failed to load config file %s: %w", b.ConfigFile, err)
			}
			logger.InfoContext(ctx, "loaded config file", slog.String("path", b.ConfigFile))
		} else if b.ConfigRequired {
			return nil, fmt.Errorf("config file %s: %w", b.ConfigFile, err)
		}
	}

	if b.Remote.Enabled() {
		remote := NewRemoteProvider(ctx, b.Remote, http.DefaultClient)
		if err := mergeLayer(k, remote, yaml.Parser()); err != nil {
			if b.Remote.Required {
				return nil, fmt.Errorf("failed to load remote config: %w", err)
			}
			logger.WarnContext(ctx, "remote config unavailable, continuing with local layers",
				slog.String("url", b.Remote.URL),
				slog.String("error", err.Error()))
		} else {
			logger.InfoContext(ctx, "loaded remote config",
				slog.String("app_id", b.Remote.AppID),
				slog.String("namespace", b.Remote.Namespace))
		}
	}

	envLayer := env.Provider(EnvSettingsPrefix, delimiter, func(s string) string {
		return strings.ReplaceAll(strings.TrimPrefix(s, EnvSettingsPrefix), "__", delimiter)
	})
	if err := mergeLayer(k, envLayer, nil); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	s := &Settings{k: k}
	if err := s.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return s, nil
}

// mergeLayer loads one provider into a scratch instance and copies every leaf
// into k under its lower-cased key.
func mergeLayer(k *koanf.Koanf, p koanf.Provider, pa koanf.Parser) error {
	layer := koanf.New(delimiter)
	if err := layer.Load(p, pa); err != nil {
		return err
	}
	for key, value := range layer.All() {
		if err := k.Set(normalizeKey(key), value); err != nil {
			return fmt.Errorf("failed to set %q: %w", key, err)
		}
	}
	return nil
}
