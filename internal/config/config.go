package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/spf13/viper"
)

const envPrefix = "SESSION_GUARD"

type Config interface {
	EnvConfig
	GatewayConfig
	SoftLockConfig
	VerifierConfig
	StorageConfig
}

type EnvConfig interface {
	GetAppName() string
	GetEnv() string
	GetLogLevel() string
}

type mainConfig struct {
	EnvVars
	Gateway
	SoftLock
	Verifier
	Storage
}

var _ Config = mainConfig{}

// New returns a Config holding only defaults and environment overrides.
func New() Config {
	cfg, _ := load(newViper(), "")
	return cfg
}

// Load reads the YAML/JSON config file at path (optional) and applies
// SESSION_GUARD_* environment overrides on top of the defaults.
func Load(path string) (Config, error) {
	return load(newViper(), path)
}

func load(v *viper.Viper, path string) (Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}
	return mainConfig{
		EnvVars:  EnvVars{v: v},
		Gateway:  Gateway{v: v},
		SoftLock: SoftLock{v: v},
		Verifier: Verifier{v: v},
		Storage:  Storage{v: v},
	}, nil
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app_name", "Session Guard")
	v.SetDefault("env", "DEV")
	v.SetDefault("log_level", "info")

	v.SetDefault("gateway.base_url", "http://localhost:8080/api")
	v.SetDefault("gateway.refresh_path", "/auth/refresh")
	v.SetDefault("gateway.timeout", "15s")

	v.SetDefault("softlock.inactivity_timeout", "15m")
	v.SetDefault("softlock.activity_debounce", "500ms")
	v.SetDefault("softlock.max_pin_attempts", 3)
	v.SetDefault("softlock.block_duration", "5m")

	v.SetDefault("verifier.max_attempts", 3)
	v.SetDefault("verifier.pin_lockout", "5m")
	v.SetDefault("verifier.passcode_lockout", "300s")
	v.SetDefault("verifier.biometric_lockout", "5m")

	v.SetDefault("storage.driver", "file")
	v.SetDefault("storage.path", "./data/session-guard.json")
	v.SetDefault("storage.namespace", "session-guard")
	v.SetDefault("storage.redis_addr", "localhost:6379")
	v.SetDefault("storage.redis_timeout", "2s")
	v.SetDefault("storage.session_ttl", "5m")
}
