package config

import (
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type EnvVars struct {
	v *viper.Viper
}

var _ EnvConfig = EnvVars{}

func (e EnvVars) GetAppName() string {
	return e.v.GetString("app_name")
}

func (e EnvVars) GetEnv() string {
	return strings.ToUpper(e.v.GetString("env"))
}

func (e EnvVars) GetLogLevel() string {
	return e.v.GetString("log_level")
}

type GatewayConfig interface {
	GetBaseURL() string
	GetRefreshPath() string
	GetRequestTimeout() time.Duration
}

type Gateway struct {
	v *viper.Viper
}

var _ GatewayConfig = Gateway{}

// GetBaseURL returns the backend API root (e.g., "https://api.example.com/v1")
func (g Gateway) GetBaseURL() string {
	return strings.TrimRight(g.v.GetString("gateway.base_url"), "/")
}

func (g Gateway) GetRefreshPath() string {
	return g.v.GetString("gateway.refresh_path")
}

// GetRequestTimeout is the network-level timeout for every call, refresh included
func (g Gateway) GetRequestTimeout() time.Duration {
	return g.v.GetDuration("gateway.timeout")
}

type SoftLockConfig interface {
	GetInactivityTimeout() time.Duration
	GetActivityDebounce() time.Duration
	GetMaxPinAttempts() int
	GetPinBlockDuration() time.Duration
}

type SoftLock struct {
	v *viper.Viper
}

var _ SoftLockConfig = SoftLock{}

func (s SoftLock) GetInactivityTimeout() time.Duration {
	return s.v.GetDuration("softlock.inactivity_timeout")
}

func (s SoftLock) GetActivityDebounce() time.Duration {
	return s.v.GetDuration("softlock.activity_debounce")
}

func (s SoftLock) GetMaxPinAttempts() int {
	return s.v.GetInt("softlock.max_pin_attempts")
}

func (s SoftLock) GetPinBlockDuration() time.Duration {
	return s.v.GetDuration("softlock.block_duration")
}

type VerifierConfig interface {
	GetMaxVerifyAttempts() int
	GetPINLockout() time.Duration
	GetPasscodeLockout() time.Duration
	GetBiometricLockout() time.Duration
}

type Verifier struct {
	v *viper.Viper
}

var _ VerifierConfig = Verifier{}

func (vc Verifier) GetMaxVerifyAttempts() int {
	return vc.v.GetInt("verifier.max_attempts")
}

func (vc Verifier) GetPINLockout() time.Duration {
	return vc.v.GetDuration("verifier.pin_lockout")
}

// GetPasscodeLockout is kept separate from the PIN lockout; product has not
// settled on a single value for passcode flows.
func (vc Verifier) GetPasscodeLockout() time.Duration {
	return vc.v.GetDuration("verifier.passcode_lockout")
}

func (vc Verifier) GetBiometricLockout() time.Duration {
	return vc.v.GetDuration("verifier.biometric_lockout")
}

type StorageConfig interface {
	GetStorageDriver() string
	GetStoragePath() string
	GetStorageNamespace() string
	GetRedisAddr() string
	GetRedisTimeout() time.Duration
	GetSessionCacheTTL() time.Duration
}

type Storage struct {
	v *viper.Viper
}

var _ StorageConfig = Storage{}

// GetStorageDriver returns one of "file", "redis" or "memory"
func (s Storage) GetStorageDriver() string {
	return strings.ToLower(s.v.GetString("storage.driver"))
}

func (s Storage) GetStoragePath() string {
	return s.v.GetString("storage.path")
}

func (s Storage) GetStorageNamespace() string {
	return s.v.GetString("storage.namespace")
}

func (s Storage) GetRedisAddr() string {
	return s.v.GetString("storage.redis_addr")
}

func (s Storage) GetRedisTimeout() time.Duration {
	return s.v.GetDuration("storage.redis_timeout")
}

func (s Storage) GetSessionCacheTTL() time.Duration {
	return s.v.GetDuration("storage.session_ttl")
}

func GetEnv(envVar, defaultValue string) string {
	value := os.Getenv(envVar)
	if value == "" {
		return defaultValue
	}
	return value
}
