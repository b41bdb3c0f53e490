package config

import (
	"crypto/ed25519"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/joho/godotenv"
	"github.com/mr-tron/base58"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gopkg.in/yaml.v2"

	"github.com/code-payments/flipchat-entitlements/entitlement"
	"github.com/code-payments/flipchat-entitlements/iap"
	"github.com/code-payments/flipchat-entitlements/model"
)

const envPrefix = "ENTITLEMENTS_"

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreRedis    = "redis"

	AuthorityMemory  = "memory"
	AuthorityApple   = "apple"
	AuthorityAndroid = "android"
)

var (
	ErrInvalidConfig = errors.New("invalid config")
)

type Config struct {
	LogLevel    string        `yaml:"log_level"`
	Development bool          `yaml:"development"`
	GracePeriod time.Duration `yaml:"grace_period"`

	Trust     TrustConfig     `yaml:"trust"`
	Store     StoreConfig     `yaml:"store"`
	Authority AuthorityConfig `yaml:"authority"`
	Retry     RetryConfig     `yaml:"retry"`
	Products  []ProductConfig `yaml:"products"`
}

type TrustConfig struct {
	Environment  string `yaml:"environment"`
	SharedSecret string `yaml:"shared_secret"`
	BundleID     string `yaml:"bundle_id"`
}

type StoreConfig struct {
	Driver      string        `yaml:"driver"`
	PostgresURL string        `yaml:"postgres_url"`
	RedisAddr   string        `yaml:"redis_addr"`
	Namespace   string        `yaml:"namespace"`
	CacheTTL    time.Duration `yaml:"cache_ttl"`
}

type AuthorityConfig struct {
	Driver string `yaml:"driver"`

	// PublicKey is the base58 encoded ed25519 key of the memory authority.
	PublicKey string `yaml:"public_key"`

	AppleProductionURL     string `yaml:"apple_production_url"`
	AppleSandboxURL        string `yaml:"apple_sandbox_url"`
	ExcludeOldTransactions bool   `yaml:"exclude_old_transactions"`

	AndroidPackageName        string `yaml:"android_package_name"`
	AndroidServiceAccountFile string `yaml:"android_service_account_file"`
}

type RetryConfig struct {
	MaxRetries      uint64        `yaml:"max_retries"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
}

type ProductConfig struct {
	ID       string        `yaml:"id"`
	Kind     string        `yaml:"kind"`
	Duration time.Duration `yaml:"duration"`
}

func Default() *Config {
	return &Config{
		LogLevel: "info",
		Trust: TrustConfig{
			Environment: iap.EnvironmentProduction.String(),
		},
		Store: StoreConfig{
			Driver:    StoreMemory,
			Namespace: "default",
		},
		Authority: AuthorityConfig{
			Driver: AuthorityApple,
		},
		Retry: RetryConfig{
			MaxRetries:      3,
			InitialInterval: 500 * time.Millisecond,
			MaxInterval:     5 * time.Second,
		},
	}
}

// Load reads a .env file from the working directory if there is one, then
// the YAML file at path (skipped when path is empty), then applies
// ENTITLEMENTS_* environment overrides.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, errors.Wrap(err, "failed to load .env")
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrap(err, "failed to read config file")
		}
		if err := yaml.UnmarshalStrict(data, cfg); err != nil {
			return nil, errors.Wrap(err, "failed to parse config file")
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	vars := map[string]*string{
		"LOG_LEVEL":               &c.LogLevel,
		"ENVIRONMENT":             &c.Trust.Environment,
		"SHARED_SECRET":           &c.Trust.SharedSecret,
		"BUNDLE_ID":               &c.Trust.BundleID,
		"STORE":                   &c.Store.Driver,
		"POSTGRES_URL":            &c.Store.PostgresURL,
		"REDIS_ADDR":              &c.Store.RedisAddr,
		"NAMESPACE":               &c.Store.Namespace,
		"AUTHORITY":               &c.Authority.Driver,
		"PUBLIC_KEY":              &c.Authority.PublicKey,
		"ANDROID_PACKAGE_NAME":    &c.Authority.AndroidPackageName,
		"ANDROID_SERVICE_ACCOUNT": &c.Authority.AndroidServiceAccountFile,
	}
	for name, dst := range vars {
		if val, ok := os.LookupEnv(envPrefix + name); ok {
			*dst = val
		}
	}

	durations := map[string]*time.Duration{
		"GRACE_PERIOD": &c.GracePeriod,
		"CACHE_TTL":    &c.Store.CacheTTL,
	}
	for name, dst := range durations {
		val, ok := os.LookupEnv(envPrefix + name)
		if !ok {
			continue
		}
		d, err := time.ParseDuration(val)
		if err != nil {
			return errors.Wrapf(err, "invalid %s%s", envPrefix, name)
		}
		*dst = d
	}

	if val, ok := os.LookupEnv(envPrefix + "DEVELOPMENT"); ok {
		b, err := strconv.ParseBool(val)
		if err != nil {
			return errors.Wrapf(err, "invalid %sDEVELOPMENT", envPrefix)
		}
		c.Development = b
	}
	if val, ok := os.LookupEnv(envPrefix + "MAX_RETRIES"); ok {
		n, err := strconv.ParseUint(val, 10, 64)
		if err != nil {
			return errors.Wrapf(err, "invalid %sMAX_RETRIES", envPrefix)
		}
		c.Retry.MaxRetries = n
	}

	return nil
}

func (c *Config) Validate() error {
	if _, err := c.TrustConfig(); err != nil {
		return err
	}
	if _, err := c.Catalog(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	switch c.Store.Driver {
	case StoreMemory:
	case StorePostgres:
		if c.Store.PostgresURL == "" {
			return fmt.Errorf("%w: postgres store requires postgres_url", ErrInvalidConfig)
		}
	case StoreRedis:
		if c.Store.RedisAddr == "" {
			return fmt.Errorf("%w: redis store requires redis_addr", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown store driver %q", ErrInvalidConfig, c.Store.Driver)
	}

	switch c.Authority.Driver {
	case AuthorityApple:
	case AuthorityMemory:
		if _, err := c.MemoryPublicKey(); err != nil {
			return err
		}
	case AuthorityAndroid:
		if c.Authority.AndroidPackageName == "" {
			return fmt.Errorf("%w: android authority requires android_package_name", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown authority %q", ErrInvalidConfig, c.Authority.Driver)
	}

	if _, err := zap.ParseAtomicLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

func (c *Config) TrustConfig() (iap.TrustConfig, error) {
	env, err := iap.ParseEnvironment(c.Trust.Environment)
	if err != nil {
		return iap.TrustConfig{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return iap.TrustConfig{
		Environment:  env,
		SharedSecret: c.Trust.SharedSecret,
		BundleID:     c.Trust.BundleID,
	}, nil
}

func (c *Config) Catalog() (*entitlement.Catalog, error) {
	entries := make([]entitlement.CatalogEntry, 0, len(c.Products))
	for _, p := range c.Products {
		kind, err := model.ParseProductKind(p.Kind)
		if err != nil {
			return nil, err
		}
		ref, err := model.NewProductRef(p.ID, kind)
		if err != nil {
			return nil, err
		}

		entry := entitlement.CatalogEntry{Product: ref}
		if p.Duration > 0 {
			d := p.Duration
			entry.Duration = &d
		}
		entries = append(entries, entry)
	}
	return entitlement.NewCatalog(entries...)
}

func (c *Config) MemoryPublicKey() (ed25519.PublicKey, error) {
	key, err := base58.Decode(c.Authority.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: public_key: %v", ErrInvalidConfig, err)
	}
	if len(key) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: public_key must be %d bytes", ErrInvalidConfig, ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(key), nil
}

// BackOff returns the retry policy for unreachable authorities.
func (c *Config) BackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if c.Retry.InitialInterval > 0 {
		b.InitialInterval = c.Retry.InitialInterval
	}
	if c.Retry.MaxInterval > 0 {
		b.MaxInterval = c.Retry.MaxInterval
	}
	return backoff.WithMaxRetries(b, c.Retry.MaxRetries)
}

func (c *Config) Logger() (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(c.LogLevel)
	if err != nil {
		return nil, err
	}

	zc := zap.NewProductionConfig()
	if c.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = level
	return zc.Build()
}
