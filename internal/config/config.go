// Package config loads coopguard settings from defaults, an optional YAML
// file and COOPGUARD_* environment variables, in that order of precedence.
package config

import (
	"crypto/rand"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/jacksonlee411/coopguard/internal/audit"
	"github.com/jacksonlee411/coopguard/internal/isolation"
	"github.com/jacksonlee411/coopguard/internal/logging"
	"github.com/jacksonlee411/coopguard/internal/store"
	"github.com/jacksonlee411/coopguard/internal/throttle"
	"github.com/jacksonlee411/coopguard/pkg/authz"
	"github.com/jacksonlee411/coopguard/pkg/tenantctx"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// PathEnvVar overrides the config file location.
const PathEnvVar = "COOPGUARD_CONFIG"

const envPrefix = "COOPGUARD_"

type Config struct {
	Store     StoreConfig      `koanf:"store"`
	Authz     AuthzConfig      `koanf:"authz"`
	Security  SecurityConfig   `koanf:"security"`
	Throttle  throttle.Config  `koanf:"throttle"`
	Logging   logging.Config   `koanf:"logging"`
	Isolation isolation.Config `koanf:"isolation"`
}

type StoreConfig struct {
	Driver string `koanf:"driver" validate:"oneof=sqlite postgres"`
	// DSN is a postgres URL or a sqlite file path. Empty means the DB_*
	// environment for postgres and a private in-memory database for sqlite.
	DSN         string `koanf:"dsn"`
	ApplySchema bool   `koanf:"apply_schema"`
}

type AuthzConfig struct {
	// MatrixPath replaces the bundled permission matrix when set.
	MatrixPath string `koanf:"matrix_path"`
}

type SecurityConfig struct {
	SealKey      string `koanf:"seal_key" validate:"omitempty,hexadecimal,len=64"`
	RedactionKey string `koanf:"redaction_key" validate:"omitempty,hexadecimal,len=64"`
}

func defaultConfig() *Config {
	return &Config{
		Store:     StoreConfig{Driver: string(store.DialectSQLite), ApplySchema: true},
		Throttle:  throttle.DefaultConfig(),
		Logging:   logging.DefaultConfig(),
		Isolation: isolation.DefaultConfig(),
	}
}

// Load reads path when non-empty, else the file named by COOPGUARD_CONFIG if
// any, then applies the environment.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("config: load defaults: %w", err)
	}

	if path == "" {
		path = os.Getenv(PathEnvVar)
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("config: load %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("config: load environment: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if cfg.Store.Driver == string(store.DialectPostgres) && cfg.Store.DSN == "" {
		cfg.Store.DSN = DSNFromEnv()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var envKeys = map[string]string{
	"store_driver":                "store.driver",
	"store_dsn":                   "store.dsn",
	"store_apply_schema":          "store.apply_schema",
	"authz_matrix_path":           "authz.matrix_path",
	"seal_key":                    "security.seal_key",
	"redaction_key":               "security.redaction_key",
	"rate_limit":                  "throttle.limit",
	"rate_limit_window":           "throttle.window",
	"suspicious_threshold":        "throttle.suspicious_threshold",
	"suspicious_window":           "throttle.suspicious_window",
	"throttle_sweep_probability":  "throttle.sweep_probability",
	"log_level":                   "logging.level",
	"log_format":                  "logging.format",
	"isolation_tenants":           "isolation.tenants",
	"isolation_latency_samples":   "isolation.latency_samples",
	"isolation_latency_threshold": "isolation.latency_threshold",
	"isolation_latency_table":     "isolation.latency_table",
}

// envKey maps COOPGUARD_LOG_LEVEL to logging.level. Unknown names are dropped.
func envKey(name string) string {
	return envKeys[strings.ToLower(strings.TrimPrefix(name, envPrefix))]
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	// Hashes in a persistent audit trail must stay comparable across restarts.
	if c.Store.Driver == string(store.DialectPostgres) && (c.Security.SealKey == "" || c.Security.RedactionKey == "") {
		return errors.New("config: security.seal_key and security.redaction_key are required with postgres")
	}
	return nil
}

// Matrix loads the configured permission matrix or the bundled one.
func (c *Config) Matrix() (*authz.Matrix, error) {
	if c.Authz.MatrixPath == "" {
		return authz.DefaultMatrix()
	}
	return authz.LoadMatrix(c.Authz.MatrixPath)
}

// Sealer returns the context sealer. Without a configured key it uses a
// random one that lives as long as the process.
func (c *Config) Sealer() (*tenantctx.Sealer, error) {
	if c.Security.SealKey == "" {
		key, err := randomKey()
		if err != nil {
			return nil, err
		}
		return tenantctx.NewSealer(key)
	}
	return tenantctx.NewSealerFromHex(c.Security.SealKey)
}

func (c *Config) Redactor() (*audit.Redactor, error) {
	if c.Security.RedactionKey == "" {
		key, err := randomKey()
		if err != nil {
			return nil, err
		}
		return audit.NewRedactor(key)
	}
	return audit.NewRedactorFromHex(c.Security.RedactionKey)
}

func randomKey() ([]byte, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("config: random key: %w", err)
	}
	return key, nil
}

// DSNFromEnv builds a postgres URL from DATABASE_URL or the DB_* variables.
func DSNFromEnv() string {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		return v
	}

	host := getenvDefault("DB_HOST", "127.0.0.1")
	port := getenvDefault("DB_PORT", "5438")
	user := getenvDefault("DB_USER", "app")
	pass := getenvDefault("DB_PASSWORD", "app")
	name := getenvDefault("DB_NAME", "coopguard")
	sslmode := getenvDefault("DB_SSLMODE", "disable")

	u := &url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(user, pass),
		Host:   host + ":" + port,
		Path:   "/" + name,
	}
	q := u.Query()
	q.Set("sslmode", sslmode)
	u.RawQuery = q.Encode()
	return u.String()
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
