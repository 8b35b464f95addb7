package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"lendpool/native/lending"
)

const (
	BackendLevelDB = "leveldb"
	BackendMemory  = "memory"

	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	DefaultPassphraseEnv = "LENDPOOL_KEYSTORE_PASSPHRASE"
	DefaultSecretEnv     = "LENDPOOL_GATEWAY_SECRET"
	DefaultGas           = uint64(2_000_000)
)

// Default returns a single-node configuration with two pools.
func Default() *Config {
	return &Config{
		Environment: "local",
		DataDir:     "./lendpool-data",
		Storage:     Storage{Backend: BackendLevelDB, Path: "state"},
		Operator:    Operator{KeystorePath: "operator.keystore", PassphraseEnv: DefaultPassphraseEnv},
		Pools: []lending.Config{
			{
				Asset:                "EGLD",
				RBase:                "0.01",
				RSlope1:              "0.04",
				RSlope2:              "0.6",
				UOptimal:             "0.8",
				ReserveFactor:        "0.1",
				LiquidationThreshold: "0.7",
			},
			{
				Asset:                "USDC",
				RBase:                "0",
				RSlope1:              "0.04",
				RSlope2:              "0.75",
				UOptimal:             "0.9",
				ReserveFactor:        "0.1",
				LiquidationThreshold: "0.85",
			},
		},
		Gateway: Gateway{
			Listen:         ":8080",
			ReadTimeout:    30 * time.Second,
			WriteTimeout:   30 * time.Second,
			IdleTimeout:    120 * time.Second,
			Gas:            DefaultGas,
			RateLimit:      RateLimit{RatePerSecond: 10, Burst: 20},
			Auth:           Auth{SecretEnv: DefaultSecretEnv, Issuer: "lendpool", ClockSkew: 30 * time.Second},
			IdempotencyDB:  "idempotency.db",
			IdempotencyTTL: 24 * time.Hour,
		},
		Indexer: Indexer{Driver: DriverSQLite, DSN: "events.db", ExportDir: "exports"},
		Logging: Logging{Level: "info"},
	}
}

// Load reads the configuration at path. TOML is the default format; files
// ending in .yaml or .yml are decoded as YAML. A missing file is created with
// the defaults.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return createDefault(path)
	} else if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := Default()
	// Pools and genesis come from the file when present, never merged.
	cfg.Pools = nil
	if isYAML(path) {
		dec := yaml.NewDecoder(bytes.NewReader(raw))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	} else {
		meta, err := toml.Decode(string(raw), cfg)
		if err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("config: unknown key %q in %s", undecoded[0].String(), path)
		}
	}
	cfg.applyDefaults()
	return cfg, nil
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.Storage.Backend) == "" {
		c.Storage.Backend = BackendLevelDB
	}
	if strings.TrimSpace(c.Operator.PassphraseEnv) == "" {
		c.Operator.PassphraseEnv = DefaultPassphraseEnv
	}
	if c.Gateway.Gas == 0 {
		c.Gateway.Gas = DefaultGas
	}
	if c.Gateway.Auth.SecretEnv == "" {
		c.Gateway.Auth.SecretEnv = DefaultSecretEnv
	}
	if c.Gateway.IdempotencyTTL == 0 {
		c.Gateway.IdempotencyTTL = 24 * time.Hour
	}
}

// Resolve joins a relative path onto DataDir. Empty stays empty.
func (c *Config) Resolve(path string) string {
	path = strings.TrimSpace(path)
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(c.DataDir, path)
}

// createDefault writes the default configuration to path and returns it.
func createDefault(path string) (*Config, error) {
	cfg := Default()
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	if isYAML(path) {
		enc := yaml.NewEncoder(f)
		defer enc.Close()
		return enc.Encode(cfg)
	}
	return toml.NewEncoder(f).Encode(cfg)
}
