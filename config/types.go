package config

import (
	"time"

	"lendpool/native/lending"
	"lendpool/observability/logging"
	"lendpool/observability/otel"
)

// Storage selects the state backend.
type Storage struct {
	// Backend is "leveldb" or "memory".
	Backend string `toml:"backend" yaml:"backend"`
	// Path of the LevelDB directory. Relative paths resolve against DataDir.
	Path string `toml:"path" yaml:"path"`
}

// Operator identifies the account that deploys and owns the router.
type Operator struct {
	KeystorePath  string `toml:"keystore_path" yaml:"keystore_path"`
	PassphraseEnv string `toml:"passphrase_env" yaml:"passphrase_env"`
}

// Allocation seeds a fungible balance the first time the state is created.
type Allocation struct {
	Address string `toml:"address" yaml:"address"`
	Asset   string `toml:"asset" yaml:"asset"`
	Amount  string `toml:"amount" yaml:"amount"`
}

// RateLimit throttles gateway requests per client address.
type RateLimit struct {
	RatePerSecond float64 `toml:"rate_per_second" yaml:"rate_per_second"`
	Burst         int     `toml:"burst" yaml:"burst"`
}

// Auth guards the gateway's admin routes with HMAC-signed JWTs.
type Auth struct {
	Enabled bool `toml:"enabled" yaml:"enabled"`
	// SecretEnv names the environment variable carrying the HMAC secret.
	SecretEnv string        `toml:"secret_env" yaml:"secret_env"`
	Issuer    string        `toml:"issuer" yaml:"issuer"`
	Audience  string        `toml:"audience" yaml:"audience"`
	ClockSkew time.Duration `toml:"clock_skew" yaml:"clock_skew"`
}

// Gateway configures the HTTP entry point.
type Gateway struct {
	Listen       string        `toml:"listen" yaml:"listen"`
	ReadTimeout  time.Duration `toml:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `toml:"write_timeout" yaml:"write_timeout"`
	IdleTimeout  time.Duration `toml:"idle_timeout" yaml:"idle_timeout"`
	// Gas budget of every invocation the gateway submits.
	Gas            uint64        `toml:"gas" yaml:"gas"`
	RateLimit      RateLimit     `toml:"rate_limit" yaml:"rate_limit"`
	Auth           Auth          `toml:"auth" yaml:"auth"`
	IdempotencyDB  string        `toml:"idempotency_db" yaml:"idempotency_db"`
	IdempotencyTTL time.Duration `toml:"idempotency_ttl" yaml:"idempotency_ttl"`
	AllowedOrigins []string      `toml:"allowed_origins" yaml:"allowed_origins"`
}

// Indexer configures the SQL audit trail of emitted events.
type Indexer struct {
	// Driver is "sqlite", "postgres" or empty to disable indexing.
	Driver    string `toml:"driver" yaml:"driver"`
	DSN       string `toml:"dsn" yaml:"dsn"`
	ExportDir string `toml:"export_dir" yaml:"export_dir"`
}

// Logging configures the process logger.
type Logging struct {
	Level string              `toml:"level" yaml:"level"`
	File  logging.FileOptions `toml:"file" yaml:"file"`
}

// Config is the lendingd configuration file.
type Config struct {
	Environment string           `toml:"environment" yaml:"environment"`
	DataDir     string           `toml:"data_dir" yaml:"data_dir"`
	Storage     Storage          `toml:"storage" yaml:"storage"`
	Operator    Operator         `toml:"operator" yaml:"operator"`
	Pools       []lending.Config `toml:"pools" yaml:"pools"`
	Genesis     []Allocation     `toml:"genesis" yaml:"genesis"`
	// Paused lists pause keys ("router", "lending", "lending:EGLD") that are
	// set when the daemon starts.
	Paused    []string    `toml:"paused" yaml:"paused"`
	Gateway   Gateway     `toml:"gateway" yaml:"gateway"`
	Indexer   Indexer     `toml:"indexer" yaml:"indexer"`
	Logging   Logging     `toml:"logging" yaml:"logging"`
	Telemetry otel.Config `toml:"telemetry" yaml:"telemetry"`
}
