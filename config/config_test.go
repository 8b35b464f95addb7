package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"lendpool/crypto"
)

var testHolder = crypto.BytesToAddress([]byte{0x42, 0x24}).String()

func writeFile(t *testing.T, name, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadTOML(t *testing.T) {
	path := writeFile(t, "lendingd.toml", fmt.Sprintf(`environment = "test"
data_dir = "/var/lib/lendpool"
paused = ["lending:USDC"]

[storage]
backend = "memory"

[operator]
keystore_path = "op.keystore"

[[pools]]
asset = "egld"
r_base = "0.01"
r_slope1 = "0.04"
r_slope2 = "0.6"
u_optimal = "0.8"
reserve_factor = "0.1"
liquidation_threshold = "0.75"

[[genesis]]
address = "%s"
asset = "EGLD"
amount = "1000000"

[gateway]
listen = "127.0.0.1:9090"
read_timeout = "5s"

[gateway.rate_limit]
rate_per_second = 2.5
burst = 5

[indexer]
driver = "postgres"
dsn = "postgres://lend@localhost/lend"

[telemetry]
traces = true
sample_ratio = 0.5
`, testHolder))

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.Environment != "test" || cfg.Storage.Backend != BackendMemory {
		t.Fatalf("unexpected top-level values: %+v", cfg)
	}
	if len(cfg.Pools) != 1 || cfg.Pools[0].LiquidationThreshold != "0.75" {
		t.Fatalf("unexpected pools %+v", cfg.Pools)
	}
	if cfg.Gateway.ReadTimeout != 5*time.Second {
		t.Fatalf("read timeout %s", cfg.Gateway.ReadTimeout)
	}
	if cfg.Gateway.WriteTimeout != 30*time.Second {
		t.Fatalf("default write timeout lost: %s", cfg.Gateway.WriteTimeout)
	}
	if cfg.Gateway.Gas != DefaultGas {
		t.Fatalf("gas default not applied: %d", cfg.Gateway.Gas)
	}
	if cfg.Operator.PassphraseEnv != DefaultPassphraseEnv {
		t.Fatalf("passphrase env default not applied")
	}
	allocs, err := cfg.Allocations()
	if err != nil {
		t.Fatalf("allocations: %v", err)
	}
	if len(allocs) != 1 || allocs[0].Amount.Int64() != 1_000_000 || allocs[0].Address.String() != testHolder {
		t.Fatalf("unexpected allocations %+v", allocs)
	}
	if got := cfg.Resolve("state"); got != filepath.Join("/var/lib/lendpool", "state") {
		t.Fatalf("resolve: %s", got)
	}
	if got := cfg.Resolve("/abs/x"); got != "/abs/x" {
		t.Fatalf("absolute path rewritten: %s", got)
	}
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "lendingd.yaml", `environment: staging
storage:
  backend: memory
operator:
  keystore_path: op.keystore
pools:
  - asset: USDC
    r_slope1: "0.04"
    r_slope2: "0.75"
    u_optimal: "0.9"
    liquidation_threshold: "0.85"
    price: "1.0"
gateway:
  idle_timeout: 1m
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.Gateway.IdleTimeout != time.Minute {
		t.Fatalf("idle timeout %s", cfg.Gateway.IdleTimeout)
	}
	if got := cfg.Assets(); len(got) != 1 || got[0] != "USDC" {
		t.Fatalf("assets %v", got)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeFile(t, "lendingd.toml", "unknown_knob = 3\n")
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "unknown_knob") {
		t.Fatalf("expected unknown key error, got %v", err)
	}
	path = writeFile(t, "lendingd.yml", "unknown_knob: 3\n")
	if _, err := Load(path); err == nil {
		t.Fatalf("expected yaml unknown field error")
	}
}

func TestLoadCreatesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "lendingd.toml")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	reloaded, err := Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if len(reloaded.Pools) != len(cfg.Pools) || reloaded.Gateway.Listen != cfg.Gateway.Listen {
		t.Fatalf("persisted default differs: %+v", reloaded)
	}
}

func TestValidateReportsEveryProblem(t *testing.T) {
	cfg := Default()
	cfg.Storage.Backend = "rocksdb"
	cfg.Pools = append(cfg.Pools, cfg.Pools[0])
	cfg.Pools[1].UOptimal = "1.5"
	cfg.Genesis = []Allocation{{Address: "nope", Asset: "EGLD", Amount: "1"}}
	cfg.Indexer.Driver = "mysql"
	cfg.Gateway.RateLimit = RateLimit{RatePerSecond: 1}

	err := cfg.Validate()
	if err == nil {
		t.Fatalf("expected validation failure")
	}
	for _, want := range []string{"storage", "pools[1]", "duplicate asset EGLD", "genesis[0]", "indexer", "burst"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("missing %q in %v", want, err)
		}
	}
}
