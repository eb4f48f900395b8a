package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"timelockvault/internal/vaulterr"
)

const testVault = "0x00000000000000000000000000000000000a0017"

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestDefaultsAreMisconfigured(t *testing.T) {
	t.Setenv("VAULT_CONTRACT_ADDRESS", "")
	t.Setenv("DEPLOYMENTS_PATH", "")
	_, err := Load("")
	if !errors.Is(err, vaulterr.ErrMisconfigured) {
		t.Fatalf("placeholder address must be rejected, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"placeholder", func(c *Config) { c.Vault.Address = PlaceholderAddress }, true},
		{"empty", func(c *Config) { c.Vault.Address = "" }, true},
		{"not hex", func(c *Config) { c.Vault.Address = "vault" }, true},
		{"zero", func(c *Config) { c.Vault.Address = common.Address{}.Hex() }, true},
		{"no rpc", func(c *Config) { c.Chain.RPCURL = " " }, true},
		{"no chain id", func(c *Config) { c.Chain.ChainID = 0 }, true},
		{"no window", func(c *Config) { c.Vault.HistoryWindow = 0 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Vault.Address = testVault
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr && !errors.Is(err, vaulterr.ErrMisconfigured) {
				t.Fatalf("expected misconfigured, got %v", err)
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestLoadLayers(t *testing.T) {
	yamlPath := writeFile(t, "vault.yaml", `
log_level: debug
chain:
  rpc_url: http://localhost:8545
vault:
  address: 0x0000000000000000000000000000000000000001
  history_window: 10
tx:
  gas_limit: 300000
  poll_interval_ms: 500
`)
	depPath := writeFile(t, "deployments.json", `{
  "chainId": 31337,
  "startBlock": 42,
  "contracts": {"TimelockVault": "`+testVault+`"}
}`)
	t.Setenv("DEPLOYMENTS_PATH", depPath)
	t.Setenv("VAULT_CONTRACT_ADDRESS", "")
	t.Setenv("VAULT_HISTORY_WINDOW", "5")
	t.Setenv("API_HTTP_PORT", "8088")

	cfg, err := Load(yamlPath)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogLevel != "debug" || cfg.Chain.RPCURL != "http://localhost:8545" {
		t.Fatalf("yaml values not applied: %+v", cfg)
	}
	if cfg.VaultAddress() != common.HexToAddress(testVault) || cfg.Chain.ChainID != 31337 || cfg.Vault.StartBlock != 42 {
		t.Fatalf("deployment values not applied: %+v", cfg)
	}
	if cfg.Vault.HistoryWindow != 5 || cfg.Service.HTTPPort != 8088 {
		t.Fatalf("env values not applied: %+v", cfg)
	}
	if cfg.Tx.GasLimit != 300000 || cfg.PollInterval() != 500*time.Millisecond || cfg.ConfirmTimeout() != 120*time.Second {
		t.Fatalf("tx settings wrong: %+v", cfg.Tx)
	}
}

func TestLoadBadEnvInteger(t *testing.T) {
	t.Setenv("VAULT_CONTRACT_ADDRESS", testVault)
	t.Setenv("DEPLOYMENTS_PATH", "")
	t.Setenv("VAULT_START_BLOCK", "-3")
	if _, err := Load(""); !errors.Is(err, vaulterr.ErrMisconfigured) {
		t.Fatalf("expected misconfigured, got %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}
