package config

import (
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v2"

	"timelockvault/internal/vaulterr"
)

// PlaceholderAddress is the vault address shipped in templates. It must be
// replaced before anything can talk to the chain.
const PlaceholderAddress = "0xYourProxyAddress"

const (
	defaultRPCURL          = "https://sepolia.base.org"
	defaultChainID         = 84532
	defaultHistoryWindow   = 25
	defaultConfirmTimeout  = 120
	defaultPollIntervalMs  = 2000
	defaultHTTPPort        = 3000
	defaultClockSkew       = 60
	defaultIdempotencyTTL  = 24 * 60 * 60
	defaultIdempotencyFile = "timelockvault-submissions.json"
)

type Config struct {
	LogLevel        string        `yaml:"log_level"`
	DeploymentsPath string        `yaml:"deployments_path"`
	Chain           ChainConfig   `yaml:"chain"`
	Vault           VaultConfig   `yaml:"vault"`
	Wallet          WalletConfig  `yaml:"wallet"`
	Tx              TxConfig      `yaml:"tx"`
	Service         ServiceConfig `yaml:"service"`
}

type ChainConfig struct {
	RPCURL  string `yaml:"rpc_url"`
	ChainID int64  `yaml:"chain_id"`
}

type VaultConfig struct {
	Address       string `yaml:"address"`
	StartBlock    uint64 `yaml:"start_block"`
	HistoryWindow int    `yaml:"history_window"`
}

type WalletConfig struct {
	PrivateKey     string `yaml:"private_key"`
	PrivateKeyFile string `yaml:"private_key_file"`
}

type TxConfig struct {
	// GasLimit of zero lets the node estimate.
	GasLimit              uint64 `yaml:"gas_limit"`
	ConfirmTimeoutSeconds int    `yaml:"confirm_timeout_seconds"`
	PollIntervalMs        int    `yaml:"poll_interval_ms"`
}

type ServiceConfig struct {
	HTTPPort                 int    `yaml:"http_port"`
	HMACSecret               string `yaml:"hmac_secret"`
	HMACClockSkewSeconds     int    `yaml:"hmac_clock_skew_seconds"`
	IdempotencyWindowSeconds int    `yaml:"idempotency_window_seconds"`
	IdempotencyStorePath     string `yaml:"idempotency_store_path"`
	PostgresDSN              string `yaml:"postgres_dsn"`
}

// Deployment is the hardhat-style deployments.json written by the deploy
// scripts.
type Deployment struct {
	ChainID    int64  `json:"chainId"`
	StartBlock uint64 `json:"startBlock"`
	Contracts  struct {
		TimelockVault string `json:"TimelockVault"`
	} `json:"contracts"`
}

func Default() *Config {
	return &Config{
		LogLevel: "info",
		Chain: ChainConfig{
			RPCURL:  defaultRPCURL,
			ChainID: defaultChainID,
		},
		Vault: VaultConfig{
			Address:       PlaceholderAddress,
			HistoryWindow: defaultHistoryWindow,
		},
		Tx: TxConfig{
			ConfirmTimeoutSeconds: defaultConfirmTimeout,
			PollIntervalMs:        defaultPollIntervalMs,
		},
		Service: ServiceConfig{
			HTTPPort:                 defaultHTTPPort,
			HMACClockSkewSeconds:     defaultClockSkew,
			IdempotencyWindowSeconds: defaultIdempotencyTTL,
			IdempotencyStorePath:     filepath.Join(os.TempDir(), defaultIdempotencyFile),
		},
	}
}

// Load layers defaults, the YAML file at path (optional), the deployments
// file and the environment, in that order, then validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	deploymentsPath := envOr("DEPLOYMENTS_PATH", cfg.DeploymentsPath)
	if deploymentsPath != "" {
		dep, err := LoadDeployment(deploymentsPath)
		if err != nil {
			return nil, fmt.Errorf("load deployments: %w", err)
		}
		cfg.applyDeployment(dep)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	buf, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file at '%s': %w", path, err)
	}
	if err := yaml.Unmarshal(buf, c); err != nil {
		return vaulterr.Wrap(vaulterr.KindMisconfigured, err, "failed to unmarshal config file at '%s'", path)
	}
	return nil
}

func LoadDeployment(path string) (*Deployment, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var dep Deployment
	if err := json.Unmarshal(raw, &dep); err != nil {
		return nil, err
	}
	return &dep, nil
}

func (c *Config) applyDeployment(dep *Deployment) {
	if dep.Contracts.TimelockVault != "" {
		c.Vault.Address = dep.Contracts.TimelockVault
	}
	if dep.ChainID != 0 {
		c.Chain.ChainID = dep.ChainID
	}
	if dep.StartBlock != 0 {
		c.Vault.StartBlock = dep.StartBlock
	}
}

func (c *Config) applyEnv() error {
	c.LogLevel = envOr("LOG_LEVEL", c.LogLevel)
	c.Chain.RPCURL = envOr("VAULT_RPC_URL", c.Chain.RPCURL)
	c.Vault.Address = envOr("VAULT_CONTRACT_ADDRESS", c.Vault.Address)
	c.Wallet.PrivateKey = envOr("VAULT_PRIVATE_KEY", c.Wallet.PrivateKey)
	c.Wallet.PrivateKeyFile = envOr("VAULT_PRIVATE_KEY_FILE", c.Wallet.PrivateKeyFile)
	c.Service.HMACSecret = envOr("API_HMAC_SECRET", c.Service.HMACSecret)
	c.Service.IdempotencyStorePath = envOr("IDEMPOTENCY_STORE_PATH", c.Service.IdempotencyStorePath)
	c.Service.PostgresDSN = envOr("POSTGRES_DSN", c.Service.PostgresDSN)

	var err error
	if c.Chain.ChainID, err = envOrInt64("VAULT_CHAIN_ID", c.Chain.ChainID); err != nil {
		return err
	}
	if c.Vault.StartBlock, err = envOrUint64("VAULT_START_BLOCK", c.Vault.StartBlock); err != nil {
		return err
	}
	if c.Tx.GasLimit, err = envOrUint64("VAULT_GAS_LIMIT", c.Tx.GasLimit); err != nil {
		return err
	}
	ints := []struct {
		key string
		dst *int
	}{
		{"VAULT_HISTORY_WINDOW", &c.Vault.HistoryWindow},
		{"VAULT_CONFIRM_TIMEOUT_SECONDS", &c.Tx.ConfirmTimeoutSeconds},
		{"VAULT_POLL_INTERVAL_MS", &c.Tx.PollIntervalMs},
		{"API_HTTP_PORT", &c.Service.HTTPPort},
		{"HMAC_CLOCK_SKEW_SECONDS", &c.Service.HMACClockSkewSeconds},
		{"IDEMPOTENCY_WINDOW_SECONDS", &c.Service.IdempotencyWindowSeconds},
	}
	for _, v := range ints {
		n, err := envOrInt64(v.key, int64(*v.dst))
		if err != nil {
			return err
		}
		*v.dst = int(n)
	}
	return nil
}

// Validate reports Misconfigured when the vault cannot be reached.
func (c *Config) Validate() error {
	addr := strings.TrimSpace(c.Vault.Address)
	switch {
	case addr == "" || addr == PlaceholderAddress:
		return vaulterr.New(vaulterr.KindMisconfigured, "vault address is not set; configure vault.address or VAULT_CONTRACT_ADDRESS")
	case !common.IsHexAddress(addr):
		return vaulterr.New(vaulterr.KindMisconfigured, "vault address %q is not a hex address", addr)
	case common.HexToAddress(addr) == (common.Address{}):
		return vaulterr.New(vaulterr.KindMisconfigured, "vault address is the zero address")
	}
	if strings.TrimSpace(c.Chain.RPCURL) == "" {
		return vaulterr.New(vaulterr.KindMisconfigured, "rpc url is required")
	}
	if c.Chain.ChainID <= 0 {
		return vaulterr.New(vaulterr.KindMisconfigured, "chain id must be positive, got %d", c.Chain.ChainID)
	}
	if c.Vault.HistoryWindow <= 0 {
		return vaulterr.New(vaulterr.KindMisconfigured, "history window must be positive, got %d", c.Vault.HistoryWindow)
	}
	return nil
}

func (c *Config) VaultAddress() common.Address {
	return common.HexToAddress(strings.TrimSpace(c.Vault.Address))
}

func (c *Config) ChainID() *big.Int {
	return big.NewInt(c.Chain.ChainID)
}

func (c *Config) ConfirmTimeout() time.Duration {
	return time.Duration(c.Tx.ConfirmTimeoutSeconds) * time.Second
}

func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Tx.PollIntervalMs) * time.Millisecond
}

func (c *Config) HMACClockSkew() time.Duration {
	return time.Duration(c.Service.HMACClockSkewSeconds) * time.Second
}

func (c *Config) IdempotencyWindow() time.Duration {
	return time.Duration(c.Service.IdempotencyWindowSeconds) * time.Second
}

func envOr(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		return val
	}
	return fallback
}

func envOrInt64(key string, fallback int64) (int64, error) {
	val, ok := os.LookupEnv(key)
	if !ok || val == "" {
		return fallback, nil
	}
	parsed, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, vaulterr.Wrap(vaulterr.KindMisconfigured, err, "%s=%q is not an integer", key, val)
	}
	return parsed, nil
}

func envOrUint64(key string, fallback uint64) (uint64, error) {
	val, ok := os.LookupEnv(key)
	if !ok || val == "" {
		return fallback, nil
	}
	parsed, err := strconv.ParseUint(val, 10, 64)
	if err != nil {
		return 0, vaulterr.Wrap(vaulterr.KindMisconfigured, err, "%s=%q is not a non-negative integer", key, val)
	}
	return parsed, nil
}
