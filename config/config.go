package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"jobgateway/crypto"
)

// Config drives the gated daemon: where state lives, where RPC listens, and
// which identities govern the marketplace. The RPC bearer token is taken from
// the environment, never from the file.
type Config struct {
	RPCAddress  string `toml:"RPCAddress"`
	DataDir     string `toml:"DataDir"`
	Environment string `toml:"Environment"`

	// Governance identities, bech32 encoded. Authority is required on first
	// start; QuoteSigner and FeeRecipient default to the authority when empty.
	Authority    string `toml:"Authority"`
	QuoteSigner  string `toml:"QuoteSigner"`
	FeeRecipient string `toml:"FeeRecipient"`

	DeclineRequiresAuthority bool `toml:"DeclineRequiresAuthority"`
	RefundRequiresRequester  bool `toml:"RefundRequiresRequester"`
	EnforceDeliveryDeadline  bool `toml:"EnforceDeliveryDeadline"`
}

// Load reads the configuration from the given path, writing a commented
// default file when none exists yet.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}
	cfg := &Config{}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.RPCAddress) == "" {
		cfg.RPCAddress = "127.0.0.1:8745"
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = "./gated-data"
	}
	if strings.TrimSpace(cfg.QuoteSigner) == "" {
		cfg.QuoteSigner = cfg.Authority
	}
	if strings.TrimSpace(cfg.FeeRecipient) == "" {
		cfg.FeeRecipient = cfg.Authority
	}
}

// Validate checks the governance identities decode as addresses.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config required")
	}
	for field, value := range map[string]string{
		"Authority":    cfg.Authority,
		"QuoteSigner":  cfg.QuoteSigner,
		"FeeRecipient": cfg.FeeRecipient,
	} {
		if strings.TrimSpace(value) == "" {
			continue
		}
		if _, err := crypto.DecodeAddress(strings.TrimSpace(value)); err != nil {
			return fmt.Errorf("%s: %w", field, err)
		}
	}
	return nil
}

// Address decodes one of the configured identities into its 20-byte form. The
// zero value is returned for empty fields.
func Address(value string) ([20]byte, error) {
	var out [20]byte
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return out, nil
	}
	decoded, err := crypto.DecodeAddress(trimmed)
	if err != nil {
		return out, err
	}
	copy(out[:], decoded.Bytes())
	return out, nil
}

func createDefault(path string) (*Config, error) {
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}
	cfg := &Config{
		Authority:                key.PubKey().Address().String(),
		DeclineRequiresAuthority: true,
	}
	applyDefaults(cfg)
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(cfg)
}
