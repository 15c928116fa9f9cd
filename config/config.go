package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"stablevault/crypto"
	"stablevault/native/cdp"
	nativecommon "stablevault/native/common"
)

// Config is the engine configuration shared by cdpd and cdpctl.
type Config struct {
	DataDir    string     `toml:"DataDir"`
	ModuleName string     `toml:"ModuleName"`
	DebtSymbol string     `toml:"DebtSymbol"`
	Collateral Collateral `toml:"Collateral"`
	Pauses     Pauses     `toml:"Pauses"`
}

// Load loads the configuration from the given path, writing a default file
// when none exists yet.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.ModuleName) == "" {
		cfg.ModuleName = "cdp"
	}
	if strings.TrimSpace(cfg.DebtSymbol) == "" {
		cfg.DebtSymbol = "vUSD"
	}
	if cfg.Collateral.Tokens == nil {
		cfg.Collateral.Tokens = []string{}
	}
	if cfg.Collateral.PriceFeeds == nil {
		cfg.Collateral.PriceFeeds = []string{}
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := &Config{
		DataDir:    "./cdp-data",
		ModuleName: "cdp",
		DebtSymbol: "vUSD",
		Collateral: Collateral{
			Tokens:     []string{"weth", "wbtc"},
			PriceFeeds: []string{"eth-usd", "btc-usd"},
		},
	}
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

	return toml.NewEncoder(f).Encode(cfg)
}

// EngineAddress derives the engine custody address from the module name.
func (c *Config) EngineAddress() crypto.Address {
	hash := ethcrypto.Keccak256([]byte("module/" + c.ModuleName))
	return crypto.NewAddress(crypto.ModulePrefix, hash[12:])
}

// Assets returns the collateral registry lists in engine form.
func (c *Config) Assets() ([]cdp.AssetID, []cdp.OracleRef) {
	tokens := make([]cdp.AssetID, len(c.Collateral.Tokens))
	for i, t := range c.Collateral.Tokens {
		tokens[i] = cdp.AssetID(strings.TrimSpace(t))
	}
	feeds := make([]cdp.OracleRef, len(c.Collateral.PriceFeeds))
	for i, f := range c.Collateral.PriceFeeds {
		feeds[i] = cdp.OracleRef(strings.TrimSpace(f))
	}
	return tokens, feeds
}

// PauseView exposes the configured pause switches to the engine guard.
func (c *Config) PauseView() nativecommon.StaticPauses {
	return nativecommon.StaticPauses{cdp.ModuleName: c.Pauses.CDP}
}

// PositionsDir is where the position database lives.
func (c *Config) PositionsDir() string {
	return filepath.Join(c.DataDir, "positions")
}
