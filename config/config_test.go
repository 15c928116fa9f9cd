package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"stablevault/crypto"
	"stablevault/native/cdp"
)

func TestLoadCreatesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "cdp.toml")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected default file to be written: %v", err)
	}
	if cfg.ModuleName != "cdp" || len(cfg.Collateral.Tokens) != 2 {
		t.Fatalf("unexpected default config %+v", cfg)
	}

	reloaded, err := Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.Collateral.PriceFeeds[1] != "btc-usd" {
		t.Fatalf("unexpected feeds %v", reloaded.Collateral.PriceFeeds)
	}
}

func TestLoadParsesCollateralAndPauses(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cdp.toml")
	contents := `DataDir = "./data"
DebtSymbol = "dUSD"

[Collateral]
Tokens = ["weth"]
PriceFeeds = ["eth-usd"]

[Pauses]
CDP = true
`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DebtSymbol != "dUSD" || cfg.ModuleName != "cdp" {
		t.Fatalf("unexpected config %+v", cfg)
	}
	tokens, feeds := cfg.Assets()
	if len(tokens) != 1 || tokens[0] != "weth" || feeds[0] != "eth-usd" {
		t.Fatalf("unexpected assets %v %v", tokens, feeds)
	}
	if !cfg.PauseView().IsPaused("cdp") {
		t.Fatalf("expected cdp paused")
	}
	if cfg.PositionsDir() != filepath.Join("data", "positions") {
		t.Fatalf("unexpected positions dir %q", cfg.PositionsDir())
	}
}

func TestLoadRejectsMismatchedLists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cdp.toml")
	contents := `DataDir = "./data"

[Collateral]
Tokens = ["weth", "wbtc"]
PriceFeeds = ["eth-usd"]
`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(path); !errors.Is(err, cdp.ErrConfigMismatch) {
		t.Fatalf("expected ErrConfigMismatch, got %v", err)
	}
}

func TestValidateRejectsDuplicates(t *testing.T) {
	cfg := &Config{DataDir: "x", Collateral: Collateral{Tokens: []string{"a", "a"}, PriceFeeds: []string{"f", "g"}}}
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected duplicate token error")
	}
}

func TestEngineAddressIsStable(t *testing.T) {
	a := (&Config{ModuleName: "cdp"}).EngineAddress()
	b := (&Config{ModuleName: "cdp"}).EngineAddress()
	c := (&Config{ModuleName: "other"}).EngineAddress()
	if a != b || a == c {
		t.Fatalf("expected deterministic per-module addresses")
	}
	if a.Prefix() != crypto.ModulePrefix {
		t.Fatalf("unexpected prefix %s", a.Prefix())
	}
}
