package config

import (
	"fmt"
	"strings"

	"stablevault/native/cdp"
)

// Validate checks the collateral lists before an engine is built from them.
func Validate(c *Config) error {
	if len(c.Collateral.Tokens) != len(c.Collateral.PriceFeeds) {
		return fmt.Errorf("collateral: %w (%d tokens, %d feeds)", cdp.ErrConfigMismatch, len(c.Collateral.Tokens), len(c.Collateral.PriceFeeds))
	}
	if strings.TrimSpace(c.DataDir) == "" {
		return fmt.Errorf("DataDir must be set")
	}
	seen := make(map[string]struct{}, len(c.Collateral.Tokens))
	for _, token := range c.Collateral.Tokens {
		token = strings.TrimSpace(token)
		if token == "" {
			return fmt.Errorf("collateral: empty token id")
		}
		if _, dup := seen[token]; dup {
			return fmt.Errorf("collateral: duplicate token %q", token)
		}
		seen[token] = struct{}{}
	}
	return nil
}
