package cdp

import (
	"fmt"
	"strings"
)

// Registry is the immutable set of accepted collateral assets and the price
// source each one uses. Assets keep their construction order.
type Registry struct {
	assets []AssetID
	feeds  map[AssetID]OracleRef
}

// NewRegistry pairs tokens[i] with feeds[i]. Lists of different length fail
// with ErrConfigMismatch.
func NewRegistry(tokens []AssetID, feeds []OracleRef) (*Registry, error) {
	if len(tokens) != len(feeds) {
		return nil, fmt.Errorf("%w: %d tokens, %d price feeds", ErrConfigMismatch, len(tokens), len(feeds))
	}
	reg := &Registry{
		assets: make([]AssetID, 0, len(tokens)),
		feeds:  make(map[AssetID]OracleRef, len(tokens)),
	}
	for i, token := range tokens {
		asset := AssetID(strings.TrimSpace(string(token)))
		feed := OracleRef(strings.TrimSpace(string(feeds[i])))
		if asset == "" || feed == "" {
			return nil, fmt.Errorf("%w: empty asset or feed at index %d", ErrInvalidConfig, i)
		}
		if _, dup := reg.feeds[asset]; dup {
			return nil, fmt.Errorf("%w: duplicate asset %q", ErrInvalidConfig, asset)
		}
		reg.assets = append(reg.assets, asset)
		reg.feeds[asset] = feed
	}
	return reg, nil
}

// Assets returns the accepted assets in registration order.
func (r *Registry) Assets() []AssetID {
	if r == nil {
		return nil
	}
	out := make([]AssetID, len(r.assets))
	copy(out, r.assets)
	return out
}

// OracleFor returns the price source reference for asset.
func (r *Registry) OracleFor(asset AssetID) (OracleRef, bool) {
	if r == nil {
		return "", false
	}
	feed, ok := r.feeds[asset]
	return feed, ok
}

// Allowed reports whether asset was registered.
func (r *Registry) Allowed(asset AssetID) bool {
	_, ok := r.OracleFor(asset)
	return ok
}
