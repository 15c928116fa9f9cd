package cdp

import "fmt"

// Oracle normalises external quotes into USD-per-unit Amounts. It never caches:
// every call reads the live value from the asset's source. Staleness is the
// source's concern.
type Oracle struct {
	registry *Registry
	sources  map[OracleRef]PriceSource
}

// NewOracle binds every feed referenced by the registry to a source.
func NewOracle(registry *Registry, sources map[OracleRef]PriceSource) (*Oracle, error) {
	if registry == nil {
		return nil, fmt.Errorf("%w: registry required", ErrInvalidConfig)
	}
	bound := make(map[OracleRef]PriceSource, len(registry.assets))
	for _, asset := range registry.assets {
		feed := registry.feeds[asset]
		src, ok := sources[feed]
		if !ok || src == nil {
			return nil, fmt.Errorf("%w: no price source for feed %q", ErrInvalidConfig, feed)
		}
		bound[feed] = src
	}
	return &Oracle{registry: registry, sources: bound}, nil
}

// UnitPriceUSD returns the USD value of one whole unit of asset, scaled by
// Precision.
func (o *Oracle) UnitPriceUSD(asset AssetID) (Amount, error) {
	feed, ok := o.registry.OracleFor(asset)
	if !ok {
		return Amount{}, fmt.Errorf("%w: %q", ErrAssetNotAllowed, asset)
	}
	round, err := o.sources[feed].LatestRoundData()
	if err != nil {
		return Amount{}, fmt.Errorf("%w: %s: %w", ErrPriceUnavailable, feed, err)
	}
	price, err := round.Answer.Rescale()
	if err != nil {
		return Amount{}, fmt.Errorf("feed %s: %w", feed, err)
	}
	return price, nil
}

// USDValue returns unitPrice * amount / Precision.
func (o *Oracle) USDValue(asset AssetID, amount Amount) (Amount, error) {
	price, err := o.UnitPriceUSD(asset)
	if err != nil {
		return Amount{}, err
	}
	return price.MulDiv(amount, Precision)
}

// AmountFromUSD returns the quantity of asset worth usd: usd * Precision /
// unitPrice.
func (o *Oracle) AmountFromUSD(asset AssetID, usd Amount) (Amount, error) {
	price, err := o.UnitPriceUSD(asset)
	if err != nil {
		return Amount{}, err
	}
	if price.IsZero() {
		return Amount{}, ErrInvalidPrice
	}
	return usd.MulDiv(Precision, price)
}
