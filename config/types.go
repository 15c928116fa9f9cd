package config

// Collateral lists the accepted collateral assets. Tokens[i] is priced by the
// feed PriceFeeds[i].
type Collateral struct {
	Tokens     []string `toml:"Tokens"`
	PriceFeeds []string `toml:"PriceFeeds"`
}

type Pauses struct {
	CDP bool `toml:"CDP"`
}
