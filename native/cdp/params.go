package cdp

// ModuleName is the key the engine consults in its PauseView.
const ModuleName = "cdp"

const (
	// LiquidationThreshold is the share of nominal collateral value, out of
	// LiquidationPrecision, that counts toward the health factor. 50 implies a
	// 200% overcollateralization target.
	LiquidationThreshold = 50
	// LiquidationBonus is the extra collateral, out of LiquidationPrecision,
	// awarded to a liquidator on top of the debt-equivalent amount.
	LiquidationBonus     = 10
	LiquidationPrecision = 100
)

var (
	// Precision scales every Amount (1e18).
	Precision = NewAmount(1_000_000_000_000_000_000)
	// FeedPrecision scales raw FeedPrice quotes (1e8).
	FeedPrecision = NewAmount(100_000_000)
	// AdditionalFeedPrecision lifts a FeedPrice to Precision (1e10).
	AdditionalFeedPrecision = NewAmount(10_000_000_000)
	// MinHealthFactor is a ratio of exactly 1.0.
	MinHealthFactor = Precision

	liquidationThreshold = NewAmount(LiquidationThreshold)
	liquidationBonus     = NewAmount(LiquidationBonus)
	liquidationPrecision = NewAmount(LiquidationPrecision)
)
