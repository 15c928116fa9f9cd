package cdp

import (
	"time"

	"stablevault/crypto"
)

// AssetID identifies an accepted collateral asset.
type AssetID string

// OracleRef names the external price source consulted for an asset.
type OracleRef string

// DebtToken is the pegged token minted against collateral. The engine must be
// its minter. Undoing a mint relies on the engine being able to pull tokens
// back from the recipient with TransferFrom.
type DebtToken interface {
	Mint(to crypto.Address, amount Amount) error
	// Burn destroys amount from the engine's own balance.
	Burn(amount Amount) error
	TransferFrom(from, to crypto.Address, amount Amount) error
}

// CollateralToken moves one collateral asset in and out of engine custody.
type CollateralToken interface {
	TransferFrom(from, to crypto.Address, amount Amount) error
	// Transfer sends amount from the engine's own balance.
	Transfer(to crypto.Address, amount Amount) error
}

// RoundData is a single price observation.
type RoundData struct {
	RoundID   uint64
	Answer    FeedPrice
	UpdatedAt time.Time
}

// PriceSource produces the latest USD quote for one asset.
type PriceSource interface {
	LatestRoundData() (RoundData, error)
}

// PriceSourceFunc adapts ordinary functions to PriceSource.
type PriceSourceFunc func() (RoundData, error)

// LatestRoundData implements PriceSource.
func (f PriceSourceFunc) LatestRoundData() (RoundData, error) {
	return f()
}

// Store persists committed account positions.
type Store interface {
	LoadAccounts() ([]AccountRecord, error)
	CommitAccounts(records []AccountRecord) error
}

// EventSink receives the events of every committed operation, in order.
type EventSink interface {
	Emit(events []Event)
}

// Metrics is the instrumentation surface the engine reports through.
type Metrics interface {
	ObserveOperation(operation string, err error)
	ObserveLiquidation(asset AssetID, seized Amount)
	ObserveHealthFactor(value Amount)
}
