package cdp

import "stablevault/crypto"

const (
	EventTypeCollateralDeposited = "cdp.collateral.deposited"
	EventTypeCollateralRedeemed  = "cdp.collateral.redeemed"
	EventTypeDebtMinted          = "cdp.debt.minted"
	EventTypeDebtBurned          = "cdp.debt.burned"
	EventTypeLiquidated          = "cdp.liquidated"
)

// Event represents a typed event emitted by a committed operation.
type Event struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}

func collateralDepositedEvent(account crypto.Address, asset AssetID, amount Amount) Event {
	return Event{Type: EventTypeCollateralDeposited, Attributes: map[string]string{
		"account": account.String(),
		"asset":   string(asset),
		"amount":  amount.String(),
	}}
}

func collateralRedeemedEvent(from, to crypto.Address, asset AssetID, amount Amount) Event {
	return Event{Type: EventTypeCollateralRedeemed, Attributes: map[string]string{
		"from":   from.String(),
		"to":     to.String(),
		"asset":  string(asset),
		"amount": amount.String(),
	}}
}

func debtMintedEvent(account crypto.Address, amount Amount) Event {
	return Event{Type: EventTypeDebtMinted, Attributes: map[string]string{
		"account": account.String(),
		"amount":  amount.String(),
	}}
}

func debtBurnedEvent(onBehalfOf, payer crypto.Address, amount Amount) Event {
	return Event{Type: EventTypeDebtBurned, Attributes: map[string]string{
		"onBehalfOf": onBehalfOf.String(),
		"payer":      payer.String(),
		"amount":     amount.String(),
	}}
}

func liquidatedEvent(liquidator, target crypto.Address, asset AssetID, res LiquidationResult, debt Amount) Event {
	return Event{Type: EventTypeLiquidated, Attributes: map[string]string{
		"liquidator":     liquidator.String(),
		"target":         target.String(),
		"asset":          string(asset),
		"debtCovered":    debt.String(),
		"seizedBase":     res.SeizedBase.String(),
		"bonus":          res.Bonus.String(),
		"totalSeized":    res.TotalSeized.String(),
		"startingHealth": res.StartingHealth.String(),
		"endingHealth":   res.EndingHealth.String(),
	}}
}
