package cdp

import (
	"fmt"

	"stablevault/crypto"
)

// LiquidationResult describes a completed liquidation.
type LiquidationResult struct {
	SeizedBase     Amount `json:"seizedBase"`
	Bonus          Amount `json:"bonus"`
	TotalSeized    Amount `json:"totalSeized"`
	StartingHealth Amount `json:"startingHealth"`
	EndingHealth   Amount `json:"endingHealth"`
}

// Liquidate lets liquidator repay debtToCover of target's debt in exchange for
// the equivalent amount of asset plus LiquidationBonus percent. Only targets
// below MinHealthFactor qualify and the target's health must strictly improve.
func (e *Engine) Liquidate(liquidator crypto.Address, asset AssetID, target crypto.Address, debtToCover Amount) (LiquidationResult, error) {
	var res LiquidationResult
	err := e.execute("liquidate", func(j *journal) error {
		if debtToCover.IsZero() {
			return ErrInvalidAmount
		}
		if !e.registry.Allowed(asset) {
			return fmt.Errorf("%w: %q", ErrAssetNotAllowed, asset)
		}
		start, err := e.HealthFactor(target)
		if err != nil {
			return err
		}
		if !start.Lt(MinHealthFactor) {
			return ErrHealthFactorOK
		}

		seized, err := e.oracle.AmountFromUSD(asset, debtToCover)
		if err != nil {
			return err
		}
		bonus, err := seized.MulDiv(liquidationBonus, liquidationPrecision)
		if err != nil {
			return err
		}
		total, err := seized.Add(bonus)
		if err != nil {
			return err
		}

		if err := e.redeemCollateral(j, target, liquidator, asset, total); err != nil {
			return err
		}
		if err := e.burnDebt(j, target, liquidator, debtToCover); err != nil {
			return err
		}

		end, err := e.HealthFactor(target)
		if err != nil {
			return err
		}
		if !end.Gt(start) {
			e.logger.Warn("cdp liquidation did not improve health",
				"target", target.String(), "asset", string(asset),
				"start", start.String(), "end", end.String())
			return ErrHealthFactorNotImproved
		}
		if err := e.requireHealthy(liquidator); err != nil {
			return err
		}

		res = LiquidationResult{
			SeizedBase:     seized,
			Bonus:          bonus,
			TotalSeized:    total,
			StartingHealth: start,
			EndingHealth:   end,
		}
		j.emit(liquidatedEvent(liquidator, target, asset, res, debtToCover))
		return nil
	})
	if err != nil {
		return LiquidationResult{}, err
	}
	if e.metrics != nil {
		e.metrics.ObserveLiquidation(asset, res.TotalSeized)
	}
	return res, nil
}
