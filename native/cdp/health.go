package cdp

import "stablevault/crypto"

// AccountInfo summarises a position in USD terms.
type AccountInfo struct {
	Debt          Amount `json:"debt"`
	CollateralUSD Amount `json:"collateralUsd"`
	HealthFactor  Amount `json:"healthFactor"`
}

// TotalCollateralValueUSD sums the USD value of every registered asset held by
// account.
func (e *Engine) TotalCollateralValueUSD(account crypto.Address) (Amount, error) {
	var total Amount
	for _, asset := range e.registry.assets {
		amount := e.collateral.Get(account, asset)
		if amount.IsZero() {
			continue
		}
		value, err := e.oracle.USDValue(asset, amount)
		if err != nil {
			return Amount{}, err
		}
		if total, err = total.Add(value); err != nil {
			return Amount{}, err
		}
	}
	return total, nil
}

// CalculateHealthFactor applies the liquidation threshold to collateralUSD and
// divides by debt. Zero debt yields MaxAmount.
func CalculateHealthFactor(collateralUSD, debt Amount) (Amount, error) {
	if debt.IsZero() {
		return MaxAmount, nil
	}
	adjusted, err := collateralUSD.MulDiv(liquidationThreshold, liquidationPrecision)
	if err != nil {
		return Amount{}, err
	}
	return adjusted.MulDiv(Precision, debt)
}

// HealthFactor returns the solvency ratio of account; values below
// MinHealthFactor are liquidatable. Never blocked by the reentrancy guard.
func (e *Engine) HealthFactor(account crypto.Address) (Amount, error) {
	info, err := e.AccountInformation(account)
	if err != nil {
		return Amount{}, err
	}
	return info.HealthFactor, nil
}

// AccountInformation returns debt, collateral value and health factor.
func (e *Engine) AccountInformation(account crypto.Address) (AccountInfo, error) {
	debt := e.debt.Get(account)
	collateralUSD, err := e.TotalCollateralValueUSD(account)
	if err != nil {
		return AccountInfo{}, err
	}
	hf, err := CalculateHealthFactor(collateralUSD, debt)
	if err != nil {
		return AccountInfo{}, err
	}
	return AccountInfo{Debt: debt, CollateralUSD: collateralUSD, HealthFactor: hf}, nil
}

func (e *Engine) requireHealthy(account crypto.Address) error {
	hf, err := e.HealthFactor(account)
	if err != nil {
		return err
	}
	if e.metrics != nil && hf != MaxAmount {
		e.metrics.ObserveHealthFactor(hf)
	}
	if hf.Lt(MinHealthFactor) {
		return &HealthFactorBrokenError{Value: hf}
	}
	return nil
}
