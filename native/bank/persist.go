package bank

import (
	"fmt"

	"stablevault/crypto"
	"stablevault/native/cdp"
)

// BalanceStore persists per-account balances of a token.
type BalanceStore interface {
	LoadBalances(symbol string) (map[crypto.Address]cdp.Amount, error)
	SaveBalances(symbol string, balances map[crypto.Address]cdp.Amount) error
}

// Attach restores the ledger from store and installs a hook writing both sides
// of every later movement back to it. Write failures go to onError; the
// in-memory ledger stays authoritative.
func (t *Token) Attach(store BalanceStore, onError func(error)) error {
	if store == nil {
		return fmt.Errorf("%s attach: store required", t.symbol)
	}
	balances, err := store.LoadBalances(t.symbol)
	if err != nil {
		return fmt.Errorf("%s attach: %w", t.symbol, err)
	}
	if err := t.Restore(balances); err != nil {
		return err
	}
	t.SetHook(func(from, to crypto.Address, _ cdp.Amount) {
		changed := make(map[crypto.Address]cdp.Amount, 2)
		for _, addr := range [...]crypto.Address{from, to} {
			if !addr.IsZero() {
				changed[addr] = t.BalanceOf(addr)
			}
		}
		if err := store.SaveBalances(t.symbol, changed); err != nil && onError != nil {
			onError(fmt.Errorf("%s persist: %w", t.symbol, err))
		}
	})
	return nil
}
