package bank

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"stablevault/crypto"
	"stablevault/native/cdp"
)

var (
	ErrInsufficientFunds = errors.New("bank: insufficient funds")
	ErrSymbolRequired    = errors.New("bank: token symbol required")
)

// Hook observes every completed balance movement. Mints use a zero from
// address and burns a zero to address.
type Hook func(from, to crypto.Address, amount cdp.Amount)

// Token is an in-memory balance ledger for one asset. The owner is the
// custody account Burn and Transfer draw from. TransferFrom is only ever
// reachable through the holder of the *Token, so allowances are not tracked.
type Token struct {
	mu       sync.Mutex
	symbol   string
	owner    crypto.Address
	balances map[crypto.Address]cdp.Amount
	supply   cdp.Amount
	hook     Hook
}

// NewToken creates an empty ledger for symbol held in custody by owner.
func NewToken(symbol string, owner crypto.Address) (*Token, error) {
	trimmed := strings.TrimSpace(symbol)
	if trimmed == "" {
		return nil, ErrSymbolRequired
	}
	return &Token{
		symbol:   trimmed,
		owner:    owner,
		balances: make(map[crypto.Address]cdp.Amount),
	}, nil
}

// SetHook installs fn as the post-transfer observer. Hooks run without the
// ledger lock held and may call back into the token.
func (t *Token) SetHook(fn Hook) {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.hook = fn
	t.mu.Unlock()
}

func (t *Token) Symbol() string { return t.symbol }

func (t *Token) Owner() crypto.Address { return t.owner }

func (t *Token) BalanceOf(addr crypto.Address) cdp.Amount {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.balances[addr]
}

func (t *Token) TotalSupply() cdp.Amount {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.supply
}

// Mint creates amount new tokens for to.
func (t *Token) Mint(to crypto.Address, amount cdp.Amount) error {
	if err := t.apply(func() error {
		supply, err := t.supply.Add(amount)
		if err != nil {
			return err
		}
		if err := t.credit(to, amount); err != nil {
			return err
		}
		t.supply = supply
		return nil
	}); err != nil {
		return fmt.Errorf("%s mint: %w", t.symbol, err)
	}
	t.notify(crypto.Address{}, to, amount)
	return nil
}

// Credit is Mint for operator funding.
func (t *Token) Credit(to crypto.Address, amount cdp.Amount) error {
	return t.Mint(to, amount)
}

// Burn destroys amount from the owner's balance.
func (t *Token) Burn(amount cdp.Amount) error {
	if err := t.apply(func() error {
		if err := t.debit(t.owner, amount); err != nil {
			return err
		}
		t.supply, _ = t.supply.Sub(amount)
		return nil
	}); err != nil {
		return fmt.Errorf("%s burn: %w", t.symbol, err)
	}
	t.notify(t.owner, crypto.Address{}, amount)
	return nil
}

// Transfer moves amount from the owner to to.
func (t *Token) Transfer(to crypto.Address, amount cdp.Amount) error {
	return t.TransferFrom(t.owner, to, amount)
}

// TransferFrom moves amount from from to to.
func (t *Token) TransferFrom(from, to crypto.Address, amount cdp.Amount) error {
	if err := t.apply(func() error {
		if err := t.debit(from, amount); err != nil {
			return err
		}
		// Balances sum to supply, so the credit cannot overflow.
		return t.credit(to, amount)
	}); err != nil {
		return fmt.Errorf("%s transfer: %w", t.symbol, err)
	}
	t.notify(from, to, amount)
	return nil
}

func (t *Token) apply(fn func() error) error {
	if t == nil {
		return errors.New("bank: token not configured")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return fn()
}

func (t *Token) notify(from, to crypto.Address, amount cdp.Amount) {
	t.mu.Lock()
	hook := t.hook
	t.mu.Unlock()
	if hook != nil {
		hook(from, to, amount)
	}
}

func (t *Token) debit(addr crypto.Address, amount cdp.Amount) error {
	next, err := t.balances[addr].Sub(amount)
	if err != nil {
		return fmt.Errorf("%w: %s holds %s, needs %s", ErrInsufficientFunds, addr, t.balances[addr], amount)
	}
	t.setBalance(addr, next)
	return nil
}

func (t *Token) credit(addr crypto.Address, amount cdp.Amount) error {
	next, err := t.balances[addr].Add(amount)
	if err != nil {
		return err
	}
	t.setBalance(addr, next)
	return nil
}

func (t *Token) setBalance(addr crypto.Address, amount cdp.Amount) {
	if amount.IsZero() {
		delete(t.balances, addr)
		return
	}
	t.balances[addr] = amount
}

// Balances returns a copy of every non-zero balance.
func (t *Token) Balances() map[crypto.Address]cdp.Amount {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[crypto.Address]cdp.Amount, len(t.balances))
	for addr, amt := range t.balances {
		out[addr] = amt
	}
	return out
}

// Restore loads balances into an empty ledger and recomputes the supply.
func (t *Token) Restore(balances map[crypto.Address]cdp.Amount) error {
	return t.apply(func() error {
		if len(t.balances) != 0 || !t.supply.IsZero() {
			return fmt.Errorf("%s restore: ledger not empty", t.symbol)
		}
		var supply cdp.Amount
		for addr, amt := range balances {
			next, err := supply.Add(amt)
			if err != nil {
				t.balances = make(map[crypto.Address]cdp.Amount)
				return fmt.Errorf("%s restore: %w", t.symbol, err)
			}
			supply = next
			t.setBalance(addr, amt)
		}
		t.supply = supply
		return nil
	})
}
