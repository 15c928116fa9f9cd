package cdp

import (
	"sort"
	"sync"

	"stablevault/crypto"
)

// AccountRecord is the persisted form of one account position.
type AccountRecord struct {
	Address    crypto.Address
	Collateral map[AssetID]Amount
	Debt       Amount
}

type position struct {
	collateral map[AssetID]Amount
	debt       Amount
}

func newPosition() *position {
	return &position{collateral: make(map[AssetID]Amount)}
}

// arena owns every account position. The mutex is only ever held for a single
// map access, never across a collaborator call.
type arena struct {
	mu       sync.RWMutex
	accounts map[crypto.Address]*position
}

func newArena() *arena {
	return &arena{accounts: make(map[crypto.Address]*position)}
}

// ensure returns the position for addr, creating it when missing. Callers hold
// the write lock.
func (a *arena) ensure(addr crypto.Address) (*position, bool) {
	pos, ok := a.accounts[addr]
	if ok {
		return pos, false
	}
	pos = newPosition()
	a.accounts[addr] = pos
	return pos, true
}

func (a *arena) drop(addr crypto.Address) {
	a.mu.Lock()
	delete(a.accounts, addr)
	a.mu.Unlock()
}

func (a *arena) record(addr crypto.Address) (AccountRecord, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	pos, ok := a.accounts[addr]
	if !ok {
		return AccountRecord{}, false
	}
	rec := AccountRecord{Address: addr, Debt: pos.debt, Collateral: make(map[AssetID]Amount, len(pos.collateral))}
	for asset, amt := range pos.collateral {
		rec.Collateral[asset] = amt
	}
	return rec, true
}

func (a *arena) restore(records []AccountRecord) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, rec := range records {
		pos := newPosition()
		for asset, amt := range rec.Collateral {
			pos.collateral[asset] = amt
		}
		pos.debt = rec.Debt
		a.accounts[rec.Address] = pos
	}
}

func (a *arena) addresses() []crypto.Address {
	a.mu.RLock()
	out := make([]crypto.Address, 0, len(a.accounts))
	for addr := range a.accounts {
		out = append(out, addr)
	}
	a.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Compare(out[j]) < 0 })
	return out
}

// CollateralLedger tracks deposited amounts per account and asset. It enforces
// non-negativity only; solvency is the engine's job.
type CollateralLedger struct {
	arena   *arena
	journal *journal
}

func (l *CollateralLedger) Get(account crypto.Address, asset AssetID) Amount {
	l.arena.mu.RLock()
	defer l.arena.mu.RUnlock()
	pos, ok := l.arena.accounts[account]
	if !ok {
		return Amount{}
	}
	return pos.collateral[asset]
}

func (l *CollateralLedger) Increase(account crypto.Address, asset AssetID, amount Amount) error {
	return l.apply(account, asset, func(prev Amount) (Amount, error) { return prev.Add(amount) })
}

// Decrease fails with ErrInsufficientBalance when amount exceeds the balance.
func (l *CollateralLedger) Decrease(account crypto.Address, asset AssetID, amount Amount) error {
	return l.apply(account, asset, func(prev Amount) (Amount, error) { return prev.Sub(amount) })
}

func (l *CollateralLedger) apply(account crypto.Address, asset AssetID, next func(Amount) (Amount, error)) error {
	l.arena.mu.Lock()
	defer l.arena.mu.Unlock()
	pos, created := l.arena.ensure(account)
	prev, existed := pos.collateral[asset]
	updated, err := next(prev)
	if err != nil {
		if created {
			delete(l.arena.accounts, account)
		}
		return err
	}
	pos.collateral[asset] = updated
	l.journal.touch(account, created, l.arena, func() {
		l.arena.mu.Lock()
		defer l.arena.mu.Unlock()
		if !existed {
			delete(pos.collateral, asset)
			return
		}
		pos.collateral[asset] = prev
	})
	return nil
}

// DebtLedger tracks outstanding minted debt per account.
type DebtLedger struct {
	arena   *arena
	journal *journal
}

func (l *DebtLedger) Get(account crypto.Address) Amount {
	l.arena.mu.RLock()
	defer l.arena.mu.RUnlock()
	pos, ok := l.arena.accounts[account]
	if !ok {
		return Amount{}
	}
	return pos.debt
}

func (l *DebtLedger) Increase(account crypto.Address, amount Amount) error {
	return l.apply(account, func(prev Amount) (Amount, error) { return prev.Add(amount) })
}

// Decrease fails with ErrInsufficientBalance when amount exceeds the debt.
func (l *DebtLedger) Decrease(account crypto.Address, amount Amount) error {
	return l.apply(account, func(prev Amount) (Amount, error) { return prev.Sub(amount) })
}

func (l *DebtLedger) apply(account crypto.Address, next func(Amount) (Amount, error)) error {
	l.arena.mu.Lock()
	defer l.arena.mu.Unlock()
	pos, created := l.arena.ensure(account)
	prev := pos.debt
	updated, err := next(prev)
	if err != nil {
		if created {
			delete(l.arena.accounts, account)
		}
		return err
	}
	pos.debt = updated
	l.journal.touch(account, created, l.arena, func() {
		l.arena.mu.Lock()
		pos.debt = prev
		l.arena.mu.Unlock()
	})
	return nil
}
