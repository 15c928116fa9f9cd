package cdp

import (
	"errors"
	"fmt"

	"stablevault/crypto"
)

type compensation struct {
	label string
	fn    func() error
}

// journal records everything a single top-level operation did so that it can
// be undone: ledger writes (in memory) and collaborator calls (through
// compensating calls). Events are held back until the operation commits.
type journal struct {
	undos         []func()
	compensations []compensation
	touched       []crypto.Address
	seen          map[crypto.Address]struct{}
	events        []Event
}

func newJournal() *journal {
	return &journal{seen: make(map[crypto.Address]struct{})}
}

// touch registers a ledger write. Callers hold the arena write lock, so undo
// must acquire it itself when it eventually runs.
func (j *journal) touch(addr crypto.Address, created bool, a *arena, undo func()) {
	if j == nil {
		return
	}
	if created {
		j.undos = append(j.undos, func() { a.drop(addr) })
	}
	j.undos = append(j.undos, undo)
	if _, ok := j.seen[addr]; !ok {
		j.seen[addr] = struct{}{}
		j.touched = append(j.touched, addr)
	}
}

// compensate registers the call that reverses a successful collaborator call.
func (j *journal) compensate(label string, fn func() error) {
	j.compensations = append(j.compensations, compensation{label: label, fn: fn})
}

func (j *journal) emit(evt Event) {
	j.events = append(j.events, evt)
}

// rollback reverses collaborator calls newest first, then restores the
// ledgers. Compensation failures are collected; the ledgers are restored
// regardless.
func (j *journal) rollback() error {
	var errs []error
	for i := len(j.compensations) - 1; i >= 0; i-- {
		c := j.compensations[i]
		if err := c.fn(); err != nil {
			errs = append(errs, fmt.Errorf("compensate %s: %w", c.label, err))
		}
	}
	for i := len(j.undos) - 1; i >= 0; i-- {
		j.undos[i]()
	}
	j.undos, j.compensations, j.events = nil, nil, nil
	return errors.Join(errs...)
}
