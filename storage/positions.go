package storage

import (
	"errors"
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/rlp"

	"stablevault/crypto"
	"stablevault/native/cdp"
)

var positionPrefix = []byte("cdp/acct/")

type storedCollateral struct {
	Asset  string
	Amount *big.Int
}

type storedPosition struct {
	Prefix     string
	Address    []byte
	Collateral []storedCollateral
	Debt       *big.Int
}

// PositionStore persists engine positions in a Database. Each account is one
// RLP record; a commit writes every touched account in a single batch.
type PositionStore struct {
	db Database
}

func NewPositionStore(db Database) *PositionStore {
	return &PositionStore{db: db}
}

// accountKey encodes addr as <prefix>/<bytes>. Addresses that share bytes
// under different prefixes are different accounts and must not share a key.
func accountKey(addr crypto.Address) []byte {
	prefix := addr.Prefix()
	key := make([]byte, 0, len(prefix)+1+crypto.AddressLength)
	key = append(key, prefix...)
	key = append(key, '/')
	return append(key, addr.Bytes()...)
}

// splitAccountKey reverses accountKey. It reports false for anything that is
// not <known prefix>/<20 bytes>.
func splitAccountKey(key []byte) (crypto.Address, bool) {
	if len(key) < crypto.AddressLength+2 || key[len(key)-crypto.AddressLength-1] != '/' {
		return crypto.Address{}, false
	}
	prefix := crypto.AddressPrefix(key[:len(key)-crypto.AddressLength-1])
	if !prefix.Known() {
		return crypto.Address{}, false
	}
	addr, err := crypto.AddressFromBytes(prefix, key[len(key)-crypto.AddressLength:])
	return addr, err == nil
}

func positionKey(addr crypto.Address) []byte {
	suffix := accountKey(addr)
	key := make([]byte, 0, len(positionPrefix)+len(suffix))
	key = append(key, positionPrefix...)
	return append(key, suffix...)
}

// LoadAccounts decodes every stored position.
func (s *PositionStore) LoadAccounts() ([]cdp.AccountRecord, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("storage: position store not configured")
	}
	var out []cdp.AccountRecord
	err := s.db.Iterate(positionPrefix, func(key, value []byte) error {
		rec, err := decodePosition(value)
		if err != nil {
			return fmt.Errorf("decode position %x: %w", key[len(positionPrefix):], err)
		}
		if owner, ok := splitAccountKey(key[len(positionPrefix):]); !ok || owner != rec.Address {
			return fmt.Errorf("position %x is stored under the wrong key", key[len(positionPrefix):])
		}
		out = append(out, rec)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ForEachEncoded visits every stored position with its account key and
// its RLP encoding. The encoding is canonical, so equal positions always yield
// equal bytes.
func (s *PositionStore) ForEachEncoded(fn func(account, encoded []byte) error) error {
	if s == nil || s.db == nil {
		return errors.New("storage: position store not configured")
	}
	return s.db.Iterate(positionPrefix, func(key, value []byte) error {
		return fn(key[len(positionPrefix):], value)
	})
}

// Account returns the stored position for addr.
func (s *PositionStore) Account(addr crypto.Address) (cdp.AccountRecord, bool, error) {
	data, err := s.db.Get(positionKey(addr))
	if errors.Is(err, ErrNotFound) {
		return cdp.AccountRecord{}, false, nil
	}
	if err != nil {
		return cdp.AccountRecord{}, false, err
	}
	rec, err := decodePosition(data)
	if err != nil {
		return cdp.AccountRecord{}, false, err
	}
	return rec, true, nil
}

// CommitAccounts writes records atomically. Empty positions are deleted.
func (s *PositionStore) CommitAccounts(records []cdp.AccountRecord) error {
	if s == nil || s.db == nil {
		return errors.New("storage: position store not configured")
	}
	batch := new(Batch)
	for _, rec := range records {
		key := positionKey(rec.Address)
		if isEmptyPosition(rec) {
			batch.Delete(key)
			continue
		}
		encoded, err := encodePosition(rec)
		if err != nil {
			return fmt.Errorf("encode position %s: %w", rec.Address, err)
		}
		batch.Put(key, encoded)
	}
	if batch.Len() == 0 {
		return nil
	}
	return s.db.Write(batch)
}

func isEmptyPosition(rec cdp.AccountRecord) bool {
	if !rec.Debt.IsZero() {
		return false
	}
	for _, amt := range rec.Collateral {
		if !amt.IsZero() {
			return false
		}
	}
	return true
}

func encodePosition(rec cdp.AccountRecord) ([]byte, error) {
	stored := storedPosition{
		Prefix:  string(rec.Address.Prefix()),
		Address: rec.Address.Bytes(),
		Debt:    rec.Debt.Big(),
	}
	for asset, amt := range rec.Collateral {
		if amt.IsZero() {
			continue
		}
		stored.Collateral = append(stored.Collateral, storedCollateral{Asset: string(asset), Amount: amt.Big()})
	}
	sort.Slice(stored.Collateral, func(i, j int) bool {
		return stored.Collateral[i].Asset < stored.Collateral[j].Asset
	})
	return rlp.EncodeToBytes(stored)
}

func decodePosition(data []byte) (cdp.AccountRecord, error) {
	var stored storedPosition
	if err := rlp.DecodeBytes(data, &stored); err != nil {
		return cdp.AccountRecord{}, err
	}
	addr, err := crypto.AddressFromBytes(crypto.AddressPrefix(stored.Prefix), stored.Address)
	if err != nil {
		return cdp.AccountRecord{}, err
	}
	debt, err := cdp.AmountFromBig(stored.Debt)
	if err != nil {
		return cdp.AccountRecord{}, fmt.Errorf("debt: %w", err)
	}
	rec := cdp.AccountRecord{Address: addr, Debt: debt, Collateral: make(map[cdp.AssetID]cdp.Amount, len(stored.Collateral))}
	for _, c := range stored.Collateral {
		amt, err := cdp.AmountFromBig(c.Amount)
		if err != nil {
			return cdp.AccountRecord{}, fmt.Errorf("collateral %s: %w", c.Asset, err)
		}
		rec.Collateral[cdp.AssetID(c.Asset)] = amt
	}
	return rec, nil
}
