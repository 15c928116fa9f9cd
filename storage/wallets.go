package storage

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/rlp"

	"stablevault/crypto"
	"stablevault/native/cdp"
)

var walletPrefix = []byte("bank/")

type storedBalance struct {
	Prefix  string
	Address []byte
	Amount  *big.Int
}

// WalletStore persists token balances, one RLP record per holder under
// bank/<symbol>/<prefix>/<address bytes>.
type WalletStore struct {
	db Database
}

func NewWalletStore(db Database) *WalletStore {
	return &WalletStore{db: db}
}

func walletSymbolPrefix(symbol string) []byte {
	key := make([]byte, 0, len(walletPrefix)+len(symbol)+1)
	key = append(key, walletPrefix...)
	key = append(key, symbol...)
	return append(key, '/')
}

func walletKey(symbol string, addr crypto.Address) []byte {
	return append(walletSymbolPrefix(symbol), accountKey(addr)...)
}

// LoadBalances returns every stored balance of symbol.
func (s *WalletStore) LoadBalances(symbol string) (map[crypto.Address]cdp.Amount, error) {
	prefix := walletSymbolPrefix(symbol)
	out := make(map[crypto.Address]cdp.Amount)
	err := s.db.Iterate(prefix, func(key, value []byte) error {
		// Keys of a symbol that extends this one share the prefix.
		owner, ok := splitAccountKey(key[len(prefix):])
		if !ok {
			return nil
		}
		var stored storedBalance
		if err := rlp.DecodeBytes(value, &stored); err != nil {
			return fmt.Errorf("decode balance %x: %w", key[len(prefix):], err)
		}
		addr, err := crypto.AddressFromBytes(crypto.AddressPrefix(stored.Prefix), stored.Address)
		if err != nil {
			return err
		}
		if addr != owner {
			return fmt.Errorf("balance %x is stored under the wrong key", key[len(prefix):])
		}
		amt, err := cdp.AmountFromBig(stored.Amount)
		if err != nil {
			return err
		}
		out[addr] = amt
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SaveBalances writes balances in one batch. Zero balances are deleted.
func (s *WalletStore) SaveBalances(symbol string, balances map[crypto.Address]cdp.Amount) error {
	batch := new(Batch)
	for addr, amt := range balances {
		key := walletKey(symbol, addr)
		if amt.IsZero() {
			batch.Delete(key)
			continue
		}
		encoded, err := rlp.EncodeToBytes(storedBalance{
			Prefix:  string(addr.Prefix()),
			Address: addr.Bytes(),
			Amount:  amt.Big(),
		})
		if err != nil {
			return err
		}
		batch.Put(key, encoded)
	}
	if batch.Len() == 0 {
		return nil
	}
	return s.db.Write(batch)
}
