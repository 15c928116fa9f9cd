package trie

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/rawdb"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	gethtrie "github.com/ethereum/go-ethereum/trie"
	"github.com/ethereum/go-ethereum/triedb"

	"stablevault/storage"
)

// Commitment builds a Merkle Patricia root over a set of key/value pairs.
// Keys are hashed with keccak256 before insertion so the root does not depend
// on insertion order or key length.
//
// The trie lives in a throwaway in-memory node database; only the root is
// meant to leave this package. Commitment is not safe for concurrent use.
type Commitment struct {
	trie  *gethtrie.Trie
	count int
}

// New returns an empty commitment.
func New() *Commitment {
	db := triedb.NewDatabase(rawdb.NewMemoryDatabase(), nil)
	return &Commitment{trie: gethtrie.NewEmpty(db)}
}

// Update inserts value under keccak256(key).
func (c *Commitment) Update(key, value []byte) error {
	if err := c.trie.Update(crypto.Keccak256(key), value); err != nil {
		return err
	}
	c.count++
	return nil
}

// Len reports how many entries have been inserted.
func (c *Commitment) Len() int {
	return c.count
}

// Root returns the current root hash. The empty commitment has
// gethtypes.EmptyRootHash.
func (c *Commitment) Root() common.Hash {
	return c.trie.Hash()
}

// PositionsRoot commits to every position held in store. Two stores with the
// same positions produce the same root, which lets operators compare a backup
// or replica against the live database.
func PositionsRoot(store *storage.PositionStore) (common.Hash, int, error) {
	c := New()
	err := store.ForEachEncoded(func(addr, encoded []byte) error {
		return c.Update(addr, encoded)
	})
	if err != nil {
		return common.Hash{}, 0, err
	}
	return c.Root(), c.Len(), nil
}

// IsEmpty reports whether root commits to no positions.
func IsEmpty(root common.Hash) bool {
	return root == gethtypes.EmptyRootHash
}
