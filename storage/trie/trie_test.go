package trie

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"stablevault/crypto"
	"stablevault/native/cdp"
	"stablevault/storage"
)

func record(b byte, collateral, debt uint64) cdp.AccountRecord {
	return cdp.AccountRecord{
		Address:    crypto.NewAddress(crypto.VaultPrefix, bytes.Repeat([]byte{b}, 20)),
		Collateral: map[cdp.AssetID]cdp.Amount{"weth": cdp.Units(collateral)},
		Debt:       cdp.Units(debt),
	}
}

func TestPositionsRootIgnoresCommitOrder(t *testing.T) {
	a := storage.NewPositionStore(storage.NewMemDB())
	require.NoError(t, a.CommitAccounts([]cdp.AccountRecord{record(1, 2, 100), record(2, 5, 300)}))

	b := storage.NewPositionStore(storage.NewMemDB())
	require.NoError(t, b.CommitAccounts([]cdp.AccountRecord{record(2, 5, 300)}))
	require.NoError(t, b.CommitAccounts([]cdp.AccountRecord{record(1, 2, 100)}))

	rootA, n, err := PositionsRoot(a)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	rootB, _, err := PositionsRoot(b)
	require.NoError(t, err)
	require.Equal(t, rootA, rootB)
	require.False(t, IsEmpty(rootA))
}

func TestPositionsRootTracksBalances(t *testing.T) {
	store := storage.NewPositionStore(storage.NewMemDB())
	empty, n, err := PositionsRoot(store)
	require.NoError(t, err)
	require.Zero(t, n)
	require.True(t, IsEmpty(empty))

	require.NoError(t, store.CommitAccounts([]cdp.AccountRecord{record(1, 2, 100)}))
	before, _, err := PositionsRoot(store)
	require.NoError(t, err)

	require.NoError(t, store.CommitAccounts([]cdp.AccountRecord{record(1, 2, 101)}))
	after, _, err := PositionsRoot(store)
	require.NoError(t, err)
	require.NotEqual(t, before, after)

	// Closing the position removes it from the commitment.
	require.NoError(t, store.CommitAccounts([]cdp.AccountRecord{{Address: record(1, 0, 0).Address}}))
	closed, _, err := PositionsRoot(store)
	require.NoError(t, err)
	require.True(t, IsEmpty(closed))
}
