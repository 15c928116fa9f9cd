package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"stablevault/crypto"
	"stablevault/native/cdp"
	"stablevault/storage"
)

func testAddress(b byte) crypto.Address {
	return crypto.NewAddress(crypto.VaultPrefix, bytes.Repeat([]byte{b}, 20))
}

func TestPositionRowsFlattensCollateral(t *testing.T) {
	alice := testAddress(1)
	bob := testAddress(2)
	records := []cdp.AccountRecord{
		{
			Address: alice,
			Collateral: map[cdp.AssetID]cdp.Amount{
				"wbtc": cdp.Units(1),
				"weth": cdp.Units(2),
				"dust": {},
			},
			Debt: cdp.Units(1000),
		},
		{Address: bob, Collateral: map[cdp.AssetID]cdp.Amount{}, Debt: cdp.Units(5)},
		{Address: testAddress(3)},
	}

	rows := positionRows(records)
	require.Equal(t, []positionRow{
		{Address: alice.String(), Asset: "wbtc", Collateral: "1000000000000000000", Debt: "1000000000000000000000"},
		{Address: alice.String(), Asset: "weth", Collateral: "2000000000000000000", Debt: "1000000000000000000000"},
		{Address: bob.String(), Collateral: "0", Debt: "5000000000000000000"},
	}, rows)
}

func TestExportWritesParquetFromStore(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "cdp.toml")
	cfg := fmt.Sprintf(`DataDir = %q
ModuleName = "cdp"
DebtSymbol = "vUSD"

[Collateral]
Tokens = ["weth"]
PriceFeeds = ["eth-usd"]
`, filepath.Join(dir, "data"))
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfg), 0o644))

	db, err := storage.NewLevelDB(filepath.Join(dir, "data", "positions"))
	require.NoError(t, err)
	store := storage.NewPositionStore(db)
	require.NoError(t, store.CommitAccounts([]cdp.AccountRecord{
		{Address: testAddress(7), Collateral: map[cdp.AssetID]cdp.Amount{"weth": cdp.Units(3)}, Debt: cdp.Units(900)},
	}))
	require.NoError(t, db.Close())

	records, err := loadPositions(cfgPath)
	require.NoError(t, err)
	require.Len(t, records, 1)

	root, count, err := positionsRoot(cfgPath)
	require.NoError(t, err)
	require.Equal(t, 1, count)
	require.NotEqual(t, common.Hash{}, root)

	out := filepath.Join(dir, "positions.parquet")
	require.NoError(t, writePositionsParquet(out, positionRows(records)))

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	require.Greater(t, len(data), 8)
	require.Equal(t, "PAR1", string(data[:4]))
	require.Equal(t, "PAR1", string(data[len(data)-4:]))
}

func TestInspectViewCopiesCollateral(t *testing.T) {
	rec := cdp.AccountRecord{
		Address:    testAddress(9),
		Collateral: map[cdp.AssetID]cdp.Amount{"weth": cdp.Units(1)},
		Debt:       cdp.Units(2),
	}
	view := inspectView(rec)
	view.Collateral["weth"] = cdp.Units(4)
	require.Equal(t, cdp.Units(1), rec.Collateral["weth"])
	require.Equal(t, rec.Address.String(), view.Address)
}

func TestKeystoreAddressMatchesKeygen(t *testing.T) {
	dir := t.TempDir()
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	path, err := crypto.SaveAccountKey(dir, key, "s3cret")
	require.NoError(t, err)

	t.Setenv("CDPCTL_TEST_PASS", "s3cret")
	addr, err := keystoreAddress(path, "CDPCTL_TEST_PASS")
	require.NoError(t, err)
	require.Equal(t, key.PubKey().Address(), addr)
	require.Equal(t, crypto.VaultPrefix, addr.Prefix())

	t.Setenv("CDPCTL_TEST_PASS", "wrong")
	_, err = keystoreAddress(path, "CDPCTL_TEST_PASS")
	require.Error(t, err)

	_, err = keystoreAddress(path, "CDPCTL_TEST_UNSET_PASS")
	require.ErrorContains(t, err, "CDPCTL_TEST_UNSET_PASS")

	_, err = keystoreAddress("", "")
	require.Error(t, err)
}
