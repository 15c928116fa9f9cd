package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"stablevault/config"
	"stablevault/crypto"
	"stablevault/native/cdp"
	"stablevault/storage"
	"stablevault/storage/trie"
)

const (
	exportCommand  = "export"
	inspectCommand = "inspect"
	rootCommand    = "root"
	keygenCommand  = "keygen"
	addressCommand = "address"
	defaultConfig  = "./cdp.toml"
	defaultPassEnv = "CDP_KEYSTORE_PASS"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case exportCommand:
		err = runExport(os.Args[2:])
	case inspectCommand:
		err = runInspect(os.Args[2:])
	case rootCommand:
		err = runRoot(os.Args[2:])
	case keygenCommand:
		err = runKeygen(os.Args[2:])
	case addressCommand:
		err = runAddress(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runExport(args []string) error {
	fs := flag.NewFlagSet(exportCommand, flag.ExitOnError)
	configPath := fs.String("config", defaultConfig, "Path to the engine config file")
	out := fs.String("out", "positions.parquet", "Output parquet file")
	fs.Parse(args)

	records, err := loadPositions(*configPath)
	if err != nil {
		return err
	}
	rows := positionRows(records)
	if err := writePositionsParquet(*out, rows); err != nil {
		return err
	}
	fmt.Printf("Exported %d rows for %d accounts to %s\n", len(rows), len(records), *out)
	return nil
}

func runInspect(args []string) error {
	fs := flag.NewFlagSet(inspectCommand, flag.ExitOnError)
	configPath := fs.String("config", defaultConfig, "Path to the engine config file")
	account := fs.String("account", "", "Bech32 address of the account to inspect")
	fs.Parse(args)

	if strings.TrimSpace(*account) == "" {
		return fmt.Errorf("-account is required")
	}
	addr, err := crypto.DecodeAddress(*account)
	if err != nil {
		return fmt.Errorf("invalid account: %w", err)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}
	db, err := storage.NewLevelDB(cfg.PositionsDir())
	if err != nil {
		return fmt.Errorf("open positions: %w", err)
	}
	defer db.Close()

	rec, found, err := storage.NewPositionStore(db).Account(addr)
	if err != nil {
		return err
	}
	if !found {
		rec = cdp.AccountRecord{Address: addr}
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(inspectView(rec))
}

func runRoot(args []string) error {
	fs := flag.NewFlagSet(rootCommand, flag.ExitOnError)
	configPath := fs.String("config", defaultConfig, "Path to the engine config file")
	fs.Parse(args)

	root, count, err := positionsRoot(*configPath)
	if err != nil {
		return err
	}
	fmt.Printf("%s (%d positions)\n", root.Hex(), count)
	return nil
}

func positionsRoot(configPath string) (common.Hash, int, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return common.Hash{}, 0, fmt.Errorf("failed to read config: %w", err)
	}
	db, err := storage.NewLevelDB(cfg.PositionsDir())
	if err != nil {
		return common.Hash{}, 0, fmt.Errorf("open positions: %w", err)
	}
	defer db.Close()
	return trie.PositionsRoot(storage.NewPositionStore(db))
}

func runKeygen(args []string) error {
	fs := flag.NewFlagSet(keygenCommand, flag.ExitOnError)
	keystoreDir := fs.String("keystore", "", "Directory to write an encrypted keystore into")
	passEnv := fs.String("pass-env", defaultPassEnv, "Environment variable containing the keystore passphrase")
	fs.Parse(args)

	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return err
	}
	fmt.Println(key.PubKey().Address().String())
	if *keystoreDir == "" {
		return nil
	}
	passphrase, err := lookupPassphrase(*passEnv)
	if err != nil {
		return err
	}
	path, err := crypto.SaveAccountKey(*keystoreDir, key, passphrase)
	if err != nil {
		return fmt.Errorf("failed to write keystore: %w", err)
	}
	fmt.Printf("Wrote keystore to %s\n", path)
	return nil
}

func runAddress(args []string) error {
	fs := flag.NewFlagSet(addressCommand, flag.ExitOnError)
	keystorePath := fs.String("keystore", "", "Path to an encrypted keystore file")
	passEnv := fs.String("pass-env", defaultPassEnv, "Environment variable containing the keystore passphrase")
	fs.Parse(args)

	addr, err := keystoreAddress(*keystorePath, *passEnv)
	if err != nil {
		return err
	}
	fmt.Println(addr.String())
	return nil
}

// keystoreAddress decrypts the keystore at path and returns the vault address
// it controls.
func keystoreAddress(path, passEnv string) (crypto.Address, error) {
	if strings.TrimSpace(path) == "" {
		return crypto.Address{}, fmt.Errorf("-keystore is required")
	}
	passphrase, err := lookupPassphrase(passEnv)
	if err != nil {
		return crypto.Address{}, err
	}
	key, err := crypto.LoadAccountKey(path, passphrase)
	if err != nil {
		return crypto.Address{}, fmt.Errorf("failed to unlock keystore: %w", err)
	}
	return key.PubKey().Address(), nil
}

func lookupPassphrase(passEnv string) (string, error) {
	if passEnv == "" {
		return "", nil
	}
	val, ok := os.LookupEnv(passEnv)
	if !ok {
		return "", fmt.Errorf("environment variable %s is not set", passEnv)
	}
	return val, nil
}

func loadPositions(configPath string) ([]cdp.AccountRecord, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	db, err := storage.NewLevelDB(cfg.PositionsDir())
	if err != nil {
		return nil, fmt.Errorf("open positions: %w", err)
	}
	defer db.Close()
	return storage.NewPositionStore(db).LoadAccounts()
}

type positionView struct {
	Address    string                     `json:"address"`
	Collateral map[cdp.AssetID]cdp.Amount `json:"collateral"`
	Debt       cdp.Amount                 `json:"debt"`
}

func inspectView(rec cdp.AccountRecord) positionView {
	view := positionView{
		Address:    rec.Address.String(),
		Collateral: make(map[cdp.AssetID]cdp.Amount, len(rec.Collateral)),
		Debt:       rec.Debt,
	}
	for asset, amt := range rec.Collateral {
		view.Collateral[asset] = amt
	}
	return view
}

type positionRow struct {
	Address    string `parquet:"name=address, type=BYTE_ARRAY, convertedtype=UTF8"`
	Asset      string `parquet:"name=asset, type=BYTE_ARRAY, convertedtype=UTF8"`
	Collateral string `parquet:"name=collateral, type=BYTE_ARRAY, convertedtype=UTF8"`
	Debt       string `parquet:"name=debt, type=BYTE_ARRAY, convertedtype=UTF8"`
}

// positionRows flattens records into one row per held asset. An account with
// debt but no collateral still gets a row with an empty asset.
func positionRows(records []cdp.AccountRecord) []positionRow {
	var rows []positionRow
	for _, rec := range records {
		addr := rec.Address.String()
		assets := make([]string, 0, len(rec.Collateral))
		for asset, amt := range rec.Collateral {
			if !amt.IsZero() {
				assets = append(assets, string(asset))
			}
		}
		sort.Strings(assets)
		if len(assets) == 0 {
			if rec.Debt.IsZero() {
				continue
			}
			rows = append(rows, positionRow{Address: addr, Collateral: "0", Debt: rec.Debt.String()})
			continue
		}
		for _, asset := range assets {
			rows = append(rows, positionRow{
				Address:    addr,
				Asset:      asset,
				Collateral: rec.Collateral[cdp.AssetID(asset)].String(),
				Debt:       rec.Debt.String(),
			})
		}
	}
	return rows
}

func writePositionsParquet(path string, rows []positionRow) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(positionRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("parquet schema: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for i := range rows {
		if err := pw.Write(&rows[i]); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("write parquet row: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("finalise parquet: %w", err)
	}
	return file.Close()
}

func usage() {
	fmt.Println("cdpctl <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Printf("  %s     Write every stored position to a parquet file\n", exportCommand)
	fmt.Printf("  %s    Print one account's stored position as JSON\n", inspectCommand)
	fmt.Printf("  %s       Print the Merkle root committing to every stored position\n", rootCommand)
	fmt.Printf("  %s     Generate a vault account key\n", keygenCommand)
	fmt.Printf("  %s    Print the vault address held in a keystore file\n", addressCommand)
}
