package crypto

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ethereum/go-ethereum/accounts/keystore"
)

// SaveAccountKey encrypts key into an Ethereum v3 keystore file inside dir.
// The file is named after the vault address it controls and the resulting
// path is returned. Existing files are never overwritten.
func SaveAccountKey(dir string, key *PrivateKey, passphrase string) (string, error) {
	if key == nil {
		return "", errors.New("crypto: nil private key")
	}
	if dir == "" {
		return "", errors.New("crypto: empty keystore directory")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	path := filepath.Join(dir, key.PubKey().Address().String()+".json")
	if _, err := os.Stat(path); err == nil {
		return "", fmt.Errorf("crypto: keystore %s already exists", path)
	}

	tmpDir, err := os.MkdirTemp(dir, "keystore-")
	if err != nil {
		return "", err
	}
	defer os.RemoveAll(tmpDir)

	ks := keystore.NewKeyStore(tmpDir, keystore.LightScryptN, keystore.LightScryptP)
	if _, err := ks.ImportECDSA(key.PrivateKey, passphrase); err != nil {
		return "", err
	}
	entries, err := os.ReadDir(tmpDir)
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "", errors.New("crypto: failed to create keystore file")
	}
	if err := os.Rename(filepath.Join(tmpDir, entries[0].Name()), path); err != nil {
		return "", err
	}
	return path, os.Chmod(path, 0o600)
}

// LoadAccountKey decrypts a keystore file written by SaveAccountKey.
func LoadAccountKey(path, passphrase string) (*PrivateKey, error) {
	if path == "" {
		return nil, errors.New("crypto: empty keystore path")
	}
	keyJSON, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	decrypted, err := keystore.DecryptKey(keyJSON, passphrase)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{PrivateKey: decrypted.PrivateKey}, nil
}
