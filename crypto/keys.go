package crypto

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcutil/bech32"
	"github.com/ethereum/go-ethereum/crypto"
)

// AddressPrefix defines the human-readable part of an account address.
type AddressPrefix string

const (
	// VaultPrefix tags user and liquidator accounts.
	VaultPrefix AddressPrefix = "vault"
	// ModulePrefix tags accounts owned by the engine itself.
	ModulePrefix AddressPrefix = "vaultmod"
)

// AddressLength is the number of raw bytes backing an address.
const AddressLength = 20

var errAddressLength = errors.New("crypto: address must be 20 bytes long")

// ErrUnknownPrefix is returned when a bech32 string carries a prefix other than
// VaultPrefix or ModulePrefix.
var ErrUnknownPrefix = errors.New("crypto: unknown address prefix")

// ErrNotAccountAddress is returned by DecodeAccountAddress for module addresses.
var ErrNotAccountAddress = errors.New("crypto: not a vault account address")

// Known reports whether p is one of the prefixes this package issues.
func (p AddressPrefix) Known() bool {
	return p == VaultPrefix || p == ModulePrefix
}

// Address represents a 20-byte account identifier with a human-readable
// prefix. Addresses are comparable and may be used directly as map keys.
type Address struct {
	prefix AddressPrefix
	bytes  [AddressLength]byte
}

// NewAddress builds an address from raw bytes. It panics when b is not
// exactly AddressLength bytes long.
func NewAddress(prefix AddressPrefix, b []byte) Address {
	addr, err := AddressFromBytes(prefix, b)
	if err != nil {
		panic(err)
	}
	return addr
}

// AddressFromBytes is the non-panicking variant of NewAddress.
func AddressFromBytes(prefix AddressPrefix, b []byte) (Address, error) {
	if len(b) != AddressLength {
		return Address{}, errAddressLength
	}
	addr := Address{prefix: prefix}
	copy(addr.bytes[:], b)
	return addr, nil
}

func (a Address) String() string {
	if a.prefix == "" {
		return ""
	}
	conv, err := bech32.ConvertBits(a.bytes[:], 8, 5, true)
	if err != nil {
		panic(err)
	}
	encoded, err := bech32.Encode(string(a.prefix), conv)
	if err != nil {
		panic(err)
	}
	return encoded
}

// Bytes returns a copy of the raw address bytes.
func (a Address) Bytes() []byte {
	out := make([]byte, AddressLength)
	copy(out, a.bytes[:])
	return out
}

// Prefix returns the human-readable prefix associated with the address.
func (a Address) Prefix() AddressPrefix {
	return a.prefix
}

// IsZero reports whether the address carries no identity.
func (a Address) IsZero() bool {
	return a.bytes == [AddressLength]byte{}
}

// Compare orders addresses by their raw bytes.
func (a Address) Compare(b Address) int {
	return bytes.Compare(a.bytes[:], b.bytes[:])
}

// SameKey reports whether a and b share their raw bytes, whatever their
// prefixes.
func (a Address) SameKey(b Address) bool {
	return a.bytes == b.bytes
}

func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *Address) UnmarshalText(text []byte) error {
	decoded, err := DecodeAddress(string(text))
	if err != nil {
		return err
	}
	*a = decoded
	return nil
}

// DecodeAddress parses a bech32 address with a vault or module prefix.
func DecodeAddress(addrStr string) (Address, error) {
	prefix, decoded, err := bech32.Decode(strings.TrimSpace(addrStr))
	if err != nil {
		return Address{}, fmt.Errorf("invalid bech32 string: %w", err)
	}
	if !AddressPrefix(prefix).Known() {
		return Address{}, fmt.Errorf("%w %q", ErrUnknownPrefix, prefix)
	}
	conv, err := bech32.ConvertBits(decoded, 5, 8, false)
	if err != nil {
		return Address{}, fmt.Errorf("error converting bits: %w", err)
	}
	return AddressFromBytes(AddressPrefix(prefix), conv)
}

// DecodeAccountAddress is DecodeAddress restricted to VaultPrefix. Callers,
// liquidation targets and credited accounts go through it.
func DecodeAccountAddress(addrStr string) (Address, error) {
	addr, err := DecodeAddress(addrStr)
	if err != nil {
		return Address{}, err
	}
	if addr.prefix != VaultPrefix {
		return Address{}, fmt.Errorf("%w: %s", ErrNotAccountAddress, addr)
	}
	return addr, nil
}

// --- Key Management ---

type PrivateKey struct {
	*ecdsa.PrivateKey
}

type PublicKey struct {
	*ecdsa.PublicKey
}

func GeneratePrivateKey() (*PrivateKey, error) {
	key, err := ecdsa.GenerateKey(crypto.S256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

// Bytes returns the byte representation of the private key.
func (k *PrivateKey) Bytes() []byte {
	return crypto.FromECDSA(k.PrivateKey)
}

func (k *PrivateKey) PubKey() *PublicKey {
	return &PublicKey{&k.PrivateKey.PublicKey}
}

// Address derives the vault account address controlled by the key.
func (k *PublicKey) Address() Address {
	addrBytes := crypto.PubkeyToAddress(*k.PublicKey).Bytes()
	return NewAddress(VaultPrefix, addrBytes)
}

func PrivateKeyFromBytes(b []byte) (*PrivateKey, error) {
	key, err := crypto.ToECDSA(b)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}
