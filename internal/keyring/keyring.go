// Package keyring resolves script signer references into signing keys.
package keyring

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// TypeECDSA is the only supported key type (secp256k1).
const TypeECDSA = "ecdsa"

// Config is forwarded from the script configuration.
type Config struct {
	Type        string            // Key type, "" defaults to ecdsa
	Development bool              // Register the well-known development keyset
	Signers     map[string]string // Named raw credentials (hex private keys)
}

// Signer holds a resolved signing key. It is immutable once created.
type Signer struct {
	Name    string
	Address common.Address
	key     *ecdsa.PrivateKey
}

// NewSigner creates a signer from a private key.
func NewSigner(name string, key *ecdsa.PrivateKey) *Signer {
	return &Signer{
		Name:    name,
		Address: crypto.PubkeyToAddress(key.PublicKey),
		key:     key,
	}
}

// AddressHex returns the checksummed address.
func (s *Signer) AddressHex() string {
	return s.Address.Hex()
}

// Sign signs a 32-byte digest.
func (s *Signer) Sign(digest []byte) ([]byte, error) {
	return crypto.Sign(digest, s.key)
}

// SignTx signs a transaction for the given chain.
func (s *Signer) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	return types.SignTx(tx, types.LatestSignerForChainID(chainID), s.key)
}

// UnknownSignerError is returned when a signer reference matches neither a
// known name nor a raw credential.
type UnknownSignerError struct {
	Name string
}

func (e *UnknownSignerError) Error() string {
	return fmt.Sprintf("%s signer is not recognized", e.Name)
}

// DevNames are the well-known development account names, in key order.
var DevNames = []string{"alice", "bob", "charlie", "dave", "eve", "ferdie"}

// Well-known development private keys (from Anvil/Hardhat default accounts).
var DevPrivateKeys = []string{
	"ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80",
	"59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d",
	"5de4111afa1a4b94908f83103eb1f1706367c2e68ca870fc3fb9a804cdab365a",
	"7c852118294e51e653712a81e05800f419141751be58f605c371e15141b007a6",
	"47e179ec197488593b187f80a00eb0da91f1b9d0b13f8733639f19c30a34926a",
	"8b3a350cf5c34c9194ca85829a2df0ec3153be0318b5e2d3348e872092edffba",
}

// Keyring maps symbolic signer names to signers.
type Keyring struct {
	signers map[string]*Signer
}

// New builds a keyring from configuration.
func New(cfg Config) (*Keyring, error) {
	switch strings.ToLower(cfg.Type) {
	case "", TypeECDSA, "secp256k1", "ethereum":
	default:
		return nil, fmt.Errorf("unsupported keyring type %q (supported: %s)", cfg.Type, TypeECDSA)
	}

	k := &Keyring{signers: make(map[string]*Signer)}

	if cfg.Development {
		for i, name := range DevNames {
			s, err := ResolveByCredential(name, DevPrivateKeys[i])
			if err != nil {
				return nil, fmt.Errorf("dev key %s: %w", name, err)
			}
			k.signers[name] = s
		}
	}

	// Configured signers shadow development names.
	for name, raw := range cfg.Signers {
		s, err := ResolveByCredential(name, raw)
		if err != nil {
			return nil, fmt.Errorf("signer %s: %w", name, err)
		}
		k.signers[name] = s
	}

	return k, nil
}

// Lookup returns the signer registered under name. Development names
// match case-insensitively; configured names match exactly.
func (k *Keyring) Lookup(name string) (*Signer, bool) {
	if s, ok := k.signers[name]; ok {
		return s, true
	}
	if !isDevName(name) {
		return nil, false
	}
	s, ok := k.signers[strings.ToLower(name)]
	return s, ok
}

// ResolveByName looks up a signer by symbolic name, with the same
// matching rules as Lookup.
func (k *Keyring) ResolveByName(name string) (*Signer, error) {
	if s, ok := k.Lookup(name); ok {
		return s, nil
	}
	return nil, &UnknownSignerError{Name: name}
}

// Resolve resolves a script signer reference: a symbolic name first,
// then a raw credential.
func (k *Keyring) Resolve(ref string) (*Signer, error) {
	if s, err := k.ResolveByName(ref); err == nil {
		return s, nil
	}
	if IsCredential(ref) {
		return ResolveByCredential("", ref)
	}
	return nil, &UnknownSignerError{Name: ref}
}

// Signers returns a copy of the name -> signer table.
func (k *Keyring) Signers() map[string]*Signer {
	out := make(map[string]*Signer, len(k.signers))
	for name, s := range k.signers {
		out[name] = s
	}
	return out
}

// Names returns the registered signer names, sorted.
func (k *Keyring) Names() []string {
	names := make([]string, 0, len(k.signers))
	for name := range k.signers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ResolveByCredential creates a signer from a hex-encoded private key,
// with or without 0x prefix. An empty name defaults to the address.
func ResolveByCredential(name, raw string) (*Signer, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(raw), "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	s := NewSigner(name, key)
	if s.Name == "" {
		s.Name = s.Address.Hex()
	}
	return s, nil
}

// IsCredential reports whether ref looks like a raw hex private key.
func IsCredential(ref string) bool {
	ref = strings.TrimPrefix(strings.TrimSpace(ref), "0x")
	if len(ref) != 64 {
		return false
	}
	for _, c := range ref {
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f' || c >= 'A' && c <= 'F') {
			return false
		}
	}
	return true
}

func isDevName(name string) bool {
	lower := strings.ToLower(name)
	for _, n := range DevNames {
		if n == lower {
			return true
		}
	}
	return false
}
