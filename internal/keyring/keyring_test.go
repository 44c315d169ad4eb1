package keyring

import (
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

const (
	aliceAddress = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
	bobAddress   = "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"
)

func TestNewDevelopmentKeyring(t *testing.T) {
	k, err := New(Config{Development: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if got := len(k.Names()); got != len(DevNames) {
		t.Fatalf("len(Names()) = %d, want %d", got, len(DevNames))
	}

	tests := []struct {
		name string
		want string
	}{
		{"alice", aliceAddress},
		{"Alice", aliceAddress},
		{"BOB", bobAddress},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := k.ResolveByName(tt.name)
			if err != nil {
				t.Fatalf("ResolveByName(%q): %v", tt.name, err)
			}
			if s.AddressHex() != tt.want {
				t.Errorf("address = %s, want %s", s.AddressHex(), tt.want)
			}
		})
	}
}

func TestResolveByNameUnknown(t *testing.T) {
	k, err := New(Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = k.ResolveByName("alice")
	var unknown *UnknownSignerError
	if !errors.As(err, &unknown) {
		t.Fatalf("expected UnknownSignerError, got %v", err)
	}
	if unknown.Name != "alice" {
		t.Errorf("Name = %q, want alice", unknown.Name)
	}
}

func TestConfiguredSignersShadowDevNames(t *testing.T) {
	k, err := New(Config{
		Development: true,
		Signers:     map[string]string{"alice": "0x" + DevPrivateKeys[1], "ops": DevPrivateKeys[2]},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	alice, err := k.ResolveByName("alice")
	if err != nil {
		t.Fatalf("ResolveByName(alice): %v", err)
	}
	if alice.AddressHex() != bobAddress {
		t.Errorf("alice = %s, want configured key %s", alice.AddressHex(), bobAddress)
	}

	ops, err := k.ResolveByName("ops")
	if err != nil {
		t.Fatalf("ResolveByName(ops): %v", err)
	}
	if ops.Name != "ops" {
		t.Errorf("Name = %q, want ops", ops.Name)
	}

	// Non-dev names are case-sensitive.
	if _, err := k.ResolveByName("OPS"); err == nil {
		t.Error("expected OPS to be unknown")
	}
}

func TestLookupMatching(t *testing.T) {
	k, err := New(Config{Development: true, Signers: map[string]string{"Ops": DevPrivateKeys[2]}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	tests := []struct {
		name   string
		wantOK bool
	}{
		{"alice", true},
		{"Alice", true},
		{"FERDIE", true},
		{"Ops", true},
		{"ops", false},
		{"mallory", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, ok := k.Lookup(tt.name)
			if ok != tt.wantOK {
				t.Fatalf("Lookup(%q) ok = %v, want %v", tt.name, ok, tt.wantOK)
			}
			_, err := k.ResolveByName(tt.name)
			if (err == nil) != tt.wantOK {
				t.Errorf("ResolveByName(%q) err = %v, disagrees with Lookup", tt.name, err)
			}
			if ok && s == nil {
				t.Errorf("Lookup(%q) returned nil signer", tt.name)
			}
		})
	}
}

func TestResolveCredential(t *testing.T) {
	k, err := New(Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	s, err := k.Resolve("0x" + DevPrivateKeys[0])
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if s.AddressHex() != aliceAddress {
		t.Errorf("address = %s, want %s", s.AddressHex(), aliceAddress)
	}
	if s.Name != aliceAddress {
		t.Errorf("Name = %q, want address", s.Name)
	}

	if _, err := k.Resolve("not-a-key"); err == nil {
		t.Error("expected error for unknown reference")
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	if _, err := New(Config{Type: "sr25519"}); err == nil {
		t.Error("expected error for unsupported key type")
	}
	if _, err := New(Config{Signers: map[string]string{"x": "zz"}}); err == nil {
		t.Error("expected error for invalid private key")
	}
}

func TestIsCredential(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{DevPrivateKeys[0], true},
		{"0x" + DevPrivateKeys[0], true},
		{"alice", false},
		{"0x1234", false},
		{DevPrivateKeys[0][:63] + "g", false},
	}
	for _, tt := range tests {
		if got := IsCredential(tt.in); got != tt.want {
			t.Errorf("IsCredential(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestSignTxRecoversSender(t *testing.T) {
	s, err := ResolveByCredential("alice", DevPrivateKeys[0])
	if err != nil {
		t.Fatalf("ResolveByCredential: %v", err)
	}

	chainID := big.NewInt(1337)
	to := common.HexToAddress(bobAddress)
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     7,
		GasTipCap: big.NewInt(1),
		GasFeeCap: big.NewInt(2),
		Gas:       21000,
		To:        &to,
		Value:     big.NewInt(1),
	})

	signed, err := s.SignTx(tx, chainID)
	if err != nil {
		t.Fatalf("SignTx: %v", err)
	}
	from, err := types.Sender(types.LatestSignerForChainID(chainID), signed)
	if err != nil {
		t.Fatalf("Sender: %v", err)
	}
	if from != s.Address {
		t.Errorf("sender = %s, want %s", from.Hex(), s.AddressHex())
	}
}
