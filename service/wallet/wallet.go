// Package wallet generates and seals per-user keypairs, one per supported
// chain family: secp256k1 for account-based EVM chains and ed25519 for
// Solana. Private keys never leave the package unencrypted except through
// Unseal, which the dispatcher calls immediately before signing.
package wallet

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
	solanago "github.com/gagliardetto/solana-go"
)

// Keypair is a freshly generated wallet for one chain family.
type Keypair struct {
	Address    string
	PrivateKey string // hex for EVM, base58 for Solana
}

// NewEVMKeypair generates a secp256k1 keypair usable on all account-based
// EVM chains (ethereum, mantle).
func NewEVMKeypair() (*Keypair, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generate evm key: %w", err)
	}
	return &Keypair{
		Address:    crypto.PubkeyToAddress(key.PublicKey).Hex(),
		PrivateKey: fmt.Sprintf("0x%x", crypto.FromECDSA(key)),
	}, nil
}

// NewSolanaKeypair generates an ed25519 keypair for Solana.
func NewSolanaKeypair() (*Keypair, error) {
	w := solanago.NewWallet()
	return &Keypair{
		Address:    w.PublicKey().String(),
		PrivateKey: w.PrivateKey.String(),
	}, nil
}

// ParseEVMPrivateKey decodes a hex-encoded secp256k1 private key.
func ParseEVMPrivateKey(hexKey string) (*Keypair, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse evm key: %w", err)
	}
	return &Keypair{
		Address:    crypto.PubkeyToAddress(key.PublicKey).Hex(),
		PrivateKey: fmt.Sprintf("0x%x", crypto.FromECDSA(key)),
	}, nil
}

// ParseSolanaPrivateKey decodes a base58-encoded ed25519 private key.
func ParseSolanaPrivateKey(b58Key string) (*Keypair, error) {
	key, err := solanago.PrivateKeyFromBase58(b58Key)
	if err != nil {
		return nil, fmt.Errorf("parse solana key: %w", err)
	}
	return &Keypair{
		Address:    key.PublicKey().String(),
		PrivateKey: key.String(),
	}, nil
}
