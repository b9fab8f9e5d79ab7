package evm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// ErrNameNotRegistered is returned when a name has no resolver or resolves
// to the zero address.
var ErrNameNotRegistered = errors.New("name not registered")

// ENS registry deployment address, identical on mainnet and most testnets.
var ensRegistryAddress = common.HexToAddress("0x00000000000C2E074eC69A0dBFc9Dd9B8189aacc")

// resolver(bytes32) and addr(bytes32) selectors.
var (
	resolverSelector = crypto.Keccak256([]byte("resolver(bytes32)"))[:4]
	addrSelector     = crypto.Keccak256([]byte("addr(bytes32)"))[:4]
)

// NameResolver performs forward resolution of domain-style names to
// addresses against the on-chain name registry. Only forward resolution is
// supported; the pipeline never needs a reverse lookup.
type NameResolver struct {
	rpc      RPCClient
	registry common.Address
}

// NewNameResolver creates a resolver against the standard registry.
func NewNameResolver(rpc RPCClient) *NameResolver {
	return &NameResolver{rpc: rpc, registry: ensRegistryAddress}
}

// Resolve maps a name like "dami.eth" to its registered address.
func (r *NameResolver) Resolve(ctx context.Context, name string) (string, error) {
	node := Namehash(name)

	// Look up the resolver contract for the node.
	data := append(append([]byte{}, resolverSelector...), node[:]...)
	out, err := r.rpc.CallContract(ctx, gethcore.CallMsg{To: &r.registry, Data: data}, nil)
	if err != nil {
		return "", fmt.Errorf("registry lookup for %q: %w", name, err)
	}
	if len(out) < 32 {
		return "", fmt.Errorf("registry lookup for %q: short return data", name)
	}
	resolverAddr := common.BytesToAddress(out[12:32])
	if resolverAddr == (common.Address{}) {
		return "", fmt.Errorf("%q: %w", name, ErrNameNotRegistered)
	}

	// Ask the resolver for the address record.
	data = append(append([]byte{}, addrSelector...), node[:]...)
	out, err = r.rpc.CallContract(ctx, gethcore.CallMsg{To: &resolverAddr, Data: data}, nil)
	if err != nil {
		return "", fmt.Errorf("resolver lookup for %q: %w", name, err)
	}
	if len(out) < 32 {
		return "", fmt.Errorf("resolver lookup for %q: short return data", name)
	}
	addr := common.BytesToAddress(out[12:32])
	if addr == (common.Address{}) {
		return "", fmt.Errorf("%q: %w", name, ErrNameNotRegistered)
	}
	return addr.Hex(), nil
}

// Namehash implements the recursive EIP-137 name hashing algorithm.
func Namehash(name string) [32]byte {
	var node [32]byte
	if name == "" {
		return node
	}
	labels := strings.Split(strings.ToLower(name), ".")
	for i := len(labels) - 1; i >= 0; i-- {
		labelHash := crypto.Keccak256([]byte(labels[i]))
		node = [32]byte(crypto.Keccak256(node[:], labelHash))
	}
	return node
}
