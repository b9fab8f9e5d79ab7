package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tiplinehq/tipline/service/intent"
	"github.com/tiplinehq/tipline/service/social"
	"github.com/tiplinehq/tipline/service/wallet"
)

func TestResolver_WalletPassthrough(t *testing.T) {
	env := newTestEnv(t)
	r := NewResolver(env.names, env.profiles, env.store, env.keystore, "", "", nil)

	addr := "0x1111111111111111111111111111111111111111"
	resolved, err := r.Resolve(context.Background(), &intent.Receiver{Value: addr, Type: intent.ReceiverWallet}, "ethereum")
	require.NoError(t, err)
	assert.Equal(t, addr, resolved.Address)
	assert.Empty(t, resolved.UserID)
}

func TestResolver_Name(t *testing.T) {
	env := newTestEnv(t)
	env.names.addresses["vitalik.eth"] = "0x3333333333333333333333333333333333333333"
	r := NewResolver(env.names, env.profiles, env.store, env.keystore, "", "", nil)

	resolved, err := r.Resolve(context.Background(), &intent.Receiver{Value: "vitalik.eth", Type: intent.ReceiverName}, "ethereum")
	require.NoError(t, err)
	assert.Equal(t, "0x3333333333333333333333333333333333333333", resolved.Address)
	assert.Equal(t, "vitalik.eth", resolved.Value)
}

func TestResolver_UnregisteredNameWithoutFallback(t *testing.T) {
	env := newTestEnv(t)
	r := NewResolver(env.names, env.profiles, env.store, env.keystore, "", "", nil)

	_, err := r.Resolve(context.Background(), &intent.Receiver{Value: "nobody.eth", Type: intent.ReceiverName}, "ethereum")
	assert.ErrorIs(t, err, ErrReceiverNotFound)
}

func TestResolver_NameFallbackWhenConfigured(t *testing.T) {
	env := newTestEnv(t)
	fallbackEVM := "0x4444444444444444444444444444444444444444"
	fallbackSol := "HN7cABqLq46Es1jh92dQQisAq662SmxELLLsHHe4YWrH"
	r := NewResolver(env.names, env.profiles, env.store, env.keystore, fallbackEVM, fallbackSol, nil)

	resolved, err := r.Resolve(context.Background(), &intent.Receiver{Value: "nobody.eth", Type: intent.ReceiverName}, "ethereum")
	require.NoError(t, err)
	assert.Equal(t, fallbackEVM, resolved.Address)

	resolved, err = r.Resolve(context.Background(), &intent.Receiver{Value: "nobody.eth", Type: intent.ReceiverName}, "solana")
	require.NoError(t, err)
	assert.Equal(t, fallbackSol, resolved.Address)
}

func TestResolver_HandleProvisionsInactiveUser(t *testing.T) {
	env := newTestEnv(t)
	env.profiles.profiles["carol"] = &social.Profile{ID: "u-carol", Username: "carol"}
	r := NewResolver(env.names, env.profiles, env.store, env.keystore, "", "", nil)

	resolved, err := r.Resolve(context.Background(), &intent.Receiver{Value: "@carol", Type: intent.ReceiverHandle}, "solana")
	require.NoError(t, err)
	assert.Equal(t, "u-carol", resolved.UserID)

	user, err := env.store.GetUser(context.Background(), "u-carol")
	require.NoError(t, err)
	assert.False(t, user.Active)
	assert.Equal(t, user.SolanaAddress, resolved.Address)

	// A second resolution reuses the provisioned wallet.
	again, err := r.Resolve(context.Background(), &intent.Receiver{Value: "@carol", Type: intent.ReceiverHandle}, "ethereum")
	require.NoError(t, err)
	assert.Equal(t, user.EVMAddress, again.Address)
}

func TestResolver_UnknownHandle(t *testing.T) {
	env := newTestEnv(t)
	r := NewResolver(env.names, env.profiles, env.store, env.keystore, "", "", nil)

	_, err := r.Resolve(context.Background(), &intent.Receiver{Value: "@ghost", Type: intent.ReceiverHandle}, "solana")
	assert.ErrorIs(t, err, ErrReceiverNotFound)
}

func TestProvisionUser_KeysRoundTrip(t *testing.T) {
	env := newTestEnv(t)

	user, err := provisionUser(context.Background(), env.store, env.keystore, "u9", "dave", true)
	require.NoError(t, err)

	evmKey, err := env.keystore.Unseal(user.EVMKeySealed)
	require.NoError(t, err)
	parsed, err := wallet.ParseEVMPrivateKey(evmKey)
	require.NoError(t, err)
	assert.Equal(t, user.EVMAddress, parsed.Address)

	solKey, err := env.keystore.Unseal(user.SolanaKeySealed)
	require.NoError(t, err)
	solParsed, err := wallet.ParseSolanaPrivateKey(solKey)
	require.NoError(t, err)
	assert.Equal(t, user.SolanaAddress, solParsed.Address)
}

func TestResolver_ReceiverErrorsAreTyped(t *testing.T) {
	env := newTestEnv(t)
	env.names.err = errors.New("rpc offline")
	r := NewResolver(env.names, env.profiles, env.store, env.keystore, "", "", nil)

	// Infrastructure failures are not "not found": without a fallback they
	// surface as plain errors so the caller can retry.
	_, err := r.Resolve(context.Background(), &intent.Receiver{Value: "vitalik.eth", Type: intent.ReceiverName}, "ethereum")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrReceiverNotFound)
}
