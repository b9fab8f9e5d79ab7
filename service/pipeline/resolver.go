package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tiplinehq/tipline/service/db"
	"github.com/tiplinehq/tipline/service/evm"
	"github.com/tiplinehq/tipline/service/intent"
	"github.com/tiplinehq/tipline/service/social"
	"github.com/tiplinehq/tipline/service/wallet"
)

// ErrReceiverNotFound is returned when a receiver reference cannot be turned
// into an address on the requested chain.
var ErrReceiverNotFound = errors.New("receiver not found")

// ResolvedReceiver is a receiver reference resolved to a concrete address.
// UserID is set only for platform-handle receivers, so the dispatcher can
// notify them.
type ResolvedReceiver struct {
	Address string
	Type    intent.ReceiverType
	Value   string
	UserID  string
}

// NameService resolves on-chain names to addresses.
type NameService interface {
	Resolve(ctx context.Context, name string) (string, error)
}

// ProfileDirectory looks up platform users by username.
type ProfileDirectory interface {
	GetProfile(ctx context.Context, username string) (*social.Profile, error)
}

// UserStore is the subset of the database layer the resolver needs.
type UserStore interface {
	GetUser(ctx context.Context, userID string) (*db.User, error)
	CreateUser(ctx context.Context, params db.CreateUserParams) (*db.User, error)
}

// Resolver turns the textual receiver of a parsed command into an address.
// Handle receivers get a custodial wallet provisioned on first mention, so
// funds can be sent to users who have never interacted with the bot.
type Resolver struct {
	names    NameService
	profiles ProfileDirectory
	store    UserStore
	keystore wallet.Keystore
	logger   *slog.Logger

	// Degraded-mode catch-all addresses for unresolvable names. Empty means
	// resolution failures are surfaced as errors instead of redirected.
	fallbackEVM    string
	fallbackSolana string
}

// NewResolver creates a resolver. fallbackEVM and fallbackSolana may be empty
// to disable the degraded-mode name fallback.
func NewResolver(names NameService, profiles ProfileDirectory, store UserStore, ks wallet.Keystore, fallbackEVM, fallbackSolana string, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Resolver{
		names:          names,
		profiles:       profiles,
		store:          store,
		keystore:       ks,
		logger:         logger,
		fallbackEVM:    fallbackEVM,
		fallbackSolana: fallbackSolana,
	}
}

// Resolve maps a receiver reference to an address usable on the given chain.
func (r *Resolver) Resolve(ctx context.Context, recv *intent.Receiver, chain string) (*ResolvedReceiver, error) {
	switch recv.Type {
	case intent.ReceiverWallet:
		return &ResolvedReceiver{
			Address: recv.Value,
			Type:    intent.ReceiverWallet,
			Value:   recv.Value,
		}, nil

	case intent.ReceiverName:
		return r.resolveName(ctx, recv.Value, chain)

	case intent.ReceiverHandle:
		return r.resolveHandle(ctx, recv.Value, chain)

	default:
		return nil, fmt.Errorf("unknown receiver type %q", recv.Type)
	}
}

func (r *Resolver) resolveName(ctx context.Context, name, chain string) (*ResolvedReceiver, error) {
	address, err := r.names.Resolve(ctx, name)
	if err == nil {
		return &ResolvedReceiver{
			Address: address,
			Type:    intent.ReceiverName,
			Value:   name,
		}, nil
	}

	fallback := r.fallbackEVM
	if chain == "solana" {
		fallback = r.fallbackSolana
	}
	if fallback == "" {
		if errors.Is(err, evm.ErrNameNotRegistered) {
			return nil, fmt.Errorf("%w: %s", ErrReceiverNotFound, name)
		}
		return nil, fmt.Errorf("resolve name %s: %w", name, err)
	}

	r.logger.WarnContext(ctx, "name resolution failed, using fallback address",
		"name", name,
		"chain", chain,
		"error", err,
	)
	return &ResolvedReceiver{
		Address: fallback,
		Type:    intent.ReceiverName,
		Value:   name,
	}, nil
}

// resolveHandle looks the handle up on the platform and provisions a
// custodial wallet for them if they have never been seen before. The
// provisioned account stays inactive until its owner activates it.
func (r *Resolver) resolveHandle(ctx context.Context, handle, chain string) (*ResolvedReceiver, error) {
	username := strings.TrimPrefix(handle, "@")

	profile, err := r.profiles.GetProfile(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("%w: @%s: %v", ErrReceiverNotFound, username, err)
	}

	user, err := r.store.GetUser(ctx, profile.ID)
	if errors.Is(err, db.ErrNotFound) {
		user, err = provisionUser(ctx, r.store, r.keystore, profile.ID, profile.Username, false)
	}
	if err != nil {
		return nil, fmt.Errorf("provision receiver @%s: %w", username, err)
	}

	address := user.EVMAddress
	if chain == "solana" {
		address = user.SolanaAddress
	}
	return &ResolvedReceiver{
		Address: address,
		Type:    intent.ReceiverHandle,
		Value:   handle,
		UserID:  user.UserID,
	}, nil
}

// provisionUser generates fresh keypairs for both chain families, seals the
// private keys, and inserts the user. Safe under races: the store returns the
// winning row.
func provisionUser(ctx context.Context, store UserStore, ks wallet.Keystore, userID, username string, active bool) (*db.User, error) {
	evmKey, err := wallet.NewEVMKeypair()
	if err != nil {
		return nil, fmt.Errorf("generate evm keypair: %w", err)
	}
	solKey, err := wallet.NewSolanaKeypair()
	if err != nil {
		return nil, fmt.Errorf("generate solana keypair: %w", err)
	}

	evmSealed, err := ks.Seal(evmKey.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("seal evm key: %w", err)
	}
	solSealed, err := ks.Seal(solKey.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("seal solana key: %w", err)
	}

	return store.CreateUser(ctx, db.CreateUserParams{
		UserID:          userID,
		Username:        username,
		EVMAddress:      evmKey.Address,
		EVMKeySealed:    evmSealed,
		SolanaAddress:   solKey.Address,
		SolanaKeySealed: solSealed,
		Active:          active,
	})
}
