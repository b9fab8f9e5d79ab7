package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	solanago "github.com/gagliardetto/solana-go"

	"github.com/tiplinehq/tipline/service/db"
	"github.com/tiplinehq/tipline/service/evm"
	"github.com/tiplinehq/tipline/service/intent"
	"github.com/tiplinehq/tipline/service/metrics"
	tiplinenats "github.com/tiplinehq/tipline/service/nats"
	"github.com/tiplinehq/tipline/service/social"
	"github.com/tiplinehq/tipline/service/solana"
)

// User-facing outcome messages. Dispatch returns these as the reply text;
// operational detail goes to the logs, not the user.
const (
	replyInsufficientBalance = "Insufficient balance."
	replyUnsupportedToken    = "Unsupported token."
	replyUnsupportedChain    = "That chain is not supported for this command."
	replySendFailed          = "Transfer failed. Please try again later."
)

// EVMChain is the executor surface for an EVM-family chain.
type EVMChain interface {
	Chain() string
	NativeBalance(ctx context.Context, address string) (*big.Float, error)
	StableBalance(ctx context.Context, address, symbol string) (*big.Float, error)
	SendNative(ctx context.Context, privateKeyHex, to, amount string) (string, error)
	SendStable(ctx context.Context, privateKeyHex, symbol, to, amount string) (string, error)
	ExplorerURL(txHash string) string
}

// SolanaChain is the transfer surface of the Solana executor.
type SolanaChain interface {
	SOLBalance(ctx context.Context, address string) (*big.Float, error)
	StableBalance(ctx context.Context, address, symbol string) (*big.Float, error)
	SendSOL(ctx context.Context, privateKeyBase58, to, amount string) (string, error)
	SendStable(ctx context.Context, privateKeyBase58, symbol, to, amount string) (string, error)
}

// SolanaTrader is the swap surface of the Solana executor.
type SolanaTrader interface {
	BuyToken(ctx context.Context, privateKeyBase58, tokenMint, amount string) (string, error)
	SellToken(ctx context.Context, privateKeyBase58, tokenMint, percent string) (string, error)
}

// TxStore records finalized transactions.
type TxStore interface {
	CreateTransaction(ctx context.Context, params db.CreateTransactionParams) (*db.Transaction, error)
}

// Notifier sends direct messages to receivers of funds.
type Notifier interface {
	SendDirectMessage(ctx context.Context, conversationID, text string) error
}

// Keys holds a user's unsealed private keys for the duration of one dispatch.
type Keys struct {
	EVM    string
	Solana string
}

// Dispatcher routes a parsed intent to the executor for its chain, records
// the resulting transaction, publishes an event, and notifies handle
// receivers. Bookkeeping failures after a confirmed on-chain transaction are
// logged and swallowed: the money moved, so the user gets the success reply.
type Dispatcher struct {
	evmChains map[string]EVMChain
	sol       SolanaChain
	trader    SolanaTrader
	store     TxStore
	notifier  Notifier
	events    tiplinenats.Publisher
	metrics   *metrics.Metrics
	logger    *slog.Logger
	platform  string
	botUserID string

	// reconcile checks whether a signature landed on chain. Settable in
	// tests.
	reconcile func(ctx context.Context, sig solanago.Signature) (bool, error)
}

// DispatcherConfig collects the dependencies of a Dispatcher. Notifier,
// events, and metrics may be nil.
type DispatcherConfig struct {
	EVMChains []EVMChain
	Solana    SolanaChain
	Trader    SolanaTrader
	SolanaRPC solana.RPCClient
	Store     TxStore
	Notifier  Notifier
	Events    tiplinenats.Publisher
	Metrics   *metrics.Metrics
	Platform  string
	BotUserID string
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(cfg DispatcherConfig, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	chains := make(map[string]EVMChain, len(cfg.EVMChains))
	for _, c := range cfg.EVMChains {
		chains[c.Chain()] = c
	}
	d := &Dispatcher{
		evmChains: chains,
		sol:       cfg.Solana,
		trader:    cfg.Trader,
		store:     cfg.Store,
		notifier:  cfg.Notifier,
		events:    cfg.Events,
		metrics:   cfg.Metrics,
		logger:    logger,
		platform:  cfg.Platform,
		botUserID: cfg.BotUserID,
	}
	d.reconcile = func(ctx context.Context, sig solanago.Signature) (bool, error) {
		return solana.ReconcileSignature(ctx, cfg.SolanaRPC, sig)
	}
	return d
}

// Dispatch executes a parsed intent on behalf of user and returns the reply
// text to send back on the platform.
func (d *Dispatcher) Dispatch(ctx context.Context, user *db.User, keys Keys, it *intent.Intent, recv *ResolvedReceiver, originalCommand string) (string, error) {
	start := time.Now()

	var (
		hash string
		url  string
		err  error
	)
	switch it.Action {
	case intent.ActionSend, intent.ActionTip:
		hash, url, err = d.transfer(ctx, keys, it, recv)
	case intent.ActionBuy:
		hash, url, err = d.buy(ctx, keys, it)
	case intent.ActionSell:
		hash, url, err = d.sell(ctx, keys, it)
	default:
		return "", fmt.Errorf("unknown action %q", it.Action)
	}

	if err != nil {
		if d.metrics != nil {
			d.metrics.RecordDispatch(string(it.Action), it.Chain, "error", time.Since(start).Seconds())
		}
		return d.failureReply(ctx, it, err)
	}

	if d.metrics != nil {
		d.metrics.RecordDispatch(string(it.Action), it.Chain, "ok", time.Since(start).Seconds())
	}
	d.record(ctx, user, it, recv, hash, originalCommand)
	d.notify(ctx, recv, url)
	return url, nil
}

func (d *Dispatcher) transfer(ctx context.Context, keys Keys, it *intent.Intent, recv *ResolvedReceiver) (hash, url string, err error) {
	if recv == nil {
		return "", "", errors.New("transfer without a receiver")
	}
	symbol := strings.ToLower(it.Token.Value)

	if it.Chain == "solana" {
		switch it.Token.Type {
		case intent.TokenNative:
			hash, err = d.sol.SendSOL(ctx, keys.Solana, recv.Address, it.Amount)
		case intent.TokenStable:
			hash, err = d.sol.SendStable(ctx, keys.Solana, symbol, recv.Address, it.Amount)
		default:
			return "", "", errUnsupportedToken
		}
		if err != nil {
			return "", "", err
		}
		return hash, solana.TransferExplorerURL(hash), nil
	}

	chain, ok := d.evmChains[it.Chain]
	if !ok {
		return "", "", errUnsupportedChain
	}
	switch it.Token.Type {
	case intent.TokenNative:
		hash, err = chain.SendNative(ctx, keys.EVM, recv.Address, it.Amount)
	case intent.TokenStable:
		hash, err = chain.SendStable(ctx, keys.EVM, symbol, recv.Address, it.Amount)
	default:
		return "", "", errUnsupportedToken
	}
	if err != nil {
		return "", "", err
	}
	return hash, chain.ExplorerURL(hash), nil
}

func (d *Dispatcher) buy(ctx context.Context, keys Keys, it *intent.Intent) (string, string, error) {
	if it.Chain != "solana" {
		return "", "", errUnsupportedChain
	}
	sig, err := d.trader.BuyToken(ctx, keys.Solana, it.Token.Value, it.Amount)
	if err != nil {
		return d.recoverSwap(ctx, err)
	}
	return sig, solana.SwapExplorerURL(sig), nil
}

func (d *Dispatcher) sell(ctx context.Context, keys Keys, it *intent.Intent) (string, string, error) {
	if it.Chain != "solana" {
		return "", "", errUnsupportedChain
	}
	sig, err := d.trader.SellToken(ctx, keys.Solana, it.Token.Value, it.Amount)
	if err != nil {
		return d.recoverSwap(ctx, err)
	}
	return sig, solana.SwapExplorerURL(sig), nil
}

// recoverSwap handles the ambiguous swap failure: the error may carry a
// signature that actually landed on chain. If reconciliation confirms it,
// the failure is a success.
func (d *Dispatcher) recoverSwap(ctx context.Context, cause error) (string, string, error) {
	sig, ok := solana.RecoverSignature(cause)
	if !ok {
		return "", "", cause
	}

	landed, err := d.reconcile(ctx, sig)
	if err != nil {
		if d.metrics != nil {
			d.metrics.RecordReconciliation("unknown")
		}
		d.logger.ErrorContext(ctx, "could not reconcile swap signature",
			"signature", sig.String(),
			"cause", cause,
			"error", err,
		)
		return "", "", cause
	}
	if !landed {
		if d.metrics != nil {
			d.metrics.RecordReconciliation("failed")
		}
		return "", "", cause
	}

	if d.metrics != nil {
		d.metrics.RecordReconciliation("confirmed")
	}
	d.logger.InfoContext(ctx, "swap reported failure but landed on chain",
		"signature", sig.String(),
		"cause", cause,
	)
	return sig.String(), solana.SwapExplorerURL(sig.String()), nil
}

// record persists the transaction. A duplicate (tx_hash, chain) row means a
// retry already recorded it, which is fine.
func (d *Dispatcher) record(ctx context.Context, user *db.User, it *intent.Intent, recv *ResolvedReceiver, hash, originalCommand string) {
	params := db.CreateTransactionParams{
		UserID:          user.UserID,
		Type:            string(it.Action),
		Chain:           it.Chain,
		Amount:          it.Amount,
		TokenAddress:    it.Token.Value,
		TokenType:       string(it.Token.Type),
		TxHash:          hash,
		Platform:        d.platform,
		OriginalCommand: originalCommand,
	}
	if recv != nil {
		rv, rt := recv.Value, string(recv.Type)
		params.ReceiverValue = &rv
		params.ReceiverType = &rt
		if recv.UserID != "" {
			ru := recv.UserID
			params.ReceiverUserID = &ru
		}
	}

	txn, err := d.store.CreateTransaction(ctx, params)
	if err != nil {
		if !errors.Is(err, db.ErrAlreadyRecorded) {
			d.logger.ErrorContext(ctx, "failed to record transaction",
				"tx_hash", hash,
				"chain", it.Chain,
				"error", err,
			)
		}
		return
	}

	if d.events == nil {
		return
	}
	publishStart := time.Now()
	err = d.events.PublishTransaction(ctx, tiplinenats.FromDBTransaction(txn))
	if d.metrics != nil {
		status := "success"
		if err != nil {
			status = "error"
		}
		d.metrics.RecordNATSPublish("txns", status, time.Since(publishStart).Seconds())
	}
	if err != nil {
		d.logger.ErrorContext(ctx, "failed to publish transaction event",
			"tx_hash", hash,
			"error", err,
		)
	}
}

// notify DMs a handle receiver about incoming funds. Best effort.
func (d *Dispatcher) notify(ctx context.Context, recv *ResolvedReceiver, url string) {
	if d.notifier == nil || recv == nil || recv.Type != intent.ReceiverHandle || recv.UserID == "" {
		return
	}
	conversationID := social.ConversationID(d.botUserID, recv.UserID)
	text := "🔔 Transaction Notification\n" + url
	if err := d.notifier.SendDirectMessage(ctx, conversationID, text); err != nil {
		d.logger.ErrorContext(ctx, "failed to notify receiver",
			"receiver", recv.Value,
			"error", err,
		)
	}
}

var (
	errUnsupportedToken = errors.New("unsupported token")
	errUnsupportedChain = errors.New("unsupported chain")
)

// failureReply maps an execution error to the reply the user sees.
func (d *Dispatcher) failureReply(ctx context.Context, it *intent.Intent, err error) (string, error) {
	d.logger.ErrorContext(ctx, "dispatch failed",
		"action", string(it.Action),
		"chain", it.Chain,
		"error", err,
	)
	switch {
	case errors.Is(err, evm.ErrInsufficientBalance), errors.Is(err, solana.ErrInsufficientBalance):
		return replyInsufficientBalance, nil
	case errors.Is(err, errUnsupportedToken):
		return replyUnsupportedToken, nil
	case errors.Is(err, errUnsupportedChain):
		return replyUnsupportedChain, nil
	}

	switch it.Action {
	case intent.ActionBuy:
		return "Error buying token.", nil
	case intent.ActionSell:
		return "Error selling token.", nil
	default:
		return replySendFailed, nil
	}
}
