package solana

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	associatedtokenaccount "github.com/gagliardetto/solana-go/programs/associated-token-account"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"
)

const (
	lamportsPerSOL = 1_000_000_000
	solDecimals    = 9
	stableDecimals = 6

	// Mainnet mints for the stable tokens we support.
	USDCMint = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"
	USDTMint = "Es9vMFrzaCERmJfrF4H2FYD4KCoNkY11McCe8BenwNYB"

	// WrappedSOLMint is the wSOL mint used as the native leg of swaps.
	WrappedSOLMint = "So11111111111111111111111111111111111111112"

	statusPollInterval = time.Second
	statusPollAttempts = 30
)

// TransferExplorerURL returns the Solscan URL for a transfer signature.
func TransferExplorerURL(signature string) string {
	return "https://solscan.io/tx/" + signature
}

// SwapExplorerURL returns the Solana explorer URL for a swap signature.
func SwapExplorerURL(signature string) string {
	return fmt.Sprintf("https://explorer.solana.com/tx/%s?cluster=mainnet", signature)
}

// Executor submits SOL and SPL-token transfers. It wraps the RPC client the
// same way the swap path does so tests can drive both from one mock.
type Executor struct {
	rpc         RPCClient
	stableMints map[string]string // lowercase symbol -> mint address
	logger      *slog.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

// DefaultStableMints maps the supported stable symbols to their mainnet mints.
func DefaultStableMints() map[string]string {
	return map[string]string{
		"usdc": USDCMint,
		"usdt": USDTMint,
	}
}

// NewExecutor creates a transfer executor. If stableMints is nil the mainnet
// defaults are used.
func NewExecutor(rpcClient RPCClient, stableMints map[string]string, logger *slog.Logger) *Executor {
	if stableMints == nil {
		stableMints = DefaultStableMints()
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Executor{
		rpc:         rpcClient,
		stableMints: stableMints,
		logger:      logger,
		sleep:       sleepCtx,
	}
}

// SOLBalance returns the whole-unit SOL balance of an address.
func (e *Executor) SOLBalance(ctx context.Context, address string) (*big.Float, error) {
	pub, err := solana.PublicKeyFromBase58(address)
	if err != nil {
		return nil, fmt.Errorf("parse address: %w", err)
	}
	out, err := e.rpc.GetBalance(ctx, pub, rpc.CommitmentConfirmed)
	if err != nil {
		return nil, fmt.Errorf("get balance: %w", err)
	}
	return fromBaseUnits(new(big.Int).SetUint64(out.Value), solDecimals), nil
}

// StableBalance returns the whole-unit balance of a stable token held in the
// address's associated token account. A missing token account reads as zero.
func (e *Executor) StableBalance(ctx context.Context, address, symbol string) (*big.Float, error) {
	mint, ok := e.stableMints[strings.ToLower(symbol)]
	if !ok {
		return nil, fmt.Errorf("unsupported token %q on solana", symbol)
	}
	units, err := e.tokenBalanceUnits(ctx, address, mint)
	if err != nil {
		return nil, err
	}
	return fromBaseUnits(units, stableDecimals), nil
}

func (e *Executor) tokenBalanceUnits(ctx context.Context, address, mint string) (*big.Int, error) {
	owner, err := solana.PublicKeyFromBase58(address)
	if err != nil {
		return nil, fmt.Errorf("parse address: %w", err)
	}
	mintPub, err := solana.PublicKeyFromBase58(mint)
	if err != nil {
		return nil, fmt.Errorf("parse mint: %w", err)
	}
	ata, _, err := solana.FindAssociatedTokenAddress(owner, mintPub)
	if err != nil {
		return nil, fmt.Errorf("derive token account: %w", err)
	}
	out, err := e.rpc.GetTokenAccountBalance(ctx, ata, rpc.CommitmentConfirmed)
	if err != nil {
		// No token account means the wallet has never held the token.
		return big.NewInt(0), nil
	}
	units, ok := new(big.Int).SetString(out.Value.Amount, 10)
	if !ok {
		return nil, fmt.Errorf("invalid token amount %q", out.Value.Amount)
	}
	return units, nil
}

// SendSOL transfers native SOL. Returns ErrInsufficientBalance when the
// sender cannot cover the amount; on success the confirmed signature.
func (e *Executor) SendSOL(ctx context.Context, privateKeyBase58, to, amount string) (string, error) {
	key, err := solana.PrivateKeyFromBase58(privateKeyBase58)
	if err != nil {
		return "", fmt.Errorf("parse private key: %w", err)
	}
	from := key.PublicKey()

	toPub, err := solana.PublicKeyFromBase58(to)
	if err != nil {
		return "", fmt.Errorf("parse receiver: %w", err)
	}

	lamports, err := toBaseUnits(amount, solDecimals)
	if err != nil {
		return "", err
	}

	balance, err := e.rpc.GetBalance(ctx, from, rpc.CommitmentConfirmed)
	if err != nil {
		return "", fmt.Errorf("balance check: %w", err)
	}
	if new(big.Int).SetUint64(balance.Value).Cmp(lamports) < 0 {
		return "", ErrInsufficientBalance
	}

	ix := system.NewTransferInstruction(lamports.Uint64(), from, toPub).Build()
	return e.signAndSubmit(ctx, key, from, []solana.Instruction{ix})
}

// SendStable transfers a supported stable token by symbol, creating the
// receiver's associated token account when it does not exist yet.
func (e *Executor) SendStable(ctx context.Context, privateKeyBase58, symbol, to, amount string) (string, error) {
	mint, ok := e.stableMints[strings.ToLower(symbol)]
	if !ok {
		return "", fmt.Errorf("unsupported token %q on solana", symbol)
	}

	key, err := solana.PrivateKeyFromBase58(privateKeyBase58)
	if err != nil {
		return "", fmt.Errorf("parse private key: %w", err)
	}
	from := key.PublicKey()

	toPub, err := solana.PublicKeyFromBase58(to)
	if err != nil {
		return "", fmt.Errorf("parse receiver: %w", err)
	}
	mintPub := solana.MustPublicKeyFromBase58(mint)

	units, err := toBaseUnits(amount, stableDecimals)
	if err != nil {
		return "", err
	}

	have, err := e.tokenBalanceUnits(ctx, from.String(), mint)
	if err != nil {
		return "", fmt.Errorf("balance check: %w", err)
	}
	if have.Cmp(units) < 0 {
		return "", ErrInsufficientBalance
	}

	sourceATA, _, err := solana.FindAssociatedTokenAddress(from, mintPub)
	if err != nil {
		return "", fmt.Errorf("derive source token account: %w", err)
	}
	destATA, _, err := solana.FindAssociatedTokenAddress(toPub, mintPub)
	if err != nil {
		return "", fmt.Errorf("derive destination token account: %w", err)
	}

	var instructions []solana.Instruction
	if _, err := e.rpc.GetAccountInfo(ctx, destATA); err != nil {
		// Receiver has no token account yet; create it as part of the transfer.
		instructions = append(instructions,
			associatedtokenaccount.NewCreateInstruction(from, toPub, mintPub).Build())
	}
	instructions = append(instructions,
		token.NewTransferCheckedInstruction(
			units.Uint64(), stableDecimals, sourceATA, mintPub, destATA, from, nil,
		).Build())

	return e.signAndSubmit(ctx, key, from, instructions)
}

// signAndSubmit builds a transaction from the instructions, signs it, submits
// it, and waits for confirmation.
func (e *Executor) signAndSubmit(ctx context.Context, key solana.PrivateKey, payer solana.PublicKey, instructions []solana.Instruction) (string, error) {
	blockhash, err := e.rpc.GetLatestBlockhash(ctx, rpc.CommitmentConfirmed)
	if err != nil {
		return "", fmt.Errorf("get blockhash: %w", err)
	}

	tx, err := solana.NewTransaction(instructions, blockhash.Value.Blockhash, solana.TransactionPayer(payer))
	if err != nil {
		return "", fmt.Errorf("build transaction: %w", err)
	}
	if _, err := tx.Sign(func(pub solana.PublicKey) *solana.PrivateKey {
		if pub.Equals(payer) {
			return &key
		}
		return nil
	}); err != nil {
		return "", fmt.Errorf("sign transaction: %w", err)
	}

	sig, err := e.rpc.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		SkipPreflight:       false,
		PreflightCommitment: rpc.CommitmentConfirmed,
	})
	if err != nil {
		return "", fmt.Errorf("send transaction: %w", err)
	}

	e.logger.InfoContext(ctx, "transaction submitted",
		"chain", "solana",
		"signature", sig.String(),
		"from", payer.String(),
	)

	if err := awaitConfirmation(ctx, e.rpc, sig, e.sleep); err != nil {
		return "", &SubmitError{Signature: sig, Err: err}
	}
	return sig.String(), nil
}

// awaitConfirmation polls signature statuses until the transaction is
// confirmed or finalized, the chain reports it failed, or the attempt bound
// is exhausted.
func awaitConfirmation(ctx context.Context, client RPCClient, sig solana.Signature, sleep func(context.Context, time.Duration) error) error {
	for range statusPollAttempts {
		out, err := client.GetSignatureStatuses(ctx, false, sig)
		if err == nil && len(out.Value) > 0 && out.Value[0] != nil {
			status := out.Value[0]
			if status.Err != nil {
				return fmt.Errorf("transaction failed: %v", status.Err)
			}
			if status.ConfirmationStatus == rpc.ConfirmationStatusConfirmed ||
				status.ConfirmationStatus == rpc.ConfirmationStatusFinalized {
				return nil
			}
		}
		if err := sleep(ctx, statusPollInterval); err != nil {
			return err
		}
	}
	return fmt.Errorf("transaction %s not confirmed after %d attempts", sig, statusPollAttempts)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// toBaseUnits converts a decimal amount string into integer base units,
// truncating sub-base-unit dust.
func toBaseUnits(amount string, decimals int) (*big.Int, error) {
	rat, ok := new(big.Rat).SetString(amount)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", amount)
	}
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	rat.Mul(rat, new(big.Rat).SetInt(scale))
	return new(big.Int).Quo(rat.Num(), rat.Denom()), nil
}

// fromBaseUnits converts integer base units to a whole-unit float.
func fromBaseUnits(units *big.Int, decimals int) *big.Float {
	scale := new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
	return new(big.Float).Quo(new(big.Float).SetInt(units), scale)
}
