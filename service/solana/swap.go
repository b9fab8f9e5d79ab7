package solana

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	associatedtokenaccount "github.com/gagliardetto/solana-go/programs/associated-token-account"
	"github.com/gagliardetto/solana-go/rpc"
)

const (
	raydiumAPIHost  = "https://api-v3.raydium.io"
	raydiumSwapHost = "https://transaction-v1.raydium.io"

	swapSlippageBps = 50
	swapTxVersion   = "V0"

	// Lamports held back on buys so the wallet can still pay fees.
	swapFeeReserveLamports = 10_000_000 // 0.01 SOL

	submitMaxAttempts = 3
)

// SubmitError wraps a submission failure together with the signature that was
// sent, so callers can reconcile whether the transaction actually landed.
type SubmitError struct {
	Signature solana.Signature
	Err       error
}

func (e *SubmitError) Error() string {
	return fmt.Sprintf("submit %s: %v", e.Signature, e.Err)
}

func (e *SubmitError) Unwrap() error { return e.Err }

// signatureRe recovers a base58 signature embedded in error strings from
// layers that do not return structured errors.
var signatureRe = regexp.MustCompile(`(?:signature|Signature)\s+([1-9A-HJ-NP-Za-km-z]{87,88})`)

// RecoverSignature extracts the submitted signature from an error, preferring
// the structured SubmitError and falling back to scanning the message.
func RecoverSignature(err error) (solana.Signature, bool) {
	var subErr *SubmitError
	if errors.As(err, &subErr) && !subErr.Signature.IsZero() {
		return subErr.Signature, true
	}
	if m := signatureRe.FindStringSubmatch(err.Error()); m != nil {
		sig, sigErr := solana.SignatureFromBase58(m[1])
		if sigErr == nil {
			return sig, true
		}
	}
	return solana.Signature{}, false
}

// Swapper executes token buys and sells through the Raydium trade API.
type Swapper struct {
	exec    *Executor
	httpc   *http.Client
	apiHost string
	txHost  string
	logger  *slog.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

// NewSwapper creates a swapper that shares the executor's RPC client.
func NewSwapper(exec *Executor, logger *slog.Logger) *Swapper {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Swapper{
		exec:    exec,
		httpc:   &http.Client{Timeout: 30 * time.Second},
		apiHost: raydiumAPIHost,
		txHost:  raydiumSwapHost,
		logger:  logger,
		sleep:   sleepCtx,
	}
}

// SwapQuote is a swap-compute response. Raw carries the full payload, which
// the transaction endpoint expects back verbatim.
type SwapQuote struct {
	Raw  json.RawMessage
	Data struct {
		InputMint    string `json:"inputMint"`
		InputAmount  string `json:"inputAmount"`
		OutputMint   string `json:"outputMint"`
		OutputAmount string `json:"outputAmount"`
	}
}

// TokenDetails describes a mint known to the trade API.
type TokenDetails struct {
	Address  string `json:"address"`
	Symbol   string `json:"symbol"`
	Name     string `json:"name"`
	Decimals int    `json:"decimals"`
}

// BuyToken swaps SOL into the given token mint. amount is whole SOL. Returns
// the confirmed signature; submission failures carry the signature in a
// SubmitError so the caller can reconcile.
func (s *Swapper) BuyToken(ctx context.Context, privateKeyBase58, tokenMint, amount string) (string, error) {
	key, err := solana.PrivateKeyFromBase58(privateKeyBase58)
	if err != nil {
		return "", fmt.Errorf("parse private key: %w", err)
	}
	owner := key.PublicKey()

	lamports, err := toBaseUnits(amount, solDecimals)
	if err != nil {
		return "", err
	}

	balance, err := s.exec.rpc.GetBalance(ctx, owner, rpc.CommitmentConfirmed)
	if err != nil {
		return "", fmt.Errorf("balance check: %w", err)
	}
	need := new(big.Int).Add(lamports, big.NewInt(swapFeeReserveLamports))
	if new(big.Int).SetUint64(balance.Value).Cmp(need) < 0 {
		return "", ErrInsufficientBalance
	}

	quote, err := s.Quote(ctx, WrappedSOLMint, tokenMint, lamports.Uint64())
	if err != nil {
		return "", err
	}

	return s.executeSwap(ctx, key, quote, WrappedSOLMint, tokenMint, true, false)
}

// SellToken swaps a portion of the wallet's token balance back into SOL.
// percent is the share of the balance to sell, 0-100.
func (s *Swapper) SellToken(ctx context.Context, privateKeyBase58, tokenMint, percent string) (string, error) {
	key, err := solana.PrivateKeyFromBase58(privateKeyBase58)
	if err != nil {
		return "", fmt.Errorf("parse private key: %w", err)
	}
	owner := key.PublicKey()

	pct, err := strconv.ParseFloat(percent, 64)
	if err != nil || pct <= 0 || pct > 100 {
		return "", fmt.Errorf("invalid sell portion %q", percent)
	}

	units, err := s.exec.tokenBalanceUnits(ctx, owner.String(), tokenMint)
	if err != nil {
		return "", fmt.Errorf("balance check: %w", err)
	}

	// Integer share of the balance; anything below one base unit is nothing.
	sellUnits := new(big.Int).Div(
		new(big.Int).Mul(units, big.NewInt(int64(pct*100))),
		big.NewInt(10_000),
	)
	if sellUnits.Sign() <= 0 {
		return "", ErrInsufficientBalance
	}

	quote, err := s.Quote(ctx, tokenMint, WrappedSOLMint, sellUnits.Uint64())
	if err != nil {
		return "", err
	}

	return s.executeSwap(ctx, key, quote, tokenMint, WrappedSOLMint, false, true)
}

// executeSwap fetches the priority fee, asks the trade API to build the
// transaction, and submits it with blockhash-expiry retries.
func (s *Swapper) executeSwap(ctx context.Context, key solana.PrivateKey, quote *SwapQuote, inputMint, outputMint string, wrapSol, unwrapSol bool) (string, error) {
	owner := key.PublicKey()

	fee, err := s.PriorityFee(ctx)
	if err != nil {
		return "", err
	}

	inputATA, _, err := solana.FindAssociatedTokenAddress(owner, solana.MustPublicKeyFromBase58(inputMint))
	if err != nil {
		return "", fmt.Errorf("derive input token account: %w", err)
	}
	outputATA, _, err := solana.FindAssociatedTokenAddress(owner, solana.MustPublicKeyFromBase58(outputMint))
	if err != nil {
		return "", fmt.Errorf("derive output token account: %w", err)
	}

	// The trade API assumes both token accounts exist when it is not the one
	// wrapping or unwrapping that leg.
	if !wrapSol {
		if err := s.ensureTokenAccount(ctx, key, owner, inputMint, inputATA); err != nil {
			return "", err
		}
	}
	if !unwrapSol {
		if err := s.ensureTokenAccount(ctx, key, owner, outputMint, outputATA); err != nil {
			return "", err
		}
	}

	tx, err := s.buildSwapTransaction(ctx, quote, fee, owner, inputATA, outputATA, wrapSol, unwrapSol)
	if err != nil {
		return "", err
	}

	return s.submitWithRetry(ctx, key, tx)
}

// ensureTokenAccount creates the associated token account in its own
// transaction when it does not exist yet.
func (s *Swapper) ensureTokenAccount(ctx context.Context, key solana.PrivateKey, owner solana.PublicKey, mint string, ata solana.PublicKey) error {
	if _, err := s.exec.rpc.GetAccountInfo(ctx, ata); err == nil {
		return nil
	}
	ix := associatedtokenaccount.NewCreateInstruction(owner, owner, solana.MustPublicKeyFromBase58(mint)).Build()
	if _, err := s.exec.signAndSubmit(ctx, key, owner, []solana.Instruction{ix}); err != nil {
		return fmt.Errorf("create token account for %s: %w", mint, err)
	}
	return nil
}

// submitWithRetry signs and submits the transaction, polling for
// confirmation. A blockhash that expires before confirmation gets a fresh
// one and another attempt, up to submitMaxAttempts.
func (s *Swapper) submitWithRetry(ctx context.Context, key solana.PrivateKey, tx *solana.Transaction) (string, error) {
	owner := key.PublicKey()
	var lastErr error

	for attempt := 1; attempt <= submitMaxAttempts; attempt++ {
		blockhash, err := s.exec.rpc.GetLatestBlockhash(ctx, rpc.CommitmentConfirmed)
		if err != nil {
			return "", fmt.Errorf("get blockhash: %w", err)
		}
		tx.Message.RecentBlockhash = blockhash.Value.Blockhash

		if _, err := tx.Sign(func(pub solana.PublicKey) *solana.PrivateKey {
			if pub.Equals(owner) {
				return &key
			}
			return nil
		}); err != nil {
			return "", fmt.Errorf("sign transaction: %w", err)
		}

		sig, err := s.exec.rpc.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
			SkipPreflight:       false,
			PreflightCommitment: rpc.CommitmentConfirmed,
		})
		if err != nil {
			if isBlockhashExpired(err) && attempt < submitMaxAttempts {
				s.logger.WarnContext(ctx, "blockhash expired, rebuilding",
					"attempt", attempt,
				)
				lastErr = err
				continue
			}
			return "", fmt.Errorf("send transaction: %w", err)
		}

		s.logger.InfoContext(ctx, "swap submitted",
			"signature", sig.String(),
			"attempt", attempt,
		)

		err = awaitConfirmation(ctx, s.exec.rpc, sig, s.sleep)
		if err == nil {
			return sig.String(), nil
		}
		if isBlockhashExpired(err) && attempt < submitMaxAttempts {
			s.logger.WarnContext(ctx, "confirmation lost to blockhash expiry, retrying",
				"signature", sig.String(),
				"attempt", attempt,
			)
			lastErr = &SubmitError{Signature: sig, Err: err}
			continue
		}
		return "", &SubmitError{Signature: sig, Err: err}
	}
	return "", fmt.Errorf("swap failed after %d attempts: %w", submitMaxAttempts, lastErr)
}

func isBlockhashExpired(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "block height exceeded") ||
		strings.Contains(err.Error(), "blockhash not found"))
}

// ReconcileSignature checks whether a signature recovered from a failed
// submission actually landed on chain.
func ReconcileSignature(ctx context.Context, client RPCClient, sig solana.Signature) (bool, error) {
	out, err := client.GetSignatureStatuses(ctx, true, sig)
	if err != nil {
		return false, fmt.Errorf("get signature status: %w", err)
	}
	if len(out.Value) == 0 || out.Value[0] == nil {
		return false, nil
	}
	status := out.Value[0]
	if status.Err != nil {
		return false, nil
	}
	return status.ConfirmationStatus == rpc.ConfirmationStatusConfirmed ||
		status.ConfirmationStatus == rpc.ConfirmationStatusFinalized, nil
}

// Quote asks the trade API to price a swap. amount is in the input mint's
// base units.
func (s *Swapper) Quote(ctx context.Context, inputMint, outputMint string, amount uint64) (*SwapQuote, error) {
	q := url.Values{}
	q.Set("inputMint", inputMint)
	q.Set("outputMint", outputMint)
	q.Set("amount", strconv.FormatUint(amount, 10))
	q.Set("slippageBps", strconv.Itoa(swapSlippageBps))
	q.Set("txVersion", swapTxVersion)

	raw, err := s.getJSON(ctx, s.txHost+"/compute/swap-base-in?"+q.Encode())
	if err != nil {
		return nil, fmt.Errorf("swap quote: %w", err)
	}

	quote := &SwapQuote{Raw: raw}
	var envelope struct {
		Success bool            `json:"success"`
		Msg     string          `json:"msg"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("decode swap quote: %w", err)
	}
	if !envelope.Success {
		return nil, fmt.Errorf("swap quote rejected: %s", envelope.Msg)
	}
	if err := json.Unmarshal(envelope.Data, &quote.Data); err != nil {
		return nil, fmt.Errorf("decode swap quote data: %w", err)
	}
	return quote, nil
}

// PriorityFee returns the compute unit price to attach to swaps, in
// micro-lamports.
func (s *Swapper) PriorityFee(ctx context.Context) (string, error) {
	raw, err := s.getJSON(ctx, s.apiHost+"/main/auto-fee")
	if err != nil {
		return "", fmt.Errorf("priority fee: %w", err)
	}
	var out struct {
		Data struct {
			High    uint64 `json:"high"`
			Default struct {
				H uint64 `json:"h"`
			} `json:"default"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("decode priority fee: %w", err)
	}
	fee := out.Data.High
	if fee == 0 {
		fee = out.Data.Default.H * 2
	}
	return strconv.FormatUint(fee, 10), nil
}

// GetTokenDetails looks up mint metadata, including decimals, from the trade
// API.
func (s *Swapper) GetTokenDetails(ctx context.Context, mint string) (*TokenDetails, error) {
	raw, err := s.getJSON(ctx, s.apiHost+"/mint/ids?mints="+url.QueryEscape(mint))
	if err != nil {
		return nil, fmt.Errorf("token details: %w", err)
	}
	var out struct {
		Data []*TokenDetails `json:"data"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode token details: %w", err)
	}
	if len(out.Data) == 0 || out.Data[0] == nil {
		return nil, fmt.Errorf("unknown mint %s", mint)
	}
	return out.Data[0], nil
}

// GetTokenPrice returns the USD price of a mint, when the trade API knows it.
func (s *Swapper) GetTokenPrice(ctx context.Context, mint string) (float64, error) {
	raw, err := s.getJSON(ctx, s.apiHost+"/mint/price?mints="+url.QueryEscape(mint))
	if err != nil {
		return 0, fmt.Errorf("token price: %w", err)
	}
	var out struct {
		Data map[string]string `json:"data"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return 0, fmt.Errorf("decode token price: %w", err)
	}
	priceStr, ok := out.Data[mint]
	if !ok {
		return 0, fmt.Errorf("no price for mint %s", mint)
	}
	price, err := strconv.ParseFloat(priceStr, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid price %q: %w", priceStr, err)
	}
	return price, nil
}

// buildSwapTransaction asks the trade API to assemble the swap transaction.
func (s *Swapper) buildSwapTransaction(ctx context.Context, quote *SwapQuote, fee string, wallet, inputAccount, outputAccount solana.PublicKey, wrapSol, unwrapSol bool) (*solana.Transaction, error) {
	body, err := json.Marshal(map[string]any{
		"computeUnitPriceMicroLamports": fee,
		"swapResponse":                  quote.Raw,
		"txVersion":                     swapTxVersion,
		"wallet":                        wallet.String(),
		"wrapSol":                       wrapSol,
		"unwrapSol":                     unwrapSol,
		"inputAccount":                  inputAccount.String(),
		"outputAccount":                 outputAccount.String(),
	})
	if err != nil {
		return nil, fmt.Errorf("encode swap request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.txHost+"/transaction/swap-base-in", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("build swap transaction: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read swap transaction: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("build swap transaction: status %d: %s", resp.StatusCode, raw)
	}

	var out struct {
		Success bool   `json:"success"`
		Msg     string `json:"msg"`
		Data    []struct {
			Transaction string `json:"transaction"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode swap transaction: %w", err)
	}
	if !out.Success || len(out.Data) == 0 {
		return nil, fmt.Errorf("swap transaction rejected: %s", out.Msg)
	}

	tx, err := solana.TransactionFromBase64(out.Data[0].Transaction)
	if err != nil {
		return nil, fmt.Errorf("deserialize swap transaction: %w", err)
	}
	return tx, nil
}

func (s *Swapper) getJSON(ctx context.Context, rawURL string) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, raw)
	}
	return raw, nil
}
