package evm

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

const (
	nativeTransferGas = 21000
	erc20TransferGas  = 100000
	nativeDecimals    = 18

	// Receipt polling: one check per second, bounded.
	receiptPollInterval = time.Second
	receiptPollAttempts = 60
)

// transfer(address,uint256) and balanceOf(address) selectors.
var (
	transferSelector  = crypto.Keccak256([]byte("transfer(address,uint256)"))[:4]
	balanceOfSelector = crypto.Keccak256([]byte("balanceOf(address)"))[:4]
)

// Executor performs transfers on one EVM chain.
type Executor struct {
	rpc          RPCClient
	chain        string
	explorerURL  string            // e.g. "https://etherscan.io/tx/"
	stableTokens map[string]string // lowercase symbol -> contract address
	logger       *slog.Logger

	chainID *big.Int // cached after first use
}

// NewExecutor creates an executor for one chain. stableTokens maps lowercase
// stable symbols (usdc, usdt) to their contract addresses on this chain.
func NewExecutor(rpc RPCClient, chain, explorerURL string, stableTokens map[string]string, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Executor{
		rpc:          rpc,
		chain:        chain,
		explorerURL:  explorerURL,
		stableTokens: stableTokens,
		logger:       logger,
	}
}

// Chain returns the chain this executor submits to.
func (e *Executor) Chain() string { return e.chain }

// NativeBalance returns the native balance of an address in whole units.
func (e *Executor) NativeBalance(ctx context.Context, address string) (*big.Float, error) {
	wei, err := e.rpc.BalanceAt(ctx, common.HexToAddress(address), nil)
	if err != nil {
		return nil, fmt.Errorf("balance of %s: %w", address, err)
	}
	return fromBaseUnits(wei, nativeDecimals), nil
}

// StableBalance returns the balance of a stable token in whole units.
// Stable tokens are assumed to use 6 decimals, matching USDC/USDT.
func (e *Executor) StableBalance(ctx context.Context, address, symbol string) (*big.Float, error) {
	tokenAddr, ok := e.stableTokens[strings.ToLower(symbol)]
	if !ok {
		return nil, fmt.Errorf("unsupported token %q on %s", symbol, e.chain)
	}

	units, err := e.stableBalanceUnits(ctx, address, tokenAddr)
	if err != nil {
		return nil, fmt.Errorf("balanceOf %s: %w", symbol, err)
	}
	return fromBaseUnits(units, 6), nil
}

// stableBalanceUnits returns the raw base-unit balance of an ERC-20 token.
func (e *Executor) stableBalanceUnits(ctx context.Context, address, tokenAddr string) (*big.Int, error) {
	data := append(append([]byte{}, balanceOfSelector...), common.LeftPadBytes(common.HexToAddress(address).Bytes(), 32)...)
	to := common.HexToAddress(tokenAddr)
	out, err := e.rpc.CallContract(ctx, gethcore.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, err
	}
	if len(out) < 32 {
		return nil, fmt.Errorf("short return data")
	}
	return new(big.Int).SetBytes(out[:32]), nil
}

// SendNative transfers native currency. Checks the sender balance first and
// returns ErrInsufficientBalance when it cannot cover the amount; on success
// it waits for the receipt and returns the transaction hash.
func (e *Executor) SendNative(ctx context.Context, privateKeyHex, to, amount string) (string, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return "", fmt.Errorf("parse private key: %w", err)
	}
	from := crypto.PubkeyToAddress(key.PublicKey)

	value, err := toBaseUnits(amount, nativeDecimals)
	if err != nil {
		return "", err
	}

	balance, err := e.rpc.BalanceAt(ctx, from, nil)
	if err != nil {
		return "", fmt.Errorf("balance check: %w", err)
	}
	if balance.Cmp(value) < 0 {
		return "", ErrInsufficientBalance
	}

	toAddr := common.HexToAddress(to)
	return e.signAndSend(ctx, key, from, &toAddr, value, nil, nativeTransferGas)
}

// SendStable transfers a stable token by symbol.
func (e *Executor) SendStable(ctx context.Context, privateKeyHex, symbol, to, amount string) (string, error) {
	tokenAddr, ok := e.stableTokens[strings.ToLower(symbol)]
	if !ok {
		return "", fmt.Errorf("unsupported token %q on %s", symbol, e.chain)
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return "", fmt.Errorf("parse private key: %w", err)
	}
	from := crypto.PubkeyToAddress(key.PublicKey)

	value, err := toBaseUnits(amount, 6)
	if err != nil {
		return "", err
	}

	have, err := e.stableBalanceUnits(ctx, from.Hex(), tokenAddr)
	if err != nil {
		return "", fmt.Errorf("balance check: %w", err)
	}
	if have.Cmp(value) < 0 {
		return "", ErrInsufficientBalance
	}

	data := append([]byte{}, transferSelector...)
	data = append(data, common.LeftPadBytes(common.HexToAddress(to).Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(value.Bytes(), 32)...)

	contract := common.HexToAddress(tokenAddr)
	return e.signAndSend(ctx, key, from, &contract, big.NewInt(0), data, erc20TransferGas)
}

// ExplorerURL returns the block-explorer URL for a transaction hash.
func (e *Executor) ExplorerURL(txHash string) string {
	return e.explorerURL + txHash
}

// signAndSend builds, signs, and submits a transaction, then polls for the
// receipt until finality or the attempt bound is exhausted.
func (e *Executor) signAndSend(ctx context.Context, key *ecdsa.PrivateKey, from common.Address, to *common.Address, value *big.Int, data []byte, gasLimit uint64) (string, error) {
	nonce, err := e.rpc.PendingNonceAt(ctx, from)
	if err != nil {
		return "", fmt.Errorf("pending nonce: %w", err)
	}
	gasPrice, err := e.rpc.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("suggest gas price: %w", err)
	}
	chainID, err := e.getChainID(ctx)
	if err != nil {
		return "", err
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       to,
		Value:    value,
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), key)
	if err != nil {
		return "", fmt.Errorf("sign transaction: %w", err)
	}

	if err := e.rpc.SendTransaction(ctx, signed); err != nil {
		return "", fmt.Errorf("send transaction: %w", err)
	}

	hash := signed.Hash()
	e.logger.InfoContext(ctx, "transaction submitted",
		"chain", e.chain,
		"tx_hash", hash.Hex(),
		"from", from.Hex(),
	)

	receipt, err := e.waitForReceipt(ctx, hash)
	if err != nil {
		return "", err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return "", fmt.Errorf("transaction %s reverted", hash.Hex())
	}
	return hash.Hex(), nil
}

// waitForReceipt polls for the transaction receipt at a fixed interval.
func (e *Executor) waitForReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	for attempt := 0; attempt < receiptPollAttempts; attempt++ {
		receipt, err := e.rpc.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(receiptPollInterval):
		}
	}
	return nil, fmt.Errorf("transaction %s not mined after %d attempts", hash.Hex(), receiptPollAttempts)
}

// getChainID fetches and caches the chain id.
func (e *Executor) getChainID(ctx context.Context) (*big.Int, error) {
	if e.chainID != nil {
		return e.chainID, nil
	}
	id, err := e.rpc.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("chain id: %w", err)
	}
	e.chainID = id
	return id, nil
}

// toBaseUnits converts a decimal amount string into integer base units.
func toBaseUnits(amount string, decimals int) (*big.Int, error) {
	rat, ok := new(big.Rat).SetString(amount)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", amount)
	}
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	rat.Mul(rat, new(big.Rat).SetInt(scale))
	if !rat.IsInt() {
		// Truncate sub-base-unit dust.
		return new(big.Int).Quo(rat.Num(), rat.Denom()), nil
	}
	return rat.Num(), nil
}

// fromBaseUnits converts integer base units to a whole-unit float.
func fromBaseUnits(units *big.Int, decimals int) *big.Float {
	scale := new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
	return new(big.Float).Quo(new(big.Float).SetInt(units), scale)
}
