package solana

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTradeAPIServer stubs the quote, priority fee, and transaction-build
// endpoints. The built transaction is a placeholder signed by owner, which is
// all the submit path needs.
func newTradeAPIServer(t *testing.T, owner solana.PublicKey) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()

	mux.HandleFunc("/compute/swap-base-in", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		resp := map[string]any{
			"success": true,
			"data": map[string]any{
				"inputMint":    q.Get("inputMint"),
				"inputAmount":  q.Get("amount"),
				"outputMint":   q.Get("outputMint"),
				"outputAmount": "42000000",
			},
		}
		json.NewEncoder(w).Encode(resp)
	})

	mux.HandleFunc("/main/auto-fee", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{
				"default": map[string]any{"h": 25000},
			},
		})
	})

	mux.HandleFunc("/transaction/swap-base-in", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "50000", body["computeUnitPriceMicroLamports"]) // default.h * 2
		assert.Equal(t, owner.String(), body["wallet"])

		tx, err := solana.NewTransaction(
			[]solana.Instruction{
				system.NewTransferInstruction(1, owner, owner).Build(),
			},
			solana.Hash{},
			solana.TransactionPayer(owner),
		)
		require.NoError(t, err)
		b64, err := tx.ToBase64()
		require.NoError(t, err)

		json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"data":    []map[string]string{{"transaction": b64}},
		})
	})

	return httptest.NewServer(mux)
}

func newTestSwapper(m *mockRPC, host string) *Swapper {
	s := NewSwapper(newTestExecutor(m), nil)
	s.apiHost = host
	s.txHost = host
	s.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return s
}

func TestBuyToken_Success(t *testing.T) {
	wallet := solana.NewWallet()
	tokenMint := solana.NewWallet().PublicKey().String()

	srv := newTradeAPIServer(t, wallet.PublicKey())
	defer srv.Close()

	m := &mockRPC{
		lamports:      2 * lamportsPerSOL,
		accountExists: true, // output ATA already exists
		statuses:      []*rpc.SignatureStatusesResult{confirmedStatus()},
	}
	s := newTestSwapper(m, srv.URL)

	sig, err := s.BuyToken(context.Background(), wallet.PrivateKey.String(), tokenMint, "0.5")
	require.NoError(t, err)
	assert.NotEmpty(t, sig)
	require.Len(t, m.sentTxs, 1)
	assert.Equal(t, sig, m.sentTxs[0].Signatures[0].String())
}

func TestBuyToken_ReservesFeeBudget(t *testing.T) {
	wallet := solana.NewWallet()

	srv := newTradeAPIServer(t, wallet.PublicKey())
	defer srv.Close()

	// Exactly the swap amount with nothing left for fees.
	m := &mockRPC{lamports: lamportsPerSOL / 2}
	s := newTestSwapper(m, srv.URL)

	_, err := s.BuyToken(context.Background(), wallet.PrivateKey.String(), solana.NewWallet().PublicKey().String(), "0.5")
	assert.ErrorIs(t, err, ErrInsufficientBalance)
	assert.Empty(t, m.sentTxs)
}

func TestSellToken_PortionOfBalance(t *testing.T) {
	wallet := solana.NewWallet()
	tokenMint := solana.NewWallet().PublicKey().String()

	var quotedAmount string
	mux := http.NewServeMux()
	mux.HandleFunc("/compute/swap-base-in", func(w http.ResponseWriter, r *http.Request) {
		quotedAmount = r.URL.Query().Get("amount")
		json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"data":    map[string]any{"inputMint": tokenMint, "outputMint": WrappedSOLMint},
		})
	})
	mux.HandleFunc("/main/auto-fee", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{"default": map[string]any{"h": 1}}})
	})
	mux.HandleFunc("/transaction/swap-base-in", func(w http.ResponseWriter, r *http.Request) {
		tx, err := solana.NewTransaction(
			[]solana.Instruction{system.NewTransferInstruction(1, wallet.PublicKey(), wallet.PublicKey()).Build()},
			solana.Hash{},
			solana.TransactionPayer(wallet.PublicKey()),
		)
		require.NoError(t, err)
		b64, err := tx.ToBase64()
		require.NoError(t, err)
		json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"data":    []map[string]string{{"transaction": b64}},
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	m := &mockRPC{
		tokenAmount:   "1000000", // 1 token at 6 decimals
		accountExists: true,
		statuses:      []*rpc.SignatureStatusesResult{confirmedStatus()},
	}
	s := newTestSwapper(m, srv.URL)

	_, err := s.SellToken(context.Background(), wallet.PrivateKey.String(), tokenMint, "50")
	require.NoError(t, err)
	assert.Equal(t, "500000", quotedAmount)
}

func TestSellToken_InvalidPortion(t *testing.T) {
	wallet := solana.NewWallet()
	s := newTestSwapper(&mockRPC{}, "http://unused")

	for _, pct := range []string{"0", "-5", "150", "lots"} {
		_, err := s.SellToken(context.Background(), wallet.PrivateKey.String(), solana.NewWallet().PublicKey().String(), pct)
		assert.Error(t, err, "portion %q", pct)
	}
}

func TestSubmitWithRetry_FailureCarriesSignature(t *testing.T) {
	wallet := solana.NewWallet()
	tokenMint := solana.NewWallet().PublicKey().String()

	srv := newTradeAPIServer(t, wallet.PublicKey())
	defer srv.Close()

	m := &mockRPC{
		lamports:      2 * lamportsPerSOL,
		accountExists: true,
		statuses: []*rpc.SignatureStatusesResult{
			{Err: map[string]any{"InstructionError": []any{}}},
		},
	}
	s := newTestSwapper(m, srv.URL)

	_, err := s.BuyToken(context.Background(), wallet.PrivateKey.String(), tokenMint, "0.5")
	require.Error(t, err)

	sig, ok := RecoverSignature(err)
	require.True(t, ok)
	assert.Equal(t, m.sentTxs[0].Signatures[0], sig)
}

func TestReconcileSignature(t *testing.T) {
	sig := solana.Signature{9}

	t.Run("landed", func(t *testing.T) {
		m := &mockRPC{statuses: []*rpc.SignatureStatusesResult{confirmedStatus()}}
		ok, err := ReconcileSignature(context.Background(), m, sig)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("failed on chain", func(t *testing.T) {
		m := &mockRPC{statuses: []*rpc.SignatureStatusesResult{
			{Err: map[string]any{"InstructionError": []any{}}},
		}}
		ok, err := ReconcileSignature(context.Background(), m, sig)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("unknown", func(t *testing.T) {
		m := &mockRPC{}
		ok, err := ReconcileSignature(context.Background(), m, sig)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestQuote_RejectedSwap(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/compute/swap-base-in", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"success": false, "msg": "insufficient liquidity"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	s := newTestSwapper(&mockRPC{}, srv.URL)
	_, err := s.Quote(context.Background(), WrappedSOLMint, solana.NewWallet().PublicKey().String(), 1000)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insufficient liquidity")
}

func TestGetTokenDetails(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/mint/ids", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{
				{"address": r.URL.Query().Get("mints"), "symbol": "BONK", "decimals": 5},
			},
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	s := newTestSwapper(&mockRPC{}, srv.URL)
	details, err := s.GetTokenDetails(context.Background(), "mint123")
	require.NoError(t, err)
	assert.Equal(t, "BONK", details.Symbol)
	assert.Equal(t, 5, details.Decimals)
}
