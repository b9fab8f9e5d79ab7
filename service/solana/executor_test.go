package solana

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockRPC is a scriptable RPCClient for tests.
type mockRPC struct {
	lamports      uint64
	tokenAmount   string // raw base units returned by GetTokenAccountBalance
	accountExists bool

	sentTxs []*solana.Transaction
	sendErr error

	// statuses are returned by successive GetSignatureStatuses calls; the
	// last entry repeats once the script runs out.
	statuses    []*rpc.SignatureStatusesResult
	statusCalls int
}

func confirmedStatus() *rpc.SignatureStatusesResult {
	return &rpc.SignatureStatusesResult{ConfirmationStatus: rpc.ConfirmationStatusConfirmed}
}

func (m *mockRPC) GetBalance(ctx context.Context, account solana.PublicKey, commitment rpc.CommitmentType) (*rpc.GetBalanceResult, error) {
	return &rpc.GetBalanceResult{Value: m.lamports}, nil
}

func (m *mockRPC) GetTokenAccountBalance(ctx context.Context, account solana.PublicKey, commitment rpc.CommitmentType) (*rpc.GetTokenAccountBalanceResult, error) {
	if m.tokenAmount == "" {
		return nil, fmt.Errorf("could not find account")
	}
	return &rpc.GetTokenAccountBalanceResult{
		Value: &rpc.UiTokenAmount{Amount: m.tokenAmount, Decimals: stableDecimals},
	}, nil
}

func (m *mockRPC) GetAccountInfo(ctx context.Context, account solana.PublicKey) (*rpc.GetAccountInfoResult, error) {
	if !m.accountExists {
		return nil, rpc.ErrNotFound
	}
	return &rpc.GetAccountInfoResult{}, nil
}

func (m *mockRPC) GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error) {
	return &rpc.GetLatestBlockhashResult{
		Value: &rpc.LatestBlockhashResult{Blockhash: solana.Hash{1}},
	}, nil
}

func (m *mockRPC) SendTransactionWithOpts(ctx context.Context, tx *solana.Transaction, opts rpc.TransactionOpts) (solana.Signature, error) {
	if m.sendErr != nil {
		return solana.Signature{}, m.sendErr
	}
	m.sentTxs = append(m.sentTxs, tx)
	return tx.Signatures[0], nil
}

func (m *mockRPC) GetSignatureStatuses(ctx context.Context, searchHistory bool, sigs ...solana.Signature) (*rpc.GetSignatureStatusesResult, error) {
	var status *rpc.SignatureStatusesResult
	if len(m.statuses) > 0 {
		i := min(m.statusCalls, len(m.statuses)-1)
		status = m.statuses[i]
	}
	m.statusCalls++
	return &rpc.GetSignatureStatusesResult{
		Value: []*rpc.SignatureStatusesResult{status},
	}, nil
}

func newTestExecutor(m *mockRPC) *Executor {
	e := NewExecutor(m, nil, nil)
	e.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return e
}

func TestSendSOL_Success(t *testing.T) {
	wallet := solana.NewWallet()
	receiver := solana.NewWallet().PublicKey()

	m := &mockRPC{
		lamports: 2 * lamportsPerSOL,
		statuses: []*rpc.SignatureStatusesResult{confirmedStatus()},
	}
	e := newTestExecutor(m)

	sig, err := e.SendSOL(context.Background(), wallet.PrivateKey.String(), receiver.String(), "0.5")
	require.NoError(t, err)
	assert.NotEmpty(t, sig)
	require.Len(t, m.sentTxs, 1)

	tx := m.sentTxs[0]
	assert.Equal(t, sig, tx.Signatures[0].String())
	require.Len(t, tx.Message.Instructions, 1)
	prog, err := tx.Message.Program(tx.Message.Instructions[0].ProgramIDIndex)
	require.NoError(t, err)
	assert.Equal(t, system.ProgramID, prog)
}

func TestSendSOL_InsufficientBalance(t *testing.T) {
	wallet := solana.NewWallet()
	m := &mockRPC{lamports: 1000}
	e := newTestExecutor(m)

	_, err := e.SendSOL(context.Background(), wallet.PrivateKey.String(), solana.NewWallet().PublicKey().String(), "0.5")
	assert.ErrorIs(t, err, ErrInsufficientBalance)
	assert.Empty(t, m.sentTxs)
}

func TestSendStable_CreatesMissingTokenAccount(t *testing.T) {
	wallet := solana.NewWallet()
	receiver := solana.NewWallet().PublicKey()

	m := &mockRPC{
		tokenAmount:   "100000000", // 100 USDC
		accountExists: false,
		statuses:      []*rpc.SignatureStatusesResult{confirmedStatus()},
	}
	e := newTestExecutor(m)

	sig, err := e.SendStable(context.Background(), wallet.PrivateKey.String(), "usdc", receiver.String(), "25")
	require.NoError(t, err)
	assert.NotEmpty(t, sig)
	require.Len(t, m.sentTxs, 1)

	// Create + transfer when the receiver ATA does not exist yet.
	assert.Len(t, m.sentTxs[0].Message.Instructions, 2)
}

func TestSendStable_ExistingTokenAccount(t *testing.T) {
	wallet := solana.NewWallet()

	m := &mockRPC{
		tokenAmount:   "100000000",
		accountExists: true,
		statuses:      []*rpc.SignatureStatusesResult{confirmedStatus()},
	}
	e := newTestExecutor(m)

	_, err := e.SendStable(context.Background(), wallet.PrivateKey.String(), "USDT", solana.NewWallet().PublicKey().String(), "25")
	require.NoError(t, err)
	require.Len(t, m.sentTxs, 1)
	assert.Len(t, m.sentTxs[0].Message.Instructions, 1)
}

func TestSendStable_InsufficientBalance(t *testing.T) {
	wallet := solana.NewWallet()
	m := &mockRPC{tokenAmount: "1000000"} // 1 USDC
	e := newTestExecutor(m)

	_, err := e.SendStable(context.Background(), wallet.PrivateKey.String(), "usdc", solana.NewWallet().PublicKey().String(), "25")
	assert.ErrorIs(t, err, ErrInsufficientBalance)
}

func TestSendStable_MissingAccountReadsZero(t *testing.T) {
	wallet := solana.NewWallet()
	m := &mockRPC{tokenAmount: ""} // wallet never held the token
	e := newTestExecutor(m)

	_, err := e.SendStable(context.Background(), wallet.PrivateKey.String(), "usdc", solana.NewWallet().PublicKey().String(), "1")
	assert.ErrorIs(t, err, ErrInsufficientBalance)
}

func TestSendSOL_FailedTransactionSurfacesSignature(t *testing.T) {
	wallet := solana.NewWallet()
	m := &mockRPC{
		lamports: 2 * lamportsPerSOL,
		statuses: []*rpc.SignatureStatusesResult{
			{Err: map[string]any{"InstructionError": []any{}}},
		},
	}
	e := newTestExecutor(m)

	_, err := e.SendSOL(context.Background(), wallet.PrivateKey.String(), solana.NewWallet().PublicKey().String(), "0.5")
	require.Error(t, err)

	var subErr *SubmitError
	require.ErrorAs(t, err, &subErr)
	assert.False(t, subErr.Signature.IsZero())
}

func TestSOLBalance(t *testing.T) {
	m := &mockRPC{lamports: 1_500_000_000}
	e := newTestExecutor(m)

	bal, err := e.SOLBalance(context.Background(), solana.NewWallet().PublicKey().String())
	require.NoError(t, err)
	f, _ := bal.Float64()
	assert.InDelta(t, 1.5, f, 1e-9)
}

func TestRecoverSignature(t *testing.T) {
	var sig solana.Signature
	for i := range sig {
		sig[i] = byte(i + 1)
	}

	t.Run("structured", func(t *testing.T) {
		err := fmt.Errorf("dispatch: %w", &SubmitError{Signature: sig, Err: errors.New("timeout")})
		got, ok := RecoverSignature(err)
		require.True(t, ok)
		assert.Equal(t, sig, got)
	})

	t.Run("from message", func(t *testing.T) {
		err := fmt.Errorf("Signature %s has expired: block height exceeded.", sig)
		got, ok := RecoverSignature(err)
		require.True(t, ok)
		assert.Equal(t, sig, got)
	})

	t.Run("nothing to recover", func(t *testing.T) {
		_, ok := RecoverSignature(errors.New("connection refused"))
		assert.False(t, ok)
	})
}

func TestToBaseUnits_Lamports(t *testing.T) {
	got, err := toBaseUnits("0.5", solDecimals)
	require.NoError(t, err)
	assert.Equal(t, uint64(500_000_000), got.Uint64())

	_, err = toBaseUnits("half", solDecimals)
	assert.Error(t, err)
}
