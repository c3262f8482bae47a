package payment

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	solanarpc "github.com/gagliardetto/solana-go/rpc"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/bingo/utils/pkg/retry"
	bingotesting "github.com/malbeclabs/bingo/utils/pkg/testing"
)

type mockTransactionGetter struct {
	GetTransactionFunc func(ctx context.Context, sig solana.Signature, opts *solanarpc.GetTransactionOpts) (*solanarpc.GetTransactionResult, error)
}

func (m *mockTransactionGetter) GetTransaction(ctx context.Context, sig solana.Signature, opts *solanarpc.GetTransactionOpts) (*solanarpc.GetTransactionResult, error) {
	return m.GetTransactionFunc(ctx, sig, opts)
}

var (
	testSender    = solana.NewWallet().PublicKey()
	testRecipient = solana.NewWallet().PublicKey()
	testSig       = solana.SignatureFromBytes(make([]byte, 64)).String()
)

// txResult builds a GetTransactionResult whose transaction carries the
// given account keys, with balances describing a transfer.
func txResult(t *testing.T, keys []solana.PublicKey, pre, post []uint64, txErr any) *solanarpc.GetTransactionResult {
	t.Helper()

	tx := solana.Transaction{
		Message: solana.Message{
			AccountKeys:     keys,
			RecentBlockhash: solana.Hash{},
		},
	}
	raw, err := tx.MarshalBinary()
	require.NoError(t, err)

	envJSON, err := json.Marshal([]any{base64.StdEncoding.EncodeToString(raw), "base64"})
	require.NoError(t, err)
	env := new(solanarpc.TransactionResultEnvelope)
	require.NoError(t, json.Unmarshal(envJSON, env))

	return &solanarpc.GetTransactionResult{
		Transaction: env,
		Meta: &solanarpc.TransactionMeta{
			Err:          txErr,
			PreBalances:  pre,
			PostBalances: post,
		},
	}
}

func testVerifier(t *testing.T, rpc TransactionGetter) *Verifier {
	t.Helper()
	v, err := NewVerifier(VerifierConfig{
		Logger: bingotesting.NewLogger(),
		RPC:    rpc,
		Retry:  retry.Config{MaxAttempts: 1, BaseBackoff: time.Millisecond, MaxBackoff: time.Millisecond},
	})
	require.NoError(t, err)
	return v
}

func TestBingo_Payment_Verify(t *testing.T) {
	t.Parallel()

	keys := []solana.PublicKey{testSender, testRecipient}

	t.Run("confirmed transfer of at least the minimum passes", func(t *testing.T) {
		t.Parallel()

		v := testVerifier(t, &mockTransactionGetter{
			GetTransactionFunc: func(ctx context.Context, sig solana.Signature, opts *solanarpc.GetTransactionOpts) (*solanarpc.GetTransactionResult, error) {
				require.Equal(t, solanarpc.CommitmentConfirmed, opts.Commitment)
				return txResult(t,
					keys,
					[]uint64{1_000_000_000, 0},
					[]uint64{949_995_000, 50_000_000},
					nil,
				), nil
			},
		})

		err := v.Verify(context.Background(), testSig, testSender.String(), testRecipient.String(), 50_000_000)
		require.NoError(t, err)
	})

	t.Run("unknown signature is not found", func(t *testing.T) {
		t.Parallel()

		v := testVerifier(t, &mockTransactionGetter{
			GetTransactionFunc: func(ctx context.Context, sig solana.Signature, opts *solanarpc.GetTransactionOpts) (*solanarpc.GetTransactionResult, error) {
				return nil, solanarpc.ErrNotFound
			},
		})

		err := v.Verify(context.Background(), testSig, testSender.String(), testRecipient.String(), 1)
		require.ErrorIs(t, err, ErrTxNotFound)
	})

	t.Run("malformed signature is not found without an RPC call", func(t *testing.T) {
		t.Parallel()

		v := testVerifier(t, &mockTransactionGetter{
			GetTransactionFunc: func(ctx context.Context, sig solana.Signature, opts *solanarpc.GetTransactionOpts) (*solanarpc.GetTransactionResult, error) {
				t.Error("unexpected RPC call")
				return nil, nil
			},
		})

		err := v.Verify(context.Background(), "not-base58!!", testSender.String(), testRecipient.String(), 1)
		require.ErrorIs(t, err, ErrTxNotFound)
	})

	t.Run("on-chain failure is rejected", func(t *testing.T) {
		t.Parallel()

		v := testVerifier(t, &mockTransactionGetter{
			GetTransactionFunc: func(ctx context.Context, sig solana.Signature, opts *solanarpc.GetTransactionOpts) (*solanarpc.GetTransactionResult, error) {
				return txResult(t,
					keys,
					[]uint64{1_000_000_000, 0},
					[]uint64{1_000_000_000, 0},
					map[string]any{"InstructionError": []any{0, "Custom"}},
				), nil
			},
		})

		err := v.Verify(context.Background(), testSig, testSender.String(), testRecipient.String(), 1)
		require.ErrorIs(t, err, ErrTxFailed)
	})

	t.Run("short transfer is insufficient", func(t *testing.T) {
		t.Parallel()

		v := testVerifier(t, &mockTransactionGetter{
			GetTransactionFunc: func(ctx context.Context, sig solana.Signature, opts *solanarpc.GetTransactionOpts) (*solanarpc.GetTransactionResult, error) {
				return txResult(t,
					keys,
					[]uint64{1_000_000_000, 0},
					[]uint64{979_995_000, 20_000_000},
					nil,
				), nil
			},
		})

		err := v.Verify(context.Background(), testSig, testSender.String(), testRecipient.String(), 50_000_000)
		require.ErrorIs(t, err, ErrInsufficientAmount)
	})

	t.Run("transfer to a different recipient is insufficient", func(t *testing.T) {
		t.Parallel()

		other := solana.NewWallet().PublicKey()
		v := testVerifier(t, &mockTransactionGetter{
			GetTransactionFunc: func(ctx context.Context, sig solana.Signature, opts *solanarpc.GetTransactionOpts) (*solanarpc.GetTransactionResult, error) {
				return txResult(t,
					[]solana.PublicKey{testSender, other},
					[]uint64{1_000_000_000, 0},
					[]uint64{949_995_000, 50_000_000},
					nil,
				), nil
			},
		})

		err := v.Verify(context.Background(), testSig, testSender.String(), testRecipient.String(), 50_000_000)
		require.ErrorIs(t, err, ErrInsufficientAmount)
	})

	t.Run("transfer funded by a third account is insufficient", func(t *testing.T) {
		t.Parallel()

		// The wallet appears in the transaction but its balance never
		// drops; another account pays the recipient.
		payer := solana.NewWallet().PublicKey()
		v := testVerifier(t, &mockTransactionGetter{
			GetTransactionFunc: func(ctx context.Context, sig solana.Signature, opts *solanarpc.GetTransactionOpts) (*solanarpc.GetTransactionResult, error) {
				return txResult(t,
					[]solana.PublicKey{testSender, payer, testRecipient},
					[]uint64{1_000_000_000, 1_000_000_000, 0},
					[]uint64{1_000_000_000, 949_995_000, 50_000_000},
					nil,
				), nil
			},
		})

		err := v.Verify(context.Background(), testSig, testSender.String(), testRecipient.String(), 50_000_000)
		require.ErrorIs(t, err, ErrInsufficientAmount)
	})

	t.Run("transaction not signed by the wallet is rejected", func(t *testing.T) {
		t.Parallel()

		other := solana.NewWallet().PublicKey()
		v := testVerifier(t, &mockTransactionGetter{
			GetTransactionFunc: func(ctx context.Context, sig solana.Signature, opts *solanarpc.GetTransactionOpts) (*solanarpc.GetTransactionResult, error) {
				return txResult(t,
					[]solana.PublicKey{other, testRecipient},
					[]uint64{1_000_000_000, 0},
					[]uint64{949_995_000, 50_000_000},
					nil,
				), nil
			},
		})

		err := v.Verify(context.Background(), testSig, testSender.String(), testRecipient.String(), 50_000_000)
		require.ErrorIs(t, err, ErrTxFailed)
	})

	t.Run("transient RPC failures are retried", func(t *testing.T) {
		t.Parallel()

		calls := 0
		mock := &mockTransactionGetter{
			GetTransactionFunc: func(ctx context.Context, sig solana.Signature, opts *solanarpc.GetTransactionOpts) (*solanarpc.GetTransactionResult, error) {
				calls++
				if calls < 3 {
					return nil, errors.New("connection refused")
				}
				return txResult(t,
					keys,
					[]uint64{1_000_000_000, 0},
					[]uint64{949_995_000, 50_000_000},
					nil,
				), nil
			},
		}
		v, err := NewVerifier(VerifierConfig{
			Logger: bingotesting.NewLogger(),
			RPC:    mock,
			Retry:  retry.Config{MaxAttempts: 3, BaseBackoff: time.Millisecond, MaxBackoff: time.Millisecond},
		})
		require.NoError(t, err)

		err = v.Verify(context.Background(), testSig, testSender.String(), testRecipient.String(), 50_000_000)
		require.NoError(t, err)
		require.Equal(t, 3, calls)
	})
}
