// Package payment confirms that a claimed entry payment actually moved
// funds on chain. It is consulted before the game ledger's atomic entry
// script; the signature marker inside that script closes the race this
// necessarily-non-atomic check leaves open.
package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gagliardetto/solana-go"
	solanarpc "github.com/gagliardetto/solana-go/rpc"
	"github.com/malbeclabs/bingo/utils/pkg/retry"
)

var (
	// ErrTxNotFound means the signature names no confirmed transaction.
	ErrTxNotFound = errors.New("transaction not found")
	// ErrTxFailed means the transaction exists but errored on chain.
	ErrTxFailed = errors.New("transaction failed on chain")
	// ErrInsufficientAmount means the transaction moved less than the
	// expected amount to the collection address.
	ErrInsufficientAmount = errors.New("transaction moved insufficient funds")
)

// TransactionGetter is the slice of the Solana RPC surface the verifier
// needs; tests substitute a mock.
type TransactionGetter interface {
	GetTransaction(ctx context.Context, signature solana.Signature, opts *solanarpc.GetTransactionOpts) (*solanarpc.GetTransactionResult, error)
}

type VerifierConfig struct {
	Logger *slog.Logger
	RPC    TransactionGetter
	Retry  retry.Config
}

func (cfg *VerifierConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.RPC == nil {
		return errors.New("rpc client is required")
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	return nil
}

type Verifier struct {
	log *slog.Logger
	cfg VerifierConfig
}

func NewVerifier(cfg VerifierConfig) (*Verifier, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Verifier{
		log: cfg.Logger,
		cfg: cfg,
	}, nil
}

// NewRPCClient returns a Solana RPC client for url, suitable as the
// verifier's TransactionGetter.
func NewRPCClient(url string) *solanarpc.Client {
	return solanarpc.New(url)
}

// Verify checks that signature names a confirmed, non-failed transaction
// that moved at least minLamports from sender to recipient.
func (v *Verifier) Verify(ctx context.Context, signature, sender, recipient string, minLamports uint64) error {
	sig, err := solana.SignatureFromBase58(signature)
	if err != nil {
		return fmt.Errorf("invalid signature %q: %w", signature, ErrTxNotFound)
	}
	senderKey, err := solana.PublicKeyFromBase58(sender)
	if err != nil {
		return fmt.Errorf("invalid sender address: %w", err)
	}
	recipientKey, err := solana.PublicKeyFromBase58(recipient)
	if err != nil {
		return fmt.Errorf("invalid recipient address: %w", err)
	}

	maxVersion := uint64(0)
	var out *solanarpc.GetTransactionResult
	err = retry.Do(ctx, v.cfg.Retry, func() error {
		var rpcErr error
		out, rpcErr = v.cfg.RPC.GetTransaction(ctx, sig, &solanarpc.GetTransactionOpts{
			Encoding:                       solana.EncodingBase64,
			Commitment:                     solanarpc.CommitmentConfirmed,
			MaxSupportedTransactionVersion: &maxVersion,
		})
		if errors.Is(rpcErr, solanarpc.ErrNotFound) {
			// Definitive answer, not a transport failure.
			out = nil
			return nil
		}
		return rpcErr
	})
	if err != nil {
		return fmt.Errorf("failed to fetch transaction: %w", err)
	}
	if out == nil || out.Meta == nil {
		return fmt.Errorf("signature %s: %w", signature, ErrTxNotFound)
	}
	if out.Meta.Err != nil {
		return fmt.Errorf("signature %s: %w", signature, ErrTxFailed)
	}

	tx, err := out.Transaction.GetTransaction()
	if err != nil {
		return fmt.Errorf("failed to decode transaction: %w", err)
	}
	keys := tx.Message.AccountKeys
	if len(out.Meta.PreBalances) < len(keys) || len(out.Meta.PostBalances) < len(keys) {
		return fmt.Errorf("signature %s: malformed balance arrays: %w", signature, ErrTxFailed)
	}

	senderIdx, recipientIdx := -1, -1
	for i, key := range keys {
		if key.Equals(senderKey) {
			senderIdx = i
		}
		if key.Equals(recipientKey) {
			recipientIdx = i
		}
	}
	if senderIdx < 0 {
		return fmt.Errorf("sender %s not in transaction: %w", sender, ErrTxFailed)
	}
	if recipientIdx < 0 {
		return fmt.Errorf("recipient %s not in transaction: %w", recipient, ErrInsufficientAmount)
	}

	received := int64(out.Meta.PostBalances[recipientIdx]) - int64(out.Meta.PreBalances[recipientIdx])
	if received < int64(minLamports) {
		return fmt.Errorf("recipient received %d of %d lamports: %w", received, minLamports, ErrInsufficientAmount)
	}
	// The funds must leave the sender itself, not some third account that
	// merely references it. The sender also pays the fee, so its balance
	// drops by at least the transfer amount.
	sent := int64(out.Meta.PreBalances[senderIdx]) - int64(out.Meta.PostBalances[senderIdx])
	if sent < int64(minLamports) {
		return fmt.Errorf("sender paid %d of %d lamports: %w", sent, minLamports, ErrInsufficientAmount)
	}

	v.log.Debug("payment: verified transfer",
		"signature", signature, "lamports", received, "sender", sender)
	return nil
}
