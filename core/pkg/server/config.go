package server

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/malbeclabs/bingo/core/pkg/game"
	"github.com/malbeclabs/bingo/core/pkg/history"
	"github.com/malbeclabs/bingo/core/pkg/mint"
	"github.com/malbeclabs/bingo/core/pkg/notify"
)

// VersionInfo contains build-time version information.
type VersionInfo struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Date    string `json:"date"`
}

// PaymentVerifier confirms an entry payment on chain before the ledger
// admits it. Implemented by payment.Verifier; tests stub it.
type PaymentVerifier interface {
	Verify(ctx context.Context, signature, sender, recipient string, minLamports uint64) error
}

type Config struct {
	Logger            *slog.Logger
	ListenAddr        string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
	VersionInfo       VersionInfo

	Allocator *mint.Allocator
	Locks     *mint.Locks
	Ledger    *game.Ledger

	// Verifier is consulted before game entries. When nil, payment
	// checks are skipped; only for local development.
	Verifier PaymentVerifier
	// CollectionWallet receives entry payments; required when Verifier
	// is set.
	CollectionWallet string

	// Archive receives ended games; optional.
	Archive *history.Archive
	// Notifier announces transitions; optional.
	Notifier *notify.Notifier

	// AdminToken gates /admin routes. Empty disables them entirely.
	AdminToken string

	// EntryRatePerMin bounds entry and claim attempts per client IP.
	EntryRatePerMin int
	EntryRateBurst  int

	// AllowedOrigins for CORS; defaults to allowing any origin, the
	// frontends are public.
	AllowedOrigins []string
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.ListenAddr == "" {
		return errors.New("listen addr is required")
	}
	if cfg.Allocator == nil {
		return errors.New("allocator is required")
	}
	if cfg.Locks == nil {
		return errors.New("locks are required")
	}
	if cfg.Ledger == nil {
		return errors.New("ledger is required")
	}
	if cfg.Verifier != nil && cfg.CollectionWallet == "" {
		return errors.New("collection wallet is required when payment verification is enabled")
	}
	if cfg.ReadHeaderTimeout == 0 {
		cfg.ReadHeaderTimeout = 10 * time.Second
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 15 * time.Second
	}
	if cfg.EntryRatePerMin == 0 {
		cfg.EntryRatePerMin = 60
	}
	if cfg.EntryRateBurst == 0 {
		cfg.EntryRateBurst = 10
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}
	return nil
}
