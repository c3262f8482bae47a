package mint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/bingo/core/pkg/store"
)

// ErrLockHeld means the build or submit step is already in progress for
// this wallet or attempt. Immediate negative result; no queueing.
var ErrLockHeld = errors.New("operation already in progress")

const defaultLockTTL = 90 * time.Second

type LocksConfig struct {
	Logger *slog.Logger
	Store  store.Store
	Clock  clockwork.Clock

	// TTL bounds how long a crashed holder can block others.
	TTL time.Duration
}

func (cfg *LocksConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultLockTTL
	}
	return nil
}

// Locks are the transient exclusive claims the mint pipeline takes around
// transaction assembly (per wallet) and submission (per attempt). Crash
// recovery is purely lease-expiry driven.
type Locks struct {
	log *slog.Logger
	cfg LocksConfig
}

func NewLocks(cfg LocksConfig) (*Locks, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Locks{
		log: cfg.Logger,
		cfg: cfg,
	}, nil
}

// AcquireBuild claims the per-wallet build lock, failing fast with
// ErrLockHeld if a build is already running.
func (l *Locks) AcquireBuild(ctx context.Context, wallet string) error {
	if wallet == "" {
		return errors.New("wallet is required")
	}
	return l.acquire(ctx, buildLockKey(wallet))
}

func (l *Locks) ReleaseBuild(ctx context.Context, wallet string) error {
	return l.cfg.Store.Delete(ctx, buildLockKey(wallet))
}

// AcquireSubmit claims a per-attempt submit lock. An empty attemptID gets a
// fresh one assigned; the chosen id is returned either way so the caller
// can release it on the happy path.
func (l *Locks) AcquireSubmit(ctx context.Context, attemptID string) (string, error) {
	if attemptID == "" {
		attemptID = uuid.NewString()
	}
	if err := l.acquire(ctx, submitLockKey(attemptID)); err != nil {
		return "", err
	}
	return attemptID, nil
}

func (l *Locks) ReleaseSubmit(ctx context.Context, attemptID string) error {
	return l.cfg.Store.Delete(ctx, submitLockKey(attemptID))
}

func (l *Locks) acquire(ctx context.Context, key string) error {
	value := []byte(l.cfg.Clock.Now().UTC().Format(time.RFC3339Nano))
	ok, err := l.cfg.Store.SetNX(ctx, key, value, l.cfg.TTL)
	if err != nil {
		return fmt.Errorf("failed to claim %s: %w", key, err)
	}
	if !ok {
		return ErrLockHeld
	}
	return nil
}
