package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/bingo/core/pkg/metrics"
)

const (
	defaultConflictRetries = 64
	defaultGCInterval      = 5 * time.Minute
	gcDiscardRatio         = 0.5
)

type BadgerConfig struct {
	Logger *slog.Logger
	Clock  clockwork.Clock

	// DataDir is the on-disk location of the store. Ignored when InMemory
	// is set.
	DataDir  string
	InMemory bool

	// ConflictRetries bounds how many times an Update script is re-run
	// when it loses an optimistic-concurrency race. Each re-run starts
	// from a fresh snapshot, so the script's checks still hold against
	// the state it commits over.
	ConflictRetries int
}

func (cfg *BadgerConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.DataDir == "" && !cfg.InMemory {
		return errors.New("data dir is required unless in-memory")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.ConflictRetries <= 0 {
		cfg.ConflictRetries = defaultConflictRetries
	}
	return nil
}

// Badger implements Store on an embedded BadgerDB. Badger gives us
// serializable transactions and per-entry TTL, which map directly onto the
// atomic-script and set-if-absent-with-expiry primitives the allocator and
// ledger are built on.
type Badger struct {
	log *slog.Logger
	cfg BadgerConfig
	db  *badger.DB
}

func NewBadger(cfg BadgerConfig) (*Badger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	opts := badger.DefaultOptions(cfg.DataDir).
		WithInMemory(cfg.InMemory).
		WithLogger(newBadgerSlogAdapter(cfg.Logger))
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger store: %w", err)
	}

	return &Badger{
		log: cfg.Logger,
		cfg: cfg,
		db:  db,
	}, nil
}

func (s *Badger) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.View(ctx, func(tx Txn) error {
		var err error
		value, err = tx.Get(key)
		return err
	})
	return value, err
}

func (s *Badger) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.Update(ctx, func(tx Txn) error {
		return tx.Set(key, value, ttl)
	})
}

func (s *Badger) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	var ok bool
	err := s.Update(ctx, func(tx Txn) error {
		var err error
		ok, err = tx.SetNX(key, value, ttl)
		return err
	})
	return ok, err
}

func (s *Badger) Delete(ctx context.Context, key string) error {
	return s.Update(ctx, func(tx Txn) error {
		return tx.Delete(key)
	})
}

func (s *Badger) View(ctx context.Context, fn func(tx Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(func(btx *badger.Txn) error {
		return fn(&badgerTxn{tx: btx})
	})
}

func (s *Badger) Update(ctx context.Context, fn func(tx Txn) error) error {
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := s.db.Update(func(btx *badger.Txn) error {
			return fn(&badgerTxn{tx: btx})
		})
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		if attempt+1 >= s.cfg.ConflictRetries {
			return fmt.Errorf("atomic script kept conflicting after %d attempts: %w", s.cfg.ConflictRetries, err)
		}
		metrics.StoreConflictRetriesTotal.Inc()
		// Jitter so racing scripts stop colliding on the same keys.
		time.Sleep(time.Duration(rand.IntN(500)+100) * time.Microsecond)
	}
}

func (s *Badger) Close() error {
	return s.db.Close()
}

// RunGC reclaims value-log space until ctx is done. No-op for in-memory
// stores.
func (s *Badger) RunGC(ctx context.Context) {
	if s.cfg.InMemory {
		return
	}
	ticker := s.cfg.Clock.NewTicker(defaultGCInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			// Badger reports ErrNoRewrite when there is nothing to
			// collect; anything else is worth surfacing.
			err := s.db.RunValueLogGC(gcDiscardRatio)
			if err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				s.log.Warn("store: value log gc failed", "error", err)
			}
		}
	}
}

type badgerTxn struct {
	tx *badger.Txn
}

func (t *badgerTxn) Get(key string) ([]byte, error) {
	item, err := t.tx.Get([]byte(key))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, ErrKeyNotFound
		}
		return nil, err
	}
	return item.ValueCopy(nil)
}

func (t *badgerTxn) Set(key string, value []byte, ttl time.Duration) error {
	entry := badger.NewEntry([]byte(key), value)
	if ttl > 0 {
		entry = entry.WithTTL(ttl)
	}
	return t.tx.SetEntry(entry)
}

func (t *badgerTxn) SetNX(key string, value []byte, ttl time.Duration) (bool, error) {
	_, err := t.tx.Get([]byte(key))
	switch {
	case err == nil:
		return false, nil
	case errors.Is(err, badger.ErrKeyNotFound):
		if err := t.Set(key, value, ttl); err != nil {
			return false, err
		}
		return true, nil
	default:
		return false, err
	}
}

func (t *badgerTxn) Delete(key string) error {
	return t.tx.Delete([]byte(key))
}

// badgerSlogAdapter forwards badger's internal logging to slog at debug
// level, except errors.
type badgerSlogAdapter struct {
	log *slog.Logger
}

func newBadgerSlogAdapter(log *slog.Logger) *badgerSlogAdapter {
	return &badgerSlogAdapter{log: log}
}

func (a *badgerSlogAdapter) Errorf(format string, args ...any) {
	a.log.Error(fmt.Sprintf("badger: "+format, args...))
}

func (a *badgerSlogAdapter) Warningf(format string, args ...any) {
	a.log.Warn(fmt.Sprintf("badger: "+format, args...))
}

func (a *badgerSlogAdapter) Infof(format string, args ...any) {
	a.log.Debug(fmt.Sprintf("badger: "+format, args...))
}

func (a *badgerSlogAdapter) Debugf(format string, args ...any) {
	a.log.Debug(fmt.Sprintf("badger: "+format, args...))
}
