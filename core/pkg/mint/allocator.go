// Package mint owns the fixed pool of mintable serials and their
// limited-multiplicity background variants. It hands out exclusive
// (slot, background) reservations to racing mint attempts, reclaims
// abandoned reservations lazily on expiry, and provides the short-lived
// build/submit locks the mint pipeline takes around transaction assembly.
package mint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/bingo/core/pkg/store"
)

var (
	// ErrSoldOut means every slot is either minted or held by a live
	// reservation. Terminal for the request; the caller may retry later.
	ErrSoldOut = errors.New("all slots are minted or reserved")

	// ErrPoolCorrupted means the background pool failed structural
	// validation and was rebuilt. The triggering call still fails; the
	// caller retries once against the healed pool.
	ErrPoolCorrupted = errors.New("background pool was corrupted and has been rebuilt")

	// ErrStaleReservation means the reservation expired (or was never
	// made) before finalize.
	ErrStaleReservation = errors.New("reservation is stale")

	// Internal scan signals.
	errSlotUnavailable = errors.New("slot is minted or actively reserved")
	errPoolDrained     = errors.New("background pool is empty")
)

// SlotRecord is a live reservation: exactly one per slot and one per wallet
// at a time. Created by Reserve, removed by Release, Finalize, or lazy
// expiry reclamation; never mutated in place.
type SlotRecord struct {
	SlotID       int       `json:"slotId"`
	BackgroundID int       `json:"backgroundId"`
	ReservedBy   string    `json:"reservedBy"`
	ReservedAt   time.Time `json:"reservedAt"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// mintedMarker is the permanent per-slot record written by Finalize. It
// keeps the consumed background id so a pool rebuild can account for it.
type mintedMarker struct {
	BackgroundID int       `json:"backgroundId"`
	Wallet       string    `json:"wallet"`
	MintedAt     time.Time `json:"mintedAt"`
}

const (
	defaultSlotCount       = 100
	defaultBackgroundCount = 50
	defaultReservationTTL  = 5 * time.Minute
)

type AllocatorConfig struct {
	Logger *slog.Logger
	Store  store.Store
	Clock  clockwork.Clock

	// SlotCount is the number of mintable serials, ids 1..SlotCount.
	SlotCount int
	// BackgroundCount is the number of distinct background variants,
	// ids 0..BackgroundCount-1. Must divide SlotCount evenly.
	BackgroundCount int
	// ReservationTTL bounds how long a reservation stays exclusive
	// without a finalize or release.
	ReservationTTL time.Duration
}

func (cfg *AllocatorConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.SlotCount == 0 {
		cfg.SlotCount = defaultSlotCount
	}
	if cfg.BackgroundCount == 0 {
		cfg.BackgroundCount = defaultBackgroundCount
	}
	if cfg.SlotCount < 1 || cfg.BackgroundCount < 1 {
		return errors.New("slot count and background count must be positive")
	}
	if cfg.SlotCount%cfg.BackgroundCount != 0 {
		return errors.New("slot count must be a multiple of background count")
	}
	if cfg.ReservationTTL <= 0 {
		cfg.ReservationTTL = defaultReservationTTL
	}
	return nil
}

type Allocator struct {
	log *slog.Logger
	cfg AllocatorConfig
}

// NewAllocator validates the config and seeds the background pool and hint
// pointer if this is the first process to touch the store.
func NewAllocator(ctx context.Context, cfg AllocatorConfig) (*Allocator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a := &Allocator{
		log: cfg.Logger,
		cfg: cfg,
	}
	if err := a.seedPool(ctx); err != nil {
		return nil, fmt.Errorf("failed to seed background pool: %w", err)
	}
	return a, nil
}

func (a *Allocator) seedPool(ctx context.Context) error {
	return a.cfg.Store.Update(ctx, func(tx store.Txn) error {
		raw, err := json.Marshal(freshPool(a.cfg.SlotCount, a.cfg.BackgroundCount))
		if err != nil {
			return err
		}
		if _, err := tx.SetNX(backgroundPoolKey, raw, 0); err != nil {
			return err
		}
		_, err = tx.SetNX(nextSlotHintKey, []byte("1"), 0)
		return err
	})
}

// Reserve grants wallet an exclusive (slot, background) pair. Idempotent:
// a wallet holding a live reservation gets it back unchanged. Fails with
// ErrSoldOut when a full scan finds nothing allocatable, or
// ErrPoolCorrupted after a pool self-heal.
func (a *Allocator) Reserve(ctx context.Context, wallet string) (*SlotRecord, error) {
	if wallet == "" {
		return nil, errors.New("wallet is required")
	}

	existing, err := a.existingReservation(ctx, wallet)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	hint, err := a.readHint(ctx)
	if err != nil {
		return nil, err
	}

	// Scan candidate slots starting at the hint, wrapping the full id
	// space at most once.
	for i := range a.cfg.SlotCount {
		slotID := (hint-1+i)%a.cfg.SlotCount + 1
		rec, err := a.tryReserveSlot(ctx, slotID, wallet)
		switch {
		case err == nil:
			a.log.Debug("mint: reserved slot",
				"slot", rec.SlotID, "background", rec.BackgroundID, "wallet", wallet)
			return rec, nil
		case errors.Is(err, errSlotUnavailable):
			continue
		case errors.Is(err, errPoolDrained):
			// An expired reservation later in the scan can still
			// free a token, so keep going.
			continue
		case errors.Is(err, errPoolInvalid):
			if healErr := a.rebuildPool(ctx); healErr != nil {
				return nil, fmt.Errorf("failed to rebuild background pool: %w", healErr)
			}
			return nil, ErrPoolCorrupted
		default:
			return nil, err
		}
	}
	return nil, ErrSoldOut
}

// existingReservation follows the wallet pointer to a live reservation, or
// returns nil if the wallet holds nothing active.
func (a *Allocator) existingReservation(ctx context.Context, wallet string) (*SlotRecord, error) {
	var rec *SlotRecord
	err := a.cfg.Store.View(ctx, func(tx store.Txn) error {
		raw, err := tx.Get(walletSlotKey(wallet))
		if err != nil {
			if errors.Is(err, store.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		slotID, err := strconv.Atoi(string(raw))
		if err != nil {
			return nil
		}
		r, err := a.reservation(tx, slotID)
		if err != nil {
			return err
		}
		if r == nil || r.ReservedBy != wallet || a.expired(r) {
			return nil
		}
		rec = r
		return nil
	})
	return rec, err
}

// tryReserveSlot attempts one candidate slot as a single atomic script:
// skip if minted or actively reserved, reclaim an expired reservation
// (returning its token to the pool), then pop a token and write the new
// record, wallet pointer, and hint together.
func (a *Allocator) tryReserveSlot(ctx context.Context, slotID int, wallet string) (*SlotRecord, error) {
	var rec *SlotRecord
	err := a.cfg.Store.Update(ctx, func(tx store.Txn) error {
		rec = nil
		if _, err := tx.Get(slotMintedKey(slotID)); err == nil {
			return errSlotUnavailable
		} else if !errors.Is(err, store.ErrKeyNotFound) {
			return err
		}

		prev, err := a.reservation(tx, slotID)
		if err != nil {
			return err
		}
		pool, err := a.loadPool(tx)
		if err != nil {
			return err
		}
		if prev != nil {
			if !a.expired(prev) {
				return errSlotUnavailable
			}
			// Lazy reclamation. The delete and the token return
			// commit together, so concurrent observers of the same
			// expiry cannot both return the token.
			if err := tx.Delete(slotReservationKey(slotID)); err != nil {
				return err
			}
			if err := a.clearWalletPointer(tx, prev.ReservedBy, slotID); err != nil {
				return err
			}
			pool = append(pool, prev.BackgroundID)
		}
		if len(pool) == 0 {
			return errPoolDrained
		}

		backgroundID := pool[0]
		pool = pool[1:]
		if err := a.savePool(tx, pool); err != nil {
			return err
		}

		now := a.cfg.Clock.Now().UTC()
		rec = &SlotRecord{
			SlotID:       slotID,
			BackgroundID: backgroundID,
			ReservedBy:   wallet,
			ReservedAt:   now,
			ExpiresAt:    now.Add(a.cfg.ReservationTTL),
		}
		raw, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		// The record carries its expiry logically rather than as a
		// store TTL: a physically evicted record would take its
		// background token with it.
		if err := tx.Set(slotReservationKey(slotID), raw, 0); err != nil {
			return err
		}
		if err := tx.Set(walletSlotKey(wallet), []byte(strconv.Itoa(slotID)), a.cfg.ReservationTTL); err != nil {
			return err
		}
		return a.writeHint(tx, slotID)
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Release drops the reservation for slotID, if any, and returns its
// background token to the pool. Idempotent; called by the mint pipeline on
// any failure after a successful Reserve.
func (a *Allocator) Release(ctx context.Context, slotID int) error {
	if err := a.checkSlotID(slotID); err != nil {
		return err
	}
	err := a.cfg.Store.Update(ctx, func(tx store.Txn) error {
		rec, err := a.reservation(tx, slotID)
		if err != nil {
			return err
		}
		if rec == nil {
			return nil
		}
		if err := tx.Delete(slotReservationKey(slotID)); err != nil {
			return err
		}
		if err := a.clearWalletPointer(tx, rec.ReservedBy, slotID); err != nil {
			return err
		}
		pool, err := a.loadPool(tx)
		if err != nil {
			return err
		}
		pool = append(pool, rec.BackgroundID)
		if err := a.savePool(tx, pool); err != nil {
			return err
		}
		hint, err := a.readHintTx(tx)
		if err != nil {
			return err
		}
		if hint > slotID {
			return a.writeHint(tx, slotID)
		}
		return nil
	})
	if errors.Is(err, errPoolInvalid) {
		if healErr := a.rebuildPool(ctx); healErr != nil {
			return fmt.Errorf("failed to rebuild background pool: %w", healErr)
		}
		return ErrPoolCorrupted
	}
	return err
}

// Finalize permanently consumes slotID after a confirmed mint: the minted
// marker is written forever, the reservation and wallet pointer are
// removed, and the background token is not returned. A second call against
// an already-minted slot is a no-op.
func (a *Allocator) Finalize(ctx context.Context, slotID int) error {
	if err := a.checkSlotID(slotID); err != nil {
		return err
	}
	return a.cfg.Store.Update(ctx, func(tx store.Txn) error {
		if _, err := tx.Get(slotMintedKey(slotID)); err == nil {
			return nil
		} else if !errors.Is(err, store.ErrKeyNotFound) {
			return err
		}

		rec, err := a.reservation(tx, slotID)
		if err != nil {
			return err
		}
		if rec == nil || a.expired(rec) {
			return fmt.Errorf("slot %d: %w", slotID, ErrStaleReservation)
		}

		marker := mintedMarker{
			BackgroundID: rec.BackgroundID,
			Wallet:       rec.ReservedBy,
			MintedAt:     a.cfg.Clock.Now().UTC(),
		}
		raw, err := json.Marshal(marker)
		if err != nil {
			return err
		}
		if err := tx.Set(slotMintedKey(slotID), raw, 0); err != nil {
			return err
		}
		if err := tx.Delete(slotReservationKey(slotID)); err != nil {
			return err
		}
		if err := tx.Delete(walletSlotKey(rec.ReservedBy)); err != nil {
			return err
		}
		return a.advanceHintPastMinted(tx)
	})
}

// advanceHintPastMinted moves the hint past any contiguous run of minted
// ids starting at the current hint, so future scans skip straight to
// plausibly-free territory.
func (a *Allocator) advanceHintPastMinted(tx store.Txn) error {
	hint, err := a.readHintTx(tx)
	if err != nil {
		return err
	}
	moved := false
	// The marker written earlier in this script is visible here: the
	// store transaction reads its own pending writes.
	for range a.cfg.SlotCount {
		if _, err := tx.Get(slotMintedKey(hint)); err != nil {
			if errors.Is(err, store.ErrKeyNotFound) {
				break
			}
			return err
		}
		hint = hint%a.cfg.SlotCount + 1
		moved = true
	}
	if !moved {
		return nil
	}
	return a.writeHint(tx, hint)
}

// rebuildPool reconstructs the background pool from the full multiset minus
// every minted and live reservation, deleting expired reservations along
// the way, and resets the hint. Runs as its own committing script - the
// triggering call still reports ErrPoolCorrupted.
func (a *Allocator) rebuildPool(ctx context.Context) error {
	a.log.Warn("mint: background pool failed validation, rebuilding")
	return a.cfg.Store.Update(ctx, func(tx store.Txn) error {
		multiplicity := a.cfg.SlotCount / a.cfg.BackgroundCount
		counts := make([]int, a.cfg.BackgroundCount)
		for i := range counts {
			counts[i] = multiplicity
		}

		consume := func(backgroundID int) {
			if backgroundID >= 0 && backgroundID < a.cfg.BackgroundCount && counts[backgroundID] > 0 {
				counts[backgroundID]--
			}
		}

		for slotID := 1; slotID <= a.cfg.SlotCount; slotID++ {
			if raw, err := tx.Get(slotMintedKey(slotID)); err == nil {
				var marker mintedMarker
				if err := json.Unmarshal(raw, &marker); err == nil {
					consume(marker.BackgroundID)
				}
				continue
			} else if !errors.Is(err, store.ErrKeyNotFound) {
				return err
			}

			rec, err := a.reservation(tx, slotID)
			if err != nil {
				return err
			}
			if rec == nil {
				continue
			}
			if a.expired(rec) {
				if err := tx.Delete(slotReservationKey(slotID)); err != nil {
					return err
				}
				if err := a.clearWalletPointer(tx, rec.ReservedBy, slotID); err != nil {
					return err
				}
				continue
			}
			consume(rec.BackgroundID)
		}

		pool := make([]int, 0, a.cfg.SlotCount)
		for id, n := range counts {
			for range n {
				pool = append(pool, id)
			}
		}
		shufflePool(pool)
		if err := a.savePool(tx, pool); err != nil {
			return err
		}
		return a.writeHint(tx, 1)
	})
}

// clearWalletPointer removes the wallet pointer only while it still names
// slotID. A wallet whose old reservation expired may have re-reserved a
// different slot before anyone reclaimed the stale record; its pointer then
// names the live reservation and must survive the reclamation.
func (a *Allocator) clearWalletPointer(tx store.Txn, wallet string, slotID int) error {
	raw, err := tx.Get(walletSlotKey(wallet))
	if err != nil {
		if errors.Is(err, store.ErrKeyNotFound) {
			return nil
		}
		return err
	}
	if string(raw) != strconv.Itoa(slotID) {
		return nil
	}
	return tx.Delete(walletSlotKey(wallet))
}

// reservation decodes the record for slotID, nil when absent. Undecodable
// records are treated as absent: they hold no recoverable token.
func (a *Allocator) reservation(tx store.Txn, slotID int) (*SlotRecord, error) {
	raw, err := tx.Get(slotReservationKey(slotID))
	if err != nil {
		if errors.Is(err, store.ErrKeyNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var rec SlotRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		a.log.Warn("mint: discarding undecodable slot record", "slot", slotID, "error", err)
		return nil, nil
	}
	return &rec, nil
}

func (a *Allocator) expired(rec *SlotRecord) bool {
	return a.cfg.Clock.Now().After(rec.ExpiresAt)
}

func (a *Allocator) checkSlotID(slotID int) error {
	if slotID < 1 || slotID > a.cfg.SlotCount {
		return fmt.Errorf("slot id %d out of range [1,%d]", slotID, a.cfg.SlotCount)
	}
	return nil
}

func (a *Allocator) readHint(ctx context.Context) (int, error) {
	hint := 1
	err := a.cfg.Store.View(ctx, func(tx store.Txn) error {
		h, err := a.readHintTx(tx)
		if err != nil {
			return err
		}
		hint = h
		return nil
	})
	return hint, err
}

func (a *Allocator) readHintTx(tx store.Txn) (int, error) {
	raw, err := tx.Get(nextSlotHintKey)
	if err != nil {
		if errors.Is(err, store.ErrKeyNotFound) {
			return 1, nil
		}
		return 0, err
	}
	h, err := strconv.Atoi(string(raw))
	if err != nil || h < 1 || h > a.cfg.SlotCount {
		return 1, nil
	}
	return h, nil
}

func (a *Allocator) writeHint(tx store.Txn, hint int) error {
	return tx.Set(nextSlotHintKey, []byte(strconv.Itoa(hint)), 0)
}
