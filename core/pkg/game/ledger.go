package game

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/bingo/core/pkg/store"
)

const (
	gameStateKey = "gameState"

	// signatureTTL bounds the replay-protection window: a payment
	// signature funds at most one entry while its marker lives.
	signatureTTL = 14 * 24 * time.Hour

	// amountTolerance absorbs float representation noise when comparing
	// a paid total against fee x card count.
	amountTolerance = 1e-6

	minCallableNumber = 1
	maxCallableNumber = 75
)

func usedSignatureKey(sig string) string {
	return "usedSignature:" + sig
}

var (
	// ErrReplayRejected means the payment signature already funded an
	// entry.
	ErrReplayRejected = errors.New("signature already used")

	ErrNotOpen            = errors.New("game is not open for entries")
	ErrAlreadyEntered     = errors.New("wallet already entered this game")
	ErrCardAlreadyEntered = errors.New("card already entered this game")
	ErrAmountMismatch     = errors.New("paid amount does not match fee")

	ErrNotClaimable = errors.New("game is not accepting win claims")
	ErrCardNotOwned = errors.New("card does not belong to wallet's entry")
	ErrAlreadyWon   = errors.New("card already has a winner")

	ErrBadTransition = errors.New("invalid status transition")
)

// FoundersChecker reports whether a wallet holds a founders card, which
// earns the bonus share on a win. Consulted before the claim script runs.
type FoundersChecker interface {
	IsFounders(ctx context.Context, wallet string) (bool, error)
}

type LedgerConfig struct {
	Logger *slog.Logger
	Store  store.Store
	Clock  clockwork.Clock

	// Defaults for the very first game record.
	DefaultEntryFeeSol float64
	DefaultGameType    Type

	// CloseNextStatus is the status the freshly-rolled game lands in
	// after a close-next: the roll itself (jackpot forward, game number
	// up) always happens, but whether the new game opens for entries
	// immediately is an operator decision.
	CloseNextStatus Status

	// Founders is optional; when nil every winner is a regular winner.
	Founders FoundersChecker
}

func (cfg *LedgerConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.DefaultEntryFeeSol <= 0 {
		cfg.DefaultEntryFeeSol = 0.05
	}
	if cfg.DefaultGameType == "" {
		cfg.DefaultGameType = TypeStandard
	}
	if cfg.CloseNextStatus == "" {
		cfg.CloseNextStatus = StatusClosed
	}
	if !cfg.CloseNextStatus.Valid() {
		return fmt.Errorf("invalid close-next status %q", cfg.CloseNextStatus)
	}
	return nil
}

// Ledger maintains the one live game record. Enter and Claim run as atomic
// scripts so their compound invariants hold against a single snapshot;
// admin transitions are plain read-modify-write, which is fine for
// operator-issued traffic.
type Ledger struct {
	log *slog.Logger
	cfg LedgerConfig
}

func NewLedger(ctx context.Context, cfg LedgerConfig) (*Ledger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	l := &Ledger{
		log: cfg.Logger,
		cfg: cfg,
	}
	if err := l.seed(ctx); err != nil {
		return nil, fmt.Errorf("failed to seed game state: %w", err)
	}
	return l, nil
}

func (l *Ledger) seed(ctx context.Context) error {
	initial := l.freshState(1, 0, l.cfg.DefaultGameType, l.cfg.DefaultEntryFeeSol, StatusClosed)
	raw, err := json.Marshal(initial)
	if err != nil {
		return err
	}
	_, err = l.cfg.Store.SetNX(ctx, gameStateKey, raw, 0)
	return err
}

func (l *Ledger) freshState(number int, progressive float64, typ Type, fee float64, status Status) *State {
	return &State{
		GameID:             uuid.NewString(),
		GameNumber:         number,
		GameType:           typ,
		Status:             status,
		EntryFeeSol:        fee,
		CalledNumbers:      []int{},
		Entries:            []Entry{},
		Winners:            []Winner{},
		ProgressiveJackpot: progressive,
		CurrentGameJackpot: 0,
		UpdatedAt:          l.cfg.Clock.Now().UTC(),
		Version:            0,
	}
}

// Load returns the latest committed game state.
func (l *Ledger) Load(ctx context.Context) (*State, error) {
	raw, err := l.cfg.Store.Get(ctx, gameStateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load game state: %w", err)
	}
	var st State
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("failed to decode game state: %w", err)
	}
	return &st, nil
}

// Enter records a paid entry. The whole compound check-and-append runs as
// one atomic script: the signature marker claim, the status check, the
// per-wallet and per-card uniqueness checks, the amount check, and the
// append with its jackpot recompute all commit together or not at all.
// Payment verification against the chain happens before this call; the
// signature marker closes the race that leaves open.
func (l *Ledger) Enter(ctx context.Context, wallet, signature string, totalSol float64, cardIDs []string) (*State, error) {
	if wallet == "" || signature == "" {
		return nil, errors.New("wallet and signature are required")
	}
	if len(cardIDs) == 0 {
		return nil, errors.New("at least one card is required")
	}
	seen := make(map[string]struct{}, len(cardIDs))
	for _, id := range cardIDs {
		if id == "" {
			return nil, errors.New("empty card id")
		}
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("card %s: %w", id, ErrCardAlreadyEntered)
		}
		seen[id] = struct{}{}
	}

	var updated *State
	err := l.cfg.Store.Update(ctx, func(tx store.Txn) error {
		ok, err := tx.SetNX(usedSignatureKey(signature), []byte(wallet), signatureTTL)
		if err != nil {
			return err
		}
		if !ok {
			return ErrReplayRejected
		}

		st, err := l.readState(tx)
		if err != nil {
			return err
		}
		if st.Status != StatusOpen {
			return ErrNotOpen
		}
		if st.EntryFor(wallet) != nil {
			return ErrAlreadyEntered
		}
		for _, id := range cardIDs {
			if st.HasCard(id) {
				return fmt.Errorf("card %s: %w", id, ErrCardAlreadyEntered)
			}
		}
		expected := st.EntryFeeSol * float64(len(cardIDs))
		if math.Abs(totalSol-expected) > amountTolerance {
			return fmt.Errorf("paid %v, expected %v: %w", totalSol, expected, ErrAmountMismatch)
		}

		st.Entries = append(st.Entries, Entry{
			Wallet:    wallet,
			CardIDs:   cardIDs,
			Signature: signature,
			TotalSol:  totalSol,
			Ts:        l.cfg.Clock.Now().UTC(),
		})
		st.CurrentGameJackpot = st.Pots().CurrentGameJackpot
		if err := l.writeState(tx, st); err != nil {
			return err
		}
		updated = st
		return nil
	})
	if err != nil {
		return nil, err
	}
	l.log.Info("game: entry recorded",
		"wallet", wallet, "cards", len(cardIDs), "game", updated.GameNumber)
	return updated, nil
}

// Claim records a win for cardID. It runs under the same atomic-script
// discipline as Enter, so two simultaneous claims on the same card resolve
// to exactly one winner row.
func (l *Ledger) Claim(ctx context.Context, wallet, cardID string) (*State, error) {
	if wallet == "" || cardID == "" {
		return nil, errors.New("wallet and card id are required")
	}

	// The founders lookup may hit external state, so it stays outside
	// the script.
	isFounders := false
	if l.cfg.Founders != nil {
		var err error
		isFounders, err = l.cfg.Founders.IsFounders(ctx, wallet)
		if err != nil {
			return nil, fmt.Errorf("failed to check founders status: %w", err)
		}
	}

	var updated *State
	err := l.cfg.Store.Update(ctx, func(tx store.Txn) error {
		st, err := l.readState(tx)
		if err != nil {
			return err
		}
		if st.Status != StatusLocked && st.Status != StatusPaused {
			return ErrNotClaimable
		}
		entry := st.EntryFor(wallet)
		if entry == nil {
			return ErrCardNotOwned
		}
		owned := false
		for _, id := range entry.CardIDs {
			if id == cardID {
				owned = true
				break
			}
		}
		if !owned {
			return ErrCardNotOwned
		}
		if st.WinnerFor(cardID) != nil {
			return ErrAlreadyWon
		}

		st.Winners = append(st.Winners, Winner{
			CardID:     cardID,
			Wallet:     wallet,
			IsFounders: isFounders,
			Ts:         l.cfg.Clock.Now().UTC(),
		})
		if err := l.writeState(tx, st); err != nil {
			return err
		}
		updated = st
		return nil
	})
	if err != nil {
		return nil, err
	}
	l.log.Info("game: winner recorded",
		"wallet", wallet, "card", cardID, "founders", isFounders)
	return updated, nil
}

// Admin transitions. These are plain read-modify-write against the
// singleton record; operator calls are rare relative to player traffic and
// do not need the script's compound-invariant protection.

func (l *Ledger) NewGame(ctx context.Context) (*State, error) {
	return l.adminUpdate(ctx, func(st *State) (*State, error) {
		if st.Status != StatusClosed && st.Status != StatusEnded {
			return nil, fmt.Errorf("new game from %s: %w", st.Status, ErrBadTransition)
		}
		next := l.freshState(st.GameNumber+1, st.ProgressiveJackpot, st.GameType, st.EntryFeeSol, StatusOpen)
		next.Version = st.Version
		return next, nil
	})
}

func (l *Ledger) Lock(ctx context.Context) (*State, error) {
	return l.transition(ctx, StatusLocked, StatusOpen)
}

func (l *Ledger) Pause(ctx context.Context) (*State, error) {
	return l.transition(ctx, StatusPaused, StatusLocked)
}

// Resume returns a paused game to LOCKED, not OPEN: entries never reopen
// mid-game.
func (l *Ledger) Resume(ctx context.Context) (*State, error) {
	return l.transition(ctx, StatusLocked, StatusPaused)
}

func (l *Ledger) End(ctx context.Context) (*State, error) {
	return l.transition(ctx, StatusEnded, StatusLocked, StatusPaused)
}

// CloseNext folds the current game's jackpot contribution into the
// progressive balance and rolls a fresh game with the next number. The
// fresh game's status comes from config; by default it stays CLOSED until
// an explicit NewGame opens it.
func (l *Ledger) CloseNext(ctx context.Context) (*State, error) {
	return l.adminUpdate(ctx, func(st *State) (*State, error) {
		next := l.freshState(st.GameNumber+1, st.ProgressiveJackpot+st.CurrentGameJackpot, st.GameType, st.EntryFeeSol, l.cfg.CloseNextStatus)
		next.Version = st.Version
		return next, nil
	})
}

func (l *Ledger) ResetJackpot(ctx context.Context) (*State, error) {
	return l.adminUpdate(ctx, func(st *State) (*State, error) {
		st.ProgressiveJackpot = 0
		return st, nil
	})
}

// CallNumber appends n to the called sequence with set semantics: calling
// an already-called number is rejected rather than duplicated.
func (l *Ledger) CallNumber(ctx context.Context, n int) (*State, error) {
	if n < minCallableNumber || n > maxCallableNumber {
		return nil, fmt.Errorf("number %d out of range [%d,%d]", n, minCallableNumber, maxCallableNumber)
	}
	return l.adminUpdate(ctx, func(st *State) (*State, error) {
		if st.Called(n) {
			return nil, fmt.Errorf("number %d already called", n)
		}
		st.CalledNumbers = append(st.CalledNumbers, n)
		return st, nil
	})
}

// UndoNumber drops the most recently called number. No-op on an empty
// sequence.
func (l *Ledger) UndoNumber(ctx context.Context) (*State, error) {
	return l.adminUpdate(ctx, func(st *State) (*State, error) {
		if len(st.CalledNumbers) > 0 {
			st.CalledNumbers = st.CalledNumbers[:len(st.CalledNumbers)-1]
		}
		return st, nil
	})
}

func (l *Ledger) SetType(ctx context.Context, typ Type) (*State, error) {
	if _, err := ParseType(string(typ)); err != nil {
		return nil, err
	}
	return l.adminUpdate(ctx, func(st *State) (*State, error) {
		st.GameType = typ
		return st, nil
	})
}

func (l *Ledger) SetFee(ctx context.Context, feeSol float64) (*State, error) {
	if feeSol <= 0 {
		return nil, errors.New("entry fee must be positive")
	}
	return l.adminUpdate(ctx, func(st *State) (*State, error) {
		st.EntryFeeSol = feeSol
		return st, nil
	})
}

func (l *Ledger) transition(ctx context.Context, to Status, from ...Status) (*State, error) {
	return l.adminUpdate(ctx, func(st *State) (*State, error) {
		for _, f := range from {
			if st.Status == f {
				st.Status = to
				return st, nil
			}
		}
		return nil, fmt.Errorf("%s from %s: %w", to, st.Status, ErrBadTransition)
	})
}

// adminUpdate is the plain read-modify-write path: load, apply, bump
// version, persist. fn may return a replacement state (game rolls) or
// mutate in place.
func (l *Ledger) adminUpdate(ctx context.Context, fn func(st *State) (*State, error)) (*State, error) {
	st, err := l.Load(ctx)
	if err != nil {
		return nil, err
	}
	next, err := fn(st)
	if err != nil {
		return nil, err
	}
	next.Version++
	next.UpdatedAt = l.cfg.Clock.Now().UTC()
	raw, err := json.Marshal(next)
	if err != nil {
		return nil, err
	}
	if err := l.cfg.Store.Set(ctx, gameStateKey, raw, 0); err != nil {
		return nil, fmt.Errorf("failed to persist game state: %w", err)
	}
	return next, nil
}

func (l *Ledger) readState(tx store.Txn) (*State, error) {
	raw, err := tx.Get(gameStateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load game state: %w", err)
	}
	var st State
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("failed to decode game state: %w", err)
	}
	return &st, nil
}

func (l *Ledger) writeState(tx store.Txn, st *State) error {
	st.Version++
	st.UpdatedAt = l.cfg.Clock.Now().UTC()
	raw, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return tx.Set(gameStateKey, raw, 0)
}
