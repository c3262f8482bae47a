package mint

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/bingo/core/pkg/store"
	bingotesting "github.com/malbeclabs/bingo/utils/pkg/testing"
	"github.com/stretchr/testify/require"
)

func testAllocator(t *testing.T, clock clockwork.Clock, slotCount, backgroundCount int) (*Allocator, *store.Badger) {
	t.Helper()
	s, err := store.NewBadger(store.BadgerConfig{
		Logger:   bingotesting.NewLogger(),
		InMemory: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, s.Close())
	})

	a, err := NewAllocator(t.Context(), AllocatorConfig{
		Logger:          bingotesting.NewLogger(),
		Store:           s,
		Clock:           clock,
		SlotCount:       slotCount,
		BackgroundCount: backgroundCount,
	})
	require.NoError(t, err)
	return a, s
}

func poolTokens(t *testing.T, s *store.Badger) []int {
	t.Helper()
	raw, err := s.Get(context.Background(), backgroundPoolKey)
	require.NoError(t, err)
	var pool []int
	require.NoError(t, json.Unmarshal(raw, &pool))
	return pool
}

func TestBingo_Mint_Reserve(t *testing.T) {
	t.Parallel()

	t.Run("seeds a full pool with exact multiplicity", func(t *testing.T) {
		t.Parallel()
		_, s := testAllocator(t, clockwork.NewFakeClock(), 100, 50)

		pool := poolTokens(t, s)
		require.Len(t, pool, 100)
		counts := map[int]int{}
		for _, id := range pool {
			counts[id]++
		}
		require.Len(t, counts, 50)
		for id, n := range counts {
			require.Equal(t, 2, n, "background %d", id)
		}
	})

	t.Run("grants a slot and records the wallet pointer", func(t *testing.T) {
		t.Parallel()
		clock := clockwork.NewFakeClock()
		a, s := testAllocator(t, clock, 10, 5)

		rec, err := a.Reserve(t.Context(), "walletA")
		require.NoError(t, err)
		require.GreaterOrEqual(t, rec.SlotID, 1)
		require.LessOrEqual(t, rec.SlotID, 10)
		require.GreaterOrEqual(t, rec.BackgroundID, 0)
		require.Less(t, rec.BackgroundID, 5)
		require.Equal(t, "walletA", rec.ReservedBy)
		require.Equal(t, clock.Now().UTC().Add(5*time.Minute), rec.ExpiresAt)

		// One token left the pool.
		require.Len(t, poolTokens(t, s), 9)
	})

	t.Run("is idempotent per wallet", func(t *testing.T) {
		t.Parallel()
		a, s := testAllocator(t, clockwork.NewFakeClock(), 10, 5)

		first, err := a.Reserve(t.Context(), "walletA")
		require.NoError(t, err)
		second, err := a.Reserve(t.Context(), "walletA")
		require.NoError(t, err)
		require.Equal(t, first, second)
		require.Len(t, poolTokens(t, s), 9, "repeat reserve must not consume another token")
	})

	t.Run("exactly capacity succeed under concurrency, rest are sold out", func(t *testing.T) {
		t.Parallel()
		const slots = 10
		a, _ := testAllocator(t, clockwork.NewFakeClock(), slots, 5)

		const wallets = 30
		recs := make([]*SlotRecord, wallets)
		errs := make([]error, wallets)
		var wg sync.WaitGroup
		for i := range wallets {
			wg.Go(func() {
				recs[i], errs[i] = a.Reserve(context.Background(), fmt.Sprintf("wallet-%d", i))
			})
		}
		wg.Wait()

		granted := map[int]string{}
		soldOut := 0
		for i := range wallets {
			if errs[i] != nil {
				require.ErrorIs(t, errs[i], ErrSoldOut)
				soldOut++
				continue
			}
			prev, dup := granted[recs[i].SlotID]
			require.False(t, dup, "slot %d granted to both %s and wallet-%d", recs[i].SlotID, prev, i)
			granted[recs[i].SlotID] = fmt.Sprintf("wallet-%d", i)
		}
		require.Len(t, granted, slots)
		require.Equal(t, wallets-slots, soldOut)
	})

	t.Run("never exceeds a background's multiplicity", func(t *testing.T) {
		t.Parallel()
		a, _ := testAllocator(t, clockwork.NewFakeClock(), 10, 5)

		counts := map[int]int{}
		for i := range 10 {
			rec, err := a.Reserve(t.Context(), fmt.Sprintf("wallet-%d", i))
			require.NoError(t, err)
			counts[rec.BackgroundID]++
		}
		for id, n := range counts {
			require.LessOrEqual(t, n, 2, "background %d over-allocated", id)
		}
	})

	t.Run("reclaims an expired reservation for a new wallet", func(t *testing.T) {
		t.Parallel()
		clock := clockwork.NewFakeClock()
		a, s := testAllocator(t, clock, 1, 1)

		first, err := a.Reserve(t.Context(), "walletA")
		require.NoError(t, err)
		require.Equal(t, 1, first.SlotID)

		// Still held while the lease is live.
		_, err = a.Reserve(t.Context(), "walletB")
		require.ErrorIs(t, err, ErrSoldOut)

		clock.Advance(5*time.Minute + time.Second)

		second, err := a.Reserve(t.Context(), "walletB")
		require.NoError(t, err)
		require.Equal(t, 1, second.SlotID)
		require.Equal(t, "walletB", second.ReservedBy)

		// Token conservation: one outstanding reservation, empty pool.
		require.Empty(t, poolTokens(t, s))
	})

	t.Run("reclaiming a stale record keeps a re-reserved wallet's live slot", func(t *testing.T) {
		t.Parallel()
		clock := clockwork.NewFakeClock()
		a, s := testAllocator(t, clock, 4, 2)

		first, err := a.Reserve(t.Context(), "walletA")
		require.NoError(t, err)
		require.Equal(t, 1, first.SlotID)
		_, err = a.Reserve(t.Context(), "walletB")
		require.NoError(t, err)

		clock.Advance(5*time.Minute + time.Second)

		// walletA re-reserves after expiry; the scan starts past slot 1,
		// so it lands on a different slot while its stale record still
		// sits at slot 1.
		second, err := a.Reserve(t.Context(), "walletA")
		require.NoError(t, err)
		require.NotEqual(t, first.SlotID, second.SlotID)

		_, err = a.Reserve(t.Context(), "walletC")
		require.NoError(t, err)
		_, err = a.Reserve(t.Context(), "walletD")
		require.NoError(t, err)

		// walletE's scan reaches slot 1 and reclaims walletA's stale
		// record. walletA's pointer names its live slot and must survive.
		fifth, err := a.Reserve(t.Context(), "walletE")
		require.NoError(t, err)
		require.Equal(t, first.SlotID, fifth.SlotID)

		again, err := a.Reserve(t.Context(), "walletA")
		require.NoError(t, err)
		require.Equal(t, second, again, "walletA must get its live reservation back")
		require.Empty(t, poolTokens(t, s))
	})

	t.Run("expired token is returned exactly once under concurrent observers", func(t *testing.T) {
		t.Parallel()
		clock := clockwork.NewFakeClock()
		a, s := testAllocator(t, clock, 2, 2)

		_, err := a.Reserve(t.Context(), "walletA")
		require.NoError(t, err)
		clock.Advance(5*time.Minute + time.Second)

		errs := make([]error, 8)
		var wg sync.WaitGroup
		for i := range 8 {
			wg.Go(func() {
				_, errs[i] = a.Reserve(context.Background(), fmt.Sprintf("racer-%d", i))
			})
		}
		wg.Wait()
		for _, err := range errs {
			if err != nil {
				require.ErrorIs(t, err, ErrSoldOut)
			}
		}

		// Both slots end up reserved; pool plus outstanding still adds
		// up to the initial token count.
		pool := poolTokens(t, s)
		outstanding := 0
		for slotID := 1; slotID <= 2; slotID++ {
			raw, err := s.Get(context.Background(), slotReservationKey(slotID))
			if err == nil {
				var rec SlotRecord
				require.NoError(t, json.Unmarshal(raw, &rec))
				require.False(t, clock.Now().After(rec.ExpiresAt))
				outstanding++
			} else {
				require.ErrorIs(t, err, store.ErrKeyNotFound)
			}
		}
		require.Equal(t, 2, len(pool)+outstanding)
	})

	t.Run("self-heals a corrupted pool and reports it", func(t *testing.T) {
		t.Parallel()
		a, s := testAllocator(t, clockwork.NewFakeClock(), 10, 5)

		require.NoError(t, s.Set(t.Context(), backgroundPoolKey, []byte(`"nonsense"`), 0))

		_, err := a.Reserve(t.Context(), "walletA")
		require.ErrorIs(t, err, ErrPoolCorrupted)

		// The triggering call failed but repaired state; a retry works.
		rec, err := a.Reserve(t.Context(), "walletA")
		require.NoError(t, err)
		require.NotNil(t, rec)
		require.Len(t, poolTokens(t, s), 9)
	})

	t.Run("rebuild accounts for minted and live reservations", func(t *testing.T) {
		t.Parallel()
		a, s := testAllocator(t, clockwork.NewFakeClock(), 10, 5)

		rec, err := a.Reserve(t.Context(), "walletA")
		require.NoError(t, err)
		require.NoError(t, a.Finalize(t.Context(), rec.SlotID))
		live, err := a.Reserve(t.Context(), "walletB")
		require.NoError(t, err)

		require.NoError(t, s.Set(t.Context(), backgroundPoolKey, []byte(`[999]`), 0))
		_, err = a.Reserve(t.Context(), "walletC")
		require.ErrorIs(t, err, ErrPoolCorrupted)

		// 10 tokens minus one minted minus one live reservation.
		pool := poolTokens(t, s)
		require.Len(t, pool, 8)
		counts := map[int]int{}
		for _, id := range pool {
			counts[id]++
		}
		counts[rec.BackgroundID]++
		counts[live.BackgroundID]++
		for id, n := range counts {
			require.LessOrEqual(t, n, 2, "background %d over-counted after rebuild", id)
		}
	})
}

func TestBingo_Mint_Release(t *testing.T) {
	t.Parallel()

	t.Run("makes the slot reservable again and conserves tokens", func(t *testing.T) {
		t.Parallel()
		a, s := testAllocator(t, clockwork.NewFakeClock(), 10, 5)

		rec, err := a.Reserve(t.Context(), "walletA")
		require.NoError(t, err)
		require.NoError(t, a.Release(t.Context(), rec.SlotID))
		require.Len(t, poolTokens(t, s), 10)

		again, err := a.Reserve(t.Context(), "walletB")
		require.NoError(t, err)
		require.Equal(t, rec.SlotID, again.SlotID)
		require.Equal(t, "walletB", again.ReservedBy)
	})

	t.Run("is idempotent", func(t *testing.T) {
		t.Parallel()
		a, s := testAllocator(t, clockwork.NewFakeClock(), 10, 5)

		rec, err := a.Reserve(t.Context(), "walletA")
		require.NoError(t, err)
		require.NoError(t, a.Release(t.Context(), rec.SlotID))
		require.NoError(t, a.Release(t.Context(), rec.SlotID))
		require.Len(t, poolTokens(t, s), 10, "double release must not duplicate the token")
	})

	t.Run("rejects out of range slot ids", func(t *testing.T) {
		t.Parallel()
		a, _ := testAllocator(t, clockwork.NewFakeClock(), 10, 5)
		require.Error(t, a.Release(t.Context(), 0))
		require.Error(t, a.Release(t.Context(), 11))
	})
}

func TestBingo_Mint_Finalize(t *testing.T) {
	t.Parallel()

	t.Run("permanently consumes the slot and its token", func(t *testing.T) {
		t.Parallel()
		clock := clockwork.NewFakeClock()
		a, s := testAllocator(t, clock, 1, 1)

		rec, err := a.Reserve(t.Context(), "walletA")
		require.NoError(t, err)
		require.NoError(t, a.Finalize(t.Context(), rec.SlotID))

		// Token not returned, slot excluded forever.
		require.Empty(t, poolTokens(t, s))
		_, err = a.Reserve(t.Context(), "walletB")
		require.ErrorIs(t, err, ErrSoldOut)
		clock.Advance(time.Hour)
		_, err = a.Reserve(t.Context(), "walletB")
		require.ErrorIs(t, err, ErrSoldOut)
	})

	t.Run("second finalize of the same slot is a no-op", func(t *testing.T) {
		t.Parallel()
		a, _ := testAllocator(t, clockwork.NewFakeClock(), 10, 5)

		rec, err := a.Reserve(t.Context(), "walletA")
		require.NoError(t, err)
		require.NoError(t, a.Finalize(t.Context(), rec.SlotID))
		require.NoError(t, a.Finalize(t.Context(), rec.SlotID))
	})

	t.Run("fails on an expired reservation", func(t *testing.T) {
		t.Parallel()
		clock := clockwork.NewFakeClock()
		a, _ := testAllocator(t, clock, 10, 5)

		rec, err := a.Reserve(t.Context(), "walletA")
		require.NoError(t, err)
		clock.Advance(5*time.Minute + time.Second)

		err = a.Finalize(t.Context(), rec.SlotID)
		require.ErrorIs(t, err, ErrStaleReservation)
	})

	t.Run("fails when nothing was reserved", func(t *testing.T) {
		t.Parallel()
		a, _ := testAllocator(t, clockwork.NewFakeClock(), 10, 5)
		require.ErrorIs(t, a.Finalize(t.Context(), 3), ErrStaleReservation)
	})

	t.Run("frees the wallet for a fresh reservation", func(t *testing.T) {
		t.Parallel()
		a, _ := testAllocator(t, clockwork.NewFakeClock(), 10, 5)

		first, err := a.Reserve(t.Context(), "walletA")
		require.NoError(t, err)
		require.NoError(t, a.Finalize(t.Context(), first.SlotID))

		second, err := a.Reserve(t.Context(), "walletA")
		require.NoError(t, err)
		require.NotEqual(t, first.SlotID, second.SlotID)
	})
}
