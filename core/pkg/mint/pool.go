package mint

import (
	"encoding/json"
	"errors"
	"math/rand/v2"

	"github.com/malbeclabs/bingo/core/pkg/metrics"
	"github.com/malbeclabs/bingo/core/pkg/store"
)

// errPoolInvalid is an internal signal that the persisted background pool is
// structurally broken and must be rebuilt. Callers translate it into
// ErrPoolCorrupted after the self-heal commits.
var errPoolInvalid = errors.New("background pool is structurally invalid")

// freshPool builds the initial token multiset: every background id appears
// slotCount/backgroundCount times, shuffled so consecutive mints don't walk
// the ids in order.
func freshPool(slotCount, backgroundCount int) []int {
	multiplicity := slotCount / backgroundCount
	pool := make([]int, 0, slotCount)
	for id := range backgroundCount {
		for range multiplicity {
			pool = append(pool, id)
		}
	}
	shufflePool(pool)
	return pool
}

func shufflePool(pool []int) {
	rand.Shuffle(len(pool), func(i, j int) {
		pool[i], pool[j] = pool[j], pool[i]
	})
}

// loadPool reads and validates the background pool inside a script. A
// missing pool is invalid: it is created at allocator construction, so
// absence means someone clobbered it.
func (a *Allocator) loadPool(tx store.Txn) ([]int, error) {
	raw, err := tx.Get(backgroundPoolKey)
	if err != nil {
		if errors.Is(err, store.ErrKeyNotFound) {
			return nil, errPoolInvalid
		}
		return nil, err
	}
	var pool []int
	if err := json.Unmarshal(raw, &pool); err != nil {
		return nil, errPoolInvalid
	}
	if !a.validPool(pool) {
		return nil, errPoolInvalid
	}
	return pool, nil
}

func (a *Allocator) savePool(tx store.Txn, pool []int) error {
	raw, err := json.Marshal(pool)
	if err != nil {
		return err
	}
	if err := tx.Set(backgroundPoolKey, raw, 0); err != nil {
		return err
	}
	// Slightly optimistic under conflict retries, converges on commit.
	metrics.PoolTokensRemaining.Set(float64(len(pool)))
	return nil
}

func (a *Allocator) validPool(pool []int) bool {
	if len(pool) > a.cfg.SlotCount {
		return false
	}
	multiplicity := a.cfg.SlotCount / a.cfg.BackgroundCount
	seen := make(map[int]int, a.cfg.BackgroundCount)
	for _, id := range pool {
		if id < 0 || id >= a.cfg.BackgroundCount {
			return false
		}
		seen[id]++
		if seen[id] > multiplicity {
			return false
		}
	}
	return true
}
