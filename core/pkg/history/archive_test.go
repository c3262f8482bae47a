package history

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/bingo/core/pkg/game"
	bingotesting "github.com/malbeclabs/bingo/utils/pkg/testing"
)

func testArchive(t *testing.T) *Archive {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres container test in short mode")
	}

	log := bingotesting.NewLogger()
	pg, err := bingotesting.NewPostgres(t.Context(), log, nil)
	require.NoError(t, err)
	t.Cleanup(pg.Close)

	require.NoError(t, Migrate(log, pg.ConnStr()))

	archive, err := NewArchive(ArchiveConfig{
		Logger: log,
		Pool:   bingotesting.NewTestPool(t, pg),
	})
	require.NoError(t, err)
	return archive
}

func endedGame(n int) *game.State {
	return &game.State{
		GameID:             "game-" + time.Now().Format("150405"),
		GameNumber:         n,
		GameType:           game.TypeStandard,
		Status:             game.StatusEnded,
		EntryFeeSol:        0.05,
		CalledNumbers:      []int{7, 23, 44},
		Entries: []game.Entry{
			{Wallet: "walletA", CardIDs: []string{"c1", "c2"}, Signature: "sigA", TotalSol: 0.1, Ts: time.Now().UTC().Truncate(time.Second)},
		},
		Winners: []game.Winner{
			{CardID: "c1", Wallet: "walletA", Ts: time.Now().UTC().Truncate(time.Second)},
		},
		ProgressiveJackpot: 0.12,
		CurrentGameJackpot: 0.075,
		UpdatedAt:          time.Now().UTC().Truncate(time.Second),
	}
}

func TestBingo_History_SaveAndRecent(t *testing.T) {
	t.Parallel()

	archive := testArchive(t)
	ctx := context.Background()

	for n := 1; n <= 3; n++ {
		require.NoError(t, archive.Save(ctx, endedGame(n)))
	}

	games, err := archive.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, games, 2)
	require.Equal(t, 3, games[0].GameNumber)
	require.Equal(t, 2, games[1].GameNumber)

	require.Equal(t, game.StatusEnded, games[0].Status)
	require.Equal(t, []int{7, 23, 44}, games[0].CalledNumbers)
	require.Len(t, games[0].Entries, 1)
	require.Equal(t, "walletA", games[0].Entries[0].Wallet)
	require.Equal(t, []string{"c1", "c2"}, games[0].Entries[0].CardIDs)
	require.Len(t, games[0].Winners, 1)
	require.Equal(t, "c1", games[0].Winners[0].CardID)
}

func TestBingo_History_SaveIsIdempotent(t *testing.T) {
	t.Parallel()

	archive := testArchive(t)
	ctx := context.Background()

	st := endedGame(1)
	require.NoError(t, archive.Save(ctx, st))

	// Re-archiving the same game number updates in place.
	st.Winners = append(st.Winners, game.Winner{CardID: "c2", Wallet: "walletA", Ts: time.Now().UTC()})
	require.NoError(t, archive.Save(ctx, st))

	games, err := archive.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, games, 1)
	require.Len(t, games[0].Winners, 2)
}

func TestBingo_History_RecentEmpty(t *testing.T) {
	t.Parallel()

	archive := testArchive(t)

	games, err := archive.Recent(context.Background(), 10)
	require.NoError(t, err)
	require.Empty(t, games)
}
