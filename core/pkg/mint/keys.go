package mint

import "fmt"

// Key layout owned by the allocator. The game ledger owns a disjoint
// keyspace; see core/pkg/game.
const (
	backgroundPoolKey = "backgroundPool"
	nextSlotHintKey   = "nextSlotHint"
)

func slotReservationKey(slotID int) string {
	return fmt.Sprintf("slot:%d:reservation", slotID)
}

func slotMintedKey(slotID int) string {
	return fmt.Sprintf("slot:%d:minted", slotID)
}

func walletSlotKey(wallet string) string {
	return fmt.Sprintf("wallet:%s:slot", wallet)
}

func buildLockKey(wallet string) string {
	return fmt.Sprintf("buildLock:%s", wallet)
}

func submitLockKey(attemptID string) string {
	return fmt.Sprintf("submitLock:%s", attemptID)
}
