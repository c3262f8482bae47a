package game

// Pots are the figures derived from the persisted entries and entry fee.
// They are recomputed on every read, never stored, so a process restart
// always reproduces them exactly. The percentages are the product's
// long-standing payout table; they intentionally do not sum to the whole
// pot (the remainder is the house share, accounted outside this ledger).
type Pots struct {
	EntriesCount       int     `json:"entriesCount"`
	TotalPot           float64 `json:"totalPot"`
	PlayerPot          float64 `json:"playerPot"`
	FoundersBonus      float64 `json:"foundersBonus"`
	FoundersPot        float64 `json:"foundersPot"`
	CurrentGameJackpot float64 `json:"currentGameJackpot"`
}

const (
	playerPotShare     = 0.75
	foundersBonusShare = 0.05
	jackpotShare       = 0.05
)

// ComputePots derives the pot figures: every card in every entry counts as
// one paid entry at the current fee.
func ComputePots(entries []Entry, entryFeeSol float64) Pots {
	count := 0
	for i := range entries {
		count += len(entries[i].CardIDs)
	}
	total := float64(count) * entryFeeSol
	player := playerPotShare * total
	bonus := foundersBonusShare * total
	return Pots{
		EntriesCount:       count,
		TotalPot:           total,
		PlayerPot:          player,
		FoundersBonus:      bonus,
		FoundersPot:        player + bonus,
		CurrentGameJackpot: jackpotShare * total,
	}
}

// Pots derives the current game's pot figures.
func (g *State) Pots() Pots {
	return ComputePots(g.Entries, g.EntryFeeSol)
}

// DisplayedJackpot is what players see: the carried progressive balance
// plus this game's own contribution.
func (g *State) DisplayedJackpot() float64 {
	return g.ProgressiveJackpot + g.CurrentGameJackpot
}
