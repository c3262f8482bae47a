// Package game owns the single live bingo game: its status machine, paid
// entries, called numbers, winners, and pot math. All mutation goes through
// the shared store; the compound entry path runs as one atomic script.
package game

import (
	"fmt"
	"time"
)

type Status string

const (
	StatusClosed Status = "CLOSED"
	StatusOpen   Status = "OPEN"
	StatusLocked Status = "LOCKED"
	StatusPaused Status = "PAUSED"
	StatusEnded  Status = "ENDED"
)

func (s Status) Valid() bool {
	switch s {
	case StatusClosed, StatusOpen, StatusLocked, StatusPaused, StatusEnded:
		return true
	}
	return false
}

type Type string

const (
	TypeStandard    Type = "STANDARD"
	TypeFourCorners Type = "FOUR_CORNERS"
	TypeBlackout    Type = "BLACKOUT"
)

func ParseType(s string) (Type, error) {
	switch Type(s) {
	case TypeStandard, TypeFourCorners, TypeBlackout:
		return Type(s), nil
	}
	return "", fmt.Errorf("unknown game type %q", s)
}

// Entry is a wallet's paid participation in the current game. Written once
// by a successful Enter, immutable afterwards.
type Entry struct {
	Wallet    string    `json:"wallet"`
	CardIDs   []string  `json:"cardIds"`
	Signature string    `json:"signature"`
	TotalSol  float64   `json:"totalSol"`
	Ts        time.Time `json:"ts"`
}

// Winner rows are append-only; a card wins at most once per game.
type Winner struct {
	CardID     string    `json:"cardId"`
	Wallet     string    `json:"wallet"`
	IsFounders bool      `json:"isFounders"`
	Ts         time.Time `json:"ts"`
}

// State is the authoritative live-game record, a shared singleton. It is
// never deleted, only superseded by admin transitions.
type State struct {
	GameID             string    `json:"gameId"`
	GameNumber         int       `json:"gameNumber"`
	GameType           Type      `json:"gameType"`
	Status             Status    `json:"status"`
	EntryFeeSol        float64   `json:"entryFeeSol"`
	CalledNumbers      []int     `json:"calledNumbers"`
	Entries            []Entry   `json:"entries"`
	Winners            []Winner  `json:"winners"`
	ProgressiveJackpot float64   `json:"progressiveJackpot"`
	CurrentGameJackpot float64   `json:"currentGameJackpot"`
	UpdatedAt          time.Time `json:"updatedAt"`
	Version            int64     `json:"version"`
}

func (g *State) EntryFor(wallet string) *Entry {
	for i := range g.Entries {
		if g.Entries[i].Wallet == wallet {
			return &g.Entries[i]
		}
	}
	return nil
}

func (g *State) HasCard(cardID string) bool {
	for i := range g.Entries {
		for _, id := range g.Entries[i].CardIDs {
			if id == cardID {
				return true
			}
		}
	}
	return false
}

func (g *State) WinnerFor(cardID string) *Winner {
	for i := range g.Winners {
		if g.Winners[i].CardID == cardID {
			return &g.Winners[i]
		}
	}
	return nil
}

func (g *State) Called(n int) bool {
	for _, c := range g.CalledNumbers {
		if c == n {
			return true
		}
	}
	return false
}
