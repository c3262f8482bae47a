// Package notify announces game milestones to Slack. Notifications are
// best-effort: every method is safe to call with a nil or unconfigured
// notifier, and failures are logged, never surfaced to gameplay paths.
package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/slack-go/slack"

	"github.com/malbeclabs/bingo/core/pkg/game"
	"github.com/malbeclabs/bingo/utils/pkg/retry"
)

// MessagePoster is the slice of the Slack API the notifier needs;
// tests substitute a mock.
type MessagePoster interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

type Notifier struct {
	log     *slog.Logger
	api     MessagePoster
	channel string
}

// New returns a Slack notifier, or a disabled one when token or channel
// is empty.
func New(log *slog.Logger, token, channel string) *Notifier {
	if token == "" || channel == "" {
		log.Info("notify: slack not configured, notifications disabled")
		return &Notifier{log: log}
	}
	return &Notifier{
		log:     log,
		api:     slack.New(token),
		channel: channel,
	}
}

// NewWithPoster wires a custom poster, used by tests.
func NewWithPoster(log *slog.Logger, poster MessagePoster, channel string) *Notifier {
	return &Notifier{log: log, api: poster, channel: channel}
}

func (n *Notifier) Enabled() bool {
	return n != nil && n.api != nil
}

// GameOpened announces a freshly rolled game.
func (n *Notifier) GameOpened(ctx context.Context, st *game.State) {
	n.post(ctx, fmt.Sprintf(":tada: Game #%d is open! Entry fee %.2f SOL, jackpot %.4f SOL.",
		st.GameNumber, st.EntryFeeSol, st.DisplayedJackpot()))
}

// NumberCalled announces a freshly called number and the running count.
func (n *Notifier) NumberCalled(ctx context.Context, st *game.State, number int) {
	n.post(ctx, fmt.Sprintf("Game #%d: number %d called (%d so far).",
		st.GameNumber, number, len(st.CalledNumbers)))
}

// WinnerClaimed announces a verified bingo claim.
func (n *Notifier) WinnerClaimed(ctx context.Context, st *game.State, w *game.Winner) {
	founders := ""
	if w.IsFounders {
		founders = " (founders card!)"
	}
	n.post(ctx, fmt.Sprintf(":trophy: BINGO in game #%d! Card %s by %s%s.",
		st.GameNumber, w.CardID, shortWallet(w.Wallet), founders))
}

// GameEnded announces the final pot split.
func (n *Notifier) GameEnded(ctx context.Context, st *game.State) {
	pots := st.Pots()
	n.post(ctx, fmt.Sprintf("Game #%d ended with %d paid entries. Player pot %.4f SOL of %.4f SOL total.",
		st.GameNumber, pots.EntriesCount, pots.PlayerPot, pots.TotalPot))
}

func (n *Notifier) post(ctx context.Context, text string) {
	if !n.Enabled() {
		return
	}
	err := retry.Do(ctx, retry.DefaultConfig(), func() error {
		_, _, err := n.api.PostMessageContext(ctx, n.channel,
			slack.MsgOptionText(text, false))
		return err
	})
	if err != nil {
		n.log.Warn("notify: failed to post slack message", "error", err)
		return
	}
	n.log.Debug("notify: posted slack message", "channel", n.channel)
}

func shortWallet(addr string) string {
	if len(addr) <= 8 {
		return addr
	}
	return addr[:4] + "…" + addr[len(addr)-4:]
}
