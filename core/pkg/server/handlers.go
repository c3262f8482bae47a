package server

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/mr-tron/base58"

	"github.com/malbeclabs/bingo/core/pkg/game"
	"github.com/malbeclabs/bingo/core/pkg/metrics"
	"github.com/malbeclabs/bingo/core/pkg/mint"
	"github.com/malbeclabs/bingo/core/pkg/payment"
)

const lamportsPerSol = 1_000_000_000

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// --- mint ---

type walletRequest struct {
	Wallet string `json:"wallet"`
}

type slotRequest struct {
	SlotID int `json:"slotId"`
}

func (s *Server) handleReserve(w http.ResponseWriter, r *http.Request) {
	var req walletRequest
	if !s.decode(w, r, &req) {
		return
	}
	if !s.requireWallet(w, req.Wallet) {
		return
	}

	rec, err := s.cfg.Allocator.Reserve(r.Context(), req.Wallet)
	switch {
	case errors.Is(err, mint.ErrSoldOut):
		metrics.SlotReservationsTotal.WithLabelValues("sold_out").Inc()
		s.writeError(w, http.StatusConflict, "SOLD_OUT", "all slots are minted or reserved")
	case errors.Is(err, mint.ErrPoolCorrupted):
		metrics.SlotReservationsTotal.WithLabelValues("corrupted").Inc()
		metrics.PoolRebuildsTotal.Inc()
		s.writeError(w, http.StatusServiceUnavailable, "POOL_CORRUPTED", "background pool was rebuilt, retry")
	case err != nil:
		metrics.SlotReservationsTotal.WithLabelValues("error").Inc()
		s.internalError(w, "reserve", err)
	default:
		metrics.SlotReservationsTotal.WithLabelValues("granted").Inc()
		s.writeJSON(w, http.StatusOK, rec)
	}
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	var req slotRequest
	if !s.decode(w, r, &req) {
		return
	}

	if err := s.cfg.Allocator.Release(r.Context(), req.SlotID); err != nil {
		s.internalError(w, "release", err)
		return
	}
	metrics.SlotReleasesTotal.Inc()
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "released"})
}

func (s *Server) handleFinalize(w http.ResponseWriter, r *http.Request) {
	var req slotRequest
	if !s.decode(w, r, &req) {
		return
	}

	err := s.cfg.Allocator.Finalize(r.Context(), req.SlotID)
	switch {
	case errors.Is(err, mint.ErrStaleReservation):
		metrics.SlotFinalizationsTotal.WithLabelValues("stale").Inc()
		s.writeError(w, http.StatusConflict, "STALE_RESERVATION", "reservation expired or missing")
	case err != nil:
		metrics.SlotFinalizationsTotal.WithLabelValues("error").Inc()
		s.internalError(w, "finalize", err)
	default:
		metrics.SlotFinalizationsTotal.WithLabelValues("minted").Inc()
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "minted"})
	}
}

func (s *Server) handleAcquireBuildLock(w http.ResponseWriter, r *http.Request) {
	var req walletRequest
	if !s.decode(w, r, &req) {
		return
	}
	if !s.requireWallet(w, req.Wallet) {
		return
	}

	err := s.cfg.Locks.AcquireBuild(r.Context(), req.Wallet)
	switch {
	case errors.Is(err, mint.ErrLockHeld):
		s.writeError(w, http.StatusConflict, "LOCK_HELD", "a build is already in progress for this wallet")
	case err != nil:
		s.internalError(w, "build-lock", err)
	default:
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "acquired"})
	}
}

func (s *Server) handleReleaseBuildLock(w http.ResponseWriter, r *http.Request) {
	var req walletRequest
	if !s.decode(w, r, &req) {
		return
	}
	if !s.requireWallet(w, req.Wallet) {
		return
	}

	if err := s.cfg.Locks.ReleaseBuild(r.Context(), req.Wallet); err != nil {
		s.internalError(w, "build-lock release", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "released"})
}

func (s *Server) handleAcquireSubmitLock(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AttemptID string `json:"attemptId"`
	}
	if !s.decode(w, r, &req) {
		return
	}

	attemptID, err := s.cfg.Locks.AcquireSubmit(r.Context(), req.AttemptID)
	switch {
	case errors.Is(err, mint.ErrLockHeld):
		s.writeError(w, http.StatusConflict, "LOCK_HELD", "this mint attempt is already being submitted")
	case err != nil:
		s.internalError(w, "submit-lock", err)
	default:
		s.writeJSON(w, http.StatusOK, map[string]string{"attemptId": attemptID})
	}
}

// --- game ---

type gameResponse struct {
	*game.State
	Pots             game.Pots `json:"pots"`
	DisplayedJackpot float64   `json:"displayedJackpot"`
}

func (s *Server) handleGetGame(w http.ResponseWriter, r *http.Request) {
	st, err := s.cfg.Ledger.Load(r.Context())
	if err != nil {
		s.internalError(w, "load game", err)
		return
	}
	metrics.DisplayedJackpotSol.Set(st.DisplayedJackpot())
	s.writeJSON(w, http.StatusOK, gameResponse{
		State:            st,
		Pots:             st.Pots(),
		DisplayedJackpot: st.DisplayedJackpot(),
	})
}

type enterRequest struct {
	Wallet    string   `json:"wallet"`
	Signature string   `json:"signature"`
	TotalSol  float64  `json:"totalSol"`
	CardIDs   []string `json:"cardIds"`
}

func (s *Server) handleEnter(w http.ResponseWriter, r *http.Request) {
	var req enterRequest
	if !s.decode(w, r, &req) {
		return
	}
	if !s.requireWallet(w, req.Wallet) {
		return
	}
	if !validSignature(req.Signature) {
		s.writeError(w, http.StatusBadRequest, "INVALID_SIGNATURE", "signature must be a base58 transaction signature")
		return
	}

	// Payment verification happens before the atomic entry; the signature
	// marker inside the entry script is what makes replays safe.
	if s.cfg.Verifier != nil {
		start := time.Now()
		minLamports := uint64(math.Round(req.TotalSol * lamportsPerSol))
		err := s.cfg.Verifier.Verify(r.Context(), req.Signature, req.Wallet, s.cfg.CollectionWallet, minLamports)
		switch {
		case errors.Is(err, payment.ErrTxNotFound):
			metrics.RecordPaymentVerification("not_found", time.Since(start))
			s.writeError(w, http.StatusBadRequest, "TX_NOT_FOUND", "payment transaction not found")
			return
		case errors.Is(err, payment.ErrTxFailed):
			metrics.RecordPaymentVerification("failed", time.Since(start))
			s.writeError(w, http.StatusBadRequest, "TX_FAILED", "payment transaction failed on chain")
			return
		case errors.Is(err, payment.ErrInsufficientAmount):
			metrics.RecordPaymentVerification("insufficient", time.Since(start))
			s.writeError(w, http.StatusBadRequest, "INSUFFICIENT_PAYMENT", "payment amount is less than claimed")
			return
		case err != nil:
			metrics.RecordPaymentVerification("error", time.Since(start))
			s.internalError(w, "verify payment", err)
			return
		}
		metrics.RecordPaymentVerification("verified", time.Since(start))
	}

	st, err := s.cfg.Ledger.Enter(r.Context(), req.Wallet, req.Signature, req.TotalSol, req.CardIDs)
	switch {
	case errors.Is(err, game.ErrReplayRejected):
		metrics.GameEntriesTotal.WithLabelValues("replay").Inc()
		s.writeError(w, http.StatusConflict, "SIGNATURE_USED", "this payment already funded an entry")
	case errors.Is(err, game.ErrNotOpen):
		metrics.GameEntriesTotal.WithLabelValues("rejected").Inc()
		s.writeError(w, http.StatusConflict, "NOT_OPEN", "game is not open for entries")
	case errors.Is(err, game.ErrAlreadyEntered):
		metrics.GameEntriesTotal.WithLabelValues("rejected").Inc()
		s.writeError(w, http.StatusConflict, "ALREADY_ENTERED", "wallet already entered this game")
	case errors.Is(err, game.ErrCardAlreadyEntered):
		metrics.GameEntriesTotal.WithLabelValues("rejected").Inc()
		s.writeError(w, http.StatusConflict, "CARD_ALREADY_ENTERED", "a card is already entered this game")
	case errors.Is(err, game.ErrAmountMismatch):
		metrics.GameEntriesTotal.WithLabelValues("rejected").Inc()
		s.writeError(w, http.StatusBadRequest, "AMOUNT_MISMATCH", "paid amount does not match the entry fee")
	case err != nil:
		metrics.GameEntriesTotal.WithLabelValues("error").Inc()
		s.internalError(w, "enter", err)
	default:
		metrics.GameEntriesTotal.WithLabelValues("entered").Inc()
		metrics.DisplayedJackpotSol.Set(st.DisplayedJackpot())
		s.writeJSON(w, http.StatusOK, st)
	}
}

type claimRequest struct {
	Wallet string `json:"wallet"`
	CardID string `json:"cardId"`
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if !s.decode(w, r, &req) {
		return
	}
	if !s.requireWallet(w, req.Wallet) {
		return
	}

	st, err := s.cfg.Ledger.Claim(r.Context(), req.Wallet, req.CardID)
	switch {
	case errors.Is(err, game.ErrNotClaimable):
		metrics.GameClaimsTotal.WithLabelValues("rejected").Inc()
		s.writeError(w, http.StatusConflict, "NOT_CLAIMABLE", "game is not accepting win claims")
	case errors.Is(err, game.ErrCardNotOwned):
		metrics.GameClaimsTotal.WithLabelValues("rejected").Inc()
		s.writeError(w, http.StatusForbidden, "CARD_NOT_OWNED", "card does not belong to this wallet's entry")
	case errors.Is(err, game.ErrAlreadyWon):
		metrics.GameClaimsTotal.WithLabelValues("rejected").Inc()
		s.writeError(w, http.StatusConflict, "ALREADY_WON", "card already has a recorded winner")
	case err != nil:
		metrics.GameClaimsTotal.WithLabelValues("error").Inc()
		s.internalError(w, "claim", err)
	default:
		metrics.GameClaimsTotal.WithLabelValues("won").Inc()
		if win := st.WinnerFor(req.CardID); win != nil {
			s.cfg.Notifier.WinnerClaimed(r.Context(), st, win)
		}
		s.writeJSON(w, http.StatusOK, st)
	}
}

// --- admin ---

type adminRequest struct {
	Number int     `json:"number,omitempty"`
	Type   string  `json:"type,omitempty"`
	FeeSol float64 `json:"feeSol,omitempty"`
}

func (s *Server) handleAdmin(w http.ResponseWriter, r *http.Request) {
	action := chi.URLParam(r, "action")

	var req adminRequest
	if r.ContentLength > 0 && !s.decode(w, r, &req) {
		return
	}

	ctx := r.Context()
	var (
		st  *game.State
		err error
	)
	switch action {
	case "new-game":
		st, err = s.cfg.Ledger.NewGame(ctx)
		if err == nil {
			s.cfg.Notifier.GameOpened(ctx, st)
		}
	case "lock":
		st, err = s.cfg.Ledger.Lock(ctx)
	case "pause":
		st, err = s.cfg.Ledger.Pause(ctx)
	case "resume":
		st, err = s.cfg.Ledger.Resume(ctx)
	case "end":
		st, err = s.cfg.Ledger.End(ctx)
		if err == nil {
			s.archiveEnded(ctx, st)
			s.cfg.Notifier.GameEnded(ctx, st)
		}
	case "close-next":
		// Snapshot the game being superseded so it can be archived.
		var prev *game.State
		prev, err = s.cfg.Ledger.Load(ctx)
		if err == nil {
			st, err = s.cfg.Ledger.CloseNext(ctx)
			if err == nil {
				s.archiveEnded(ctx, prev)
			}
		}
	case "reset-jackpot":
		st, err = s.cfg.Ledger.ResetJackpot(ctx)
	case "call-number":
		st, err = s.cfg.Ledger.CallNumber(ctx, req.Number)
		if err == nil {
			s.cfg.Notifier.NumberCalled(ctx, st, req.Number)
		}
	case "undo-number":
		st, err = s.cfg.Ledger.UndoNumber(ctx)
	case "set-type":
		var typ game.Type
		typ, err = game.ParseType(req.Type)
		if err == nil {
			st, err = s.cfg.Ledger.SetType(ctx, typ)
		}
	case "set-fee":
		st, err = s.cfg.Ledger.SetFee(ctx, req.FeeSol)
	default:
		s.writeError(w, http.StatusNotFound, "UNKNOWN_ACTION", "unknown admin action "+action)
		return
	}

	switch {
	case errors.Is(err, game.ErrBadTransition):
		s.writeError(w, http.StatusConflict, "BAD_TRANSITION", err.Error())
	case err != nil:
		s.writeError(w, http.StatusBadRequest, "ADMIN_FAILED", err.Error())
	default:
		s.writeJSON(w, http.StatusOK, st)
	}
}

// archiveEnded persists a finished game; archive failures are logged,
// the live transition already committed.
func (s *Server) archiveEnded(ctx context.Context, st *game.State) {
	if s.cfg.Archive == nil {
		return
	}
	if err := s.cfg.Archive.Save(ctx, st); err != nil {
		s.log.Error("server: failed to archive game", "gameNumber", st.GameNumber, "error", err)
	}
}

// --- history ---

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Archive == nil {
		s.writeError(w, http.StatusServiceUnavailable, "HISTORY_DISABLED", "game history is not configured")
		return
	}

	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 100 {
			limit = n
		}
	}

	games, err := s.cfg.Archive.Recent(r.Context(), limit)
	if err != nil {
		s.internalError(w, "history", err)
		return
	}
	if games == nil {
		games = []game.State{}
	}
	s.writeJSON(w, http.StatusOK, games)
}

// --- helpers ---

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeError(w, http.StatusBadRequest, "INVALID_JSON", "request body is not valid JSON")
		return false
	}
	return true
}

func (s *Server) requireWallet(w http.ResponseWriter, wallet string) bool {
	if !validWallet(wallet) {
		s.writeError(w, http.StatusBadRequest, "INVALID_WALLET", "wallet must be a base58 Solana address")
		return false
	}
	return true
}

// validWallet checks that the address decodes to a 32-byte key.
func validWallet(addr string) bool {
	raw, err := base58.Decode(addr)
	return err == nil && len(raw) == 32
}

// validSignature checks that the signature decodes to 64 bytes.
func validSignature(sig string) bool {
	raw, err := base58.Decode(sig)
	return err == nil && len(raw) == 64
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error("failed to encode JSON response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, message string) {
	s.writeJSON(w, status, errorResponse{Error: code, Message: message})
}

func (s *Server) internalError(w http.ResponseWriter, op string, err error) {
	s.log.Error("server: "+op+" failed", "error", err)
	s.writeError(w, http.StatusInternalServerError, "INTERNAL", "internal error")
}
