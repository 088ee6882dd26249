package api

import (
	"context"
	"errors"
	"net/http"
	"sort"

	"github.com/rs/zerolog"

	"github.com/vdavid/mailsync/internal/db"
	"github.com/vdavid/mailsync/internal/mailsync"
	"github.com/vdavid/mailsync/internal/scheduler"
)

// SyncController is the scheduler command surface. *scheduler.SyncService implements it.
type SyncController interface {
	StartSync(ctx context.Context, accountID int64) error
	StopSync(ctx context.Context, accountID int64) error
	MoveSync(ctx context.Context, accountID int64, worker string) error
	Status() map[int64]mailsync.AccountStatus
}

type AccountsHandler struct {
	sync     SyncController
	workerID string
	zone     string
	logger   zerolog.Logger
}

func NewAccountsHandler(sync SyncController, workerID, zone string, logger zerolog.Logger) *AccountsHandler {
	return &AccountsHandler{
		sync:     sync,
		workerID: workerID,
		zone:     zone,
		logger:   logger.With().Str("component", "api").Logger(),
	}
}

type commandResponse struct {
	AccountID int64  `json:"account_id"`
	Result    string `json:"result"`
}

// StartSync marks the account as wanted and queues it for some worker to claim.
func (h *AccountsHandler) StartSync(w http.ResponseWriter, r *http.Request) {
	id, ok := accountIDFromPath(w, r)
	if !ok {
		return
	}

	err := h.sync.StartSync(r.Context(), id)
	if errors.Is(err, db.ErrAccountNotFound) {
		http.Error(w, "Account not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.logger.Error().Err(err).Int64("account_id", id).Msg("Failed to start sync")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	h.logger.Info().Int64("account_id", id).Msg("Sync start requested")
	writeJSON(w, h.logger, http.StatusAccepted, commandResponse{AccountID: id, Result: "queued"})
}

// StopSync marks the account as stopped. When this worker runs it, the
// response waits until its monitor has exited.
func (h *AccountsHandler) StopSync(w http.ResponseWriter, r *http.Request) {
	id, ok := accountIDFromPath(w, r)
	if !ok {
		return
	}

	err := h.sync.StopSync(r.Context(), id)
	switch {
	case err == nil:
		writeJSON(w, h.logger, http.StatusOK, commandResponse{AccountID: id, Result: "stopped"})
	case errors.Is(err, scheduler.ErrNotRunning):
		// Another worker, if any, lets go once its populator sees the flag.
		writeJSON(w, h.logger, http.StatusAccepted, commandResponse{AccountID: id, Result: "stop_requested"})
	case errors.Is(err, db.ErrAccountNotFound):
		http.Error(w, "Account not found", http.StatusNotFound)
	default:
		h.logger.Error().Err(err).Int64("account_id", id).Msg("Failed to stop sync")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

// MoveSync asks for the account to be handed to the worker named by the "to"
// query parameter.
func (h *AccountsHandler) MoveSync(w http.ResponseWriter, r *http.Request) {
	id, ok := accountIDFromPath(w, r)
	if !ok {
		return
	}
	worker := r.URL.Query().Get("to")
	if worker == "" {
		http.Error(w, "missing target worker", http.StatusBadRequest)
		return
	}

	err := h.sync.MoveSync(r.Context(), id, worker)
	if errors.Is(err, db.ErrAccountNotFound) {
		http.Error(w, "Account not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.logger.Error().Err(err).Int64("account_id", id).Msg("Failed to request move")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	h.logger.Info().Int64("account_id", id).Str("to_worker", worker).Msg("Sync move requested")
	writeJSON(w, h.logger, http.StatusAccepted, commandResponse{AccountID: id, Result: "move_requested"})
}

type statusResponse struct {
	WorkerID string                   `json:"worker_id"`
	Zone     string                   `json:"zone"`
	Accounts []mailsync.AccountStatus `json:"accounts"`
}

// Status reports the accounts this worker syncs, ordered by id.
func (h *AccountsHandler) Status(w http.ResponseWriter, _ *http.Request) {
	byID := h.sync.Status()
	accounts := make([]mailsync.AccountStatus, 0, len(byID))
	for _, s := range byID {
		accounts = append(accounts, s)
	}
	sort.Slice(accounts, func(i, j int) bool { return accounts[i].AccountID < accounts[j].AccountID })

	writeJSON(w, h.logger, http.StatusOK, statusResponse{WorkerID: h.workerID, Zone: h.zone, Accounts: accounts})
}
