package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/bandforband/dueld/internal/domain"
)

// DuelEngine defines the lifecycle operations the duel handler drives. It
// is declared locally so the handler package does not depend on the
// concrete engine implementation.
type DuelEngine interface {
	CreateDuel(ctx context.Context, creator string, stake uint64, durationSeconds int64, allowedTokens []string) (domain.Duel, error)
	AcceptDuel(ctx context.Context, id uint64, caller string) (domain.Duel, error)
	DepositStake(ctx context.Context, id uint64, caller string) (domain.Duel, error)
	CancelDuel(ctx context.Context, id uint64, caller string) (domain.Duel, error)
	SettleDuel(ctx context.Context, id uint64) (domain.Duel, error)
}

// DuelQueries defines the read side the duel handler serves from.
type DuelQueries interface {
	GetDuel(ctx context.Context, id uint64) (domain.Duel, error)
	List(ctx context.Context, opts domain.ListOpts) ([]domain.Duel, error)
	ListByStatus(ctx context.Context, status domain.DuelStatus, opts domain.ListOpts) ([]domain.Duel, error)
	Count(ctx context.Context) (int64, error)
}

// DuelHandler serves duel lifecycle and query endpoints.
type DuelHandler struct {
	engine  DuelEngine
	queries DuelQueries
	logger  *slog.Logger
}

// NewDuelHandler creates a DuelHandler.
func NewDuelHandler(engine DuelEngine, queries DuelQueries, logger *slog.Logger) *DuelHandler {
	return &DuelHandler{
		engine:  engine,
		queries: queries,
		logger:  logger,
	}
}

// listDuelsResponse wraps the list endpoint output with metadata.
type listDuelsResponse struct {
	Duels  []domain.Duel `json:"duels"`
	Total  int64         `json:"total"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
}

// ListDuels returns duels with pagination and optional status filtering.
// GET /api/duels?status=active&limit=50&offset=0
func (h *DuelHandler) ListDuels(w http.ResponseWriter, r *http.Request) {
	opts := parseListOpts(r)

	var (
		duels []domain.Duel
		err   error
	)
	if status := r.URL.Query().Get("status"); status != "" {
		duels, err = h.queries.ListByStatus(r.Context(), domain.DuelStatus(status), opts)
	} else {
		duels, err = h.queries.List(r.Context(), opts)
	}
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list duels failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list duels")
		return
	}

	total, err := h.queries.Count(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: count duels failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to count duels")
		return
	}

	if duels == nil {
		duels = []domain.Duel{}
	}
	writeJSON(w, http.StatusOK, listDuelsResponse{
		Duels:  duels,
		Total:  total,
		Limit:  opts.Limit,
		Offset: opts.Offset,
	})
}

// GetDuel returns a single duel by its numeric id.
// GET /api/duels/{id}
func (h *DuelHandler) GetDuel(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid duel id")
		return
	}

	d, err := h.queries.GetDuel(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// createDuelRequest is the POST /api/duels body.
type createDuelRequest struct {
	Creator         string   `json:"creator"`
	StakeAmount     uint64   `json:"stake_amount"`
	DurationSeconds int64    `json:"duration_seconds"`
	AllowedTokens   []string `json:"allowed_tokens"`
}

// CreateDuel opens a new challenge.
// POST /api/duels
func (h *DuelHandler) CreateDuel(w http.ResponseWriter, r *http.Request) {
	var req createDuelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	d, err := h.engine.CreateDuel(r.Context(), req.Creator, req.StakeAmount, req.DurationSeconds, req.AllowedTokens)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

// callerRequest is the body shared by accept, deposit, and cancel.
type callerRequest struct {
	Caller string `json:"caller"`
}

// AcceptDuel records the caller as the opponent.
// POST /api/duels/{id}/accept
func (h *DuelHandler) AcceptDuel(w http.ResponseWriter, r *http.Request) {
	h.callerAction(w, r, h.engine.AcceptDuel)
}

// DepositStake escrows the caller's stake.
// POST /api/duels/{id}/deposit
func (h *DuelHandler) DepositStake(w http.ResponseWriter, r *http.Request) {
	h.callerAction(w, r, h.engine.DepositStake)
}

// CancelDuel withdraws an unaccepted challenge.
// POST /api/duels/{id}/cancel
func (h *DuelHandler) CancelDuel(w http.ResponseWriter, r *http.Request) {
	h.callerAction(w, r, h.engine.CancelDuel)
}

// SettleDuel settles an expired duel. Anyone may call; the outcome depends
// only on recorded state.
// POST /api/duels/{id}/settle
func (h *DuelHandler) SettleDuel(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid duel id")
		return
	}

	d, err := h.engine.SettleDuel(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (h *DuelHandler) callerAction(
	w http.ResponseWriter,
	r *http.Request,
	action func(ctx context.Context, id uint64, caller string) (domain.Duel, error),
) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid duel id")
		return
	}

	var req callerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Caller == "" {
		writeError(w, http.StatusBadRequest, "missing caller")
		return
	}

	d, err := action(r.Context(), id, req.Caller)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}
