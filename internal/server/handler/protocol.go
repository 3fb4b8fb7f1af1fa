package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/bandforband/dueld/internal/domain"
	"github.com/bandforband/dueld/internal/service"
)

// ProtocolEngine defines the protocol-level operations the handler drives.
type ProtocolEngine interface {
	InitializeProtocol(ctx context.Context, authority, treasury string, feeBps uint16) (domain.Protocol, error)
	CreditAccount(ctx context.Context, caller, account string, amount uint64) error
}

// StatsProvider supplies the aggregate protocol view.
type StatsProvider interface {
	Stats(ctx context.Context) (service.ProtocolStats, error)
}

// ProtocolHandler serves protocol initialization, stats, and the
// authority-only account funding endpoint.
type ProtocolHandler struct {
	engine ProtocolEngine
	stats  StatsProvider
	logger *slog.Logger
}

// NewProtocolHandler creates a ProtocolHandler.
func NewProtocolHandler(engine ProtocolEngine, stats StatsProvider, logger *slog.Logger) *ProtocolHandler {
	return &ProtocolHandler{
		engine: engine,
		stats:  stats,
		logger: logger,
	}
}

// initializeRequest is the POST /api/protocol/initialize body.
type initializeRequest struct {
	Authority string `json:"authority"`
	Treasury  string `json:"treasury"`
	FeeBps    uint16 `json:"fee_bps"`
}

// Initialize creates the singleton protocol record.
// POST /api/protocol/initialize
func (h *ProtocolHandler) Initialize(w http.ResponseWriter, r *http.Request) {
	var req initializeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	p, err := h.engine.InitializeProtocol(r.Context(), req.Authority, req.Treasury, req.FeeBps)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// Stats returns the protocol record with live counters.
// GET /api/protocol/stats
func (h *ProtocolHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.stats.Stats(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// creditRequest is the POST /api/accounts/credit body. Caller must be the
// protocol authority.
type creditRequest struct {
	Caller  string `json:"caller"`
	Account string `json:"account"`
	Amount  uint64 `json:"amount"`
}

// CreditAccount funds a ledger account.
// POST /api/accounts/credit
func (h *ProtocolHandler) CreditAccount(w http.ResponseWriter, r *http.Request) {
	var req creditRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.engine.CreditAccount(r.Context(), req.Caller, req.Account, req.Amount); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"account": req.Account,
		"amount":  req.Amount,
	})
}
