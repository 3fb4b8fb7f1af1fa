// Package engine implements the escrow lifecycle state machine: duel
// creation, acceptance, mutual stake deposit, oracle position updates, and
// deterministic settlement. All fund-safety invariants live here.
//
// Concurrency model: every operation performs its precondition checks and
// its mutation inside one per-duel critical section, reconstructing the
// per-entity atomic execution the original host ledger provided. Queries
// copy a duel under the same per-duel lock, so a reader always observes a
// consistent committed state, never a half-applied mutation. Operations on
// different duels proceed in parallel; an update racing a settlement on the
// same duel is serialized by the duel's lock.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bandforband/dueld/internal/crypto"
	"github.com/bandforband/dueld/internal/domain"
	"github.com/bandforband/dueld/internal/ledger"
)

// Config carries the engine's dependencies. Funds is required; stores, bus,
// valuator, and attestor are optional (nil disables the corresponding
// side effect, which the tests rely on).
type Config struct {
	Funds    *ledger.Ledger
	Valuator domain.Valuator
	Attestor *crypto.Attestor

	DuelStore     domain.DuelStore
	ProtocolStore domain.ProtocolStore
	AccountStore  domain.AccountStore
	AuditStore    domain.AuditStore
	Bus           domain.SignalBus

	Clock  func() time.Time
	Logger *slog.Logger
}

// Engine is the authoritative escrow state machine. In-memory state is
// authoritative (the mirror of the original on-chain accounts); the stores
// are a write-through durable mirror.
type Engine struct {
	funds    *ledger.Ledger
	valuator domain.Valuator
	attestor *crypto.Attestor

	duelStore     domain.DuelStore
	protocolStore domain.ProtocolStore
	accountStore  domain.AccountStore
	audit         domain.AuditStore
	bus           domain.SignalBus

	clock  func() time.Time
	logger *slog.Logger

	mu        sync.Mutex // guards protocol, duels, duelLocks
	protocol  *domain.Protocol
	duels     map[uint64]*domain.Duel
	duelLocks map[uint64]*sync.Mutex
}

// New creates an Engine from the given configuration.
func New(cfg Config) *Engine {
	if cfg.Funds == nil {
		cfg.Funds = ledger.New()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Engine{
		funds:         cfg.Funds,
		valuator:      cfg.Valuator,
		attestor:      cfg.Attestor,
		duelStore:     cfg.DuelStore,
		protocolStore: cfg.ProtocolStore,
		accountStore:  cfg.AccountStore,
		audit:         cfg.AuditStore,
		bus:           cfg.Bus,
		clock:         cfg.Clock,
		logger:        cfg.Logger.With(slog.String("component", "engine")),
		duels:         make(map[uint64]*domain.Duel),
		duelLocks:     make(map[uint64]*sync.Mutex),
	}
}

// LoadState seeds the engine from the durable mirror on restart.
func (e *Engine) LoadState(protocol *domain.Protocol, duels []domain.Duel) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if protocol != nil {
		p := *protocol
		e.protocol = &p
	}
	for _, d := range duels {
		duel := d
		e.duels[d.ID] = &duel
		e.duelLocks[d.ID] = &sync.Mutex{}
	}
}

// Funds exposes the fund ledger for wiring (valuation baselines, account
// credits via the API).
func (e *Engine) Funds() *ledger.Ledger {
	return e.funds
}

// ---------------------------------------------------------------------------
// Instructions
// ---------------------------------------------------------------------------

// InitializeProtocol creates the singleton protocol record. It is rejected
// once a protocol exists.
func (e *Engine) InitializeProtocol(ctx context.Context, authority, treasury string, feeBps uint16) (domain.Protocol, error) {
	if authority == "" || treasury == "" {
		return domain.Protocol{}, fmt.Errorf("engine: authority and treasury required: %w", domain.ErrUnauthorized)
	}
	if feeBps > domain.MaxFeeBps {
		return domain.Protocol{}, domain.ErrInvalidFeeBps
	}

	e.mu.Lock()
	if e.protocol != nil {
		e.mu.Unlock()
		return domain.Protocol{}, domain.ErrAlreadyInitialized
	}
	p := domain.Protocol{
		Authority: authority,
		Treasury:  treasury,
		FeeBps:    feeBps,
		CreatedAt: e.clock().UTC(),
	}
	e.protocol = &p
	e.mu.Unlock()

	e.persistProtocol(ctx, p)
	e.auditLog(ctx, "protocol_initialized", map[string]any{
		"authority": authority,
		"treasury":  treasury,
		"fee_bps":   feeBps,
	})
	e.logger.InfoContext(ctx, "protocol initialized",
		slog.String("authority", authority),
		slog.Int("fee_bps", int(feeBps)),
	)
	return p, nil
}

// Protocol returns a copy of the protocol record.
func (e *Engine) Protocol() (domain.Protocol, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.protocol == nil {
		return domain.Protocol{}, domain.ErrNotInitialized
	}
	return *e.protocol, nil
}

// CreateDuel opens a new challenge. The duel id is the protocol's duel
// sequence number at creation time, which also derives the escrow account.
func (e *Engine) CreateDuel(ctx context.Context, creator string, stake uint64, durationSeconds int64, allowedTokens []string) (domain.Duel, error) {
	if creator == "" {
		return domain.Duel{}, fmt.Errorf("engine: creator required: %w", domain.ErrUnauthorized)
	}
	if stake == 0 {
		return domain.Duel{}, domain.ErrInvalidStakeAmount
	}
	if durationSeconds <= 0 {
		return domain.Duel{}, domain.ErrInvalidDuration
	}

	e.mu.Lock()
	if e.protocol == nil {
		e.mu.Unlock()
		return domain.Duel{}, domain.ErrNotInitialized
	}
	id := e.protocol.TotalDuels
	e.protocol.TotalDuels++
	protocol := *e.protocol

	d := &domain.Duel{
		ID:              id,
		Creator:         creator,
		StakeAmount:     stake,
		DurationSeconds: durationSeconds,
		Status:          domain.DuelStatusPending,
		Winner:          domain.WinnerNone,
		AllowedTokens:   append([]string(nil), allowedTokens...),
		CreatedAt:       e.clock().UTC(),
	}
	e.duels[id] = d
	e.duelLocks[id] = &sync.Mutex{}
	snapshot := *d
	e.mu.Unlock()

	e.persistDuel(ctx, snapshot)
	e.persistProtocol(ctx, protocol)
	e.auditLog(ctx, domain.EventDuelCreated, map[string]any{
		"duel_id": id,
		"creator": creator,
		"stake":   stake,
	})
	e.publish(ctx, domain.EventDuelCreated, snapshot)

	e.logger.InfoContext(ctx, "duel created",
		slog.Uint64("duel_id", id),
		slog.String("creator", creator),
		slog.Uint64("stake", stake),
	)
	return snapshot, nil
}

// AcceptDuel records the opponent. Only a Pending duel without an opponent
// can be accepted, and the creator cannot accept their own challenge.
func (e *Engine) AcceptDuel(ctx context.Context, id uint64, caller string) (domain.Duel, error) {
	d, unlock, err := e.lockDuel(id)
	if err != nil {
		return domain.Duel{}, err
	}
	defer unlock()

	if d.Status != domain.DuelStatusPending {
		return domain.Duel{}, domain.ErrInvalidStatus
	}
	if d.Opponent != "" {
		return domain.Duel{}, domain.ErrAlreadyAccepted
	}
	if caller == "" || caller == d.Creator {
		return domain.Duel{}, domain.ErrUnauthorized
	}

	d.Opponent = caller
	d.Status = domain.DuelStatusAccepted
	snapshot := *d

	e.persistDuel(ctx, snapshot)
	e.auditLog(ctx, domain.EventDuelAccepted, map[string]any{
		"duel_id":  id,
		"opponent": caller,
	})
	e.publish(ctx, domain.EventDuelAccepted, snapshot)
	return snapshot, nil
}

// DepositStake moves exactly the stake amount from the caller into the
// duel's escrow account. When the second deposit lands the duel activates:
// the window opens and both baseline portfolio values are captured.
func (e *Engine) DepositStake(ctx context.Context, id uint64, caller string) (domain.Duel, error) {
	d, unlock, err := e.lockDuel(id)
	if err != nil {
		return domain.Duel{}, err
	}
	defer unlock()

	if d.Status != domain.DuelStatusAccepted {
		return domain.Duel{}, domain.ErrInvalidStatus
	}

	if !d.IsParticipant(caller) {
		return domain.Duel{}, domain.ErrNotParticipant
	}
	isCreator := caller == d.Creator
	if (isCreator && d.CreatorDeposited) || (!isCreator && d.OpponentDeposited) {
		return domain.Duel{}, domain.ErrAlreadyDeposited
	}

	escrow := ledger.EscrowAccount(id)
	if err := e.funds.Transfer(caller, escrow, d.StakeAmount); err != nil {
		return domain.Duel{}, err
	}

	if isCreator {
		d.CreatorDeposited = true
	} else {
		d.OpponentDeposited = true
	}

	activated := false
	if d.CreatorDeposited && d.OpponentDeposited {
		now := e.clock().UTC()
		d.StartTime = now
		d.EndTime = now.Add(time.Duration(d.DurationSeconds) * time.Second)
		d.CreatorStartValue = e.baseline(ctx, d.Creator, d.AllowedTokens, d.StakeAmount)
		d.OpponentStartValue = e.baseline(ctx, d.Opponent, d.AllowedTokens, d.StakeAmount)
		d.CreatorFinalValue = d.CreatorStartValue
		d.OpponentFinalValue = d.OpponentStartValue
		d.Status = domain.DuelStatusActive
		activated = true
	}
	snapshot := *d

	e.persistDuel(ctx, snapshot)
	e.mirrorBalances(ctx, caller, escrow)
	e.auditLog(ctx, "stake_deposited", map[string]any{
		"duel_id":   id,
		"depositor": caller,
		"amount":    d.StakeAmount,
	})
	if activated {
		e.publish(ctx, domain.EventDuelActive, snapshot)
		e.logger.InfoContext(ctx, "duel activated",
			slog.Uint64("duel_id", id),
			slog.Time("end_time", snapshot.EndTime),
		)
	}
	return snapshot, nil
}

// UpdatePositions overwrites the latest measured portfolio values. The
// update must carry a valid oracle attestation. Updates arriving at or
// after the end of the window are still accepted; settlement simply uses
// whatever was last recorded.
func (e *Engine) UpdatePositions(ctx context.Context, upd domain.SignedUpdate) (domain.Duel, error) {
	if e.attestor != nil {
		if err := e.attestor.Verify(upd); err != nil {
			return domain.Duel{}, err
		}
	}

	d, unlock, err := e.lockDuel(upd.DuelID)
	if err != nil {
		return domain.Duel{}, err
	}
	defer unlock()

	if d.Status != domain.DuelStatusActive {
		return domain.Duel{}, domain.ErrInvalidStatus
	}

	d.CreatorFinalValue = upd.CreatorValue
	d.OpponentFinalValue = upd.OpponentValue
	snapshot := *d

	e.persistDuel(ctx, snapshot)
	e.publish(ctx, domain.EventPositionsUpdated, snapshot)
	return snapshot, nil
}

// SettleDuel determines the winner from the recorded values and drains the
// escrow in one atomic transfer batch: fee to the treasury, the remainder
// to the winner (or split refunds on a draw). Status flips to Settled only
// after the batch commits.
func (e *Engine) SettleDuel(ctx context.Context, id uint64) (domain.Duel, error) {
	d, unlock, err := e.lockDuel(id)
	if err != nil {
		return domain.Duel{}, err
	}
	defer unlock()

	if d.Status != domain.DuelStatusActive {
		return domain.Duel{}, domain.ErrInvalidStatus
	}
	now := e.clock().UTC()
	if now.Before(d.EndTime) {
		return domain.Duel{}, domain.ErrDuelNotExpired
	}

	e.mu.Lock()
	if e.protocol == nil {
		e.mu.Unlock()
		return domain.Duel{}, domain.ErrNotInitialized
	}
	feeBps := e.protocol.FeeBps
	treasury := e.protocol.Treasury
	e.mu.Unlock()

	payouts, err := ComputePayouts(*d, feeBps)
	if err != nil {
		return domain.Duel{}, err
	}

	escrow := ledger.EscrowAccount(id)
	legs := []ledger.Leg{
		{From: escrow, To: treasury, Amount: payouts.FeeAmount},
		{From: escrow, To: d.Creator, Amount: payouts.CreatorAmount},
		{From: escrow, To: d.Opponent, Amount: payouts.OpponentAmount},
	}
	if err := e.funds.TransferBatch(legs); err != nil {
		return domain.Duel{}, fmt.Errorf("engine: settle duel %d: %w", id, err)
	}

	d.Status = domain.DuelStatusSettled
	d.Winner = payouts.Winner
	d.SettledAt = &now
	snapshot := *d

	e.mu.Lock()
	e.protocol.TotalVolume += payouts.Pot
	protocol := *e.protocol
	e.mu.Unlock()

	e.persistDuel(ctx, snapshot)
	e.persistProtocol(ctx, protocol)
	e.mirrorBalances(ctx, escrow, treasury, d.Creator, d.Opponent)
	e.auditLog(ctx, domain.EventDuelSettled, map[string]any{
		"duel_id":          id,
		"winner":           string(payouts.Winner),
		"creator_pnl_bps":  payouts.CreatorPnLBps,
		"opponent_pnl_bps": payouts.OpponentPnLBps,
		"fee":              payouts.FeeAmount,
		"pot":              payouts.Pot,
	})
	e.publish(ctx, domain.EventDuelSettled, snapshot)

	e.logger.InfoContext(ctx, "duel settled",
		slog.Uint64("duel_id", id),
		slog.String("winner", string(payouts.Winner)),
		slog.Int64("creator_pnl_bps", payouts.CreatorPnLBps),
		slog.Int64("opponent_pnl_bps", payouts.OpponentPnLBps),
		slog.Uint64("fee", payouts.FeeAmount),
	)
	return snapshot, nil
}

// CancelDuel withdraws a challenge nobody has accepted. No funds are at
// stake yet, so nothing moves.
func (e *Engine) CancelDuel(ctx context.Context, id uint64, caller string) (domain.Duel, error) {
	d, unlock, err := e.lockDuel(id)
	if err != nil {
		return domain.Duel{}, err
	}
	defer unlock()

	if d.Status != domain.DuelStatusPending {
		return domain.Duel{}, domain.ErrCannotCancel
	}
	if caller != d.Creator {
		return domain.Duel{}, domain.ErrUnauthorized
	}

	d.Status = domain.DuelStatusCancelled
	snapshot := *d

	e.persistDuel(ctx, snapshot)
	e.auditLog(ctx, domain.EventDuelCancelled, map[string]any{"duel_id": id})
	e.publish(ctx, domain.EventDuelCancelled, snapshot)
	return snapshot, nil
}

// CreditAccount funds a ledger account. Only the protocol authority may
// credit; this is the stand-in for the out-of-scope deposit on-ramp.
func (e *Engine) CreditAccount(ctx context.Context, caller, account string, amount uint64) error {
	e.mu.Lock()
	if e.protocol == nil {
		e.mu.Unlock()
		return domain.ErrNotInitialized
	}
	authority := e.protocol.Authority
	e.mu.Unlock()

	if caller != authority {
		return domain.ErrUnauthorized
	}
	if account == "" || amount == 0 {
		return domain.ErrInvalidStakeAmount
	}
	if err := e.funds.Credit(account, amount); err != nil {
		return err
	}
	e.mirrorBalances(ctx, account)
	e.auditLog(ctx, "account_credited", map[string]any{
		"account": account,
		"amount":  amount,
	})
	return nil
}

// ---------------------------------------------------------------------------
// Queries
// ---------------------------------------------------------------------------

// GetDuel returns a copy of the duel record, taken under the duel's lock so
// the copy never interleaves with an in-flight mutation.
func (e *Engine) GetDuel(id uint64) (domain.Duel, error) {
	d, unlock, err := e.lockDuel(id)
	if err != nil {
		return domain.Duel{}, err
	}
	defer unlock()
	return *d, nil
}

// ActiveDuels returns copies of every duel currently in the Active status.
// The oracle uses this to synchronize its monitor set. Each duel is copied
// under its own lock; the result is a set of per-duel consistent snapshots,
// not a single point-in-time view of all duels.
func (e *Engine) ActiveDuels(ctx context.Context) []domain.Duel {
	e.mu.Lock()
	ids := make([]uint64, 0, len(e.duels))
	for id := range e.duels {
		ids = append(ids, id)
	}
	e.mu.Unlock()

	var out []domain.Duel
	for _, id := range ids {
		d, unlock, err := e.lockDuel(id)
		if err != nil {
			continue
		}
		if d.Status == domain.DuelStatusActive {
			out = append(out, *d)
		}
		unlock()
	}
	return out
}

// EscrowBalance returns the current escrow balance for a duel.
func (e *Engine) EscrowBalance(id uint64) uint64 {
	return e.funds.Balance(ledger.EscrowAccount(id))
}

// ---------------------------------------------------------------------------
// Internal helpers
// ---------------------------------------------------------------------------

// lockDuel acquires the duel's critical section and returns the live record.
// The returned unlock must be called when the operation completes.
func (e *Engine) lockDuel(id uint64) (*domain.Duel, func(), error) {
	e.mu.Lock()
	d, ok := e.duels[id]
	if !ok {
		e.mu.Unlock()
		return nil, nil, domain.ErrNotFound
	}
	lock := e.duelLocks[id]
	e.mu.Unlock()

	lock.Lock()
	return d, lock.Unlock, nil
}

// baseline values a wallet at activation, falling back to the stake amount
// when the valuator is absent or fails so activation never blocks on a
// degraded oracle and the baseline is never zero.
func (e *Engine) baseline(ctx context.Context, wallet string, tokens []string, stake uint64) uint64 {
	if e.valuator == nil {
		return stake
	}
	v, err := e.valuator.Value(ctx, wallet, tokens)
	if err != nil || v == 0 {
		if err != nil {
			e.logger.WarnContext(ctx, "baseline valuation failed, using stake",
				slog.String("wallet", wallet),
				slog.String("error", err.Error()),
			)
		}
		return stake
	}
	return v
}

func (e *Engine) persistDuel(ctx context.Context, d domain.Duel) {
	if e.duelStore == nil {
		return
	}
	if err := e.duelStore.Upsert(ctx, d); err != nil {
		e.logger.ErrorContext(ctx, "duel store write failed",
			slog.Uint64("duel_id", d.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (e *Engine) persistProtocol(ctx context.Context, p domain.Protocol) {
	if e.protocolStore == nil {
		return
	}
	if err := e.protocolStore.Upsert(ctx, p); err != nil {
		e.logger.ErrorContext(ctx, "protocol store write failed",
			slog.String("error", err.Error()),
		)
	}
}

func (e *Engine) mirrorBalances(ctx context.Context, accounts ...string) {
	if e.accountStore == nil {
		return
	}
	for _, acct := range accounts {
		if err := e.accountStore.UpsertBalance(ctx, acct, e.funds.Balance(acct)); err != nil {
			e.logger.ErrorContext(ctx, "account mirror write failed",
				slog.String("account", acct),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (e *Engine) auditLog(ctx context.Context, event string, detail map[string]any) {
	if e.audit == nil {
		return
	}
	if err := e.audit.Log(ctx, event, detail); err != nil {
		e.logger.ErrorContext(ctx, "audit write failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

func (e *Engine) publish(ctx context.Context, event string, d domain.Duel) {
	if e.bus == nil {
		return
	}
	payload, err := json.Marshal(domain.DuelEvent{
		Event:     event,
		Duel:      d,
		Timestamp: e.clock().UTC(),
	})
	if err != nil {
		return
	}
	if err := e.bus.Publish(ctx, event, payload); err != nil {
		e.logger.DebugContext(ctx, "event publish failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
