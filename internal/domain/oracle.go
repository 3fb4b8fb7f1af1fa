package domain

import (
	"context"
	"time"
)

// Monitor is the oracle's in-memory tracking record for one Active duel.
// It mirrors the fields the sweep loops need so that a sweep never has to
// fetch the full duel record per tick.
type Monitor struct {
	DuelID        uint64
	Creator       string
	Opponent      string
	AllowedTokens []string
	StartTime     time.Time
	EndTime       time.Time
	LastUpdate    time.Time
}

// PositionUpdate carries one oracle measurement of both portfolios.
type PositionUpdate struct {
	DuelID        uint64 `json:"duel_id"`
	CreatorValue  uint64 `json:"creator_value"`
	OpponentValue uint64 `json:"opponent_value"`
	Timestamp     int64  `json:"timestamp"` // unix seconds
}

// SignedUpdate is a PositionUpdate attested by the oracle identity.
type SignedUpdate struct {
	PositionUpdate
	OracleID  string `json:"oracle_id"`
	Signature string `json:"signature"` // base64 HMAC-SHA256
}

// PriceSource returns the current unit price for an asset identifier.
// Implementations may fail or serve stale data; callers must tolerate both.
type PriceSource interface {
	Price(ctx context.Context, assetID string) (float64, error)
}

// Holding is one token balance held by a wallet, in the token's base units.
type Holding struct {
	AssetID string
	Amount  uint64
}

// WalletReader reads balances from the host ledger.
type WalletReader interface {
	NativeBalance(ctx context.Context, wallet string) (uint64, error)
	TokenHoldings(ctx context.Context, wallet string, tokens []string) ([]Holding, error)
}

// Valuator sums a wallet's holdings into one normalized value.
type Valuator interface {
	Value(ctx context.Context, wallet string, tokens []string) (uint64, error)
}
