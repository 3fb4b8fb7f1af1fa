// Package domain defines the core types, errors, and interfaces shared by
// every layer of the duel protocol service.
package domain

import "time"

// DuelStatus represents the lifecycle state of a duel.
type DuelStatus string

const (
	DuelStatusPending   DuelStatus = "pending"
	DuelStatusAccepted  DuelStatus = "accepted"
	DuelStatusActive    DuelStatus = "active"
	DuelStatusSettled   DuelStatus = "settled"
	DuelStatusCancelled DuelStatus = "cancelled"
)

// Winner identifies the outcome of a settled duel.
type Winner string

const (
	WinnerNone     Winner = "none"
	WinnerCreator  Winner = "creator"
	WinnerOpponent Winner = "opponent"
	WinnerDraw     Winner = "draw"
)

// Duel is one staked, time-boxed trading contest between two wallets.
// Amounts and portfolio values are in integer base units.
type Duel struct {
	ID                 uint64     `json:"id"`
	Creator            string     `json:"creator"`
	Opponent           string     `json:"opponent"` // empty until accepted
	StakeAmount        uint64     `json:"stake_amount"`
	DurationSeconds    int64      `json:"duration_seconds"`
	Status             DuelStatus `json:"status"`
	Winner             Winner     `json:"winner"`
	AllowedTokens      []string   `json:"allowed_tokens"`
	CreatorDeposited   bool       `json:"creator_deposited"`
	OpponentDeposited  bool       `json:"opponent_deposited"`
	CreatedAt          time.Time  `json:"created_at"`
	StartTime          time.Time  `json:"start_time"`
	EndTime            time.Time  `json:"end_time"`
	CreatorStartValue  uint64     `json:"creator_start_value"`
	OpponentStartValue uint64     `json:"opponent_start_value"`
	CreatorFinalValue  uint64     `json:"creator_final_value"`
	OpponentFinalValue uint64     `json:"opponent_final_value"`
	SettledAt          *time.Time `json:"settled_at,omitempty"`
}

// IsParticipant reports whether wallet is one of the duel's two parties.
func (d *Duel) IsParticipant(wallet string) bool {
	return wallet == d.Creator || (d.Opponent != "" && wallet == d.Opponent)
}

// Terminal reports whether the duel has reached a terminal status.
func (d *Duel) Terminal() bool {
	return d.Status == DuelStatusSettled || d.Status == DuelStatusCancelled
}

// Expired reports whether the trading window has elapsed at the given time.
// It is only meaningful for Active duels.
func (d *Duel) Expired(now time.Time) bool {
	return !d.EndTime.IsZero() && !now.Before(d.EndTime)
}
