package domain

import "time"

// Signal bus channel names for duel lifecycle events.
const (
	EventDuelCreated      = "duel_created"
	EventDuelAccepted     = "duel_accepted"
	EventDuelActive       = "duel_active"
	EventPositionsUpdated = "positions_updated"
	EventDuelSettled      = "duel_settled"
	EventDuelCancelled    = "duel_cancelled"
)

// DuelEvent is the JSON payload published on the signal bus for every
// lifecycle transition.
type DuelEvent struct {
	Event     string    `json:"event"`
	Duel      Duel      `json:"duel"`
	Timestamp time.Time `json:"timestamp"`
}
