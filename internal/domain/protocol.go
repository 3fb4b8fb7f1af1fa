package domain

import "time"

// Protocol is the singleton record of global configuration and aggregate
// statistics. It is created exactly once by InitializeProtocol; the counters
// are mutated only by the escrow engine.
type Protocol struct {
	Authority   string    `json:"authority"`
	Treasury    string    `json:"treasury"`
	FeeBps      uint16    `json:"fee_bps"` // 0-10000
	TotalDuels  uint64    `json:"total_duels"`
	TotalVolume uint64    `json:"total_volume"`
	CreatedAt   time.Time `json:"created_at"`
}

// MaxFeeBps is the upper bound for the protocol fee rate (100%).
const MaxFeeBps = 10000
