package jackpot

import (
	"time"

	sdkmath "cosmossdk.io/math"
)

// PoolStatus is the lifecycle state of one pool cycle.
type PoolStatus string

const (
	PoolFilling   PoolStatus = "filling"
	PoolDrawing   PoolStatus = "drawing"
	PoolCompleted PoolStatus = "completed"
)

// Tier is a configured jackpot accumulator. Five tiers run concurrently in a
// standard deployment; each settled pot feeds all of them.
type Tier struct {
	ID              string      `json:"id"`
	Name            string      `json:"name"`
	Target          sdkmath.Int `json:"target"`
	MinGames        int         `json:"minGames"`
	ContributionBps uint64      `json:"contributionBps"`
	// MinVIPTier restricts eligibility to subscribers at or above the tier;
	// zero means open to everyone.
	MinVIPTier int  `json:"minVipTier,omitempty"`
	Active     bool `json:"active"`
}

// Pool is one filling cycle of a tier. At most one non-completed pool exists
// per tier.
type Pool struct {
	ID      uint64      `json:"id"`
	TierID  string      `json:"tierId"`
	Cycle   uint32      `json:"cycle"`
	Current sdkmath.Int `json:"current"`
	Status  PoolStatus  `json:"status"`

	Winner      string     `json:"winner,omitempty"`
	DrawSeed    string     `json:"drawSeed,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// Contribution is the idempotency row: one per (pool, bet) pair.
type Contribution struct {
	PoolID uint64      `json:"poolId"`
	BetID  uint64      `json:"betId"`
	Amount sdkmath.Int `json:"amount"`
	Time   time.Time   `json:"time"`
}

// VIPChecker answers subscription-tier eligibility questions. The
// subscription service lives outside this process boundary.
type VIPChecker interface {
	HasVIP(addr string, minTier int) bool
}

// OpenVIP treats every address as eligible; used when no VIP-exclusive tiers
// are configured.
type OpenVIP struct{}

func (OpenVIP) HasVIP(string, int) bool { return true }
