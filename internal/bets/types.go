package bets

import (
	"time"

	sdkmath "cosmossdk.io/math"
)

// Status is the lifecycle state of a bet. Terminal statuses never change.
type Status string

const (
	StatusOpen           Status = "open"
	StatusAccepting      Status = "accepting"
	StatusAccepted       Status = "accepted"
	StatusCanceling      Status = "canceling"
	StatusCanceled       Status = "canceled"
	StatusRevealed       Status = "revealed"
	StatusTimeoutClaimed Status = "timeout_claimed"
)

// validNext is the full transition table. Anything not listed is rejected
// unless the caller forces (indexer reconciliation only).
var validNext = map[Status][]Status{
	StatusOpen:      {StatusAccepting, StatusCanceling, StatusCanceled},
	StatusAccepting: {StatusAccepted, StatusOpen},
	StatusCanceling: {StatusCanceled, StatusOpen},
	StatusAccepted:  {StatusRevealed, StatusTimeoutClaimed},
}

func (s Status) IsTerminal() bool {
	switch s {
	case StatusCanceled, StatusRevealed, StatusTimeoutClaimed:
		return true
	}
	return false
}

// Settled reports whether the bet has reached a state that pays out a winner.
func (s Status) Settled() bool {
	return s == StatusRevealed || s == StatusTimeoutClaimed
}

// ValidTransition reports whether from -> to appears in the transition table.
func ValidTransition(from, to Status) bool {
	for _, n := range validNext[from] {
		if n == to {
			return true
		}
	}
	return false
}

// Side of a coin flip.
const (
	SideHeads = "heads"
	SideTails = "tails"
)

// Bet mirrors one on-chain bet. The id is chain-assigned; until the create tx
// confirms and the id is resolved, the submission lives in a PendingBet row
// keyed by tx hash instead.
type Bet struct {
	ID       uint64      `json:"id"`
	Maker    string      `json:"maker"`
	Acceptor string      `json:"acceptor,omitempty"`
	Amount   sdkmath.Int `json:"amount"`

	Commitment string `json:"commitment"`
	// MakerSide and MakerSecret stay server-side until reveal.
	MakerSide     string `json:"makerSide,omitempty"`
	MakerSecret   string `json:"makerSecret,omitempty"`
	AcceptorGuess string `json:"acceptorGuess,omitempty"`

	Winner     string      `json:"winner,omitempty"`
	Payout     sdkmath.Int `json:"payout"`
	Commission sdkmath.Int `json:"commission"`

	Status Status `json:"status"`

	CreatedTime  time.Time  `json:"createdTime"`
	UpdatedTime  time.Time  `json:"updatedTime"`
	AcceptedTime *time.Time `json:"acceptedTime,omitempty"`
	ResolvedTime *time.Time `json:"resolvedTime,omitempty"`

	TxhashCreate  string `json:"txhashCreate"`
	TxhashAccept  string `json:"txhashAccept,omitempty"`
	TxhashResolve string `json:"txhashResolve,omitempty"`
}

// PendingBet is a create submission whose chain-assigned id is not yet known.
type PendingBet struct {
	TxHash      string      `json:"txHash"`
	Maker       string      `json:"maker"`
	Amount      sdkmath.Int `json:"amount"`
	Commitment  string      `json:"commitment"`
	MakerSide   string      `json:"makerSide"`
	MakerSecret string      `json:"makerSecret"`
	CreatedTime time.Time   `json:"createdTime"`
}

// placeholderIDFloor: ids at or above this look like local millisecond
// timestamps rather than chain-assigned counters. Reconciliation treats such
// rows as orphans to be re-identified by commitment.
const placeholderIDFloor = 1_000_000_000_000

// PlaceholderID derives a provisional bet id from a wall-clock instant.
func PlaceholderID(t time.Time) uint64 {
	return uint64(t.UnixMilli())
}

// IsPlaceholderID reports whether id was locally assigned by PlaceholderID.
func IsPlaceholderID(id uint64) bool {
	return id >= placeholderIDFloor
}
