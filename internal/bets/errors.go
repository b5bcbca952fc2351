package bets

import errorsmod "cosmossdk.io/errors"

// Bet state machine sentinel errors.
var (
	ErrInvalidBet        = errorsmod.Register("coord/bets", 1, "invalid bet")
	ErrBetExists         = errorsmod.Register("coord/bets", 2, "bet already exists")
	ErrBetNotFound       = errorsmod.Register("coord/bets", 3, "bet not found")
	ErrInvalidTransition = errorsmod.Register("coord/bets", 4, "invalid status transition")
)
