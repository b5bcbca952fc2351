package game

import errorsmod "cosmossdk.io/errors"

// Game service sentinel errors. The HTTP adapter maps these onto status
// codes; everything else surfaces as a 500.
var (
	ErrInvalidAmount       = errorsmod.Register("coord/game", 1, "invalid amount")
	ErrInsufficientBalance = errorsmod.Register("coord/game", 2, "insufficient balance")
	ErrTooManyOpenBets     = errorsmod.Register("coord/game", 3, "too many open bets")
	ErrBetNotFound         = errorsmod.Register("coord/game", 4, "bet not found")
	ErrBetAlreadyClaimed   = errorsmod.Register("coord/game", 5, "bet already claimed")
	ErrBetCanceled         = errorsmod.Register("coord/game", 6, "bet canceled")
	ErrSelfAccept          = errorsmod.Register("coord/game", 7, "cannot accept own bet")
	ErrNotYourBet          = errorsmod.Register("coord/game", 8, "bet belongs to another user")
	ErrWrongState          = errorsmod.Register("coord/game", 9, "bet not in expected state")
	ErrChainTxFailed       = errorsmod.Register("coord/game", 10, "chain transaction failed")
)
