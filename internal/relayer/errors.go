package relayer

import errorsmod "cosmossdk.io/errors"

// Relayer sentinel errors.
var (
	ErrNotReady         = errorsmod.Register("coord/relayer", 1, "relayer not ready")
	ErrCheckTxRejected  = errorsmod.Register("coord/relayer", 2, "transaction rejected at check-tx")
	ErrBroadcastTimeout = errorsmod.Register("coord/relayer", 3, "broadcast timed out")
	ErrSequenceMismatch = errorsmod.Register("coord/relayer", 4, "account sequence mismatch")
	ErrActionInProgress = errorsmod.Register("coord/relayer", 5, "action already in progress")
)
