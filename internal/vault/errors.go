package vault

import errorsmod "cosmossdk.io/errors"

// Vault sentinel errors.
var (
	ErrInvalidAmount       = errorsmod.Register("coord/vault", 1, "invalid amount")
	ErrInsufficientBalance = errorsmod.Register("coord/vault", 2, "insufficient balance")
)
