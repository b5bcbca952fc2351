package game

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"

	"onchainflip/apps/coord/internal/bets"
)

// Commitment binds the maker to a secret side before any acceptor sees it.
// The contract recomputes sha256(secret || side) at reveal time.
type Commitment struct {
	Side   string
	Secret string // 32 bytes, hex
	Hash   string // 32 bytes, hex
}

func newCommitment(side string, readRand func([]byte) (int, error)) (Commitment, error) {
	secret := make([]byte, 32)
	if _, err := readRand(secret); err != nil {
		return Commitment{}, err
	}
	if side == "" {
		side = bets.SideHeads
		if secret[0]&1 == 1 {
			side = bets.SideTails
		}
	}
	return Commitment{
		Side:   side,
		Secret: hex.EncodeToString(secret),
		Hash:   CommitmentHash(secret, side),
	}, nil
}

// CommitmentHash is the canonical commitment derivation.
func CommitmentHash(secret []byte, side string) string {
	h := sha256.New()
	h.Write(secret)
	h.Write([]byte(side))
	return hex.EncodeToString(h.Sum(nil))
}

var readRand = rand.Read
