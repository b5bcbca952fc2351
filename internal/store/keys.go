package store

import "encoding/binary"

// Key layout. Tables are separated by prefix; numeric ids are big-endian so
// iteration order matches numeric order.
var (
	BetKeyPrefix        = []byte("bets/")
	PendingBetKeyPrefix = []byte("pending/")
	VaultKeyPrefix      = []byte("vault/")
	TxEventKeyPrefix    = []byte("txevents/")
	PoolKeyPrefix       = []byte("jackpot/pools/")
	ActivePoolKeyPrefix = []byte("jackpot/active/")
	ContribKeyPrefix    = []byte("jackpot/contrib/")
	TreasuryKeyPrefix   = []byte("treasury/")

	NextPoolIDKey = []byte("jackpot/nextpool")
)

func BetKey(id uint64) []byte {
	return appendU64(BetKeyPrefix, id)
}

func PendingBetKey(txHash string) []byte {
	return append(append([]byte(nil), PendingBetKeyPrefix...), txHash...)
}

func VaultKey(addr string) []byte {
	return append(append([]byte(nil), VaultKeyPrefix...), addr...)
}

func TxEventKey(txHash, eventType string) []byte {
	k := append(append([]byte(nil), TxEventKeyPrefix...), txHash...)
	k = append(k, '/')
	return append(k, eventType...)
}

func PoolKey(id uint64) []byte {
	return appendU64(PoolKeyPrefix, id)
}

func ActivePoolKey(tierID string) []byte {
	return append(append([]byte(nil), ActivePoolKeyPrefix...), tierID...)
}

func ContribKey(poolID, betID uint64) []byte {
	k := appendU64(ContribKeyPrefix, poolID)
	k = append(k, '/')
	return appendU64(k, betID)
}

// ContribPoolPrefix scans all contributions of one pool.
func ContribPoolPrefix(poolID uint64) []byte {
	return append(appendU64(ContribKeyPrefix, poolID), '/')
}

func TreasuryKey(txHash string) []byte {
	return append(append([]byte(nil), TreasuryKeyPrefix...), txHash...)
}

func appendU64(prefix []byte, v uint64) []byte {
	k := make([]byte, 0, len(prefix)+8)
	k = append(k, prefix...)
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return append(k, b[:]...)
}
