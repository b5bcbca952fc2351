package jackpot

import (
	"crypto/sha256"
	"encoding/binary"
	"sort"
)

// DrawWinner picks one address from the eligible set, reproducibly from the
// seed. The set is sorted first so the result depends only on membership, and
// the shuffle consumes one hash per step: step i derives its random from
// sha256(seed || big_endian_u32(i)), whose low 32 bits mod (i+1) give the
// swap index. Publishing the seed and the eligible snapshot lets anyone
// re-run the draw.
func DrawWinner(seed []byte, eligible []string) string {
	if len(eligible) == 0 {
		return ""
	}
	names := append([]string(nil), eligible...)
	sort.Strings(names)

	for i := len(names) - 1; i > 0; i-- {
		j := int(stepRandom(seed, uint32(i)) % uint32(i+1))
		names[i], names[j] = names[j], names[i]
	}
	return names[0]
}

func stepRandom(seed []byte, i uint32) uint32 {
	h := sha256.New()
	h.Write(seed)
	var step [4]byte
	binary.BigEndian.PutUint32(step[:], i)
	h.Write(step[:])
	digest := h.Sum(nil)
	return binary.BigEndian.Uint32(digest[len(digest)-4:])
}
