package store

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

type row struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestSetGetDelete(t *testing.T) {
	s := NewMemStore()
	key := []byte("bets/1")

	var out row
	found, err := s.Get(key, &out)
	require.NoError(t, err)
	require.False(t, found)

	require.NoError(t, s.Set(key, row{Name: "alice", Count: 3}))
	found, err = s.Get(key, &out)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "alice", out.Name)

	has, err := s.Has(key)
	require.NoError(t, err)
	require.True(t, has)

	require.NoError(t, s.Delete(key))
	has, err = s.Has(key)
	require.NoError(t, err)
	require.False(t, has)
}

func TestIterateRespectsPrefix(t *testing.T) {
	s := NewMemStore()
	require.NoError(t, s.Set([]byte("bets/1"), row{Name: "a"}))
	require.NoError(t, s.Set([]byte("bets/2"), row{Name: "b"}))
	require.NoError(t, s.Set([]byte("vault/x"), row{Name: "c"}))

	var keys []string
	err := s.Iterate([]byte("bets/"), func(key, _ []byte) (bool, error) {
		keys = append(keys, string(key))
		return false, nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{"bets/1", "bets/2"}, keys)
}

func TestIterateEarlyStop(t *testing.T) {
	s := NewMemStore()
	require.NoError(t, s.Set([]byte("bets/1"), row{}))
	require.NoError(t, s.Set([]byte("bets/2"), row{}))

	n := 0
	err := s.Iterate([]byte("bets/"), func(_, _ []byte) (bool, error) {
		n++
		return true, nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestBetKeyOrdering(t *testing.T) {
	// Big-endian ids keep numeric and byte order aligned.
	s := NewMemStore()
	for _, id := range []uint64{300, 2, 1000000} {
		require.NoError(t, s.Set(BetKey(id), row{Count: int(id)}))
	}
	var counts []int
	err := s.Iterate(BetKeyPrefix, func(_, value []byte) (bool, error) {
		var r row
		if err := json.Unmarshal(value, &r); err != nil {
			return true, err
		}
		counts = append(counts, r.Count)
		return false, nil
	})
	require.NoError(t, err)
	require.Equal(t, []int{2, 300, 1000000}, counts)
}
