package kv

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStore_SlowTierRoundTrip_PreservesEntries(t *testing.T) {
	// GIVEN a store with a slow tier and a block with a gap at offset 1
	s, err := newStore(4, [numTiers]int{Fast: 1, Medium: 0, Slow: 1})
	require.NoError(t, err)
	defer s.close()
	entries := [][]byte{[]byte("k0v0"), nil, []byte{}, []byte("k3v3-longer")}

	// WHEN the block is packed into the slow tier and loaded back
	s.put(BlockHandle{Tier: Slow, Slot: 0}, entries)
	got, err := s.load(BlockHandle{Tier: Slow, Slot: 0})

	// THEN every entry, including the unwritten one, survives compression
	require.NoError(t, err)
	require.Len(t, got, 4)
	require.Equal(t, []byte("k0v0"), got[0])
	require.Nil(t, got[1])
	require.NotNil(t, got[2])
	require.Len(t, got[2], 0)
	require.Equal(t, []byte("k3v3-longer"), got[3])
}

func TestStore_WriteRead_FastTierCopiesData(t *testing.T) {
	s, err := newStore(2, [numTiers]int{Fast: 1})
	require.NoError(t, err)
	defer s.close()
	h := BlockHandle{Tier: Fast, Slot: 0}
	data := []byte{1, 2, 3}
	require.NoError(t, s.write(h, 1, data))
	data[0] = 9 // caller mutation must not leak into the store

	got, err := s.read(h, 1)
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3}, got)

	missing, err := s.read(h, 0)
	require.NoError(t, err)
	require.Nil(t, missing)
}

func TestStore_UnpackCorruptBlob_ReturnsError(t *testing.T) {
	s, err := newStore(2, [numTiers]int{Fast: 1, Slow: 1})
	require.NoError(t, err)
	defer s.close()
	_, err = s.unpack([]byte("not zstd"))
	require.Error(t, err)
}
