package freemap

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func TestAllocateMarksBitsUsed(t *testing.T) {
	m := New(100)
	ids, ok := m.Allocate(3)
	require.True(t, ok)
	require.Len(t, ids, 3)
	require.ElementsMatch(t, []uint32{0, 1, 2}, ids)
}

func TestAllocateSkipsUsedSectors(t *testing.T) {
	m := New(10)
	m.MarkUsed(0)
	m.MarkUsed(1)
	ids, ok := m.Allocate(1)
	require.True(t, ok)
	require.Equal(t, []uint32{2}, ids)
}

func TestAllocateExhaustion(t *testing.T) {
	m := New(2)
	_, ok := m.Allocate(2)
	require.True(t, ok)
	_, ok = m.Allocate(1)
	require.False(t, ok)
}

func TestReleaseMakesSectorsAllocatableAgain(t *testing.T) {
	m := New(4)
	ids, ok := m.Allocate(4)
	require.True(t, ok)
	m.Release(ids[1:2])

	got, ok := m.Allocate(1)
	require.True(t, ok)
	require.Equal(t, ids[1:2], got)
}

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	m := New(200)
	m.MarkUsed(0)
	m.MarkUsed(199)
	m.MarkUsed(64)

	raw := m.Marshal()
	m2, err := Unmarshal(raw, 200)
	require.NoError(t, err)

	ids, ok := m2.Allocate(1) // first free id should be 1, since 0 is used
	require.True(t, ok)
	require.Equal(t, []uint32{1}, ids)
	require.Equal(t, m.ByteLen(), m2.ByteLen())

	// m2 just allocated sector 1 on top of what was unmarshaled from m, so
	// re-marshaling m2 must equal m's bitmap with bit 1 also set.
	m.MarkUsed(1)
	if diff := cmp.Diff(m.Marshal(), m2.Marshal()); diff != "" {
		t.Fatalf("unmarshaled bitmap diverged from source after equivalent mutation (-want +got):\n%s", diff)
	}
}

func TestUnmarshalRejectsShortBuffer(t *testing.T) {
	_, err := Unmarshal([]byte{0, 1, 2}, 100)
	require.Error(t, err)
}
