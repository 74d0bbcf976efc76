package buffer

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRingRoundtrip(t *testing.T) {
	r := NewRing(8)

	n := r.WriteFrom([]byte("hello"))
	require.Equal(t, 5, n)
	require.Equal(t, 5, r.Used())
	require.Equal(t, 3, r.Free())

	out := make([]byte, 8)
	n = r.ReadInto(out)
	require.Equal(t, 5, n)
	require.Equal(t, "hello", string(out[:n]))
	require.Equal(t, 0, r.Used())
}

func TestRingTruncation(t *testing.T) {
	r := NewRing(8)

	n := r.WriteFrom([]byte("ABCDEFGHIJK"))
	require.Equal(t, 8, n)
	require.True(t, r.Full())

	n = r.WriteFrom([]byte("Z"))
	require.Equal(t, 0, n)

	out := make([]byte, 8)
	n = r.ReadInto(out)
	require.Equal(t, 8, n)
	require.Equal(t, "ABCDEFGH", string(out[:n]))
}

func TestRingCompaction(t *testing.T) {
	r := NewRing(16)

	r.WriteFrom([]byte("abcdef"))
	r.Consume(2)
	require.Equal(t, "cdef", string(r.ReadableSpan(4)))

	r.Consume(2)
	r.WriteFrom([]byte("ghij"))
	require.Equal(t, "efghij", string(r.ReadableSpan(6)))
}

func TestRingFIFOLaw(t *testing.T) {
	r := NewRing(32)
	writes := []string{"ab", "cdef", "g", "hijklmno"}

	var want []byte
	for _, w := range writes {
		n := r.WriteFrom([]byte(w))
		want = append(want, w[:n]...)
		require.Equal(t, r.Capacity()-r.Free(), r.Used())
	}

	got := make([]byte, len(want))
	n := r.ReadInto(got)
	require.Equal(t, len(want), n)
	require.Equal(t, string(want), string(got))
	require.Equal(t, r.Capacity(), r.Free())
}

func TestRingSpanDiscipline(t *testing.T) {
	r := NewRing(8)

	w := r.WritableSpan(5)
	require.Len(t, w, 5)
	copy(w, "abcde")
	r.Commit(3)
	require.Equal(t, 3, r.Used())
	require.Equal(t, 5, r.Free())

	rd := r.ReadableSpan(2)
	require.Equal(t, "ab", string(rd))
	r.Consume(2)
	require.Equal(t, 1, r.Used())
	require.Equal(t, "c", string(r.ReadableSpan(1)))
}
