package engine

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSequenceArena(t *testing.T) {
	s := newSequence(4)
	require.Equal(t, 4, s.Capacity())

	s.Reset([]int{1, 2, 3, 4})
	s.Append(9)
	require.Equal(t, 5, s.Len())
	require.Equal(t, 9, s.Last())
	require.Equal(t, []int{1, 2, 3, 4, 9}, s.Tokens())

	s.Reset([]int{7})
	require.Equal(t, []int{7}, s.Tokens())
	require.Equal(t, []int{7, 0, 0, 0}, s.Window(4))

	toks := s.Tokens()
	toks[0] = 100
	require.Equal(t, 7, s.Last(), "Tokens must return a copy")
}

func TestPrefillPositions(t *testing.T) {
	require.Equal(t, []int{0, 1, 2, 0, 0}, prefillPositions(3, 5))
	require.Equal(t, []int{0, 1, 2}, prefillPositions(3, 3))
}

func TestPrefillMask(t *testing.T) {
	const n, width = 2, 3
	m := prefillMask(n, width)
	want := []float32{
		0, maskBias, maskBias,
		0, 0, maskBias,
		maskBias, maskBias, maskBias,
	}
	require.Equal(t, want, m)

	full := prefillMask(3, 3)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			require.Equal(t, j > i, full[i*3+j] == maskBias, "(%d,%d)", i, j)
		}
	}
}

func TestDecodeMask(t *testing.T) {
	require.Equal(t, []float32{0, 0, maskBias, maskBias, maskBias, 0}, decodeMask(3, 5))
	// Dynamic width equals the length: only the pending slot is masked.
	require.Equal(t, []float32{0, 0, maskBias, 0}, decodeMask(3, 3))
}

func TestRepetitionWindow(t *testing.T) {
	tests := []struct {
		name   string
		tokens []int
		lastN  int
		width  int
		want   []int
	}{
		{"single token fills window", []int{7}, 2, 4, []int{7, 7, 7, 7}},
		{"last n of longer history", []int{1, 2, 3, 4, 5}, 2, 4, []int{4, 5, 5, 5}},
		{"last n larger than history", []int{1, 2}, 64, 4, []int{1, 2, 2, 2}},
		{"history wider than window", []int{1, 2, 3, 4, 5, 6}, 64, 4, []int{3, 4, 5, 6}},
		{"empty history", nil, 2, 3, []int{0, 0, 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, repetitionWindow(tt.tokens, tt.lastN, tt.width))
		})
	}
}
