package engine

// maskBias is the additive attention bias for masked positions.
const maskBias float32 = -10000

// Sequence is a fixed-capacity token arena. Capacity and live length are
// tracked separately; slots past Len are zero.
type Sequence struct {
	tokens []int
	length int
	seqLen int
}

// newSequence sizes the arena to seqLen+1 so a full-length prompt can still
// hold the token sampled from it.
func newSequence(seqLen int) *Sequence {
	return &Sequence{tokens: make([]int, seqLen+1), seqLen: seqLen}
}

func (s *Sequence) Reset(prompt []int) {
	clear(s.tokens)
	s.length = copy(s.tokens, prompt)
}

func (s *Sequence) Append(tok int) {
	s.tokens[s.length] = tok
	s.length++
}

func (s *Sequence) Len() int { return s.length }

func (s *Sequence) Capacity() int { return s.seqLen }

// Last returns the most recent token. Len must be positive.
func (s *Sequence) Last() int { return s.tokens[s.length-1] }

// Tokens returns a copy of the live tokens.
func (s *Sequence) Tokens() []int {
	return append([]int(nil), s.tokens[:s.length]...)
}

// Window returns the first n arena slots, zero padded, for the embedding input.
func (s *Sequence) Window(n int) []int {
	return append([]int(nil), s.tokens[:n]...)
}

// prefillPositions returns position ids 0..n-1 padded with zeros to width.
func prefillPositions(n, width int) []int {
	pos := make([]int, width)
	for i := 0; i < n; i++ {
		pos[i] = i
	}
	return pos
}

// prefillMask builds a width x width causal mask for n live tokens: 0 where
// j <= i < n, maskBias elsewhere. Rows past n are fully masked.
func prefillMask(n, width int) []float32 {
	mask := make([]float32, width*width)
	for i := 0; i < width; i++ {
		for j := 0; j < width; j++ {
			if i >= n || j > i {
				mask[i*width+j] = maskBias
			}
		}
	}
	return mask
}

// decodeMask builds the mask row for a decode step at sequence length n over
// width history slots. History slots before n-1 attend, the rest are masked,
// and the trailing entry (the new token itself) attends.
func decodeMask(n, width int) []float32 {
	mask := make([]float32, width+1)
	for j := n - 1; j < width; j++ {
		mask[j] = maskBias
	}
	return mask
}

// repetitionWindow returns the last min(lastN, len(tokens)) tokens, padded to
// width with the final token.
func repetitionWindow(tokens []int, lastN, width int) []int {
	out := make([]int, width)
	if len(tokens) == 0 {
		return out
	}
	last := tokens[len(tokens)-1]
	for i := range out {
		out[i] = last
	}
	n := min(lastN, len(tokens), width)
	copy(out, tokens[len(tokens)-n:])
	return out
}
