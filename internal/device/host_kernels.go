package device

import (
	"fmt"
	"math"
	"sort"

	"github.com/23skdu/longbow-bmllm/internal/simd"
)

func (m *HostModel) embeddingKernel(sg *Subgraph, _ LaunchOptions) error {
	in, out := sg.Inputs[0], sg.Outputs[0]
	n := in.Elements()
	ids, err := readInts(in, n)
	if err != nil {
		return err
	}
	H := m.Spec.Hidden
	rows := make([]float32, n*H)
	for p, id := range ids {
		if id < 0 || id >= m.Spec.Vocab {
			return fmt.Errorf("token %d at position %d outside vocab of %d", id, p, m.Spec.Vocab)
		}
		copy(rows[p*H:(p+1)*H], m.Embedding[id*H:(id+1)*H])
	}
	return writeFloats(out, rows)
}

// project computes q, k, v for one position. k and v are rounded through the
// cache dtype so prefill attends over exactly what decode later reads back.
func (m *HostModel) project(layer HostLayer, x []float32, pos int) (q, k, v []float32) {
	H := len(x)
	q = make([]float32, H)
	k = make([]float32, H)
	v = make([]float32, H)
	for d := 0; d < H; d++ {
		pe := positional(pos, d, H)
		q[d] = x[d]*layer.Q[d] + pe
		k[d] = x[d]*layer.K[d] + pe
		v[d] = x[d] * layer.V[d]
	}
	return q, roundTrip(m.Spec.DType, k), roundTrip(m.Spec.DType, v)
}

// positional is a sinusoidal bias scaled down to keep scores small.
func positional(pos, d, H int) float32 {
	freq := math.Pow(10000, -float64(2*(d/2))/float64(H))
	if d%2 == 0 {
		return float32(0.1 * math.Sin(float64(pos)*freq))
	}
	return float32(0.1 * math.Cos(float64(pos)*freq))
}

func roundTrip(dt DType, vals []float32) []float32 {
	raw, err := EncodeFloat32s(dt, vals)
	if err != nil {
		return vals
	}
	out, err := DecodeFloat32s(dt, raw)
	if err != nil {
		return vals
	}
	return out
}

func dot(a, b []float32) float64 {
	var s float64
	for i := range a {
		s += float64(a[i]) * float64(b[i])
	}
	return s
}

// attend returns the softmax-weighted sum of values under additive bias.
func attend(q []float32, keys, values [][]float32, bias []float32) []float32 {
	scale := 1 / math.Sqrt(float64(len(q)))
	weights := make([]float64, len(keys))
	for j := range keys {
		weights[j] = dot(q, keys[j])*scale + float64(bias[j])
	}
	simd.Softmax(weights)
	out := make([]float64, len(q))
	for j, p := range weights {
		for d := range out {
			out[d] += p * float64(values[j][d])
		}
	}
	res := make([]float32, len(q))
	for d := range res {
		res[d] = float32(out[d])
	}
	return res
}

// mix applies the residual and per-channel feed-forward.
func mix(layer HostLayer, x, attn []float32) []float32 {
	y := make([]float32, len(x))
	for d := range x {
		h := x[d] + attn[d]
		y[d] = h + 0.5*float32(math.Tanh(float64(h*layer.FFN[d])))
	}
	return y
}

// blockKernel is the prefill block: n positions with an n x n mask.
func (m *HostModel) blockKernel(layer HostLayer, sg *Subgraph, opts LaunchOptions) error {
	H, S := m.Spec.Hidden, m.Spec.SeqLen
	n := S
	if opts.TokenLen > 0 {
		n = opts.TokenLen
	}
	if n > S {
		return fmt.Errorf("%s: token_len %d exceeds seq_len %d", sg.Name, n, S)
	}
	x, err := readFloats(sg.Inputs[0], n*H)
	if err != nil {
		return err
	}
	pos, err := readInts(sg.Inputs[1], n)
	if err != nil {
		return err
	}
	mask, err := readFloats(sg.Inputs[2], n*n)
	if err != nil {
		return err
	}

	qs := make([][]float32, n)
	ks := make([][]float32, n)
	vs := make([][]float32, n)
	for i := 0; i < n; i++ {
		qs[i], ks[i], vs[i] = m.project(layer, x[i*H:(i+1)*H], pos[i])
	}
	hidden := make([]float32, 0, n*H)
	keys := make([]float32, 0, n*H)
	values := make([]float32, 0, n*H)
	for i := 0; i < n; i++ {
		a := attend(qs[i], ks, vs, mask[i*n:(i+1)*n])
		hidden = append(hidden, mix(layer, x[i*H:(i+1)*H], a)...)
		keys = append(keys, ks[i]...)
		values = append(values, vs[i]...)
	}
	if err := writeFloats(sg.Outputs[0], hidden); err != nil {
		return err
	}
	if err := writeFloats(sg.Outputs[1], keys); err != nil {
		return err
	}
	return writeFloats(sg.Outputs[2], values)
}

// blockCacheKernel is the decode block: one position attending over n history
// rows plus itself. The mask row has n+1 entries, the last one for self.
func (m *HostModel) blockCacheKernel(layer HostLayer, sg *Subgraph, opts LaunchOptions) error {
	H, S := m.Spec.Hidden, m.Spec.SeqLen
	n := S
	if opts.TokenLen > 0 {
		n = opts.TokenLen
	}
	if n > S {
		return fmt.Errorf("%s: token_len %d exceeds seq_len %d", sg.Name, n, S)
	}
	x, err := readFloats(sg.Inputs[0], H)
	if err != nil {
		return err
	}
	pos, err := readInts(sg.Inputs[1], 1)
	if err != nil {
		return err
	}
	mask, err := readFloats(sg.Inputs[2], n+1)
	if err != nil {
		return err
	}
	histK, err := readFloats(sg.Inputs[3], n*H)
	if err != nil {
		return err
	}
	histV, err := readFloats(sg.Inputs[4], n*H)
	if err != nil {
		return err
	}

	q, k, v := m.project(layer, x, pos[0])
	keys := make([][]float32, n+1)
	values := make([][]float32, n+1)
	for j := 0; j < n; j++ {
		keys[j] = histK[j*H : (j+1)*H]
		values[j] = histV[j*H : (j+1)*H]
	}
	keys[n], values[n] = k, v

	a := attend(q, keys, values, mask)
	if err := writeFloats(sg.Outputs[0], mix(layer, x, a)); err != nil {
		return err
	}
	if err := writeFloats(sg.Outputs[1], k); err != nil {
		return err
	}
	return writeFloats(sg.Outputs[2], v)
}

func (m *HostModel) lmHeadKernel(sg *Subgraph, _ LaunchOptions) error {
	H, V := m.Spec.Hidden, m.Spec.Vocab
	h, err := readFloats(sg.Inputs[0], H)
	if err != nil {
		return err
	}
	logits := make([]float32, V)
	for t := 0; t < V; t++ {
		logits[t] = float32(dot(m.Embedding[t*H:(t+1)*H], h))
	}
	return writeFloats(sg.Outputs[0], logits)
}

func greedyKernel(sg *Subgraph, _ LaunchOptions) error {
	logits, err := readFloats(sg.Inputs[0], sg.Inputs[0].Elements())
	if err != nil {
		return err
	}
	return writeInts(sg.Outputs[0], []int{simd.ArgMax(logits)})
}

// penaltySampleKernel applies repetition penalty and temperature, keeps the
// top-k logits, and truncates their softmax to the top-p mass.
func penaltySampleKernel(sg *Subgraph, _ LaunchOptions) error {
	logits, err := readFloats(sg.Inputs[0], sg.Inputs[0].Elements())
	if err != nil {
		return err
	}
	window, err := readInts(sg.Inputs[1], sg.Inputs[1].Elements())
	if err != nil {
		return err
	}
	scalars := make([]float32, 3)
	for i := range scalars {
		v, err := readFloats(sg.Inputs[2+i], 1)
		if err != nil {
			return err
		}
		scalars[i] = v[0]
	}
	topP, temperature, penalty := float64(scalars[0]), float64(scalars[1]), float64(scalars[2])
	if temperature <= 0 {
		return fmt.Errorf("%s: temperature must be positive, got %v", sg.Name, temperature)
	}

	adj := make([]float64, len(logits))
	for i, v := range logits {
		adj[i] = float64(v)
	}
	seen := make(map[int]struct{}, len(window))
	for _, id := range window {
		if _, ok := seen[id]; ok || id < 0 || id >= len(adj) {
			continue
		}
		seen[id] = struct{}{}
		if adj[id] > 0 {
			adj[id] /= penalty
		} else {
			adj[id] *= penalty
		}
	}
	for i := range adj {
		adj[i] /= temperature
	}

	k := sg.Outputs[0].Elements()
	idx := make([]int, len(adj))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return adj[idx[a]] > adj[idx[b]] })
	idx = idx[:k]

	probs := make([]float64, k)
	for i, id := range idx {
		probs[i] = adj[id]
	}
	simd.Softmax(probs)
	cut := simd.TopPCutoff(probs, topP)
	var kept float64
	for i := range probs {
		if i >= cut {
			probs[i] = 0
		}
		kept += probs[i]
	}
	out := make([]float32, k)
	for i := range probs {
		out[i] = float32(probs[i] / kept)
	}
	if err := writeFloats(sg.Outputs[0], out); err != nil {
		return err
	}
	return writeInts(sg.Outputs[1], idx)
}

// visionKernel projects pixel patches into the hidden space. Patches whose
// diagonal attention entry is masked are treated as padding and emit zeros.
func (m *HostModel) visionKernel(sg *Subgraph, _ LaunchOptions) error {
	P, D, H := m.Spec.VisionPatches, m.Spec.VisionDims, m.Spec.Hidden
	pixels, err := readFloats(sg.Inputs[0], P*D)
	if err != nil {
		return err
	}
	mask, err := readFloats(sg.Inputs[2], P*P)
	if err != nil {
		return err
	}
	out := make([]float32, P*H)
	for p := 0; p < P; p++ {
		if mask[p*P+p] < 0 {
			continue
		}
		for h := 0; h < H; h++ {
			var s float64
			for d := 0; d < D; d++ {
				s += float64(pixels[p*D+d]) * float64(m.VisionProj[d*H+h])
			}
			out[p*H+h] = float32(s)
		}
	}
	return writeFloats(sg.Outputs[0], out)
}
