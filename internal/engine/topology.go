package engine

import (
	"errors"
	"fmt"

	"github.com/23skdu/longbow-bmllm/internal/device"
)

// CacheMode selects who owns the per-layer KV history buffers.
type CacheMode int

const (
	// CacheModeExternallyOwnedSlice: the history lives in the block_cache
	// sub-graph's own inputs 3 and 4 (io_alone addressing).
	CacheModeExternallyOwnedSlice CacheMode = iota
	// CacheModeExplicitPersistentBuffer: the engine allocates the history and
	// copies it into the block_cache inputs before every decode launch.
	CacheModeExplicitPersistentBuffer
)

func (m CacheMode) String() string {
	switch m {
	case CacheModeExternallyOwnedSlice:
		return "externally_owned_slice"
	case CacheModeExplicitPersistentBuffer:
		return "explicit_persistent_buffer"
	default:
		return fmt.Sprintf("cache_mode(%d)", int(m))
	}
}

func (m CacheMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// Topology is read once from the loaded sub-graphs and never mutated.
type Topology struct {
	NumLayers         int          `json:"num_layers"`
	SeqLen            int          `json:"seq_len"`
	HiddenSize        int          `json:"hidden_size"`
	KVStrideBytes     int          `json:"kv_stride_bytes"`
	HiddenStrideBytes int          `json:"hidden_stride_bytes"`
	Dynamic           bool         `json:"dynamic"`
	CacheMode         CacheMode    `json:"cache_mode"`
	HiddenDType       device.DType `json:"hidden_dtype"`
	Vocab             int          `json:"vocab"`

	// Vision encoder shape, zero when the bundle has no vit sub-graph.
	VisionPatches int `json:"vision_patches,omitempty"`
	VisionDims    int `json:"vision_dims,omitempty"`
}

// graphs holds the resolved sub-graph handles.
type graphs struct {
	embedding      *device.Subgraph
	embeddingCache *device.Subgraph
	blocks         []*device.Subgraph
	blockCaches    []*device.Subgraph
	lmHead         *device.Subgraph
	greedyHead     *device.Subgraph
	penaltyHead    *device.Subgraph
	vision         *device.Subgraph
}

func lookup(rt device.Runtime, name string) (*device.Subgraph, error) {
	sg, err := rt.Subgraph(name)
	if err != nil {
		if errors.Is(err, device.ErrNoSuchSubgraph) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownSubgraph, name)
		}
		return nil, fmt.Errorf("%w: resolve %s: %w", ErrBackendLaunch, name, err)
	}
	return sg, nil
}

func malformed(sg *device.Subgraph, format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s: %s", ErrUnknownSubgraph, sg.Name, fmt.Sprintf(format, args...))
}

func checkArity(sg *device.Subgraph, inputs, outputs int) error {
	if len(sg.Inputs) < inputs || len(sg.Outputs) < outputs {
		return malformed(sg, "has %d inputs and %d outputs, want %d and %d",
			len(sg.Inputs), len(sg.Outputs), inputs, outputs)
	}
	return nil
}

// checkFloat reports a slot that cannot hold float values.
func checkFloat(sg *device.Subgraph, what string, slots ...device.Slot) error {
	for _, s := range slots {
		if s.DType == device.DTypeInt32 {
			return malformed(sg, "%s: dtype %s cannot hold float values", what, s.DType)
		}
	}
	return nil
}

// checkInt32 reports a token or position slot that is not int32.
func checkInt32(sg *device.Subgraph, what string, slots ...device.Slot) error {
	for _, s := range slots {
		if s.DType != device.DTypeInt32 {
			return malformed(sg, "%s: dtype %s, want %s", what, s.DType, device.DTypeInt32)
		}
	}
	return nil
}

// checkSlotTypes validates every slot the engine encodes or decodes, so a
// malformed bundle fails at load instead of on the first step.
func checkSlotTypes(g *graphs) error {
	checks := []error{
		checkInt32(g.embedding, "input_ids", g.embedding.Inputs[0]),
		checkFloat(g.embedding, "hidden output", g.embedding.Outputs[0]),
		checkInt32(g.embeddingCache, "input_ids", g.embeddingCache.Inputs[0]),
		checkFloat(g.embeddingCache, "hidden output", g.embeddingCache.Outputs[0]),
		checkFloat(g.lmHead, "logits", g.lmHead.Inputs[0], g.lmHead.Outputs[0]),
		checkFloat(g.greedyHead, "logits", g.greedyHead.Inputs[0]),
		checkInt32(g.greedyHead, "token output", g.greedyHead.Outputs[0]),
		checkFloat(g.penaltyHead, "logits", g.penaltyHead.Inputs[0]),
		checkInt32(g.penaltyHead, "input_ids", g.penaltyHead.Inputs[1]),
		checkFloat(g.penaltyHead, "sampling scalars", g.penaltyHead.Inputs[2:5]...),
		checkFloat(g.penaltyHead, "probabilities", g.penaltyHead.Outputs[0]),
		checkInt32(g.penaltyHead, "candidate tokens", g.penaltyHead.Outputs[1]),
	}
	for i := range g.blocks {
		blk, cache := g.blocks[i], g.blockCaches[i]
		checks = append(checks,
			checkFloat(blk, "hidden input", blk.Inputs[0]),
			checkInt32(blk, "positions", blk.Inputs[1]),
			checkFloat(blk, "mask", blk.Inputs[2]),
			checkFloat(blk, "outputs", blk.Outputs[:3]...),
			checkFloat(cache, "hidden input", cache.Inputs[0]),
			checkInt32(cache, "positions", cache.Inputs[1]),
			checkFloat(cache, "mask", cache.Inputs[2]),
			checkFloat(cache, "kv history", cache.Inputs[3:5]...),
			checkFloat(cache, "outputs", cache.Outputs[:3]...),
		)
	}
	if v := g.vision; v != nil {
		checks = append(checks,
			checkFloat(v, "pixels", v.Inputs[0]),
			checkInt32(v, "positions", v.Inputs[1]),
			checkFloat(v, "mask", v.Inputs[2]),
			checkFloat(v, "output", v.Outputs[0]),
		)
	}
	return errors.Join(checks...)
}

func slotBytes(s device.Slot) int {
	return s.Elements() * s.DType.Size()
}

// loadTopology resolves every required sub-graph and derives the topology.
func loadTopology(rt device.Runtime) (*Topology, *graphs, error) {
	g := &graphs{}
	var err error
	for _, r := range []struct {
		name string
		dst  **device.Subgraph
	}{
		{device.NetEmbedding, &g.embedding},
		{device.NetEmbeddingCache, &g.embeddingCache},
		{device.NetLMHead, &g.lmHead},
		{device.NetGreedyHead, &g.greedyHead},
		{device.NetPenaltySampleHead, &g.penaltyHead},
	} {
		if *r.dst, err = lookup(rt, r.name); err != nil {
			return nil, nil, err
		}
	}

	for i := 0; ; i++ {
		blk, err := rt.Subgraph(device.BlockName(i))
		if err != nil {
			break
		}
		cache, err := lookup(rt, device.BlockCacheName(i))
		if err != nil {
			return nil, nil, err
		}
		g.blocks = append(g.blocks, blk)
		g.blockCaches = append(g.blockCaches, cache)
	}
	if len(g.blocks) == 0 {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownSubgraph, device.BlockName(0))
	}

	if vit, err := rt.Subgraph(device.NetVision); err == nil {
		g.vision = vit
	}

	topo, err := deriveTopology(g)
	if err != nil {
		return nil, nil, err
	}
	return topo, g, nil
}

func deriveTopology(g *graphs) (*Topology, error) {
	if err := checkArity(g.embedding, 1, 1); err != nil {
		return nil, err
	}
	if err := checkArity(g.embeddingCache, 1, 1); err != nil {
		return nil, err
	}
	if err := checkArity(g.lmHead, 1, 1); err != nil {
		return nil, err
	}
	if err := checkArity(g.greedyHead, 1, 1); err != nil {
		return nil, err
	}
	if err := checkArity(g.penaltyHead, 5, 2); err != nil {
		return nil, err
	}

	emb := g.embedding.Outputs[0]
	if len(emb.Shape) < 3 {
		return nil, malformed(g.embedding, "output shape %v is not [batch, seq, hidden]", emb.Shape)
	}
	t := &Topology{
		NumLayers:   len(g.blocks),
		SeqLen:      g.embedding.Inputs[0].Shape[len(g.embedding.Inputs[0].Shape)-1],
		HiddenSize:  emb.Shape[2],
		Dynamic:     g.blocks[0].IsDynamic,
		HiddenDType: emb.DType,
	}
	if t.SeqLen <= 0 || t.HiddenSize <= 0 {
		return nil, malformed(g.embedding, "seq_len %d and hidden %d must be positive", t.SeqLen, t.HiddenSize)
	}

	first := g.blockCaches[0]
	if err := checkArity(first, 5, 3); err != nil {
		return nil, err
	}
	t.HiddenStrideBytes = slotBytes(first.Outputs[0])
	t.KVStrideBytes = slotBytes(first.Outputs[1])
	switch first.AddrMode {
	case device.AddrModeIOAlone:
		t.CacheMode = CacheModeExternallyOwnedSlice
	default:
		t.CacheMode = CacheModeExplicitPersistentBuffer
	}

	for i := range g.blocks {
		blk, cache := g.blocks[i], g.blockCaches[i]
		if err := checkArity(blk, 3, 3); err != nil {
			return nil, err
		}
		if err := checkArity(cache, 5, 3); err != nil {
			return nil, err
		}
		if cache.AddrMode != first.AddrMode {
			return nil, malformed(cache, "addressing mode %d differs from %s (%d)",
				cache.AddrMode, first.Name, first.AddrMode)
		}
		if blk.IsDynamic != t.Dynamic {
			return nil, malformed(blk, "dynamic flag differs from %s", g.blocks[0].Name)
		}
		if got := slotBytes(blk.Inputs[0]); got != t.SeqLen*t.HiddenStrideBytes {
			return nil, malformed(blk, "hidden input is %d bytes, want %d", got, t.SeqLen*t.HiddenStrideBytes)
		}
		if got := slotBytes(blk.Outputs[1]); got < t.SeqLen*t.KVStrideBytes {
			return nil, malformed(blk, "key output is %d bytes, want %d", got, t.SeqLen*t.KVStrideBytes)
		}
		if slotBytes(cache.Outputs[1]) != t.KVStrideBytes || slotBytes(cache.Outputs[2]) != t.KVStrideBytes {
			return nil, malformed(cache, "kv outputs are not %d bytes", t.KVStrideBytes)
		}
		for _, in := range cache.Inputs[3:5] {
			if got := slotBytes(in); got < t.SeqLen*t.KVStrideBytes {
				return nil, malformed(cache, "history input is %d bytes, want %d", got, t.SeqLen*t.KVStrideBytes)
			}
		}
		if got := cache.Inputs[2].Elements(); got != t.SeqLen+1 {
			return nil, malformed(cache, "mask has %d entries, want %d", got, t.SeqLen+1)
		}
	}

	if got := slotBytes(g.lmHead.Inputs[0]); got != t.HiddenStrideBytes {
		return nil, malformed(g.lmHead, "input is %d bytes, want %d", got, t.HiddenStrideBytes)
	}
	logits := slotBytes(g.lmHead.Outputs[0])
	if slotBytes(g.greedyHead.Inputs[0]) != logits || slotBytes(g.penaltyHead.Inputs[0]) != logits {
		return nil, malformed(g.lmHead, "logits (%d bytes) do not match the sampling heads", logits)
	}
	t.Vocab = g.lmHead.Outputs[0].Elements()

	if g.vision != nil {
		if err := checkArity(g.vision, 3, 1); err != nil {
			return nil, err
		}
	}
	if err := checkSlotTypes(g); err != nil {
		return nil, err
	}

	if g.vision != nil {
		px := g.vision.Inputs[0]
		if len(px.Shape) != 2 {
			return nil, malformed(g.vision, "pixel input shape %v is not [patches, dims]", px.Shape)
		}
		t.VisionPatches, t.VisionDims = px.Shape[0], px.Shape[1]
		if g.vision.Outputs[0].Elements() != t.VisionPatches*t.HiddenSize {
			return nil, malformed(g.vision, "output does not hold %d hidden rows", t.VisionPatches)
		}
	}
	return t, nil
}
