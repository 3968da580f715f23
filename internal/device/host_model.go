package device

import (
	"fmt"
	"math/rand"
)

// Sub-graph names every decoder bundle must provide.
const (
	NetEmbedding         = "embedding"
	NetEmbeddingCache    = "embedding_cache"
	NetLMHead            = "lm_head"
	NetGreedyHead        = "greedy_head"
	NetPenaltySampleHead = "penalty_sample_head"
	NetVision            = "vit"
)

func BlockName(i int) string      { return fmt.Sprintf("block_%d", i) }
func BlockCacheName(i int) string { return fmt.Sprintf("block_cache_%d", i) }

// HostModelSpec sizes a host reference model.
type HostModelSpec struct {
	Layers     int
	SeqLen     int
	Hidden     int
	Vocab      int
	Candidates int // penalty head top-k width
	DType      DType
	Dynamic    bool
	IOAlone    bool

	// Vision encoder; zero VisionPatches disables the vit sub-graph.
	VisionPatches int
	VisionDims    int

	Seed int64
}

func (s HostModelSpec) Validate() error {
	if s.Layers <= 0 {
		return fmt.Errorf("invalid layers: %d (must be positive)", s.Layers)
	}
	if s.SeqLen <= 0 {
		return fmt.Errorf("invalid seq_len: %d (must be positive)", s.SeqLen)
	}
	if s.Hidden <= 0 {
		return fmt.Errorf("invalid hidden: %d (must be positive)", s.Hidden)
	}
	if s.Vocab < 2 {
		return fmt.Errorf("invalid vocab: %d (must be >= 2)", s.Vocab)
	}
	if s.Candidates <= 0 || s.Candidates > s.Vocab {
		return fmt.Errorf("invalid candidates: %d (must be in [1, %d])", s.Candidates, s.Vocab)
	}
	if !s.DType.IsHalf() {
		return fmt.Errorf("invalid dtype %s (must be f16 or bf16)", s.DType)
	}
	if s.VisionPatches < 0 || (s.VisionPatches > 0 && s.VisionDims <= 0) {
		return fmt.Errorf("invalid vision shape: patches=%d dims=%d", s.VisionPatches, s.VisionDims)
	}
	return nil
}

// HostLayer holds the per-channel weights of one reference block.
type HostLayer struct {
	Q, K, V, FFN []float32
}

// HostModel is a tiny deterministic transformer used as the reference backend.
type HostModel struct {
	Spec       HostModelSpec
	Embedding  []float32 // Vocab x Hidden, tied with lm_head
	Layers     []HostLayer
	VisionProj []float32 // VisionDims x Hidden
}

// NewHostModel draws weights from spec.Seed.
func NewHostModel(spec HostModelSpec) (*HostModel, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	r := rand.New(rand.NewSource(spec.Seed))
	m := &HostModel{
		Spec:      spec,
		Embedding: make([]float32, spec.Vocab*spec.Hidden),
		Layers:    make([]HostLayer, spec.Layers),
	}
	for i := range m.Embedding {
		m.Embedding[i] = float32(r.NormFloat64() * 0.5)
	}
	uniform := func(n int, lo, hi float64) []float32 {
		out := make([]float32, n)
		for i := range out {
			out[i] = float32(lo + r.Float64()*(hi-lo))
		}
		return out
	}
	for l := range m.Layers {
		m.Layers[l] = HostLayer{
			Q:   uniform(spec.Hidden, 0.5, 1.5),
			K:   uniform(spec.Hidden, 0.5, 1.5),
			V:   uniform(spec.Hidden, 0.5, 1.5),
			FFN: uniform(spec.Hidden, -1, 1),
		}
	}
	if spec.VisionPatches > 0 {
		m.VisionProj = make([]float32, spec.VisionDims*spec.Hidden)
		for i := range m.VisionProj {
			m.VisionProj[i] = float32(r.NormFloat64() * 0.1)
		}
	}
	return m, nil
}

// Runtime binds the model's sub-graphs into a fresh HostRuntime.
func (m *HostModel) Runtime() (*HostRuntime, error) {
	if err := m.check(); err != nil {
		return nil, err
	}
	s := m.Spec
	h := NewHostRuntime()
	S, H, V, dt := s.SeqLen, s.Hidden, s.Vocab, s.DType
	addr := AddrModeShared
	if s.IOAlone {
		addr = AddrModeIOAlone
	}

	h.register(&Subgraph{
		Name:    NetEmbedding,
		Inputs:  []Slot{h.newSlot(DTypeInt32, 1, S)},
		Outputs: []Slot{h.newSlot(dt, 1, S, H)},
	}, m.embeddingKernel)
	h.register(&Subgraph{
		Name:    NetEmbeddingCache,
		Inputs:  []Slot{h.newSlot(DTypeInt32, 1, 1)},
		Outputs: []Slot{h.newSlot(dt, 1, 1, H)},
	}, m.embeddingKernel)

	for l := 0; l < s.Layers; l++ {
		layer := m.Layers[l]
		h.register(&Subgraph{
			Name: BlockName(l),
			Inputs: []Slot{
				h.newSlot(dt, 1, S, H),
				h.newSlot(DTypeInt32, 1, S),
				h.newSlot(dt, 1, 1, S, S),
			},
			Outputs: []Slot{
				h.newSlot(dt, 1, S, H),
				h.newSlot(dt, 1, S, H),
				h.newSlot(dt, 1, S, H),
			},
			IsDynamic: s.Dynamic,
		}, func(sg *Subgraph, opts LaunchOptions) error {
			return m.blockKernel(layer, sg, opts)
		})
		h.register(&Subgraph{
			Name: BlockCacheName(l),
			Inputs: []Slot{
				h.newSlot(dt, 1, 1, H),
				h.newSlot(DTypeInt32, 1, 1),
				h.newSlot(dt, 1, 1, 1, S+1),
				h.newSlot(dt, 1, S, H),
				h.newSlot(dt, 1, S, H),
			},
			Outputs: []Slot{
				h.newSlot(dt, 1, 1, H),
				h.newSlot(dt, 1, 1, H),
				h.newSlot(dt, 1, 1, H),
			},
			IsDynamic: s.Dynamic,
			AddrMode:  addr,
		}, func(sg *Subgraph, opts LaunchOptions) error {
			return m.blockCacheKernel(layer, sg, opts)
		})
	}

	h.register(&Subgraph{
		Name:    NetLMHead,
		Inputs:  []Slot{h.newSlot(dt, 1, H)},
		Outputs: []Slot{h.newSlot(DTypeFloat32, 1, V)},
	}, m.lmHeadKernel)
	h.register(&Subgraph{
		Name:    NetGreedyHead,
		Inputs:  []Slot{h.newSlot(DTypeFloat32, 1, V)},
		Outputs: []Slot{h.newSlot(DTypeInt32, 1)},
	}, greedyKernel)
	h.register(&Subgraph{
		Name: NetPenaltySampleHead,
		Inputs: []Slot{
			h.newSlot(DTypeFloat32, 1, V),
			h.newSlot(DTypeInt32, 1, S),
			h.newSlot(DTypeFloat32, 1),
			h.newSlot(DTypeFloat32, 1),
			h.newSlot(DTypeFloat32, 1),
		},
		Outputs: []Slot{
			h.newSlot(DTypeFloat32, 1, s.Candidates),
			h.newSlot(DTypeInt32, 1, s.Candidates),
		},
	}, penaltySampleKernel)

	if s.VisionPatches > 0 {
		P, D := s.VisionPatches, s.VisionDims
		h.register(&Subgraph{
			Name: NetVision,
			Inputs: []Slot{
				h.newSlot(DTypeFloat32, P, D),
				h.newSlot(DTypeInt32, P),
				h.newSlot(DTypeFloat32, P, P),
			},
			Outputs: []Slot{h.newSlot(DTypeFloat32, P, H)},
		}, m.visionKernel)
	}
	return h, nil
}

func (m *HostModel) check() error {
	s := m.Spec
	if err := s.Validate(); err != nil {
		return err
	}
	if len(m.Embedding) != s.Vocab*s.Hidden {
		return fmt.Errorf("embedding has %d values, want %d", len(m.Embedding), s.Vocab*s.Hidden)
	}
	if len(m.Layers) != s.Layers {
		return fmt.Errorf("model has %d layers, spec says %d", len(m.Layers), s.Layers)
	}
	for i, l := range m.Layers {
		if len(l.Q) != s.Hidden || len(l.K) != s.Hidden || len(l.V) != s.Hidden || len(l.FFN) != s.Hidden {
			return fmt.Errorf("layer %d weights do not match hidden size %d", i, s.Hidden)
		}
	}
	if s.VisionPatches > 0 && len(m.VisionProj) != s.VisionDims*s.Hidden {
		return fmt.Errorf("vision projection has %d values, want %d", len(m.VisionProj), s.VisionDims*s.Hidden)
	}
	return nil
}
