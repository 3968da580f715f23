package device

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/23skdu/longbow-bmllm/internal/gguf"
)

const (
	tensorEmbedding = "token_embd.weight"
	tensorVision    = "vit.proj.weight"
)

func layerTensor(l int, part string) string {
	return fmt.Sprintf("blk.%d.%s.weight", l, part)
}

// RequiredTensors lists the tensor names a model file with spec must contain.
func RequiredTensors(spec HostModelSpec) []string {
	names := []string{tensorEmbedding}
	for l := 0; l < spec.Layers; l++ {
		names = append(names,
			layerTensor(l, "attn_q"), layerTensor(l, "attn_k"),
			layerTensor(l, "attn_v"), layerTensor(l, "ffn"))
	}
	if spec.VisionPatches > 0 {
		names = append(names, tensorVision)
	}
	return names
}

// Save writes the model as a GGUF file with F32 weights.
func (m *HostModel) Save(path string) error {
	if err := m.check(); err != nil {
		return err
	}
	s := m.Spec
	w := gguf.NewWriter()
	w.SetKV(gguf.KeyArchitecture, gguf.Architecture)
	w.SetKV(gguf.KeyName, fmt.Sprintf("host-%dl-%dh", s.Layers, s.Hidden))
	w.SetKV(gguf.KeyLayers, uint32(s.Layers))
	w.SetKV(gguf.KeySeqLen, uint32(s.SeqLen))
	w.SetKV(gguf.KeyHidden, uint32(s.Hidden))
	w.SetKV(gguf.KeyVocab, uint32(s.Vocab))
	w.SetKV(gguf.KeyCandidates, uint32(s.Candidates))
	w.SetKV(gguf.KeyDType, s.DType.String())
	w.SetKV(gguf.KeyDynamic, s.Dynamic)
	w.SetKV(gguf.KeyIOAlone, s.IOAlone)
	w.SetKV(gguf.KeyVisionPatches, uint32(s.VisionPatches))
	w.SetKV(gguf.KeyVisionDims, uint32(s.VisionDims))
	w.SetKV(gguf.KeySeed, s.Seed)

	add := func(name string, vals []float32, dims ...uint64) error {
		return w.AddTensor(name, gguf.GGMLTypeF32, dims, f32Bytes(vals))
	}
	H := uint64(s.Hidden)
	if err := add(tensorEmbedding, m.Embedding, H, uint64(s.Vocab)); err != nil {
		return err
	}
	for l, layer := range m.Layers {
		parts := []struct {
			name string
			vals []float32
		}{
			{"attn_q", layer.Q}, {"attn_k", layer.K}, {"attn_v", layer.V}, {"ffn", layer.FFN},
		}
		for _, p := range parts {
			if err := add(layerTensor(l, p.name), p.vals, H); err != nil {
				return err
			}
		}
	}
	if s.VisionPatches > 0 {
		if err := add(tensorVision, m.VisionProj, H, uint64(s.VisionDims)); err != nil {
			return err
		}
	}
	return w.WriteFile(path)
}

// LoadHostModel reads a model written by Save.
func LoadHostModel(path string) (*HostModel, error) {
	f, err := gguf.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	defer func() {
		_ = f.Close()
	}()
	return HostModelFromGGUF(f)
}

// HostModelFromGGUF decodes a parsed model file. Weight slices are copied out of f.
func HostModelFromGGUF(f *gguf.GGUFFile) (*HostModel, error) {
	a := gguf.NewMetadataAnalyzer(f)
	report, err := a.Analyze()
	if err != nil {
		return nil, err
	}
	dt, err := ParseDType(report.DType)
	if err != nil {
		return nil, err
	}
	spec := HostModelSpec{
		Layers:        report.Layers,
		SeqLen:        report.ContextLength,
		Hidden:        report.HiddenSize,
		Vocab:         report.VocabSize,
		Candidates:    report.Candidates,
		DType:         dt,
		Dynamic:       report.Dynamic,
		IOAlone:       report.IOAlone,
		VisionPatches: report.VisionPatches,
		VisionDims:    int(gguf.GetKVInt(f.KV, gguf.KeyVisionDims)),
		Seed:          int64(gguf.GetKVInt(f.KV, gguf.KeySeed)),
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if missing := a.FindMissingTensors(RequiredTensors(spec)); len(missing) > 0 {
		return nil, fmt.Errorf("model file is missing tensors %v", missing)
	}

	read := func(name string) ([]float32, error) {
		return gguf.TensorFloat32s(f.Tensor(name))
	}
	m := &HostModel{Spec: spec, Layers: make([]HostLayer, spec.Layers)}
	if m.Embedding, err = read(tensorEmbedding); err != nil {
		return nil, err
	}
	for l := range m.Layers {
		layer := &m.Layers[l]
		for _, p := range []struct {
			name string
			dst  *[]float32
		}{
			{"attn_q", &layer.Q}, {"attn_k", &layer.K}, {"attn_v", &layer.V}, {"ffn", &layer.FFN},
		} {
			if *p.dst, err = read(layerTensor(l, p.name)); err != nil {
				return nil, err
			}
		}
	}
	if spec.VisionPatches > 0 {
		if m.VisionProj, err = read(tensorVision); err != nil {
			return nil, err
		}
	}
	if err := m.check(); err != nil {
		return nil, err
	}
	return m, nil
}

func f32Bytes(vals []float32) []byte {
	out := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
	}
	return out
}
