package gguf

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/x448/float16"
)

// Metadata keys written for host reference models.
const (
	KeyArchitecture  = "general.architecture"
	KeyName          = "general.name"
	KeyLayers        = "bmllm.block_count"
	KeySeqLen        = "bmllm.context_length"
	KeyHidden        = "bmllm.embedding_length"
	KeyVocab         = "bmllm.vocab_size"
	KeyCandidates    = "bmllm.sample.candidates"
	KeyDType         = "bmllm.dtype"
	KeyDynamic       = "bmllm.dynamic"
	KeyIOAlone       = "bmllm.io_alone"
	KeyVisionPatches = "bmllm.vision.patches"
	KeyVisionDims    = "bmllm.vision.dims"
	KeySeed          = "bmllm.seed"

	Architecture = "bmllm"
)

type MetadataAnalyzer struct {
	file *GGUFFile
}

func NewMetadataAnalyzer(file *GGUFFile) *MetadataAnalyzer {
	return &MetadataAnalyzer{file: file}
}

type AnalysisReport struct {
	Architecture    string `json:"architecture"`
	ModelName       string `json:"model_name"`
	Layers          int    `json:"layers"`
	ContextLength   int    `json:"context_length"`
	HiddenSize      int    `json:"hidden_size"`
	VocabSize       int    `json:"vocab_size"`
	Candidates      int    `json:"candidates"`
	DType           string `json:"dtype"`
	Dynamic         bool   `json:"dynamic"`
	IOAlone         bool   `json:"io_alone"`
	VisionPatches   int    `json:"vision_patches"`
	TensorCount     int    `json:"tensor_count"`
	TotalParameters int64  `json:"total_parameters"`
	MemoryEstimate  int64  `json:"memory_estimate"`
}

func (a *MetadataAnalyzer) Analyze() (*AnalysisReport, error) {
	kv := a.file.KV
	report := &AnalysisReport{
		Architecture:  GetKVString(kv, KeyArchitecture),
		ModelName:     GetKVString(kv, KeyName),
		Layers:        int(GetKVInt(kv, KeyLayers)),
		ContextLength: int(GetKVInt(kv, KeySeqLen)),
		HiddenSize:    int(GetKVInt(kv, KeyHidden)),
		VocabSize:     int(GetKVInt(kv, KeyVocab)),
		Candidates:    int(GetKVInt(kv, KeyCandidates)),
		DType:         GetKVString(kv, KeyDType),
		Dynamic:       GetKVBool(kv, KeyDynamic),
		IOAlone:       GetKVBool(kv, KeyIOAlone),
		VisionPatches: int(GetKVInt(kv, KeyVisionPatches)),
		TensorCount:   len(a.file.Tensors),
	}
	if report.Architecture != Architecture {
		return report, fmt.Errorf("unsupported architecture %q (want %q)", report.Architecture, Architecture)
	}

	for _, t := range a.file.Tensors {
		report.TotalParameters += int64(t.Elements())
		report.MemoryEstimate += int64(t.SizeBytes())
	}
	return report, nil
}

// GetKVInt returns the first of keys present with an integer value, or 0.
func GetKVInt(kv map[string]interface{}, keys ...string) uint64 {
	for _, key := range keys {
		if val, ok := kv[key]; ok {
			switch v := val.(type) {
			case uint64:
				return v
			case int64:
				return uint64(v)
			case uint32:
				return uint64(v)
			case int32:
				return uint64(v)
			case int:
				return uint64(v)
			}
		}
	}
	return 0
}

func GetKVBool(kv map[string]interface{}, key string) bool {
	v, _ := kv[key].(bool)
	return v
}

func GetKVString(kv map[string]interface{}, key string) string {
	v, _ := kv[key].(string)
	return v
}

func (r *AnalysisReport) String() string {
	return fmt.Sprintf(`GGUF Model Analysis Report
============================
Architecture:     %s
Model Name:       %s
Layers:           %d
Context Length:   %d
Hidden Size:      %d
Vocab Size:       %d
Candidates:       %d
DType:            %s
Dynamic:          %t
IO Alone:         %t
Vision Patches:   %d
Total Tensors:    %d
Total Parameters: %d
Memory Estimate:  %.2f MB
`,
		r.Architecture,
		r.ModelName,
		r.Layers,
		r.ContextLength,
		r.HiddenSize,
		r.VocabSize,
		r.Candidates,
		r.DType,
		r.Dynamic,
		r.IOAlone,
		r.VisionPatches,
		r.TensorCount,
		r.TotalParameters,
		float64(r.MemoryEstimate)/1e6,
	)
}

// ValidateTensors reports layout problems: misaligned or overlapping data and unknown types.
func (a *MetadataAnalyzer) ValidateTensors() []string {
	var issues []string

	alignment := GetKVInt(a.file.KV, "general.alignment")
	if alignment == 0 {
		alignment = DefaultAlignment
	}
	var end uint64
	for i, t := range a.file.Tensors {
		if t.Offset%alignment != 0 {
			issues = append(issues,
				fmt.Sprintf("Tensor %d (%s): offset %d not aligned to %d", i, t.Name, t.Offset, alignment))
		}
		if i > 0 && t.Offset < end {
			issues = append(issues,
				fmt.Sprintf("Tensor %d (%s): offset %d overlaps previous tensor ending at %d", i, t.Name, t.Offset, end))
		}

		size := t.SizeBytes()
		if size == 0 {
			issues = append(issues,
				fmt.Sprintf("Tensor %d (%s): unknown size for type %s", i, t.Name, t.Type))
		}
		end = t.Offset + size
	}
	return issues
}

func (a *MetadataAnalyzer) FindMissingTensors(required []string) []string {
	existing := make(map[string]bool)
	for _, t := range a.file.Tensors {
		existing[t.Name] = true
	}

	var missing []string
	for _, name := range required {
		if !existing[name] {
			missing = append(missing, name)
		}
	}
	return missing
}

type TensorStats struct {
	Name         string   `json:"name"`
	Type         string   `json:"type"`
	Dimensions   []uint64 `json:"dimensions"`
	ElementCount uint64   `json:"element_count"`
	SizeBytes    uint64   `json:"size_bytes"`
	MinValue     float64  `json:"min"`
	MaxValue     float64  `json:"max"`
	MeanValue    float64  `json:"mean"`
	HasNaN       bool     `json:"has_nan"`
	HasInf       bool     `json:"has_inf"`
}

func (a *MetadataAnalyzer) ComputeStats(tensorName string) (*TensorStats, error) {
	tensor := a.file.Tensor(tensorName)
	if tensor == nil {
		return nil, fmt.Errorf("tensor %s not found", tensorName)
	}

	stats := &TensorStats{
		Name:         tensor.Name,
		Type:         tensor.Type.String(),
		Dimensions:   tensor.Dimensions,
		ElementCount: tensor.Elements(),
		SizeBytes:    tensor.SizeBytes(),
	}

	data, err := TensorFloat32s(tensor)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return stats, nil
	}
	stats.MinValue = math.Inf(1)
	stats.MaxValue = math.Inf(-1)
	var sum float64
	var finite int
	for _, v := range data {
		f := float64(v)
		if math.IsNaN(f) {
			stats.HasNaN = true
			continue
		}
		if math.IsInf(f, 0) {
			stats.HasInf = true
			continue
		}
		stats.MinValue = math.Min(stats.MinValue, f)
		stats.MaxValue = math.Max(stats.MaxValue, f)
		sum += f
		finite++
	}
	if finite > 0 {
		stats.MeanValue = sum / float64(finite)
	}
	return stats, nil
}

// TensorFloat32s decodes an F32, F16 or BF16 tensor.
func TensorFloat32s(t *TensorInfo) ([]float32, error) {
	switch t.Type {
	case GGMLTypeF32:
		out := make([]float32, len(t.Data)/4)
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(t.Data[i*4:]))
		}
		return out, nil
	case GGMLTypeF16:
		out := make([]float32, len(t.Data)/2)
		for i := range out {
			out[i] = float16.Frombits(binary.LittleEndian.Uint16(t.Data[i*2:])).Float32()
		}
		return out, nil
	case GGMLTypeBF16:
		out := make([]float32, len(t.Data)/2)
		for i := range out {
			out[i] = bfloat16.BFloat16(binary.LittleEndian.Uint16(t.Data[i*2:])).Float32()
		}
		return out, nil
	}
	return nil, ErrUnsupportedType{Tensor: t.Name, Type: t.Type}
}
