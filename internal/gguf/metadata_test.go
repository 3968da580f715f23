package gguf

import (
	"math"
	"strings"
	"testing"
)

func TestMetadataAnalyzerBasic(t *testing.T) {
	file := &GGUFFile{
		KV: map[string]interface{}{
			KeyArchitecture: Architecture,
			KeyName:         "test-model",
			KeyLayers:       uint32(2),
			KeySeqLen:       uint32(8),
			KeyHidden:       uint32(16),
			KeyVocab:        uint32(64),
			KeyCandidates:   uint32(4),
			KeyDType:        "bf16",
			KeyIOAlone:      true,
		},
		Tensors: []*TensorInfo{
			{Name: "token_embd.weight", Dimensions: []uint64{16, 64}, Type: GGMLTypeF32},
			{Name: "blk.0.attn_q.weight", Dimensions: []uint64{16}, Type: GGMLTypeF32, Offset: 4096},
		},
	}

	report, err := NewMetadataAnalyzer(file).Analyze()
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}

	if report.ModelName != "test-model" {
		t.Errorf("Expected model name 'test-model', got '%s'", report.ModelName)
	}
	if report.Layers != 2 || report.ContextLength != 8 || report.HiddenSize != 16 || report.VocabSize != 64 {
		t.Errorf("unexpected shape in report: %+v", report)
	}
	if !report.IOAlone || report.Dynamic {
		t.Errorf("unexpected flags: io_alone=%v dynamic=%v", report.IOAlone, report.Dynamic)
	}
	if report.TotalParameters != 16*64+16 {
		t.Errorf("Expected %d parameters, got %d", 16*64+16, report.TotalParameters)
	}
	if report.MemoryEstimate != (16*64+16)*4 {
		t.Errorf("Expected memory estimate %d, got %d", (16*64+16)*4, report.MemoryEstimate)
	}
	if !strings.Contains(report.String(), "test-model") {
		t.Errorf("report string missing model name:\n%s", report.String())
	}
}

func TestMetadataAnalyzerWrongArchitecture(t *testing.T) {
	file := &GGUFFile{KV: map[string]interface{}{KeyArchitecture: "llama"}}
	if _, err := NewMetadataAnalyzer(file).Analyze(); err == nil {
		t.Error("expected error for foreign architecture")
	}
}

func TestValidateTensors(t *testing.T) {
	file := &GGUFFile{
		KV: map[string]interface{}{},
		Tensors: []*TensorInfo{
			{Name: "a", Dimensions: []uint64{16}, Type: GGMLTypeF32, Offset: 0},
			{Name: "b", Dimensions: []uint64{4}, Type: GGMLTypeF32, Offset: 32},
			{Name: "c", Dimensions: []uint64{4}, Type: GGMLTypeF32, Offset: 40},
			{Name: "d", Dimensions: []uint64{4}, Type: GGMLType(2), Offset: 64},
		},
	}
	issues := NewMetadataAnalyzer(file).ValidateTensors()
	// b overlaps a, c is misaligned and overlaps b, d has an unknown type.
	if len(issues) != 4 {
		t.Fatalf("expected 4 issues, got %d: %v", len(issues), issues)
	}
}

func TestFindMissingTensors(t *testing.T) {
	file := &GGUFFile{
		Tensors: []*TensorInfo{{Name: "token_embd.weight"}, {Name: "blk.0.attn_q.weight"}},
	}
	missing := NewMetadataAnalyzer(file).FindMissingTensors([]string{
		"token_embd.weight", "blk.0.attn_q.weight", "blk.0.attn_k.weight",
	})
	if len(missing) != 1 || missing[0] != "blk.0.attn_k.weight" {
		t.Errorf("unexpected missing list %v", missing)
	}
}

func TestComputeStats(t *testing.T) {
	inf := float32(math.Inf(1))
	file := &GGUFFile{
		Tensors: []*TensorInfo{
			{Name: "w", Dimensions: []uint64{4}, Type: GGMLTypeF32, Data: f32Bytes(-1, 3, 1, inf)},
		},
	}
	a := NewMetadataAnalyzer(file)
	stats, err := a.ComputeStats("w")
	if err != nil {
		t.Fatalf("ComputeStats: %v", err)
	}
	if stats.MinValue != -1 || stats.MaxValue != 3 || stats.MeanValue != 1 {
		t.Errorf("unexpected stats %+v", stats)
	}
	if !stats.HasInf || stats.HasNaN {
		t.Errorf("unexpected flags inf=%v nan=%v", stats.HasInf, stats.HasNaN)
	}
	if _, err := a.ComputeStats("nope"); err == nil {
		t.Error("expected error for missing tensor")
	}
}
