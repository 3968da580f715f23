package gguf

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"math"
	"path/filepath"
	"testing"
)

func TestGGUFMagic(t *testing.T) {
	if GGUFMagic != 0x46554747 {
		t.Errorf("expected GGUFMagic 0x46554747, got 0x%x", GGUFMagic)
	}
}

func TestGGMLTypeString(t *testing.T) {
	tests := []struct {
		ggmlType GGMLType
		expected string
	}{
		{GGMLTypeF32, "F32"},
		{GGMLTypeF16, "F16"},
		{GGMLTypeBF16, "BF16"},
		{GGMLType(999), "UNKNOWN_TYPE_999"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := tt.ggmlType.String(); got != tt.expected {
				t.Errorf("GGMLType(%d).String() = %q, want %q", tt.ggmlType, got, tt.expected)
			}
		})
	}
}

func TestTensorInfoSizeBytes(t *testing.T) {
	tests := []struct {
		name       string
		dimensions []uint64
		ggmlType   GGMLType
		expected   uint64
	}{
		{"F32 1D", []uint64{100}, GGMLTypeF32, 400},
		{"F16 1D", []uint64{100}, GGMLTypeF16, 200},
		{"BF16 1D", []uint64{100}, GGMLTypeBF16, 200},
		{"F32 2D", []uint64{10, 20}, GGMLTypeF32, 800},
		{"BF16 2D", []uint64{10, 20}, GGMLTypeBF16, 400},
		{"unknown", []uint64{256}, GGMLType(2), 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info := &TensorInfo{Name: "test", Dimensions: tt.dimensions, Type: tt.ggmlType}
			if got := info.SizeBytes(); got != tt.expected {
				t.Errorf("SizeBytes() = %d, want %d", got, tt.expected)
			}
		})
	}
}

func f32Bytes(vals ...float32) []byte {
	out := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
	}
	return out
}

func buildSample(t *testing.T) []byte {
	t.Helper()
	w := NewWriter()
	w.SetKV(KeyArchitecture, Architecture)
	w.SetKV(KeyName, "sample")
	w.SetKV(KeyLayers, uint32(2))
	w.SetKV(KeyDynamic, true)
	w.SetKV("bmllm.scale", float32(0.5))
	w.SetKV("bmllm.offset", int64(-7))
	if err := w.AddTensor("a", GGMLTypeF32, []uint64{3}, f32Bytes(1, 2, 3)); err != nil {
		t.Fatalf("AddTensor a: %v", err)
	}
	// 0x3C00 is 1.0 in IEEE half, 0x3F80 is 1.0 in bfloat16.
	if err := w.AddTensor("b", GGMLTypeF16, []uint64{1}, []byte{0x00, 0x3C}); err != nil {
		t.Fatalf("AddTensor b: %v", err)
	}
	if err := w.AddTensor("c", GGMLTypeBF16, []uint64{2}, []byte{0x80, 0x3F, 0x00, 0xC0}); err != nil {
		t.Fatalf("AddTensor c: %v", err)
	}
	var buf bytes.Buffer
	n, err := w.WriteTo(&buf)
	if err != nil {
		t.Fatalf("WriteTo: %v", err)
	}
	if n != int64(buf.Len()) {
		t.Fatalf("WriteTo reported %d bytes, buffer has %d", n, buf.Len())
	}
	return buf.Bytes()
}

func TestWriterParse(t *testing.T) {
	f, err := Parse(buildSample(t))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if f.Header.Version != GGUFVersion || f.Header.TensorCount != 3 || f.Header.KVCount != 6 {
		t.Fatalf("unexpected header %+v", f.Header)
	}
	if GetKVString(f.KV, KeyName) != "sample" {
		t.Errorf("name = %v", f.KV[KeyName])
	}
	if GetKVInt(f.KV, KeyLayers) != 2 {
		t.Errorf("layers = %v", f.KV[KeyLayers])
	}
	if !GetKVBool(f.KV, KeyDynamic) {
		t.Errorf("dynamic = %v", f.KV[KeyDynamic])
	}
	if f.KV["bmllm.scale"] != float32(0.5) {
		t.Errorf("scale = %v", f.KV["bmllm.scale"])
	}
	if f.KV["bmllm.offset"] != int64(-7) {
		t.Errorf("offset = %v", f.KV["bmllm.offset"])
	}
	if f.DataOffset%DefaultAlignment != 0 {
		t.Errorf("data offset %d not aligned", f.DataOffset)
	}

	want := map[string][]float32{
		"a": {1, 2, 3},
		"b": {1},
		"c": {1, -2},
	}
	for name, exp := range want {
		ti := f.Tensor(name)
		if ti == nil {
			t.Fatalf("tensor %s missing", name)
		}
		got, err := TensorFloat32s(ti)
		if err != nil {
			t.Fatalf("decode %s: %v", name, err)
		}
		if len(got) != len(exp) {
			t.Fatalf("%s: got %d values, want %d", name, len(got), len(exp))
		}
		for i := range exp {
			if got[i] != exp[i] {
				t.Errorf("%s[%d] = %v, want %v", name, i, got[i], exp[i])
			}
		}
	}
	if f.Tensor("missing") != nil {
		t.Error("expected nil for unknown tensor")
	}
	if err := f.Close(); err != nil {
		t.Errorf("Close on parsed file: %v", err)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.gguf")
	w := NewWriter()
	w.SetKV(KeyArchitecture, Architecture)
	if err := w.AddTensor("w", GGMLTypeF32, []uint64{2, 2}, f32Bytes(1, 2, 3, 4)); err != nil {
		t.Fatalf("AddTensor: %v", err)
	}
	if err := w.WriteFile(path); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	f, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	defer func() {
		if err := f.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	}()
	vals, err := TensorFloat32s(f.Tensor("w"))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if vals[3] != 4 {
		t.Errorf("w[3] = %v, want 4", vals[3])
	}
}

func TestParseErrors(t *testing.T) {
	good := buildSample(t)

	badMagic := append([]byte(nil), good...)
	binary.LittleEndian.PutUint32(badMagic, 0xdeadbeef)
	var magicErr ErrInvalidMagic
	if _, err := Parse(badMagic); !errors.As(err, &magicErr) {
		t.Errorf("expected ErrInvalidMagic, got %v", err)
	}

	badVersion := append([]byte(nil), good...)
	binary.LittleEndian.PutUint32(badVersion[4:], 9)
	var versionErr ErrUnsupportedVersion
	if _, err := Parse(badVersion); !errors.As(err, &versionErr) {
		t.Errorf("expected ErrUnsupportedVersion, got %v", err)
	}

	if _, err := Parse(good[:10]); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("expected ErrUnexpectedEOF for short header, got %v", err)
	}
	if _, err := Parse(good[:len(good)-40]); err == nil {
		t.Error("expected error for truncated tensor data")
	}
}

func TestWriterRejects(t *testing.T) {
	w := NewWriter()
	if err := w.AddTensor("x", GGMLTypeF32, []uint64{2}, []byte{1, 2, 3}); err == nil {
		t.Error("expected size mismatch error")
	}
	var typeErr ErrUnsupportedType
	if err := w.AddTensor("q", GGMLType(2), []uint64{32}, make([]byte, 18)); !errors.As(err, &typeErr) {
		t.Errorf("expected ErrUnsupportedType, got %v", err)
	}
	if err := w.AddTensor("x", GGMLTypeF32, []uint64{1}, f32Bytes(1)); err != nil {
		t.Fatalf("AddTensor: %v", err)
	}
	if err := w.AddTensor("x", GGMLTypeF32, []uint64{1}, f32Bytes(1)); err == nil {
		t.Error("expected duplicate tensor error")
	}

	w.SetKV("bad", []int{1})
	if _, err := w.WriteTo(io.Discard); err == nil {
		t.Error("expected unsupported metadata type error")
	}
}
