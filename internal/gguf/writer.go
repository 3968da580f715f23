package gguf

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
)

type pendingTensor struct {
	name string
	dims []uint64
	typ  GGMLType
	data []byte
}

// Writer assembles a GGUF v3 file. Metadata keys are written in sorted order,
// tensors in insertion order.
type Writer struct {
	kv        map[string]interface{}
	tensors   []pendingTensor
	alignment uint64
}

func NewWriter() *Writer {
	return &Writer{
		kv:        make(map[string]interface{}),
		alignment: DefaultAlignment,
	}
}

// SetKV records a metadata value. Supported Go types: uint8, int8, uint16,
// int16, uint32, int32, uint64, int64, float32, float64, bool, string.
func (w *Writer) SetKV(key string, value interface{}) {
	w.kv[key] = value
}

// AddTensor appends a tensor. data must hold exactly the bytes its type and dims imply.
func (w *Writer) AddTensor(name string, typ GGMLType, dims []uint64, data []byte) error {
	t := TensorInfo{Name: name, Dimensions: dims, Type: typ}
	size := t.SizeBytes()
	if size == 0 {
		return ErrUnsupportedType{Tensor: name, Type: typ}
	}
	if uint64(len(data)) != size {
		return fmt.Errorf("tensor %s: got %d bytes, want %d", name, len(data), size)
	}
	for _, p := range w.tensors {
		if p.name == name {
			return fmt.Errorf("duplicate tensor %s", name)
		}
	}
	w.tensors = append(w.tensors, pendingTensor{name: name, dims: dims, typ: typ, data: data})
	return nil
}

// WriteTo serializes the file.
func (w *Writer) WriteTo(out io.Writer) (int64, error) {
	cw := &countingWriter{w: out}
	le := binary.LittleEndian

	hdr := GGUFHeader{
		Magic:       GGUFMagic,
		Version:     GGUFVersion,
		TensorCount: uint64(len(w.tensors)),
		KVCount:     uint64(len(w.kv)),
	}
	if err := binary.Write(cw, le, hdr); err != nil {
		return cw.n, err
	}

	keys := make([]string, 0, len(w.kv))
	for k := range w.kv {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := writeString(cw, k); err != nil {
			return cw.n, err
		}
		if err := writeValue(cw, w.kv[k]); err != nil {
			return cw.n, fmt.Errorf("metadata %q: %w", k, err)
		}
	}

	offsets := make([]uint64, len(w.tensors))
	var next uint64
	for i, t := range w.tensors {
		offsets[i] = next
		next = alignUp(next+uint64(len(t.data)), w.alignment)
	}
	for i, t := range w.tensors {
		if err := writeString(cw, t.name); err != nil {
			return cw.n, err
		}
		if err := binary.Write(cw, le, uint32(len(t.dims))); err != nil {
			return cw.n, err
		}
		if err := binary.Write(cw, le, t.dims); err != nil {
			return cw.n, err
		}
		if err := binary.Write(cw, le, uint32(t.typ)); err != nil {
			return cw.n, err
		}
		if err := binary.Write(cw, le, offsets[i]); err != nil {
			return cw.n, err
		}
	}

	if err := cw.pad(w.alignment); err != nil {
		return cw.n, err
	}
	for _, t := range w.tensors {
		if _, err := cw.Write(t.data); err != nil {
			return cw.n, err
		}
		if err := cw.pad(w.alignment); err != nil {
			return cw.n, err
		}
	}
	return cw.n, nil
}

// WriteFile serializes the file to path.
func (w *Writer) WriteFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	bw := bufio.NewWriter(f)
	if _, err := w.WriteTo(bw); err != nil {
		_ = f.Close()
		return err
	}
	if err := bw.Flush(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

func (c *countingWriter) pad(alignment uint64) error {
	rem := uint64(c.n) % alignment
	if rem == 0 {
		return nil
	}
	_, err := c.Write(make([]byte, alignment-rem))
	return err
}

func writeString(w io.Writer, s string) error {
	if err := binary.Write(w, binary.LittleEndian, uint64(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func writeValue(w io.Writer, v interface{}) error {
	le := binary.LittleEndian
	put := func(t GGUFMetadataValueType, payload interface{}) error {
		if err := binary.Write(w, le, uint32(t)); err != nil {
			return err
		}
		return binary.Write(w, le, payload)
	}
	switch x := v.(type) {
	case uint8:
		return put(GGUFMetadataValueTypeUint8, x)
	case int8:
		return put(GGUFMetadataValueTypeInt8, x)
	case uint16:
		return put(GGUFMetadataValueTypeUint16, x)
	case int16:
		return put(GGUFMetadataValueTypeInt16, x)
	case uint32:
		return put(GGUFMetadataValueTypeUint32, x)
	case int32:
		return put(GGUFMetadataValueTypeInt32, x)
	case uint64:
		return put(GGUFMetadataValueTypeUint64, x)
	case int64:
		return put(GGUFMetadataValueTypeInt64, x)
	case float32:
		return put(GGUFMetadataValueTypeFloat32, math.Float32bits(x))
	case float64:
		return put(GGUFMetadataValueTypeFloat64, math.Float64bits(x))
	case bool:
		b := uint8(0)
		if x {
			b = 1
		}
		return put(GGUFMetadataValueTypeBool, b)
	case string:
		if err := binary.Write(w, le, uint32(GGUFMetadataValueTypeString)); err != nil {
			return err
		}
		return writeString(w, x)
	default:
		return fmt.Errorf("unsupported metadata value type %T", v)
	}
}
