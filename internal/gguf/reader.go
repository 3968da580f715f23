package gguf

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"

	"golang.org/x/sys/unix"
)

// LoadFile maps a GGUF file into memory and parses headers, metadata and tensor infos.
func LoadFile(path string) (*GGUFFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = f.Close() // the mapping stays valid after close
	}()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := info.Size()
	if size < 24 { // magic + version + two counts
		return nil, io.ErrUnexpectedEOF
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap failed: %w", err)
	}

	file, err := Parse(data)
	if err != nil {
		_ = unix.Munmap(data)
		return nil, err
	}
	file.mapped = true
	return file, nil
}

// Parse decodes a GGUF image already held in memory. Tensor data slices alias data.
func Parse(data []byte) (*GGUFFile, error) {
	file := &GGUFFile{
		Data: data,
		KV:   make(map[string]interface{}),
	}
	if len(data) < 24 {
		return nil, io.ErrUnexpectedEOF
	}

	offset := uint64(0)
	file.Header.Magic = binary.LittleEndian.Uint32(data[offset:])
	offset += 4
	if file.Header.Magic != GGUFMagic {
		return nil, ErrInvalidMagic{Magic: file.Header.Magic}
	}

	file.Header.Version = binary.LittleEndian.Uint32(data[offset:])
	offset += 4
	if file.Header.Version < 2 || file.Header.Version > 3 {
		return nil, ErrUnsupportedVersion{Version: file.Header.Version}
	}

	file.Header.TensorCount = binary.LittleEndian.Uint64(data[offset:])
	offset += 8
	file.Header.KVCount = binary.LittleEndian.Uint64(data[offset:])
	offset += 8

	for i := uint64(0); i < file.Header.KVCount; i++ {
		k, n, err := readString(data, offset)
		if err != nil {
			return nil, err
		}
		offset += n

		if offset+4 > uint64(len(data)) {
			return nil, io.ErrUnexpectedEOF
		}
		valType := GGUFMetadataValueType(binary.LittleEndian.Uint32(data[offset:]))
		offset += 4

		val, n, err := readValue(data, offset, valType)
		if err != nil {
			return nil, fmt.Errorf("metadata %q: %w", k, err)
		}
		offset += n
		file.KV[k] = val
	}

	for i := uint64(0); i < file.Header.TensorCount; i++ {
		name, n, err := readString(data, offset)
		if err != nil {
			return nil, err
		}
		offset += n

		if offset+4 > uint64(len(data)) {
			return nil, io.ErrUnexpectedEOF
		}
		dims := binary.LittleEndian.Uint32(data[offset:])
		offset += 4

		if offset+uint64(dims)*8+12 > uint64(len(data)) {
			return nil, io.ErrUnexpectedEOF
		}
		dimArr := make([]uint64, dims)
		for j := range dimArr {
			dimArr[j] = binary.LittleEndian.Uint64(data[offset:])
			offset += 8
		}

		typ := GGMLType(binary.LittleEndian.Uint32(data[offset:]))
		offset += 4
		tensorOffset := binary.LittleEndian.Uint64(data[offset:])
		offset += 8

		file.Tensors = append(file.Tensors, &TensorInfo{
			Name:       name,
			Dimensions: dimArr,
			Type:       typ,
			Offset:     tensorOffset,
		})
	}

	alignment := uint64(DefaultAlignment)
	switch v := file.KV["general.alignment"].(type) {
	case uint32:
		alignment = uint64(v)
	case uint64:
		alignment = v
	}
	if alignment == 0 {
		return nil, fmt.Errorf("invalid alignment 0")
	}
	offset = alignUp(offset, alignment)
	file.DataOffset = offset

	for _, t := range file.Tensors {
		size := t.SizeBytes()
		if size == 0 {
			return nil, ErrUnsupportedType{Tensor: t.Name, Type: t.Type}
		}
		start := offset + t.Offset
		if start+size > uint64(len(data)) {
			return nil, fmt.Errorf("tensor %s [%d, %d) out of bounds (file is %d bytes)", t.Name, start, start+size, len(data))
		}
		t.Data = data[start : start+size]
	}

	return file, nil
}

func alignUp(off, alignment uint64) uint64 {
	if rem := off % alignment; rem != 0 {
		off += alignment - rem
	}
	return off
}

func readString(data []byte, offset uint64) (string, uint64, error) {
	if offset+8 > uint64(len(data)) {
		return "", 0, io.ErrUnexpectedEOF
	}
	length := binary.LittleEndian.Uint64(data[offset:])
	if offset+8+length > uint64(len(data)) {
		return "", 0, io.ErrUnexpectedEOF
	}
	return string(data[offset+8 : offset+8+length]), 8 + length, nil
}

func readValue(data []byte, offset uint64, typ GGUFMetadataValueType) (interface{}, uint64, error) {
	need := map[GGUFMetadataValueType]uint64{
		GGUFMetadataValueTypeUint8: 1, GGUFMetadataValueTypeInt8: 1, GGUFMetadataValueTypeBool: 1,
		GGUFMetadataValueTypeUint16: 2, GGUFMetadataValueTypeInt16: 2,
		GGUFMetadataValueTypeUint32: 4, GGUFMetadataValueTypeInt32: 4, GGUFMetadataValueTypeFloat32: 4,
		GGUFMetadataValueTypeUint64: 8, GGUFMetadataValueTypeInt64: 8, GGUFMetadataValueTypeFloat64: 8,
		GGUFMetadataValueTypeArray: 12,
	}
	if n, ok := need[typ]; ok && offset+n > uint64(len(data)) {
		return nil, 0, io.ErrUnexpectedEOF
	}

	switch typ {
	case GGUFMetadataValueTypeUint8:
		return data[offset], 1, nil
	case GGUFMetadataValueTypeInt8:
		return int8(data[offset]), 1, nil
	case GGUFMetadataValueTypeUint16:
		return binary.LittleEndian.Uint16(data[offset:]), 2, nil
	case GGUFMetadataValueTypeInt16:
		return int16(binary.LittleEndian.Uint16(data[offset:])), 2, nil
	case GGUFMetadataValueTypeUint32:
		return binary.LittleEndian.Uint32(data[offset:]), 4, nil
	case GGUFMetadataValueTypeInt32:
		return int32(binary.LittleEndian.Uint32(data[offset:])), 4, nil
	case GGUFMetadataValueTypeFloat32:
		return math.Float32frombits(binary.LittleEndian.Uint32(data[offset:])), 4, nil
	case GGUFMetadataValueTypeBool:
		return data[offset] != 0, 1, nil
	case GGUFMetadataValueTypeString:
		return readString(data, offset)
	case GGUFMetadataValueTypeArray:
		arrType := GGUFMetadataValueType(binary.LittleEndian.Uint32(data[offset:]))
		arrLen := binary.LittleEndian.Uint64(data[offset+4:])
		bytesRead := uint64(12)
		cur := offset + 12

		arr := make([]interface{}, 0, min(arrLen, 1024))
		for i := uint64(0); i < arrLen; i++ {
			val, n, err := readValue(data, cur, arrType)
			if err != nil {
				return nil, 0, err
			}
			arr = append(arr, val)
			cur += n
			bytesRead += n
		}
		return arr, bytesRead, nil
	case GGUFMetadataValueTypeUint64:
		return binary.LittleEndian.Uint64(data[offset:]), 8, nil
	case GGUFMetadataValueTypeInt64:
		return int64(binary.LittleEndian.Uint64(data[offset:])), 8, nil
	case GGUFMetadataValueTypeFloat64:
		return math.Float64frombits(binary.LittleEndian.Uint64(data[offset:])), 8, nil
	default:
		return nil, 0, fmt.Errorf("unsupported metadata type: %d", typ)
	}
}

// Close unmaps a file returned by LoadFile. Files from Parse own no mapping.
func (f *GGUFFile) Close() error {
	if !f.mapped || f.Data == nil {
		return nil
	}
	err := unix.Munmap(f.Data)
	f.Data = nil
	f.mapped = false
	return err
}

// Tensor returns the tensor named name, or nil.
func (f *GGUFFile) Tensor(name string) *TensorInfo {
	for _, t := range f.Tensors {
		if t.Name == name {
			return t
		}
	}
	return nil
}
