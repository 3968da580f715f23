package device

import (
	"context"
	"errors"
)

// AddrMode describes how a sub-graph's persistent inputs are addressed.
type AddrMode int

const (
	// AddrModeShared: inputs are bound per launch; callers supply history buffers.
	AddrModeShared AddrMode = 0
	// AddrModeIOAlone: the sub-graph owns its input tensors across launches.
	AddrModeIOAlone AddrMode = 1
)

var (
	ErrNoSuchSubgraph = errors.New("no such subgraph")
	ErrOutOfBounds    = errors.New("device copy out of bounds")
)

// Buffer is an opaque handle to device memory.
type Buffer interface {
	Size() int
}

// Slot is one bound input or output tensor of a sub-graph.
type Slot struct {
	Mem   Buffer
	DType DType
	Shape []int
}

// Elements returns the product of the slot's shape.
func (s Slot) Elements() int {
	n := 1
	for _, d := range s.Shape {
		n *= d
	}
	return n
}

// Subgraph is a named, independently launchable network.
type Subgraph struct {
	Name      string
	Inputs    []Slot
	Outputs   []Slot
	IsDynamic bool
	AddrMode  AddrMode
}

// LaunchOptions trims a dynamic sub-graph to the live token count.
// TokenLen == 0 launches the full static shape.
type LaunchOptions struct {
	TokenLen int
}

// Runtime is the accelerator runtime the decode engine drives. Every method is
// synchronous: Launch returns once the hardware has finished.
type Runtime interface {
	Subgraph(name string) (*Subgraph, error)
	SubgraphNames() []string

	Malloc(size int) (Buffer, error)
	Free(b Buffer) error
	Memset(b Buffer, value byte) error

	CopyToDevice(dst Buffer, dstOff int, src []byte) error
	CopyFromDevice(dst []byte, src Buffer, srcOff int) error
	CopyDeviceToDevice(dst Buffer, dstOff int, src Buffer, srcOff, size int) error

	Launch(ctx context.Context, sg *Subgraph, opts LaunchOptions) error
	Close() error
}
