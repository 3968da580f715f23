package device

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// hostBuffer is device memory backed by a Go byte slice.
type hostBuffer struct {
	data  []byte
	freed bool
}

func (b *hostBuffer) Size() int { return len(b.data) }

type kernelFunc func(sg *Subgraph, opts LaunchOptions) error

// HostRuntime executes sub-graphs in-process. It implements the same contract as
// an accelerator runtime so the decode engine can run without hardware.
type HostRuntime struct {
	mu        sync.Mutex
	subgraphs map[string]*Subgraph
	kernels   map[string]kernelFunc
	faults    map[string]error
	launches  map[string]int
	allocated int64
	closed    bool
}

func NewHostRuntime() *HostRuntime {
	return &HostRuntime{
		subgraphs: make(map[string]*Subgraph),
		kernels:   make(map[string]kernelFunc),
		faults:    make(map[string]error),
		launches:  make(map[string]int),
	}
}

func (h *HostRuntime) register(sg *Subgraph, k kernelFunc) {
	h.subgraphs[sg.Name] = sg
	h.kernels[sg.Name] = k
}

// newSlot allocates a zeroed slot buffer of the given dtype and shape.
func (h *HostRuntime) newSlot(dt DType, shape ...int) Slot {
	s := Slot{DType: dt, Shape: shape}
	buf := &hostBuffer{data: make([]byte, s.Elements()*dt.Size())}
	h.allocated += int64(buf.Size())
	s.Mem = buf
	return s
}

func (h *HostRuntime) Subgraph(name string) (*Subgraph, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	sg, ok := h.subgraphs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNoSuchSubgraph, name)
	}
	return sg, nil
}

func (h *HostRuntime) SubgraphNames() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	names := make([]string, 0, len(h.subgraphs))
	for n := range h.subgraphs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (h *HostRuntime) Malloc(size int) (Buffer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("invalid allocation size %d", size)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, fmt.Errorf("runtime closed")
	}
	h.allocated += int64(size)
	return &hostBuffer{data: make([]byte, size)}, nil
}

func (h *HostRuntime) Free(b Buffer) error {
	hb, err := asHost(b)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if hb.freed {
		return fmt.Errorf("double free of %d-byte buffer", hb.Size())
	}
	hb.freed = true
	h.allocated -= int64(hb.Size())
	return nil
}

func (h *HostRuntime) Memset(b Buffer, value byte) error {
	hb, err := asHost(b)
	if err != nil {
		return err
	}
	for i := range hb.data {
		hb.data[i] = value
	}
	return nil
}

func (h *HostRuntime) CopyToDevice(dst Buffer, dstOff int, src []byte) error {
	hb, err := asHost(dst)
	if err != nil {
		return err
	}
	if dstOff < 0 || dstOff+len(src) > hb.Size() {
		return fmt.Errorf("%w: s2d %d bytes at %d into %d", ErrOutOfBounds, len(src), dstOff, hb.Size())
	}
	copy(hb.data[dstOff:], src)
	return nil
}

func (h *HostRuntime) CopyFromDevice(dst []byte, src Buffer, srcOff int) error {
	hb, err := asHost(src)
	if err != nil {
		return err
	}
	if srcOff < 0 || srcOff+len(dst) > hb.Size() {
		return fmt.Errorf("%w: d2s %d bytes at %d from %d", ErrOutOfBounds, len(dst), srcOff, hb.Size())
	}
	copy(dst, hb.data[srcOff:])
	return nil
}

func (h *HostRuntime) CopyDeviceToDevice(dst Buffer, dstOff int, src Buffer, srcOff, size int) error {
	d, err := asHost(dst)
	if err != nil {
		return err
	}
	s, err := asHost(src)
	if err != nil {
		return err
	}
	if size < 0 || dstOff < 0 || srcOff < 0 || dstOff+size > d.Size() || srcOff+size > s.Size() {
		return fmt.Errorf("%w: d2d %d bytes (%d->%d) between %d and %d byte buffers",
			ErrOutOfBounds, size, srcOff, dstOff, s.Size(), d.Size())
	}
	copy(d.data[dstOff:dstOff+size], s.data[srcOff:srcOff+size])
	return nil
}

func (h *HostRuntime) Launch(ctx context.Context, sg *Subgraph, opts LaunchOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return fmt.Errorf("runtime closed")
	}
	k, ok := h.kernels[sg.Name]
	fault := h.faults[sg.Name]
	h.launches[sg.Name]++
	h.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %q", ErrNoSuchSubgraph, sg.Name)
	}
	if fault != nil {
		return fault
	}
	if opts.TokenLen > 0 && !sg.IsDynamic {
		return fmt.Errorf("subgraph %s is static, cannot launch with token_len=%d", sg.Name, opts.TokenLen)
	}
	return k(sg, opts)
}

func (h *HostRuntime) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	return nil
}

// InjectFault makes every subsequent launch of name fail with err. A nil err clears it.
func (h *HostRuntime) InjectFault(name string, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err == nil {
		delete(h.faults, name)
		return
	}
	h.faults[name] = err
}

// LaunchCount returns how many times name has been launched.
func (h *HostRuntime) LaunchCount(name string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.launches[name]
}

// AllocatedBytes is the live byte count of slot and Malloc buffers.
func (h *HostRuntime) AllocatedBytes() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.allocated
}

func asHost(b Buffer) (*hostBuffer, error) {
	hb, ok := b.(*hostBuffer)
	if !ok || hb == nil {
		return nil, fmt.Errorf("buffer %T does not belong to the host runtime", b)
	}
	if hb.freed {
		return nil, fmt.Errorf("use of freed buffer")
	}
	return hb, nil
}

// readFloats decodes the first n elements of a float slot.
func readFloats(s Slot, n int) ([]float32, error) {
	hb, err := asHost(s.Mem)
	if err != nil {
		return nil, err
	}
	end := n * s.DType.Size()
	if end > hb.Size() {
		return nil, fmt.Errorf("%w: read %d elements from %d bytes", ErrOutOfBounds, n, hb.Size())
	}
	return DecodeFloat32s(s.DType, hb.data[:end])
}

// writeFloats encodes vals into a float slot starting at element 0.
func writeFloats(s Slot, vals []float32) error {
	raw, err := EncodeFloat32s(s.DType, vals)
	if err != nil {
		return err
	}
	hb, err := asHost(s.Mem)
	if err != nil {
		return err
	}
	if len(raw) > hb.Size() {
		return fmt.Errorf("%w: write %d bytes into %d", ErrOutOfBounds, len(raw), hb.Size())
	}
	copy(hb.data, raw)
	return nil
}

func readInts(s Slot, n int) ([]int, error) {
	hb, err := asHost(s.Mem)
	if err != nil {
		return nil, err
	}
	if n*4 > hb.Size() {
		return nil, fmt.Errorf("%w: read %d ints from %d bytes", ErrOutOfBounds, n, hb.Size())
	}
	return DecodeInt32s(hb.data[:n*4]), nil
}

func writeInts(s Slot, vals []int) error {
	hb, err := asHost(s.Mem)
	if err != nil {
		return err
	}
	raw := EncodeInt32s(vals)
	if len(raw) > hb.Size() {
		return fmt.Errorf("%w: write %d bytes into %d", ErrOutOfBounds, len(raw), hb.Size())
	}
	copy(hb.data, raw)
	return nil
}
