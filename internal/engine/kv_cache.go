package engine

import (
	"fmt"

	"github.com/23skdu/longbow-bmllm/internal/device"
	"github.com/23skdu/longbow-bmllm/internal/metrics"
)

// KVCache owns the per-layer key/value history. Writes copy count slots from
// the start of a block's key/value outputs into the history at slot pos.
type KVCache interface {
	Mode() CacheMode
	WriteSlot(layer, pos, count int, k, v device.Buffer) error
	// SourceBuffers returns the history buffers of a layer.
	SourceBuffers(layer int) (k, v device.Buffer)
	// Bind makes the layer's history visible to its block_cache sub-graph.
	Bind(layer int) error
	Reset() error
	// Size is the total history capacity in bytes, keys and values together.
	Size() int
	Free() error
}

// newKVCache picks the implementation matching the topology's cache mode.
func newKVCache(rt device.Runtime, t *Topology, g *graphs) (KVCache, error) {
	base := kvBase{rt: rt, stride: t.KVStrideBytes, seqLen: t.SeqLen, layers: t.NumLayers}
	switch t.CacheMode {
	case CacheModeExternallyOwnedSlice:
		c := &sliceKVCache{kvBase: base, caches: g.blockCaches}
		return c, c.Reset()
	case CacheModeExplicitPersistentBuffer:
		return newPersistentKVCache(base, g.blockCaches)
	}
	return nil, fmt.Errorf("unknown cache mode %s", t.CacheMode)
}

type kvBase struct {
	rt     device.Runtime
	stride int
	seqLen int
	layers int
}

func (b *kvBase) Size() int {
	return 2 * b.layers * b.seqLen * b.stride
}

func (b *kvBase) write(dstK, dstV device.Buffer, layer, pos, count int, k, v device.Buffer) error {
	if layer < 0 || layer >= b.layers {
		return fmt.Errorf("layer %d out of range [0, %d)", layer, b.layers)
	}
	if pos < 0 || count <= 0 || pos+count > b.seqLen {
		metrics.RecordKVCacheOutOfBounds()
		return fmt.Errorf("kv write of %d slots at %d exceeds capacity %d", count, pos, b.seqLen)
	}
	off, size := pos*b.stride, count*b.stride
	if err := b.rt.CopyDeviceToDevice(dstK, off, k, 0, size); err != nil {
		return fmt.Errorf("%w: write key layer %d: %w", ErrBackendLaunch, layer, err)
	}
	if err := b.rt.CopyDeviceToDevice(dstV, off, v, 0, size); err != nil {
		return fmt.Errorf("%w: write value layer %d: %w", ErrBackendLaunch, layer, err)
	}
	return nil
}

func (b *kvBase) zero(bufs ...device.Buffer) error {
	for _, buf := range bufs {
		if err := b.rt.Memset(buf, 0); err != nil {
			return fmt.Errorf("%w: clear kv history: %w", ErrBackendLaunch, err)
		}
	}
	return nil
}

// sliceKVCache views the block_cache sub-graphs' own history inputs. It
// allocates nothing and Free leaves the buffers to the runtime.
type sliceKVCache struct {
	kvBase
	caches []*device.Subgraph
}

func (c *sliceKVCache) Mode() CacheMode { return CacheModeExternallyOwnedSlice }

func (c *sliceKVCache) SourceBuffers(layer int) (device.Buffer, device.Buffer) {
	in := c.caches[layer].Inputs
	return in[3].Mem, in[4].Mem
}

func (c *sliceKVCache) WriteSlot(layer, pos, count int, k, v device.Buffer) error {
	if layer < 0 || layer >= len(c.caches) {
		return fmt.Errorf("layer %d out of range [0, %d)", layer, len(c.caches))
	}
	dk, dv := c.SourceBuffers(layer)
	return c.write(dk, dv, layer, pos, count, k, v)
}

func (c *sliceKVCache) Bind(int) error { return nil }

func (c *sliceKVCache) Reset() error {
	for l := range c.caches {
		k, v := c.SourceBuffers(l)
		if err := c.zero(k, v); err != nil {
			return err
		}
	}
	return nil
}

func (c *sliceKVCache) Free() error { return nil }

// persistentKVCache owns one key and one value buffer per layer and copies the
// whole history into the block_cache inputs before each decode launch.
type persistentKVCache struct {
	kvBase
	caches []*device.Subgraph
	keys   []device.Buffer
	values []device.Buffer
}

func newPersistentKVCache(base kvBase, caches []*device.Subgraph) (*persistentKVCache, error) {
	c := &persistentKVCache{kvBase: base, caches: caches}
	size := base.seqLen * base.stride
	for l := 0; l < base.layers; l++ {
		for _, dst := range []*[]device.Buffer{&c.keys, &c.values} {
			buf, err := base.rt.Malloc(size)
			if err != nil {
				_ = c.Free()
				return nil, fmt.Errorf("%w: allocate kv layer %d: %w", ErrBackendLaunch, l, err)
			}
			*dst = append(*dst, buf)
		}
	}
	if err := c.Reset(); err != nil {
		_ = c.Free()
		return nil, err
	}
	return c, nil
}

func (c *persistentKVCache) Mode() CacheMode { return CacheModeExplicitPersistentBuffer }

func (c *persistentKVCache) SourceBuffers(layer int) (device.Buffer, device.Buffer) {
	return c.keys[layer], c.values[layer]
}

func (c *persistentKVCache) WriteSlot(layer, pos, count int, k, v device.Buffer) error {
	if layer < 0 || layer >= len(c.keys) {
		return fmt.Errorf("layer %d out of range [0, %d)", layer, len(c.keys))
	}
	return c.write(c.keys[layer], c.values[layer], layer, pos, count, k, v)
}

func (c *persistentKVCache) Bind(layer int) error {
	in := c.caches[layer].Inputs
	size := c.seqLen * c.stride
	if err := c.rt.CopyDeviceToDevice(in[3].Mem, 0, c.keys[layer], 0, size); err != nil {
		return fmt.Errorf("%w: bind key history layer %d: %w", ErrBackendLaunch, layer, err)
	}
	if err := c.rt.CopyDeviceToDevice(in[4].Mem, 0, c.values[layer], 0, size); err != nil {
		return fmt.Errorf("%w: bind value history layer %d: %w", ErrBackendLaunch, layer, err)
	}
	return nil
}

func (c *persistentKVCache) Reset() error {
	for l := range c.keys {
		if err := c.zero(c.keys[l], c.values[l]); err != nil {
			return err
		}
	}
	return nil
}

// Free releases every buffer. It is safe to call more than once.
func (c *persistentKVCache) Free() error {
	var first error
	for _, bufs := range [][]device.Buffer{c.keys, c.values} {
		for _, b := range bufs {
			if err := c.rt.Free(b); err != nil && first == nil {
				first = err
			}
		}
	}
	c.keys, c.values = nil, nil
	return first
}
