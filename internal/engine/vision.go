package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/23skdu/longbow-bmllm/internal/device"
)

// Image is a preprocessed image: Patches rows of float32 pixel features, each
// as wide as the vit input. Offset is the prompt position of the first image
// placeholder token.
type Image struct {
	Pixels  []float32
	Patches int
	Offset  int
}

// HasVision reports whether the bundle carries a vit sub-graph.
func (e *Engine) HasVision() bool {
	return e.g.vision != nil
}

// ForwardFirstWithImage runs prefill with the embedding rows
// [img.Offset, img.Offset+img.Patches) replaced by the vit projection of img.
func (e *Engine) ForwardFirstWithImage(ctx context.Context, tokens []int, img Image) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	start := time.Now()
	tok, err := e.forwardFirstWithImage(ctx, tokens, img)
	return e.finish(PhasePrefill, start, tok, err)
}

func (e *Engine) forwardFirstWithImage(ctx context.Context, tokens []int, img Image) (int, error) {
	vit := e.g.vision
	if vit == nil {
		return 0, fmt.Errorf("%w: %s", ErrUnknownSubgraph, device.NetVision)
	}
	t := e.topo
	if img.Patches <= 0 || img.Patches > t.VisionPatches {
		return 0, fmt.Errorf("%w: %d image patches outside [1, %d]", ErrInvalidInput, img.Patches, t.VisionPatches)
	}
	if len(img.Pixels) != img.Patches*t.VisionDims {
		return 0, fmt.Errorf("%w: got %d pixel values, want %d x %d", ErrInvalidInput, len(img.Pixels), img.Patches, t.VisionDims)
	}
	if img.Offset < 0 || img.Offset+img.Patches > len(tokens) {
		return 0, fmt.Errorf("%w: image rows [%d, %d) outside prompt of %d tokens",
			ErrInvalidInput, img.Offset, img.Offset+img.Patches, len(tokens))
	}
	return e.forwardFirst(ctx, tokens, func(ctx context.Context) error {
		return e.spliceImage(ctx, img)
	})
}

// spliceImage launches vit and overwrites the matching embedding output rows.
func (e *Engine) spliceImage(ctx context.Context, img Image) error {
	t, vit := e.topo, e.g.vision
	P := t.VisionPatches

	pixels := make([]float32, P*t.VisionDims)
	copy(pixels, img.Pixels)
	pos := make([]int, P)
	for i := 0; i < img.Patches; i++ {
		pos[i] = i
	}
	mask := make([]float32, P*P)
	for i := 0; i < P; i++ {
		for j := 0; j < P; j++ {
			if i >= img.Patches || j >= img.Patches {
				mask[i*P+j] = maskBias
			}
		}
	}

	inputs := []struct {
		slot device.Slot
		data []float32
	}{{vit.Inputs[0], pixels}, {vit.Inputs[2], mask}}
	for _, in := range inputs {
		raw, err := device.EncodeFloat32s(in.slot.DType, in.data)
		if err != nil {
			return fmt.Errorf("%w: %s: %w", ErrUnknownSubgraph, vit.Name, err)
		}
		if err := toDevice(e.rt, in.slot.Mem, 0, raw); err != nil {
			return err
		}
	}
	if err := toDevice(e.rt, vit.Inputs[1].Mem, 0, device.EncodeInt32s(pos)); err != nil {
		return err
	}
	if err := launch(ctx, e.rt, vit, device.LaunchOptions{}); err != nil {
		return err
	}

	out := vit.Outputs[0]
	rowBytes := t.HiddenSize * out.DType.Size()
	raw := make([]byte, img.Patches*rowBytes)
	if err := e.rt.CopyFromDevice(raw, out.Mem, 0); err != nil {
		return fmt.Errorf("%w: read vit output: %w", ErrBackendLaunch, err)
	}
	hidden, err := device.DecodeFloat32s(out.DType, raw)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrUnknownSubgraph, vit.Name, err)
	}
	encoded, err := device.EncodeFloat32s(t.HiddenDType, hidden)
	if err != nil {
		return fmt.Errorf("%w: encode image rows: %w", ErrUnknownSubgraph, err)
	}
	e.log.Debug("Image spliced", "offset", img.Offset, "patches", img.Patches)
	return toDevice(e.rt, e.g.embedding.Outputs[0].Mem, img.Offset*t.HiddenStrideBytes, encoded)
}
