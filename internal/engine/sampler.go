package engine

import (
	"context"
	"fmt"
	"math/rand"
	"strings"

	"github.com/23skdu/longbow-bmllm/internal/config"
	"github.com/23skdu/longbow-bmllm/internal/device"
	"github.com/23skdu/longbow-bmllm/internal/metrics"
)

type SamplingMode int

const (
	SamplingGreedy SamplingMode = iota
	SamplingPenalty
)

func (m SamplingMode) String() string {
	switch m {
	case SamplingGreedy:
		return "greedy"
	case SamplingPenalty:
		return "penalty_sample"
	default:
		return fmt.Sprintf("sampling_mode(%d)", int(m))
	}
}

func (m SamplingMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// ParseSamplingMode resolves a generation_mode name once, up front.
func ParseSamplingMode(name string) (SamplingMode, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "greedy":
		return SamplingGreedy, nil
	case "penalty_sample":
		return SamplingPenalty, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnsupportedSamplingMode, name)
}

// SamplingParams is the resolved, validated form of config.SamplingConfig.
type SamplingParams struct {
	Mode              SamplingMode `json:"generation_mode"`
	MaxNewTokens      int          `json:"max_new_tokens"`
	TopP              float64      `json:"top_p"`
	Temperature       float64      `json:"temperature"`
	RepetitionPenalty float64      `json:"repetition_penalty"`
	RepetitionLastN   int          `json:"repetition_last_n"`
}

// ParamsFromConfig parses the mode first, so an unknown mode is always
// reported as ErrUnsupportedSamplingMode, then checks value ranges.
func ParamsFromConfig(c config.SamplingConfig) (SamplingParams, error) {
	mode, err := ParseSamplingMode(c.Mode)
	if err != nil {
		return SamplingParams{}, err
	}
	if err := c.Validate(); err != nil {
		return SamplingParams{}, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	return SamplingParams{
		Mode:              mode,
		MaxNewTokens:      c.MaxNewTokens,
		TopP:              c.TopP,
		Temperature:       c.Temperature,
		RepetitionPenalty: c.RepetitionPenalty,
		RepetitionLastN:   c.RepetitionLastN,
	}, nil
}

// Config converts back to the caller-facing form.
func (p SamplingParams) Config() config.SamplingConfig {
	c := config.DefaultSampling()
	c.Mode = p.Mode.String()
	c.MaxNewTokens = p.MaxNewTokens
	c.TopP = p.TopP
	c.Temperature = p.Temperature
	c.RepetitionPenalty = p.RepetitionPenalty
	c.RepetitionLastN = p.RepetitionLastN
	return c
}

// Sampler drives the greedy and penalty-sample heads. The weighted draw over
// penalty candidates uses a generator seeded once per engine.
type Sampler struct {
	rt      device.Runtime
	greedy  *device.Subgraph
	penalty *device.Subgraph
	rng     *rand.Rand
}

func newSampler(rt device.Runtime, g *graphs, seed int64) *Sampler {
	return &Sampler{
		rt:      rt,
		greedy:  g.greedyHead,
		penalty: g.penaltyHead,
		rng:     rand.New(rand.NewSource(seed)),
	}
}

// Sample picks the next token from the logits held in buf. history is the
// live sequence the repetition window is drawn from.
func (s *Sampler) Sample(ctx context.Context, logits device.Buffer, history []int, p SamplingParams) (int, error) {
	switch p.Mode {
	case SamplingGreedy:
		return s.sampleGreedy(ctx, logits, p)
	case SamplingPenalty:
		return s.samplePenalty(ctx, logits, history, p)
	}
	return 0, fmt.Errorf("%w: %s", ErrUnsupportedSamplingMode, p.Mode)
}

func (s *Sampler) sampleGreedy(ctx context.Context, logits device.Buffer, p SamplingParams) (int, error) {
	in := s.greedy.Inputs[0]
	if err := copyD2D(s.rt, in.Mem, logits, slotBytes(in)); err != nil {
		return 0, err
	}
	if err := launch(ctx, s.rt, s.greedy, device.LaunchOptions{}); err != nil {
		return 0, err
	}
	raw := make([]byte, 4)
	if err := s.rt.CopyFromDevice(raw, s.greedy.Outputs[0].Mem, 0); err != nil {
		return 0, fmt.Errorf("%w: read greedy token: %w", ErrBackendLaunch, err)
	}
	metrics.RecordSampling(p.Mode.String(), p.Temperature, p.TopP, p.RepetitionPenalty, -1)
	return device.DecodeInt32s(raw)[0], nil
}

func (s *Sampler) samplePenalty(ctx context.Context, logits device.Buffer, history []int, p SamplingParams) (int, error) {
	in := s.penalty.Inputs
	if err := copyD2D(s.rt, in[0].Mem, logits, slotBytes(in[0])); err != nil {
		return 0, err
	}
	window := repetitionWindow(history, p.RepetitionLastN, in[1].Elements())
	if err := s.rt.CopyToDevice(in[1].Mem, 0, device.EncodeInt32s(window)); err != nil {
		return 0, fmt.Errorf("%w: write repetition window: %w", ErrBackendLaunch, err)
	}
	for i, v := range []float64{p.TopP, p.Temperature, p.RepetitionPenalty} {
		raw, err := device.EncodeFloat32s(in[2+i].DType, []float32{float32(v)})
		if err != nil {
			return 0, fmt.Errorf("%w: %s input %d: %w", ErrUnknownSubgraph, s.penalty.Name, 2+i, err)
		}
		if err := s.rt.CopyToDevice(in[2+i].Mem, 0, raw); err != nil {
			return 0, fmt.Errorf("%w: write sampling scalar: %w", ErrBackendLaunch, err)
		}
	}
	if err := launch(ctx, s.rt, s.penalty, device.LaunchOptions{}); err != nil {
		return 0, err
	}

	probsSlot, tokSlot := s.penalty.Outputs[0], s.penalty.Outputs[1]
	rawProbs := make([]byte, slotBytes(probsSlot))
	rawToks := make([]byte, slotBytes(tokSlot))
	if err := s.rt.CopyFromDevice(rawProbs, probsSlot.Mem, 0); err != nil {
		return 0, fmt.Errorf("%w: read candidate probabilities: %w", ErrBackendLaunch, err)
	}
	if err := s.rt.CopyFromDevice(rawToks, tokSlot.Mem, 0); err != nil {
		return 0, fmt.Errorf("%w: read candidate tokens: %w", ErrBackendLaunch, err)
	}
	probs, err := device.DecodeFloat32s(probsSlot.DType, rawProbs)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %w", ErrUnknownSubgraph, s.penalty.Name, err)
	}
	tokens := device.DecodeInt32s(rawToks)

	idx, top := s.draw(probs)
	metrics.RecordSampling(p.Mode.String(), p.Temperature, p.TopP, p.RepetitionPenalty, top)
	return tokens[idx], nil
}

// draw returns a weighted random index into probs and the largest weight.
// An all-zero vector picks the first candidate.
func (s *Sampler) draw(probs []float32) (int, float64) {
	var sum, top float64
	for _, p := range probs {
		if p > 0 {
			sum += float64(p)
		}
		top = max(top, float64(p))
	}
	if sum <= 0 {
		return 0, top
	}
	r := s.rng.Float64() * sum
	last := 0
	for i, p := range probs {
		if p <= 0 {
			continue
		}
		last = i
		r -= float64(p)
		if r < 0 {
			return i, top
		}
	}
	return last, top
}
