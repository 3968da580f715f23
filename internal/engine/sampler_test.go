package engine

import (
	"context"
	"io"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-bmllm/internal/config"
	"github.com/23skdu/longbow-bmllm/internal/device"
	"github.com/23skdu/longbow-bmllm/internal/logger"
)

func TestParseSamplingMode(t *testing.T) {
	m, err := ParseSamplingMode("greedy")
	require.NoError(t, err)
	require.Equal(t, SamplingGreedy, m)

	m, err = ParseSamplingMode(" Penalty_Sample ")
	require.NoError(t, err)
	require.Equal(t, SamplingPenalty, m)

	_, err = ParseSamplingMode("nucleus")
	require.ErrorIs(t, err, ErrUnsupportedSamplingMode)
}

func TestParamsFromConfig(t *testing.T) {
	c := config.DefaultSampling()
	c.Mode = "penalty_sample"
	c.TopP = 0.8
	p, err := ParamsFromConfig(c)
	require.NoError(t, err)
	require.Equal(t, SamplingPenalty, p.Mode)
	require.Equal(t, 0.8, p.TopP)
	require.Equal(t, c, p.Config())

	c.TopP = 0
	_, err = ParamsFromConfig(c)
	require.ErrorIs(t, err, ErrInvalidInput)

	c.Mode = "beam"
	_, err = ParamsFromConfig(c)
	require.ErrorIs(t, err, ErrUnsupportedSamplingMode, "mode is checked before ranges")
}

func TestUnknownModeRejected(t *testing.T) {
	rt := newTestRuntime(t, nil)
	_, err := NewEngine(rt, testConfig("nucleus"), WithLogger(logger.New(io.Discard, "json")))
	require.ErrorIs(t, err, ErrUnsupportedSamplingMode)

	e := newTestEngine(t, rt, "greedy")
	before := e.Params()
	bad := config.DefaultSampling()
	bad.Mode = "nucleus"
	require.ErrorIs(t, e.SetParams(bad), ErrUnsupportedSamplingMode)
	require.Equal(t, before, e.Params())

	good := config.DefaultSampling()
	good.Mode = "penalty_sample"
	good.Temperature = 0.7
	require.NoError(t, e.SetParams(good))
	require.Equal(t, SamplingPenalty, e.Params().Mode)
	require.Equal(t, 0.7, e.Params().Temperature)
}

func TestGreedyPicksArgmax(t *testing.T) {
	e := newTestEngine(t, newTestRuntime(t, nil), "greedy")
	ctx := context.Background()

	tok, err := e.ForwardFirst(ctx, []int{5, 17, 42})
	require.NoError(t, err)
	for {
		logits, err := device.DecodeFloat32s(device.DTypeFloat32, logitsBytes(t, e))
		require.NoError(t, err)
		best := 0
		for i, v := range logits {
			if v > logits[best] {
				best = i
			}
		}
		require.Equal(t, best, tok)
		if e.Len() >= 8 {
			break
		}
		tok, err = e.ForwardNext(ctx)
		require.NoError(t, err)
	}
}

func TestGreedyDeterministic(t *testing.T) {
	ctx := context.Background()
	run := func() []int {
		e := newTestEngine(t, newTestRuntime(t, nil), "greedy")
		res, err := e.Generate(ctx, []int{11, 12}, GenerateOptions{}, nil)
		require.NoError(t, err)
		return res.Tokens
	}
	require.Equal(t, run(), run())
}

func TestPenaltyWindowSingleToken(t *testing.T) {
	rt := newTestRuntime(t, nil)
	cfg := testConfig("penalty_sample")
	cfg.Sampling.RepetitionLastN = 2
	e, err := NewEngine(rt, cfg, WithLogger(logger.New(io.Discard, "json")))
	require.NoError(t, err)
	defer e.Close()

	_, err = e.ForwardFirst(context.Background(), []int{7})
	require.NoError(t, err)

	in := e.g.penaltyHead.Inputs[1]
	window := device.DecodeInt32s(readBuf(t, rt, in.Mem, slotBytes(in)))
	require.Equal(t, []int{7, 7, 7, 7, 7, 7, 7, 7}, window)
}

func TestPenaltyTokenIsCandidate(t *testing.T) {
	rt := newTestRuntime(t, nil)
	cfg := testConfig("penalty_sample")
	cfg.Sampling.TopP = 0.9
	cfg.Sampling.Temperature = 0.8
	cfg.Sampling.RepetitionPenalty = 1.3
	e, err := NewEngine(rt, cfg, WithLogger(logger.New(io.Discard, "json")))
	require.NoError(t, err)
	defer e.Close()

	ctx := context.Background()
	tok, err := e.ForwardFirst(ctx, []int{5, 17, 42})
	for {
		require.NoError(t, err)
		out := e.g.penaltyHead.Outputs
		cands := device.DecodeInt32s(readBuf(t, rt, out[1].Mem, slotBytes(out[1])))
		probs, derr := device.DecodeFloat32s(device.DTypeFloat32, readBuf(t, rt, out[0].Mem, slotBytes(out[0])))
		require.NoError(t, derr)
		require.Len(t, cands, 8)

		idx := -1
		for i, c := range cands {
			if c == tok {
				idx = i
			}
		}
		require.GreaterOrEqual(t, idx, 0, "token %d not among candidates %v", tok, cands)
		require.Positive(t, probs[idx])
		if e.Len() >= 8 {
			break
		}
		tok, err = e.ForwardNext(ctx)
	}
}

func TestPenaltySeededReproducible(t *testing.T) {
	ctx := context.Background()
	run := func(seed int64) []int {
		cfg := testConfig("penalty_sample")
		cfg.Seed = seed
		e, err := NewEngine(newTestRuntime(t, nil), cfg, WithLogger(logger.New(io.Discard, "json")))
		require.NoError(t, err)
		defer e.Close()
		res, err := e.Generate(ctx, []int{5, 17, 42}, GenerateOptions{}, nil)
		require.NoError(t, err)
		return res.Tokens
	}
	require.Equal(t, run(7), run(7))
}

func TestDraw(t *testing.T) {
	s := &Sampler{rng: rand.New(rand.NewSource(1))}

	idx, top := s.draw([]float32{0, 0, 1, 0})
	require.Equal(t, 2, idx)
	require.Equal(t, 1.0, top)

	idx, top = s.draw([]float32{0, 0})
	require.Equal(t, 0, idx)
	require.Zero(t, top)

	counts := make([]int, 2)
	for i := 0; i < 2000; i++ {
		idx, _ := s.draw([]float32{0.75, 0.25})
		counts[idx]++
	}
	require.Greater(t, counts[0], counts[1])
	require.Positive(t, counts[1])
}
