package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/23skdu/longbow-bmllm/internal/config"
	"github.com/23skdu/longbow-bmllm/internal/device"
	"github.com/23skdu/longbow-bmllm/internal/logger"
	"github.com/23skdu/longbow-bmllm/internal/metrics"
)

const (
	PhasePrefill = "prefill"
	PhaseDecode  = "decode"
)

// StepTrace describes one completed prefill or decode step.
type StepTrace struct {
	Session  string
	Phase    string
	Position int // index of the sampled token in the sequence
	Token    int
	Latency  time.Duration
	Time     time.Time
}

// Tracer receives a StepTrace after every successful step.
type Tracer interface {
	RecordStep(StepTrace)
}

type multiTracer []Tracer

func (m multiTracer) RecordStep(s StepTrace) {
	for _, t := range m {
		t.RecordStep(s)
	}
}

// Tracers fans a step out to every non-nil tracer in order.
func Tracers(ts ...Tracer) Tracer {
	var m multiTracer
	for _, t := range ts {
		if t != nil {
			m = append(m, t)
		}
	}
	return m
}

type Option func(*Engine)

func WithTracer(t Tracer) Option {
	return func(e *Engine) { e.tracer = t }
}

func WithLogger(l *logger.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// Engine runs prefill and incremental decode for one sequence at a time over a
// loaded sub-graph bundle. Calls are serialized by an internal mutex; run one
// Engine per concurrent session.
type Engine struct {
	mu sync.Mutex

	rt      device.Runtime
	topo    *Topology
	g       *graphs
	kv      KVCache
	seq     *Sequence
	sampler *Sampler
	params  SamplingParams

	ready  bool
	closed bool

	session string
	tracer  Tracer
	log     *logger.Logger
}

// NewEngine resolves the sub-graphs, derives the topology and prepares the KV
// cache. Missing sub-graphs fail here with ErrUnknownSubgraph and an unknown
// generation_mode with ErrUnsupportedSamplingMode.
func NewEngine(rt device.Runtime, cfg config.Config, opts ...Option) (*Engine, error) {
	params, err := ParamsFromConfig(cfg.Sampling)
	if err != nil {
		return nil, recordError(err)
	}
	topo, g, err := loadTopology(rt)
	if err != nil {
		return nil, recordError(err)
	}
	kv, err := newKVCache(rt, topo, g)
	if err != nil {
		return nil, recordError(err)
	}

	e := &Engine{
		rt:      rt,
		topo:    topo,
		g:       g,
		kv:      kv,
		seq:     newSequence(topo.SeqLen),
		sampler: newSampler(rt, g, cfg.Seed),
		params:  params,
		session: uuid.New().String(),
	}
	for _, o := range opts {
		o(e)
	}
	if e.log == nil {
		e.log = logger.Log
	}
	e.log = e.log.With("session", e.session)

	metrics.RecordKVCacheStats(kv.Size(), 0)
	e.log.Info("Engine loaded",
		"layers", topo.NumLayers,
		"seq_len", topo.SeqLen,
		"hidden", topo.HiddenSize,
		"kv_stride", topo.KVStrideBytes,
		"dynamic", topo.Dynamic,
		"cache_mode", topo.CacheMode.String(),
		"dtype", topo.HiddenDType.String(),
		"sampling", params.Mode.String(),
		"vision", g.vision != nil,
	)
	return e, nil
}

// Topology returns a copy of the loaded topology.
func (e *Engine) Topology() Topology {
	return *e.topo
}

func (e *Engine) Session() string {
	return e.session
}

// Len is the live sequence length.
func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.seq.Len()
}

// Tokens returns a copy of the live sequence, prompt included.
func (e *Engine) Tokens() []int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.seq.Tokens()
}

// Params returns the active sampling parameters.
func (e *Engine) Params() SamplingParams {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.params
}

// SetParams validates and installs new sampling parameters. On error the
// previous parameters stay active.
func (e *Engine) SetParams(c config.SamplingConfig) error {
	p, err := ParamsFromConfig(c)
	if err != nil {
		return recordError(err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.params = p
	e.log.Info("Sampling parameters updated", "mode", p.Mode.String(), "top_p", p.TopP,
		"temperature", p.Temperature, "repetition_penalty", p.RepetitionPenalty, "last_n", p.RepetitionLastN)
	return nil
}

// Status is a point-in-time snapshot for health endpoints and the CLI.
type Status struct {
	Session      string         `json:"session"`
	Topology     Topology       `json:"topology"`
	Length       int            `json:"length"`
	Ready        bool           `json:"ready"`
	Closed       bool           `json:"closed"`
	Sampling     SamplingParams `json:"sampling"`
	KVCacheBytes int            `json:"kv_cache_bytes"`
	KVUsedBytes  int            `json:"kv_used_bytes"`
	TotalTokens  int64          `json:"total_tokens"`
}

func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Status{
		Session:      e.session,
		Topology:     *e.topo,
		Length:       e.seq.Len(),
		Ready:        e.ready,
		Closed:       e.closed,
		Sampling:     e.params,
		KVCacheBytes: e.kv.Size(),
		KVUsedBytes:  e.kvUsed(),
		TotalTokens:  metrics.TotalTokens(),
	}
}

func (e *Engine) kvUsed() int {
	n := min(e.seq.Len(), e.topo.SeqLen)
	return 2 * e.topo.NumLayers * n * e.topo.KVStrideBytes
}

// Close releases the KV cache. The runtime stays owned by the caller.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	e.ready = false
	err := e.kv.Free()
	metrics.RecordKVCacheStats(0, 0)
	e.log.Info("Engine closed", "tokens", e.seq.Len())
	return err
}

// ForwardFirst runs prefill over tokens and returns the first sampled token.
// It starts a new sequence, discarding any previous one.
func (e *Engine) ForwardFirst(ctx context.Context, tokens []int) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	start := time.Now()
	tok, err := e.forwardFirst(ctx, tokens, nil)
	return e.finish(PhasePrefill, start, tok, err)
}

// ForwardNext decodes one token from the last sampled token.
func (e *Engine) ForwardNext(ctx context.Context) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	start := time.Now()
	tok, err := e.forwardNext(ctx)
	return e.finish(PhaseDecode, start, tok, err)
}

func (e *Engine) finish(phase string, start time.Time, tok int, err error) (int, error) {
	if err != nil {
		recordError(err)
		e.log.Error("Step failed", "phase", phase, "length", e.seq.Len(), "error", err)
		return 0, err
	}
	elapsed := time.Since(start)
	n := e.seq.Len()
	metrics.RecordStep(phase, 1, elapsed)
	metrics.RecordSequenceLength(n)
	metrics.RecordKVCacheStats(e.kv.Size(), e.kvUsed())
	e.log.Debug("Step complete", "phase", phase, "token", tok, "length", n, "latency", elapsed)
	if e.tracer != nil {
		e.tracer.RecordStep(StepTrace{
			Session:  e.session,
			Phase:    phase,
			Position: n - 1,
			Token:    tok,
			Latency:  elapsed,
			Time:     start,
		})
	}
	return tok, nil
}

func (e *Engine) checkOpen() error {
	if e.closed {
		return fmt.Errorf("%w: engine is closed", ErrInvalidInput)
	}
	return nil
}

// forwardFirst is prefill. splice, when set, runs after the embedding launch
// and may overwrite rows of the embedding output.
func (e *Engine) forwardFirst(ctx context.Context, tokens []int, splice func(context.Context) error) (int, error) {
	if err := e.checkOpen(); err != nil {
		return 0, err
	}
	t := e.topo
	n := len(tokens)
	if n == 0 || n > t.SeqLen {
		return 0, fmt.Errorf("%w: prompt length %d outside [1, %d]", ErrInvalidInput, n, t.SeqLen)
	}
	for i, tok := range tokens {
		if tok < 0 || tok >= t.Vocab {
			return 0, fmt.Errorf("%w: token %d at position %d outside vocab of %d", ErrInvalidInput, tok, i, t.Vocab)
		}
	}

	e.ready = false
	e.seq.Reset(tokens)
	// A failed prefill leaves an empty sequence, not a half-built one.
	defer func() {
		if !e.ready {
			e.seq.Reset(nil)
		}
	}()
	if err := e.kv.Reset(); err != nil {
		return 0, err
	}

	width, opts := t.SeqLen, device.LaunchOptions{}
	if t.Dynamic {
		width, opts.TokenLen = n, n
	}

	emb := e.g.embedding
	if err := toDevice(e.rt, emb.Inputs[0].Mem, 0, device.EncodeInt32s(e.seq.Window(t.SeqLen))); err != nil {
		return 0, err
	}
	if err := launch(ctx, e.rt, emb, device.LaunchOptions{}); err != nil {
		return 0, err
	}
	if splice != nil {
		if err := splice(ctx); err != nil {
			return 0, err
		}
	}

	// Mask and position ids go into the first block only; later blocks copy them.
	first := e.g.blocks[0]
	posBytes := device.EncodeInt32s(prefillPositions(n, width))
	if err := toDevice(e.rt, first.Inputs[1].Mem, 0, posBytes); err != nil {
		return 0, err
	}
	maskBytes, err := device.EncodeFloat32s(first.Inputs[2].DType, prefillMask(n, width))
	if err != nil {
		return 0, fmt.Errorf("%w: %s mask: %w", ErrUnknownSubgraph, first.Name, err)
	}
	if err := toDevice(e.rt, first.Inputs[2].Mem, 0, maskBytes); err != nil {
		return 0, err
	}

	hiddenBytes := width * t.HiddenStrideBytes
	src := emb.Outputs[0].Mem
	for l, blk := range e.g.blocks {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		if err := copyD2D(e.rt, blk.Inputs[0].Mem, src, hiddenBytes); err != nil {
			return 0, err
		}
		if l > 0 {
			if err := copyD2D(e.rt, blk.Inputs[1].Mem, first.Inputs[1].Mem, len(posBytes)); err != nil {
				return 0, err
			}
			if err := copyD2D(e.rt, blk.Inputs[2].Mem, first.Inputs[2].Mem, len(maskBytes)); err != nil {
				return 0, err
			}
		}
		if err := launch(ctx, e.rt, blk, opts); err != nil {
			return 0, err
		}
		if err := e.kv.WriteSlot(l, 0, n, blk.Outputs[1].Mem, blk.Outputs[2].Mem); err != nil {
			return 0, err
		}
		src = blk.Outputs[0].Mem
	}
	metrics.RecordKVCacheWrite(PhasePrefill, t.NumLayers)

	return e.headAndSample(ctx, src, (n-1)*t.HiddenStrideBytes)
}

func (e *Engine) forwardNext(ctx context.Context) (int, error) {
	if err := e.checkOpen(); err != nil {
		return 0, err
	}
	if !e.ready {
		return 0, fmt.Errorf("%w: forward_next called before forward_first", ErrInvalidInput)
	}
	t := e.topo
	n := e.seq.Len()
	if n >= t.SeqLen {
		return 0, fmt.Errorf("%w: length %d reached capacity %d", ErrSequenceExhausted, n, t.SeqLen)
	}

	width, opts := t.SeqLen, device.LaunchOptions{}
	if t.Dynamic {
		width, opts.TokenLen = n, n
	}

	ec := e.g.embeddingCache
	if err := toDevice(e.rt, ec.Inputs[0].Mem, 0, device.EncodeInt32s([]int{e.seq.Last()})); err != nil {
		return 0, err
	}
	if err := launch(ctx, e.rt, ec, device.LaunchOptions{}); err != nil {
		return 0, err
	}

	first := e.g.blockCaches[0]
	posBytes := device.EncodeInt32s([]int{n - 1})
	if err := toDevice(e.rt, first.Inputs[1].Mem, 0, posBytes); err != nil {
		return 0, err
	}
	maskBytes, err := device.EncodeFloat32s(first.Inputs[2].DType, decodeMask(n, width))
	if err != nil {
		return 0, fmt.Errorf("%w: %s mask: %w", ErrUnknownSubgraph, first.Name, err)
	}
	if err := toDevice(e.rt, first.Inputs[2].Mem, 0, maskBytes); err != nil {
		return 0, err
	}

	src := ec.Outputs[0].Mem
	for l, blk := range e.g.blockCaches {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		if err := copyD2D(e.rt, blk.Inputs[0].Mem, src, t.HiddenStrideBytes); err != nil {
			return 0, err
		}
		if l > 0 {
			if err := copyD2D(e.rt, blk.Inputs[1].Mem, first.Inputs[1].Mem, len(posBytes)); err != nil {
				return 0, err
			}
			if err := copyD2D(e.rt, blk.Inputs[2].Mem, first.Inputs[2].Mem, len(maskBytes)); err != nil {
				return 0, err
			}
		}
		if err := e.kv.Bind(l); err != nil {
			return 0, err
		}
		if err := launch(ctx, e.rt, blk, opts); err != nil {
			return 0, err
		}
		if err := e.kv.WriteSlot(l, n-1, 1, blk.Outputs[1].Mem, blk.Outputs[2].Mem); err != nil {
			return 0, err
		}
		src = blk.Outputs[0].Mem
	}
	metrics.RecordKVCacheWrite(PhaseDecode, t.NumLayers)

	return e.headAndSample(ctx, src, 0)
}

// headAndSample feeds the hidden row at srcOff of src through lm_head and the
// active sampling head, then appends the token.
func (e *Engine) headAndSample(ctx context.Context, src device.Buffer, srcOff int) (int, error) {
	lm := e.g.lmHead
	if err := e.rt.CopyDeviceToDevice(lm.Inputs[0].Mem, 0, src, srcOff, e.topo.HiddenStrideBytes); err != nil {
		return 0, fmt.Errorf("%w: copy final hidden state: %w", ErrBackendLaunch, err)
	}
	if err := launch(ctx, e.rt, lm, device.LaunchOptions{}); err != nil {
		return 0, err
	}
	tok, err := e.sampler.Sample(ctx, lm.Outputs[0].Mem, e.seq.Tokens(), e.params)
	if err != nil {
		return 0, err
	}
	e.seq.Append(tok)
	e.ready = true
	return tok, nil
}

func launch(ctx context.Context, rt device.Runtime, sg *device.Subgraph, opts device.LaunchOptions) error {
	start := time.Now()
	if err := rt.Launch(ctx, sg, opts); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrBackendLaunch, sg.Name, err)
	}
	metrics.RecordLaunchDuration(sg.Name, time.Since(start))
	return nil
}

func toDevice(rt device.Runtime, dst device.Buffer, off int, data []byte) error {
	if err := rt.CopyToDevice(dst, off, data); err != nil {
		return fmt.Errorf("%w: s2d: %w", ErrBackendLaunch, err)
	}
	return nil
}

func copyD2D(rt device.Runtime, dst, src device.Buffer, size int) error {
	if err := rt.CopyDeviceToDevice(dst, 0, src, 0, size); err != nil {
		return fmt.Errorf("%w: d2d: %w", ErrBackendLaunch, err)
	}
	return nil
}
