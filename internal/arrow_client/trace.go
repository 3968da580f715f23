package arrow_client

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-bmllm/internal/engine"
	"github.com/23skdu/longbow-bmllm/internal/logger"
	"github.com/23skdu/longbow-bmllm/internal/metrics"
)

// StepSchema is the Arrow layout of one exported decode step.
var StepSchema = arrow.NewSchema([]arrow.Field{
	{Name: "session", Type: arrow.BinaryTypes.String},
	{Name: "phase", Type: arrow.BinaryTypes.String},
	{Name: "position", Type: arrow.PrimitiveTypes.Int32},
	{Name: "token", Type: arrow.PrimitiveTypes.Int32},
	{Name: "latency_ns", Type: arrow.PrimitiveTypes.Int64},
	{Name: "time", Type: arrow.FixedWidthTypes.Timestamp_ns},
}, nil)

// BuildStepRecord packs steps into a record. The caller releases it.
func BuildStepRecord(mem memory.Allocator, steps []engine.StepTrace) arrow.Record {
	b := array.NewRecordBuilder(mem, StepSchema)
	defer b.Release()

	session := b.Field(0).(*array.StringBuilder)
	phase := b.Field(1).(*array.StringBuilder)
	position := b.Field(2).(*array.Int32Builder)
	token := b.Field(3).(*array.Int32Builder)
	latency := b.Field(4).(*array.Int64Builder)
	ts := b.Field(5).(*array.TimestampBuilder)
	for _, s := range steps {
		session.Append(s.Session)
		phase.Append(s.Phase)
		position.Append(int32(s.Position))
		token.Append(int32(s.Token))
		latency.Append(int64(s.Latency))
		ts.Append(arrow.Timestamp(s.Time.UnixNano()))
	}
	return b.NewRecord()
}

// StepsFromRecord is the inverse of BuildStepRecord.
func StepsFromRecord(rec arrow.Record) ([]engine.StepTrace, error) {
	if !rec.Schema().Equal(StepSchema) {
		return nil, fmt.Errorf("unexpected trace schema: %s", rec.Schema())
	}
	session := rec.Column(0).(*array.String)
	phase := rec.Column(1).(*array.String)
	position := rec.Column(2).(*array.Int32)
	token := rec.Column(3).(*array.Int32)
	latency := rec.Column(4).(*array.Int64)
	ts := rec.Column(5).(*array.Timestamp)

	steps := make([]engine.StepTrace, rec.NumRows())
	for i := range steps {
		steps[i] = engine.StepTrace{
			Session:  session.Value(i),
			Phase:    phase.Value(i),
			Position: int(position.Value(i)),
			Token:    int(token.Value(i)),
			Latency:  time.Duration(latency.Value(i)),
			Time:     time.Unix(0, int64(ts.Value(i))),
		}
	}
	return steps, nil
}

// Exporter ships trace records to a sink.
type Exporter interface {
	Export(ctx context.Context, rec arrow.Record) error
	Close() error
}

// TraceRecorder buffers engine steps and exports them as Arrow records. It
// implements engine.Tracer; RecordStep never blocks on the exporter.
type TraceRecorder struct {
	exp       Exporter
	mem       memory.Allocator
	batchSize int

	mu      sync.Mutex
	pending []engine.StepTrace
	full    chan struct{}
}

func NewTraceRecorder(exp Exporter, mem memory.Allocator, batchSize int) *TraceRecorder {
	if mem == nil {
		mem = memory.NewGoAllocator()
	}
	if batchSize <= 0 {
		batchSize = 256
	}
	return &TraceRecorder{
		exp:       exp,
		mem:       mem,
		batchSize: batchSize,
		full:      make(chan struct{}, 1),
	}
}

func (r *TraceRecorder) RecordStep(s engine.StepTrace) {
	r.mu.Lock()
	r.pending = append(r.pending, s)
	n := len(r.pending)
	r.mu.Unlock()

	if n >= r.batchSize {
		select {
		case r.full <- struct{}{}:
		default:
		}
	}
}

// Pending is the number of buffered, unexported steps.
func (r *TraceRecorder) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Flush exports everything buffered so far. Rows of a failed export are dropped.
func (r *TraceRecorder) Flush(ctx context.Context) error {
	r.mu.Lock()
	steps := r.pending
	r.pending = nil
	r.mu.Unlock()
	if len(steps) == 0 {
		return nil
	}

	rec := BuildStepRecord(r.mem, steps)
	defer rec.Release()
	err := r.exp.Export(ctx, rec)
	metrics.RecordTraceExport(len(steps), err)
	if err != nil {
		return fmt.Errorf("export %d trace rows: %w", len(steps), err)
	}
	logger.Log.Debug("Trace rows exported", "rows", len(steps))
	return nil
}

// Run flushes on every interval tick and whenever a batch fills, until ctx is
// done. A final flush runs on exit with a short grace period.
func (r *TraceRecorder) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return r.Flush(final)
		case <-ticker.C:
		case <-r.full:
		}
		if err := r.Flush(ctx); err != nil {
			logger.Log.Warn("Trace export failed", "error", err)
		}
	}
}
