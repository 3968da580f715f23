package arrow_client

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-bmllm/internal/engine"
)

func sampleSteps() []engine.StepTrace {
	base := time.Unix(1700000000, 123)
	return []engine.StepTrace{
		{Session: "s1", Phase: engine.PhasePrefill, Position: 3, Token: 11, Latency: 4 * time.Millisecond, Time: base},
		{Session: "s1", Phase: engine.PhaseDecode, Position: 4, Token: 7, Latency: time.Millisecond, Time: base.Add(time.Second)},
	}
}

func sameSteps(t *testing.T, want, got []engine.StepTrace) {
	t.Helper()
	if len(want) != len(got) {
		t.Fatalf("Expected %d steps, got %d", len(want), len(got))
	}
	for i := range want {
		w, g := want[i], got[i]
		if w.Session != g.Session || w.Phase != g.Phase || w.Position != g.Position ||
			w.Token != g.Token || w.Latency != g.Latency || !w.Time.Equal(g.Time) {
			t.Errorf("step %d: expected %+v, got %+v", i, w, g)
		}
	}
}

func TestNewFlightClient(t *testing.T) {
	client := NewFlightClient("localhost", 0)
	if client.Addr() != "localhost:3000" {
		t.Errorf("Expected default port, got %s", client.Addr())
	}

	client, err := NewFlightClientAddr("127.0.0.1:4100")
	if err != nil {
		t.Fatalf("Failed to parse address: %v", err)
	}
	if client.Addr() != "127.0.0.1:4100" {
		t.Errorf("Unexpected addr %s", client.Addr())
	}

	if _, err := NewFlightClientAddr("no-port"); err == nil {
		t.Error("Expected error for address without port")
	}
}

func TestExportReturnsErrorWhenNotConnected(t *testing.T) {
	client := NewFlightClient("localhost", 3000)
	rec := BuildStepRecord(memory.NewGoAllocator(), sampleSteps())
	defer rec.Release()

	err := client.Export(context.Background(), rec)
	if err == nil {
		t.Fatal("Expected error when client not connected")
	}
	if !strings.Contains(err.Error(), "not connected") {
		t.Errorf("Expected 'not connected' error, got: %v", err)
	}
}

func TestStepRecordRoundTrip(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	steps := sampleSteps()
	rec := BuildStepRecord(mem, steps)
	defer rec.Release()

	if rec.NumRows() != 2 || rec.NumCols() != 6 {
		t.Fatalf("Unexpected record shape %dx%d", rec.NumRows(), rec.NumCols())
	}
	got, err := StepsFromRecord(rec)
	if err != nil {
		t.Fatalf("StepsFromRecord: %v", err)
	}
	sameSteps(t, steps, got)
}

// stepSink is a Flight server that collects DoPut rows.
type stepSink struct {
	flight.BaseFlightServer
	mu    sync.Mutex
	paths [][]string
	steps []engine.StepTrace
}

func (s *stepSink) DoPut(stream flight.FlightService_DoPutServer) error {
	rdr, err := flight.NewRecordReader(stream)
	if err != nil {
		return err
	}
	defer rdr.Release()

	s.mu.Lock()
	defer s.mu.Unlock()
	if desc := rdr.LatestFlightDescriptor(); desc != nil {
		s.paths = append(s.paths, desc.Path)
	}
	for rdr.Next() {
		steps, err := StepsFromRecord(rdr.Record())
		if err != nil {
			return err
		}
		s.steps = append(s.steps, steps...)
	}
	return rdr.Err()
}

func TestFlightExport(t *testing.T) {
	sink := &stepSink{}
	srv := flight.NewServerWithMiddleware(nil)
	if err := srv.Init("127.0.0.1:0"); err != nil {
		t.Fatalf("Init: %v", err)
	}
	srv.RegisterFlightService(sink)
	go func() { _ = srv.Serve() }()
	defer srv.Shutdown()

	client, err := NewFlightClientAddr(srv.Addr().String())
	if err != nil {
		t.Fatalf("NewFlightClientAddr: %v", err)
	}
	ctx := context.Background()
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer client.Close()

	rec := NewTraceRecorder(client, nil, 16)
	for _, s := range sampleSteps() {
		rec.RecordStep(s)
	}
	if err := rec.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	sameSteps(t, sampleSteps(), sink.steps)
	if len(sink.paths) != 1 || strings.Join(sink.paths[0], "/") != "bmllm/steps" {
		t.Errorf("Unexpected descriptor paths %v", sink.paths)
	}
}

func TestTraceRecorderWithMock(t *testing.T) {
	mock := NewMockFlightClient()
	ctx := context.Background()
	if err := mock.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	rec := NewTraceRecorder(mock, nil, 2)

	if err := rec.Flush(ctx); err != nil {
		t.Fatalf("Empty flush should succeed: %v", err)
	}
	if mock.Exports() != 0 {
		t.Errorf("Empty flush should not export")
	}

	for _, s := range sampleSteps() {
		rec.RecordStep(s)
	}
	if rec.Pending() != 2 {
		t.Errorf("Expected 2 pending steps, got %d", rec.Pending())
	}
	if err := rec.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	sameSteps(t, sampleSteps(), mock.Steps())
	if !mock.Schema().Equal(StepSchema) {
		t.Errorf("Unexpected schema %s", mock.Schema())
	}

	boom := errors.New("sink unavailable")
	mock.FailWith(boom)
	rec.RecordStep(sampleSteps()[0])
	if err := rec.Flush(ctx); !errors.Is(err, boom) {
		t.Errorf("Expected export error, got %v", err)
	}
	if rec.Pending() != 0 {
		t.Errorf("Failed rows should be dropped, %d pending", rec.Pending())
	}
}

func TestTraceRecorderRun(t *testing.T) {
	mock := NewMockFlightClient()
	_ = mock.Connect(context.Background())
	rec := NewTraceRecorder(mock, nil, 2)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rec.Run(ctx, time.Hour) }()

	// A full batch triggers an export without waiting for the ticker.
	for _, s := range sampleSteps() {
		rec.RecordStep(s)
	}
	deadline := time.Now().Add(5 * time.Second)
	for mock.Exports() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if mock.Exports() != 1 {
		t.Fatalf("Expected one batch export, got %d", mock.Exports())
	}

	rec.RecordStep(sampleSteps()[0])
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := len(mock.Steps()); got != 3 {
		t.Errorf("Final flush should export the remaining step, got %d rows", got)
	}
}
