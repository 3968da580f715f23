package arrow_client

import (
	"context"
	"fmt"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/23skdu/longbow-bmllm/internal/engine"
)

// MockFlightClient is an in-memory Exporter for tests and dry runs.
type MockFlightClient struct {
	mu        sync.RWMutex
	connected bool
	fail      error
	steps     []engine.StepTrace
	exports   int
	schema    *arrow.Schema
}

func NewMockFlightClient() *MockFlightClient {
	return &MockFlightClient{}
}

func (m *MockFlightClient) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = true
	return nil
}

func (m *MockFlightClient) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	return nil
}

// FailWith makes every later Export return err. A nil err clears it.
func (m *MockFlightClient) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = err
}

// Export decodes rec and keeps its rows.
func (m *MockFlightClient) Export(ctx context.Context, rec arrow.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return fmt.Errorf("client not connected")
	}
	if m.fail != nil {
		return m.fail
	}
	steps, err := StepsFromRecord(rec)
	if err != nil {
		return err
	}
	m.steps = append(m.steps, steps...)
	m.exports++
	m.schema = rec.Schema()
	return nil
}

// Steps returns every row exported so far.
func (m *MockFlightClient) Steps() []engine.StepTrace {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]engine.StepTrace(nil), m.steps...)
}

// Exports is the number of successful Export calls.
func (m *MockFlightClient) Exports() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.exports
}

func (m *MockFlightClient) Schema() *arrow.Schema {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.schema
}

func (m *MockFlightClient) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.steps = nil
	m.exports = 0
}
