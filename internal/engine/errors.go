package engine

import (
	"context"
	"errors"

	"github.com/23skdu/longbow-bmllm/internal/metrics"
)

var (
	// ErrInvalidInput: empty or oversized prompt, or decode without a prefill.
	ErrInvalidInput = errors.New("invalid input")
	// ErrSequenceExhausted: the sequence reached the model's seq_len capacity.
	ErrSequenceExhausted = errors.New("sequence exhausted")
	// ErrUnknownSubgraph: a required sub-graph is missing or malformed. Raised at load time.
	ErrUnknownSubgraph = errors.New("unknown subgraph")
	// ErrUnsupportedSamplingMode: unrecognized generation_mode.
	ErrUnsupportedSamplingMode = errors.New("unsupported sampling mode")
	// ErrBackendLaunch: the runtime reported a failure while launching or copying.
	ErrBackendLaunch = errors.New("backend launch failed")
)

// errorKind is the metrics label for err.
func errorKind(err error) string {
	switch {
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, ErrSequenceExhausted):
		return "sequence_exhausted"
	case errors.Is(err, ErrUnknownSubgraph):
		return "unknown_subgraph"
	case errors.Is(err, ErrUnsupportedSamplingMode):
		return "unsupported_sampling_mode"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	case errors.Is(err, ErrBackendLaunch):
		return "backend_launch"
	default:
		return "other"
	}
}

func recordError(err error) error {
	if err != nil {
		metrics.RecordEngineError(errorKind(err))
	}
	return err
}
