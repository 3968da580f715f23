package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGenerateStopsAtEOS(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, newTestRuntime(t, nil), "greedy")
	first, err := e.ForwardFirst(ctx, []int{5, 17, 42})
	require.NoError(t, err)
	second, err := e.ForwardNext(ctx)
	require.NoError(t, err)

	res, err := e.Generate(ctx, []int{5, 17, 42}, GenerateOptions{EOS: []int{first}}, nil)
	require.NoError(t, err)
	require.Equal(t, StopEOS, res.Reason)
	require.Empty(t, res.Tokens)

	if second != first {
		res, err = e.Generate(ctx, []int{5, 17, 42}, GenerateOptions{EOS: []int{second}}, nil)
		require.NoError(t, err)
		require.Equal(t, StopEOS, res.Reason)
		require.Equal(t, []int{first}, res.Tokens)
	}
}

func TestGenerateBudget(t *testing.T) {
	e := newTestEngine(t, newTestRuntime(t, nil), "greedy")
	res, err := e.Generate(context.Background(), []int{5, 17, 42}, GenerateOptions{MaxNewTokens: 2}, nil)
	require.NoError(t, err)
	require.Equal(t, StopMaxTokens, res.Reason)
	require.Len(t, res.Tokens, 2)
	require.Equal(t, 5, e.Len())
	require.Equal(t, res.Tokens, e.Tokens()[3:])
}

func TestGenerateStopsAtCapacity(t *testing.T) {
	e := newTestEngine(t, newTestRuntime(t, nil), "greedy")
	var seen []int
	res, err := e.Generate(context.Background(), []int{5, 17, 42}, GenerateOptions{}, func(tok int) bool {
		seen = append(seen, tok)
		return true
	})
	require.NoError(t, err)
	require.Equal(t, StopCapacity, res.Reason)
	require.Len(t, res.Tokens, 5)
	require.Equal(t, res.Tokens, seen)
	require.Equal(t, 8, e.Len())
}

func TestGenerateCallbackStops(t *testing.T) {
	e := newTestEngine(t, newTestRuntime(t, nil), "greedy")
	calls := 0
	res, err := e.Generate(context.Background(), []int{1}, GenerateOptions{}, func(int) bool {
		calls++
		return calls < 2
	})
	require.NoError(t, err)
	require.Equal(t, StopCallback, res.Reason)
	require.Len(t, res.Tokens, 2)
}

func TestGenerateCanceled(t *testing.T) {
	e := newTestEngine(t, newTestRuntime(t, nil), "greedy")
	ctx, cancel := context.WithCancel(context.Background())
	res, err := e.Generate(ctx, []int{1, 2}, GenerateOptions{}, func(int) bool {
		cancel()
		return true
	})
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, StopError, res.Reason)
	require.Len(t, res.Tokens, 1)
}
