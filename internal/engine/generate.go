package engine

import (
	"context"
	"slices"
)

// GenerateOptions bounds a generation loop. A zero MaxNewTokens uses the
// engine's max_new_tokens parameter. A non-nil Image is spliced into the
// prompt during prefill.
type GenerateOptions struct {
	MaxNewTokens int
	EOS          []int
	Image        *Image
}

// StopReason says why Generate returned.
type StopReason string

const (
	StopEOS       StopReason = "eos"
	StopMaxTokens StopReason = "max_new_tokens"
	StopCapacity  StopReason = "capacity"
	StopCallback  StopReason = "callback"
	StopError     StopReason = "error"
)

// GenerateResult holds the generated tokens, end token excluded.
type GenerateResult struct {
	Tokens []int
	Reason StopReason
}

// Generate runs prefill on prompt and decodes until an end token, the token
// budget, the sequence capacity, a false return from cb, or cancellation.
// cb may be nil; it sees every generated token except the end token.
// On error the tokens produced so far are returned alongside it.
func (e *Engine) Generate(ctx context.Context, prompt []int, opts GenerateOptions, cb func(tok int) bool) (GenerateResult, error) {
	budget := opts.MaxNewTokens
	if budget <= 0 {
		budget = e.Params().MaxNewTokens
	}

	var (
		res GenerateResult
		tok int
		err error
	)
	if opts.Image != nil {
		tok, err = e.ForwardFirstWithImage(ctx, prompt, *opts.Image)
	} else {
		tok, err = e.ForwardFirst(ctx, prompt)
	}
	for {
		if err != nil {
			res.Reason = StopError
			return res, err
		}
		if slices.Contains(opts.EOS, tok) {
			res.Reason = StopEOS
			return res, nil
		}
		res.Tokens = append(res.Tokens, tok)
		if cb != nil && !cb(tok) {
			res.Reason = StopCallback
			return res, nil
		}
		if len(res.Tokens) >= budget {
			res.Reason = StopMaxTokens
			return res, nil
		}
		if e.Len() >= e.topo.SeqLen {
			res.Reason = StopCapacity
			return res, nil
		}
		if err := ctx.Err(); err != nil {
			res.Reason = StopError
			return res, err
		}
		tok, err = e.ForwardNext(ctx)
	}
}
