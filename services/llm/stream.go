// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
)

// StreamingResult is the output of one model invocation. It is consumed at
// most once.
type StreamingResult struct {
	agent      Agent
	request    AgentRequest
	condition  error
	generateID func() string
	onFinish   func(ctx context.Context, ev FinishEvent) error

	consumed   atomic.Bool
	finishOnce sync.Once
}

// Consume runs the model, forwarding each chunk to fn, then fires OnFinish
// with the buffered output.
//
// # Description
//
// A second call returns ErrStreamConsumed without touching the model. If fn
// returns an error, the provider fails, or ctx is canceled before the model
// finishes, Consume returns that error and OnFinish is not called. When the
// model cannot honor thinking mode, no provider error is returned; OnFinish
// fires with Condition set to ErrUnsupportedCapability.
//
// # Inputs
//
//   - ctx: Bounds the model call.
//   - fn: Receives chunks in order. May be nil.
//
// # Outputs
//
//   - error: Stream failure, or the error returned by OnFinish.
func (r *StreamingResult) Consume(ctx context.Context, fn func(Chunk) error) error {
	if !r.consumed.CompareAndSwap(false, true) {
		return ErrStreamConsumed
	}

	var (
		buf       partBuffer
		usage     *Usage
		condition = r.condition
	)
	if condition == nil {
		u, err := r.agent.ChatStream(ctx, r.request, func(c Chunk) error {
			if c.Text == "" {
				return nil
			}
			buf.add(c)
			if fn != nil {
				return fn(c)
			}
			return nil
		})
		switch {
		case errors.Is(err, ErrUnsupportedCapability):
			condition = ErrUnsupportedCapability
		case err != nil:
			return err
		}
		usage = u
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	ev := FinishEvent{
		Messages: []ResponseMessage{{
			ID:    r.generateID(),
			Role:  RoleAssistant,
			Parts: buf.parts,
		}},
		Condition: condition,
		Usage:     usage,
	}
	var err error
	r.finishOnce.Do(func() {
		if r.onFinish != nil {
			err = r.onFinish(ctx, ev)
		}
	})
	return err
}

// partBuffer collects chunks into parts, starting a new part whenever the
// chunk type changes.
type partBuffer struct {
	parts   []ResponsePart
	current strings.Builder
}

func (b *partBuffer) add(c Chunk) {
	n := len(b.parts)
	if n == 0 || b.parts[n-1].Type != c.Type {
		b.current.Reset()
		b.parts = append(b.parts, ResponsePart{Type: c.Type})
		n++
	}
	b.current.WriteString(c.Text)
	b.parts[n-1].Text = b.current.String()
}
