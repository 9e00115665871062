// Copyright 2025 AegisGate Authors
// SPDX-License-Identifier: Apache-2.0

package llm

import (
	"context"
)

// StaticProvider returns a fixed reply. Used in tests and local runs
// where no model backend is available.
type StaticProvider struct {
	Reply string

	// Err, when set, is returned instead of a reply.
	Err error

	// waitFn simulates upstream latency by waiting on the context
	// before answering.
	waitFn func(ctx context.Context) error
}

// Name implements Provider.
func (p *StaticProvider) Name() string { return "static" }

// Complete implements Provider.
func (p *StaticProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	if p.waitFn != nil {
		if err := p.waitFn(ctx); err != nil {
			return nil, err
		}
	}
	if p.Err != nil {
		return nil, p.Err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &Response{Text: p.Reply, Model: "static"}, nil
}

// Hanging returns a provider that never answers before the context
// deadline. Test helper for timeout paths.
func Hanging() *StaticProvider {
	return &StaticProvider{
		waitFn: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
	}
}
