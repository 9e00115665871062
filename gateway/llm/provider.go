// Copyright 2025 AegisGate Authors
// SPDX-License-Identifier: Apache-2.0

package llm

import (
	"context"
)

// Request is one completion request to the upstream model.
type Request struct {
	Prompt      string
	MaxTokens   int
	Temperature float64
}

// Response is the upstream model's reply.
type Response struct {
	Text  string
	Model string
}

// Provider abstracts the upstream generation backend. Implementations
// must honor context cancellation so callers can bound the upstream wait.
type Provider interface {
	// Name returns the provider identifier for logs and audit detail.
	Name() string

	// Complete generates a reply for the request.
	Complete(ctx context.Context, req Request) (*Response, error)
}
