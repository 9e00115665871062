// Copyright 2025 AegisGate Authors
// SPDX-License-Identifier: Apache-2.0

// Package llm abstracts the upstream generation backend behind a small
// Provider interface. The gateway itself never talks to a model API
// directly; it hands an already-screened prompt to a Provider and screens
// whatever comes back.
//
// Two implementations ship with the gateway:
//
//   - BedrockProvider invokes Anthropic models through AWS Bedrock.
//   - StaticProvider returns canned replies, for tests and local runs.
package llm
