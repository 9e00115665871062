// Copyright 2025 AegisGate Authors
// SPDX-License-Identifier: Apache-2.0

// Package gateway mediates every exchange between users and an upstream
// generation backend. A request passes a fixed stage sequence:
//
//	input validation -> rate limit -> session -> consent ->
//	inbound policy -> generate -> outbound policy -> release
//
// The first failing stage denies the request with exactly one reason
// code; later stages never run. Every stage outcome, allowed or denied,
// lands on an append-only audit trail keyed by pseudonymized actor, and
// released replies have PII spans replaced with stable opaque tokens.
//
// Evaluate never returns an error: infrastructure failures surface as
// denied decisions (UPSTREAM_TIMEOUT, UPSTREAM_ERROR) or as the
// AuditDegraded flag, so no failure mode is mistakable for an allow.
package gateway
