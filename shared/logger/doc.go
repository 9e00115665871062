// Copyright 2025 AegisGate Authors
// SPDX-License-Identifier: Apache-2.0

/*
Package logger provides structured JSON logging for AegisGate components.

# Overview

The logger outputs single-line JSON to stdout, making entries easily
consumable by CloudWatch, ELK, or any other log aggregation system.

Each log entry includes:
  - Timestamp (RFC3339Nano format)
  - Log level (DEBUG, INFO, WARN, ERROR)
  - Component name (gateway, auditor, etc.)
  - Instance ID and container name (for distributed tracing)
  - Actor (the user or client identity a decision concerns)
  - Request ID (for request correlation)
  - Custom fields

# Usage

Create a logger for your component:

	log := logger.New("gateway")

Log messages with actor and request context:

	log.Info("user-123", "req-456", "Request allowed", map[string]interface{}{
	    "stage": "rate_limiter",
	})

Log errors with a pipeline reason code:

	log.ErrorWithReason("user-123", "req-456", "Request denied",
	    "RATE_LIMITED", err, nil)

# Environment Variables

  - INSTANCE_ID: Deployment instance identifier
  - HOSTNAME: Container hostname (auto-detected)

# Thread Safety

Logger instances are safe for concurrent use from multiple goroutines.
*/
package logger
