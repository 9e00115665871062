// Copyright 2025 AegisGate Authors
// SPDX-License-Identifier: Apache-2.0

// Package main runs the mediation gateway as a local console, reading
// one query per line from stdin and printing the decision as JSON.
// Useful for policy tuning and demos; production deployments embed the
// gateway package behind their own transport.
//
// Environment Variables:
//
//	GATEWAY_CONFIG - path to the YAML config file (optional)
//	DATABASE_URL   - PostgreSQL DSN for the persistent audit trail
//	REDIS_URL      - Redis URL for the distributed rate limiter
//	AWS_REGION     - region for the Bedrock provider
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"aegisgate/platform/gateway"
	"aegisgate/platform/gateway/llm"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "gateway:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := gateway.LoadConfig(os.Getenv("GATEWAY_CONFIG"))
	if err != nil {
		return err
	}

	var store gateway.AuditStore
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		pg, err := gateway.OpenPostgresAuditStore(dsn)
		if err != nil {
			return err
		}
		defer pg.Close()
		store = pg
	} else {
		store = gateway.NewMemoryAuditStore()
	}

	var provider llm.Provider
	switch cfg.LLM.Provider {
	case "bedrock":
		provider, err = llm.NewBedrockProvider(context.Background(), cfg.LLM.Region, cfg.LLM.Model)
		if err != nil {
			return err
		}
	default:
		provider = &llm.StaticProvider{Reply: "This is a canned reply from the static provider."}
	}

	g, err := gateway.New(cfg, store, provider)
	if err != nil {
		return err
	}
	defer g.Close()

	g.StartMaintenance(time.Minute)

	userID := gateway.DeriveUserID("console")
	g.GrantConsent(userID, gateway.ConsentScopeChat)
	sessionID, _, err := g.CreateSession(userID, "127.0.0.1", "console")
	if err != nil {
		return err
	}

	fmt.Fprintln(os.Stderr, "gateway ready; one query per line")

	enc := json.NewEncoder(os.Stdout)
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		decision := g.Evaluate(context.Background(), gateway.Request{
			Text:      scanner.Text(),
			UserID:    userID,
			SessionID: sessionID,
			IPAddress: "127.0.0.1",
		})
		if err := enc.Encode(decision); err != nil {
			return err
		}
	}
	return scanner.Err()
}
