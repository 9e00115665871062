// Copyright 2025 AegisGate Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"aegisgate/platform/shared/logger"
)

// =============================================================================
// Audit Trail
// =============================================================================

// Outcome is the verdict recorded for one pipeline stage.
type Outcome string

const (
	OutcomeAllow Outcome = "ALLOW"
	OutcomeDeny  Outcome = "DENY"
)

// Event is one append-only audit record. Actor is the pseudonymized user
// identity; Detail never carries raw PII.
type Event struct {
	ID         string                 `json:"id"`
	Timestamp  time.Time              `json:"timestamp"`
	Actor      string                 `json:"actor"`
	Stage      string                 `json:"stage"`
	Decision   Outcome                `json:"decision"`
	ReasonCode string                 `json:"reason_code,omitempty"`
	Detail     map[string]interface{} `json:"detail,omitempty"`

	// seq orders events with identical timestamps. Memory store only.
	seq uint64
}

// EventFilter narrows a Query. Zero values match everything.
type EventFilter struct {
	Actor    string
	Stage    string
	Decision Outcome
	From     time.Time
	To       time.Time
	Limit    int
}

// AuditStore persists audit events. Implementations must be append-only:
// no update path exists, and purge is the only removal.
type AuditStore interface {
	Append(ctx context.Context, event Event) error
	Query(ctx context.Context, filter EventFilter) ([]Event, error)
	PurgeBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// ===== In-Memory Store =====

// MemoryAuditStore keeps events in process memory. Default store for
// single-instance deployments and tests.
type MemoryAuditStore struct {
	mu     sync.RWMutex
	events []Event
	seq    uint64
}

// NewMemoryAuditStore creates an empty in-memory store.
func NewMemoryAuditStore() *MemoryAuditStore {
	return &MemoryAuditStore{}
}

// Append records one event.
func (s *MemoryAuditStore) Append(_ context.Context, event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	event.seq = s.seq
	s.events = append(s.events, event)
	return nil
}

// Query returns matching events, most recent first. Insertion order breaks
// timestamp ties so results are deterministic.
func (s *MemoryAuditStore) Query(_ context.Context, filter EventFilter) ([]Event, error) {
	s.mu.RLock()
	matched := make([]Event, 0)
	for _, e := range s.events {
		if filter.Actor != "" && e.Actor != filter.Actor {
			continue
		}
		if filter.Stage != "" && e.Stage != filter.Stage {
			continue
		}
		if filter.Decision != "" && e.Decision != filter.Decision {
			continue
		}
		if !filter.From.IsZero() && e.Timestamp.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && e.Timestamp.After(filter.To) {
			continue
		}
		matched = append(matched, e)
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].Timestamp.Equal(matched[j].Timestamp) {
			return matched[i].seq > matched[j].seq
		}
		return matched[i].Timestamp.After(matched[j].Timestamp)
	})

	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

// PurgeBefore removes events older than the cutoff.
func (s *MemoryAuditStore) PurgeBefore(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.events[:0]
	removed := 0
	for _, e := range s.events {
		if e.Timestamp.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	s.events = kept
	return removed, nil
}

// Len reports the number of stored events.
func (s *MemoryAuditStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

// ===== Asynchronous Trail =====

// AuditTrail fronts an AuditStore with a buffered queue and background
// workers so audit persistence never blocks the request path. When the
// queue is full the write degrades to a synchronous append; when even
// that fails, the caller is told so it can flag the decision as running
// with a degraded audit trail.
type AuditTrail struct {
	store AuditStore
	log   *logger.Logger

	queue chan Event
	wg    sync.WaitGroup

	mu     sync.Mutex
	closed bool

	nowFn func() time.Time
}

// NewAuditTrail starts the trail. QueueSize 0 disables the async path
// entirely; every Record then appends synchronously.
func NewAuditTrail(store AuditStore, cfg AuditConfig, log *logger.Logger) *AuditTrail {
	t := &AuditTrail{
		store: store,
		log:   log,
		nowFn: time.Now,
	}

	if cfg.QueueSize > 0 {
		workers := cfg.Workers
		if workers <= 0 {
			workers = 1
		}
		t.queue = make(chan Event, cfg.QueueSize)
		for i := 0; i < workers; i++ {
			t.wg.Add(1)
			go t.worker()
		}
	}
	return t
}

// Record persists one event, filling in ID and timestamp. The returned
// flag reports whether persistence is degraded: the event could neither
// be queued nor written synchronously.
func (t *AuditTrail) Record(event Event) (degraded bool) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = t.nowFn()
	}

	if t.queue != nil {
		t.mu.Lock()
		if !t.closed {
			select {
			case t.queue <- event:
				t.mu.Unlock()
				auditQueuedTotal.Inc()
				return false
			default:
				// Queue saturated; fall through to the sync path.
			}
		}
		t.mu.Unlock()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := t.store.Append(ctx, event); err != nil {
		auditDroppedTotal.Inc()
		t.log.ErrorWithReason(event.Actor, event.ID, "Audit event lost", "audit_write_failed", err, map[string]interface{}{
			"stage": event.Stage,
		})
		return true
	}
	return false
}

// Query proxies to the underlying store.
func (t *AuditTrail) Query(ctx context.Context, filter EventFilter) ([]Event, error) {
	return t.store.Query(ctx, filter)
}

// PurgeBefore proxies to the underlying store.
func (t *AuditTrail) PurgeBefore(ctx context.Context, cutoff time.Time) (int, error) {
	return t.store.PurgeBefore(ctx, cutoff)
}

// Shutdown drains the queue and stops the workers. Record calls made
// after Shutdown fall back to synchronous writes.
func (t *AuditTrail) Shutdown() {
	if t.queue == nil {
		return
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	close(t.queue)
	t.mu.Unlock()

	t.wg.Wait()
}

func (t *AuditTrail) worker() {
	defer t.wg.Done()
	for event := range t.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := t.store.Append(ctx, event)
		cancel()
		if err != nil {
			auditDroppedTotal.Inc()
			t.log.ErrorWithReason(event.Actor, event.ID, "Async audit write failed", "audit_write_failed", err, map[string]interface{}{
				"stage": event.Stage,
			})
		}
	}
}
