// Copyright 2025 AegisGate Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Session Lifecycle
// =============================================================================

// SessionState is the explicit lifecycle state of a session.
// ACTIVE is the only non-terminal state.
type SessionState string

const (
	SessionActive  SessionState = "ACTIVE"
	SessionExpired SessionState = "EXPIRED"
	SessionRevoked SessionState = "REVOKED"
)

// Session is the record owned exclusively by the SessionManager. Other
// components read it only through the manager's query methods, which
// return copies.
type Session struct {
	ID                string       `json:"id"`
	UserID            string       `json:"user_id"`
	CreatedAt         time.Time    `json:"created_at"`
	LastActivityAt    time.Time    `json:"last_activity_at"`
	IPAddress         string       `json:"ip_address"`
	DeviceFingerprint string       `json:"device_fingerprint"`
	State             SessionState `json:"state"`

	// anomalies counts validations that presented an unexpected IP.
	anomalies int
}

// SessionValidation is the outcome of validating one presented session id.
// Anomaly is a soft signal: the session is still valid, but the presented
// IP differs from the one recorded at creation, so the caller should
// escalate scrutiny rather than deny outright.
type SessionValidation struct {
	OK      bool
	Session *Session
	Anomaly bool
}

// sessionShardCount matches the limiter's shard table so shardIndex
// addresses both.
const sessionShardCount = limiterShardCount

type sessionShard struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

type userIndexShard struct {
	mu     sync.Mutex
	byUser map[string][]string
}

// SessionManager owns session issuance, validation, and teardown. State is
// sharded by session id (and separately by user id for the concurrency
// cap), so unrelated users never contend on the same lock.
//
// Lock ordering: the user-index lock is always taken before any session
// shard lock, never the reverse.
type SessionManager struct {
	cfg    SessionConfig
	shards [sessionShardCount]sessionShard
	users  [sessionShardCount]userIndexShard

	nowFn func() time.Time
	newID func() string
}

// NewSessionManager creates a manager with the given lifecycle config.
func NewSessionManager(cfg SessionConfig) *SessionManager {
	m := &SessionManager{
		cfg:   cfg,
		nowFn: time.Now,
		newID: uuid.NewString,
	}
	for i := range m.shards {
		m.shards[i].sessions = make(map[string]*Session)
	}
	for i := range m.users {
		m.users[i].byUser = make(map[string][]string)
	}
	return m
}

// Create issues a new session. If the user already holds the maximum
// number of active sessions, the least-recently-active one is forcibly
// revoked before the new session is issued, so the cap holds at every
// observation point even under concurrent creates.
func (m *SessionManager) Create(userID, ipAddress, deviceFingerprint string) string {
	now := m.nowFn()
	id := m.newID()

	userShard := &m.users[shardIndex(userID)]
	userShard.mu.Lock()
	defer userShard.mu.Unlock()

	// Prune the index and collect this user's live sessions.
	ids := userShard.byUser[userID]
	live := ids[:0]
	var evictable *Session
	activeCount := 0
	for _, sid := range ids {
		s := m.lookup(sid)
		if s == nil {
			continue
		}
		live = append(live, sid)
		if s.State != SessionActive {
			continue
		}
		activeCount++
		if evictable == nil || s.LastActivityAt.Before(evictable.LastActivityAt) {
			evictable = s
		}
	}

	if activeCount >= m.cfg.MaxActivePerUser && evictable != nil {
		m.transition(evictable.ID, SessionRevoked)
	}

	session := &Session{
		ID:                id,
		UserID:            userID,
		CreatedAt:         now,
		LastActivityAt:    now,
		IPAddress:         ipAddress,
		DeviceFingerprint: deviceFingerprint,
		State:             SessionActive,
	}

	shard := &m.shards[shardIndex(id)]
	shard.mu.Lock()
	shard.sessions[id] = session
	shard.mu.Unlock()

	userShard.byUser[userID] = append(live, id)
	return id
}

// Validate checks a presented session id. It fails closed: unknown ids,
// terminal states, and timed-out sessions all yield OK=false, and a
// timed-out session is transitioned to EXPIRED as a side effect so
// subsequent validations short-circuit cheaply.
//
// IP drift alone does not invalidate: the validation succeeds with
// Anomaly=true. If AnomalyRevokeThreshold is configured and this
// validation reaches it, the session is revoked and the validation fails.
func (m *SessionManager) Validate(sessionID, presentedIP string) SessionValidation {
	shard := &m.shards[shardIndex(sessionID)]
	shard.mu.Lock()
	defer shard.mu.Unlock()

	s, ok := shard.sessions[sessionID]
	if !ok || s.State != SessionActive {
		return SessionValidation{OK: false}
	}

	now := m.nowFn()
	if now.Sub(s.LastActivityAt) >= m.cfg.IdleTimeout() || now.Sub(s.CreatedAt) >= m.cfg.MaxLifetime() {
		s.State = SessionExpired
		return SessionValidation{OK: false}
	}

	anomaly := presentedIP != "" && presentedIP != s.IPAddress
	if anomaly {
		s.anomalies++
		if m.cfg.AnomalyRevokeThreshold > 0 && s.anomalies >= m.cfg.AnomalyRevokeThreshold {
			s.State = SessionRevoked
			return SessionValidation{OK: false, Anomaly: true}
		}
	}

	snapshot := *s
	return SessionValidation{OK: true, Session: &snapshot, Anomaly: anomaly}
}

// Touch updates the session's last-activity timestamp. No-op on terminal
// or unknown sessions.
func (m *SessionManager) Touch(sessionID string) {
	shard := &m.shards[shardIndex(sessionID)]
	shard.mu.Lock()
	defer shard.mu.Unlock()

	if s, ok := shard.sessions[sessionID]; ok && s.State == SessionActive {
		s.LastActivityAt = m.nowFn()
	}
}

// Revoke transitions a session to REVOKED. Reports whether a live session
// was actually revoked.
func (m *SessionManager) Revoke(sessionID string) bool {
	return m.transition(sessionID, SessionRevoked)
}

// Get returns a copy of the session record, if it exists.
func (m *SessionManager) Get(sessionID string) (Session, bool) {
	shard := &m.shards[shardIndex(sessionID)]
	shard.mu.Lock()
	defer shard.mu.Unlock()

	s, ok := shard.sessions[sessionID]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// ActiveCount reports how many of a user's sessions are currently ACTIVE.
func (m *SessionManager) ActiveCount(userID string) int {
	userShard := &m.users[shardIndex(userID)]
	userShard.mu.Lock()
	ids := append([]string(nil), userShard.byUser[userID]...)
	userShard.mu.Unlock()

	count := 0
	for _, sid := range ids {
		if s := m.lookup(sid); s != nil && s.State == SessionActive {
			count++
		}
	}
	return count
}

// PurgeTerminal removes sessions that have been in a terminal state. The
// age cutoff keeps recently-expired records queryable for a while.
// Maintenance only; holds one shard lock at a time.
func (m *SessionManager) PurgeTerminal(olderThan time.Duration) int {
	now := m.nowFn()
	removed := 0
	for i := range m.shards {
		shard := &m.shards[i]
		shard.mu.Lock()
		for id, s := range shard.sessions {
			if s.State != SessionActive && now.Sub(s.LastActivityAt) > olderThan {
				delete(shard.sessions, id)
				removed++
			}
		}
		shard.mu.Unlock()
	}
	return removed
}

// lookup fetches the live session pointer for internal use.
func (m *SessionManager) lookup(sessionID string) *Session {
	shard := &m.shards[shardIndex(sessionID)]
	shard.mu.Lock()
	defer shard.mu.Unlock()
	return shard.sessions[sessionID]
}

// transition moves a session to a terminal state.
func (m *SessionManager) transition(sessionID string, to SessionState) bool {
	shard := &m.shards[shardIndex(sessionID)]
	shard.mu.Lock()
	defer shard.mu.Unlock()

	s, ok := shard.sessions[sessionID]
	if !ok || s.State != SessionActive {
		return false
	}
	s.State = to
	return true
}
