// Copyright 2025 AegisGate Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSessionConfig() SessionConfig {
	return SessionConfig{
		IdleTimeoutSeconds: 1800,
		MaxLifetimeSeconds: 28800,
		MaxActivePerUser:   3,
	}
}

func TestSessionCreateAndValidate(t *testing.T) {
	m := NewSessionManager(testSessionConfig())

	id := m.Create("user-1", "10.0.0.1", "device-a")
	require.NotEmpty(t, id)

	v := m.Validate(id, "10.0.0.1")
	require.True(t, v.OK)
	assert.False(t, v.Anomaly)
	assert.Equal(t, "user-1", v.Session.UserID)
	assert.Equal(t, SessionActive, v.Session.State)
}

func TestSessionValidateUnknownID(t *testing.T) {
	m := NewSessionManager(testSessionConfig())

	v := m.Validate("nonexistent", "10.0.0.1")
	assert.False(t, v.OK)
	assert.Nil(t, v.Session)
}

func TestSessionValidateIdempotent(t *testing.T) {
	m := NewSessionManager(testSessionConfig())
	id := m.Create("user-1", "10.0.0.1", "device-a")

	first := m.Validate(id, "10.0.0.1")
	second := m.Validate(id, "10.0.0.1")

	assert.Equal(t, first.OK, second.OK)
	assert.Equal(t, first.Session.LastActivityAt, second.Session.LastActivityAt)
}

func TestSessionIdleExpiry(t *testing.T) {
	m := NewSessionManager(testSessionConfig())
	id := m.Create("user-1", "10.0.0.1", "device-a")

	// Jump past the idle timeout.
	base := time.Now()
	m.nowFn = func() time.Time { return base.Add(31 * time.Minute) }

	v := m.Validate(id, "10.0.0.1")
	assert.False(t, v.OK)

	s, ok := m.Get(id)
	require.True(t, ok)
	assert.Equal(t, SessionExpired, s.State)

	// Expiry is terminal even if the clock rolls back.
	m.nowFn = func() time.Time { return base }
	v = m.Validate(id, "10.0.0.1")
	assert.False(t, v.OK)
}

func TestSessionMaxLifetime(t *testing.T) {
	cfg := testSessionConfig()
	m := NewSessionManager(cfg)
	id := m.Create("user-1", "10.0.0.1", "device-a")

	base := time.Now()
	// Touch periodically so the idle timeout never fires, then cross the
	// absolute lifetime.
	for i := 1; i <= 16; i++ {
		m.nowFn = func() time.Time { return base.Add(time.Duration(i) * 29 * time.Minute) }
		m.Touch(id)
	}
	m.nowFn = func() time.Time { return base.Add(9 * time.Hour) }

	v := m.Validate(id, "10.0.0.1")
	assert.False(t, v.OK)
	s, _ := m.Get(id)
	assert.Equal(t, SessionExpired, s.State)
}

func TestSessionRevoke(t *testing.T) {
	m := NewSessionManager(testSessionConfig())
	id := m.Create("user-1", "10.0.0.1", "device-a")

	require.True(t, m.Revoke(id))
	assert.False(t, m.Revoke(id)) // already terminal

	v := m.Validate(id, "10.0.0.1")
	assert.False(t, v.OK)
}

func TestSessionIPDriftIsSoftAnomaly(t *testing.T) {
	m := NewSessionManager(testSessionConfig())
	id := m.Create("user-1", "10.0.0.1", "device-a")

	v := m.Validate(id, "192.168.1.50")
	assert.True(t, v.OK, "IP drift alone must not invalidate")
	assert.True(t, v.Anomaly)
}

func TestSessionAnomalyRevokeThreshold(t *testing.T) {
	cfg := testSessionConfig()
	cfg.AnomalyRevokeThreshold = 3
	m := NewSessionManager(cfg)
	id := m.Create("user-1", "10.0.0.1", "device-a")

	for i := 0; i < 2; i++ {
		v := m.Validate(id, "192.168.1.50")
		assert.True(t, v.OK)
		assert.True(t, v.Anomaly)
	}

	// Third drifted validation crosses the threshold.
	v := m.Validate(id, "192.168.1.50")
	assert.False(t, v.OK)
	assert.True(t, v.Anomaly)

	s, _ := m.Get(id)
	assert.Equal(t, SessionRevoked, s.State)
}

func TestSessionConcurrencyCap(t *testing.T) {
	m := NewSessionManager(testSessionConfig())

	first := m.Create("user-1", "10.0.0.1", "d1")
	second := m.Create("user-1", "10.0.0.1", "d2")
	third := m.Create("user-1", "10.0.0.1", "d3")
	assert.Equal(t, 3, m.ActiveCount("user-1"))

	// Fourth create evicts the least-recently-active session.
	m.Touch(first)
	fourth := m.Create("user-1", "10.0.0.1", "d4")

	assert.Equal(t, 3, m.ActiveCount("user-1"))

	evicted, _ := m.Get(second)
	assert.Equal(t, SessionRevoked, evicted.State)

	for _, id := range []string{first, third, fourth} {
		s, ok := m.Get(id)
		require.True(t, ok)
		assert.Equal(t, SessionActive, s.State, "session %s", id)
	}
}

func TestSessionConcurrencyCapUnderRace(t *testing.T) {
	m := NewSessionManager(testSessionConfig())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			m.Create("user-1", "10.0.0.1", fmt.Sprintf("d%d", n))
		}(i)
	}
	wg.Wait()

	assert.LessOrEqual(t, m.ActiveCount("user-1"), 3)
}

func TestSessionTouchExtendsIdleWindow(t *testing.T) {
	m := NewSessionManager(testSessionConfig())
	id := m.Create("user-1", "10.0.0.1", "device-a")

	base := time.Now()
	m.nowFn = func() time.Time { return base.Add(20 * time.Minute) }
	m.Touch(id)

	// 20 + 20 minutes from creation, but only 20 since the touch.
	m.nowFn = func() time.Time { return base.Add(40 * time.Minute) }
	v := m.Validate(id, "10.0.0.1")
	assert.True(t, v.OK)
}

func TestSessionPurgeTerminal(t *testing.T) {
	m := NewSessionManager(testSessionConfig())
	keep := m.Create("user-1", "10.0.0.1", "d1")
	gone := m.Create("user-2", "10.0.0.1", "d2")
	m.Revoke(gone)

	base := time.Now()
	m.nowFn = func() time.Time { return base.Add(48 * time.Hour) }

	removed := m.PurgeTerminal(24 * time.Hour)
	assert.Equal(t, 1, removed)

	_, ok := m.Get(gone)
	assert.False(t, ok)
	_, ok = m.Get(keep)
	assert.True(t, ok)
}
