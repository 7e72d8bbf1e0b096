package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSessionRegistry(t *testing.T) {
	r := NewSessionRegistry()

	_, ok := r.SessionFor("client-1")
	assert.False(t, ok)

	r.Register("client-1", "session-a")
	sid, ok := r.SessionFor("client-1")
	assert.True(t, ok)
	assert.Equal(t, "session-a", sid)

	// Reconnect replaces the old session.
	r.Register("client-1", "session-b")
	sid, _ = r.SessionFor("client-1")
	assert.Equal(t, "session-b", sid)

	r.Remove("session-b")
	_, ok = r.SessionFor("client-1")
	assert.False(t, ok)
}

func TestSessionRegistryRemoveClearsAllClients(t *testing.T) {
	r := NewSessionRegistry()
	r.Register("client-1", "shared-session")
	r.Register("client-2", "shared-session")
	r.Register("client-3", "other-session")

	r.Remove("shared-session")

	_, ok := r.SessionFor("client-1")
	assert.False(t, ok)
	_, ok = r.SessionFor("client-2")
	assert.False(t, ok)
	sid, ok := r.SessionFor("client-3")
	assert.True(t, ok)
	assert.Equal(t, "other-session", sid)
}
