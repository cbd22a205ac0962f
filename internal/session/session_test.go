package session

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pipeSession(t *testing.T) (*Session, net.Conn) {
	t.Helper()
	serverConn, clientConn := net.Pipe()
	t.Cleanup(func() { serverConn.Close(); clientConn.Close() })
	return New(serverConn, 10, 5), clientConn
}

func TestSessionUsernameAndRoom(t *testing.T) {
	s, _ := pipeSession(t)

	assert.Equal(t, "", s.Username())
	s.SetUsername("alice")
	assert.Equal(t, "alice", s.Username())

	assert.Equal(t, "", s.RoomID())
	s.SetRoomID("482913")
	assert.Equal(t, "482913", s.RoomID())
}

func TestSessionOwnerLeaveHandshake(t *testing.T) {
	s, _ := pipeSession(t)

	assert.False(t, s.OwnerLeaveArmed())
	assert.True(t, s.ArmOwnerLeave(), "first arm should succeed")
	assert.True(t, s.OwnerLeaveArmed())
	assert.False(t, s.ArmOwnerLeave(), "already armed")

	s.DisarmOwnerLeave()
	assert.False(t, s.OwnerLeaveArmed())
}

func TestRegistryAddGetRemove(t *testing.T) {
	r := NewRegistry()
	s, _ := pipeSession(t)

	r.Add(s)
	got, ok := r.Get(s.ID)
	require.True(t, ok)
	assert.Same(t, s, got)

	r.Remove(s.ID)
	_, ok = r.Get(s.ID)
	assert.False(t, ok)
}

func TestRegistryClaimUsernameUniqueness(t *testing.T) {
	r := NewRegistry()
	a, _ := pipeSession(t)
	b, _ := pipeSession(t)
	r.Add(a)
	r.Add(b)

	assert.True(t, r.ClaimUsername(a.ID, "alice"))
	assert.False(t, r.ClaimUsername(b.ID, "alice"), "name already held")

	found, ok := r.FindByUsername("alice")
	require.True(t, ok)
	assert.Same(t, a, found)
}

func TestRegistryClaimUsernameRenameReleasesOld(t *testing.T) {
	r := NewRegistry()
	a, _ := pipeSession(t)
	b, _ := pipeSession(t)
	r.Add(a)
	r.Add(b)

	require.True(t, r.ClaimUsername(a.ID, "alice"))
	require.True(t, r.ClaimUsername(a.ID, "alice2"))

	assert.True(t, r.ClaimUsername(b.ID, "alice"), "old name must be released")
}

func TestRegistryCount(t *testing.T) {
	r := NewRegistry()
	a, _ := pipeSession(t)
	r.Add(a)
	assert.Equal(t, 1, r.Count())
	r.Remove(a.ID)
	assert.Equal(t, 0, r.Count())
}
