package hub

import (
	"context"
	"net"
	"testing"
	"time"

	"chatserver/internal/auth"
	"chatserver/internal/metrics"
	"chatserver/internal/protocol"
	"chatserver/internal/room"
	"chatserver/internal/session"
	"chatserver/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	d        *Dispatcher
	sessions *session.Registry
	rooms    *room.Registry
	store    *store.Store
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	sessions := session.NewRegistry()
	rooms := room.NewRegistry()
	tokens := auth.NewTokenService("test-secret-at-least-32-bytes-long!", time.Hour)
	m := metrics.New()

	d := New(sessions, rooms, st, tokens, m, Config{
		HistorySize:  20,
		CleanupDelay: 20 * time.Millisecond,
		ResumeTTL:    time.Hour,
	})
	return &harness{d: d, sessions: sessions, rooms: rooms, store: st}
}

// newConnected uses a loopback TCP pair rather than net.Pipe: the
// dispatcher writes its responses before the test reads them, which needs
// a connection that buffers.
func newConnected(t *testing.T, h *harness) (*session.Session, net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	server, err := ln.Accept()
	require.NoError(t, err)
	t.Cleanup(func() { server.Close(); client.Close() })
	sess := session.New(server, 50, 50)
	h.sessions.Add(sess)
	return sess, client
}

// drainClient reads one line from the client side without blocking the
// test forever.
func drainClient(t *testing.T, conn net.Conn) string {
	t.Helper()
	buf := make([]byte, 4096)
	conn.SetReadDeadline(time.Now().Add(time.Second))
	n, err := conn.Read(buf)
	require.NoError(t, err)
	return string(buf[:n])
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}

func TestSetNameThenCreateThenJoinFlow(t *testing.T) {
	h := newHarness(t)
	go h.d.Run(testContext(t))

	alice, aliceConn := newConnected(t, h)
	bob, bobConn := newConnected(t, h)

	h.d.HandleLine(alice, protocol.Decode("/setname alice\n"))
	resp := drainClient(t, aliceConn)
	assert.Contains(t, resp, "NAME_SET")
	assert.Equal(t, "alice", alice.Username())

	h.d.HandleLine(alice, protocol.Decode("/create PUBLIC\n"))
	resp = drainClient(t, aliceConn)
	assert.Contains(t, resp, "ROOM_CREATED:")
	assert.Contains(t, resp, ":PUBLIC")
	assert.NotEqual(t, "", alice.RoomID())
	assert.True(t, alice.IsOwner())
	roomID := alice.RoomID()

	h.d.HandleLine(bob, protocol.Decode("/setname bob\n"))
	drainClient(t, bobConn)
	h.d.HandleLine(bob, protocol.Decode("/join " + roomID + "\n"))
	resp = drainClient(t, bobConn)
	assert.Contains(t, resp, "ROOM_JOINED:"+roomID)
	assert.Contains(t, resp, "MESSAGE_HISTORY_START")
	assert.Contains(t, resp, "MESSAGE_HISTORY_END")
}

func TestCreateRejectsMissingTypeKeyword(t *testing.T) {
	h := newHarness(t)
	alice, aliceConn := newConnected(t, h)

	h.d.HandleLine(alice, protocol.Decode("/setname alice\n"))
	drainClient(t, aliceConn)

	h.d.HandleLine(alice, protocol.Decode("/create\n"))
	resp := drainClient(t, aliceConn)
	assert.Contains(t, resp, "ERROR")
	assert.Equal(t, "", alice.RoomID())
}

func TestCreatePrivateRequiresPassword(t *testing.T) {
	h := newHarness(t)
	alice, aliceConn := newConnected(t, h)

	h.d.HandleLine(alice, protocol.Decode("/setname alice\n"))
	drainClient(t, aliceConn)

	h.d.HandleLine(alice, protocol.Decode("/create PRIVATE\n"))
	resp := drainClient(t, aliceConn)
	assert.Contains(t, resp, "ERROR")
	assert.Equal(t, "", alice.RoomID())
}

func TestJoinDistinguishesMissingFromWrongPassword(t *testing.T) {
	h := newHarness(t)
	owner, ownerConn := newConnected(t, h)
	joiner, joinerConn := newConnected(t, h)

	h.d.HandleLine(owner, protocol.Decode("/setname owner\n"))
	drainClient(t, ownerConn)
	h.d.HandleLine(owner, protocol.Decode("/create PRIVATE secret\n"))
	drainClient(t, ownerConn)
	roomID := owner.RoomID()

	h.d.HandleLine(joiner, protocol.Decode("/setname joiner\n"))
	drainClient(t, joinerConn)

	h.d.HandleLine(joiner, protocol.Decode("/join " + roomID + "\n"))
	resp := drainClient(t, joinerConn)
	assert.Contains(t, resp, "PASSWORD_REQUIRED")

	h.d.HandleLine(joiner, protocol.Decode("/join " + roomID + " wrong\n"))
	resp = drainClient(t, joinerConn)
	assert.Contains(t, resp, "WRONG_PASSWORD")

	h.d.HandleLine(joiner, protocol.Decode("/join " + roomID + " secret\n"))
	resp = drainClient(t, joinerConn)
	assert.Contains(t, resp, "ROOM_JOINED:"+roomID)
}

func TestJoinUnknownRoomReportsNotFound(t *testing.T) {
	h := newHarness(t)
	alice, aliceConn := newConnected(t, h)

	h.d.HandleLine(alice, protocol.Decode("/setname alice\n"))
	drainClient(t, aliceConn)

	h.d.HandleLine(alice, protocol.Decode("/join 999999\n"))
	resp := drainClient(t, aliceConn)
	assert.Equal(t, "ROOM_NOT_FOUND\n", resp)
}

func TestGetPasswordAndChangePasswordRoundTrip(t *testing.T) {
	h := newHarness(t)
	alice, aliceConn := newConnected(t, h)

	h.d.HandleLine(alice, protocol.Decode("/setname alice\n"))
	drainClient(t, aliceConn)
	h.d.HandleLine(alice, protocol.Decode("/create PRIVATE hunter2\n"))
	drainClient(t, aliceConn)

	h.d.HandleLine(alice, protocol.Decode("/getpassword\n"))
	resp := drainClient(t, aliceConn)
	assert.Equal(t, "ROOM_PASSWORD:hunter2\n", resp)

	h.d.HandleLine(alice, protocol.Decode("/changepassword swordfish\n"))
	resp = drainClient(t, aliceConn)
	assert.Equal(t, "PASSWORD_CHANGED:swordfish\n", resp)

	h.d.HandleLine(alice, protocol.Decode("/getpassword\n"))
	resp = drainClient(t, aliceConn)
	assert.Equal(t, "ROOM_PASSWORD:swordfish\n", resp)
}

func TestChatMessageBroadcastToOtherMember(t *testing.T) {
	h := newHarness(t)
	go h.d.Run(testContext(t))

	alice, aliceConn := newConnected(t, h)
	bob, bobConn := newConnected(t, h)

	h.d.HandleLine(alice, protocol.Decode("/setname alice\n"))
	drainClient(t, aliceConn)
	h.d.HandleLine(alice, protocol.Decode("/create PUBLIC\n"))
	drainClient(t, aliceConn)
	roomID := alice.RoomID()

	h.d.HandleLine(bob, protocol.Decode("/setname bob\n"))
	drainClient(t, bobConn)
	h.d.HandleLine(bob, protocol.Decode("/join " + roomID + "\n"))
	drainClient(t, bobConn)      // ROOM_JOINED + history framing
	drainClient(t, aliceConn)    // SYSTEM bob joined

	h.d.HandleLine(alice, protocol.Decode("hello bob\n"))

	resp := drainClient(t, bobConn)
	assert.Contains(t, resp, "alice: hello bob")
	assert.NotContains(t, resp, "MSG")
}

func TestPrivateMessageRequiresSharedRoom(t *testing.T) {
	h := newHarness(t)
	go h.d.Run(testContext(t))

	alice, aliceConn := newConnected(t, h)
	bob, bobConn := newConnected(t, h)

	h.d.HandleLine(alice, protocol.Decode("/setname alice\n"))
	drainClient(t, aliceConn)
	h.d.HandleLine(bob, protocol.Decode("/setname bob\n"))
	drainClient(t, bobConn)

	// Neither is in a room yet: alice has no room at all.
	h.d.HandleLine(alice, protocol.Decode("@bob psst\n"))
	resp := drainClient(t, aliceConn)
	assert.Contains(t, resp, "ERROR")

	h.d.HandleLine(alice, protocol.Decode("/create PUBLIC\n"))
	drainClient(t, aliceConn)

	// bob is connected but not in alice's room: still rejected.
	h.d.HandleLine(alice, protocol.Decode("@bob psst\n"))
	resp = drainClient(t, aliceConn)
	assert.Contains(t, resp, "ERROR")

	roomID := alice.RoomID()
	h.d.HandleLine(bob, protocol.Decode("/join " + roomID + "\n"))
	drainClient(t, bobConn)
	drainClient(t, aliceConn) // SYSTEM bob joined

	h.d.HandleLine(alice, protocol.Decode("@bob psst\n"))
	toBob := drainClient(t, bobConn)
	assert.Equal(t, "PM_FROM:alice:psst\n", toBob)
	toAlice := drainClient(t, aliceConn)
	assert.Equal(t, "PM_SENT:bob:psst\n", toAlice)
}

func TestOwnerLeaveRequiresConfirmation(t *testing.T) {
	h := newHarness(t)
	alice, aliceConn := newConnected(t, h)

	h.d.HandleLine(alice, protocol.Decode("/setname alice\n"))
	drainClient(t, aliceConn)
	h.d.HandleLine(alice, protocol.Decode("/create PUBLIC\n"))
	drainClient(t, aliceConn)
	roomID := alice.RoomID()

	h.d.HandleLine(alice, protocol.Decode("/leave\n"))
	resp := drainClient(t, aliceConn)
	assert.Contains(t, resp, "OWNER_LEAVE_WARNING")
	assert.Equal(t, roomID, alice.RoomID(), "should still be in the room pending confirmation")

	h.d.HandleLine(alice, protocol.Decode("/forceleave\n"))
	assert.Equal(t, "", alice.RoomID())
}

func TestForceLeaveTransfersOwnershipAndNotifiesSuccessor(t *testing.T) {
	h := newHarness(t)
	go h.d.Run(testContext(t))

	alice, aliceConn := newConnected(t, h)
	bob, bobConn := newConnected(t, h)

	h.d.HandleLine(alice, protocol.Decode("/setname alice\n"))
	drainClient(t, aliceConn)
	h.d.HandleLine(alice, protocol.Decode("/create PUBLIC\n"))
	drainClient(t, aliceConn)
	roomID := alice.RoomID()

	h.d.HandleLine(bob, protocol.Decode("/setname bob\n"))
	drainClient(t, bobConn)
	h.d.HandleLine(bob, protocol.Decode("/join " + roomID + "\n"))
	drainClient(t, bobConn)
	drainClient(t, aliceConn)

	h.d.HandleLine(alice, protocol.Decode("/leave\n"))
	drainClient(t, aliceConn)
	h.d.HandleLine(alice, protocol.Decode("/forceleave\n"))

	resp := drainClient(t, bobConn)
	assert.Contains(t, resp, "OWNERSHIP_RECEIVED")
	assert.True(t, bob.IsOwner())
}

func TestKickRequiresOwnerAndMembership(t *testing.T) {
	h := newHarness(t)
	go h.d.Run(testContext(t))

	alice, aliceConn := newConnected(t, h)
	bob, bobConn := newConnected(t, h)

	h.d.HandleLine(alice, protocol.Decode("/setname alice\n"))
	drainClient(t, aliceConn)
	h.d.HandleLine(alice, protocol.Decode("/create PUBLIC\n"))
	drainClient(t, aliceConn)
	roomID := alice.RoomID()

	h.d.HandleLine(bob, protocol.Decode("/setname bob\n"))
	drainClient(t, bobConn)
	h.d.HandleLine(bob, protocol.Decode("/join " + roomID + "\n"))
	drainClient(t, bobConn)
	drainClient(t, aliceConn)

	// bob is not the owner.
	h.d.HandleLine(bob, protocol.Decode("/kick alice\n"))
	resp := drainClient(t, bobConn)
	assert.Contains(t, resp, "ERROR")

	// alice is owner but "carol" isn't in the room.
	h.d.HandleLine(alice, protocol.Decode("/kick carol\n"))
	resp = drainClient(t, aliceConn)
	assert.Contains(t, resp, "ERROR")
	assert.Equal(t, roomID, bob.RoomID(), "kicking a non-member must not change state")

	h.d.HandleLine(alice, protocol.Decode("/kick bob\n"))
	resp = drainClient(t, bobConn)
	assert.Equal(t, "KICKED_FROM_ROOM\n", resp)
	assert.Equal(t, "", bob.RoomID())
}

func TestBanToleratesAbsentTarget(t *testing.T) {
	h := newHarness(t)
	alice, aliceConn := newConnected(t, h)

	h.d.HandleLine(alice, protocol.Decode("/setname alice\n"))
	drainClient(t, aliceConn)
	h.d.HandleLine(alice, protocol.Decode("/create PUBLIC\n"))
	drainClient(t, aliceConn)

	h.d.HandleLine(alice, protocol.Decode("/ban carol\n"))
	assert.True(t, h.store.IsUserBanned(alice.RoomID(), "carol"))

	carol, carolConn := newConnected(t, h)
	h.d.HandleLine(carol, protocol.Decode("/setname carol\n"))
	drainClient(t, carolConn)
	h.d.HandleLine(carol, protocol.Decode("/join " + alice.RoomID() + "\n"))
	resp := drainClient(t, carolConn)
	assert.Contains(t, resp, "ERROR: banned")
}

func TestResumeReclaimsUsername(t *testing.T) {
	h := newHarness(t)
	alice, aliceConn := newConnected(t, h)

	h.d.HandleLine(alice, protocol.Decode("/setname alice\n"))
	resp := drainClient(t, aliceConn)
	assert.Contains(t, resp, "NAME_SET:")

	// "NAME_SET:<token>\n"
	token := resp[len("NAME_SET:") : len(resp)-1]

	h.d.Disconnect(alice)

	newConn, newConnOther := newConnected(t, h)
	defer newConnOther.Close()

	h.d.HandleLine(newConn, protocol.Decode("/resume "+token+"\n"))
	resp = drainClient(t, newConnOther)
	assert.Contains(t, resp, "RESUMED:alice")
}
