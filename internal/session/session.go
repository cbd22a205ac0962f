// Package session implements the Client Registry: the set of live
// connections and the per-connection state machine needed to dispatch
// commands (current room, pending joins, the owner-leave handshake).
package session

import (
	"bufio"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// ID is the opaque handle a connection is known by. Using a uuid instead of
// the raw socket descriptor keeps session identity stable across the
// connection's lifetime and gives the resume-token flow a portable value
// to embed.
type ID = uuid.UUID

// Session tracks one connected client for as long as its goroutine is
// alive. All mutable fields are guarded by mu; Conn, Writer and ID are
// immutable after construction.
type Session struct {
	ID     ID
	Conn   net.Conn
	Writer *bufio.Writer

	Limiter *rate.Limiter

	ConnectedAt time.Time

	mu                 sync.Mutex
	username           string
	roomID             string
	isOwner            bool
	waitingNameAck     bool
	ownerLeaveArmed    bool
	pendingJoinRoomID  string
}

// New constructs a Session wrapping conn, with its own per-session rate
// limiter so one abusive client cannot starve others on the shared
// dispatcher queue.
func New(conn net.Conn, burst int, ratePerSec float64) *Session {
	return &Session{
		ID:          uuid.New(),
		Conn:        conn,
		Writer:      bufio.NewWriter(conn),
		Limiter:     rate.NewLimiter(rate.Limit(ratePerSec), burst),
		ConnectedAt: time.Now(),
	}
}

// Send writes a pre-rendered protocol line to the client and flushes
// immediately; callers append their own trailing newline via protocol.Render.
func (s *Session) Send(line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.Writer.WriteString(line); err != nil {
		return err
	}
	return s.Writer.Flush()
}

// Username returns the claimed display name, or "" before SETNAME.
func (s *Session) Username() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.username
}

// SetUsername records the display name chosen via SETNAME/RESUME.
func (s *Session) SetUsername(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.username = name
}

// RoomID returns the room the client currently occupies, or "" if none.
func (s *Session) RoomID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roomID
}

// SetRoomID records the client's current room.
func (s *Session) SetRoomID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roomID = id
}

// IsOwner reports whether the client owns its current room.
func (s *Session) IsOwner() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isOwner
}

// SetOwner records ownership of the current room.
func (s *Session) SetOwner(owner bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.isOwner = owner
}

// ArmOwnerLeave marks that this owner has been warned and a FORCELEAVE is
// now expected as confirmation. Returns false if already armed, so a
// second LEAVE while armed is treated as the confirmation itself.
func (s *Session) ArmOwnerLeave() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ownerLeaveArmed {
		return false
	}
	s.ownerLeaveArmed = true
	return true
}

// DisarmOwnerLeave clears the warned state, e.g. after the owner issues any
// other command instead of confirming.
func (s *Session) DisarmOwnerLeave() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ownerLeaveArmed = false
}

// OwnerLeaveArmed reports whether a FORCELEAVE is currently expected.
func (s *Session) OwnerLeaveArmed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ownerLeaveArmed
}

// Registry is the set of all connected sessions, keyed by ID, plus the
// username -> ID index used to enforce name uniqueness.
type Registry struct {
	mu       sync.RWMutex
	sessions map[ID]*Session
	byName   map[string]ID
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[ID]*Session),
		byName:   make(map[string]ID),
	}
}

// Add registers a newly accepted session.
func (r *Registry) Add(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID] = s
}

// Remove drops a session and its name-index entry, if any.
func (r *Registry) Remove(id ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		delete(r.byName, s.Username())
	}
	delete(r.sessions, id)
}

// Get looks up a session by ID.
func (r *Registry) Get(id ID) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// ClaimUsername attempts to reserve name for id, failing if another live
// session already holds it. Safe to call again with the same (id, name)
// pair, e.g. on RESUME reclaiming a prior name.
func (r *Registry) ClaimUsername(id ID, name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if holder, taken := r.byName[name]; taken && holder != id {
		return false
	}

	s, ok := r.sessions[id]
	if !ok {
		return false
	}
	if old := s.Username(); old != "" {
		delete(r.byName, old)
	}
	r.byName[name] = id
	s.SetUsername(name)
	return true
}

// FindByUsername returns the session currently holding name, if any.
func (r *Registry) FindByUsername(name string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byName[name]
	if !ok {
		return nil, false
	}
	s, ok := r.sessions[id]
	return s, ok
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
