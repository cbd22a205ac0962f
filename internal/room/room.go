// Package room implements room lifecycle, membership and the bounded
// in-memory chat history that backs a client's JOIN when the persistent
// store's history replay returns nothing.
package room

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"sync"
	"time"

	"chatserver/internal/session"
)

// Member records one occupant of a room alongside the moment they joined,
// used to pick the longest-tenured member when an owner force-leaves.
type Member struct {
	Session  *session.Session
	JoinedAt time.Time
}

// Room is a single chat room: its membership, its ban list, and a bounded
// ring of recent chat lines used when the durable store has nothing yet.
type Room struct {
	ID         string
	IsPrivate  bool
	CreatedAt  time.Time

	mu             sync.Mutex
	ownerUsername  string
	password       string
	members        map[string]*Member // keyed by username
	banned         map[string]bool
	history        []string
	historySize    int
	cleanupTimer   *time.Timer
	onEmpty        func(roomID string)
	cleanupDelay   time.Duration
}

// New constructs an empty Room owned by ownerUsername. onEmpty is invoked
// (outside the Room's lock) once the grace-delayed empty-room sweeper
// fires with nobody left.
//
// password is stored as given, not hashed: the protocol's GETPASSWORD
// and CHANGEPASSWORD responses must echo a room's actual password back
// to its owner, which is only possible with a reversible representation.
// User account passwords have no such requirement and remain bcrypt
// hashes (see internal/hub).
func New(id string, isPrivate bool, ownerUsername, password string, historySize int, cleanupDelay time.Duration, onEmpty func(string)) *Room {
	return &Room{
		ID:            id,
		IsPrivate:     isPrivate,
		CreatedAt:     time.Now(),
		ownerUsername: ownerUsername,
		password:      password,
		members:       make(map[string]*Member),
		banned:        make(map[string]bool),
		historySize:   historySize,
		cleanupDelay:  cleanupDelay,
		onEmpty:       onEmpty,
	}
}

// Owner returns the current owner's username.
func (r *Room) Owner() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ownerUsername
}

// SetOwner transfers ownership.
func (r *Room) SetOwner(username string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ownerUsername = username
}

// HasPassword reports whether joining requires a password.
func (r *Room) HasPassword() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.password != ""
}

// Password returns the room's password verbatim, empty if unprotected.
func (r *Room) Password() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.password
}

// SetPassword changes or clears the room password.
func (r *Room) SetPassword(password string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.password = password
}

// IsBanned reports whether username is on this room's in-memory ban list.
// The in-memory list starts empty on process restart; durable bans are
// re-checked against the store separately by the dispatcher.
func (r *Room) IsBanned(username string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.banned[username]
}

// Ban adds username to the in-memory ban list.
func (r *Room) Ban(username string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.banned[username] = true
}

// Unban removes username from the in-memory ban list.
func (r *Room) Unban(username string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.banned, username)
}

// Join adds a member, canceling any pending empty-room cleanup.
func (r *Room) Join(username string, sess *session.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.members[username] = &Member{Session: sess, JoinedAt: time.Now()}
	r.cancelCleanupLocked()
}

// Leave removes a member and, if the room is now empty, arms the
// grace-delayed cleanup sweeper. Returns the number of remaining members.
func (r *Room) Leave(username string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.members, username)
	remaining := len(r.members)
	if remaining == 0 {
		r.armCleanupLocked()
	}
	return remaining
}

// armCleanupLocked schedules onEmpty to run after cleanupDelay unless a
// join cancels it first. Coalesces: a repeated empty state simply resets
// the existing timer instead of stacking goroutines.
func (r *Room) armCleanupLocked() {
	if r.cleanupTimer != nil {
		r.cleanupTimer.Stop()
	}
	if r.onEmpty == nil {
		return
	}
	roomID := r.ID
	r.cleanupTimer = time.AfterFunc(r.cleanupDelay, func() {
		r.onEmpty(roomID)
	})
}

func (r *Room) cancelCleanupLocked() {
	if r.cleanupTimer != nil {
		r.cleanupTimer.Stop()
		r.cleanupTimer = nil
	}
}

// IsMember reports whether username currently occupies the room.
func (r *Room) IsMember(username string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.members[username]
	return ok
}

// MemberCount returns the number of current occupants.
func (r *Room) MemberCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}

// Members returns a snapshot of current occupants.
func (r *Room) Members() []*Member {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Member, 0, len(r.members))
	for _, m := range r.members {
		out = append(out, m)
	}
	return out
}

// Usernames returns a snapshot of current occupant usernames.
func (r *Room) Usernames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.members))
	for name := range r.members {
		out = append(out, name)
	}
	return out
}

// LongestTenured returns the member who has occupied the room the
// longest, used to pick a successor when an owner force-leaves. Reports
// false if the room is empty.
func (r *Room) LongestTenured() (username string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var earliest time.Time
	for name, m := range r.members {
		if username == "" || m.JoinedAt.Before(earliest) {
			username, earliest = name, m.JoinedAt
		}
	}
	return username, username != ""
}

// AppendHistory records a line in the bounded ring, evicting the oldest
// entry once historySize is reached.
func (r *Room) AppendHistory(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.history = append(r.history, line)
	if len(r.history) > r.historySize {
		r.history = r.history[len(r.history)-r.historySize:]
	}
}

// History returns a snapshot of the in-memory backlog, oldest first.
func (r *Room) History() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.history))
	copy(out, r.history)
	return out
}

// Broadcast delivers line to every member except skipUsername (pass "" to
// address everyone). Send errors are swallowed here; the caller's
// connection goroutine will observe the same failure on its own read/write
// and tear the session down.
func (r *Room) Broadcast(line string, skipUsername string) {
	r.mu.Lock()
	targets := make([]*session.Session, 0, len(r.members))
	for name, m := range r.members {
		if name == skipUsername {
			continue
		}
		targets = append(targets, m.Session)
	}
	r.mu.Unlock()

	for _, sess := range targets {
		_ = sess.Send(line)
	}
}

// --- room registry -----------------------------------------------------

// Registry owns the set of live rooms and generates the six-digit room
// identifiers used throughout the wire protocol.
type Registry struct {
	mu    sync.Mutex
	rooms map[string]*Room
}

// NewRegistry creates an empty room Registry.
func NewRegistry() *Registry {
	return &Registry{rooms: make(map[string]*Room)}
}

// GenerateID produces a random six-digit room id not already in use,
// retrying on collision. With a million-id space, collisions under normal
// load are rare enough that a bounded retry loop is simpler than a
// counter-based allocator.
func (reg *Registry) GenerateID() (string, error) {
	for attempt := 0; attempt < 100; attempt++ {
		n, err := rand.Int(rand.Reader, big.NewInt(1000000))
		if err != nil {
			return "", err
		}
		id := fmt.Sprintf("%06d", n.Int64())

		reg.mu.Lock()
		_, taken := reg.rooms[id]
		reg.mu.Unlock()

		if !taken {
			return id, nil
		}
	}
	return "", fmt.Errorf("room id space exhausted after 100 attempts")
}

// Add registers a newly created room.
func (reg *Registry) Add(r *Room) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.rooms[r.ID] = r
}

// Remove drops a room, e.g. once its empty-room sweeper fires.
func (reg *Registry) Remove(id string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	delete(reg.rooms, id)
}

// Get looks up a room by id.
func (reg *Registry) Get(id string) (*Room, bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	r, ok := reg.rooms[id]
	return r, ok
}

// List returns a snapshot of every live room.
func (reg *Registry) List() []*Room {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	out := make([]*Room, 0, len(reg.rooms))
	for _, r := range reg.rooms {
		out = append(out, r)
	}
	return out
}

// Count returns the number of live rooms.
func (reg *Registry) Count() int {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return len(reg.rooms)
}
