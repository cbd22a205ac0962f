// Package hub implements the Command Dispatcher and the Broadcast
// Pipeline: it turns decoded protocol lines into state transitions across
// the session, room and store layers, and serializes outbound room
// chatter through a single queue drained by one goroutine, so each room
// receives its messages in the order they were enqueued.
//
// Lock order throughout this package is Registry -> Room -> Clients ->
// Store, with the broadcast queue itself treated as a leaf: nothing is
// held while enqueuing or draining it.
package hub

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"chatserver/internal/auth"
	"chatserver/internal/metrics"
	"chatserver/internal/protocol"
	"chatserver/internal/room"
	"chatserver/internal/session"
	"chatserver/internal/store"

	"golang.org/x/crypto/bcrypt"
)

// Config bundles the tunables the Dispatcher needs beyond its
// collaborators.
type Config struct {
	HistorySize  int
	CleanupDelay time.Duration
	ResumeTTL    time.Duration
}

// broadcastJob is one unit of work on the shared outbound queue: render
// line to every member of r except the sender, then run persist (which
// may be nil) to record the message durably.
type broadcastJob struct {
	room    *room.Room
	line    string
	skip    string
	persist func()
}

// Dispatcher wires the session registry, room registry and store together
// and is the single place command verbs are interpreted.
type Dispatcher struct {
	sessions *session.Registry
	rooms    *room.Registry
	store    *store.Store
	tokens   *auth.TokenService
	metrics  *metrics.Metrics
	cfg      Config

	queue chan broadcastJob
}

// New constructs a Dispatcher. Run must be started in its own goroutine
// before any traffic is processed, so the broadcast queue has a drain.
func New(sessions *session.Registry, rooms *room.Registry, st *store.Store, tokens *auth.TokenService, m *metrics.Metrics, cfg Config) *Dispatcher {
	return &Dispatcher{
		sessions: sessions,
		rooms:    rooms,
		store:    st,
		tokens:   tokens,
		metrics:  m,
		cfg:      cfg,
		queue:    make(chan broadcastJob, 256),
	}
}

// Run drains the broadcast queue until ctx is canceled. It uses a ticker
// alongside the channel select purely so shutdown is noticed promptly
// even while the queue is idle.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case job := <-d.queue:
			d.deliver(job)
		case <-ticker.C:
			// idle tick, nothing to do; keeps the select responsive to ctx.Done
		case <-ctx.Done():
			d.drainRemaining()
			return
		}
	}
}

func (d *Dispatcher) drainRemaining() {
	for {
		select {
		case job := <-d.queue:
			d.deliver(job)
		default:
			return
		}
	}
}

func (d *Dispatcher) deliver(job broadcastJob) {
	job.room.Broadcast(job.line, job.skip)
	if job.persist != nil {
		job.persist()
	}
	d.metrics.MessageRelayed()
}

func (d *Dispatcher) enqueue(job broadcastJob) {
	select {
	case d.queue <- job:
	default:
		// Queue saturated: drop rather than block the caller's connection
		// goroutine indefinitely. A saturated queue means a downstream
		// consumer problem, not something a single sender can fix by waiting.
		log.Printf("[hub] broadcast queue full, dropping message for room %s", job.room.ID)
	}
}

// HandleLine interprets one decoded line on behalf of sess.
func (d *Dispatcher) HandleLine(sess *session.Session, line protocol.Line) {
	switch line.Kind {
	case protocol.KindEmpty:
		return
	case protocol.KindCommand:
		d.metrics.CommandHandled()
		d.handleCommand(sess, line)
	case protocol.KindPrivate:
		d.handlePrivate(sess, line)
	case protocol.KindChat:
		d.handleChat(sess, line)
	}
}

func (d *Dispatcher) handleCommand(sess *session.Session, line protocol.Line) {
	args := splitArgs(line.Args)

	if line.Verb != "LEAVE" && line.Verb != "FORCELEAVE" {
		sess.DisarmOwnerLeave()
	}

	switch line.Verb {
	case "SETNAME":
		d.cmdSetName(sess, args)
	case "RESUME":
		d.cmdResume(sess, args)
	case "CREATE":
		d.cmdCreate(sess, args)
	case "JOIN":
		d.cmdJoin(sess, args)
	case "LIST":
		d.cmdList(sess)
	case "USERS":
		d.cmdUsers(sess)
	case "GETPASSWORD":
		d.cmdGetPassword(sess)
	case "CHANGEPASSWORD":
		d.cmdChangePassword(sess, args)
	case "KICK":
		d.cmdKick(sess, args)
	case "BAN":
		d.cmdBan(sess, args)
	case "TRANSFER":
		d.cmdTransfer(sess, args)
	case "LEAVE":
		d.cmdLeave(sess)
	case "FORCELEAVE":
		d.cmdForceLeave(sess)
	default:
		d.sendError(sess, "unknown command: "+line.Verb)
	}
}

func splitArgs(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Fields(s)
}

func (d *Dispatcher) sendError(sess *session.Session, reason string) {
	_ = sess.Send(protocol.RenderError(reason))
}

// hashAccountPassword and checkAccountPassword handle user-account
// passwords only. Room passwords are stored and compared verbatim (see
// internal/room) because GETPASSWORD must be able to return one, which a
// one-way hash structurally cannot support.
func hashAccountPassword(plain string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func checkAccountPassword(hash, plain string) bool {
	if hash == "" {
		return plain == ""
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plain)) == nil
}

// --- account -----------------------------------------------------------

func (d *Dispatcher) cmdSetName(sess *session.Session, args []string) {
	if len(args) == 0 {
		d.sendError(sess, "usage: /setname <username> [password]")
		return
	}
	username := args[0]
	password := ""
	if len(args) > 1 {
		password = strings.Join(args[1:], " ")
	}

	if sess.Username() != "" {
		d.sendError(sess, "name already set for this session")
		return
	}

	if d.store.UserExists(username) {
		hash, ok := d.store.PasswordHash(username)
		if !ok || !checkAccountPassword(hash, password) {
			d.metrics.AuthFailure()
			d.sendError(sess, "authentication failed")
			return
		}
	} else {
		hash := ""
		if password != "" {
			h, err := hashAccountPassword(password)
			if err != nil {
				d.sendError(sess, "internal error")
				return
			}
			hash = h
		}
		d.store.CreateUser(username, hash)
	}

	if !d.sessions.ClaimUsername(sess.ID, username) {
		_ = sess.Send(protocol.Render(protocol.TagNameTaken))
		return
	}
	d.store.UpdateLastSeen(username)

	token, err := d.tokens.Issue(username)
	if err != nil {
		log.Printf("[hub] issuing resume token for %s: %v", username, err)
		_ = sess.Send(protocol.Render(protocol.TagNameSet))
		return
	}
	_ = sess.Send(protocol.Render(protocol.TagNameSet, token))
}

func (d *Dispatcher) cmdResume(sess *session.Session, args []string) {
	if len(args) != 1 {
		d.sendError(sess, "usage: /resume <token>")
		return
	}
	username, err := d.tokens.Validate(args[0])
	if err != nil {
		d.sendError(sess, "resume failed")
		return
	}
	if !d.sessions.ClaimUsername(sess.ID, username) {
		_ = sess.Send(protocol.Render(protocol.TagNameTaken))
		return
	}
	d.store.UpdateLastSeen(username)
	_ = sess.Send(protocol.Render(protocol.TagResumed, username))
}

// --- rooms ---------------------------------------------------------------

func (d *Dispatcher) requireUsername(sess *session.Session) bool {
	if sess.Username() == "" {
		d.sendError(sess, "set a username first with /setname")
		return false
	}
	return true
}

// cmdCreate parses "PUBLIC" or "PRIVATE <password>", which is mandatory:
// there is no bare-password shorthand.
func (d *Dispatcher) cmdCreate(sess *session.Session, args []string) {
	if !d.requireUsername(sess) {
		return
	}
	if len(args) == 0 {
		d.sendError(sess, "usage: /create PUBLIC|PRIVATE <password>")
		return
	}

	kind := args[0]
	isPrivate := kind == "PRIVATE"
	if kind != "PUBLIC" && kind != "PRIVATE" {
		d.sendError(sess, "usage: /create PUBLIC|PRIVATE <password>")
		return
	}

	password := ""
	if len(args) > 1 {
		password = strings.Join(args[1:], " ")
	}
	if isPrivate && password == "" {
		d.sendError(sess, "private rooms require a password")
		return
	}
	if !isPrivate {
		password = ""
	}

	id, err := d.rooms.GenerateID()
	if err != nil {
		d.sendError(sess, "could not allocate room id")
		return
	}

	if current := sess.RoomID(); current != "" {
		if oldRoom, ok := d.rooms.Get(current); ok {
			d.leaveRoom(sess, oldRoom, false)
		}
	}

	username := sess.Username()
	r := room.New(id, isPrivate, username, password, d.cfg.HistorySize, d.cfg.CleanupDelay, d.onRoomEmpty)
	d.rooms.Add(r)
	d.store.CreateRoom(id, isPrivate, username, password)
	d.metrics.RoomCreated()

	d.addMember(sess, r)

	typeStr := "PUBLIC"
	if isPrivate {
		typeStr = "PRIVATE"
	}
	_ = sess.Send(protocol.Render(protocol.TagRoomCreated, r.ID, typeStr))
	d.broadcastJoinNotice(r, username)
}

func (d *Dispatcher) cmdJoin(sess *session.Session, args []string) {
	if !d.requireUsername(sess) {
		return
	}
	if len(args) == 0 {
		d.sendError(sess, "usage: /join <roomid> [password]")
		return
	}
	roomID := args[0]
	password := ""
	if len(args) > 1 {
		password = strings.Join(args[1:], " ")
	}

	r, ok := d.rooms.Get(roomID)
	if !ok {
		_ = sess.Send(protocol.Render(protocol.TagRoomNotFound))
		return
	}
	username := sess.Username()

	if r.IsBanned(username) || d.store.IsUserBanned(roomID, username) {
		d.sendError(sess, "banned")
		return
	}

	if r.HasPassword() {
		if password == "" {
			_ = sess.Send(protocol.Render(protocol.TagPasswordRequired))
			return
		}
		if password != r.Password() {
			_ = sess.Send(protocol.Render(protocol.TagWrongPassword))
			return
		}
	}

	if current := sess.RoomID(); current != "" && current != roomID {
		if oldRoom, ok := d.rooms.Get(current); ok {
			d.leaveRoom(sess, oldRoom, false)
		}
	}

	d.addMember(sess, r)
	_ = sess.Send(protocol.Render(protocol.TagRoomJoined, r.ID))
	d.sendHistory(sess, r)
	d.broadcastJoinNotice(r, username)
}

// addMember records sess as a member of r and updates its session state.
// It does not send any response; callers send the CREATE- or
// JOIN-specific success line themselves.
func (d *Dispatcher) addMember(sess *session.Session, r *room.Room) {
	username := sess.Username()
	r.Join(username, sess)
	sess.SetRoomID(r.ID)
	sess.SetOwner(r.Owner() == username)
}

// sendHistory streams r's backlog to sess framed by the mandatory
// MESSAGE_HISTORY_START/MESSAGE_HISTORY_END markers.
func (d *Dispatcher) sendHistory(sess *session.Session, r *room.Room) {
	_ = sess.Send(protocol.Render(protocol.TagMessageHistoryStart))
	for _, line := range d.roomHistory(r) {
		_ = sess.Send(line)
	}
	_ = sess.Send(protocol.Render(protocol.TagMessageHistoryEnd))
}

func (d *Dispatcher) broadcastJoinNotice(r *room.Room, username string) {
	d.enqueue(broadcastJob{
		room: r,
		line: protocol.FormatSystemLine(fmt.Sprintf("%s joined the room", username)),
		skip: username,
	})
}

// roomHistory reads the backlog from the store and falls back to the
// in-memory ring only when the store returns nothing, e.g. when the
// store is unavailable.
func (d *Dispatcher) roomHistory(r *room.Room) []string {
	if stored := d.store.GetMessageHistory(r.ID, d.cfg.HistorySize); len(stored) > 0 {
		return stored
	}
	return r.History()
}

func (d *Dispatcher) cmdList(sess *session.Session) {
	var parts []string
	for _, r := range d.rooms.List() {
		typeStr := "PUBLIC"
		if r.IsPrivate {
			typeStr = "PRIVATE"
		}
		parts = append(parts, fmt.Sprintf("%s(%d)%s", r.ID, r.MemberCount(), typeStr))
	}
	_ = sess.Send(protocol.Render(protocol.TagRoomsList, strings.Join(parts, ",")))
}

func (d *Dispatcher) cmdUsers(sess *session.Session) {
	r, ok := d.currentRoom(sess)
	if !ok {
		return
	}
	_ = sess.Send(protocol.Render(protocol.TagUsersList, strings.Join(r.Usernames(), ",")))
}

func (d *Dispatcher) currentRoom(sess *session.Session) (*room.Room, bool) {
	id := sess.RoomID()
	if id == "" {
		d.sendError(sess, "not in a room")
		return nil, false
	}
	r, ok := d.rooms.Get(id)
	if !ok {
		d.sendError(sess, "room no longer exists")
		return nil, false
	}
	return r, true
}

func (d *Dispatcher) requireOwner(sess *session.Session, r *room.Room) bool {
	if r.Owner() != sess.Username() {
		d.sendError(sess, "only the room owner can do that")
		return false
	}
	return true
}

func (d *Dispatcher) cmdGetPassword(sess *session.Session) {
	r, ok := d.currentRoom(sess)
	if !ok || !d.requireOwner(sess, r) {
		return
	}
	if !r.IsPrivate {
		d.sendError(sess, "room has no password")
		return
	}
	_ = sess.Send(protocol.Render(protocol.TagRoomPassword, r.Password()))
}

func (d *Dispatcher) cmdChangePassword(sess *session.Session, args []string) {
	r, ok := d.currentRoom(sess)
	if !ok || !d.requireOwner(sess, r) {
		return
	}
	if !r.IsPrivate {
		d.sendError(sess, "room has no password")
		return
	}
	newPassword := strings.Join(args, " ")
	if newPassword == "" {
		d.sendError(sess, "usage: /changepassword <password>")
		return
	}

	r.SetPassword(newPassword)
	d.store.UpdateRoomPassword(r.ID, newPassword)
	_ = sess.Send(protocol.Render(protocol.TagPasswordChanged, newPassword))
	d.enqueue(broadcastJob{
		room: r,
		line: protocol.FormatSystemLine("the room password has changed"),
	})
}

func (d *Dispatcher) cmdKick(sess *session.Session, args []string) {
	r, ok := d.currentRoom(sess)
	if !ok || !d.requireOwner(sess, r) {
		return
	}
	if len(args) == 0 {
		d.sendError(sess, "usage: /kick <username>")
		return
	}
	target := args[0]
	if target == sess.Username() {
		d.sendError(sess, "cannot kick yourself")
		return
	}
	if !r.IsMember(target) {
		d.sendError(sess, "target not in room")
		return
	}
	d.evictMember(r, target)
}

// cmdBan tolerates an absent target: the ban persists for any future join
// attempt even if nobody of that name is in the room right now.
func (d *Dispatcher) cmdBan(sess *session.Session, args []string) {
	r, ok := d.currentRoom(sess)
	if !ok || !d.requireOwner(sess, r) {
		return
	}
	if len(args) == 0 {
		d.sendError(sess, "usage: /ban <username>")
		return
	}
	target := args[0]
	if target == sess.Username() {
		d.sendError(sess, "cannot ban yourself")
		return
	}
	r.Ban(target)
	d.store.AddBan(r.ID, target)
	if r.IsMember(target) {
		d.evictMember(r, target)
	}
}

// evictMember removes a confirmed member from r, notifying the target (if
// still connected) with KICKED_FROM_ROOM and the rest of the room with a
// system notice. Callers must have already verified target is a member.
func (d *Dispatcher) evictMember(r *room.Room, target string) {
	if targetSess, ok := d.sessions.FindByUsername(target); ok && targetSess.RoomID() == r.ID {
		_ = targetSess.Send(protocol.Render(protocol.TagKickedFromRoom))
		targetSess.SetRoomID("")
		targetSess.SetOwner(false)
	}
	r.Leave(target)
	d.enqueue(broadcastJob{
		room: r,
		line: protocol.FormatSystemLine(fmt.Sprintf("%s was removed from the room", target)),
	})
}

func (d *Dispatcher) cmdTransfer(sess *session.Session, args []string) {
	r, ok := d.currentRoom(sess)
	if !ok || !d.requireOwner(sess, r) {
		return
	}
	if len(args) == 0 {
		d.sendError(sess, "usage: /transfer <username>")
		return
	}
	target := args[0]
	if target == sess.Username() {
		d.sendError(sess, "cannot transfer ownership to yourself")
		return
	}
	targetSess, ok := d.sessions.FindByUsername(target)
	if !ok || targetSess.RoomID() != r.ID {
		d.sendError(sess, "that user is not in this room")
		return
	}

	r.SetOwner(target)
	d.store.UpdateRoomOwner(r.ID, target)
	sess.SetOwner(false)
	targetSess.SetOwner(true)

	_ = targetSess.Send(protocol.Render(protocol.TagOwnershipReceived))
	d.enqueue(broadcastJob{
		room: r,
		line: protocol.FormatSystemLine(fmt.Sprintf("%s is now the room owner", target)),
	})
}

// cmdLeave implements the two-step owner-leave handshake: the first LEAVE
// from an owner only warns, arming the session for a confirming
// FORCELEAVE. A non-owner leaves immediately.
func (d *Dispatcher) cmdLeave(sess *session.Session) {
	r, ok := d.currentRoom(sess)
	if !ok {
		return
	}

	if sess.IsOwner() {
		if sess.ArmOwnerLeave() {
			_ = sess.Send(protocol.Render(protocol.TagOwnerLeaveWarning))
			return
		}
	}

	d.leaveRoom(sess, r, true)
}

func (d *Dispatcher) cmdForceLeave(sess *session.Session) {
	r, ok := d.currentRoom(sess)
	if !ok {
		return
	}
	if !d.requireOwner(sess, r) {
		return
	}
	if !sess.OwnerLeaveArmed() {
		d.sendError(sess, "use /leave first")
		return
	}
	d.leaveRoom(sess, r, false)
}

// leaveRoom removes sess from r, promoting a successor if sess was the
// owner. notifyLeaver controls whether sess itself receives LEFT_ROOM:
// an explicit LEAVE gets one (a non-owner's, or an armed owner's
// confirming second LEAVE), but CREATE/JOIN switching rooms, FORCELEAVE
// and disconnect do not.
func (d *Dispatcher) leaveRoom(sess *session.Session, r *room.Room, notifyLeaver bool) {
	username := sess.Username()
	wasOwner := sess.IsOwner()

	remaining := r.Leave(username)
	sess.SetRoomID("")
	sess.SetOwner(false)
	sess.DisarmOwnerLeave()

	if notifyLeaver {
		_ = sess.Send(protocol.Render(protocol.TagLeftRoom))
	}

	if wasOwner && remaining > 0 {
		if successor, ok := r.LongestTenured(); ok {
			r.SetOwner(successor)
			d.store.UpdateRoomOwner(r.ID, successor)
			if successorSess, ok := d.sessions.FindByUsername(successor); ok {
				successorSess.SetOwner(true)
				_ = successorSess.Send(protocol.Render(protocol.TagOwnershipReceived))
			}
			d.enqueue(broadcastJob{
				room: r,
				line: protocol.FormatSystemLine(fmt.Sprintf("%s is now the room owner", successor)),
			})
		}
	}

	if remaining > 0 {
		d.enqueue(broadcastJob{
			room: r,
			line: protocol.FormatSystemLine(fmt.Sprintf("%s left the room", username)),
		})
	}
}

// onRoomEmpty is invoked by the room's own grace-delay sweeper, outside
// any room lock, once nobody has rejoined within the configured window.
func (d *Dispatcher) onRoomEmpty(roomID string) {
	d.rooms.Remove(roomID)
	d.store.DeleteRoom(roomID)
	log.Printf("[hub] room %s removed after being empty", roomID)
}

// --- messaging -----------------------------------------------------------

func (d *Dispatcher) handleChat(sess *session.Session, line protocol.Line) {
	r, ok := d.currentRoom(sess)
	if !ok {
		return
	}
	username := sess.Username()
	rendered := protocol.FormatChatLine(username, line.Text)
	r.AppendHistory(rendered)

	d.enqueue(broadcastJob{
		room: r,
		line: rendered,
		skip: username,
		persist: func() {
			d.store.SaveMessage(r.ID, username, line.Text, false, "")
		},
	})
}

// handlePrivate resolves the recipient within the sender's current room
// only: a session cannot PM anyone outside the room it currently occupies.
func (d *Dispatcher) handlePrivate(sess *session.Session, line protocol.Line) {
	if !d.requireUsername(sess) {
		return
	}
	r, ok := d.currentRoom(sess)
	if !ok {
		return
	}
	username := sess.Username()

	target, ok := d.sessions.FindByUsername(line.Target)
	if !ok || target.RoomID() != r.ID {
		d.sendError(sess, "no such user in this room: "+line.Target)
		return
	}

	if err := target.Send(protocol.Render(protocol.TagPMFrom, username, line.Text)); err != nil {
		d.sendError(sess, "could not deliver message")
		return
	}
	_ = sess.Send(protocol.Render(protocol.TagPMSent, line.Target, line.Text))
	d.store.SaveMessage("", username, line.Text, true, line.Target)
	d.metrics.MessageRelayed()
}

// Disconnect removes sess from its room (if any) and from the session
// registry, to be called once from the connection goroutine on exit.
func (d *Dispatcher) Disconnect(sess *session.Session) {
	if r, ok := d.rooms.Get(sess.RoomID()); ok {
		d.leaveRoom(sess, r, false)
	}
	d.sessions.Remove(sess.ID)
}
