// Package store provides durable users/rooms/bans/messages backed by an
// embedded SQLite database. It owns the database lifecycle and serializes
// every operation behind a single mutex — readers and writers alike —
// since history queries are rare relative to message traffic and
// correctness is worth more than read throughput here.
//
// Migration design: SQL statements live in the [migrations] slice, applied
// in order exactly once; the applied version is tracked in schema_migrations.
// To add a migration, append a new string — never edit or reorder existing
// entries.
package store

import (
	"database/sql"
	"fmt"
	"log"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS users (
		username      TEXT PRIMARY KEY,
		password_hash TEXT NOT NULL DEFAULT '',
		created_at    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		last_seen     DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS rooms (
		room_id        TEXT PRIMARY KEY,
		is_private     INTEGER NOT NULL DEFAULT 0,
		owner_username TEXT NOT NULL,
		password_hash  TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id                 INTEGER PRIMARY KEY AUTOINCREMENT,
		room_id            TEXT NOT NULL,
		sender_username    TEXT NOT NULL,
		content            TEXT NOT NULL,
		is_private         INTEGER NOT NULL DEFAULT 0,
		recipient_username TEXT NOT NULL DEFAULT '',
		timestamp          DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS bans (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		room_id    TEXT NOT NULL,
		username   TEXT NOT NULL,
		banned_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(room_id, username)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_room ON messages(room_id)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_timestamp ON messages(timestamp)`,
	`CREATE INDEX IF NOT EXISTS idx_bans_room ON bans(room_id)`,
	`CREATE INDEX IF NOT EXISTS idx_users_username ON users(username)`,
	`PRAGMA journal_mode=WAL`,
}

// Store wraps a SQLite database and exposes the operations the Dispatcher
// needs. Every exported method takes s.mu, so it is safe for concurrent use.
type Store struct {
	mu sync.Mutex
	db *sql.DB
}

// Open opens (or creates) the SQLite database at path and applies any
// pending migrations. Use ":memory:" for ephemeral storage (tests).
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		log.Printf("[store] WAL mode: %v (non-fatal)", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		log.Printf("[store] busy_timeout: %v (non-fatal)", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		log.Printf("[store] foreign_keys: %v (non-fatal)", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := s.db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for i, stmt := range migrations {
		v := i + 1
		if v <= current {
			continue
		}
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration %d: %w", v, err)
		}
		if _, err := s.db.Exec(`INSERT INTO schema_migrations(version) VALUES(?)`, v); err != nil {
			return fmt.Errorf("record migration %d: %w", v, err)
		}
		log.Printf("[store] applied migration v%d", v)
	}
	return nil
}

// --- users ---------------------------------------------------------------

// CreateUser inserts a new user row. Fails if the username already exists.
func (s *Store) CreateUser(username, passwordHash string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`INSERT INTO users(username, password_hash) VALUES(?, ?)`, username, passwordHash)
	if err != nil {
		log.Printf("[store] CreateUser(%s): %v", username, err)
		return false
	}
	return true
}

// AuthenticateUser reports whether passwordHash matches the stored hash for
// username. Store deals only in opaque hash strings; computing and
// comparing the actual bcrypt hash against a plaintext password is the
// caller's job (see PasswordHash for callers that need the raw value).
func (s *Store) AuthenticateUser(username, passwordHash string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stored string
	err := s.db.QueryRow(`SELECT password_hash FROM users WHERE username = ?`, username).Scan(&stored)
	if err != nil {
		return false
	}
	return stored == passwordHash
}

// PasswordHash returns the stored bcrypt hash for username, or ok=false if
// the user does not exist.
func (s *Store) PasswordHash(username string) (hash string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.db.QueryRow(`SELECT password_hash FROM users WHERE username = ?`, username).Scan(&hash)
	if err != nil {
		return "", false
	}
	return hash, true
}

// UserExists reports whether a users row exists for username.
func (s *Store) UserExists(username string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM users WHERE username = ?`, username).Scan(&n); err != nil {
		log.Printf("[store] UserExists(%s): %v", username, err)
		return false
	}
	return n > 0
}

// UpdateLastSeen stamps a user's last_seen to now.
func (s *Store) UpdateLastSeen(username string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`UPDATE users SET last_seen = CURRENT_TIMESTAMP WHERE username = ?`, username); err != nil {
		log.Printf("[store] UpdateLastSeen(%s): %v", username, err)
	}
}

// --- messages --------------------------------------------------------------

// SaveMessage persists a chat or private message. Best-effort: failures are
// logged and never propagate.
func (s *Store) SaveMessage(roomID, sender, content string, isPrivate bool, recipient string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT INTO messages(room_id, sender_username, content, is_private, recipient_username) VALUES(?, ?, ?, ?, ?)`,
		roomID, sender, content, boolToInt(isPrivate), recipient,
	)
	if err != nil {
		log.Printf("[store] SaveMessage(room=%s, sender=%s): %v", roomID, sender, err)
	}
}

// GetMessageHistory returns the most recent limit non-private messages for
// roomID, formatted "[HH:MM:SS] sender: content\n", oldest first.
func (s *Store) GetMessageHistory(roomID string, limit int) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(
		`SELECT sender_username, content, timestamp FROM messages
		 WHERE room_id = ? AND is_private = 0
		 ORDER BY timestamp DESC, id DESC LIMIT ?`,
		roomID, limit,
	)
	if err != nil {
		log.Printf("[store] GetMessageHistory(%s): %v", roomID, err)
		return nil
	}
	defer rows.Close()

	var lines []string
	for rows.Next() {
		var sender, content string
		var ts time.Time
		if err := rows.Scan(&sender, &content, &ts); err != nil {
			log.Printf("[store] GetMessageHistory scan: %v", err)
			continue
		}
		lines = append(lines, formatLine(ts, sender, content))
	}
	reverse(lines)
	return lines
}

// GetPrivateMessages returns the symmetric private-message conversation
// between userA and userB, formatted the same way as GetMessageHistory,
// oldest first.
func (s *Store) GetPrivateMessages(userA, userB string, limit int) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(
		`SELECT sender_username, content, timestamp FROM messages
		 WHERE is_private = 1
		   AND ((sender_username = ? AND recipient_username = ?) OR (sender_username = ? AND recipient_username = ?))
		 ORDER BY timestamp DESC, id DESC LIMIT ?`,
		userA, userB, userB, userA, limit,
	)
	if err != nil {
		log.Printf("[store] GetPrivateMessages(%s,%s): %v", userA, userB, err)
		return nil
	}
	defer rows.Close()

	var lines []string
	for rows.Next() {
		var sender, content string
		var ts time.Time
		if err := rows.Scan(&sender, &content, &ts); err != nil {
			continue
		}
		lines = append(lines, formatLine(ts, sender, content))
	}
	reverse(lines)
	return lines
}

// --- rooms -----------------------------------------------------------------

// CreateRoom persists a new room. password is empty for public rooms and
// stored verbatim (not hashed) for private ones, so GETPASSWORD can
// return it unchanged later; the column keeps its historical name but
// holds plaintext, unlike the users table's password_hash.
func (s *Store) CreateRoom(roomID string, isPrivate bool, ownerUsername, password string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT INTO rooms(room_id, is_private, owner_username, password_hash) VALUES(?, ?, ?, ?)`,
		roomID, boolToInt(isPrivate), ownerUsername, password,
	)
	if err != nil {
		log.Printf("[store] CreateRoom(%s): %v", roomID, err)
		return false
	}
	return true
}

// DeleteRoom removes a room and cascades its messages and bans in one
// logical operation.
func (s *Store) DeleteRoom(roomID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		log.Printf("[store] DeleteRoom(%s) begin: %v", roomID, err)
		return
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM messages WHERE room_id = ?`, roomID); err != nil {
		log.Printf("[store] DeleteRoom(%s) messages: %v", roomID, err)
		return
	}
	if _, err := tx.Exec(`DELETE FROM bans WHERE room_id = ?`, roomID); err != nil {
		log.Printf("[store] DeleteRoom(%s) bans: %v", roomID, err)
		return
	}
	if _, err := tx.Exec(`DELETE FROM rooms WHERE room_id = ?`, roomID); err != nil {
		log.Printf("[store] DeleteRoom(%s) room: %v", roomID, err)
		return
	}
	if err := tx.Commit(); err != nil {
		log.Printf("[store] DeleteRoom(%s) commit: %v", roomID, err)
	}
}

// RoomExists reports whether roomID is a known durable room.
func (s *Store) RoomExists(roomID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM rooms WHERE room_id = ?`, roomID).Scan(&n); err != nil {
		log.Printf("[store] RoomExists(%s): %v", roomID, err)
		return false
	}
	return n > 0
}

// UpdateRoomOwner changes the recorded owner of a room.
func (s *Store) UpdateRoomOwner(roomID, newOwner string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`UPDATE rooms SET owner_username = ? WHERE room_id = ?`, newOwner, roomID); err != nil {
		log.Printf("[store] UpdateRoomOwner(%s): %v", roomID, err)
	}
}

// UpdateRoomPassword changes the recorded password of a room, stored
// verbatim (see CreateRoom).
func (s *Store) UpdateRoomPassword(roomID, newPassword string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`UPDATE rooms SET password_hash = ? WHERE room_id = ?`, newPassword, roomID); err != nil {
		log.Printf("[store] UpdateRoomPassword(%s): %v", roomID, err)
	}
}

// --- bans --------------------------------------------------------------

// AddBan records that username is banned from roomID. Tolerates an already
// banned user (idempotent).
func (s *Store) AddBan(roomID, username string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT INTO bans(room_id, username) VALUES(?, ?) ON CONFLICT(room_id, username) DO NOTHING`,
		roomID, username,
	)
	if err != nil {
		log.Printf("[store] AddBan(%s,%s): %v", roomID, username, err)
	}
}

// RemoveBan lifts a ban, if any.
func (s *Store) RemoveBan(roomID, username string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`DELETE FROM bans WHERE room_id = ? AND username = ?`, roomID, username); err != nil {
		log.Printf("[store] RemoveBan(%s,%s): %v", roomID, username, err)
	}
}

// IsUserBanned reports whether username is banned from roomID.
func (s *Store) IsUserBanned(roomID, username string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM bans WHERE room_id = ? AND username = ?`, roomID, username).Scan(&n); err != nil {
		log.Printf("[store] IsUserBanned(%s,%s): %v", roomID, username, err)
		return false
	}
	return n > 0
}

// GetBannedUsers returns every username banned from roomID.
func (s *Store) GetBannedUsers(roomID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`SELECT username FROM bans WHERE room_id = ?`, roomID)
	if err != nil {
		log.Printf("[store] GetBannedUsers(%s): %v", roomID, err)
		return nil
	}
	defer rows.Close()

	var usernames []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			continue
		}
		usernames = append(usernames, u)
	}
	return usernames
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func formatLine(ts time.Time, sender, content string) string {
	return fmt.Sprintf("[%s] %s: %s\n", ts.Local().Format("15:04:05"), sender, content)
}

func reverse(lines []string) {
	for i, j := 0, len(lines)-1; i < j; i, j = i+1, j-1 {
		lines[i], lines[j] = lines[j], lines[i]
	}
}
