// Package protocol implements the line-oriented wire format spoken over a
// chat connection: newline-framed UTF-8 lines in, keyword-tagged lines out.
package protocol

import (
	"bufio"
	"fmt"
	"strings"
	"time"
)

// MaxLineSize bounds a single inbound line, mirroring the fixed-size
// recv buffer of the original socket loop this protocol replaces.
const MaxLineSize = 4096

// Kind classifies a decoded inbound line.
type Kind int

const (
	// KindChat is plain text destined for the sender's current room.
	KindChat Kind = iota
	// KindCommand is a "/VERB args" line.
	KindCommand
	// KindPrivate is an "@user message" line.
	KindPrivate
	// KindEmpty is a blank line, ignored by the dispatcher.
	KindEmpty
)

// Line is a single decoded inbound line.
type Line struct {
	Kind   Kind
	Verb   string // set for KindCommand, upper-cased
	Args   string // remainder after the verb, for KindCommand
	Target string // recipient username, for KindPrivate
	Text   string // message body, for KindChat and KindPrivate
	Raw    string // the original trimmed line
}

// Decode classifies a single raw line, with or without its trailing
// newline, which it strips. It never returns an error: anything that is not a recognized
// command or private-message shape falls back to KindChat.
func Decode(raw string) Line {
	trimmed := strings.TrimRight(raw, "\r\n")
	trimmed = strings.TrimSpace(trimmed)

	if trimmed == "" {
		return Line{Kind: KindEmpty, Raw: trimmed}
	}

	if strings.HasPrefix(trimmed, "/") {
		body := strings.TrimPrefix(trimmed, "/")
		verb, args, _ := strings.Cut(body, " ")
		return Line{
			Kind: KindCommand,
			Verb: strings.ToUpper(strings.TrimSpace(verb)),
			Args: strings.TrimSpace(args),
			Raw:  trimmed,
		}
	}

	if strings.HasPrefix(trimmed, "@") {
		body := strings.TrimPrefix(trimmed, "@")
		target, text, ok := strings.Cut(body, " ")
		if ok && target != "" {
			return Line{
				Kind:   KindPrivate,
				Target: target,
				Text:   strings.TrimSpace(text),
				Raw:    trimmed,
			}
		}
		// "@name" with no body falls through to plain chat.
	}

	return Line{Kind: KindChat, Text: trimmed, Raw: trimmed}
}

// Reader decodes newline-framed lines from a connection, bounding each
// line to MaxLineSize to guard against a peer that never sends '\n'.
type Reader struct {
	br *bufio.Reader
}

// NewReader wraps r with the line-size limit this protocol enforces.
func NewReader(r *bufio.Reader) *Reader {
	return &Reader{br: r}
}

// ReadLine returns the next decoded line, or an error if the underlying
// read fails or the line exceeds MaxLineSize.
func (r *Reader) ReadLine() (Line, error) {
	// ReadSlice never reads past the bufio buffer, so a peer that never
	// sends '\n' yields bufio.ErrBufferFull instead of unbounded growth.
	raw, err := r.br.ReadSlice('\n')
	if err == bufio.ErrBufferFull || len(raw) > MaxLineSize {
		return Line{}, fmt.Errorf("line exceeds %d bytes", MaxLineSize)
	}
	if err != nil && len(raw) == 0 {
		return Line{}, err
	}
	return Decode(string(raw)), err
}

// --- outbound formatting ----------------------------------------------------
//
// Every outbound keyword line below is the literal contract the
// out-of-scope CLI client speaks: a bare keyword ("NAME_SET\n"), or a
// keyword followed by one or more colon-separated fields
// ("ROOM_CREATED:482913:PUBLIC\n"). Plain chat and system lines carry no
// keyword at all — see FormatChatLine and FormatSystemLine.

// Tag is the literal keyword a client dispatches on as the first token of
// an outbound line.
type Tag string

const (
	TagWelcome             Tag = "WELCOME"
	TagNameSet             Tag = "NAME_SET"
	TagNameTaken           Tag = "NAME_TAKEN"
	TagRoomCreated         Tag = "ROOM_CREATED"
	TagRoomJoined          Tag = "ROOM_JOINED"
	TagRoomNotFound        Tag = "ROOM_NOT_FOUND"
	TagPasswordRequired    Tag = "PASSWORD_REQUIRED"
	TagWrongPassword       Tag = "WRONG_PASSWORD"
	TagRoomsList           Tag = "ROOMS_LIST"
	TagUsersList           Tag = "USERS_LIST"
	TagRoomPassword        Tag = "ROOM_PASSWORD"
	TagPasswordChanged     Tag = "PASSWORD_CHANGED"
	TagMessageHistoryStart Tag = "MESSAGE_HISTORY_START"
	TagMessageHistoryEnd   Tag = "MESSAGE_HISTORY_END"
	TagKickedFromRoom      Tag = "KICKED_FROM_ROOM"
	TagLeftRoom            Tag = "LEFT_ROOM"
	TagOwnerLeaveWarning   Tag = "OWNER_LEAVE_WARNING"
	TagOwnershipReceived   Tag = "OWNERSHIP_RECEIVED"
	TagSuccess             Tag = "SUCCESS"
	TagError               Tag = "ERROR"
	TagPMFrom              Tag = "PM_FROM"
	TagPMSent              Tag = "PM_SENT"

	// TagResumed is a supplemental keyword for the RESUME verb, which has
	// no counterpart in the core protocol's keyword set.
	TagResumed Tag = "RESUMED"
)

// Render renders a keyword line. With no fields it is the bare keyword
// ("NAME_SET\n"); with fields they are joined onto the keyword with
// colons ("ROOM_CREATED:482913:PUBLIC\n").
func Render(tag Tag, fields ...string) string {
	if len(fields) == 0 {
		return string(tag) + "\n"
	}
	return string(tag) + ":" + strings.Join(fields, ":") + "\n"
}

// RenderError renders the ERROR line, which carries its reason after a
// colon-and-space rather than a bare colon join.
func RenderError(reason string) string {
	return string(TagError) + ": " + reason + "\n"
}

// FormatChatLine renders a regular room chat line, unprefixed by any
// keyword: "[HH:MM:SS] sender: content\n".
func FormatChatLine(sender, content string) string {
	return fmt.Sprintf("[%s] %s: %s\n", time.Now().Local().Format("15:04:05"), sender, content)
}

// FormatSystemLine renders a system notice line, unprefixed by any
// keyword: "[HH:MM:SS] SYSTEM: text\n".
func FormatSystemLine(text string) string {
	return fmt.Sprintf("[%s] SYSTEM: %s\n", time.Now().Local().Format("15:04:05"), text)
}
