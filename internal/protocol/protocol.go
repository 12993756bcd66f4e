// Package protocol defines the wire envelopes exchanged over a collaboration socket.
//
// Every envelope is a JSON object with a "type" discriminator, the sender's
// "session_id" and a millisecond "timestamp". Decode returns one concrete
// variant per type; unknown fields are ignored.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"diagramsync/internal/models"
)

var (
	ErrMalformed   = errors.New("malformed envelope")
	ErrUnknownType = errors.New("unknown envelope type")
)

type MessageType string

const (
	TypeUserJoin        MessageType = "user_join"
	TypeUserLeave       MessageType = "user_leave"
	TypeDiagramChange   MessageType = "diagram_change"
	TypeChatMessage     MessageType = "chat_message"
	TypeTypingIndicator MessageType = "typing_indicator"
	TypeCursorUpdate    MessageType = "cursor_update"
	TypePing            MessageType = "ping"
	TypePong            MessageType = "pong"
)

// Message is implemented by every envelope variant in this package.
type Message interface {
	Kind() MessageType
	Sender() string
	SentAt() int64
	Validate() error
	header() *Header
}

// Header carries the fields common to all envelopes.
type Header struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Timestamp int64       `json:"timestamp"`
}

func (h *Header) Kind() MessageType { return h.Type }
func (h *Header) Sender() string    { return h.SessionID }
func (h *Header) SentAt() int64     { return h.Timestamp }
func (h *Header) header() *Header   { return h }

func (h *Header) validate(want MessageType) error {
	if h.Type != want {
		return fmt.Errorf("%w: expected type %s, got %s", ErrMalformed, want, h.Type)
	}
	if h.SessionID == "" {
		return fmt.Errorf("%w: session_id is required", ErrMalformed)
	}
	if h.Timestamp <= 0 {
		return fmt.Errorf("%w: timestamp is required", ErrMalformed)
	}
	return nil
}

type UserJoinData struct {
	Nickname         string `json:"nickname"`
	DiagramID        string `json:"diagram_id"`
	ParticipantCount int    `json:"participant_count,omitempty"`
}

type UserJoin struct {
	Header
	Data UserJoinData `json:"data"`
}

func (m *UserJoin) Validate() error {
	if err := m.validate(TypeUserJoin); err != nil {
		return err
	}
	if m.Data.DiagramID == "" {
		return fmt.Errorf("%w: data.diagram_id is required", ErrMalformed)
	}
	return nil
}

type UserLeaveData struct {
	Nickname         string `json:"nickname,omitempty"`
	ParticipantCount int    `json:"participant_count"`
}

type UserLeave struct {
	Header
	Data *UserLeaveData `json:"data,omitempty"`
}

func (m *UserLeave) Validate() error { return m.validate(TypeUserLeave) }

// DiagramChange carries a patch to the shared document.
// FromSession is always written; SessionID is the field receivers filter on.
type DiagramChange struct {
	Header
	FromSession string       `json:"from_session"`
	Data        models.Patch `json:"data"`
}

func (m *DiagramChange) Validate() error {
	if err := m.validate(TypeDiagramChange); err != nil {
		return err
	}
	if m.FromSession == "" {
		return fmt.Errorf("%w: from_session is required", ErrMalformed)
	}
	return nil
}

type ChatMessage struct {
	Header
	ID       string `json:"id"`
	Content  string `json:"content"`
	SenderID string `json:"sender_id"`
	Nickname string `json:"sender,omitempty"`
}

func (m *ChatMessage) Validate() error {
	if err := m.validate(TypeChatMessage); err != nil {
		return err
	}
	if m.ID == "" {
		return fmt.Errorf("%w: id is required", ErrMalformed)
	}
	if m.SenderID == "" {
		return fmt.Errorf("%w: sender_id is required", ErrMalformed)
	}
	return nil
}

type TypingIndicator struct {
	Header
	IsTyping bool   `json:"isTyping"`
	User     string `json:"user"`
}

func (m *TypingIndicator) Validate() error { return m.validate(TypeTypingIndicator) }

type CursorUpdate struct {
	Header
	Position models.Position `json:"position"`
}

func (m *CursorUpdate) Validate() error { return m.validate(TypeCursorUpdate) }

type Ping struct {
	Header
}

func (m *Ping) Validate() error { return m.validate(TypePing) }

type Pong struct {
	Header
}

func (m *Pong) Validate() error { return m.validate(TypePong) }

// Stamp fills the common header fields of msg for sending.
func Stamp(msg Message, sessionID string, now time.Time) {
	h := msg.header()
	if h.Type == "" {
		h.Type = typeOf(msg)
	}
	h.SessionID = sessionID
	h.Timestamp = now.UnixMilli()
	if dc, ok := msg.(*DiagramChange); ok {
		dc.FromSession = sessionID
	}
}

func typeOf(msg Message) MessageType {
	switch msg.(type) {
	case *UserJoin:
		return TypeUserJoin
	case *UserLeave:
		return TypeUserLeave
	case *DiagramChange:
		return TypeDiagramChange
	case *ChatMessage:
		return TypeChatMessage
	case *TypingIndicator:
		return TypeTypingIndicator
	case *CursorUpdate:
		return TypeCursorUpdate
	case *Ping:
		return TypePing
	case *Pong:
		return TypePong
	}
	return ""
}

// New returns an empty envelope of the given type, or nil for an unknown type.
func New(t MessageType) Message {
	var msg Message
	switch t {
	case TypeUserJoin:
		msg = &UserJoin{}
	case TypeUserLeave:
		msg = &UserLeave{}
	case TypeDiagramChange:
		msg = &DiagramChange{}
	case TypeChatMessage:
		msg = &ChatMessage{}
	case TypeTypingIndicator:
		msg = &TypingIndicator{}
	case TypeCursorUpdate:
		msg = &CursorUpdate{}
	case TypePing:
		msg = &Ping{}
	case TypePong:
		msg = &Pong{}
	default:
		return nil
	}
	msg.header().Type = t
	return msg
}

// Decode parses raw into its concrete envelope and validates it.
// Unknown types return ErrUnknownType, everything else that fails returns ErrMalformed.
func Decode(raw []byte) (Message, error) {
	base, err := PeekHeader(raw)
	if err != nil {
		return nil, err
	}

	msg := New(base.Type)
	if msg == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, base.Type)
	}
	if err := json.Unmarshal(raw, msg); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, base.Type, err)
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return msg, nil
}

// PeekHeader reads only the common header fields of raw. It accepts unknown types.
func PeekHeader(raw []byte) (Header, error) {
	var h Header
	if err := json.Unmarshal(raw, &h); err != nil {
		return Header{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if h.Type == "" {
		return Header{}, fmt.Errorf("%w: type is required", ErrMalformed)
	}
	return h, nil
}

// Encode validates msg and serializes it.
func Encode(msg Message) ([]byte, error) {
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(msg)
}

// Fingerprint identifies a literal delivery of msg: type, sender and timestamp.
// Timestamps have millisecond resolution, so a sender must not stamp two
// envelopes of one type with the same millisecond or the second one reads as
// a duplicate.
func Fingerprint(msg Message) string {
	return string(msg.Kind()) + "_" + msg.Sender() + "_" + strconv.FormatInt(msg.SentAt(), 10)
}
