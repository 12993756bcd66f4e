package ws

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"diagramsync/internal/chat"
	"diagramsync/internal/models"
	"diagramsync/internal/protocol"
)

// RelaySessionID is the session id the relay stamps on envelopes it originates.
const RelaySessionID = "relay"

const minMemberBuffer = 100

var ErrSessionMismatch = errors.New("envelope session_id does not match the socket")

type member struct {
	sessionID string
	nickname  string
	joined    time.Time
	ch        chan []byte
	// left is set once the member announced its own departure.
	left bool
}

type room struct {
	diagramID string
	members   map[string]*member
	history   *chat.History
}

// Hub relays envelopes between the sockets of each diagram room.
type Hub struct {
	rooms       map[string]*room
	historySize int
	log         *slog.Logger
	now         func() time.Time

	mu sync.RWMutex
}

func NewHub(historySize int, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		rooms:       make(map[string]*room),
		historySize: historySize,
		log:         logger.With("component", "hub"),
		now:         time.Now,
	}
}

// Join adds sessionID to the room of diagramID and returns its outgoing channel,
// preloaded with the room's chat history that followed message lastChatID
// (all of it when lastChatID is empty or unknown). A previous socket of the
// same session is replaced: its channel is closed.
func (h *Hub) Join(diagramID, sessionID, lastChatID string) chan []byte {
	h.mu.Lock()
	defer h.mu.Unlock()

	r, ok := h.rooms[diagramID]
	if !ok {
		r = &room{
			diagramID: diagramID,
			members:   make(map[string]*member),
			history:   chat.NewHistory(h.historySize),
		}
		h.rooms[diagramID] = r
	}

	joined := h.now()
	if old, ok := r.members[sessionID]; ok {
		h.log.Info("replacing socket", "diagram_id", diagramID, "session_id", sessionID)
		close(old.ch)
		joined = old.joined
	}

	ch := make(chan []byte, max(minMemberBuffer, h.historySize+minMemberBuffer))
	for _, rec := range r.history.After(lastChatID) {
		ch <- rec.Envelope
	}
	r.members[sessionID] = &member{sessionID: sessionID, joined: joined, ch: ch}
	return ch
}

// Leave removes the socket owning ch. If the member did not announce its
// departure, the rest of the room receives a user_leave on its behalf.
func (h *Hub) Leave(diagramID, sessionID string, ch chan []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	r, ok := h.rooms[diagramID]
	if !ok {
		return
	}
	m, ok := r.members[sessionID]
	if !ok || m.ch != ch {
		return
	}

	close(m.ch)
	delete(r.members, sessionID)

	if !m.left {
		leave := &protocol.UserLeave{Data: &protocol.UserLeaveData{
			Nickname:         m.nickname,
			ParticipantCount: len(r.members),
		}}
		protocol.Stamp(leave, sessionID, h.now())
		if data, err := protocol.Encode(leave); err == nil {
			h.broadcast(r, data)
		}
	}

	if len(r.members) == 0 {
		delete(h.rooms, diagramID)
	}
}

// Dispatch relays raw from sessionID to every socket in the room, the sender included.
// Pings are answered to the sender only. Unknown envelope types are relayed untouched.
func (h *Hub) Dispatch(diagramID, sessionID string, raw []byte) error {
	hdr, err := protocol.PeekHeader(raw)
	if err != nil {
		return err
	}
	if hdr.SessionID != sessionID {
		return fmt.Errorf("%w: got %q", ErrSessionMismatch, hdr.SessionID)
	}

	msg, err := protocol.Decode(raw)
	if err != nil && !errors.Is(err, protocol.ErrUnknownType) {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	r, ok := h.rooms[diagramID]
	if !ok {
		return nil
	}
	sender, ok := r.members[sessionID]
	if !ok {
		return nil
	}

	switch m := msg.(type) {
	case *protocol.Ping:
		pong := protocol.New(protocol.TypePong)
		protocol.Stamp(pong, RelaySessionID, h.now())
		data, err := protocol.Encode(pong)
		if err != nil {
			return err
		}
		h.send(sender, data)
		return nil
	case *protocol.UserJoin:
		if m.Data.DiagramID != diagramID {
			return fmt.Errorf("join for diagram %q on socket of %q", m.Data.DiagramID, diagramID)
		}
		sender.nickname = m.Data.Nickname
		sender.left = false
		m.Data.ParticipantCount = len(r.members)
		if raw, err = protocol.Encode(m); err != nil {
			return err
		}
	case *protocol.UserLeave:
		sender.left = true
		if m.Data == nil {
			m.Data = &protocol.UserLeaveData{Nickname: sender.nickname}
		}
		m.Data.ParticipantCount = len(r.members) - 1
		if raw, err = protocol.Encode(m); err != nil {
			return err
		}
	case *protocol.ChatMessage:
		r.history.Add(chat.Record{
			MessageID: m.ID,
			SessionID: sessionID,
			Timestamp: m.Timestamp,
			Envelope:  raw,
		})
	}

	h.broadcast(r, raw)
	return nil
}

// broadcast must be called with mu held.
func (h *Hub) broadcast(r *room, data []byte) {
	for _, m := range r.members {
		h.send(m, data)
	}
}

func (h *Hub) send(m *member, data []byte) {
	select {
	case m.ch <- data:
	default:
		h.log.Warn("dropping envelope for slow socket", "session_id", m.sessionID)
	}
}

// Rooms lists active rooms ordered by diagram id, participants in join order.
func (h *Hub) Rooms() []models.Room {
	h.mu.RLock()
	defer h.mu.RUnlock()

	rooms := make([]models.Room, 0, len(h.rooms))
	for _, r := range h.rooms {
		members := make([]*member, 0, len(r.members))
		for _, m := range r.members {
			members = append(members, m)
		}
		sort.Slice(members, func(i, j int) bool {
			if members[i].joined.Equal(members[j].joined) {
				return members[i].sessionID < members[j].sessionID
			}
			return members[i].joined.Before(members[j].joined)
		})

		room := models.Room{DiagramID: r.diagramID, Participants: make([]string, len(members))}
		for i, m := range members {
			room.Participants[i] = m.sessionID
		}
		rooms = append(rooms, room)
	}

	sort.Slice(rooms, func(i, j int) bool {
		return rooms[i].DiagramID < rooms[j].DiagramID
	})
	return rooms
}
