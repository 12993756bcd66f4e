// Package collab binds one diagram view to the relay.
//
// A Session owns a transport.Connection, a dedup.Window and a presence.Tracker.
// Inbound envelopes and connection status changes are handled one at a time on
// the session's event loop, so callbacks never run concurrently with each other.
//
// Edits are applied by arrival order with no merge: two peers changing the same
// node concurrently may end up with different documents until they reload.
package collab

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"diagramsync/internal/content"
	"diagramsync/internal/dedup"
	"diagramsync/internal/diagram"
	"diagramsync/internal/models"
	"diagramsync/internal/presence"
	"diagramsync/internal/protocol"
	"diagramsync/internal/transport"

	"github.com/google/uuid"
)

const eventQueueSize = 256

// Store is the durable owner of diagram documents.
type Store interface {
	Get(ctx context.Context, id string) (models.Diagram, error)
	Create(ctx context.Context, patch models.Patch) (models.Diagram, error)
	Update(ctx context.Context, id string, patch models.Patch) (models.Diagram, error)
}

// Identity supplies the local session id and nickname.
type Identity interface {
	SessionID() string
	Nickname() string
}

// Callbacks are invoked on the session's event loop. Any of them may be nil.
type Callbacks struct {
	OnDiagramUpdate    func(patch models.Patch, from string)
	OnUserJoined       func(presence.Participant)
	OnUserLeft         func(presence.Participant)
	OnChatMessage      func(protocol.ChatMessage)
	OnTyping           func(sessionID, user string, isTyping bool)
	OnCursor           func(sessionID string, position models.Position)
	OnConnectionStatus func(transport.State)
}

type Config struct {
	// Transport configures the relay connection. SessionID and Heartbeat are set by the session.
	Transport   transport.Config
	DedupWindow time.Duration
}

type Session struct {
	identity Identity
	store    Store
	conn     *transport.Connection
	seen     *dedup.Window
	peers    *presence.Tracker
	log      *slog.Logger
	now      func() time.Time
	// lastSent is the UnixMilli of the newest outbound envelope.
	lastSent atomic.Int64

	events chan func()
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	diagramID string
	doc       *models.Diagram
	// persisted is set once the store is known to hold diagramID. The working
	// copy alone says nothing: peers and title edits create it before any save.
	persisted bool
	// lastChat is the id of the newest chat message seen, sent on reconnect so
	// the relay replays only what was missed.
	lastChat  string
	callbacks Callbacks
}

func NewSession(ctx context.Context, cfg Config, identity Identity, store Store, dialer transport.Dialer, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = dedup.DefaultWindow
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &Session{
		identity: identity,
		store:    store,
		seen:     dedup.New(ctx, cfg.DedupWindow),
		peers:    presence.NewTracker(),
		log:      logger.With("component", "collab", "session_id", identity.SessionID()),
		now:      time.Now,
		events:   make(chan func(), eventQueueSize),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	tcfg := cfg.Transport
	tcfg.SessionID = identity.SessionID()
	tcfg.Heartbeat = func() ([]byte, error) {
		return s.encode(protocol.New(protocol.TypePing))
	}
	tcfg.Params = func() url.Values {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.lastChat == "" {
			return nil
		}
		return url.Values{"last_chat": {s.lastChat}}
	}
	if tcfg.Logger == nil {
		tcfg.Logger = logger
	}
	s.conn = transport.New(tcfg, dialer, transport.Callbacks{
		OnOpen: s.announce,
		// Every open and every repeated Connect reports connected, so new callbacks resync.
		OnConnect: func() { s.status(transport.StateConnected) },
		OnMessage: func(data []byte) { s.enqueue(func() { s.receive(data) }) },
		OnError: func(err error) {
			s.log.Warn("transport error", "error", err)
		},
		OnReconnecting: func(attempt int, delay time.Duration) {
			s.log.Info("reconnecting", "attempt", attempt, "delay", delay)
		},
		OnReconnectFailed: func() {
			s.log.Error("reconnect attempts exhausted")
		},
		OnStateChange: func(state transport.State) {
			if state != transport.StateConnected {
				s.status(state)
			}
		},
	})

	go s.loop()
	return s
}

func (s *Session) loop() {
	defer close(s.done)
	for {
		select {
		case <-s.ctx.Done():
			return
		case f := <-s.events:
			f()
		}
	}
}

func (s *Session) enqueue(f func()) {
	select {
	case s.events <- f:
	case <-s.ctx.Done():
	}
}

func (s *Session) status(state transport.State) {
	s.enqueue(func() {
		if cb := s.currentCallbacks().OnConnectionStatus; cb != nil {
			cb(state)
		}
	})
}

func (s *Session) currentCallbacks() Callbacks {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callbacks
}

// Initialize binds the session to diagramID, loads the stored document and
// connects to the relay. It returns nil when the diagram does not exist yet.
// Calling it again for the bound diagram while connected replaces the callbacks
// and reports the connected status to them again.
// Connection failures are reported through OnConnectionStatus, not as errors.
func (s *Session) Initialize(ctx context.Context, diagramID string, callbacks Callbacks) (*models.Diagram, error) {
	if diagramID == "" {
		return nil, errors.New("diagram id is required")
	}

	s.mu.Lock()
	bound := s.diagramID == diagramID
	s.callbacks = callbacks
	s.mu.Unlock()

	if bound && s.conn.IsConnected() {
		if err := s.conn.Connect(ctx, diagramID); err != nil {
			s.log.Warn("failed to connect", "diagram_id", diagramID, "error", err)
		}
		return s.document(), nil
	}
	if !bound {
		s.reset()
	}

	doc, err := s.store.Get(ctx, diagramID)
	switch {
	case errors.Is(err, models.ErrNotFound):
		s.log.Info("diagram not stored yet", "diagram_id", diagramID)
	case err != nil:
		return nil, fmt.Errorf("failed to load diagram %s: %w", diagramID, err)
	}

	s.mu.Lock()
	s.diagramID = diagramID
	if err == nil {
		s.doc = &doc
		s.persisted = true
	}
	s.mu.Unlock()

	if err := s.conn.Connect(ctx, diagramID); err != nil {
		s.log.Warn("failed to connect", "diagram_id", diagramID, "error", err)
	}
	return s.document(), nil
}

// SaveDiagram persists patch and then broadcasts it to peers. The broadcast is
// best effort: it is skipped while disconnected and never sent if the save fails.
// A diagram the store does not hold yet is created. When a peer created it in
// the meantime the patch is applied as an update instead, and the other way round.
func (s *Session) SaveDiagram(ctx context.Context, patch models.Patch) (models.Diagram, error) {
	s.mu.Lock()
	diagramID := s.diagramID
	persisted := s.persisted
	s.mu.Unlock()

	create := func() (models.Diagram, error) {
		p := patch
		p.ID = diagramID
		return s.store.Create(ctx, p)
	}
	update := func() (models.Diagram, error) {
		return s.store.Update(ctx, diagramID, patch)
	}

	var (
		saved models.Diagram
		err   error
	)
	if persisted {
		saved, err = update()
		if errors.Is(err, models.ErrNotFound) {
			s.log.Info("diagram gone from store, creating it again", "diagram_id", diagramID)
			saved, err = create()
		}
	} else {
		saved, err = create()
		if errors.Is(err, models.ErrExists) && diagramID != "" {
			s.log.Info("diagram created by a peer, updating it", "diagram_id", diagramID)
			saved, err = update()
		}
	}
	if err != nil {
		return models.Diagram{}, fmt.Errorf("failed to save diagram: %w", err)
	}

	s.mu.Lock()
	if s.diagramID == "" || s.diagramID == saved.ID {
		s.diagramID = saved.ID
		doc := diagram.Clone(saved)
		s.doc = &doc
		s.persisted = true
	}
	s.mu.Unlock()

	if !patch.Empty() {
		s.send(&protocol.DiagramChange{Data: patch})
	}
	return saved, nil
}

// SendTitleUpdate applies title to the working copy and broadcasts it without saving.
func (s *Session) SendTitleUpdate(title string) {
	patch := models.Patch{Title: &title}
	s.applyLocal(patch)
	s.send(&protocol.DiagramChange{Data: patch})
}

// SendChatMessage sanitizes text and broadcasts it. Only invalid text is an error.
func (s *Session) SendChatMessage(text string) (protocol.ChatMessage, error) {
	clean, err := content.PrepareChat(text)
	if err != nil {
		return protocol.ChatMessage{}, err
	}
	msg := &protocol.ChatMessage{
		ID:       uuid.NewString(),
		Content:  clean,
		SenderID: s.identity.SessionID(),
		Nickname: s.identity.Nickname(),
	}
	s.send(msg)
	return *msg, nil
}

func (s *Session) UpdateCursor(position models.Position) {
	s.send(&protocol.CursorUpdate{Position: position})
}

func (s *Session) SendTyping(isTyping bool) {
	s.send(&protocol.TypingIndicator{IsTyping: isTyping, User: s.identity.Nickname()})
}

// GetConnectedUsers lists remote participants in join order.
func (s *Session) GetConnectedUsers() []presence.Participant {
	return s.peers.List()
}

func (s *Session) IsConnected() bool {
	return s.conn.IsConnected()
}

func (s *Session) DiagramID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.diagramID
}

// Document returns a copy of the working document and false if none is loaded.
func (s *Session) Document() (models.Diagram, bool) {
	doc := s.document()
	if doc == nil {
		return models.Diagram{}, false
	}
	return *doc, true
}

func (s *Session) document() *models.Diagram {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.doc == nil {
		return nil
	}
	doc := diagram.Clone(*s.doc)
	return &doc
}

// Disconnect sends user_leave if connected, closes the transport and clears
// presence and the working copy. It is safe to call repeatedly.
func (s *Session) Disconnect() {
	if s.conn.IsConnected() {
		s.send(&protocol.UserLeave{Data: &protocol.UserLeaveData{Nickname: s.identity.Nickname()}})
	}
	s.conn.Disconnect()
	s.reset()
}

// Close disconnects and stops the event loop.
func (s *Session) Close() {
	s.Disconnect()
	s.cancel()
	<-s.done
	s.seen.Close()
}

func (s *Session) reset() {
	s.peers.Reset()
	s.mu.Lock()
	s.diagramID = ""
	s.doc = nil
	s.persisted = false
	s.lastChat = ""
	s.mu.Unlock()
}

func (s *Session) applyLocal(patch models.Patch) {
	s.mu.Lock()
	defer s.mu.Unlock()
	base := models.Diagram{ID: s.diagramID}
	if s.doc != nil {
		base = *s.doc
	}
	doc := diagram.Apply(base, patch, s.now())
	s.doc = &doc
}

// announce runs on every opened socket, including reconnects.
func (s *Session) announce() {
	s.send(&protocol.UserJoin{Data: protocol.UserJoinData{
		Nickname:  s.identity.Nickname(),
		DiagramID: s.conn.DiagramID(),
	}})
}

func (s *Session) encode(msg protocol.Message) ([]byte, error) {
	protocol.Stamp(msg, s.identity.SessionID(), s.stamp())
	return protocol.Encode(msg)
}

// stamp returns a send time strictly after the previous one, so envelopes sent
// within one millisecond keep distinct fingerprints at the receiver.
func (s *Session) stamp() time.Time {
	now := s.now().UnixMilli()
	for {
		last := s.lastSent.Load()
		next := max(now, last+1)
		if s.lastSent.CompareAndSwap(last, next) {
			return time.UnixMilli(next)
		}
	}
}

// send drops msg with a log line if it cannot be delivered.
func (s *Session) send(msg protocol.Message) {
	data, err := s.encode(msg)
	if err != nil {
		s.log.Error("failed to encode message", "type", msg.Kind(), "error", err)
		return
	}
	if err := s.conn.Send(data); err != nil {
		s.log.Debug("message not sent", "type", msg.Kind(), "error", err)
	}
}

// receive handles one inbound frame on the event loop.
func (s *Session) receive(data []byte) {
	msg, err := protocol.Decode(data)
	switch {
	case errors.Is(err, protocol.ErrUnknownType):
		s.log.Debug("ignoring unknown message type", "error", err)
		return
	case err != nil:
		s.log.Warn("dropping malformed message", "error", err)
		return
	}

	if s.seen.Observe(msg) {
		return
	}
	if chat, ok := msg.(*protocol.ChatMessage); ok {
		s.mu.Lock()
		s.lastChat = chat.ID
		s.mu.Unlock()
	}
	if msg.Sender() == s.identity.SessionID() {
		return
	}
	s.peers.Touch(msg.Sender())

	cb := s.currentCallbacks()
	switch m := msg.(type) {
	case *protocol.UserJoin:
		if m.Data.DiagramID != s.conn.DiagramID() {
			s.log.Debug("ignoring join for another diagram", "diagram_id", m.Data.DiagramID)
			return
		}
		p, isNew := s.peers.Join(m.SessionID, content.StripTags(m.Data.Nickname))
		if isNew {
			s.announce()
		}
		if cb.OnUserJoined != nil {
			cb.OnUserJoined(p)
		}
	case *protocol.UserLeave:
		p, ok := s.peers.Leave(m.SessionID)
		if ok && cb.OnUserLeft != nil {
			cb.OnUserLeft(p)
		}
	case *protocol.DiagramChange:
		s.applyLocal(m.Data)
		if cb.OnDiagramUpdate != nil {
			cb.OnDiagramUpdate(m.Data, m.SessionID)
		}
	case *protocol.ChatMessage:
		m.Content = content.Sanitize(m.Content)
		if cb.OnChatMessage != nil {
			cb.OnChatMessage(*m)
		}
	case *protocol.TypingIndicator:
		if cb.OnTyping != nil {
			cb.OnTyping(m.SessionID, m.User, m.IsTyping)
		}
	case *protocol.CursorUpdate:
		if cb.OnCursor != nil {
			cb.OnCursor(m.SessionID, m.Position)
		}
	case *protocol.Ping:
		s.send(&protocol.Pong{})
	case *protocol.Pong:
	}
}
