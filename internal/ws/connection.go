package ws

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

type wsConnection interface {
	Close() error
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
}

type controlWriter interface {
	WriteControl(messageType int, data []byte, deadline time.Time) error
}

type messageHub interface {
	Join(diagramID, sessionID, lastChatID string) chan []byte
	Leave(diagramID, sessionID string, ch chan []byte)
	Dispatch(diagramID, sessionID string, raw []byte) error
}

var errReplaced = errors.New("socket replaced by a newer one")

type Connection struct {
	ws         wsConnection
	hub        messageHub
	diagramID  string
	sessionID  string
	fromClient chan []byte
	fromServer chan []byte
	errorCh    chan error
}

func NewConnection(
	hub messageHub,
	ws wsConnection,
	diagramID string,
	sessionID string,
	lastChatID string,
) *Connection {
	return &Connection{
		ws:         ws,
		hub:        hub,
		diagramID:  diagramID,
		sessionID:  sessionID,
		fromClient: make(chan []byte),
		fromServer: hub.Join(diagramID, sessionID, lastChatID),
		errorCh:    make(chan error, 2),
	}
}

// Handle pumps envelopes between the socket and the hub until either side stops
// or ctx is done. Replacement by a newer socket and ctx cancellation send a
// clean close frame so the client does not reconnect.
func (c *Connection) Handle(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		close(c.errorCh)
		c.hub.Leave(c.diagramID, c.sessionID, c.fromServer)
	}()

	var wg sync.WaitGroup
	wg.Go(func() {
		c.errorCh <- c.pumpMessages(ctx)
		cancel()
	})

	wg.Go(func() {
		c.errorCh <- c.mainLoop(ctx)
		cancel()
	})

	var err error
	select {
	case err = <-c.errorCh:
	case <-ctx.Done():
	}

	switch {
	case errors.Is(err, errReplaced):
		c.closeFrame(websocket.CloseNormalClosure, "replaced")
		err = nil
	case err == nil || errors.Is(err, context.Canceled):
		c.closeFrame(websocket.CloseGoingAway, "")
	}
	c.ws.Close()
	wg.Wait()

	if err != nil && !errors.Is(err, context.Canceled) && !isClosed(err) {
		return err
	}

	return nil
}

func (c *Connection) closeFrame(code int, text string) {
	if cw, ok := c.ws.(controlWriter); ok {
		_ = cw.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(time.Second))
	}
}

func (c *Connection) pumpMessages(ctx context.Context) error {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return err
		}
		select {
		case c.fromClient <- data:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Connection) mainLoop(ctx context.Context) error {
	for {
		select {
		case data := <-c.fromClient:
			if err := c.hub.Dispatch(c.diagramID, c.sessionID, data); err != nil {
				log.Printf("dropping envelope from %s in %s: %v", c.sessionID, c.diagramID, err)
			}
		case data, ok := <-c.fromServer:
			if !ok {
				return errReplaced
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func isClosed(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}
