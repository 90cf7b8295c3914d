// Package server manages individual WebSocket sessions, handling read/write
// pumps, nickname state, and lifecycle control for each connection.
package server

import (
	"errors"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// SessionState tracks a session through its lifecycle.
type SessionState int32

const (
	// StateHandshaking covers the window between the WebSocket upgrade and
	// registration with the hub.
	StateHandshaking SessionState = iota
	// StateConnected means the session is registered and its pumps are running.
	StateConnected
	// StateClosing means a read/write failure or explicit close is in
	// progress; the hub has not yet released the session.
	StateClosing
	// StateClosed is terminal; no further reads or writes are issued.
	StateClosed
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// Session represents one client connection in the chat system. It owns the
// underlying WebSocket connection exclusively, carries the client's id and
// mutable nickname, and guarantees in-order outbound delivery through a
// single write pump draining the send channel.
type Session struct {
	id   string
	conn *websocket.Conn
	hub  *Hub
	addr string

	// send is the FIFO outbound queue. Exactly one write pump drains it, so
	// messages hit the wire strictly in enqueue order.
	send chan []byte

	state atomic.Int32

	nicknameMu sync.RWMutex
	nickname   string

	// closed is owned by the hub and guarded by its mutex; it marks sessions
	// whose send channel has been closed.
	closed bool

	maxMessageSize int64
}

// NewSession creates a Session for an upgraded connection. The id comes from
// the hub's generator and the nickname is derived from it; both are visible
// in every presence envelope the hub broadcasts for this session.
func NewSession(conn *websocket.Conn, hub *Hub, addr string) *Session {
	cfg := currentConfig()
	if conn != nil && cfg.MaxMessageSize > 0 {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}

	id := hub.newSessionID()
	s := &Session{
		id:             id,
		conn:           conn,
		hub:            hub,
		addr:           addr,
		send:           make(chan []byte, cfg.SendBufferSize),
		nickname:       "User" + id,
		maxMessageSize: cfg.MaxMessageSize,
	}
	s.state.Store(int32(StateHandshaking))
	return s
}

// ID returns the session's immutable identifier.
func (s *Session) ID() string {
	return s.id
}

// Nickname returns the session's current display name.
func (s *Session) Nickname() string {
	s.nicknameMu.RLock()
	defer s.nicknameMu.RUnlock()
	return s.nickname
}

// SetNickname updates the display name. The change is visible immediately to
// Nickname() and therefore to the next broadcast attributed to this session.
func (s *Session) SetNickname(nickname string) {
	s.nicknameMu.Lock()
	s.nickname = nickname
	s.nicknameMu.Unlock()
	log.Printf("Session %s nickname changed to %q", s.id, nickname)
}

// State returns the session's current lifecycle state.
func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

func (s *Session) setState(state SessionState) {
	s.state.Store(int32(state))
}

// Close tears the session down. It is idempotent: closing an already-closing
// or closed session is a no-op. A registered session moves to Closing and
// reaches Closed when the hub releases it; a session closed before
// registration has no release coming, so it goes straight to Closed. The
// pumps observe the closed connection and exit; the read pump's deferred
// unregister notifies the hub exactly once.
func (s *Session) Close() {
	for {
		current := SessionState(s.state.Load())
		if current == StateClosing || current == StateClosed {
			return
		}
		next := StateClosing
		if current == StateHandshaking {
			next = StateClosed
		}
		if s.state.CompareAndSwap(int32(current), int32(next)) {
			break
		}
	}
	if s.conn != nil {
		if err := s.conn.Close(); err != nil && !isExpectedCloseError(err) {
			log.Printf("Error closing connection for session %s: %v", s.id, err)
		}
	}
}

// setupReadConnection configures the read deadline and pong handler. The
// deadline is refreshed on every pong, so live clients are never evicted for
// being idle; only dead transports time out.
func (s *Session) setupReadConnection() {
	if err := s.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		log.Printf("Error setting initial read deadline for %s: %v", s.addr, err)
	}
	s.conn.SetPongHandler(func(string) error {
		if err := s.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			log.Printf("Error setting read deadline in pong handler for %s: %v", s.addr, err)
		}
		return nil
	})
}

// handleReadError logs the read failure appropriately. Every read error is
// terminal for the session; this only decides how loudly to report it.
func (s *Session) handleReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		log.Printf("Message from %s exceeded maximum size of %d bytes", s.addr, s.maxMessageSize)
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure):
		log.Printf("Session %s disconnected: %v", s.id, err)
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		log.Printf("Session %s connection closed: %v", s.id, err)
	case websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseMessageTooBig):
		log.Printf("Unexpected WebSocket error from %s: %v", s.addr, err)
	default:
		log.Printf("WebSocket read error from %s: %v", s.addr, err)
	}
}

// dispatch validates one inbound frame and routes it. Malformed frames and
// unknown types are dropped and the read loop continues; they are never a
// reason to close the session.
func (s *Session) dispatch(raw []byte) {
	msg, err := DecodeClientMessage(raw)
	if err != nil {
		log.Printf("Dropping invalid message from session %s: %v", s.id, err)
		messagesDropped.WithLabelValues(dropReason(err)).Inc()
		return
	}

	switch msg.Type {
	case TypeClientSendMessage:
		envelope, err := NewBroadcastMessage(s.id, msg.Text, s.hub.timestamp())
		if err != nil {
			log.Printf("Error building broadcast envelope for session %s: %v", s.id, err)
			return
		}
		select {
		case s.hub.userMessages <- userMessage{sender: s, payload: envelope}:
		case <-s.hub.ctx.Done():
		}
	case TypeClientSetNickname:
		s.SetNickname(msg.Nickname)
	}
}

func dropReason(err error) string {
	switch {
	case errors.Is(err, ErrUnknownType):
		return "unknown_type"
	case errors.Is(err, ErrInvalidPayload):
		return "invalid_payload"
	default:
		return "malformed"
	}
}

func (s *Session) readPump() {
	defer func() {
		select {
		case s.hub.unregister <- s:
		case <-s.hub.ctx.Done():
		}
		if err := s.conn.Close(); err != nil {
			if !isExpectedCloseError(err) {
				log.Printf("Error closing connection in readPump: %v", err)
			}
		}
	}()

	s.setupReadConnection()

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			s.setState(StateClosing)
			s.handleReadError(err)
			break
		}
		s.dispatch(raw)
	}
}

func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.closeConnection()
	}()

	for {
		select {
		case message, ok := <-s.send:
			if !s.handleOutbound(message, ok) {
				return
			}
		case <-ticker.C:
			if !s.handlePing() {
				return
			}
		}
	}
}

// handleOutbound writes one queued envelope as its own text frame. Frames are
// never coalesced: clients parse each WebSocket message as a single JSON
// document. Returns false when the pump should stop.
func (s *Session) handleOutbound(message []byte, ok bool) bool {
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		log.Printf("Error setting write deadline for %s: %v", s.addr, err)
		return false
	}

	if !ok {
		// The hub closed the send channel; say goodbye.
		if err := s.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil {
			if !isExpectedCloseError(err) {
				log.Printf("Error writing close message to %s: %v", s.addr, err)
			}
		}
		return false
	}

	if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
		// Stop draining; the read path observes the dead connection and
		// unregisters the session.
		if !isExpectedCloseError(err) {
			log.Printf("Error writing message to %s: %v", s.addr, err)
		}
		return false
	}
	return true
}

// closeConnection closes the WebSocket connection when the write pump exits.
func (s *Session) closeConnection() {
	if err := s.conn.Close(); err != nil {
		if !isExpectedCloseError(err) {
			log.Printf("Error closing connection in writePump: %v", err)
		}
	}
}

// handlePing keeps the connection alive between outbound messages.
func (s *Session) handlePing() bool {
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		log.Printf("Error setting write deadline for ping to %s: %v", s.addr, err)
		return false
	}
	if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		log.Printf("Error writing ping message to %s: %v", s.addr, err)
		return false
	}
	return true
}
