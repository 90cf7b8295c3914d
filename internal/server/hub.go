// Package server coordinates session registration, presence announcements,
// and message fan-out for the chat system via the Hub type.
package server

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// userMessage carries a serialized envelope together with the session that
// originated it, so the hub can inject the sender's current nickname at
// fan-out time.
type userMessage struct {
	sender  *Session
	payload []byte
}

// Hub maintains the authoritative set of live sessions and performs all
// broadcasts. Membership mutations and fan-out run on the hub's own event
// loop, independent of any individual session's goroutines; the mutex covers
// the snapshot reads that fan-out and send need.
type Hub struct {
	sessions     map[*Session]bool
	broadcast    chan []byte
	userMessages chan userMessage
	register     chan *Session
	unregister   chan *Session
	mutex        sync.RWMutex
	wg           sync.WaitGroup
	ctx          context.Context
	cancel       context.CancelFunc
	done         chan struct{}

	// clock and newSessionID are injectable for deterministic tests.
	clock        func() time.Time
	newSessionID func() string
}

// NewHub creates a Hub ready to manage sessions. Pass it explicitly to the
// handlers that need it; there is no package-level instance.
func NewHub() *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		sessions:     make(map[*Session]bool),
		broadcast:    make(chan []byte),
		userMessages: make(chan userMessage),
		register:     make(chan *Session),
		unregister:   make(chan *Session),
		ctx:          ctx,
		cancel:       cancel,
		done:         make(chan struct{}),
		clock:        time.Now,
		newSessionID: uuid.NewString,
	}
}

// GetRegisterChan returns the channel used to register new sessions.
func (h *Hub) GetRegisterChan() chan<- *Session {
	return h.register
}

// GetUnregisterChan returns the channel used to release sessions.
func (h *Hub) GetUnregisterChan() chan<- *Session {
	return h.unregister
}

// GetBroadcastChan returns the channel used for system broadcasts. Bytes sent
// here are delivered to every registered session unchanged.
func (h *Hub) GetBroadcastChan() chan<- []byte {
	return h.broadcast
}

// timestamp renders the hub's current time as an ISO-8601 UTC string.
func (h *Hub) timestamp() string {
	return FormatTimestamp(h.clock())
}

// Run starts the hub's main event loop, handling session registration,
// release, and both broadcast flavors. Call it in its own goroutine; it runs
// until Shutdown cancels the context.
func (h *Hub) Run() {
	defer close(h.done)

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownSessions()
			return

		case session := <-h.register:
			h.instrument("register", func() { h.handleRegister(session) })

		case session := <-h.unregister:
			h.instrument("unregister", func() { h.handleUnregister(session) })

		case payload := <-h.broadcast:
			h.instrument("broadcast", func() { h.fanOut(payload) })

		case msg := <-h.userMessages:
			h.instrument("user_message", func() { h.handleUserMessage(msg) })
		}
	}
}

func (h *Hub) instrument(eventType string, handler func()) {
	start := time.Now()
	handler()
	eventsTotal.WithLabelValues(eventType).Inc()
	eventProcessingDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
}

func (h *Hub) handleRegister(session *Session) {
	if session == nil {
		log.Printf("Received nil session registration; skipping")
		return
	}

	h.mutex.Lock()
	session.closed = false
	h.sessions[session] = true
	sessionCount := len(h.sessions)
	h.mutex.Unlock()

	session.setState(StateConnected)
	connectedClients.Set(float64(sessionCount))
	log.Printf("Session %s registered from %s. Total sessions: %d", session.id, session.addr, sessionCount)

	if session.conn != nil {
		h.wg.Add(2)
		go func() {
			defer h.wg.Done()
			session.writePump()
		}()
		go func() {
			defer h.wg.Done()
			session.readPump()
		}()
	}

	// Announce the arrival to every session, including the new one.
	envelope, err := NewConnectedMessage(session.id, session.Nickname(), h.timestamp())
	if err != nil {
		log.Printf("Error building connected envelope for session %s: %v", session.id, err)
		return
	}
	h.fanOut(envelope)
}

func (h *Hub) handleUnregister(session *Session) {
	if session == nil {
		return
	}

	// Capture identity before removal so the departure envelope carries the
	// last-known nickname.
	id := session.ID()
	nickname := session.Nickname()

	if !h.removeSession(session) {
		// Already released; disconnect notifications fire exactly once.
		return
	}

	envelope, err := NewDisconnectedMessage(id, nickname, h.timestamp())
	if err != nil {
		log.Printf("Error building disconnected envelope for session %s: %v", id, err)
		return
	}
	h.fanOut(envelope)
}

// removeSession drops the session from the registry and closes its send
// channel. It reports whether the session was still a member; removing a
// non-member is a no-op.
func (h *Hub) removeSession(session *Session) bool {
	h.mutex.Lock()
	if _, ok := h.sessions[session]; !ok {
		h.mutex.Unlock()
		return false
	}
	delete(h.sessions, session)
	session.closed = true
	sessionCount := len(h.sessions)
	h.mutex.Unlock()

	// The session is terminal before its channel closes, so anyone draining
	// the queue to completion observes the final state. Closing the channel
	// after releasing the lock stops the write pump.
	session.setState(StateClosed)
	close(session.send)
	connectedClients.Set(float64(sessionCount))
	log.Printf("Session %s released. Total sessions: %d", session.id, sessionCount)
	return true
}

// handleUserMessage injects the sender's current nickname into the envelope
// and delivers it to every session, including the sender.
func (h *Hub) handleUserMessage(msg userMessage) {
	payload := msg.payload
	if msg.sender != nil {
		payload = InjectNickname(payload, msg.sender.Nickname())
	}
	h.fanOut(payload)
}

// fanOut delivers identical bytes to every registered session. Enqueues are
// non-blocking per recipient; sessions whose send buffer is full are evicted
// afterwards so a slow client never stalls the hub.
func (h *Hub) fanOut(payload []byte) {
	sessions := h.sessionSnapshot()
	log.Printf("Broadcasting message to %d sessions", len(sessions))

	var failed []*Session
	for _, session := range sessions {
		if !h.safeSend(session, payload) {
			failed = append(failed, session)
		}
	}
	h.evictFailedSessions(failed)
}

// sessionSnapshot returns a point-in-time copy of the registry membership.
func (h *Hub) sessionSnapshot() []*Session {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	sessions := make([]*Session, 0, len(h.sessions))
	for session := range h.sessions {
		sessions = append(sessions, session)
	}
	return sessions
}

func (h *Hub) safeSend(session *Session, payload []byte) bool {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Recovered from panic in safeSend: %v", r)
		}
	}()

	// Hold the lock for the whole enqueue so the channel cannot be closed
	// between the membership check and the send.
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	_, exists := h.sessions[session]
	if !exists || session.closed {
		return false
	}

	select {
	case session.send <- payload:
		return true
	default:
		return false
	}
}

// evictFailedSessions removes sessions whose send buffer was full and
// announces their departure, the same as any other disconnect path.
func (h *Hub) evictFailedSessions(failed []*Session) {
	for _, session := range failed {
		id := session.ID()
		nickname := session.Nickname()
		if !h.removeSession(session) {
			continue
		}
		log.Printf("Session %s from %s evicted due to full send buffer", id, session.addr)

		envelope, err := NewDisconnectedMessage(id, nickname, h.timestamp())
		if err != nil {
			log.Printf("Error building disconnected envelope for session %s: %v", id, err)
			continue
		}
		h.fanOut(envelope)
	}
}

// shutdownSessions releases every live session: closing the connection ends
// the read pump, closing the send channel ends the write pump.
func (h *Hub) shutdownSessions() {
	log.Println("Shutting down all sessions...")

	sessions := h.sessionSnapshot()
	for _, session := range sessions {
		session.Close()
		h.removeSession(session)
	}

	log.Printf("Closed %d sessions", len(sessions))
}

// Shutdown initiates graceful shutdown and waits for the event loop and all
// pump goroutines to finish, or for the timeout to expire.
func (h *Hub) Shutdown(timeout time.Duration) error {
	log.Println("Initiating hub shutdown...")

	h.cancel()
	<-h.done

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Println("Hub shutdown completed successfully")
		return nil
	case <-time.After(timeout):
		log.Println("Hub shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}
