package main

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"lockstep/relay/internal/logging"
)

const sendQueueDepth = 256

// session wraps one websocket connection with a buffered outbound queue and
// the read/write pumps. Sends never block: a subscriber that cannot drain its
// queue is closed rather than allowed to stall a broadcast.
type session struct {
	srv    *Server
	conn   *websocket.Conn
	remote string
	log    *logging.Logger

	send chan []byte
	quit chan struct{}
	once sync.Once

	mu   sync.Mutex
	ctrl *controller
}

func newSession(srv *Server, conn *websocket.Conn) *session {
	sess := &session{
		srv:    srv,
		conn:   conn,
		remote: conn.RemoteAddr().String(),
		log:    srv.log.With(logging.String("remote", conn.RemoteAddr().String())),
		send:   make(chan []byte, sendQueueDepth),
		quit:   make(chan struct{}),
	}
	return sess
}

func (s *session) controller() *controller {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctrl
}

func (s *session) bind(c *controller) {
	s.mu.Lock()
	s.ctrl = c
	s.mu.Unlock()
}

// run drives the pumps and returns when the connection is gone.
func (s *session) run() {
	go s.writePump()
	s.readPump()
}

func (s *session) readPump() {
	defer s.srv.sessionClosed(s)
	s.conn.SetReadLimit(s.srv.cfg.MaxMessageBytes)
	for {
		kind, payload, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		if kind != websocket.TextMessage {
			s.fail("binary messages not supported")
			return
		}
		s.srv.dispatch(s, payload)
	}
}

func (s *session) writePump() {
	ticker := time.NewTicker(s.srv.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()
	for {
		select {
		case payload := <-s.send:
			if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.quit:
			//1.- Drain anything already queued so a terminal E or D message
			// reaches the peer before the close handshake.
			for {
				select {
				case payload := <-s.send:
					if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
						return
					}
				default:
					_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
					return
				}
			}
		}
	}
}

// Send enqueues a payload without blocking. A full queue closes the session;
// the peer is too far behind to stay subscribed.
func (s *session) Send(payload []byte) {
	select {
	case s.send <- payload:
	case <-s.quit:
	default:
		s.log.Warn("send queue overflow, closing session")
		s.close()
	}
}

// ControllerID implements instance.Subscriber.
func (s *session) ControllerID() uint32 {
	if c := s.controller(); c != nil {
		return c.id
	}
	return 0
}

// Terminate implements instance.Subscriber: error message, then close.
func (s *session) Terminate(reason string) {
	s.fail(reason)
}

// fail sends a final E message and tears the connection down.
func (s *session) fail(message string) {
	select {
	case s.send <- errorPayload(message):
	default:
	}
	s.close()
}

// finish sends a final D message and tears the connection down.
func (s *session) finish(detail string) {
	select {
	case s.send <- successPayload(detail):
	default:
	}
	s.close()
}

func (s *session) close() {
	s.once.Do(func() {
		close(s.quit)
	})
}
