package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"lockstep/relay/internal/clock"
	"lockstep/relay/internal/config"
	"lockstep/relay/internal/instance"
	"lockstep/relay/internal/journal"
	"lockstep/relay/internal/logging"
	"lockstep/relay/internal/playset"
	"lockstep/relay/internal/snapshot"
	"lockstep/relay/internal/users"
)

// shutdownRequest carries an admin-initiated shutdown to the main loop.
type shutdownRequest struct {
	clean  bool
	reason string
}

// Server owns the long-lived tables: the user directory, the instance table,
// the per-username seat index, and the live session set. Handlers run to
// completion under the server mutex; instances tick under their own.
type Server struct {
	cfg      *config.Config
	log      *logging.Logger
	clk      clock.Clock
	registry *playset.Registry

	mu               sync.Mutex
	users            *users.Directory
	instances        map[string]*instance.Instance
	journals         map[string]*journal.Writer
	seats            map[string]*seat
	sessions         map[*session]struct{}
	nextControllerID uint32
	snapshotConfig   json.RawMessage
	started          time.Time

	shutdownCh chan shutdownRequest
}

// NewServer wires the long-lived tables together.
func NewServer(cfg *config.Config, log *logging.Logger, clk clock.Clock, registry *playset.Registry) *Server {
	if clk == nil {
		clk = clock.System{}
	}
	if log == nil {
		log = logging.L()
	}
	return &Server{
		cfg:              cfg,
		log:              log,
		clk:              clk,
		registry:         registry,
		users:            users.NewDirectory(),
		instances:        make(map[string]*instance.Instance),
		journals:         make(map[string]*journal.Writer),
		seats:            make(map[string]*seat),
		sessions:         make(map[*session]struct{}),
		nextControllerID: 1,
		started:          time.Now(),
		shutdownCh:       make(chan shutdownRequest, 1),
	}
}

// ShutdownRequested exposes the admin shutdown channel to the main loop.
func (s *Server) ShutdownRequested() <-chan shutdownRequest {
	return s.shutdownCh
}

// LoadSnapshot rehydrates the server from a parsed persistence document.
func (s *Server) LoadSnapshot(doc *snapshot.Document) error {
	if doc == nil {
		return errors.New("nil snapshot document")
	}
	if err := s.users.Load(doc.Users); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshotConfig = doc.Config
	if doc.NextControllerID > 0 {
		s.nextControllerID = doc.NextControllerID
	}
	names := make([]string, 0, len(doc.Instances))
	for name := range doc.Instances {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		idoc := doc.Instances[name]
		ps, err := s.registry.Get(idoc.PlaysetName)
		if err != nil {
			return fmt.Errorf("instance %q: %w", name, err)
		}
		state, err := snapshot.DecodeState(ps, idoc.State)
		if err != nil {
			return fmt.Errorf("instance %q: %w", name, err)
		}
		var jw *journal.Writer
		if s.cfg.JournalDir != "" {
			writer, _, err := journal.NewWriter(s.cfg.JournalDir, name, s.clk.Now)
			if err != nil {
				return fmt.Errorf("instance %q journal: %w", name, err)
			}
			jw = writer
			s.journals[name] = writer
		}
		inst, err := instance.New(instance.Options{
			Name:                   name,
			Playset:                ps,
			Log:                    s.log,
			Clock:                  s.clk,
			Journal:                jw,
			Lifecycle:              s,
			HashSyncInterval:       s.cfg.HashSyncInterval,
			FrameBroadcastInterval: s.cfg.FrameBroadcastInterval,
		}, state, idoc.ControllerStatus)
		if err != nil {
			return fmt.Errorf("instance %q: %w", name, err)
		}
		s.instances[name] = inst
	}
	return nil
}

// dispatch handles one inbound websocket message. A JSON array body is
// dispatched element by element, aborting on the first error.
func (s *Server) dispatch(sess *session, raw []byte) {
	trimmed := bytes.TrimLeft(raw, " \t\r\n")
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var parts []json.RawMessage
		if err := json.Unmarshal(trimmed, &parts); err != nil {
			sess.fail("malformed message")
			return
		}
		for _, part := range parts {
			if err := s.dispatchOne(sess, part); err != nil {
				return
			}
		}
		return
	}
	_ = s.dispatchOne(sess, raw)
}

func (s *Server) dispatchOne(sess *session, raw []byte) error {
	var msg clientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		sess.fail("malformed message")
		return err
	}
	switch msg.K {
	case "f":
		return s.handleEventMessage(sess, &msg, (*Server).admitFrameEvent)
	case "o":
		return s.handleEventMessage(sess, &msg, (*Server).admitCommandEvent)
	case "g":
		return s.handleChat(sess, &msg)
	case "l":
		return s.handleLogin(sess, &msg)
	case "prelogin":
		return s.handlePrelogin(sess)
	case "selfServeCreateUser", "changeMyPassword", "getMyConfig", "setMyConfig", "cleanShutdown", "dirtyShutdown":
		return s.handleOneShot(sess, &msg)
	default:
		sess.fail("unknown message kind")
		return errors.New("unknown message kind")
	}
}

func (s *Server) handleEventMessage(sess *session, msg *clientMessage, admit func(*Server, *controller, *clientMessage) error) error {
	s.mu.Lock()
	err := admit(s, sess.controller(), msg)
	s.mu.Unlock()
	if err == nil {
		return nil
	}
	if errors.Is(err, errSilentDrop) {
		return nil
	}
	sess.fail(err.Error())
	return err
}

// handleLogin admits a credentialed connection into an instance, or parks it
// in the inbox when the username's previous session is still draining.
func (s *Server) handleLogin(sess *session, msg *clientMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess.controller() != nil {
		sess.fail("already logged in")
		return errors.New("duplicate login on connection")
	}
	user, err := s.users.Verify(msg.U, msg.P)
	if err != nil {
		sess.fail("bad username or password")
		return err
	}
	inst, ok := s.instances[msg.N]
	if !ok {
		sess.fail("no such instance")
		return fmt.Errorf("no such instance %q", msg.N)
	}
	if inst.Halted() {
		sess.fail("instance unavailable")
		return instance.ErrHalted
	}

	st := s.seats[user.Username]
	if st != nil && st.active != nil {
		if st.active.state != stateOutbox || st.waiting != nil {
			sess.fail("already logged in")
			return fmt.Errorf("username %q already logged in", user.Username)
		}
		//1.- The previous session's Disconnect has not crossed the horizon
		// yet; the new controller waits in the inbox with its timeout
		// disarmed, because the server owes it the next message.
		c := s.newControllerLocked(sess, inst, user)
		c.state = stateInbox
		st.waiting = c
		sess.bind(c)
		sess.Send(mustMarshal(waitReply{K: "W", T: inst.TimingPong()}))
		return nil
	}

	c := s.newControllerLocked(sess, inst, user)
	s.seats[user.Username] = &seat{active: c}
	sess.bind(c)
	sess.Send(mustMarshal(waitReply{K: "W", T: inst.TimingPong()}))
	return s.finishLoginLocked(c)
}

func (s *Server) newControllerLocked(sess *session, inst *instance.Instance, user users.User) *controller {
	id := s.nextControllerID
	s.nextControllerID++
	return &controller{
		id:         id,
		username:   user.Username,
		profile:    user.Config,
		state:      stateNew,
		sess:       sess,
		inst:       inst,
		rateCounts: make(map[string]int),
	}
}

// finishLoginLocked moves a controller to LIVE: stamps its Connect event,
// subscribes its session, and sends the initial snapshot.
func (s *Server) finishLoginLocked(c *controller) error {
	c.state = stateLive
	frame, err := c.inst.StampConnect(c.id, c.username, c.profile)
	if err != nil {
		c.sess.fail("instance unavailable")
		s.dropSeatLocked(c)
		return err
	}
	c.minFrame = frame
	c.resetWindowCounters()
	c.hasFrameInput = false
	c.chatTokens = s.cfg.ChatTokens

	snap, err := c.inst.SnapshotForLogin()
	if err != nil {
		c.sess.fail("internal error")
		s.dropSeatLocked(c)
		return err
	}
	if err := c.inst.Subscribe(c.sess); err != nil {
		c.sess.fail("instance unavailable")
		s.dropSeatLocked(c)
		return err
	}

	pending := make([]json.RawMessage, 0, len(snap.PendingEvents))
	for i := range snap.PendingEvents {
		payload, err := snap.PendingEvents[i].MarshalWire()
		if err != nil {
			continue
		}
		pending = append(pending, payload)
	}
	c.sess.Send(mustMarshal(snapshotReply{
		K: "S",
		P: snap.PlaysetName,
		C: c.id,
		X: snap.Status,
		G: snap.SerializedState,
		F: snap.HorizonFrame,
		E: pending,
		R: clock.FrameRate,
		L: s.cfg.ChatMessageMax,
		M: c.chatTokens,
	}))
	s.refreshTimeoutLocked(c)
	s.log.Info("controller live",
		logging.String("username", c.username),
		logging.Uint32("controller", c.id),
		logging.String("instance", c.inst.Name()))
	return nil
}

// dropSeatLocked detaches a controller from the seat index after a failed
// login or a dead inbox.
func (s *Server) dropSeatLocked(c *controller) {
	c.state = stateDead
	c.stopTimersLocked()
	st := s.seats[c.username]
	if st == nil {
		return
	}
	if st.active == c {
		st.active = nil
	}
	if st.waiting == c {
		st.waiting = nil
	}
	if st.active == nil && st.waiting == nil {
		delete(s.seats, c.username)
	}
}

// sessionClosed reacts to a socket disappearing for any reason: error, peer
// close, timeout kick, or admin teardown.
func (s *Server) sessionClosed(sess *session) {
	sess.close()
	s.mu.Lock()
	delete(s.sessions, sess)
	c := sess.controller()
	if c == nil {
		s.mu.Unlock()
		return
	}
	switch c.state {
	case stateLive:
		//1.- The seat lingers in the outbox until the Disconnect event has
		// crossed the horizon, keeping the username reserved so a reconnect
		// cannot corrupt the event order.
		c.state = stateOutbox
		c.stopTimersLocked()
		c.inst.Unsubscribe(c.id)
		if _, err := c.inst.StampDisconnect(c.id); err != nil {
			s.dropSeatLocked(c)
		}
	case stateInbox:
		s.dropSeatLocked(c)
	}
	s.mu.Unlock()
}

// DisconnectCrossed implements instance.Lifecycle: the controller's
// Disconnect has been folded into the past-horizon state, so the seat can be
// destroyed and any inbox waiter promoted.
func (s *Server) DisconnectCrossed(inst *instance.Instance, controllerID uint32, username string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.seats[username]
	if st == nil || st.active == nil || st.active.id != controllerID {
		return
	}
	st.active.state = stateDead
	st.active = nil
	promoted := st.waiting
	st.waiting = nil
	if promoted == nil {
		delete(s.seats, username)
		return
	}
	st.active = promoted
	_ = s.finishLoginLocked(promoted)
}

// Halted implements instance.Lifecycle: the instance hit a fatal invariant
// violation and already terminated its subscribers.
func (s *Server) Halted(inst *instance.Instance, cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.log.Error("instance halted, releasing seats",
		logging.String("instance", inst.Name()),
		logging.Error(cause))
	for username, st := range s.seats {
		if st.active != nil && st.active.inst == inst {
			st.active.state = stateDead
			st.active.stopTimersLocked()
			st.active = nil
		}
		if st.waiting != nil && st.waiting.inst == inst {
			st.waiting.state = stateDead
			st.waiting = nil
		}
		if st.active == nil && st.waiting == nil {
			delete(s.seats, username)
		}
	}
}

// refreshTimeoutLocked arms or re-arms the inactivity timeout.
func (s *Server) refreshTimeoutLocked(c *controller) {
	if c.timeout != nil {
		c.timeout.Reset(s.cfg.ControllerTimeout)
		return
	}
	c.timeout = time.AfterFunc(s.cfg.ControllerTimeout, func() {
		s.timeoutFired(c)
	})
}

func (s *Server) timeoutFired(c *controller) {
	s.mu.Lock()
	live := c.state == stateLive
	s.mu.Unlock()
	if !live {
		return
	}
	c.sess.fail("timeout")
}

// Shutdown stops the advance timers and closes the journals.
func (s *Server) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, inst := range s.instances {
		inst.Shutdown()
	}
	for name, jw := range s.journals {
		if err := jw.Close(); err != nil {
			s.log.Error("journal close failed", logging.String("instance", name), logging.Error(err))
		}
	}
}
