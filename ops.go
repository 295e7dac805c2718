package main

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/gorilla/websocket"

	"lockstep/relay/internal/instance"
	"lockstep/relay/internal/logging"
	"lockstep/relay/internal/snapshot"
)

// handlePrelogin answers the instance list and closes; clients open a fresh
// connection to log in.
func (s *Server) handlePrelogin(sess *session) error {
	s.mu.Lock()
	if sess.controller() != nil {
		s.mu.Unlock()
		sess.fail("already logged in")
		return errors.New("prelogin after login")
	}
	names := make([]string, 0, len(s.instances))
	for name := range s.instances {
		names = append(names, name)
	}
	s.mu.Unlock()
	sort.Strings(names)
	first := ""
	if len(names) > 0 {
		first = names[0]
	}
	sess.Send(mustMarshal(preloginReply{K: "U", N: first, L: names}))
	sess.close()
	return nil
}

// handleChat relays a global chat message to every instance's subscribers.
func (s *Server) handleChat(sess *session, msg *clientMessage) error {
	s.mu.Lock()
	c := sess.controller()
	if c == nil || c.state != stateLive {
		s.mu.Unlock()
		sess.fail("not logged in")
		return errors.New("chat before login")
	}
	if len(msg.M) > s.cfg.ChatMessageMax {
		s.mu.Unlock()
		sess.fail("chat message too long")
		return errors.New("chat message too long")
	}
	if c.chatTokens <= 0 {
		s.mu.Unlock()
		sess.fail("chat rate exceeded")
		return errors.New("chat rate exceeded")
	}
	c.chatTokens--
	payload := mustMarshal(chatRelay{K: "g", C: c.id, U: c.username, M: msg.M})
	targets := make([]*instance.Instance, 0, len(s.instances))
	for _, inst := range s.instances {
		targets = append(targets, inst)
	}
	//1.- One replenishment timer per spent token; the G notice tells the
	// client it may speak again.
	time.AfterFunc(s.cfg.ChatTokenRefill, func() { s.replenishChatToken(c) })
	s.mu.Unlock()

	for _, inst := range targets {
		inst.BroadcastRaw(payload)
	}
	return nil
}

func (s *Server) replenishChatToken(c *controller) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.state != stateLive {
		return
	}
	c.chatTokens++
	c.sess.Send(mustMarshal(chatTokenReply{K: "G"}))
}

// handleOneShot serves the credentialed request/response APIs. Each replies
// with a single D or E message and closes the connection.
func (s *Server) handleOneShot(sess *session, msg *clientMessage) error {
	if sess.controller() != nil {
		sess.fail("already logged in")
		return errors.New("one-shot request after login")
	}
	switch msg.K {
	case "selfServeCreateUser":
		//1.- Stop on the first validation failure; a rejected create must not
		// leave a half-made account behind.
		if err := s.users.Create(msg.U, msg.P, msg.D, false, sess.remote); err != nil {
			sess.fail(err.Error())
			return err
		}
		s.log.Info("self-serve user created", logging.String("username", msg.U), logging.String("remote", sess.remote))
		sess.finish("user created")
		return nil
	case "changeMyPassword":
		if err := s.users.ChangePassword(msg.U, msg.P, msg.N); err != nil {
			sess.fail(err.Error())
			return err
		}
		sess.finish("password changed")
		return nil
	case "getMyConfig":
		config, err := s.users.Config(msg.U, msg.P)
		if err != nil {
			sess.fail(err.Error())
			return err
		}
		sess.finish(config)
		return nil
	case "setMyConfig":
		if err := s.users.SetConfig(msg.U, msg.P, msg.D); err != nil {
			sess.fail(err.Error())
			return err
		}
		sess.finish("config saved")
		return nil
	case "cleanShutdown", "dirtyShutdown":
		return s.handleShutdownRequest(sess, msg)
	default:
		sess.fail("unknown message kind")
		return errors.New("unknown message kind")
	}
}

func (s *Server) handleShutdownRequest(sess *session, msg *clientMessage) error {
	user, err := s.users.Verify(msg.U, msg.P)
	if err != nil {
		sess.fail("bad username or password")
		return err
	}
	if !user.Admin {
		sess.fail("not authorized")
		return fmt.Errorf("user %q is not an admin", user.Username)
	}
	clean := msg.K == "cleanShutdown"
	doc := s.BuildSnapshotDocument()
	now := time.Now()
	if clean {
		err = snapshot.SaveClean(doc, s.cfg.StatePath, now)
	} else {
		_, err = snapshot.SaveDirty(doc, s.cfg.StatePath, now)
	}
	if err != nil {
		sess.fail("snapshot save failed")
		return err
	}
	s.log.Warn("shutdown requested",
		logging.String("username", user.Username),
		logging.String("reason", msg.R),
		logging.Bool("clean", clean))
	sess.finish("shutting down")
	select {
	case s.shutdownCh <- shutdownRequest{clean: clean, reason: msg.R}:
	default:
	}
	return nil
}

// BuildSnapshotDocument assembles the whole-server persistence dump.
func (s *Server) BuildSnapshotDocument() *snapshot.Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc := &snapshot.Document{
		Config:           s.snapshotConfig,
		Users:            s.users.Records(),
		NextControllerID: s.nextControllerID,
		Instances:        make(map[string]snapshot.InstanceDoc, len(s.instances)),
	}
	for name, inst := range s.instances {
		persisted, err := inst.SnapshotForPersistence()
		if err != nil {
			s.log.Error("instance snapshot failed", logging.String("instance", name), logging.Error(err))
			continue
		}
		state, err := snapshot.EncodeState(persisted.SerializedState)
		if err != nil {
			s.log.Error("instance state encode failed", logging.String("instance", name), logging.Error(err))
			continue
		}
		doc.Instances[name] = snapshot.InstanceDoc{
			PlaysetName:      persisted.PlaysetName,
			State:            state,
			ControllerStatus: persisted.Status,
		}
	}
	return doc
}

// wsHandler upgrades inbound connections and hands them to a session.
func (s *Server) wsHandler(upgrader websocket.Upgrader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.log.Debug("websocket upgrade failed", logging.Error(err))
			return
		}
		sess := newSession(s, conn)
		if !s.registerSession(sess) {
			_ = conn.WriteMessage(websocket.TextMessage, errorPayload("server full"))
			_ = conn.Close()
			return
		}
		go sess.run()
	}
}

// registerSession admits a fresh websocket connection, enforcing the client cap.
func (s *Server) registerSession(sess *session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg.MaxClients > 0 && len(s.sessions) >= s.cfg.MaxClients {
		return false
	}
	s.sessions[sess] = struct{}{}
	return true
}

// Uptime implements httpapi.StatusProvider.
func (s *Server) Uptime() time.Duration {
	return time.Since(s.started)
}

// ClientCount implements httpapi.StatusProvider.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// InstanceFrames implements httpapi.StatusProvider.
func (s *Server) InstanceFrames() map[string]uint32 {
	s.mu.Lock()
	targets := make(map[string]*instance.Instance, len(s.instances))
	for name, inst := range s.instances {
		targets[name] = inst
	}
	s.mu.Unlock()
	frames := make(map[string]uint32, len(targets))
	for name, inst := range targets {
		frames[name] = inst.HorizonFrame()
	}
	return frames
}
