package main

import (
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"lockstep/relay/internal/clock"
	"lockstep/relay/internal/config"
	"lockstep/relay/internal/logging"
	"lockstep/relay/internal/playset"
	"lockstep/relay/internal/snapshot"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Address:                ":0",
		MaxMessageBytes:        config.DefaultMaxMessageBytes,
		PingInterval:           config.DefaultPingInterval,
		MaxClients:             16,
		HashSyncInterval:       150,
		FrameBroadcastInterval: 7,
		ControllerTimeout:      time.Hour,
		ChatTokens:             2,
		ChatTokenRefill:        20 * time.Millisecond,
		ChatMessageMax:         40,
		StatePath:              filepath.Join(t.TempDir(), "relay-state.json"),
	}
}

func newTestServer(t *testing.T) (*Server, *fakeClock) {
	t.Helper()
	registry := playset.NewRegistry()
	if err := registry.Register(playset.TestGame{}); err != nil {
		t.Fatalf("register: %v", err)
	}
	clk := &fakeClock{now: time.UnixMilli(5_000_000)}
	srv := NewServer(testConfig(t), logging.NewTestLogger(), clk, registry)

	doc := &snapshot.Document{
		Users:            nil,
		NextControllerID: 1,
		Instances: map[string]snapshot.InstanceDoc{
			"room": {PlaysetName: "testgame1", State: json.RawMessage(`"{\"dots\":[]}"`)},
		},
	}
	if err := srv.LoadSnapshot(doc); err != nil {
		t.Fatalf("load snapshot: %v", err)
	}
	for _, name := range []string{"alice", "bob"} {
		if err := srv.users.Create(name, "pw", "", false, ""); err != nil {
			t.Fatalf("create %s: %v", name, err)
		}
	}
	if err := srv.users.Create("admin1", "pw", "", true, ""); err != nil {
		t.Fatalf("create admin: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	return srv, clk
}

func newTestSession(srv *Server) *session {
	return &session{
		srv:    srv,
		remote: "203.0.113.9:4242",
		log:    logging.NewTestLogger(),
		send:   make(chan []byte, sendQueueDepth),
		quit:   make(chan struct{}),
	}
}

func drainMessages(t *testing.T, sess *session) []map[string]any {
	t.Helper()
	var out []map[string]any
	for {
		select {
		case payload := <-sess.send:
			var decoded map[string]any
			if err := json.Unmarshal(payload, &decoded); err != nil {
				t.Fatalf("malformed outbound message %q: %v", payload, err)
			}
			out = append(out, decoded)
		default:
			return out
		}
	}
}

func sessionDone(sess *session) bool {
	select {
	case <-sess.quit:
		return true
	default:
		return false
	}
}

func login(t *testing.T, srv *Server, username string) *session {
	t.Helper()
	sess := newTestSession(srv)
	srv.dispatch(sess, []byte(`{"k":"l","u":"`+username+`","p":"pw","n":"room"}`))
	msgs := drainMessages(t, sess)
	if len(msgs) != 2 || msgs[0]["k"] != "W" || msgs[1]["k"] != "S" {
		t.Fatalf("login flow for %s produced %v", username, msgs)
	}
	return sess
}

func TestPreloginListsInstances(t *testing.T) {
	srv, _ := newTestServer(t)
	sess := newTestSession(srv)
	srv.dispatch(sess, []byte(`{"k":"prelogin"}`))

	msgs := drainMessages(t, sess)
	if len(msgs) != 1 || msgs[0]["k"] != "U" {
		t.Fatalf("messages = %v", msgs)
	}
	if msgs[0]["n"] != "room" {
		t.Fatalf("default instance = %v", msgs[0]["n"])
	}
	list, ok := msgs[0]["l"].([]any)
	if !ok || len(list) != 1 || list[0] != "room" {
		t.Fatalf("instance list = %v", msgs[0]["l"])
	}
	if !sessionDone(sess) {
		t.Fatal("prelogin connection must close after the reply")
	}
}

func TestLoginHappyPath(t *testing.T) {
	srv, _ := newTestServer(t)
	sess := newTestSession(srv)
	srv.dispatch(sess, []byte(`{"k":"l","u":"alice","p":"pw","n":"room"}`))

	msgs := drainMessages(t, sess)
	if len(msgs) != 2 {
		t.Fatalf("messages = %v", msgs)
	}
	if msgs[0]["k"] != "W" {
		t.Fatalf("first message = %v", msgs[0])
	}
	if pong, ok := msgs[0]["t"].(float64); !ok || pong < 0 {
		t.Fatalf("pong = %v", msgs[0]["t"])
	}

	snap := msgs[1]
	if snap["k"] != "S" || snap["p"] != "testgame1" || snap["c"] != float64(1) || snap["f"] != float64(1) {
		t.Fatalf("snapshot = %v", snap)
	}
	if snap["g"] != `{"dots":[]}` {
		t.Fatalf("state = %v", snap["g"])
	}
	if snap["r"] != float64(clock.FrameRate) {
		t.Fatalf("fps = %v", snap["r"])
	}
	//1.- The freshly stamped Connect rides along in the pending event list.
	pending, ok := snap["e"].([]any)
	if !ok || len(pending) != 1 {
		t.Fatalf("pending = %v", snap["e"])
	}
	connect := pending[0].(map[string]any)
	if connect["k"] != "c" || connect["u"] != "alice" || connect["f"] != float64(16) {
		t.Fatalf("connect event = %v", connect)
	}
	if sessionDone(sess) {
		t.Fatal("login session must stay open")
	}
}

func TestLoginBadCredentials(t *testing.T) {
	srv, _ := newTestServer(t)
	sess := newTestSession(srv)
	srv.dispatch(sess, []byte(`{"k":"l","u":"alice","p":"wrong","n":"room"}`))

	msgs := drainMessages(t, sess)
	if len(msgs) != 1 || msgs[0]["k"] != "E" {
		t.Fatalf("messages = %v", msgs)
	}
	if !sessionDone(sess) {
		t.Fatal("failed login must close the connection")
	}
}

func TestLoginUnknownInstance(t *testing.T) {
	srv, _ := newTestServer(t)
	sess := newTestSession(srv)
	srv.dispatch(sess, []byte(`{"k":"l","u":"alice","p":"pw","n":"nowhere"}`))

	msgs := drainMessages(t, sess)
	if len(msgs) != 1 || msgs[0]["k"] != "E" {
		t.Fatalf("messages = %v", msgs)
	}
}

func TestConcurrentLoginSameUsernameRejected(t *testing.T) {
	srv, _ := newTestServer(t)
	login(t, srv, "alice")

	second := newTestSession(srv)
	srv.dispatch(second, []byte(`{"k":"l","u":"alice","p":"pw","n":"room"}`))
	msgs := drainMessages(t, second)
	if len(msgs) != 1 || msgs[0]["k"] != "E" {
		t.Fatalf("messages = %v", msgs)
	}
	if !sessionDone(second) {
		t.Fatal("conflicting login must close")
	}
}

func TestReconnectThroughOutbox(t *testing.T) {
	srv, clk := newTestServer(t)
	first := login(t, srv, "alice")
	firstCtrl := first.controller()

	//1.- The socket dies; the seat moves to the outbox and a Disconnect is
	// stamped at the present frame.
	srv.sessionClosed(first)
	if firstCtrl.state != stateOutbox {
		t.Fatalf("state = %v, want outbox", firstCtrl.state)
	}

	//2.- Reconnecting while the Disconnect is still in flight parks the new
	// session in the inbox: wait confirmation only, no snapshot yet.
	second := newTestSession(srv)
	srv.dispatch(second, []byte(`{"k":"l","u":"alice","p":"pw","n":"room"}`))
	msgs := drainMessages(t, second)
	if len(msgs) != 1 || msgs[0]["k"] != "W" {
		t.Fatalf("inbox reply = %v", msgs)
	}
	secondCtrl := second.controller()
	if secondCtrl.state != stateInbox {
		t.Fatalf("state = %v, want inbox", secondCtrl.state)
	}

	//3.- Once the Disconnect crosses the horizon the waiter is promoted and
	// finally receives its snapshot.
	inst := srv.instances["room"]
	clk.Advance(20 * clock.FrameDuration)
	inst.Tick()

	msgs = drainMessages(t, second)
	var sawSnapshot bool
	for _, msg := range msgs {
		if msg["k"] == "S" {
			sawSnapshot = true
		}
	}
	if !sawSnapshot {
		t.Fatalf("promoted session never received S: %v", msgs)
	}
	if secondCtrl.state != stateLive {
		t.Fatalf("state = %v, want live", secondCtrl.state)
	}
	if firstCtrl.state != stateDead {
		t.Fatalf("old controller state = %v, want dead", firstCtrl.state)
	}
}

func TestChatTokensAndRelay(t *testing.T) {
	srv, _ := newTestServer(t)
	alice := login(t, srv, "alice")
	bob := login(t, srv, "bob")
	drainMessages(t, alice)
	drainMessages(t, bob)

	srv.dispatch(alice, []byte(`{"k":"g","m":"hello"}`))
	for _, sess := range []*session{alice, bob} {
		msgs := drainMessages(t, sess)
		var found bool
		for _, msg := range msgs {
			if msg["k"] == "g" && msg["m"] == "hello" && msg["u"] == "alice" {
				found = true
			}
		}
		if !found {
			t.Fatalf("chat relay missing: %v", msgs)
		}
	}

	//1.- Burning through the token budget closes the connection.
	srv.dispatch(alice, []byte(`{"k":"g","m":"two"}`))
	srv.dispatch(alice, []byte(`{"k":"g","m":"three"}`))
	msgs := drainMessages(t, alice)
	var sawError bool
	for _, msg := range msgs {
		if msg["k"] == "E" {
			sawError = true
		}
	}
	if !sawError || !sessionDone(alice) {
		t.Fatalf("chat flood must error-close: %v", msgs)
	}
}

func TestChatMessageTooLong(t *testing.T) {
	srv, _ := newTestServer(t)
	alice := login(t, srv, "alice")
	drainMessages(t, alice)

	srv.dispatch(alice, []byte(`{"k":"g","m":"this message is much longer than the configured forty byte cap"}`))
	msgs := drainMessages(t, alice)
	if len(msgs) != 1 || msgs[0]["k"] != "E" {
		t.Fatalf("messages = %v", msgs)
	}
}

func TestChatTokenReplenishes(t *testing.T) {
	srv, _ := newTestServer(t)
	alice := login(t, srv, "alice")
	drainMessages(t, alice)

	srv.dispatch(alice, []byte(`{"k":"g","m":"one"}`))
	drainMessages(t, alice)

	time.Sleep(100 * time.Millisecond)
	msgs := drainMessages(t, alice)
	var sawToken bool
	for _, msg := range msgs {
		if msg["k"] == "G" {
			sawToken = true
		}
	}
	if !sawToken {
		t.Fatalf("expected G token notice, got %v", msgs)
	}
}

func TestSelfServeCreateUser(t *testing.T) {
	srv, _ := newTestServer(t)
	sess := newTestSession(srv)
	srv.dispatch(sess, []byte(`{"k":"selfServeCreateUser","u":"carol","p":"pw","d":"cfg"}`))
	msgs := drainMessages(t, sess)
	if len(msgs) != 1 || msgs[0]["k"] != "D" {
		t.Fatalf("messages = %v", msgs)
	}
	if _, err := srv.users.Verify("carol", "pw"); err != nil {
		t.Fatalf("created user rejected: %v", err)
	}

	//1.- A duplicate create fails outright and leaves nothing half-made.
	again := newTestSession(srv)
	srv.dispatch(again, []byte(`{"k":"selfServeCreateUser","u":"carol","p":"other","d":""}`))
	msgs = drainMessages(t, again)
	if len(msgs) != 1 || msgs[0]["k"] != "E" {
		t.Fatalf("messages = %v", msgs)
	}
	if _, err := srv.users.Verify("carol", "pw"); err != nil {
		t.Fatalf("original credentials lost: %v", err)
	}
}

func TestChangePasswordAndConfig(t *testing.T) {
	srv, _ := newTestServer(t)

	sess := newTestSession(srv)
	srv.dispatch(sess, []byte(`{"k":"changeMyPassword","u":"alice","p":"pw","n":"pw2"}`))
	if msgs := drainMessages(t, sess); len(msgs) != 1 || msgs[0]["k"] != "D" {
		t.Fatalf("change password: %v", msgs)
	}

	sess = newTestSession(srv)
	srv.dispatch(sess, []byte(`{"k":"setMyConfig","u":"alice","p":"pw2","d":"prefs"}`))
	if msgs := drainMessages(t, sess); len(msgs) != 1 || msgs[0]["k"] != "D" {
		t.Fatalf("set config: %v", msgs)
	}

	sess = newTestSession(srv)
	srv.dispatch(sess, []byte(`{"k":"getMyConfig","u":"alice","p":"pw2"}`))
	msgs := drainMessages(t, sess)
	if len(msgs) != 1 || msgs[0]["k"] != "D" || msgs[0]["d"] != "prefs" {
		t.Fatalf("get config: %v", msgs)
	}
}

func TestCleanShutdownRequiresAdmin(t *testing.T) {
	srv, _ := newTestServer(t)

	sess := newTestSession(srv)
	srv.dispatch(sess, []byte(`{"k":"cleanShutdown","u":"alice","p":"pw","r":"nope"}`))
	if msgs := drainMessages(t, sess); len(msgs) != 1 || msgs[0]["k"] != "E" {
		t.Fatalf("non-admin shutdown: %v", msgs)
	}

	sess = newTestSession(srv)
	srv.dispatch(sess, []byte(`{"k":"cleanShutdown","u":"admin1","p":"pw","r":"maintenance"}`))
	if msgs := drainMessages(t, sess); len(msgs) != 1 || msgs[0]["k"] != "D" {
		t.Fatalf("admin shutdown: %v", msgs)
	}

	select {
	case req := <-srv.ShutdownRequested():
		if !req.clean || req.reason != "maintenance" {
			t.Fatalf("request = %+v", req)
		}
	default:
		t.Fatal("shutdown request not queued")
	}

	//1.- The canonical state file must exist after a clean shutdown save.
	if _, err := snapshot.Load(srv.cfg.StatePath); err != nil {
		t.Fatalf("canonical snapshot missing: %v", err)
	}
}

func TestArrayDispatchAbortsOnFirstError(t *testing.T) {
	srv, _ := newTestServer(t)
	sess := newTestSession(srv)

	//1.- The bad login aborts the array, so the trailing prelogin is ignored.
	srv.dispatch(sess, []byte(`[{"k":"l","u":"alice","p":"wrong","n":"room"},{"k":"prelogin"}]`))
	msgs := drainMessages(t, sess)
	if len(msgs) != 1 || msgs[0]["k"] != "E" {
		t.Fatalf("messages = %v", msgs)
	}
}

func TestSnapshotRoundTripThroughDisk(t *testing.T) {
	srv, _ := newTestServer(t)
	inst := srv.instances["room"]
	hashBefore, err := inst.StateHash()
	if err != nil {
		t.Fatalf("hash: %v", err)
	}

	doc := srv.BuildSnapshotDocument()
	if err := snapshot.SaveClean(doc, srv.cfg.StatePath, time.Now()); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := snapshot.Load(srv.cfg.StatePath)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	registry := playset.NewRegistry()
	if err := registry.Register(playset.TestGame{}); err != nil {
		t.Fatalf("register: %v", err)
	}
	restored := NewServer(testConfig(t), logging.NewTestLogger(), &fakeClock{now: time.UnixMilli(9_000_000)}, registry)
	if err := restored.LoadSnapshot(loaded); err != nil {
		t.Fatalf("rehydrate: %v", err)
	}
	t.Cleanup(restored.Shutdown)

	reloaded := restored.instances["room"]
	if reloaded.HorizonFrame() != 1 {
		t.Fatalf("horizon = %d, want 1", reloaded.HorizonFrame())
	}
	hashAfter, err := reloaded.StateHash()
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if hashBefore != hashAfter {
		t.Fatalf("hash changed across snapshot: %d vs %d", hashBefore, hashAfter)
	}
}

func TestUnknownMessageKind(t *testing.T) {
	srv, _ := newTestServer(t)
	sess := newTestSession(srv)
	srv.dispatch(sess, []byte(`{"k":"bogus"}`))
	msgs := drainMessages(t, sess)
	if len(msgs) != 1 || msgs[0]["k"] != "E" {
		t.Fatalf("messages = %v", msgs)
	}
	if !sessionDone(sess) {
		t.Fatal("unknown kind must close the connection")
	}
}
