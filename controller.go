package main

import (
	"time"

	"lockstep/relay/internal/instance"
)

// controllerState tracks a login session through its lifecycle. A controller
// is destroyed only once its own Disconnect event has crossed the past
// horizon, because until then the username is still woven into the event
// stream every client replays.
type controllerState int

const (
	stateNew controllerState = iota
	stateInbox
	stateLive
	stateOutbox
	stateDead
)

func (s controllerState) String() string {
	switch s {
	case stateNew:
		return "new"
	case stateInbox:
		return "inbox"
	case stateLive:
		return "live"
	case stateOutbox:
		return "outbox"
	case stateDead:
		return "dead"
	default:
		return "unknown"
	}
}

// controller is one player seat: a connection bound to a username and an
// instance. All fields are guarded by the server mutex.
type controller struct {
	id       uint32
	username string
	profile  string
	state    controllerState
	sess     *session
	inst     *instance.Instance

	// minFrame is the earliest frame at which subsequent events from this
	// controller may be stamped; it ratchets forward on every admission.
	minFrame       uint32
	lastSerial     uint32
	rateCounts     map[string]int
	lastFrameInput string
	hasFrameInput  bool

	chatTokens int
	timeout    *time.Timer
}

// seat indexes the controllers attached to one username: the active seat
// (LIVE or OUTBOX) and at most one INBOX waiter queued behind an outbox.
type seat struct {
	active  *controller
	waiting *controller
}

// resetWindowCounters clears the serial and per-verb rate state when a new
// frame window opens on the controller.
func (c *controller) resetWindowCounters() {
	c.lastSerial = 0
	c.rateCounts = make(map[string]int)
}

// stopTimersLocked cancels the inactivity timeout; chat replenishment timers
// guard on liveness themselves.
func (c *controller) stopTimersLocked() {
	if c.timeout != nil {
		c.timeout.Stop()
		c.timeout = nil
	}
}
