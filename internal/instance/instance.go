// Package instance holds the per-world event pipeline: the past-horizon
// state, the pending event buckets, the broadcast roster, and the ticking
// advancer that rolls the horizon forward under real time.
package instance

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"lockstep/relay/internal/clock"
	"lockstep/relay/internal/event"
	"lockstep/relay/internal/journal"
	"lockstep/relay/internal/logging"
	"lockstep/relay/internal/playset"
)

// Status records a connected controller as of the past horizon.
type Status struct {
	Username  string `json:"u"`
	LastInput string `json:"i"`
}

// Subscriber receives broadcast payloads for an instance. Send must never
// block; delivery failure is the subscriber's own problem and must not stall
// the fan-out.
type Subscriber interface {
	ControllerID() uint32
	Send(payload []byte)
	Terminate(reason string)
}

// Lifecycle receives notifications the server layer must act on. Callbacks
// fire outside the instance mutex, after the tick that produced them.
type Lifecycle interface {
	// DisconnectCrossed fires when a controller's Disconnect event has been
	// folded into the past-horizon state.
	DisconnectCrossed(inst *Instance, controller uint32, username string)
	// Halted fires when the instance shut down due to an internal invariant
	// violation.
	Halted(inst *Instance, err error)
}

// Options configure a new instance.
type Options struct {
	Name                   string
	Playset                *playset.Resolved
	Log                    *logging.Logger
	Clock                  clock.Clock
	Journal                *journal.Writer
	Lifecycle              Lifecycle
	HashSyncInterval       uint32
	FrameBroadcastInterval uint32
}

// Instance is one named game world.
type Instance struct {
	mu sync.Mutex

	name      string
	playset   *playset.Resolved
	log       *logging.Logger
	clock     clock.Clock
	journal   *journal.Writer
	lifecycle Lifecycle

	hashSyncInterval       uint32
	frameBroadcastInterval uint32

	horizonFrame uint32
	horizonTime  time.Time
	state        playset.State
	status       map[uint32]*Status
	events       map[uint32][]event.Event
	subscribers  map[uint32]Subscriber
	suspended    bool
	halted       bool
	timer        *time.Timer
}

// ErrHalted reports an operation against an instance that hit a fatal
// internal invariant violation.
var ErrHalted = errors.New("instance halted")

// ErrBehindHorizon reports an event stamped before the past horizon.
var ErrBehindHorizon = errors.New("event behind past horizon")

// New builds an instance from rehydrated snapshot data. The horizon is reset
// to frame 1 backdated by the past-horizon span, a Disconnect is synthesised
// at frame 1 for every controller in the stored status, and the instance
// starts suspended.
func New(opts Options, state playset.State, status map[uint32]Status) (*Instance, error) {
	if opts.Playset == nil {
		return nil, errors.New("instance requires a playset")
	}
	if opts.Clock == nil {
		opts.Clock = clock.System{}
	}
	if opts.Log == nil {
		opts.Log = logging.L()
	}
	if opts.HashSyncInterval == 0 {
		opts.HashSyncInterval = 5 * clock.FrameRate
	}
	if opts.FrameBroadcastInterval == 0 {
		opts.FrameBroadcastInterval = clock.FrameRate / 4
	}
	inst := &Instance{
		name:                   opts.Name,
		playset:                opts.Playset,
		log:                    opts.Log.With(logging.String("instance", opts.Name)),
		clock:                  opts.Clock,
		journal:                opts.Journal,
		lifecycle:              opts.Lifecycle,
		hashSyncInterval:       opts.HashSyncInterval,
		frameBroadcastInterval: opts.FrameBroadcastInterval,
		horizonFrame:           1,
		horizonTime:            clock.RehydratedHorizonTime(opts.Clock.Now()),
		state:                  state,
		status:                 make(map[uint32]*Status, len(status)),
		events:                 make(map[uint32][]event.Event),
		subscribers:            make(map[uint32]Subscriber),
		suspended:              true,
	}
	for id, entry := range status {
		copied := entry
		inst.status[id] = &copied
		//1.- The stored roster members are not actually connected any more, so
		// the playset must observe their departure on the first advance.
		inst.events[1] = append(inst.events[1], event.Event{
			Kind:       event.KindDisconnect,
			Frame:      1,
			Controller: id,
		})
	}
	return inst, nil
}

// Name returns the instance name.
func (i *Instance) Name() string { return i.name }

// Playset exposes the resolved playset for validation limits.
func (i *Instance) Playset() *playset.Resolved { return i.playset }

// HorizonFrame returns the current past-horizon frame number.
func (i *Instance) HorizonFrame() uint32 {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.horizonFrame
}

// PresentFrame returns the frame clients should currently aim their inputs at.
func (i *Instance) PresentFrame() uint32 {
	i.mu.Lock()
	defer i.mu.Unlock()
	return clock.PresentFrame(i.horizonFrame)
}

// TimingPong returns milliseconds since the instance's fictional zero instant.
func (i *Instance) TimingPong() int64 {
	i.mu.Lock()
	defer i.mu.Unlock()
	return clock.TimingPong(i.clock.Now(), i.horizonFrame, i.horizonTime)
}

// Suspended reports whether the advancer is dormant.
func (i *Instance) Suspended() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.suspended
}

// Halted reports whether the instance hit a fatal invariant violation.
func (i *Instance) Halted() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.halted
}

// Subscribe attaches a live controller to the broadcast roster and wakes the
// advancer if the instance was dormant.
func (i *Instance) Subscribe(sub Subscriber) error {
	if sub == nil {
		return errors.New("nil subscriber")
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.halted {
		return ErrHalted
	}
	i.subscribers[sub.ControllerID()] = sub
	i.ensureRunningLocked()
	return nil
}

// Unsubscribe removes a controller from the broadcast roster.
func (i *Instance) Unsubscribe(controller uint32) {
	i.mu.Lock()
	delete(i.subscribers, controller)
	i.mu.Unlock()
}

// Admit stores a validated event in its frame bucket and fans it out. When
// echoOnlyToSender is set (duplicate frame input) only the sender receives a
// copy, with a fresh timing pong. Otherwise every live subscriber receives
// the event; the sender's copy of its own frame input carries the pong.
func (i *Instance) Admit(ev event.Event, sender uint32, echoOnlyToSender bool) error {
	i.mu.Lock()
	err := i.admitLocked(&ev, sender, echoOnlyToSender)
	i.mu.Unlock()
	return err
}

// StampConnect synthesises a Connect event at the current present frame.
func (i *Instance) StampConnect(controller uint32, username, profile string) (uint32, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	ev := event.Event{
		Kind:       event.KindConnect,
		Frame:      clock.PresentFrame(i.horizonFrame),
		Controller: controller,
		Username:   username,
		Profile:    profile,
	}
	return ev.Frame, i.admitLocked(&ev, 0, false)
}

// StampDisconnect synthesises a Disconnect event at the current present frame.
func (i *Instance) StampDisconnect(controller uint32) (uint32, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	ev := event.Event{
		Kind:       event.KindDisconnect,
		Frame:      clock.PresentFrame(i.horizonFrame),
		Controller: controller,
	}
	return ev.Frame, i.admitLocked(&ev, 0, false)
}

// admitLocked appends the event, wakes the advancer, journals the wire form,
// and fans it out. Sends happen on buffered subscriber queues so holding the
// mutex across them cannot block the pipeline.
func (i *Instance) admitLocked(ev *event.Event, sender uint32, echoOnlyToSender bool) error {
	if i.halted {
		return ErrHalted
	}
	if ev.Frame < i.horizonFrame {
		return fmt.Errorf("%w: frame %d, horizon %d", ErrBehindHorizon, ev.Frame, i.horizonFrame)
	}
	i.events[ev.Frame] = append(i.events[ev.Frame], *ev)
	i.ensureRunningLocked()

	payload, err := ev.MarshalWire()
	if err != nil {
		return err
	}
	if i.journal != nil {
		if err := i.journal.AppendEvent(ev.Frame, ev.Kind.String(), payload); err != nil {
			i.log.Error("journal append failed", logging.Error(err))
		}
	}

	//1.- The sender's own frame echo carries the timing pong so the client can
	// refresh its estimate of the server clock from regular traffic.
	if senderSub, ok := i.subscribers[sender]; ok && sender != 0 {
		echo := payload
		if ev.Kind == event.KindFrame {
			pong := clock.TimingPong(i.clock.Now(), i.horizonFrame, i.horizonTime)
			if withPong, err := ev.MarshalWireWithPong(pong); err == nil {
				echo = withPong
			}
		}
		senderSub.Send(echo)
	}
	if echoOnlyToSender {
		return nil
	}
	for id, sub := range i.subscribers {
		if id == sender {
			continue
		}
		sub.Send(payload)
	}
	return nil
}

// BroadcastRaw fans an already-serialised payload out to every subscriber,
// bypassing the event pipeline. Used for global chat relays.
func (i *Instance) BroadcastRaw(payload []byte) {
	i.mu.Lock()
	targets := make([]Subscriber, 0, len(i.subscribers))
	for _, sub := range i.subscribers {
		targets = append(targets, sub)
	}
	i.mu.Unlock()
	for _, sub := range targets {
		sub.Send(payload)
	}
}

// LoginSnapshot is the data the server renders into the initial S message.
type LoginSnapshot struct {
	PlaysetName     string
	HorizonFrame    uint32
	SerializedState string
	Status          map[uint32]Status
	PendingEvents   []event.Event
}

// SnapshotForLogin captures everything a fresh client needs to reconstruct
// the instance from the past horizon forward.
func (i *Instance) SnapshotForLogin() (LoginSnapshot, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.halted {
		return LoginSnapshot{}, ErrHalted
	}
	serialized, err := i.playset.Serialize(i.state)
	if err != nil {
		return LoginSnapshot{}, fmt.Errorf("serialize %s state: %w", i.name, err)
	}
	snapshot := LoginSnapshot{
		PlaysetName:     i.playset.Name(),
		HorizonFrame:    i.horizonFrame,
		SerializedState: serialized,
		Status:          make(map[uint32]Status, len(i.status)),
	}
	for id, entry := range i.status {
		snapshot.Status[id] = *entry
	}
	//1.- Pending events go out unsorted; the client applies the same canonical
	// sort the advancer does, so transmission order carries no meaning.
	for _, bucket := range i.events {
		snapshot.PendingEvents = append(snapshot.PendingEvents, bucket...)
	}
	return snapshot, nil
}

// PersistedState captures the fields stored in the server snapshot file.
type PersistedState struct {
	PlaysetName     string
	SerializedState string
	Status          map[uint32]Status
}

// SnapshotForPersistence serialises the past-horizon state for the server dump.
func (i *Instance) SnapshotForPersistence() (PersistedState, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	serialized, err := i.playset.Serialize(i.state)
	if err != nil {
		return PersistedState{}, fmt.Errorf("serialize %s state: %w", i.name, err)
	}
	persisted := PersistedState{
		PlaysetName:     i.playset.Name(),
		SerializedState: serialized,
		Status:          make(map[uint32]Status, len(i.status)),
	}
	for id, entry := range i.status {
		persisted.Status[id] = *entry
	}
	return persisted, nil
}

// StateHash computes the divergence-detection hash of the past-horizon state.
func (i *Instance) StateHash() (int32, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.playset.Hash(i.state)
}

// SubscriberCount reports the current broadcast roster size.
func (i *Instance) SubscriberCount() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.subscribers)
}

// Shutdown cancels any pending advance timer.
func (i *Instance) Shutdown() {
	i.mu.Lock()
	i.stopTimerLocked()
	i.suspended = true
	i.mu.Unlock()
}
