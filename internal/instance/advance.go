package instance

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"lockstep/relay/internal/clock"
	"lockstep/relay/internal/event"
	"lockstep/relay/internal/logging"
	"lockstep/relay/internal/playset"
)

type crossedDisconnect struct {
	controller uint32
	username   string
}

type frameNotice struct {
	K string `json:"k"`
	F uint32 `json:"f"`
	H *int32 `json:"h,omitempty"`
}

// ensureRunningLocked wakes a suspended instance. The horizon timestamp is
// clamped so a long-dormant instance resumes at most one frame behind real
// time instead of burst-advancing through the idle gap.
func (i *Instance) ensureRunningLocked() {
	if i.halted || !i.suspended {
		return
	}
	now := i.clock.Now()
	floor := clock.RehydratedHorizonTime(now)
	if i.horizonTime.Before(floor) {
		i.horizonTime = floor
	}
	i.suspended = false
	i.scheduleLocked(now)
}

// scheduleLocked arms the advance timer for the next frame deadline, clamped
// to fire no earlier than now.
func (i *Instance) scheduleLocked(now time.Time) {
	i.stopTimerLocked()
	delay := clock.NextDeadline(i.horizonTime).Sub(now)
	if delay < 0 {
		delay = 0
	}
	i.timer = time.AfterFunc(delay, i.Tick)
}

func (i *Instance) stopTimerLocked() {
	if i.timer != nil {
		i.timer.Stop()
		i.timer = nil
	}
}

// Tick advances the horizon through every frame whose deadline has passed,
// then either re-arms the timer or suspends the instance when nothing is
// pending and nobody is listening. The advance timer calls this; tests drive
// it directly with a synthetic clock.
func (i *Instance) Tick() {
	i.mu.Lock()
	if i.halted || i.suspended {
		i.mu.Unlock()
		return
	}
	now := i.clock.Now()
	var crossed []crossedDisconnect
	var haltErr error
	for !now.Before(clock.NextDeadline(i.horizonTime)) {
		frameCrossed, err := i.advanceOneLocked()
		crossed = append(crossed, frameCrossed...)
		if err != nil {
			haltErr = err
			break
		}
	}
	if haltErr != nil {
		i.haltLocked(haltErr)
		i.mu.Unlock()
		i.notifyCrossed(crossed)
		if i.lifecycle != nil {
			i.lifecycle.Halted(i, haltErr)
		}
		return
	}
	if len(i.events) == 0 && len(i.subscribers) == 0 {
		i.suspended = true
		i.stopTimerLocked()
	} else {
		i.scheduleLocked(now)
	}
	i.mu.Unlock()
	i.notifyCrossed(crossed)
}

func (i *Instance) notifyCrossed(crossed []crossedDisconnect) {
	if i.lifecycle == nil {
		return
	}
	for _, c := range crossed {
		i.lifecycle.DisconnectCrossed(i, c.controller, c.username)
	}
}

// advanceOneLocked rolls the past horizon forward by exactly one frame.
func (i *Instance) advanceOneLocked() ([]crossedDisconnect, error) {
	frame := i.horizonFrame

	//1.- Extract and canonically order this frame's bucket; the sort key
	// depends only on event payloads, so ingress order is irrelevant.
	bucket := i.events[frame]
	delete(i.events, frame)
	event.SortBucket(bucket)
	connects, commands, frames, disconnects := event.Partition(bucket)

	//2.- Record joiners before invoking the playset so it observes them as
	// roster members for this very frame.
	psConnects := make([]playset.Connect, 0, len(connects))
	for _, ev := range connects {
		i.status[ev.Controller] = &Status{Username: ev.Username}
		psConnects = append(psConnects, playset.Connect{Controller: ev.Controller, Username: ev.Username})
	}

	//3.- A frame input from a controller missing from the roster means the
	// canonical order or the lifecycle machinery is broken; continuing would
	// silently diverge every client, so the instance halts instead.
	for _, ev := range frames {
		if _, ok := i.status[ev.Controller]; !ok {
			return nil, fmt.Errorf("frame input from unknown controller %d at frame %d", ev.Controller, frame)
		}
	}
	for _, ev := range frames {
		i.status[ev.Controller].LastInput = ev.Input
	}

	psCommands := make([]playset.Command, 0, len(commands))
	for _, ev := range commands {
		psCommands = append(psCommands, playset.Command{
			Controller: ev.Controller,
			Serial:     ev.Serial,
			Verb:       ev.Verb,
			Arg:        ev.Arg,
		})
	}

	//4.- Build inputs in ascending controller order; this ordering is part of
	// the determinism contract with every client-side reconstruction.
	ids := make([]uint32, 0, len(i.status))
	for id := range i.status {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(a, b int) bool { return ids[a] < ids[b] })
	inputs := make([]playset.ControllerInput, 0, len(ids))
	for _, id := range ids {
		inputs = append(inputs, playset.ControllerInput{Controller: id, Input: i.status[id].LastInput})
	}

	psDisconnects := make([]playset.Disconnect, 0, len(disconnects))
	for _, ev := range disconnects {
		psDisconnects = append(psDisconnects, playset.Disconnect{Controller: ev.Controller})
	}

	i.playset.Advance(i.state, psConnects, psCommands, inputs, psDisconnects)

	//5.- Departures leave the roster only after the playset saw them; the
	// server layer handles outbox teardown and inbox promotion afterwards.
	crossed := make([]crossedDisconnect, 0, len(disconnects))
	for _, ev := range disconnects {
		username := ""
		if entry, ok := i.status[ev.Controller]; ok {
			username = entry.Username
		}
		delete(i.status, ev.Controller)
		crossed = append(crossed, crossedDisconnect{controller: ev.Controller, username: username})
	}

	i.horizonFrame++
	i.horizonTime = i.horizonTime.Add(clock.FrameDuration)

	i.broadcastAdvanceLocked()
	return crossed, nil
}

// broadcastAdvanceLocked emits the scheduled F notice for the new horizon
// frame: a hash-sync when the hash cadence hits, a bare advance notice on the
// broadcast cadence, or nothing.
func (i *Instance) broadcastAdvanceLocked() {
	notice := frameNotice{K: "F", F: i.horizonFrame}
	switch {
	case i.horizonFrame%i.hashSyncInterval == 0:
		hash, err := i.playset.Hash(i.state)
		if err != nil {
			i.log.Error("state hash failed", logging.Error(err), logging.Uint32("frame", i.horizonFrame))
		} else {
			notice.H = &hash
		}
		if i.journal != nil {
			if serialized, err := i.playset.Serialize(i.state); err == nil {
				if err := i.journal.AppendKeyframe(i.horizonFrame, []byte(serialized)); err != nil {
					i.log.Error("journal keyframe failed", logging.Error(err))
				}
			}
		}
	case i.horizonFrame%i.frameBroadcastInterval == 0:
	default:
		return
	}
	payload, err := json.Marshal(notice)
	if err != nil {
		return
	}
	for _, sub := range i.subscribers {
		sub.Send(payload)
	}
}

// haltLocked tears the instance down after a fatal invariant violation.
func (i *Instance) haltLocked(cause error) {
	i.halted = true
	i.stopTimerLocked()
	i.log.Error("instance halted", logging.Error(cause))
	for _, sub := range i.subscribers {
		sub.Terminate("internal error")
	}
	i.subscribers = make(map[uint32]Subscriber)
	i.events = make(map[uint32][]event.Event)
}
