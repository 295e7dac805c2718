package main

import (
	"encoding/json"
	"errors"
	"strconv"

	"lockstep/relay/internal/clock"
	"lockstep/relay/internal/event"
	"lockstep/relay/internal/instance"
)

// errSilentDrop marks a message that is merely too lagged to admit; the
// client discovers via the next frame-advance notice, not via an error.
var errSilentDrop = errors.New("lagged message dropped")

func parseFrameField(raw json.Number) (uint32, error) {
	if raw == "" {
		return 0, errors.New("missing frame number")
	}
	value, err := strconv.ParseUint(raw.String(), 10, 32)
	if err != nil {
		return 0, errors.New("frame number must be an integer")
	}
	return uint32(value), nil
}

func parseSerialField(raw json.Number) (uint32, error) {
	if raw == "" {
		return 0, errors.New("missing command serial")
	}
	value, err := strconv.ParseUint(raw.String(), 10, 32)
	if err != nil || value == 0 {
		return 0, errors.New("command serial must be a positive integer")
	}
	return uint32(value), nil
}

// admitFrameEvent runs the admission cascade for a frame-input message.
// Callers hold the server mutex. A returned error other than errSilentDrop
// closes the connection.
func (s *Server) admitFrameEvent(c *controller, msg *clientMessage) error {
	frame, err := s.checkEventWindow(c, msg.F)
	if err != nil {
		return err
	}
	if len(msg.I) > c.inst.Playset().MaxInputLength() {
		return errors.New("frame input too long")
	}

	//1.- A repeated input is still stored for determinism, but only the sender
	// hears about it again; everyone else already holds an identical input.
	duplicate := c.hasFrameInput && msg.I == c.lastFrameInput

	ev := event.Event{
		Kind:       event.KindFrame,
		Frame:      frame,
		Controller: c.id,
		Input:      msg.I,
	}
	if err := c.inst.Admit(ev, c.id, duplicate); err != nil {
		if errors.Is(err, instance.ErrBehindHorizon) {
			return errSilentDrop
		}
		return err
	}

	//2.- Admitting a frame input closes this frame's window entirely.
	c.minFrame = frame + 1
	c.resetWindowCounters()
	c.lastFrameInput = msg.I
	c.hasFrameInput = true
	s.refreshTimeoutLocked(c)
	return nil
}

// admitCommandEvent runs the admission cascade for a command message.
func (s *Server) admitCommandEvent(c *controller, msg *clientMessage) error {
	frame, err := s.checkEventWindow(c, msg.F)
	if err != nil {
		return err
	}

	//1.- A command stamped past the window start opens a fresh window, which
	// deliberately permits serial reuse across frame groupings.
	if frame > c.minFrame {
		c.minFrame = frame
		c.resetWindowCounters()
	}

	limits := c.inst.Playset().CommandLimits()
	limit, known := limits[msg.O]
	if !known {
		return errors.New("unknown command verb")
	}
	serial, err := parseSerialField(msg.S)
	if err != nil {
		return err
	}
	if serial <= c.lastSerial {
		return errors.New("command serial out of order")
	}
	if c.rateCounts[msg.O]+1 > limit {
		return errors.New("command rate exceeded")
	}
	if len(msg.A) > c.inst.Playset().MaxArgLength() {
		return errors.New("command argument too long")
	}

	ev := event.Event{
		Kind:       event.KindCommand,
		Frame:      frame,
		Controller: c.id,
		Serial:     serial,
		Verb:       msg.O,
		Arg:        msg.A,
	}
	if err := c.inst.Admit(ev, c.id, false); err != nil {
		if errors.Is(err, instance.ErrBehindHorizon) {
			return errSilentDrop
		}
		return err
	}

	c.lastSerial = serial
	c.rateCounts[msg.O]++
	s.refreshTimeoutLocked(c)
	return nil
}

// checkEventWindow applies the shared frame-window checks of the cascade:
// liveness, integer frame, controller minimum, future horizon, past horizon.
func (s *Server) checkEventWindow(c *controller, raw json.Number) (uint32, error) {
	if c == nil || c.state != stateLive {
		return 0, errors.New("not logged in")
	}
	frame, err := parseFrameField(raw)
	if err != nil {
		return 0, err
	}
	if frame < c.minFrame {
		return 0, errors.New("frame number out of order")
	}
	horizon := c.inst.HorizonFrame()
	if frame > clock.PresentFrame(horizon)+clock.FutureHorizonFrames {
		return 0, errors.New("frame number too far ahead")
	}
	if frame < horizon {
		return 0, errSilentDrop
	}
	return frame, nil
}
