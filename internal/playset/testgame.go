package playset

import (
	"strconv"
	"strings"
)

// TestGame is a minimal deterministic playset used by the built-in seeds and
// the end-to-end tests: a shared canvas of dots that controllers place and
// clear via commands. It leans entirely on the default serializer and hash.
type TestGame struct{}

// Name identifies the playset in snapshots and login messages.
func (TestGame) Name() string { return "testgame1" }

// InitialState returns the empty canvas.
func (TestGame) InitialState() State {
	return map[string]any{"dots": []any{}}
}

// CommandLimits declares the accepted verbs and their per-frame caps.
func (TestGame) CommandLimits() map[string]int {
	return map[string]int{"drop": 4, "clear": 1}
}

// MaxArgLength caps command arguments.
func (TestGame) MaxArgLength() int { return 32 }

// MaxInputLength caps per-frame input strings.
func (TestGame) MaxInputLength() int { return 64 }

// Advance folds one frame of events into the canvas. Malformed drop
// arguments are ignored rather than rejected so both sides skip them
// identically.
func (TestGame) Advance(state State, connects []Connect, commands []Command, inputs []ControllerInput, disconnects []Disconnect) {
	canvas, ok := state.(map[string]any)
	if !ok {
		return
	}
	dots, _ := canvas["dots"].([]any)
	for _, cmd := range commands {
		switch cmd.Verb {
		case "drop":
			parts := strings.SplitN(cmd.Arg, ",", 2)
			if len(parts) != 2 {
				continue
			}
			x, errX := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
			y, errY := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
			if errX != nil || errY != nil {
				continue
			}
			dots = append(dots, map[string]any{
				"c": float64(cmd.Controller),
				"x": x,
				"y": y,
			})
		case "clear":
			dots = dots[:0]
		}
	}
	canvas["dots"] = dots
}
