// Package event defines the relay's event variants and their canonical order.
package event

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Kind enumerates the event variants carried by an instance's stream.
type Kind uint8

const (
	KindConnect Kind = iota + 1
	KindCommand
	KindFrame
	KindDisconnect
)

// String returns the single-letter wire tag for the kind.
func (k Kind) String() string {
	switch k {
	case KindConnect:
		return "c"
	case KindCommand:
		return "o"
	case KindFrame:
		return "f"
	case KindDisconnect:
		return "d"
	default:
		return "?"
	}
}

// Event is a tagged variant; only the fields of the active kind are meaningful.
type Event struct {
	Kind       Kind
	Frame      uint32
	Controller uint32

	// Connect fields.
	Username string
	Profile  string

	// Command fields.
	Serial uint32
	Verb   string
	Arg    string

	// Frame fields.
	Input string
}

// Less implements the canonical total order for events within one frame:
// kind first (Connect < Command < Frame < Disconnect), then controller ID,
// then serial for commands. The comparator depends only on event payloads so
// ingress order can never influence the outcome of an advance.
func Less(a, b *Event) bool {
	if a.Kind != b.Kind {
		return a.Kind < b.Kind
	}
	if a.Controller != b.Controller {
		return a.Controller < b.Controller
	}
	if a.Kind == KindCommand {
		return a.Serial < b.Serial
	}
	return false
}

// SortBucket orders a single frame's events canonically in place.
func SortBucket(bucket []Event) {
	sort.Slice(bucket, func(i, j int) bool { return Less(&bucket[i], &bucket[j]) })
}

// Partition splits a canonically sorted bucket into its four kind runs.
func Partition(bucket []Event) (connects, commands, frames, disconnects []Event) {
	for i := range bucket {
		switch bucket[i].Kind {
		case KindConnect:
			connects = append(connects, bucket[i])
		case KindCommand:
			commands = append(commands, bucket[i])
		case KindFrame:
			frames = append(frames, bucket[i])
		case KindDisconnect:
			disconnects = append(disconnects, bucket[i])
		}
	}
	return connects, commands, frames, disconnects
}

type wireConnect struct {
	K string `json:"k"`
	F uint32 `json:"f"`
	C uint32 `json:"c"`
	U string `json:"u"`
	D string `json:"d,omitempty"`
}

type wireCommand struct {
	K string `json:"k"`
	F uint32 `json:"f"`
	C uint32 `json:"c"`
	S uint32 `json:"s"`
	O string `json:"o"`
	A string `json:"a,omitempty"`
}

type wireFrame struct {
	K string `json:"k"`
	F uint32 `json:"f"`
	C uint32 `json:"c"`
	I string `json:"i"`
	T *int64 `json:"t,omitempty"`
}

type wireDisconnect struct {
	K string `json:"k"`
	F uint32 `json:"f"`
	C uint32 `json:"c"`
}

// MarshalWire renders the relayed server-to-client form of the event.
func (e *Event) MarshalWire() ([]byte, error) {
	return e.marshal(nil)
}

// MarshalWireWithPong renders a frame event for its own sender, carrying a
// fresh timing pong alongside the echoed input.
func (e *Event) MarshalWireWithPong(pong int64) ([]byte, error) {
	if e.Kind != KindFrame {
		return nil, fmt.Errorf("pong only accompanies frame events, got %s", e.Kind)
	}
	return e.marshal(&pong)
}

func (e *Event) marshal(pong *int64) ([]byte, error) {
	switch e.Kind {
	case KindConnect:
		return json.Marshal(wireConnect{K: "c", F: e.Frame, C: e.Controller, U: e.Username, D: e.Profile})
	case KindCommand:
		return json.Marshal(wireCommand{K: "o", F: e.Frame, C: e.Controller, S: e.Serial, O: e.Verb, A: e.Arg})
	case KindFrame:
		return json.Marshal(wireFrame{K: "f", F: e.Frame, C: e.Controller, I: e.Input, T: pong})
	case KindDisconnect:
		return json.Marshal(wireDisconnect{K: "d", F: e.Frame, C: e.Controller})
	default:
		return nil, fmt.Errorf("unknown event kind %d", e.Kind)
	}
}
