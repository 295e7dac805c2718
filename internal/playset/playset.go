// Package playset defines the contract between the relay core and the
// deterministic game-logic modules it hosts. The core never inspects world
// state; it hands events to the playset in canonical order and relays the
// serialized form to clients.
package playset

import "encoding/json"

// State is the opaque world state owned by a playset.
type State any

// Connect notifies the playset that a controller joined at this frame.
type Connect struct {
	Controller uint32
	Username   string
}

// Command is a one-shot verb invocation admitted for this frame.
type Command struct {
	Controller uint32
	Serial     uint32
	Verb       string
	Arg        string
}

// ControllerInput pairs a connected controller with its latest input string.
// The advancer supplies these in ascending controller order.
type ControllerInput struct {
	Controller uint32
	Input      string
}

// Disconnect notifies the playset that a controller left at this frame.
type Disconnect struct {
	Controller uint32
}

// Playset is the minimal deterministic game module. Advance may only mutate
// state; any non-determinism inside it is a playset defect.
type Playset interface {
	Name() string
	Advance(state State, connects []Connect, commands []Command, inputs []ControllerInput, disconnects []Disconnect)
}

// Serializer is an optional capability for custom state serialization.
type Serializer interface {
	Serialize(state State) (string, error)
	Deserialize(serialized string) (State, error)
}

// Copier is an optional capability for cheap state duplication.
type Copier interface {
	Copy(state State) (State, error)
}

// Hasher is an optional capability for custom divergence-detection hashes.
type Hasher interface {
	Hash(state State) (int32, error)
}

// CommandLimiter declares the accepted command verbs and their per-frame rate
// caps. Playsets without this capability accept no commands.
type CommandLimiter interface {
	CommandLimits() map[string]int
}

// ArgLimiter caps command argument length in bytes.
type ArgLimiter interface {
	MaxArgLength() int
}

// InputLimiter caps per-frame input string length in bytes.
type InputLimiter interface {
	MaxInputLength() int
}

const (
	// DefaultMaxArgLength applies when a playset declares no arg cap.
	DefaultMaxArgLength = 100
	// DefaultMaxInputLength applies when a playset declares no input cap.
	DefaultMaxInputLength = 100
)

// Resolved is a playset with every optional capability filled in by defaults,
// ready for the advancer to call without further case analysis.
type Resolved struct {
	inner         Playset
	serializer    Serializer
	copier        Copier
	hasher        Hasher
	commandLimits map[string]int
	maxArg        int
	maxInput      int
}

// Name returns the registered playset name.
func (r *Resolved) Name() string { return r.inner.Name() }

// Advance delegates to the playset module.
func (r *Resolved) Advance(state State, connects []Connect, commands []Command, inputs []ControllerInput, disconnects []Disconnect) {
	r.inner.Advance(state, connects, commands, inputs, disconnects)
}

// Serialize renders the state to its wire string form.
func (r *Resolved) Serialize(state State) (string, error) {
	return r.serializer.Serialize(state)
}

// Deserialize rebuilds a state from its wire string form.
func (r *Resolved) Deserialize(serialized string) (State, error) {
	return r.serializer.Deserialize(serialized)
}

// Copy duplicates the state.
func (r *Resolved) Copy(state State) (State, error) {
	return r.copier.Copy(state)
}

// Hash computes the divergence-detection hash of the state.
func (r *Resolved) Hash(state State) (int32, error) {
	return r.hasher.Hash(state)
}

// CommandLimits exposes the per-verb rate caps. Verbs absent from the map are
// rejected outright.
func (r *Resolved) CommandLimits() map[string]int { return r.commandLimits }

// MaxArgLength caps command argument length in bytes.
func (r *Resolved) MaxArgLength() int { return r.maxArg }

// MaxInputLength caps frame input length in bytes.
func (r *Resolved) MaxInputLength() int { return r.maxInput }

// resolve fills missing capabilities with the structural JSON defaults.
func resolve(p Playset) *Resolved {
	resolved := &Resolved{
		inner:         p,
		serializer:    jsonSerializer{},
		commandLimits: map[string]int{},
		maxArg:        DefaultMaxArgLength,
		maxInput:      DefaultMaxInputLength,
	}
	if s, ok := p.(Serializer); ok {
		resolved.serializer = s
	}
	if c, ok := p.(Copier); ok {
		resolved.copier = c
	} else {
		resolved.copier = roundTripCopier{serializer: resolved.serializer}
	}
	if h, ok := p.(Hasher); ok {
		resolved.hasher = h
	} else {
		resolved.hasher = structuralHasher{}
	}
	if l, ok := p.(CommandLimiter); ok {
		limits := l.CommandLimits()
		clone := make(map[string]int, len(limits))
		for verb, limit := range limits {
			clone[verb] = limit
		}
		resolved.commandLimits = clone
	}
	if a, ok := p.(ArgLimiter); ok && a.MaxArgLength() > 0 {
		resolved.maxArg = a.MaxArgLength()
	}
	if i, ok := p.(InputLimiter); ok && i.MaxInputLength() > 0 {
		resolved.maxInput = i.MaxInputLength()
	}
	return resolved
}

// jsonSerializer is the default structural JSON codec.
type jsonSerializer struct{}

func (jsonSerializer) Serialize(state State) (string, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (jsonSerializer) Deserialize(serialized string) (State, error) {
	var state any
	if err := json.Unmarshal([]byte(serialized), &state); err != nil {
		return nil, err
	}
	return state, nil
}

// roundTripCopier duplicates state through the serializer.
type roundTripCopier struct {
	serializer Serializer
}

func (c roundTripCopier) Copy(state State) (State, error) {
	serialized, err := c.serializer.Serialize(state)
	if err != nil {
		return nil, err
	}
	return c.serializer.Deserialize(serialized)
}

// structuralHasher hashes the JSON-shaped projection of the state.
type structuralHasher struct{}

func (structuralHasher) Hash(state State) (int32, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return 0, err
	}
	var shaped any
	if err := json.Unmarshal(data, &shaped); err != nil {
		return 0, err
	}
	return StructuralHash(shaped), nil
}
