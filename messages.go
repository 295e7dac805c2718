package main

import (
	"encoding/json"

	"lockstep/relay/internal/instance"
)

// clientMessage is the decoded form of every client-to-server message kind.
// Only the fields of the active kind are meaningful; frame and serial stay
// json.Number so non-integer values can be rejected explicitly instead of
// being silently truncated.
type clientMessage struct {
	K string      `json:"k"`
	U string      `json:"u"`
	P string      `json:"p"`
	N string      `json:"n"`
	D string      `json:"d"`
	R string      `json:"r"`
	M string      `json:"m"`
	F json.Number `json:"f"`
	S json.Number `json:"s"`
	O string      `json:"o"`
	A string      `json:"a"`
	I string      `json:"i"`
}

type preloginReply struct {
	K string   `json:"k"`
	N string   `json:"n"`
	L []string `json:"l"`
}

type waitReply struct {
	K string `json:"k"`
	T int64  `json:"t"`
}

type snapshotReply struct {
	K string                     `json:"k"`
	P string                     `json:"p"`
	C uint32                     `json:"c"`
	X map[uint32]instance.Status `json:"x"`
	G string                     `json:"g"`
	F uint32                     `json:"f"`
	E []json.RawMessage          `json:"e"`
	R int                        `json:"r"`
	L int                        `json:"l"`
	M int                        `json:"m"`
}

type chatRelay struct {
	K string `json:"k"`
	C uint32 `json:"c"`
	U string `json:"u"`
	M string `json:"m"`
}

type chatTokenReply struct {
	K string `json:"k"`
}

type errorReply struct {
	K string `json:"k"`
	E string `json:"e"`
}

type successReply struct {
	K string `json:"k"`
	D string `json:"d"`
}

func mustMarshal(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

func errorPayload(message string) []byte {
	return mustMarshal(errorReply{K: "E", E: message})
}

func successPayload(detail string) []byte {
	return mustMarshal(successReply{K: "D", D: detail})
}
