// Package snapshot reads and writes the whole-server persistence file: user
// directory, controller ID counter, and per-instance playset state.
package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"lockstep/relay/internal/instance"
	"lockstep/relay/internal/playset"
	"lockstep/relay/internal/users"
)

// InstanceDoc is the persisted form of one instance.
type InstanceDoc struct {
	PlaysetName string `json:"playsetName"`
	// State is either a JSON string (opaque, handed to the playset
	// deserializer) or an inline object (hand-authored seed, interpreted as
	// already deserialised).
	State            json.RawMessage            `json:"state"`
	ControllerStatus map[uint32]instance.Status `json:"controllerStatus"`
}

// Document is the whole-server dump.
type Document struct {
	Config           json.RawMessage         `json:"config,omitempty"`
	Users            map[string]users.Record `json:"users"`
	NextControllerID uint32                  `json:"nextControllerID"`
	Instances        map[string]InstanceDoc  `json:"instances"`
}

// ErrNotFound reports a missing snapshot file; callers typically start empty.
var ErrNotFound = errors.New("snapshot file not found")

// Load reads and parses the snapshot document at path.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, err
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse snapshot %s: %w", path, err)
	}
	return &doc, nil
}

// DecodeState turns the persisted state field into a live playset state. A
// JSON string is routed through the playset deserializer; anything else is
// treated as an inline, already-deserialised seed value.
func DecodeState(ps *playset.Resolved, raw json.RawMessage) (playset.State, error) {
	if len(raw) == 0 {
		return nil, errors.New("instance state missing")
	}
	var opaque string
	if err := json.Unmarshal(raw, &opaque); err == nil {
		return ps.Deserialize(opaque)
	}
	var inline any
	if err := json.Unmarshal(raw, &inline); err != nil {
		return nil, fmt.Errorf("parse inline state: %w", err)
	}
	return inline, nil
}

// EncodeState renders a serialized state back into the persisted field.
func EncodeState(serialized string) (json.RawMessage, error) {
	return json.Marshal(serialized)
}

// SaveClean writes the document to a timestamped backup path and then to the
// canonical path. Used for orderly shutdowns.
func SaveClean(doc *Document, path string, now time.Time) error {
	data, err := render(doc)
	if err != nil {
		return err
	}
	backup := timestampedPath(path, now, "")
	if err := write(backup, data); err != nil {
		return err
	}
	return write(path, data)
}

// SaveDirty writes the document only to a timestamped forensic path, leaving
// the canonical file untouched for post-mortem comparison.
func SaveDirty(doc *Document, path string, now time.Time) (string, error) {
	data, err := render(doc)
	if err != nil {
		return "", err
	}
	forensic := timestampedPath(path, now, "dirty.")
	return forensic, write(forensic, data)
}

func render(doc *Document) ([]byte, error) {
	if doc == nil {
		return nil, errors.New("nil snapshot document")
	}
	return json.MarshalIndent(doc, "", "  ")
}

func write(path string, data []byte) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil && !errors.Is(err, fs.ErrExist) {
			return err
		}
	}
	return os.WriteFile(path, data, 0o644)
}

func timestampedPath(path string, now time.Time, tag string) string {
	ext := filepath.Ext(path)
	base := path[:len(path)-len(ext)]
	stamp := now.UTC().Format("20060102T150405Z")
	return fmt.Sprintf("%s.%s%s%s", base, tag, stamp, ext)
}
