// Package journal streams the admitted event history of an instance to disk
// so divergence reports can be replayed offline.
package journal

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
)

var instanceNameCleaner = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

// Writer appends admitted events and periodic state keyframes for a single
// instance using compressed streaming sinks.
type Writer struct {
	mu           sync.Mutex
	dir          string
	now          func() time.Time
	eventFile    *os.File
	eventStream  *snappy.Writer
	keyframeFile *os.File
	keyframeSink *zstd.Encoder
	closed       bool
}

// Manifest describes the journal bundle layout so tooling can locate artefacts.
type Manifest struct {
	Version       int    `json:"version"`
	Instance      string `json:"instance"`
	CreatedAt     string `json:"created_at"`
	EventsPath    string `json:"events_path"`
	KeyframesPath string `json:"keyframes_path"`
}

// NewWriter prepares the journal directory and opens the compressed sinks.
func NewWriter(root, instanceName string, clock func() time.Time) (*Writer, Manifest, error) {
	if root == "" {
		return nil, Manifest{}, fmt.Errorf("journal root must be provided")
	}
	if clock == nil {
		clock = time.Now
	}

	cleaned := instanceNameCleaner.ReplaceAllString(instanceName, "")
	if cleaned == "" {
		cleaned = "instance"
	}
	created := clock().UTC()
	folder := fmt.Sprintf("%s-%s", cleaned, created.Format("20060102T150405Z"))
	path := filepath.Join(root, folder)

	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, Manifest{}, err
	}

	eventsPath := filepath.Join(path, "events.jsonl.sz")
	keyframesPath := filepath.Join(path, "keyframes.bin.zst")
	manifestPath := filepath.Join(path, "manifest.json")

	eventFile, err := os.Create(eventsPath)
	if err != nil {
		return nil, Manifest{}, err
	}
	eventStream := snappy.NewBufferedWriter(eventFile)

	keyframeFile, err := os.Create(keyframesPath)
	if err != nil {
		eventStream.Close()
		eventFile.Close()
		return nil, Manifest{}, err
	}
	keyframeSink, err := zstd.NewWriter(keyframeFile)
	if err != nil {
		eventStream.Close()
		eventFile.Close()
		keyframeFile.Close()
		return nil, Manifest{}, err
	}

	manifest := Manifest{
		Version:       1,
		Instance:      instanceName,
		CreatedAt:     created.Format(time.RFC3339Nano),
		EventsPath:    "events.jsonl.sz",
		KeyframesPath: "keyframes.bin.zst",
	}

	data, err := json.MarshalIndent(manifest, "", "  ")
	if err == nil {
		err = os.WriteFile(manifestPath, data, 0o644)
	}
	if err != nil {
		keyframeSink.Close()
		keyframeFile.Close()
		eventStream.Close()
		eventFile.Close()
		return nil, Manifest{}, err
	}

	writer := &Writer{
		dir:          path,
		now:          clock,
		eventFile:    eventFile,
		eventStream:  eventStream,
		keyframeFile: keyframeFile,
		keyframeSink: keyframeSink,
	}
	return writer, manifest, nil
}

// Directory exposes the directory backing the journal bundle.
func (w *Writer) Directory() string {
	if w == nil {
		return ""
	}
	return w.dir
}

// AppendEvent writes one admitted event as a JSON line on the snappy stream.
func (w *Writer) AppendEvent(frame uint32, kind string, payload []byte) error {
	if w == nil {
		return fmt.Errorf("journal not initialised")
	}
	captured := w.now().UTC()

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return fmt.Errorf("journal closed")
	}

	//1.- Wrap the wire payload with frame metadata so offline replayers can
	// re-bucket events without decoding the payload itself.
	record := struct {
		Frame      uint32          `json:"frame"`
		Kind       string          `json:"kind"`
		CapturedAt string          `json:"captured_at"`
		Payload    json.RawMessage `json:"payload"`
	}{
		Frame:      frame,
		Kind:       kind,
		CapturedAt: captured.Format(time.RFC3339Nano),
		Payload:    json.RawMessage(payload),
	}
	line, err := json.Marshal(record)
	if err != nil {
		return err
	}
	if _, err := w.eventStream.Write(line); err != nil {
		return err
	}
	if _, err := w.eventStream.Write([]byte("\n")); err != nil {
		return err
	}
	return w.eventStream.Flush()
}

// AppendKeyframe writes a length-prefixed serialized state to the zstd sink.
func (w *Writer) AppendKeyframe(frame uint32, serialized []byte) error {
	if w == nil {
		return fmt.Errorf("journal not initialised")
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return fmt.Errorf("journal closed")
	}

	//1.- Length-prefix each keyframe so replayers can seek without parsing JSON.
	header := make([]byte, 4+4)
	binary.LittleEndian.PutUint32(header[0:4], frame)
	binary.LittleEndian.PutUint32(header[4:8], uint32(len(serialized)))
	if _, err := w.keyframeSink.Write(header); err != nil {
		return err
	}
	if _, err := w.keyframeSink.Write(serialized); err != nil {
		return err
	}
	return nil
}

// Close flushes both sinks and releases the file handles.
func (w *Writer) Close() error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true

	var firstErr error
	if err := w.eventStream.Flush(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := w.eventStream.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := w.eventFile.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := w.keyframeSink.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := w.keyframeFile.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
