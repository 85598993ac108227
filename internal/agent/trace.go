package agent

import (
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"

	"github.com/haasonsaas/weft/pkg/models"
)

// TraceWriter writes agent events to a JSONL stream for debugging and
// replay. Each event is one JSON line, flushed immediately for crash
// safety.
type TraceWriter struct {
	mu     sync.Mutex
	writer io.Writer
	file   *os.File // non-nil if we opened the file ourselves
}

// traceHeader is the first line of a trace file.
type traceHeader struct {
	Version   int       `json:"version"`
	SessionID string    `json:"session_id"`
	StartedAt time.Time `json:"started_at"`
}

// NewTraceWriter creates a trace writer over an existing writer.
func NewTraceWriter(w io.Writer, sessionID string) (*TraceWriter, error) {
	tw := &TraceWriter{writer: w}
	return tw, tw.writeHeader(sessionID)
}

// OpenTraceFile creates a trace writer backed by the file at path.
func OpenTraceFile(path, sessionID string) (*TraceWriter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	tw := &TraceWriter{writer: f, file: f}
	if err := tw.writeHeader(sessionID); err != nil {
		f.Close()
		return nil, err
	}
	return tw, nil
}

func (t *TraceWriter) writeHeader(sessionID string) error {
	data, err := json.Marshal(traceHeader{Version: 1, SessionID: sessionID, StartedAt: time.Now()})
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, err := t.writer.Write(append(data, '\n')); err != nil {
		return err
	}
	return nil
}

// Listen returns a Listener that appends every event to the trace.
func (t *TraceWriter) Listen() Listener {
	return func(event models.AgentEvent) {
		data, err := json.Marshal(event)
		if err != nil {
			return
		}
		t.mu.Lock()
		t.writer.Write(append(data, '\n')) //nolint:errcheck // trace is best effort
		t.mu.Unlock()
	}
}

// Close closes the backing file if this writer opened it.
func (t *TraceWriter) Close() error {
	if t.file == nil {
		return nil
	}
	return t.file.Close()
}
