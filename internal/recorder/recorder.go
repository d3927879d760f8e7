// Package recorder is the flight recorder for submit turns. Every step of a
// turn (instruction, snapshot sizes, model output, plan, action outcomes) is
// appended as one JSON line to a size-rotated trace file.
package recorder

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	// TraceFile is the active trace inside the recorder directory.
	TraceFile = "turns.jsonl"

	DefaultMaxSizeMB  = 5
	DefaultMaxBackups = 3
)

// Event types written by the assistant.
const (
	EventInstruction = "instruction"
	EventSnapshot    = "snapshot"
	EventModelOutput = "model_output"
	EventPlan        = "plan"
	EventOutcome     = "outcome"
	EventError       = "error"
	EventDone        = "done"
)

var errClosed = errors.New("recorder closed")

// Event is a single trace record.
type Event struct {
	Timestamp time.Time   `json:"ts"`
	Turn      string      `json:"turn"`
	Seq       int         `json:"seq"`
	Type      string      `json:"type"`
	Data      interface{} `json:"data,omitempty"`
}

// Recorder appends events to a rotating JSONL file. Safe for concurrent use.
type Recorder struct {
	mu     sync.Mutex
	out    *lumberjack.Logger
	path   string
	closed bool
}

// New creates dir if needed and opens the trace there. Non-positive sizes use
// the defaults.
func New(dir string, maxSizeMB, maxBackups int) (*Recorder, error) {
	if dir == "" {
		return nil, errors.New("recorder directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create trace directory: %w", err)
	}
	if maxSizeMB <= 0 {
		maxSizeMB = DefaultMaxSizeMB
	}
	if maxBackups <= 0 {
		maxBackups = DefaultMaxBackups
	}
	path := filepath.Join(dir, TraceFile)
	return &Recorder{
		path: path,
		out: &lumberjack.Logger{
			Filename:   path,
			MaxSize:    maxSizeMB,
			MaxBackups: maxBackups,
		},
	}, nil
}

// Path is the active trace file.
func (r *Recorder) Path() string { return r.path }

// Turn starts a trace for one submit turn. A nil recorder yields a trace that
// drops everything.
func (r *Recorder) Turn(id string) *Trace {
	return &Trace{rec: r, id: id}
}

func (r *Recorder) write(ev Event) error {
	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode trace event: %w", err)
	}
	line = append(line, '\n')

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errClosed
	}
	_, err = r.out.Write(line)
	return err
}

// Rotate starts a fresh trace file, keeping the previous one as a backup.
func (r *Recorder) Rotate() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errClosed
	}
	return r.out.Rotate()
}

func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	return r.out.Close()
}

// Trace records the events of one turn in order.
type Trace struct {
	rec *Recorder
	id  string

	mu  sync.Mutex
	seq int
}

func (t *Trace) ID() string { return t.id }

// Record appends an event. Write failures are returned but the turn should
// carry on without its trace.
func (t *Trace) Record(eventType string, data interface{}) error {
	if t == nil || t.rec == nil {
		return nil
	}
	t.mu.Lock()
	t.seq++
	seq := t.seq
	t.mu.Unlock()

	return t.rec.write(Event{
		Timestamp: time.Now().UTC(),
		Turn:      t.id,
		Seq:       seq,
		Type:      eventType,
		Data:      data,
	})
}
