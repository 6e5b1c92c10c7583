package training

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/tsawler/go-deeplab/config"
)

// Scalar tags written by the controller.
const (
	TagLossIter  = "data/total_loss_iter"
	TagLR        = "data/lr"
	TagLossEpoch = "data/total_loss_epoch"
	TagValMIoU   = "data/val_miou"
	TagValAcc    = "data/val_acc"
)

// ScalarSink receives (tag, value, step) scalars.
type ScalarSink interface {
	RecordScalar(tag string, value float64, step int)
	Close() error
}

// ScalarEvent is one recorded scalar.
type ScalarEvent struct {
	WallTime float64 `json:"wall_time"`
	Step     int     `json:"step"`
	Tag      string  `json:"tag"`
	Value    float64 `json:"value"`
}

// LogDirName is the event directory name for a run started at t on host,
// e.g. "Mar01_12-30-00_gpu-box".
func LogDirName(t time.Time, host string) string {
	return t.Format("Jan02_15-04-05") + "_" + host
}

// EventWriter appends scalar events as JSON lines to
// <parent>/<LogDirName>/events.<session>.jsonl.
type EventWriter struct {
	mu    sync.Mutex
	dir   string
	path  string
	file  *os.File
	buf   *bufio.Writer
	enc   *json.Encoder
	err   error
	now   func() time.Time
	count int
}

// NewEventWriter creates the log directory and event file under parent.
func NewEventWriter(parent string, started time.Time, session string) (*EventWriter, error) {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}

	dir := filepath.Join(parent, LogDirName(started, host))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrap(err, "create event log directory")
	}

	name := "events.jsonl"
	if session != "" {
		name = "events." + session + ".jsonl"
	}
	f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, errors.Wrap(err, "open event file")
	}

	buf := bufio.NewWriter(f)
	klog.V(1).Infof("Writing scalar events to %s", f.Name())
	return &EventWriter{
		dir:  dir,
		path: f.Name(),
		file: f,
		buf:  buf,
		enc:  json.NewEncoder(buf),
		now:  time.Now,
	}, nil
}

// Dir returns the event log directory.
func (w *EventWriter) Dir() string {
	return w.dir
}

// Path returns the event file path.
func (w *EventWriter) Path() string {
	return w.path
}

// RecordScalar buffers one event. The first write error is kept and
// reported by Close.
func (w *EventWriter) RecordScalar(tag string, value float64, step int) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.err != nil || w.file == nil {
		return
	}
	ev := ScalarEvent{
		WallTime: float64(w.now().UnixNano()) / 1e9,
		Step:     step,
		Tag:      tag,
		Value:    value,
	}
	if err := w.enc.Encode(ev); err != nil {
		w.err = errors.Wrapf(err, "write event %s", tag)
		klog.Errorf("Event writer: %v", w.err)
		return
	}
	w.count++
}

// Flush writes buffered events to the file.
func (w *EventWriter) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err == nil && w.buf != nil {
		if err := w.buf.Flush(); err != nil {
			w.err = errors.Wrap(err, "flush events")
		}
	}
	return w.err
}

// Close flushes and closes the file.
func (w *EventWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return w.err
	}
	if w.err == nil {
		if err := w.buf.Flush(); err != nil {
			w.err = errors.Wrap(err, "flush events")
		}
	}
	if err := w.file.Close(); err != nil && w.err == nil {
		w.err = errors.Wrap(err, "close event file")
	}
	w.file = nil
	klog.V(1).Infof("Wrote %d scalar events to %s", w.count, w.dir)
	return w.err
}

// ReadEvents parses a JSON-lines event file.
func ReadEvents(path string) ([]ScalarEvent, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open event file")
	}
	defer f.Close()

	var events []ScalarEvent
	dec := json.NewDecoder(f)
	for dec.More() {
		var ev ScalarEvent
		if err := dec.Decode(&ev); err != nil {
			return nil, errors.Wrapf(err, "decode event %d", len(events))
		}
		events = append(events, ev)
	}
	return events, nil
}

// MemorySink keeps events in memory.
type MemorySink struct {
	mu     sync.Mutex
	events []ScalarEvent
	closed bool
}

func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (m *MemorySink) RecordScalar(tag string, value float64, step int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ScalarEvent{
		WallTime: float64(time.Now().UnixNano()) / 1e9,
		Step:     step,
		Tag:      tag,
		Value:    value,
	})
}

func (m *MemorySink) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Closed reports whether Close was called.
func (m *MemorySink) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Events returns a copy of all events in arrival order.
func (m *MemorySink) Events() []ScalarEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ScalarEvent(nil), m.events...)
}

// Scalars returns the events recorded under tag.
func (m *MemorySink) Scalars(tag string) []ScalarEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ScalarEvent
	for _, ev := range m.events {
		if ev.Tag == tag {
			out = append(out, ev)
		}
	}
	return out
}

// MultiSink fans events out to several sinks.
type MultiSink []ScalarSink

func (ms MultiSink) RecordScalar(tag string, value float64, step int) {
	for _, s := range ms {
		s.RecordScalar(tag, value, step)
	}
}

// OpenRunSinks returns the sinks for a training run: an EventWriter under
// cfg.ModelsDir followed by extra. When no epoch remains the event file is
// not created and only extra is returned.
func OpenRunSinks(cfg *config.Config, started time.Time, session string, extra ...ScalarSink) (MultiSink, error) {
	if !cfg.Pending() {
		return MultiSink(extra), nil
	}
	events, err := NewEventWriter(cfg.ModelsDir(), started, session)
	if err != nil {
		return nil, err
	}
	klog.Infof("Writing telemetry to %s", events.Path())
	return append(MultiSink{events}, extra...), nil
}

// Close closes every sink and returns the first error.
func (ms MultiSink) Close() error {
	var first error
	for _, s := range ms {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
