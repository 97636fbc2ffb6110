// Package tracing keeps a rolling runtime trace so a stress run can dump
// what the writer and readers were doing when something went wrong.
package tracing

import (
	"errors"
	"fmt"
	"io"
	"os"
	"runtime/trace"
	"sync"
	"time"
)

// DefaultBufferSize is the default size of the trace ring buffer (10MB).
const DefaultBufferSize = 10 * 1024 * 1024

// ErrNotRunning is returned when a snapshot is requested from a recorder
// that is not running.
var ErrNotRunning = errors.New("trace recorder not running")

// Recorder wraps a runtime FlightRecorder. A nil *Recorder is valid and
// never running.
type Recorder struct {
	mu       sync.Mutex
	recorder *trace.FlightRecorder
}

// Start begins recording into a ring buffer of bufferSize bytes holding at
// least minAge of history. Only one recorder may run per process.
func Start(bufferSize int64, minAge time.Duration) (*Recorder, error) {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	if minAge <= 0 {
		minAge = 10 * time.Second
	}

	fr := trace.NewFlightRecorder(trace.FlightRecorderConfig{
		MinAge:   minAge,
		MaxBytes: uint64(bufferSize),
	})
	if err := fr.Start(); err != nil {
		return nil, fmt.Errorf("start flight recorder: %w", err)
	}
	return &Recorder{recorder: fr}, nil
}

// Running reports whether r is recording.
func (r *Recorder) Running() bool {
	if r == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recorder != nil
}

// Snapshot writes the buffered trace to w in the `go tool trace` format.
func (r *Recorder) Snapshot(w io.Writer) error {
	if r == nil {
		return ErrNotRunning
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.recorder == nil {
		return ErrNotRunning
	}
	_, err := r.recorder.WriteTo(w)
	return err
}

// SnapshotFile writes the buffered trace to a new file at path.
func (r *Recorder) SnapshotFile(path string) error {
	if !r.Running() {
		return ErrNotRunning
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create trace file: %w", err)
	}
	if err := r.Snapshot(f); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// Stop stops recording. It is safe to call Stop multiple times.
func (r *Recorder) Stop() {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.recorder != nil {
		r.recorder.Stop()
		r.recorder = nil
	}
}
