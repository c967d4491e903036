package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Lkisever/tiny-sftp/internal/transfer"
)

// BatchRecorder is the common interface for Recorder and NopRecorder.
// The batch runner depends on this interface, never on the concrete type.
type BatchRecorder interface {
	transfer.AttemptRecorder
	Finish(report transfer.Report) error
	Close() error
}

// header is the first line of a batch log.
type header struct {
	Version   int    `json:"version"`
	BatchID   string `json:"batch_id"`
	Remote    string `json:"remote"`
	Timestamp int64  `json:"timestamp"`
	Tasks     int    `json:"tasks"`
}

// event is one line after the header. Type is "attempt", "result" or "summary".
type event struct {
	Elapsed     float64 `json:"elapsed"`
	Type        string  `json:"type"`
	Source      string  `json:"source,omitempty"`
	Destination string  `json:"destination,omitempty"`
	Attempt     int     `json:"attempt,omitempty"`
	Outcome     string  `json:"outcome,omitempty"`
	Status      string  `json:"status,omitempty"`
	Error       string  `json:"error,omitempty"`
	DurationMs  int64   `json:"duration_ms,omitempty"`

	Succeeded *int   `json:"succeeded,omitempty"`
	Failed    *int   `json:"failed,omitempty"`
	Cancelled *int   `json:"cancelled,omitempty"`
	Fatal     string `json:"fatal,omitempty"`
}

// Recorder writes one batch run to a JSON-lines file: a header, one
// "attempt" line per attempt, one "result" line per task and a final
// "summary". Safe for concurrent use.
type Recorder struct {
	mu        sync.Mutex
	f         *os.File
	enc       *json.Encoder
	startTime time.Time
	closed    bool
}

// NopRecorder discards everything. Use it when the audit log is disabled
// so callers need no nil checks.
type NopRecorder struct{}

func (NopRecorder) RecordAttempt(transfer.Attempt) error { return nil }
func (NopRecorder) Finish(transfer.Report) error         { return nil }
func (NopRecorder) Close() error                         { return nil }

// NewRecorder creates a Recorder writing to storagePath/<batchID>.jsonl.
// The directory is created if it does not exist.
func NewRecorder(storagePath, batchID, remote string, tasks int) (*Recorder, error) {
	if storagePath == "" {
		return nil, fmt.Errorf("audit: storage path is empty")
	}

	if err := os.MkdirAll(storagePath, 0o755); err != nil {
		return nil, fmt.Errorf("audit: create storage dir: %w", err)
	}

	path := filepath.Join(storagePath, batchID+".jsonl")
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("audit: create log file %s: %w", path, err)
	}

	r := &Recorder{
		f:         f,
		enc:       json.NewEncoder(f),
		startTime: time.Now(),
	}

	h := header{
		Version:   1,
		BatchID:   batchID,
		Remote:    remote,
		Timestamp: r.startTime.Unix(),
		Tasks:     tasks,
	}
	if err := r.enc.Encode(h); err != nil {
		f.Close()
		return nil, fmt.Errorf("audit: write header: %w", err)
	}

	return r, nil
}

// RecordAttempt writes a single attempt.
func (r *Recorder) RecordAttempt(a transfer.Attempt) error {
	return r.write(event{
		Type:        "attempt",
		Source:      a.Task.Source,
		Destination: a.Task.Destination,
		Attempt:     a.Number,
		Outcome:     a.Outcome.String(),
		Error:       errText(a.Err),
		DurationMs:  a.Duration.Milliseconds(),
	})
}

// Finish writes one result line per task followed by the summary.
func (r *Recorder) Finish(report transfer.Report) error {
	for _, res := range report.Results {
		err := r.write(event{
			Type:        "result",
			Source:      res.Task.Source,
			Destination: res.Task.Destination,
			Attempt:     res.Attempts,
			Status:      res.Status.String(),
			Error:       res.Reason(),
		})
		if err != nil {
			return err
		}
	}

	succeeded, failed, cancelled := report.Counts()
	return r.write(event{
		Type:      "summary",
		Succeeded: &succeeded,
		Failed:    &failed,
		Cancelled: &cancelled,
		Fatal:     errText(report.Fatal),
	})
}

func (r *Recorder) write(ev event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return fmt.Errorf("audit: recorder already closed")
	}
	ev.Elapsed = time.Since(r.startTime).Seconds()
	return r.enc.Encode(ev)
}

// Close flushes and closes the underlying file.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	return r.f.Close()
}

// Path returns the path to the log file.
func (r *Recorder) Path() string {
	return r.f.Name()
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
