// Package tasklist reads the CSV file that lists the files to fetch.
//
// The first row is a header naming a Source and a Destination column, matched
// case-insensitively. Every other row becomes one transfer.Task, in file order.
// Rows with the wrong number of fields or an empty path are skipped and
// reported as RowErrors; they never reach the transfer engine.
package tasklist

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"git.sr.ht/~spc/go-log"

	"github.com/Lkisever/tiny-sftp/internal/transfer"
)

const (
	sourceColumn      = "source"
	destinationColumn = "destination"
)

// ErrMissingColumn is returned when the header lacks a required column.
var ErrMissingColumn = errors.New("tasklist: missing required column")

// RowError describes a rejected row.
type RowError struct {
	Line   int
	Reason string
}

func (e RowError) Error() string {
	return fmt.Sprintf("line %d: %s", e.Line, e.Reason)
}

// Load reads the task list at path. Rejected rows are logged.
func Load(path string) ([]transfer.Task, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("tasklist: open %s: %w", path, err)
	}
	defer f.Close()

	tasks, rejected, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("tasklist: %s: %w", path, err)
	}
	for _, re := range rejected {
		log.Warnf("[TASKS] Skipping %s %v", path, re)
	}
	log.Infof("[TASKS] Loaded %d task(s) from %s (%d row(s) rejected)", len(tasks), path, len(rejected))
	return tasks, nil
}

// Parse reads a task list from r. It returns the accepted tasks in order and
// the rejected rows. The error is non-nil only when the list as a whole is
// unusable: no header, a missing column or an I/O failure.
func Parse(r io.Reader) ([]transfer.Task, []RowError, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	head, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil, fmt.Errorf("%w: empty file, expected a Source,Destination header", ErrMissingColumn)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("read header: %w", err)
	}

	src, dst, err := columns(head)
	if err != nil {
		return nil, nil, err
	}

	var (
		tasks    []transfer.Task
		rejected []RowError
	)
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		var pe *csv.ParseError
		if errors.As(err, &pe) {
			rejected = append(rejected, RowError{Line: pe.StartLine, Reason: pe.Err.Error()})
			continue
		}
		if err != nil {
			return nil, nil, fmt.Errorf("read row: %w", err)
		}

		line, _ := cr.FieldPos(0)
		if isBlank(rec) {
			continue
		}
		if len(rec) != len(head) {
			rejected = append(rejected, RowError{
				Line:   line,
				Reason: fmt.Sprintf("expected %d fields, got %d", len(head), len(rec)),
			})
			continue
		}

		task := transfer.Task{
			Source:      strings.TrimSpace(rec[src]),
			Destination: strings.TrimSpace(rec[dst]),
		}
		switch {
		case task.Source == "":
			rejected = append(rejected, RowError{Line: line, Reason: "empty Source"})
		case task.Destination == "":
			rejected = append(rejected, RowError{Line: line, Reason: "empty Destination"})
		default:
			tasks = append(tasks, task)
		}
	}
	return tasks, rejected, nil
}

func columns(head []string) (src, dst int, err error) {
	src, dst = -1, -1
	for i, name := range head {
		if i == 0 {
			name = strings.TrimPrefix(name, "\ufeff")
		}
		switch strings.ToLower(strings.TrimSpace(name)) {
		case sourceColumn:
			src = i
		case destinationColumn:
			dst = i
		}
	}

	var missing []string
	if src < 0 {
		missing = append(missing, "Source")
	}
	if dst < 0 {
		missing = append(missing, "Destination")
	}
	if len(missing) > 0 {
		return 0, 0, fmt.Errorf("%w: %s", ErrMissingColumn, strings.Join(missing, ", "))
	}
	return src, dst, nil
}

// isBlank is true for a line holding nothing but whitespace.
func isBlank(rec []string) bool {
	return len(rec) == 1 && strings.TrimSpace(rec[0]) == ""
}
