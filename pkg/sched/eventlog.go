package sched

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
)

// EventSource yields a map's events incrementally. ReadEvents returns the
// events found at or after offset together with the offset to resume from.
// Reading past the end returns no events and the same offset.
type EventSource interface {
	ReadEvents(ctx context.Context, offset int64) (events []Event, next int64, err error)
}

// AppendEvent appends one event to a JSONL event log, creating the file on
// first use. Each event is written with a single write call so concurrent
// readers never see a torn line.
func AppendEvent(path string, ev Event) error {
	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return f.Sync()
}

// FileEvents reads a JSONL event log from disk. A missing file means no
// events have been emitted yet and is not an error, which lets trackers
// start polling before the scheduler's first write.
type FileEvents struct {
	Path string
}

func (f FileEvents) ReadEvents(ctx context.Context, offset int64) ([]Event, int64, error) {
	file, err := os.Open(f.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, offset, nil
		}
		return nil, offset, fmt.Errorf("open event log: %w", err)
	}
	defer file.Close()

	if _, err := file.Seek(offset, io.SeekStart); err != nil {
		return nil, offset, fmt.Errorf("seek event log: %w", err)
	}

	var (
		events []Event
		next   = offset
		reader = bufio.NewReader(file)
	)
	for {
		if err := ctx.Err(); err != nil {
			return events, next, err
		}
		line, err := reader.ReadBytes('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				// A trailing fragment without a newline is a write in
				// progress; leave it for the next read.
				return events, next, nil
			}
			return events, next, fmt.Errorf("read event log: %w", err)
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			return events, next, fmt.Errorf("parse event at offset %d: %w", next, err)
		}
		events = append(events, ev)
		next += int64(len(line))
	}
}
