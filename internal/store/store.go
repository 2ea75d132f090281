// Package store persists reconciliation events to a line-delimited JSON
// journal.
//
// Each correction is appended as one JSON object per line, so the file
// survives crashes mid-write with at most one truncated trailing line.
// Opening the journal replays the existing file: well-formed lines are
// counted and the most recent ones kept in memory, malformed lines are
// skipped rather than failing the whole replay.
package store

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rbitts/kis-trading-gateway-repo/pkg/types"
)

// recentLimit bounds the in-memory tail of the journal.
const recentLimit = 100

// Journal is an append-only reconciliation event log backed by one file.
// All operations are mutex-protected to prevent interleaved writes.
type Journal struct {
	path string

	mu        sync.Mutex
	file      *os.File
	recent    []types.ReconciliationEvent
	persisted int
}

// Open creates the journal's parent directory if needed, replays any
// existing file, and opens it for appending.
func Open(path string) (*Journal, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create journal dir: %w", err)
		}
	}

	j := &Journal{path: path}
	if err := j.replay(); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	j.file = f
	return j, nil
}

// replay loads prior events from disk. A missing file is a fresh journal.
func (j *Journal) replay() error {
	f, err := os.Open(j.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read journal: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev types.ReconciliationEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			continue
		}
		j.persisted++
		j.recent = append(j.recent, ev)
		if len(j.recent) > recentLimit {
			j.recent = j.recent[1:]
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan journal: %w", err)
	}
	return nil
}

// Append writes one event as a JSON line and records it in the tail.
func (j *Journal) Append(ev types.ReconciliationEvent) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := j.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append event: %w", err)
	}

	j.persisted++
	j.recent = append(j.recent, ev)
	if len(j.recent) > recentLimit {
		j.recent = j.recent[1:]
	}
	return nil
}

// Recent returns a copy of the most recent events, oldest first.
func (j *Journal) Recent() []types.ReconciliationEvent {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]types.ReconciliationEvent, len(j.recent))
	copy(out, j.recent)
	return out
}

// PersistedCount returns the number of events ever written, including
// those replayed from a previous run.
func (j *Journal) PersistedCount() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.persisted
}

// Close flushes nothing (writes are unbuffered) and releases the file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return nil
	}
	err := j.file.Close()
	j.file = nil
	return err
}
