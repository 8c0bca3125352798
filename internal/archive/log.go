package archive

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jehmal/darwin/internal/types"
)

const archiveLogName = "archive.log"

// logRecord is one line of the append-only archive log. Prior records are
// never rewritten, so a crash mid-write can at worst leave one torn trailing
// line, which the loader skips.
type logRecord struct {
	Generation int       `json:"generation"`
	Archive    []string  `json:"archive"`
	Metadata   Metadata  `json:"metadata"`
	Timestamp  time.Time `json:"timestamp"`
}

// PersistToDisk appends one record describing the archive at the given
// generation. The log is opened O_APPEND with a single writer per run.
func (m *Manager) PersistToDisk(generation int) error {
	m.mu.Lock()
	rec := logRecord{
		Generation: generation,
		Archive:    append([]string(nil), m.order...),
		Metadata:   m.meta,
		Timestamp:  time.Now().UTC(),
	}
	rec.Metadata.Convergence.GenerationalImprovement = append([]float64(nil), m.meta.Convergence.GenerationalImprovement...)
	m.lastGeneration = generation
	m.mu.Unlock()

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal archive record: %w", err)
	}

	path := filepath.Join(m.dataDir, archiveLogName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
	if err != nil {
		return fmt.Errorf("open archive log: %w: %v", types.ErrPersistence, err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append archive record: %w: %v", types.ErrPersistence, err)
	}
	return nil
}

// lastLogRecord returns the last complete record of an archive log, or nil
// when the log does not exist or holds no complete record.
func lastLogRecord(path string) (*logRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open archive log: %w", err)
	}
	defer f.Close()

	var last *logRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec logRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			// Torn trailing line from a crash mid-write.
			continue
		}
		r := rec
		last = &r
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan archive log: %w", err)
	}
	return last, nil
}
