package infrastructure

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DeadLetterEntry is one captured message that failed ingestion.
type DeadLetterEntry struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Topic     string    `json:"topic"`
	Payload   []byte    `json:"payload"`
	Error     string    `json:"error"`
}

// DeadLetterJournal is an append-only file journal for telemetry whose
// ingest transaction failed, so messages are never silently lost. Entries
// are newline-delimited JSON; operators replay them by re-publishing the
// payload to its topic.
type DeadLetterJournal struct {
	path         string
	file         *os.File
	mu           sync.Mutex
	rotationSize int64
	currentSize  int64
}

// NewDeadLetterJournal opens (or creates) the journal file at path.
func NewDeadLetterJournal(path string) (*DeadLetterJournal, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create dead letter directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open dead letter journal: %w", err)
	}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat dead letter journal: %w", err)
	}

	return &DeadLetterJournal{
		path:         path,
		file:         file,
		currentSize:  stat.Size(),
		rotationSize: 100 * 1024 * 1024, // 100MB
	}, nil
}

// Append records a failed message. The write is synced to disk before
// returning.
func (j *DeadLetterJournal) Append(topic string, payload []byte, cause error) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	entry := DeadLetterEntry{
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
		Topic:     topic,
		Payload:   payload,
		Error:     cause.Error(),
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal dead letter entry: %w", err)
	}

	if _, err := j.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to write dead letter entry: %w", err)
	}
	if err := j.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync dead letter journal: %w", err)
	}

	j.currentSize += int64(len(line) + 1)
	if j.currentSize > j.rotationSize {
		if err := j.rotate(); err != nil {
			return fmt.Errorf("failed to rotate dead letter journal: %w", err)
		}
	}

	return nil
}

// ReadAll returns every entry in the current journal file. Corrupted lines
// are skipped.
func (j *DeadLetterJournal) ReadAll() ([]DeadLetterEntry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if _, err := j.file.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("failed to seek dead letter journal: %w", err)
	}

	var entries []DeadLetterEntry
	scanner := bufio.NewScanner(j.file)
	for scanner.Scan() {
		var entry DeadLetterEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read dead letter journal: %w", err)
	}

	if _, err := j.file.Seek(0, io.SeekEnd); err != nil {
		return nil, fmt.Errorf("failed to seek to end of dead letter journal: %w", err)
	}

	return entries, nil
}

// rotate archives the current file and starts a fresh one.
func (j *DeadLetterJournal) rotate() error {
	if err := j.file.Close(); err != nil {
		return err
	}

	archivePath := fmt.Sprintf("%s.%d", j.path, time.Now().Unix())
	if err := os.Rename(j.path, archivePath); err != nil {
		return err
	}

	file, err := os.OpenFile(j.path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}

	j.file = file
	j.currentSize = 0
	return nil
}

// Stats returns journal statistics for the health surface.
func (j *DeadLetterJournal) Stats() map[string]interface{} {
	j.mu.Lock()
	defer j.mu.Unlock()

	return map[string]interface{}{
		"path": j.path,
		"size": j.currentSize,
	}
}

// Close syncs and closes the journal.
func (j *DeadLetterJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.file == nil {
		return nil
	}
	if err := j.file.Sync(); err != nil {
		return err
	}
	return j.file.Close()
}
