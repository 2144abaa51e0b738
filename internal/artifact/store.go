// Package artifact provides an append-only store for text blobs produced by
// agent activity (final reports, progress messages, command output).
//
// Blobs are written once under an opaque id and never mutated. An index
// record is appended per blob so the store can be audited without reading
// every file.
package artifact

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	dirName       = "artifacts"
	indexBasename = "index.jsonl"
)

var idRe = regexp.MustCompile(`^\d+-[0-9a-f]{8}$`)

// IndexRecord is one line of the append-only index.
type IndexRecord struct {
	ID   string            `json:"id"`
	Kind string            `json:"kind"`
	TS   int64             `json:"ts"`
	Meta map[string]string `json:"meta,omitempty"`
}

// Store persists immutable text artifacts under a state directory.
type Store struct {
	dir string

	mu sync.Mutex
}

// NewStore creates a store rooted at stateDir/artifacts.
func NewStore(stateDir string) *Store {
	return &Store{dir: filepath.Join(stateDir, dirName)}
}

// StoreText persists a text artifact and returns its identifier.
func (s *Store) StoreText(kind, body string, meta map[string]string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create artifact dir: %w", err)
	}

	now := time.Now().Unix()
	id := fmt.Sprintf("%d-%s", now, strings.ReplaceAll(uuid.NewString(), "-", "")[:8])

	if err := os.WriteFile(s.blobPath(id), []byte(body), 0644); err != nil {
		return "", fmt.Errorf("failed to write artifact %s: %w", id, err)
	}

	record := IndexRecord{ID: id, Kind: kind, TS: now, Meta: meta}
	line, err := json.Marshal(record)
	if err != nil {
		return "", fmt.Errorf("failed to marshal index record: %w", err)
	}

	f, err := os.OpenFile(filepath.Join(s.dir, indexBasename), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return "", fmt.Errorf("failed to open artifact index: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return "", fmt.Errorf("failed to append index record: %w", err)
	}

	return id, nil
}

// LoadText loads a stored artifact, truncated to maxChars when positive.
// The second return value is the untruncated length.
func (s *Store) LoadText(id string, maxChars int) (string, int, error) {
	if !idRe.MatchString(id) {
		return "", 0, fmt.Errorf("invalid artifact id %q", id)
	}

	data, err := os.ReadFile(s.blobPath(id))
	if err != nil {
		return "", 0, fmt.Errorf("failed to read artifact %s: %w", id, err)
	}

	text := string(data)
	total := len(text)
	if maxChars > 0 && total > maxChars {
		text = text[:maxChars]
	}
	return text, total, nil
}

func (s *Store) blobPath(id string) string {
	return filepath.Join(s.dir, id+".txt")
}
