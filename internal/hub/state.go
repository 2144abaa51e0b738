package hub

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
)

var issueFileRe = regexp.MustCompile(`^issue-(\d+)\.json$`)

// IssueState is the durable per-issue record. It survives restarts so the
// watchdog can resume stall and budget tracking without replaying history.
type IssueState struct {
	Issue           int    `json:"issue"`
	Agent           string `json:"agent,omitempty"`
	Branch          string `json:"branch,omitempty"`
	Worktree        string `json:"worktree,omitempty"`
	StartedAt       int64  `json:"started_at,omitempty"`
	LastEventAt     int64  `json:"last_event_at,omitempty"`
	Nudges          int    `json:"nudges,omitempty"`
	StatusCommentID int64  `json:"status_comment_id,omitempty"`
	WrappingUp      bool   `json:"wrapping_up,omitempty"`
	Stalled         bool   `json:"stalled,omitempty"`
}

// StateStore persists IssueState documents as one JSON file per issue under
// <dir>/state. Writes are atomic via rename.
type StateStore struct {
	mu  sync.Mutex
	dir string
}

func NewStateStore(stateDir string) (*StateStore, error) {
	dir := filepath.Join(stateDir, "state")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	return &StateStore{dir: dir}, nil
}

func (s *StateStore) path(issue int) string {
	return filepath.Join(s.dir, fmt.Sprintf("issue-%d.json", issue))
}

// Save writes the record for st.Issue, replacing any previous one.
func (s *StateStore) Save(st IssueState) error {
	if st.Issue <= 0 {
		return fmt.Errorf("save state: issue number is required")
	}
	raw, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state for issue %d: %w", st.Issue, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	tmp := s.path(st.Issue) + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write state for issue %d: %w", st.Issue, err)
	}
	if err := os.Rename(tmp, s.path(st.Issue)); err != nil {
		return fmt.Errorf("commit state for issue %d: %w", st.Issue, err)
	}
	return nil
}

// Load returns the record for an issue. ok is false when none exists.
func (s *StateStore) Load(issue int) (IssueState, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, err := os.ReadFile(s.path(issue))
	if os.IsNotExist(err) {
		return IssueState{}, false, nil
	}
	if err != nil {
		return IssueState{}, false, fmt.Errorf("read state for issue %d: %w", issue, err)
	}
	var st IssueState
	if err := json.Unmarshal(raw, &st); err != nil {
		return IssueState{}, false, fmt.Errorf("decode state for issue %d: %w", issue, err)
	}
	return st, true, nil
}

// LoadAll returns every persisted record. Corrupt files are skipped.
func (s *StateStore) LoadAll() ([]IssueState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list state dir: %w", err)
	}
	var out []IssueState
	for _, entry := range entries {
		if entry.IsDir() || !issueFileRe.MatchString(entry.Name()) {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			continue
		}
		var st IssueState
		if err := json.Unmarshal(raw, &st); err != nil {
			continue
		}
		out = append(out, st)
	}
	return out, nil
}

// Delete removes the record for an issue. Missing records are not an error.
func (s *StateStore) Delete(issue int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path(issue)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete state for issue %d: %w", issue, err)
	}
	return nil
}
