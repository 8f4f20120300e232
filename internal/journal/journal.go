// Package journal persists per-agent day journals and the shared
// long-term memory file as append-only markdown under the workspace.
package journal

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Store appends and reads journal entries. All writes go through a
// single mutex; files are opened append-only per write.
type Store struct {
	mu   sync.Mutex
	root string
	now  func() time.Time
}

// New creates a store rooted at dir (created lazily).
func New(dir string) *Store {
	return &Store{root: dir, now: time.Now}
}

// WithNow overrides the clock for tests.
func (s *Store) WithNow(now func() time.Time) *Store {
	s.now = now
	return s
}

func (s *Store) dayPath(agentID string, day time.Time) string {
	return filepath.Join(s.root, "journal", sanitize(agentID), day.Format("2006-01-02")+".md")
}

func (s *Store) memoryPath() string {
	return filepath.Join(s.root, "memory.md")
}

// Append adds a timestamped entry to the agent's journal for today.
func (s *Store) Append(agentID, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	path := s.dayPath(agentID, now)
	entry := fmt.Sprintf("## %s\n\n%s\n\n", now.Format("15:04"), text)
	return appendFile(path, entry)
}

// ReadDay returns the agent's journal for the given day; empty string
// when none exists.
func (s *Store) ReadDay(agentID string, day time.Time) (string, error) {
	data, err := os.ReadFile(s.dayPath(agentID, day))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("read journal: %w", err)
	}
	return string(data), nil
}

// ReadLatestDay returns the most recent non-empty day journal for the
// agent, looking back at most seven days.
func (s *Store) ReadLatestDay(agentID string) (string, error) {
	now := s.now()
	for i := 0; i < 7; i++ {
		text, err := s.ReadDay(agentID, now.AddDate(0, 0, -i))
		if err != nil {
			return "", err
		}
		if strings.TrimSpace(text) != "" {
			return text, nil
		}
	}
	return "", nil
}

// Remember appends a fact to the shared long-term memory file.
func (s *Store) Remember(agentID, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := fmt.Sprintf("- [%s] %s: %s\n", s.now().Format("2006-01-02"), agentID, text)
	return appendFile(s.memoryPath(), entry)
}

// Memory returns the long-term memory file contents.
func (s *Store) Memory() (string, error) {
	data, err := os.ReadFile(s.memoryPath())
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("read memory: %w", err)
	}
	return string(data), nil
}

// Search scores memory lines against the query terms and returns the
// best matches, most relevant first. Matching is by substring; the
// recall tool calls it directly on the Store.
func (s *Store) Search(query string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 5
	}
	text, err := s.Memory()
	if err != nil {
		return nil, err
	}
	terms := strings.Fields(strings.ToLower(query))
	if len(terms) == 0 {
		return nil, nil
	}

	type scored struct {
		line  string
		score int
	}
	var hits []scored
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		lower := strings.ToLower(trimmed)
		score := 0
		for _, term := range terms {
			if strings.Contains(lower, term) {
				score++
			}
		}
		if score > 0 {
			hits = append(hits, scored{line: trimmed, score: score})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].score > hits[j].score })
	if len(hits) > limit {
		hits = hits[:limit]
	}
	out := make([]string, len(hits))
	for i, h := range hits {
		out[i] = h.line
	}
	return out, nil
}

func appendFile(path, entry string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create journal dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(entry); err != nil {
		return fmt.Errorf("append journal: %w", err)
	}
	return nil
}

func sanitize(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, id)
}
