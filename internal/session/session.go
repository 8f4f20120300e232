// Package session implements the bounded per-agent conversation log
// with lossy compression into a running summary.
package session

import (
	"fmt"
	"strings"
	"sync"

	"github.com/agentgrid/agentgrid/pkg/models"
)

const (
	// DefaultMaxLen bounds the log before compression kicks in.
	DefaultMaxLen = 80

	// keepRatio is the fraction of max_len retained on compression.
	keepRatio = 0.6

	// summaryCap bounds the running summary; older text is head-dropped.
	summaryCap = 3000

	userBulletMax   = 80
	resultBulletMax = 50
)

// Session is one agent's conversation memory: an ordered message log
// plus a running text summary of everything compressed away. A session
// is owned by exactly one worker; the mutex only guards read access
// from the history surface.
type Session struct {
	mu        sync.Mutex
	log       []models.Message
	summary   string
	maxLen    int
	userTurns int
}

// New creates a session. maxLen <= 0 selects DefaultMaxLen.
func New(maxLen int) *Session {
	if maxLen <= 0 {
		maxLen = DefaultMaxLen
	}
	return &Session{maxLen: maxLen}
}

// Append records a message, compressing the log when it overflows.
// Re-appending a message identical to the current tail is a no-op.
func (s *Session) Append(msg models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n := len(s.log); n > 0 && messagesEqual(s.log[n-1], msg) {
		return
	}
	s.log = append(s.log, msg)
	if msg.Role == models.RoleUser {
		s.userTurns++
	}
	if len(s.log) > s.maxLen {
		s.compress()
	}
}

// RemoveLast drops the trailing entry, if any.
func (s *Session) RemoveLast() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.log) > 0 {
		s.log = s.log[:len(s.log)-1]
	}
}

// RollbackOpenToolExchange restores the pairing invariant after a
// stream fault. When the trailing assistant-with-tool-calls entry is
// not yet answered by its complete tool-result set, that entry and any
// partial results are removed so a retry starts from a clean boundary.
// A fully answered exchange is left intact. Reports whether anything
// was removed.
func (s *Session) RollbackOpenToolExchange() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	trailing := 0
	for i := len(s.log) - 1; i >= 0 && s.log[i].Role == models.RoleTool; i-- {
		trailing++
	}
	anchor := len(s.log) - trailing - 1
	if anchor < 0 || !s.log[anchor].HasToolCalls() {
		return false
	}
	if trailing >= len(s.log[anchor].ToolCalls) {
		return false
	}
	s.log = s.log[:anchor]
	return true
}

// Messages returns the view handed to the model: the system entry, a
// synthetic summary exchange when a summary exists (keeping the strict
// role alternation some providers require), then the live log. The
// synthetic pair is never persisted.
func (s *Session) Messages() []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.Message, 0, len(s.log)+3)
	rest := s.log
	if len(rest) > 0 && rest[0].Role == models.RoleSystem {
		out = append(out, rest[0])
		rest = rest[1:]
	}
	if s.summary != "" {
		out = append(out,
			models.UserMessage("here is the context summary of our earlier conversation:\n"+s.summary),
			models.AssistantMessage("acknowledged", nil),
		)
	}
	return append(out, rest...)
}

// Log returns a snapshot of the raw log.
func (s *Session) Log() []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Message, len(s.log))
	copy(out, s.log)
	return out
}

// Summary returns the running summary text.
func (s *Session) Summary() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.summary
}

// UserTurns returns the number of user entries ever appended.
func (s *Session) UserTurns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userTurns
}

// Len returns the current log length.
func (s *Session) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.log)
}

// Compress forces a compression pass. Compressing an already-compact
// log is a no-op, so back-to-back calls are idempotent.
func (s *Session) Compress() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.log) > s.keepCount()+1 {
		s.compress()
	}
}

func (s *Session) keepCount() int {
	return int(float64(s.maxLen) * keepRatio)
}

// compress drops the oldest entries into the summary. The cut never
// separates an assistant-with-tool-calls from its tool results: the
// retention window expands until the boundary is clean.
func (s *Session) compress() {
	var system *models.Message
	rest := s.log
	if len(rest) > 0 && rest[0].Role == models.RoleSystem {
		system = &rest[0]
		rest = rest[1:]
	}

	keep := s.keepCount()
	if keep >= len(rest) {
		return
	}
	cut := len(rest) - keep

	// Expand the window until the first retained entry is not a
	// dangling tool result.
	for cut > 0 && rest[cut].Role == models.RoleTool {
		cut--
	}
	if cut == 0 {
		return
	}

	dropped := rest[:cut]
	kept := rest[cut:]

	s.appendSummary(summarize(dropped))

	newLog := make([]models.Message, 0, len(kept)+1)
	if system != nil {
		newLog = append(newLog, *system)
	}
	s.log = append(newLog, kept...)
}

func (s *Session) appendSummary(text string) {
	if text == "" {
		return
	}
	if s.summary != "" {
		s.summary += "\n"
	}
	s.summary += text
	if len(s.summary) > summaryCap {
		runes := []rune(s.summary)
		if len(runes) > summaryCap {
			s.summary = "…" + string(runes[len(runes)-summaryCap:])
		}
	}
}

// summarize renders dropped entries as a bullet list: one bullet per
// user turn and content-bearing assistant turn, one naming each tool an
// assistant invoked, and an indented bullet per tool result.
func summarize(dropped []models.Message) string {
	var b strings.Builder
	for _, msg := range dropped {
		switch msg.Role {
		case models.RoleUser:
			fmt.Fprintf(&b, "- user: %s\n", models.Truncate(msg.Content, userBulletMax))
		case models.RoleAssistant:
			if msg.Content != "" {
				fmt.Fprintf(&b, "- assistant: %s\n", models.Truncate(msg.Content, userBulletMax))
			}
			for _, call := range msg.ToolCalls {
				fmt.Fprintf(&b, "- assistant called %s\n", call.Name)
			}
		case models.RoleTool:
			fmt.Fprintf(&b, "  - result: %s\n", models.Truncate(msg.Content, resultBulletMax))
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func messagesEqual(a, b models.Message) bool {
	if a.Role != b.Role || a.Content != b.Content || a.ToolCallID != b.ToolCallID {
		return false
	}
	if len(a.ToolCalls) != len(b.ToolCalls) {
		return false
	}
	for i := range a.ToolCalls {
		if a.ToolCalls[i] != b.ToolCalls[i] {
			return false
		}
	}
	return true
}
