package prompt

import "github.com/stupiduntilnot/parley/internal/history"

// Message is a model-agnostic chat message used across the prompt pipeline.
type Message struct {
	Role    history.Role
	Content string
}

// Stack is the ordered prompt for one exchange: a system entry, optional
// history oldest first, and the new user entry.
type Stack []Message

// Utterance returns the content of the final user entry, or "" when the
// stack does not end with one.
func (s Stack) Utterance() string {
	if len(s) == 0 || s[len(s)-1].Role != history.RoleUser {
		return ""
	}
	return s[len(s)-1].Content
}

// HistoryLen is the number of entries between the system and user entries.
func (s Stack) HistoryLen() int {
	if len(s) < 2 {
		return 0
	}
	return len(s) - 2
}
