package prompt

import (
	"context"
	"errors"
	"strings"

	"github.com/stupiduntilnot/parley/internal/history"
)

// ErrIdleInput means the utterance was blank. The caller skips the exchange:
// no prompt, no turns, no reply.
var ErrIdleInput = errors.New("prompt: utterance is empty")

// HistoryReader is the part of history.Store the assembler needs.
type HistoryReader interface {
	FetchRecentTurns(ctx context.Context, userID int64, limit int) ([]history.Turn, error)
	ContextPreference(ctx context.Context, userID int64) (bool, error)
}

// Session builds prompt stacks from a user's stored history.
type Session struct {
	History   HistoryReader
	Assembler StandardAssembler
}

func NewSession(h HistoryReader) *Session {
	return &Session{History: h}
}

// BuildStack assembles the prompt for a new utterance. History is included
// only when the user's context preference is on, capped at historyLimit
// turns. Storage failures are returned unchanged.
func (s *Session) BuildStack(ctx context.Context, userID int64, utterance, systemPrompt string, historyLimit int) (Stack, error) {
	utterance = strings.TrimSpace(utterance)
	if utterance == "" {
		return nil, ErrIdleInput
	}

	useContext, err := s.History.ContextPreference(ctx, userID)
	if err != nil {
		return nil, err
	}

	var turns []history.Turn
	if useContext {
		turns, err = s.History.FetchRecentTurns(ctx, userID, historyLimit)
		if err != nil {
			return nil, err
		}
	}
	return s.Assembler.Assemble(systemPrompt, turns, utterance), nil
}
