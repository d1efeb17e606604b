package prompt

import "github.com/stupiduntilnot/parley/internal/history"

// StandardAssembler combines system prompt, history, and user message
// into a single ordered message list.
type StandardAssembler struct{}

// Assemble builds the final message list: system + history + user.
func (a *StandardAssembler) Assemble(system string, turns []history.Turn, userMsg string) Stack {
	messages := make(Stack, 0, 1+len(turns)+1)
	messages = append(messages, Message{Role: history.RoleSystem, Content: system})
	for _, t := range turns {
		messages = append(messages, Message{Role: t.Role, Content: t.Content})
	}
	messages = append(messages, Message{Role: history.RoleUser, Content: userMsg})
	return messages
}
