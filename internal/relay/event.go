package relay

import (
	"strings"

	cmdpkg "github.com/stupiduntilnot/parley/internal/commander"
)

// Kind classifies an inbound event.
type Kind string

const (
	KindStart         Kind = "start"
	KindReset         Kind = "reset"
	KindToggleContext Kind = "toggle_context"
	KindText          Kind = "text"
	KindVoice         Kind = "voice"
)

// Event is one inbound event tagged with its sender.
type Event struct {
	UpdateID int64
	Kind     Kind
	UserID   int64
	ChatID   int64
	Text     string
	Audio    *cmdpkg.Audio
}

var commands = map[string]Kind{
	"/start": KindStart,
	"/reset": KindReset,
	"/ctx":   KindToggleContext,
}

// EventFromUpdate maps a transport update to an Event. It reports false for
// updates the relay does not handle. Unknown slash commands are treated as
// text.
func EventFromUpdate(u cmdpkg.Update) (Event, bool) {
	msg := u.Message
	if msg == nil {
		return Event{}, false
	}
	ev := Event{
		UpdateID: u.UpdateID,
		UserID:   msg.SenderID(),
		ChatID:   msg.Chat.ID,
	}

	if audio := msg.AudioAttachment(); audio != nil && audio.FileID != "" {
		ev.Kind = KindVoice
		ev.Audio = audio
		return ev, true
	}
	if msg.Text == nil {
		return Event{}, false
	}

	ev.Text = *msg.Text
	ev.Kind = KindText
	if kind, ok := commandKind(ev.Text); ok {
		ev.Kind = kind
	}
	return ev, true
}

// commandKind recognizes "/cmd", "/cmd@botname" and "/cmd args".
func commandKind(text string) (Kind, bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", false
	}
	name, _, _ := strings.Cut(text, " ")
	name, _, _ = strings.Cut(name, "@")
	kind, ok := commands[strings.ToLower(name)]
	return kind, ok
}
