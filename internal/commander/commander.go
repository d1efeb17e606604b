package commander

import "context"

// Chat actions understood by SendChatAction.
const (
	ActionTyping      = "typing"
	ActionRecordVoice = "record_voice"
)

// Commander is the transport abstraction used by the relay: it delivers
// inbound updates and carries replies back to the chat.
type Commander interface {
	GetUpdates(ctx context.Context, offset int64, timeout int) ([]Update, error)
	SendMessage(ctx context.Context, chatID int64, text string) error
	// SendChatAction shows a presence indicator. Callers treat it as best
	// effort.
	SendChatAction(ctx context.Context, chatID int64, action string) error
	DownloadFile(ctx context.Context, fileID string) ([]byte, error)
}

// Update represents an incoming update.
type Update struct {
	UpdateID int64    `json:"update_id"`
	Message  *Message `json:"message,omitempty"`
}

// Message represents a source message.
type Message struct {
	MessageID int64   `json:"message_id"`
	From      *User   `json:"from,omitempty"`
	Chat      Chat    `json:"chat"`
	Text      *string `json:"text,omitempty"`
	Voice     *Audio  `json:"voice,omitempty"`
	Audio     *Audio  `json:"audio,omitempty"`
	Date      int64   `json:"date"`
}

// User is the sender of a message.
type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username,omitempty"`
}

// Chat identifies a conversation.
type Chat struct {
	ID int64 `json:"id"`
}

// Audio covers both voice notes and audio files.
type Audio struct {
	FileID   string `json:"file_id"`
	MimeType string `json:"mime_type,omitempty"`
	FileName string `json:"file_name,omitempty"`
	Duration int    `json:"duration,omitempty"`
}

// SenderID returns the sender's user id, falling back to the chat id for
// updates without a sender.
func (m *Message) SenderID() int64 {
	if m.From != nil && m.From.ID != 0 {
		return m.From.ID
	}
	return m.Chat.ID
}

// AudioAttachment returns the voice note or audio file, preferring voice.
func (m *Message) AudioAttachment() *Audio {
	if m.Voice != nil {
		return m.Voice
	}
	return m.Audio
}

// FormatHint is the best available hint of the attachment's encoding.
func (a *Audio) FormatHint() string {
	if a.MimeType != "" {
		return a.MimeType
	}
	return a.FileName
}
