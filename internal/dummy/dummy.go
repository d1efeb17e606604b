// Package dummy provides scripted stand-ins for the transport and the model
// backends. Scripts are comma-separated actions; the last action repeats
// once the script is exhausted.
package dummy

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	cmdpkg "github.com/stupiduntilnot/parley/internal/commander"
	"github.com/stupiduntilnot/parley/internal/model"
	"github.com/stupiduntilnot/parley/internal/prompt"
)

// DefaultUserID is the sender of scripted updates.
const DefaultUserID = 1

type action struct {
	kind string
	arg  string
}

var actionKinds = []string{"err", "sleep", "msg", "msgb64", "voice", "voiceb64", "seg", "empty"}

func parseScript(script string) ([]action, error) {
	if strings.TrimSpace(script) == "" {
		return []action{{kind: "ok"}}, nil
	}
	parts := strings.Split(script, ",")
	actions := make([]action, 0, len(parts))
	for _, p := range parts {
		token := strings.TrimSpace(p)
		if token == "" {
			continue
		}
		if token == "ok" || token == "empty" {
			actions = append(actions, action{kind: token})
			continue
		}
		parsed := false
		for _, kind := range actionKinds {
			if strings.HasPrefix(token, kind+":") {
				actions = append(actions, action{kind: kind, arg: strings.TrimPrefix(token, kind+":")})
				parsed = true
				break
			}
		}
		if !parsed {
			return nil, fmt.Errorf("invalid dummy action: %s", token)
		}
	}
	if len(actions) == 0 {
		actions = append(actions, action{kind: "ok"})
	}
	return actions, nil
}

type scriptRunner struct {
	actions []action
	index   int
}

func newRunner(script string) (*scriptRunner, error) {
	actions, err := parseScript(script)
	if err != nil {
		return nil, err
	}
	return &scriptRunner{actions: actions}, nil
}

func (r *scriptRunner) next() action {
	if len(r.actions) == 0 {
		return action{kind: "ok"}
	}
	if r.index >= len(r.actions) {
		return r.actions[len(r.actions)-1]
	}
	a := r.actions[r.index]
	r.index++
	return a
}

// decodeArg returns the literal argument, base64-decoding b64 variants.
func decodeArg(a action) (string, error) {
	if !strings.HasSuffix(a.kind, "b64") {
		return a.arg, nil
	}
	raw, err := base64.StdEncoding.DecodeString(a.arg)
	if err != nil {
		return "", fmt.Errorf("dummy %s decode failed: %w", a.kind, err)
	}
	return string(raw), nil
}

func sleepCtx(ctx context.Context, arg string) error {
	ms, _ := strconv.Atoi(arg)
	if ms <= 0 {
		return nil
	}
	select {
	case <-time.After(time.Duration(ms) * time.Millisecond):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sent is one message delivered through the dummy commander.
type Sent struct {
	ChatID int64
	Text   string
}

// Commander is a scripted commander.Commander. Poll actions: ok, err:<class>,
// sleep:<ms>, msg:<text>, msgb64:<b64>, voice:<text>, voiceb64:<b64>. A voice
// action stores its text as the downloadable file contents.
type Commander struct {
	mu       sync.Mutex
	poll     *scriptRunner
	send     *scriptRunner
	updateID int64
	files    map[string][]byte
	sent     []Sent
	actions  []string
}

func NewCommander(pollScript, sendScript string) (*Commander, error) {
	poll, err := newRunner(pollScript)
	if err != nil {
		return nil, err
	}
	send, err := newRunner(sendScript)
	if err != nil {
		return nil, err
	}
	return &Commander{poll: poll, send: send, updateID: 1, files: make(map[string][]byte)}, nil
}

func (c *Commander) GetUpdates(ctx context.Context, offset int64, timeout int) ([]cmdpkg.Update, error) {
	c.mu.Lock()
	a := c.poll.next()
	c.mu.Unlock()

	switch a.kind {
	case "err":
		return nil, fmt.Errorf("dummy commander error class=%s", emptyAs(a.arg, "command_source_api"))
	case "sleep":
		return nil, sleepCtx(ctx, a.arg)
	case "msg", "msgb64":
		text, err := decodeArg(a)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		return []cmdpkg.Update{c.nextUpdate(&cmdpkg.Message{Text: &text})}, nil
	case "voice", "voiceb64":
		text, err := decodeArg(a)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		fileID := fmt.Sprintf("dummy-file-%d", c.updateID+1)
		c.files[fileID] = []byte(text)
		return []cmdpkg.Update{c.nextUpdate(&cmdpkg.Message{
			Voice: &cmdpkg.Audio{FileID: fileID, MimeType: "audio/ogg"},
		})}, nil
	default:
		return nil, nil
	}
}

// nextUpdate must be called with c.mu held.
func (c *Commander) nextUpdate(msg *cmdpkg.Message) cmdpkg.Update {
	c.updateID++
	msg.MessageID = c.updateID
	msg.From = &cmdpkg.User{ID: DefaultUserID}
	msg.Chat = cmdpkg.Chat{ID: DefaultUserID}
	msg.Date = time.Now().Unix()
	return cmdpkg.Update{UpdateID: c.updateID, Message: msg}
}

// SendMessage actions: ok, err:<class>, sleep:<ms>.
func (c *Commander) SendMessage(ctx context.Context, chatID int64, text string) error {
	c.mu.Lock()
	a := c.send.next()
	c.mu.Unlock()

	switch a.kind {
	case "err":
		return fmt.Errorf("dummy commander send error class=%s", emptyAs(a.arg, "command_source_api"))
	case "sleep":
		if err := sleepCtx(ctx, a.arg); err != nil {
			return err
		}
	}
	c.mu.Lock()
	c.sent = append(c.sent, Sent{ChatID: chatID, Text: text})
	c.mu.Unlock()
	return nil
}

func (c *Commander) SendChatAction(_ context.Context, _ int64, action string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.actions = append(c.actions, action)
	return nil
}

func (c *Commander) DownloadFile(_ context.Context, fileID string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, ok := c.files[fileID]
	if !ok {
		return nil, fmt.Errorf("dummy commander: unknown file %s", fileID)
	}
	return data, nil
}

// Sent returns a copy of the delivered messages.
func (c *Commander) Sent() []Sent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Sent(nil), c.sent...)
}

// Actions returns a copy of the chat actions received.
func (c *Commander) Actions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.actions...)
}

// Completer is a scripted model.Completer. Actions: ok replies
// "dummy-ok", err:<class>, sleep:<ms>, msg:<text>, msgb64:<b64>,
// seg:<text> (segments only), empty.
type Completer struct {
	mu     sync.Mutex
	script *scriptRunner
	calls  []prompt.Stack
}

func NewCompleter(script string) (*Completer, error) {
	runner, err := newRunner(script)
	if err != nil {
		return nil, err
	}
	return &Completer{script: runner}, nil
}

func (p *Completer) Generate(ctx context.Context, stack prompt.Stack, _ string, _ int) (model.Completion, error) {
	p.mu.Lock()
	a := p.script.next()
	p.calls = append(p.calls, append(prompt.Stack(nil), stack...))
	p.mu.Unlock()

	switch a.kind {
	case "err":
		return model.Completion{}, fmt.Errorf("dummy provider error class=%s", emptyAs(a.arg, "provider_api"))
	case "sleep":
		if err := sleepCtx(ctx, a.arg); err != nil {
			return model.Completion{}, err
		}
		return completion("dummy-after-sleep"), nil
	case "msg", "msgb64":
		text, err := decodeArg(a)
		if err != nil {
			return model.Completion{}, err
		}
		return completion(text), nil
	case "seg":
		return model.Completion{Segments: strings.Split(a.arg, "|"), InputTokens: 1, OutputTokens: 1}, nil
	case "empty":
		return model.Completion{InputTokens: 1}, nil
	default:
		return completion("dummy-ok"), nil
	}
}

// Calls returns the stacks passed to Generate, in call order.
func (p *Completer) Calls() []prompt.Stack {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]prompt.Stack(nil), p.calls...)
}

func completion(text string) model.Completion {
	return model.Completion{OutputText: text, InputTokens: 1, OutputTokens: 1}
}

// Transcriber is a scripted model.Transcriber. Actions: ok echoes the audio
// file contents, err:<class>, msg:<text>, msgb64:<b64>, empty.
type Transcriber struct {
	mu     sync.Mutex
	script *scriptRunner
}

func NewTranscriber(script string) (*Transcriber, error) {
	runner, err := newRunner(script)
	if err != nil {
		return nil, err
	}
	return &Transcriber{script: runner}, nil
}

func (t *Transcriber) Transcribe(ctx context.Context, audioPath, _ string) (string, error) {
	t.mu.Lock()
	a := t.script.next()
	t.mu.Unlock()

	switch a.kind {
	case "err":
		return "", fmt.Errorf("dummy transcriber error class=%s", emptyAs(a.arg, "provider_api"))
	case "sleep":
		if err := sleepCtx(ctx, a.arg); err != nil {
			return "", err
		}
		return echo(audioPath)
	case "msg", "msgb64":
		return decodeArg(a)
	case "empty":
		return "", nil
	default:
		return echo(audioPath)
	}
}

func echo(audioPath string) (string, error) {
	data, err := os.ReadFile(audioPath)
	if err != nil {
		return "", fmt.Errorf("dummy transcriber: %w", err)
	}
	return string(data), nil
}

func emptyAs(v string, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
