package relay

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	cmdpkg "github.com/stupiduntilnot/parley/internal/commander"
	"github.com/stupiduntilnot/parley/internal/db"
	"github.com/stupiduntilnot/parley/internal/dummy"
	"github.com/stupiduntilnot/parley/internal/history"
	"github.com/stupiduntilnot/parley/internal/prompt"
	"github.com/stupiduntilnot/parley/internal/speech"
)

type recordedEvent struct {
	parent int64
	kind   string
}

type fakeJournal struct {
	mu     sync.Mutex
	nextID int64
	events []recordedEvent
}

func (j *fakeJournal) Log(parentID int64, eventType string, _ map[string]any) int64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.nextID++
	j.events = append(j.events, recordedEvent{parent: parentID, kind: eventType})
	return j.nextID
}

func (j *fakeJournal) has(kind string) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, e := range j.events {
		if e.kind == kind {
			return true
		}
	}
	return false
}

type fixture struct {
	svc       *Service
	store     history.Store
	commander *dummy.Commander
	completer *dummy.Completer
	journal   *fakeJournal
}

type fixtureOpts struct {
	completerScript   string
	transcriberScript string
	sendScript        string
	pollScript        string
	store             history.Store
	parseMode         string
}

func newFixture(t *testing.T, o fixtureOpts) *fixture {
	t.Helper()
	cmd, err := dummy.NewCommander(o.pollScript, o.sendScript)
	if err != nil {
		t.Fatal(err)
	}
	comp, err := dummy.NewCompleter(o.completerScript)
	if err != nil {
		t.Fatal(err)
	}
	tr, err := dummy.NewTranscriber(o.transcriberScript)
	if err != nil {
		t.Fatal(err)
	}
	store := o.store
	if store == nil {
		store = history.NewMemoryStore(true)
	}
	journal := &fakeJournal{}
	svc := &Service{
		Commander:  cmd,
		Store:      store,
		Session:    prompt.NewSession(store),
		Dispatcher: &Dispatcher{Completer: comp, History: store, Model: "test-model", MaxOutputTokens: 700},
		Speech:     &speech.Normalizer{Transcriber: tr, Model: "whisper-1", TempDir: t.TempDir()},
		Journal:    journal,
		Config: Config{
			SystemPrompt: "You are an assistant.",
			HistoryLimit: 12,
			ChunkLimit:   DefaultChunkLimit,
			ParseMode:    o.parseMode,
		},
	}
	return &fixture{svc: svc, store: store, commander: cmd, completer: comp, journal: journal}
}

func textEvent(text string) Event {
	return Event{UpdateID: 1, Kind: KindText, UserID: 42, ChatID: 42, Text: text}
}

// voiceEvent polls one scripted voice update so the file is downloadable.
func (f *fixture) voiceEvent(t *testing.T) Event {
	t.Helper()
	updates, err := f.commander.GetUpdates(context.Background(), 0, 0)
	if err != nil || len(updates) != 1 {
		t.Fatalf("expected one scripted voice update, got %v (%v)", updates, err)
	}
	ev, ok := EventFromUpdate(updates[0])
	if !ok || ev.Kind != KindVoice {
		t.Fatalf("expected voice event, got %+v", ev)
	}
	return ev
}

func sentTexts(c *dummy.Commander) []string {
	var out []string
	for _, s := range c.Sent() {
		out = append(out, s.Text)
	}
	return out
}

func TestHandle_TextExchange(t *testing.T) {
	f := newFixture(t, fixtureOpts{completerScript: "msg:Hi! How can I help?"})

	if err := f.svc.Handle(context.Background(), textEvent("hello")); err != nil {
		t.Fatal(err)
	}

	sent := sentTexts(f.commander)
	if len(sent) != 1 || sent[0] != "Hi! How can I help?" {
		t.Fatalf("unexpected sent messages %q", sent)
	}

	calls := f.completer.Calls()
	if len(calls) != 1 {
		t.Fatalf("expected 1 completion call, got %d", len(calls))
	}
	stack := calls[0]
	if len(stack) != 2 ||
		stack[0].Role != history.RoleSystem || stack[0].Content != "You are an assistant." ||
		stack[1].Role != history.RoleUser || stack[1].Content != "hello" {
		t.Fatalf("unexpected prompt stack %+v", stack)
	}

	turns, _ := f.store.FetchRecentTurns(context.Background(), 42, 10)
	if len(turns) != 2 || turns[0].Content != "hello" || turns[1].Content != "Hi! How can I help?" {
		t.Fatalf("unexpected turns %+v", turns)
	}
	if !f.journal.has(db.EventExchangeCompleted) || !f.journal.has(db.EventReplySent) {
		t.Fatalf("expected completion journal events, got %+v", f.journal.events)
	}
}

func TestHandle_SecondExchangeSeesHistory(t *testing.T) {
	f := newFixture(t, fixtureOpts{completerScript: "msg:first,msg:second"})
	ctx := context.Background()

	_ = f.svc.Handle(ctx, textEvent("one"))
	_ = f.svc.Handle(ctx, textEvent("two"))

	calls := f.completer.Calls()
	if len(calls) != 2 {
		t.Fatalf("expected 2 calls, got %d", len(calls))
	}
	second := calls[1]
	if len(second) != 4 || second[1].Content != "one" || second[2].Content != "first" || second[3].Content != "two" {
		t.Fatalf("unexpected second stack %+v", second)
	}
}

func TestHandle_HTMLEscapesReply(t *testing.T) {
	f := newFixture(t, fixtureOpts{completerScript: "msg:use <b> & </b>", parseMode: "HTML"})
	if err := f.svc.Handle(context.Background(), textEvent("tags?")); err != nil {
		t.Fatal(err)
	}
	sent := sentTexts(f.commander)
	if len(sent) != 1 || sent[0] != "use &lt;b&gt; &amp; &lt;/b&gt;" {
		t.Fatalf("expected escaped reply, got %q", sent)
	}
	// History keeps the raw text.
	turns, _ := f.store.FetchRecentTurns(context.Background(), 42, 10)
	if turns[1].Content != "use <b> & </b>" {
		t.Fatalf("expected raw reply in history, got %q", turns[1].Content)
	}
}

func TestHandle_LongReplyIsChunked(t *testing.T) {
	para := strings.Repeat("a", 1799)
	long := strings.Join([]string{para, para, para, para, para}, "\n")
	f := newFixture(t, fixtureOpts{completerScript: "msg:" + long})

	if err := f.svc.Handle(context.Background(), textEvent("long please")); err != nil {
		t.Fatal(err)
	}
	sent := sentTexts(f.commander)
	if len(sent) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(sent))
	}
	if strings.Join(sent, "\n") != long {
		t.Fatal("chunks delivered out of order")
	}
}

func TestHandle_CompletionErrorIsDiagnostic(t *testing.T) {
	f := newFixture(t, fixtureOpts{completerScript: "err:provider_down"})

	if err := f.svc.Handle(context.Background(), textEvent("hello")); err != nil {
		t.Fatalf("backend failure must not fail the exchange: %v", err)
	}
	sent := sentTexts(f.commander)
	if len(sent) != 1 || !strings.Contains(sent[0], "provider_down") {
		t.Fatalf("expected diagnostic reply, got %q", sent)
	}
	turns, _ := f.store.FetchRecentTurns(context.Background(), 42, 10)
	if len(turns) != 2 || turns[1].Role != history.RoleAssistant || turns[1].Content != sent[0] {
		t.Fatalf("expected diagnostic recorded as assistant turn, got %+v", turns)
	}
	if !f.journal.has(db.EventCompletionFailed) {
		t.Fatal("expected completion.failed journal event")
	}
}

func TestHandle_IdleTextSkipped(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	if err := f.svc.Handle(context.Background(), textEvent("  \n ")); err != nil {
		t.Fatalf("expected skip without error, got %v", err)
	}
	if len(f.commander.Sent()) != 0 || len(f.completer.Calls()) != 0 {
		t.Fatal("idle input must not reach the model or the chat")
	}
	if !f.journal.has(db.EventExchangeSkipped) {
		t.Fatal("expected exchange.skipped journal event")
	}
}

func TestHandle_VoiceExchange(t *testing.T) {
	f := newFixture(t, fixtureOpts{
		pollScript:      "voice:what time is it",
		completerScript: "msg:Noon.",
		parseMode:       "HTML",
	})
	ev := f.voiceEvent(t)

	if err := f.svc.Handle(context.Background(), ev); err != nil {
		t.Fatal(err)
	}
	sent := sentTexts(f.commander)
	want := "🗣️ Recognized: <i>what time is it</i>\n\nNoon."
	if len(sent) != 1 || sent[0] != want {
		t.Fatalf("expected %q, got %q", want, sent)
	}
	turns, _ := f.store.FetchRecentTurns(context.Background(), dummy.DefaultUserID, 10)
	if len(turns) != 2 || turns[0].Content != "what time is it" {
		t.Fatalf("unexpected turns %+v", turns)
	}
	if !f.journal.has(db.EventSpeechTranscribed) {
		t.Fatal("expected speech.transcribed journal event")
	}
}

func TestHandle_VoiceMultilineTranscriptStaysInOneChunk(t *testing.T) {
	transcript := "first line\nsecond line"
	para := strings.Repeat("b", 1990)
	f := newFixture(t, fixtureOpts{
		pollScript:      "voiceb64:" + base64.StdEncoding.EncodeToString([]byte(transcript)),
		completerScript: "msg:" + strings.Join([]string{para, para, para}, "\n"),
		parseMode:       "HTML",
	})
	ev := f.voiceEvent(t)

	if err := f.svc.Handle(context.Background(), ev); err != nil {
		t.Fatal(err)
	}
	sent := sentTexts(f.commander)
	if len(sent) < 2 {
		t.Fatalf("expected a chunked reply, got %d chunks", len(sent))
	}
	if !strings.HasPrefix(sent[0], "🗣️ Recognized: <i>first line second line</i>\n") {
		t.Fatalf("unexpected first chunk prefix %q", sent[0][:60])
	}
	for i, chunk := range sent {
		if strings.Count(chunk, "<i>") != strings.Count(chunk, "</i>") {
			t.Fatalf("chunk %d splits the transcript markup", i)
		}
	}
	turns, _ := f.store.FetchRecentTurns(context.Background(), dummy.DefaultUserID, 10)
	if len(turns) != 2 || turns[0].Content != transcript {
		t.Fatalf("expected original transcript as user turn, got %+v", turns)
	}
}

func TestHandle_VoiceUnrecognizedRecordedAsUserTurn(t *testing.T) {
	f := newFixture(t, fixtureOpts{
		pollScript:        "voice:noise",
		transcriberScript: "empty",
		completerScript:   "msg:Please repeat.",
	})
	ev := f.voiceEvent(t)

	if err := f.svc.Handle(context.Background(), ev); err != nil {
		t.Fatal(err)
	}
	turns, _ := f.store.FetchRecentTurns(context.Background(), dummy.DefaultUserID, 10)
	if len(turns) != 2 || turns[0].Content != speech.Unrecognized {
		t.Fatalf("expected unrecognized sentinel as user turn, got %+v", turns)
	}
	sent := sentTexts(f.commander)
	if len(sent) != 1 || !strings.HasPrefix(sent[0], "🗣️ Recognized: "+speech.Unrecognized) {
		t.Fatalf("unexpected reply %q", sent)
	}
}

func TestHandle_VoiceTranscriptionErrorStillCompletes(t *testing.T) {
	f := newFixture(t, fixtureOpts{
		pollScript:        "voice:x",
		transcriberScript: "err:stt_down",
		completerScript:   "msg:ok",
	})
	ev := f.voiceEvent(t)

	if err := f.svc.Handle(context.Background(), ev); err != nil {
		t.Fatal(err)
	}
	turns, _ := f.store.FetchRecentTurns(context.Background(), dummy.DefaultUserID, 10)
	if len(turns) != 2 || !strings.HasPrefix(turns[0].Content, "Speech recognition error: ") {
		t.Fatalf("expected transcription diagnostic as utterance, got %+v", turns)
	}
}

func TestHandle_VoiceDownloadFailure(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	ev := Event{UpdateID: 9, Kind: KindVoice, UserID: 42, ChatID: 42, Audio: &cmdpkg.Audio{FileID: "missing"}}

	err := f.svc.Handle(context.Background(), ev)
	if !errors.Is(err, errDownload) {
		t.Fatalf("expected download error, got %v", err)
	}
	sent := sentTexts(f.commander)
	if len(sent) != 1 || sent[0] != DownloadFailed {
		t.Fatalf("expected download diagnostic, got %q", sent)
	}
	turns, _ := f.store.FetchRecentTurns(context.Background(), 42, 10)
	if len(turns) != 0 {
		t.Fatalf("expected no turns, got %d", len(turns))
	}
}

func TestHandle_Commands(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	ctx := context.Background()
	_ = f.svc.Handle(ctx, textEvent("remember this"))

	for _, ev := range []Event{
		{Kind: KindStart, UserID: 42, ChatID: 42},
		{Kind: KindReset, UserID: 42, ChatID: 42},
		{Kind: KindToggleContext, UserID: 42, ChatID: 42},
		{Kind: KindToggleContext, UserID: 42, ChatID: 42},
	} {
		if err := f.svc.Handle(ctx, ev); err != nil {
			t.Fatalf("%s: %v", ev.Kind, err)
		}
	}

	sent := sentTexts(f.commander)
	want := []string{"dummy-ok", Greeting, HistoryCleared, ContextDisabled, ContextEnabled}
	if len(sent) != len(want) {
		t.Fatalf("expected %d messages, got %q", len(want), sent)
	}
	for i := range want {
		if sent[i] != want[i] {
			t.Errorf("message %d: expected %q, got %q", i, want[i], sent[i])
		}
	}

	turns, _ := f.store.FetchRecentTurns(ctx, 42, 10)
	if len(turns) != 0 {
		t.Fatalf("expected history cleared, got %d turns", len(turns))
	}
	enabled, _ := f.store.ContextPreference(ctx, 42)
	if !enabled {
		t.Fatal("expected context re-enabled after two toggles")
	}
}

func TestHandle_ContextDisabledSendsOnlySystemAndUser(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	ctx := context.Background()
	_ = f.svc.Handle(ctx, textEvent("first"))
	_ = f.svc.Handle(ctx, Event{Kind: KindToggleContext, UserID: 42, ChatID: 42})
	_ = f.svc.Handle(ctx, textEvent("second"))

	calls := f.completer.Calls()
	last := calls[len(calls)-1]
	if len(last) != 2 || last[1].Content != "second" {
		t.Fatalf("expected system+user only, got %+v", last)
	}
}

type brokenStore struct {
	*history.MemoryStore
}

func (brokenStore) ContextPreference(context.Context, int64) (bool, error) {
	return false, &history.StorageError{Op: "context preference", Err: errors.New("database is locked")}
}

func (brokenStore) ClearHistory(context.Context, int64) error {
	return &history.StorageError{Op: "clear history", Err: errors.New("database is locked")}
}

func TestHandle_StorageErrorAbortsWithoutReply(t *testing.T) {
	f := newFixture(t, fixtureOpts{store: brokenStore{history.NewMemoryStore(true)}})
	ctx := context.Background()

	for _, ev := range []Event{textEvent("hello"), {Kind: KindReset, UserID: 42, ChatID: 42}} {
		err := f.svc.Handle(ctx, ev)
		var se *history.StorageError
		if !errors.As(err, &se) {
			t.Fatalf("%s: expected StorageError, got %v", ev.Kind, err)
		}
	}
	if len(f.commander.Sent()) != 0 {
		t.Fatalf("expected no replies, got %q", sentTexts(f.commander))
	}
	if len(f.completer.Calls()) != 0 {
		t.Fatal("model must not be called when history is unavailable")
	}
	if !f.journal.has(db.EventExchangeFailed) {
		t.Fatal("expected exchange.failed journal event")
	}
}

func TestHandle_DeliveryFailure(t *testing.T) {
	f := newFixture(t, fixtureOpts{sendScript: "err:network"})
	err := f.svc.Handle(context.Background(), textEvent("hello"))
	if !errors.Is(err, errDelivery) {
		t.Fatalf("expected delivery error, got %v", err)
	}
	turns, _ := f.store.FetchRecentTurns(context.Background(), 42, 10)
	if len(turns) != 2 {
		t.Fatalf("expected exchange recorded before delivery, got %d turns", len(turns))
	}
}

func TestHandle_PresenceIndicators(t *testing.T) {
	f := newFixture(t, fixtureOpts{pollScript: "voice:hi"})
	ev := f.voiceEvent(t)
	if err := f.svc.Handle(context.Background(), ev); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		actions := f.commander.Actions()
		if len(actions) == 2 {
			seen := map[string]bool{actions[0]: true, actions[1]: true}
			if !seen[cmdpkg.ActionRecordVoice] || !seen[cmdpkg.ActionTyping] {
				t.Fatalf("unexpected actions %v", actions)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected 2 chat actions, got %v", f.commander.Actions())
}

func TestHandle_SerializePerUser(t *testing.T) {
	f := newFixture(t, fixtureOpts{completerScript: "sleep:20"})
	f.svc.Config.SerializePerUser = true

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = f.svc.Handle(context.Background(), textEvent("hi"))
		}()
	}
	wg.Wait()

	// Serialized exchanges never interleave, so turns alternate roles.
	turns, _ := f.store.FetchRecentTurns(context.Background(), 42, 10)
	if len(turns) != 6 {
		t.Fatalf("expected 6 turns, got %d", len(turns))
	}
	for i, turn := range turns {
		want := history.RoleUser
		if i%2 == 1 {
			want = history.RoleAssistant
		}
		if turn.Role != want {
			t.Fatalf("turn %d: expected %s, got %s", i, want, turn.Role)
		}
	}
}
