package relay

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	cmdpkg "github.com/stupiduntilnot/parley/internal/commander"
	"github.com/stupiduntilnot/parley/internal/db"
	"github.com/stupiduntilnot/parley/internal/history"
	"github.com/stupiduntilnot/parley/internal/observability"
	"github.com/stupiduntilnot/parley/internal/prompt"
	"github.com/stupiduntilnot/parley/internal/speech"
)

// User-visible messages.
const (
	Greeting = "Hello! I pass your messages to an AI assistant.\n\n" +
		"Send text or a voice message and I will answer.\n\n" +
		"Commands:\n" +
		"/reset - clear the conversation history\n" +
		"/ctx - turn context usage on or off"
	HistoryCleared  = "Conversation history cleared."
	ContextEnabled  = "Context usage: enabled."
	ContextDisabled = "Context usage: disabled."
	DownloadFailed  = "Could not download the voice message."
)

// Exchange outcomes used in metrics and the journal.
const (
	OutcomeOK            = "ok"
	OutcomeDegraded      = "degraded"
	OutcomeSkipped       = "skipped"
	OutcomeStorageError  = "storage_error"
	OutcomeDeliveryError = "delivery_error"
	OutcomeDownloadError = "download_error"
)

const defaultPresenceTimeout = 5 * time.Second

// Journal records audit events; *db.Journal implements it.
type Journal interface {
	Log(parentID int64, eventType string, payload map[string]any) int64
}

// SpeechNormalizer turns raw audio into text; *speech.Normalizer implements it.
type SpeechNormalizer interface {
	Normalize(ctx context.Context, raw []byte, formatHint string) speech.Transcript
}

// Config holds the per-exchange settings of a Service.
type Config struct {
	SystemPrompt string
	HistoryLimit int
	ChunkLimit   int
	// ParseMode "HTML" escapes user and model text and formats voice
	// replies with markup.
	ParseMode string
	// SerializePerUser runs one user's exchanges one at a time.
	SerializePerUser bool
	PresenceTimeout  time.Duration
}

// Service handles inbound events end to end: commands, text and voice
// exchanges, and reply delivery.
type Service struct {
	Commander  cmdpkg.Commander
	Store      history.Store
	Session    *prompt.Session
	Dispatcher *Dispatcher
	Speech     SpeechNormalizer
	Journal    Journal
	Metrics    *observability.Metrics
	Logger     *slog.Logger
	Config     Config
	// ParentEventID roots exchange events in the journal tree.
	ParentEventID int64

	locks keyedMutex
}

// Handle processes one event. Every failure is logged and journaled here;
// the returned error is informational. A *history.StorageError aborts the
// exchange without a reply.
func (s *Service) Handle(ctx context.Context, ev Event) error {
	exchangeID := uuid.NewString()
	logger := s.logger().With("exchange_id", exchangeID, "user_id", ev.UserID, "kind", string(ev.Kind))

	ctx, span := tracer.Start(ctx, "relay.exchange", trace.WithAttributes(
		attribute.String("exchange.id", exchangeID),
		attribute.String("exchange.kind", string(ev.Kind)),
		attribute.Int64("user.id", ev.UserID),
	))
	defer span.End()

	if s.Config.SerializePerUser {
		unlock := s.locks.Lock(ev.UserID)
		defer unlock()
	}

	s.Metrics.ExchangeStarted()
	started := time.Now()
	eventID := s.journal(s.ParentEventID, db.EventExchangeStarted, map[string]any{
		"exchange_id": exchangeID,
		"update_id":   ev.UpdateID,
		"user_id":     ev.UserID,
		"kind":        string(ev.Kind),
	})
	x := &exchange{Service: s, ev: ev, eventID: eventID, log: logger}

	var err error
	switch ev.Kind {
	case KindStart:
		err = x.deliver(ctx, Greeting)
	case KindReset:
		err = x.reset(ctx)
	case KindToggleContext:
		err = x.toggle(ctx)
	case KindText:
		err = x.text(ctx)
	case KindVoice:
		err = x.voice(ctx)
	default:
		err = fmt.Errorf("unknown event kind %q", ev.Kind)
	}

	outcome := x.outcome(err)
	s.Metrics.ExchangeFinished(string(ev.Kind), outcome)
	payload := map[string]any{
		"outcome":     outcome,
		"duration_ms": time.Since(started).Milliseconds(),
	}
	switch outcome {
	case OutcomeOK, OutcomeDegraded:
		s.journal(eventID, db.EventExchangeCompleted, payload)
		logger.Info("exchange completed", "outcome", outcome, "duration_ms", payload["duration_ms"])
	case OutcomeSkipped:
		s.journal(eventID, db.EventExchangeSkipped, payload)
		logger.Debug("exchange skipped", "reason", err)
		return nil
	default:
		payload["error"] = err.Error()
		s.journal(eventID, db.EventExchangeFailed, payload)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error("exchange failed", "outcome", outcome, "error", err)
	}
	return err
}

// exchange carries per-event state through the handlers.
type exchange struct {
	*Service
	ev       Event
	eventID  int64
	log      *slog.Logger
	degraded bool
}

var (
	errDelivery = errors.New("reply delivery failed")
	errDownload = errors.New("voice download failed")
)

func (x *exchange) outcome(err error) string {
	var se *history.StorageError
	switch {
	case err == nil && x.degraded:
		return OutcomeDegraded
	case err == nil:
		return OutcomeOK
	case errors.Is(err, prompt.ErrIdleInput):
		return OutcomeSkipped
	case errors.As(err, &se):
		return OutcomeStorageError
	case errors.Is(err, errDownload):
		return OutcomeDownloadError
	default:
		return OutcomeDeliveryError
	}
}

func (x *exchange) reset(ctx context.Context) error {
	if err := x.Store.ClearHistory(ctx, x.ev.UserID); err != nil {
		return err
	}
	x.journal(x.eventID, db.EventHistoryCleared, nil)
	return x.deliver(ctx, HistoryCleared)
}

func (x *exchange) toggle(ctx context.Context) error {
	current, err := x.Store.ContextPreference(ctx, x.ev.UserID)
	if err != nil {
		return err
	}
	enabled := !current
	if err := x.Store.SetContextPreference(ctx, x.ev.UserID, enabled); err != nil {
		return err
	}
	x.journal(x.eventID, db.EventContextToggled, map[string]any{"use_context": enabled})
	if enabled {
		return x.deliver(ctx, ContextEnabled)
	}
	return x.deliver(ctx, ContextDisabled)
}

func (x *exchange) text(ctx context.Context) error {
	if strings.TrimSpace(x.ev.Text) == "" {
		return prompt.ErrIdleInput
	}
	x.presence(ctx, cmdpkg.ActionTyping)
	reply, err := x.converse(ctx, x.ev.Text)
	if err != nil {
		return err
	}
	return x.deliver(ctx, x.escape(reply.Text))
}

func (x *exchange) voice(ctx context.Context) error {
	x.presence(ctx, cmdpkg.ActionRecordVoice)

	raw, err := x.Commander.DownloadFile(ctx, x.ev.Audio.FileID)
	if err != nil {
		x.log.Error("voice download failed", "file_id", x.ev.Audio.FileID, "error", err)
		if sendErr := x.deliver(ctx, DownloadFailed); sendErr != nil {
			x.log.Warn("failed to report download failure", "error", sendErr)
		}
		return fmt.Errorf("%w: %v", errDownload, err)
	}

	t := x.Speech.Normalize(ctx, raw, x.ev.Audio.FormatHint())
	if t.ConversionErr != nil {
		x.journal(x.eventID, db.EventSpeechConversionFailed, map[string]any{"error": t.ConversionErr.Error()})
	} else if t.Converted {
		x.journal(x.eventID, db.EventSpeechConverted, nil)
	}
	payload := map[string]any{"chars": len([]rune(t.Text)), "unrecognized": t.Text == speech.Unrecognized}
	if t.Err != nil {
		x.degraded = true
		payload["error"] = t.Err.Error()
	}
	x.journal(x.eventID, db.EventSpeechTranscribed, payload)

	x.presence(ctx, cmdpkg.ActionTyping)
	reply, err := x.converse(ctx, t.Text)
	if err != nil {
		return err
	}
	return x.deliver(ctx, x.formatVoiceReply(t.Text, reply.Text))
}

// converse builds the prompt, completes it and records both turns.
func (x *exchange) converse(ctx context.Context, utterance string) (Reply, error) {
	stack, err := x.Session.BuildStack(ctx, x.ev.UserID, utterance, x.Config.SystemPrompt, x.Config.HistoryLimit)
	if err != nil {
		return Reply{}, err
	}
	x.journal(x.eventID, db.EventContextAssembled, map[string]any{
		"messages":      len(stack),
		"history_turns": stack.HistoryLen(),
	})

	reply, err := x.Dispatcher.CompleteAndRecord(ctx, x.ev.UserID, stack)
	if reply.Err != nil {
		x.degraded = true
		x.journal(x.eventID, db.EventCompletionFailed, map[string]any{"error": reply.Err.Error()})
	} else {
		x.journal(x.eventID, db.EventCompletionCompleted, map[string]any{
			"input_tokens":  reply.Completion.InputTokens,
			"output_tokens": reply.Completion.OutputTokens,
		})
	}
	return reply, err
}

// formatVoiceReply keeps the transcript on one line so chunking can never
// split the markup around it.
func (x *exchange) formatVoiceReply(recognized, reply string) string {
	recognized = strings.Join(strings.Fields(recognized), " ")
	if x.htmlMode() {
		return "🗣️ Recognized: <i>" + html.EscapeString(recognized) + "</i>\n\n" + html.EscapeString(reply)
	}
	return "🗣️ Recognized: " + recognized + "\n\n" + reply
}

func (x *exchange) escape(text string) string {
	if x.htmlMode() {
		return html.EscapeString(text)
	}
	return text
}

func (x *exchange) htmlMode() bool {
	return strings.EqualFold(x.Config.ParseMode, "HTML")
}

// deliver sends text in chunks, in order, stopping at the first failure.
func (x *exchange) deliver(ctx context.Context, text string) error {
	chunks := Chunk(text, x.Config.ChunkLimit)
	for i, chunk := range chunks {
		if err := x.Commander.SendMessage(ctx, x.ev.ChatID, chunk); err != nil {
			return fmt.Errorf("%w: chunk %d/%d: %v", errDelivery, i+1, len(chunks), err)
		}
		x.Metrics.ChunkSent()
	}
	x.journal(x.eventID, db.EventReplySent, map[string]any{"chunks": len(chunks)})
	return nil
}

// presence shows a chat action without blocking the exchange.
func (x *exchange) presence(ctx context.Context, action string) {
	timeout := x.Config.PresenceTimeout
	if timeout <= 0 {
		timeout = defaultPresenceTimeout
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	go func() {
		defer cancel()
		if err := x.Commander.SendChatAction(pctx, x.ev.ChatID, action); err != nil {
			x.log.Debug("chat action failed", "action", action, "error", err)
		}
	}()
}

func (s *Service) journal(parentID int64, eventType string, payload map[string]any) int64 {
	if s.Journal == nil {
		return 0
	}
	return s.Journal.Log(parentID, eventType, payload)
}

func (s *Service) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default().With("component", "relay")
}
