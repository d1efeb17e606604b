package relay

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/stupiduntilnot/parley/internal/history"
	"github.com/stupiduntilnot/parley/internal/model"
	"github.com/stupiduntilnot/parley/internal/observability"
	"github.com/stupiduntilnot/parley/internal/prompt"
)

// NoAnswer replaces a completion that carried no text.
const NoAnswer = "Could not get an answer."

// TurnRecorder is the part of history.Store the dispatcher writes to.
type TurnRecorder interface {
	RecordTurn(ctx context.Context, userID int64, role history.Role, content string) error
}

// Reply is the outcome of one completion. Text is always non-empty; when
// Err is set it is a diagnostic sentence describing the backend failure.
type Reply struct {
	Text       string
	Err        error
	Completion model.Completion
}

// Dispatcher calls the completion backend and records the exchange.
type Dispatcher struct {
	Completer       model.Completer
	History         TurnRecorder
	Model           string
	MaxOutputTokens int
	Logger          *slog.Logger
	Metrics         *observability.Metrics
}

// CompleteAndRecord sends stack to the backend and records the user's
// utterance followed by the reply. Backend failures are folded into the
// reply; only a *history.StorageError is returned.
//
// Diagnostic replies are recorded as assistant turns too, so later prompts
// include them.
func (d *Dispatcher) CompleteAndRecord(ctx context.Context, userID int64, stack prompt.Stack) (Reply, error) {
	ctx, span := tracer.Start(ctx, "relay.complete")
	defer span.End()

	reply := d.complete(ctx, stack)
	if reply.Err != nil {
		span.RecordError(reply.Err)
		span.SetStatus(codes.Error, reply.Err.Error())
	}
	span.SetAttributes(
		attribute.Int("completion.input_tokens", reply.Completion.InputTokens),
		attribute.Int("completion.output_tokens", reply.Completion.OutputTokens),
	)

	// Both values are final here; recording must not be cut short by the
	// caller going away.
	rctx := context.WithoutCancel(ctx)
	if err := d.History.RecordTurn(rctx, userID, history.RoleUser, stack.Utterance()); err != nil {
		span.RecordError(err)
		return reply, err
	}
	if err := d.History.RecordTurn(rctx, userID, history.RoleAssistant, reply.Text); err != nil {
		span.RecordError(err)
		return reply, err
	}
	return reply, nil
}

func (d *Dispatcher) complete(ctx context.Context, stack prompt.Stack) Reply {
	start := time.Now()
	c, err := d.Completer.Generate(ctx, stack, d.Model, d.MaxOutputTokens)
	d.Metrics.ObserveCompletionLatency(time.Since(start))
	if err != nil {
		d.Metrics.BackendError(model.OpCompletion)
		d.logger().Error("completion failed", "model", d.Model, "error", err)
		return Reply{
			Text: fmt.Sprintf("An error occurred while contacting the model: %v", err),
			Err:  &model.BackendError{Op: model.OpCompletion, Err: err},
		}
	}
	return Reply{Text: extractText(c), Completion: c}
}

// extractText prefers the primary text, then the joined segments.
func extractText(c model.Completion) string {
	if text := strings.TrimSpace(c.OutputText); text != "" {
		return text
	}
	if text := strings.TrimSpace(strings.Join(c.Segments, "")); text != "" {
		return text
	}
	return NoAnswer
}

func (d *Dispatcher) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default().With("component", "dispatcher")
}
