// Package speech turns inbound voice audio into recognized text.
package speech

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/stupiduntilnot/parley/internal/model"
	"github.com/stupiduntilnot/parley/internal/observability"
)

// Unrecognized is returned in place of blank transcription output.
const Unrecognized = "Could not recognize speech."

const defaultExt = ".ogg"

// ConversionError reports a failed audio format conversion. It never reaches
// the user: Normalize falls back to the original audio.
type ConversionError struct {
	Src string
	Err error
}

func (e *ConversionError) Error() string {
	return fmt.Sprintf("convert %s: %v", filepath.Base(e.Src), e.Err)
}

func (e *ConversionError) Unwrap() error { return e.Err }

// Converter re-encodes the audio file at src into dst.
type Converter interface {
	Convert(ctx context.Context, src, dst string) error
}

// Transcript is the outcome of one Normalize call. Text is always set; it
// carries a diagnostic sentence when Err is non-nil.
type Transcript struct {
	Text string
	// Converted is false when the original audio was submitted.
	Converted bool
	// ConversionErr is the recovered conversion failure, if any.
	ConversionErr error
	Err           error
}

// Normalizer persists raw audio to a request-scoped directory, converts it
// and submits it for transcription.
type Normalizer struct {
	Transcriber model.Transcriber
	Model       string
	// Converter is optional; nil submits the original audio.
	Converter Converter
	// TempDir is the root for per-request directories; empty uses os.TempDir.
	TempDir string
	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// Normalize never returns an error: every failure is folded into the
// returned Transcript. The request directory is removed on every path.
func (n *Normalizer) Normalize(ctx context.Context, raw []byte, formatHint string) Transcript {
	ctx, span := tracer.Start(ctx, "speech.normalize")
	defer span.End()
	logger := n.logger()

	dir, err := n.requestDir()
	if err != nil {
		return failed(span, fmt.Errorf("preparing audio dir: %w", err))
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			logger.Warn("failed to remove audio dir", "dir", dir, "error", err)
		}
	}()

	src := filepath.Join(dir, "input"+extFromHint(formatHint))
	if err := os.WriteFile(src, raw, 0o600); err != nil {
		return failed(span, fmt.Errorf("saving audio: %w", err))
	}

	result := Transcript{}
	path := src
	if n.Converter != nil {
		dst := filepath.Join(dir, "converted.mp3")
		if err := n.Converter.Convert(ctx, src, dst); err != nil {
			var convErr *ConversionError
			if !errors.As(err, &convErr) {
				convErr = &ConversionError{Src: src, Err: err}
			}
			result.ConversionErr = convErr
			n.Metrics.ConversionFallback()
			logger.Warn("audio conversion failed, using original", "error", convErr)
		} else {
			path = dst
			result.Converted = true
		}
	}
	span.SetAttributes(attribute.Bool("speech.converted", result.Converted))

	start := time.Now()
	text, err := n.Transcriber.Transcribe(ctx, path, n.Model)
	n.Metrics.ObserveTranscriptionLatency(time.Since(start))
	if err != nil {
		n.Metrics.BackendError(model.OpTranscription)
		be := &model.BackendError{Op: model.OpTranscription, Err: err}
		logger.Error("transcription failed", "error", err)
		t := failed(span, be)
		t.Converted = result.Converted
		t.ConversionErr = result.ConversionErr
		return t
	}

	text = strings.TrimSpace(text)
	if text == "" {
		text = Unrecognized
	}
	result.Text = text
	return result
}

func (n *Normalizer) requestDir() (string, error) {
	root := n.TempDir
	if root == "" {
		root = os.TempDir()
	}
	if err := os.MkdirAll(root, 0o700); err != nil {
		return "", err
	}
	dir := filepath.Join(root, "voice-"+uuid.NewString())
	if err := os.Mkdir(dir, 0o700); err != nil {
		return "", err
	}
	return dir, nil
}

func (n *Normalizer) logger() *slog.Logger {
	if n.Logger != nil {
		return n.Logger
	}
	return slog.Default().With("component", "speech")
}

func failed(span trace.Span, err error) Transcript {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	detail := err
	var be *model.BackendError
	if errors.As(err, &be) {
		detail = be.Err
	}
	return Transcript{
		Text: fmt.Sprintf("Speech recognition error: %v", detail),
		Err:  err,
	}
}

// extFromHint accepts a MIME type, a file name or a bare extension.
func extFromHint(hint string) string {
	hint = strings.ToLower(strings.TrimSpace(hint))
	if hint == "" {
		return defaultExt
	}
	if strings.Contains(hint, "/") {
		mediaType, _, err := mime.ParseMediaType(hint)
		if err == nil {
			if ext, ok := mimeExt[mediaType]; ok {
				return ext
			}
		}
		return defaultExt
	}
	ext := filepath.Ext(hint)
	if ext == "" {
		ext = "." + hint
	}
	if !validExt(ext) {
		return defaultExt
	}
	return ext
}

var mimeExt = map[string]string{
	"audio/ogg":   ".ogg",
	"audio/opus":  ".ogg",
	"audio/mpeg":  ".mp3",
	"audio/mp3":   ".mp3",
	"audio/mp4":   ".m4a",
	"audio/x-m4a": ".m4a",
	"audio/aac":   ".aac",
	"audio/wav":   ".wav",
	"audio/x-wav": ".wav",
	"audio/webm":  ".webm",
	"audio/flac":  ".flac",
}

func validExt(ext string) bool {
	if len(ext) < 2 || len(ext) > 6 {
		return false
	}
	for _, r := range ext[1:] {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}
