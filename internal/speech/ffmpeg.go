package speech

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// FFmpeg converts audio to mono 16 kHz MP3 by shelling out to ffmpeg.
type FFmpeg struct {
	// Path to the ffmpeg binary; empty resolves "ffmpeg" on PATH.
	Path string
}

func (f FFmpeg) Convert(ctx context.Context, src, dst string) error {
	bin := f.Path
	if bin == "" {
		bin = "ffmpeg"
	}
	cmd := exec.CommandContext(ctx, bin,
		"-hide_banner", "-loglevel", "error", "-y",
		"-i", src,
		"-vn", "-ac", "1", "-ar", "16000",
		"-acodec", "libmp3lame", "-f", "mp3",
		dst,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	cmd.Stdout = nil
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			err = fmt.Errorf("ffmpeg: %w: %s", err, truncate(msg, 300))
		} else {
			err = fmt.Errorf("ffmpeg: %w", err)
		}
		return &ConversionError{Src: src, Err: err}
	}
	info, err := os.Stat(dst)
	if err != nil {
		return &ConversionError{Src: src, Err: fmt.Errorf("output missing after ffmpeg: %w", err)}
	}
	if info.Size() == 0 {
		return &ConversionError{Src: src, Err: fmt.Errorf("ffmpeg produced empty output")}
	}
	return nil
}

func truncate(s string, maxChars int) string {
	runes := []rune(s)
	if len(runes) <= maxChars {
		return s
	}
	return string(runes[:maxChars])
}
