package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	cmdpkg "github.com/stupiduntilnot/parley/internal/commander"
)

// MaxMessageRunes is the Bot API limit for one text message.
const MaxMessageRunes = 4096

// maxDownloadBytes matches the Bot API getFile limit.
const maxDownloadBytes = 20 << 20

// Client is a minimal Telegram Bot API client.
type Client struct {
	apiBase  string
	fileBase string
	// ParseMode is sent with every message; empty sends plain text.
	ParseMode  string
	httpClient *http.Client
}

// NewClient creates a Telegram client for the given bot API base URL
// (e.g. "https://api.telegram.org/bot<token>"). requestTimeout must exceed
// the long-poll timeout passed to GetUpdates.
func NewClient(apiBase string, requestTimeout time.Duration) *Client {
	apiBase = strings.TrimRight(apiBase, "/")
	return &Client{
		apiBase:  apiBase,
		fileBase: fileBaseFor(apiBase),
		httpClient: &http.Client{
			Timeout: requestTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport,
				otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
					return "telegram " + r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
				}),
			),
		},
	}
}

// fileBaseFor maps https://host/bot<token> to https://host/file/bot<token>.
func fileBaseFor(apiBase string) string {
	i := strings.LastIndex(apiBase, "/bot")
	if i < 0 {
		return apiBase + "/file"
	}
	return apiBase[:i] + "/file" + apiBase[i:]
}

// Response is the generic Telegram API response wrapper.
type Response struct {
	OK          bool            `json:"ok"`
	Description string          `json:"description,omitempty"`
	Result      json.RawMessage `json:"result"`
}

type Update = cmdpkg.Update
type Message = cmdpkg.Message

type tgFile struct {
	FileID   string `json:"file_id"`
	FileSize int64  `json:"file_size"`
	FilePath string `json:"file_path"`
}

// GetUpdates calls the getUpdates API. Every update is returned, including
// ones without a message, so the caller can advance its offset past them;
// allowed_updates does not filter updates queued before the call.
func (c *Client) GetUpdates(ctx context.Context, offset int64, timeout int) ([]Update, error) {
	data, err := c.apiCall(ctx, "getUpdates", map[string]any{
		"offset":          offset,
		"timeout":         timeout,
		"allowed_updates": []string{"message"},
	})
	if err != nil {
		return nil, err
	}

	var updates []Update
	if err := json.Unmarshal(data, &updates); err != nil {
		return nil, fmt.Errorf("failed to parse getUpdates result: %w", err)
	}
	return updates, nil
}

// SendMessage sends a text message to the given chat. If the API rejects
// the formatted text, it is resent once as plain text.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string) error {
	html := strings.EqualFold(c.ParseMode, "HTML")
	sent := truncate(text, MaxMessageRunes, html)
	if len(sent) < len(text) {
		slog.Default().With("component", "telegram").Warn("message truncated",
			"chat_id", chatID, "runes", len([]rune(text)), "limit", MaxMessageRunes)
	}
	payload := map[string]any{
		"chat_id": chatID,
		"text":    sent,
	}
	if c.ParseMode != "" {
		payload["parse_mode"] = c.ParseMode
	}
	_, err := c.apiCall(ctx, "sendMessage", payload)
	if err != nil && c.ParseMode != "" && strings.Contains(err.Error(), "can't parse entities") {
		delete(payload, "parse_mode")
		_, err = c.apiCall(ctx, "sendMessage", payload)
	}
	return err
}

// SendChatAction shows a presence indicator such as "typing".
func (c *Client) SendChatAction(ctx context.Context, chatID int64, action string) error {
	_, err := c.apiCall(ctx, "sendChatAction", map[string]any{
		"chat_id": chatID,
		"action":  action,
	})
	return err
}

// DownloadFile resolves fileID through getFile and fetches its contents.
func (c *Client) DownloadFile(ctx context.Context, fileID string) ([]byte, error) {
	data, err := c.apiCall(ctx, "getFile", map[string]any{"file_id": fileID})
	if err != nil {
		return nil, err
	}
	var file tgFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("telegram: parsing getFile: %w", err)
	}
	if file.FilePath == "" {
		return nil, fmt.Errorf("telegram: getFile returned no file_path for %s", fileID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.fileBase+"/"+file.FilePath, nil)
	if err != nil {
		return nil, fmt.Errorf("telegram: creating download request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("telegram: download failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("telegram: download status=%d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDownloadBytes+1))
	if err != nil {
		return nil, fmt.Errorf("telegram: reading file: %w", err)
	}
	if len(body) > maxDownloadBytes {
		return nil, fmt.Errorf("telegram: file exceeds %d bytes", maxDownloadBytes)
	}
	return body, nil
}

func (c *Client) apiCall(ctx context.Context, method string, payload map[string]any) (json.RawMessage, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("telegram: marshal %s: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiBase+"/"+method, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("telegram: creating request for %s: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("telegram %s request failed: %w", method, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s response: %w", method, err)
	}

	var tgResp Response
	if err := json.Unmarshal(raw, &tgResp); err != nil {
		return nil, fmt.Errorf("failed to parse %s response: %w", method, err)
	}
	if !tgResp.OK {
		return nil, fmt.Errorf("telegram %s: status=%d %s", method, resp.StatusCode, tgResp.Description)
	}
	return tgResp.Result, nil
}

// truncate cuts s to maxChars runes. With entities set, a cut inside an
// HTML entity such as "&amp;" backs off to before the '&'. Entities are at
// most eight bytes long.
func truncate(s string, maxChars int, entities bool) string {
	runes := []rune(s)
	if len(runes) <= maxChars {
		return s
	}
	out := string(runes[:maxChars])
	if entities {
		if amp := strings.LastIndexByte(out, '&'); amp >= 0 && len(out)-amp <= 8 && !strings.Contains(out[amp:], ";") {
			out = out[:amp]
		}
	}
	return out
}
