package openai

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stupiduntilnot/parley/internal/history"
	"github.com/stupiduntilnot/parley/internal/prompt"
)

var testStack = prompt.Stack{
	{Role: history.RoleSystem, Content: "be brief"},
	{Role: history.RoleUser, Content: "hi"},
}

func TestGenerate_OutputTextAndUsage(t *testing.T) {
	var gotReq map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/responses" {
			http.NotFound(w, r)
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("unexpected auth header %q", got)
		}
		json.NewDecoder(r.Body).Decode(&gotReq)
		resp := map[string]any{
			"output_text": "Hello!",
			"output": []map[string]any{
				{"type": "message", "content": []map[string]any{
					{"type": "output_text", "text": "Hello!"},
				}},
			},
			"usage": map[string]any{"input_tokens": 42, "output_tokens": 7},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	client := NewClient("test-key", server.URL, 5*time.Second)
	result, err := client.Generate(context.Background(), testStack, "test-model", 700)
	if err != nil {
		t.Fatal(err)
	}

	if result.OutputText != "Hello!" {
		t.Errorf("expected output text 'Hello!', got %q", result.OutputText)
	}
	if len(result.Segments) != 1 || result.Segments[0] != "Hello!" {
		t.Errorf("unexpected segments %v", result.Segments)
	}
	if result.InputTokens != 42 || result.OutputTokens != 7 {
		t.Errorf("unexpected usage %d/%d", result.InputTokens, result.OutputTokens)
	}

	if gotReq["model"] != "test-model" {
		t.Errorf("expected model in request, got %v", gotReq["model"])
	}
	if gotReq["max_output_tokens"] != float64(700) {
		t.Errorf("expected max_output_tokens 700, got %v", gotReq["max_output_tokens"])
	}
	input, _ := gotReq["input"].([]any)
	if len(input) != 2 {
		t.Fatalf("expected 2 input messages, got %v", gotReq["input"])
	}
	first, _ := input[0].(map[string]any)
	if first["role"] != "system" || first["content"] != "be brief" {
		t.Errorf("unexpected first input %v", first)
	}
}

func TestGenerate_SegmentsOnly(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"output":[
			{"type":"reasoning","summary":[]},
			{"type":"message","content":[
				{"type":"output_text","text":"part one, "},
				{"type":"refusal","refusal":"no"},
				{"type":"output_text","text":"part two"}
			]}
		]}`)
	}))
	defer server.Close()

	client := NewClient("test-key", server.URL, 5*time.Second)
	result, err := client.Generate(context.Background(), testStack, "m", 0)
	if err != nil {
		t.Fatal(err)
	}
	if result.OutputText != "" {
		t.Errorf("expected empty output text, got %q", result.OutputText)
	}
	if strings.Join(result.Segments, "") != "part one, part two" {
		t.Errorf("unexpected segments %v", result.Segments)
	}
	if result.InputTokens != 0 {
		t.Errorf("expected 0 input tokens without usage, got %d", result.InputTokens)
	}
}

func TestGenerate_HTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":"rate limited"}`))
	}))
	defer server.Close()

	client := NewClient("test-key", server.URL, 5*time.Second)
	_, err := client.Generate(context.Background(), testStack, "m", 0)
	if err == nil {
		t.Fatal("expected error for 429 response")
	}
	if !strings.Contains(err.Error(), "status=429") || !strings.Contains(err.Error(), "rate limited") {
		t.Errorf("expected status and body in error, got %v", err)
	}
}

func TestGenerate_InvalidJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `not json`)
	}))
	defer server.Close()

	client := NewClient("test-key", server.URL, 5*time.Second)
	if _, err := client.Generate(context.Background(), testStack, "m", 0); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestTranscribe_UploadsFile(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/audio/transcriptions" {
			http.NotFound(w, r)
			return
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
		}
		if got := r.FormValue("model"); got != "whisper-1" {
			t.Errorf("expected model whisper-1, got %q", got)
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			t.Errorf("missing file part: %v", err)
			return
		}
		defer file.Close()
		data, _ := io.ReadAll(file)
		if string(data) != "fake-audio" {
			t.Errorf("unexpected file content %q", data)
		}
		if header.Filename != "voice.mp3" {
			t.Errorf("unexpected filename %q", header.Filename)
		}
		io.WriteString(w, `{"text":"  привет  "}`)
	}))
	defer server.Close()

	path := filepath.Join(t.TempDir(), "voice.mp3")
	if err := os.WriteFile(path, []byte("fake-audio"), 0o600); err != nil {
		t.Fatal(err)
	}

	client := NewClient("test-key", server.URL, 5*time.Second)
	text, err := client.Transcribe(context.Background(), path, "whisper-1")
	if err != nil {
		t.Fatal(err)
	}
	if text != "  привет  " {
		t.Errorf("expected raw text, got %q", text)
	}
}

func TestTranscribe_MissingFile(t *testing.T) {
	client := NewClient("test-key", "http://127.0.0.1:0", time.Second)
	if _, err := client.Transcribe(context.Background(), filepath.Join(t.TempDir(), "nope.ogg"), "whisper-1"); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestNewClient_DefaultBaseURL(t *testing.T) {
	c := NewClient("k", "", time.Second)
	if c.baseURL != DefaultBaseURL {
		t.Fatalf("expected default base url, got %q", c.baseURL)
	}
	c = NewClient("k", "https://example.test/v1/", time.Second)
	if c.baseURL != "https://example.test/v1" {
		t.Fatalf("expected trailing slash trimmed, got %q", c.baseURL)
	}
}
