package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds everything `parley serve` needs. Values are layered:
// defaults, then the optional YAML file, then environment variables.
type Config struct {
	// ModelProvider is "openai" or "dummy".
	ModelProvider string `yaml:"model_provider"`
	// Commander is "telegram" or "dummy".
	Commander string `yaml:"commander"`
	// StateDBPath is the SQLite file holding the inbox, the event journal and,
	// with the sqlite history driver, the turns.
	StateDBPath string `yaml:"state_db_path"`

	Telegram TelegramConfig `yaml:"telegram"`
	OpenAI   OpenAIConfig   `yaml:"openai"`
	History  HistoryConfig  `yaml:"history"`
	Speech   SpeechConfig   `yaml:"speech"`
	Relay    RelayConfig    `yaml:"relay"`
	HTTP     HTTPConfig     `yaml:"http"`
	Log      LogConfig      `yaml:"log"`
	Dummy    DummyConfig    `yaml:"dummy"`
}

type TelegramConfig struct {
	Token     string `yaml:"token"`
	APIURL    string `yaml:"api_url"`
	ParseMode string `yaml:"parse_mode"`
	// TimeoutSeconds is the getUpdates long-poll timeout.
	TimeoutSeconds int `yaml:"timeout_seconds"`
	// SleepSeconds is the pause while the circuit breaker is open.
	SleepSeconds           int `yaml:"sleep_seconds"`
	BreakerThreshold       int `yaml:"breaker_threshold"`
	BreakerCooldownSeconds int `yaml:"breaker_cooldown_seconds"`
}

type OpenAIConfig struct {
	APIKey         string `yaml:"api_key"`
	BaseURL        string `yaml:"base_url"`
	Model          string `yaml:"model"`
	MaxTokens      int    `yaml:"max_tokens"`
	STTModel       string `yaml:"stt_model"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

type HistoryConfig struct {
	// Driver is sqlite, postgres or memory.
	Driver      string `yaml:"driver"`
	DatabaseURL string `yaml:"database_url"`
	MaxMessages int    `yaml:"max_messages"`
	// UseContext is the preference for users who never toggled it.
	UseContext bool `yaml:"use_context"`
}

type SpeechConfig struct {
	// AudioDir holds per-request temp directories; empty means os.TempDir.
	AudioDir   string `yaml:"audio_dir"`
	FFmpegPath string `yaml:"ffmpeg_path"`
}

type RelayConfig struct {
	SystemPrompt     string `yaml:"system_prompt"`
	ChunkLimit       int    `yaml:"chunk_limit"`
	MaxConcurrent    int    `yaml:"max_concurrent"`
	SerializePerUser bool   `yaml:"serialize_per_user"`
}

type HTTPConfig struct {
	// Addr of the ops server; empty disables it.
	Addr             string `yaml:"addr"`
	MetricsNamespace string `yaml:"metrics_namespace"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type DummyConfig struct {
	CommanderScript   string `yaml:"commander_script"`
	SendScript        string `yaml:"send_script"`
	CompleterScript   string `yaml:"completer_script"`
	TranscriberScript string `yaml:"transcriber_script"`
}

const (
	ProviderOpenAI    = "openai"
	ProviderDummy     = "dummy"
	CommanderTelegram = "telegram"
	CommanderDummy    = "dummy"
)

// Defaults returns the configuration used when nothing is overridden.
func Defaults() Config {
	return Config{
		ModelProvider: ProviderOpenAI,
		Commander:     CommanderTelegram,
		StateDBPath:   "data/history.db",
		Telegram: TelegramConfig{
			APIURL:                 "https://api.telegram.org",
			ParseMode:              "HTML",
			TimeoutSeconds:         30,
			SleepSeconds:           1,
			BreakerThreshold:       5,
			BreakerCooldownSeconds: 30,
		},
		OpenAI: OpenAIConfig{
			Model:          "gpt-4o",
			MaxTokens:      700,
			STTModel:       "whisper-1",
			TimeoutSeconds: 120,
		},
		History: HistoryConfig{
			Driver:      "sqlite",
			MaxMessages: 12,
			UseContext:  true,
		},
		Speech: SpeechConfig{FFmpegPath: "ffmpeg"},
		Relay: RelayConfig{
			SystemPrompt:  "You are an assistant.",
			ChunkLimit:    4000,
			MaxConcurrent: 8,
		},
		HTTP: HTTPConfig{MetricsNamespace: "parley"},
		Log:  LogConfig{Level: "info", Format: "json"},
		Dummy: DummyConfig{
			CommanderScript:   "ok",
			SendScript:        "ok",
			CompleterScript:   "ok",
			TranscriberScript: "ok",
		},
	}
}

// Load builds and validates the configuration. A .env file in the working
// directory is loaded first without overwriting the environment; path, if
// set, names a YAML file overlaid on the defaults.
func Load(path string) (Config, error) {
	cfg, err := Resolve(path)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Resolve layers defaults, the YAML file and the environment like Load but
// skips validation, for commands that need no credentials.
func Resolve(path string) (Config, error) {
	_ = godotenv.Load()

	cfg := Defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing config YAML %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.ModelProvider = envOrDefault("PARLEY_MODEL_PROVIDER", c.ModelProvider)
	c.Commander = envOrDefault("PARLEY_COMMANDER", c.Commander)
	c.StateDBPath = envOrDefault("PARLEY_DB_PATH", c.StateDBPath)

	c.Telegram.Token = envOrDefault("TELEGRAM_BOT_TOKEN", c.Telegram.Token)
	c.Telegram.APIURL = envOrDefault("TELEGRAM_API_URL", c.Telegram.APIURL)
	c.Telegram.ParseMode = envOrDefault("TG_PARSE_MODE", c.Telegram.ParseMode)
	c.Telegram.TimeoutSeconds = envIntOrDefault("TG_TIMEOUT", c.Telegram.TimeoutSeconds)
	c.Telegram.SleepSeconds = envIntOrDefault("TG_SLEEP_SECONDS", c.Telegram.SleepSeconds)

	c.OpenAI.APIKey = envOrDefault("OPENAI_API_KEY", c.OpenAI.APIKey)
	c.OpenAI.BaseURL = envOrDefault("OPENAI_BASE_URL", c.OpenAI.BaseURL)
	c.OpenAI.Model = envOrDefault("OPENAI_MODEL", c.OpenAI.Model)
	c.OpenAI.MaxTokens = envIntOrDefault("MAX_TOKENS", c.OpenAI.MaxTokens)
	c.OpenAI.STTModel = envOrDefault("STT_MODEL", c.OpenAI.STTModel)

	c.History.Driver = envOrDefault("PARLEY_HISTORY_DRIVER", c.History.Driver)
	c.History.DatabaseURL = envOrDefault("DATABASE_URL", c.History.DatabaseURL)
	c.History.MaxMessages = envIntOrDefault("HISTORY_MAX_MESSAGES", c.History.MaxMessages)
	c.History.UseContext = envBoolOrDefault("USE_CONTEXT", c.History.UseContext)

	c.Speech.AudioDir = envOrDefault("PARLEY_AUDIO_DIR", c.Speech.AudioDir)
	c.Speech.FFmpegPath = envOrDefault("FFMPEG_PATH", c.Speech.FFmpegPath)

	c.Relay.SystemPrompt = envOrDefault("SYSTEM_PROMPT", c.Relay.SystemPrompt)
	c.Relay.ChunkLimit = envIntOrDefault("CHUNK_LIMIT", c.Relay.ChunkLimit)
	c.Relay.MaxConcurrent = envIntOrDefault("PARLEY_MAX_CONCURRENT", c.Relay.MaxConcurrent)
	c.Relay.SerializePerUser = envBoolOrDefault("SERIALIZE_PER_USER", c.Relay.SerializePerUser)

	c.HTTP.Addr = envOrDefault("PARLEY_HTTP_ADDR", c.HTTP.Addr)
	c.HTTP.MetricsNamespace = envOrDefault("PARLEY_METRICS_NAMESPACE", c.HTTP.MetricsNamespace)

	c.Log.Level = envOrDefault("PARLEY_LOG_LEVEL", c.Log.Level)
	c.Log.Format = envOrDefault("PARLEY_LOG_FORMAT", c.Log.Format)

	c.Dummy.CommanderScript = envOrDefault("PARLEY_DUMMY_COMMANDER_SCRIPT", c.Dummy.CommanderScript)
	c.Dummy.SendScript = envOrDefault("PARLEY_DUMMY_SEND_SCRIPT", c.Dummy.SendScript)
	c.Dummy.CompleterScript = envOrDefault("PARLEY_DUMMY_COMPLETER_SCRIPT", c.Dummy.CompleterScript)
	c.Dummy.TranscriberScript = envOrDefault("PARLEY_DUMMY_TRANSCRIBER_SCRIPT", c.Dummy.TranscriberScript)
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	switch c.Commander {
	case CommanderTelegram:
		if c.Telegram.Token == "" {
			errs = append(errs, errors.New("TELEGRAM_BOT_TOKEN is required when PARLEY_COMMANDER=telegram"))
		}
	case CommanderDummy:
	default:
		errs = append(errs, fmt.Errorf("unknown commander %q", c.Commander))
	}
	switch c.ModelProvider {
	case ProviderOpenAI:
		if c.OpenAI.APIKey == "" {
			errs = append(errs, errors.New("OPENAI_API_KEY is required when PARLEY_MODEL_PROVIDER=openai"))
		}
	case ProviderDummy:
	default:
		errs = append(errs, fmt.Errorf("unknown model provider %q", c.ModelProvider))
	}
	switch strings.ToLower(c.History.Driver) {
	case "sqlite", "memory":
	case "postgres":
		if c.History.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required when PARLEY_HISTORY_DRIVER=postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown history driver %q", c.History.Driver))
	}
	if c.History.MaxMessages < 0 {
		errs = append(errs, fmt.Errorf("HISTORY_MAX_MESSAGES must be >= 0, got %d", c.History.MaxMessages))
	}
	if c.Relay.ChunkLimit <= 0 {
		errs = append(errs, fmt.Errorf("CHUNK_LIMIT must be > 0, got %d", c.Relay.ChunkLimit))
	}
	if c.OpenAI.MaxTokens < 0 {
		errs = append(errs, fmt.Errorf("MAX_TOKENS must be >= 0, got %d", c.OpenAI.MaxTokens))
	}
	if c.Telegram.TimeoutSeconds < 0 {
		errs = append(errs, fmt.Errorf("TG_TIMEOUT must be >= 0, got %d", c.Telegram.TimeoutSeconds))
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

// TelegramAPIBase is the Bot API endpoint including the token.
func (c Config) TelegramAPIBase() string {
	return fmt.Sprintf("%s/bot%s", strings.TrimRight(c.Telegram.APIURL, "/"), c.Telegram.Token)
}

func (c Config) PollSleep() time.Duration {
	return time.Duration(c.Telegram.SleepSeconds) * time.Second
}

func (c Config) BreakerCooldown() time.Duration {
	return time.Duration(c.Telegram.BreakerCooldownSeconds) * time.Second
}

func (c Config) OpenAITimeout() time.Duration {
	return time.Duration(c.OpenAI.TimeoutSeconds) * time.Second
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envBoolOrDefault(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v == "1" || strings.EqualFold(v, "true")
}
