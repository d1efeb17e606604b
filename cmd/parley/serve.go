package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	cmdpkg "github.com/stupiduntilnot/parley/internal/commander"
	"github.com/stupiduntilnot/parley/internal/config"
	"github.com/stupiduntilnot/parley/internal/control"
	"github.com/stupiduntilnot/parley/internal/db"
	"github.com/stupiduntilnot/parley/internal/dummy"
	"github.com/stupiduntilnot/parley/internal/history"
	"github.com/stupiduntilnot/parley/internal/httpapi"
	"github.com/stupiduntilnot/parley/internal/model"
	"github.com/stupiduntilnot/parley/internal/observability"
	"github.com/stupiduntilnot/parley/internal/openai"
	"github.com/stupiduntilnot/parley/internal/prompt"
	"github.com/stupiduntilnot/parley/internal/relay"
	"github.com/stupiduntilnot/parley/internal/speech"
	"github.com/stupiduntilnot/parley/internal/telegram"
)

// dummyIdleSleep paces the poll loop when the scripted commander has
// nothing to deliver; a real long poll blocks server-side instead.
const dummyIdleSleep = 100 * time.Millisecond

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start polling Telegram and relaying messages",
		Long: `Start the relay. Configuration comes from the defaults, the optional
--config YAML file, a .env file in the working directory and the
environment, in that order.

Examples:
  parley serve
  parley serve --config ./parley.yaml
  PARLEY_COMMANDER=dummy PARLEY_MODEL_PROVIDER=dummy parley serve`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	configPath, _ := cmd.Root().PersistentFlags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")
	logger := newLogger(cfg.Log, verbose, cmd.ErrOrStderr())
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return serve(ctx, cfg, logger)
}

func newLogger(cfg config.LogConfig, verbose bool, w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	if verbose {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	return slog.New(handler)
}

// serve runs the relay until ctx is cancelled.
func serve(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	database, err := db.OpenDB(cfg.StateDBPath)
	if err != nil {
		return err
	}
	defer database.Close()
	if err := db.InitSchema(database); err != nil {
		return fmt.Errorf("failed to init schema: %w", err)
	}

	journal := &db.Journal{DB: database}
	processID := journal.Log(0, db.EventProcessStarted, map[string]any{
		"role":           "relay",
		"pid":            os.Getpid(),
		"provider":       cfg.ModelProvider,
		"commander":      cfg.Commander,
		"history_driver": cfg.History.Driver,
		"model":          cfg.OpenAI.Model,
	})
	defer func() {
		journal.Log(processID, db.EventProcessStopped, map[string]any{"pid": os.Getpid()})
	}()

	store, err := history.NewStore(ctx, history.Options{
		Driver:         cfg.History.Driver,
		SQLite:         database,
		DatabaseURL:    cfg.History.DatabaseURL,
		ContextDefault: cfg.History.UseContext,
	})
	if err != nil {
		return err
	}
	defer store.Close()

	commander, err := newCommander(cfg)
	if err != nil {
		return fmt.Errorf("failed to init commander: %w", err)
	}
	completer, transcriber, err := newBackends(cfg)
	if err != nil {
		return fmt.Errorf("failed to init model backends: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewMetricsWith(reg, cfg.HTTP.MetricsNamespace)

	service := &relay.Service{
		Commander: commander,
		Store:     store,
		Session:   prompt.NewSession(store),
		Dispatcher: &relay.Dispatcher{
			Completer:       completer,
			History:         store,
			Model:           cfg.OpenAI.Model,
			MaxOutputTokens: cfg.OpenAI.MaxTokens,
			Logger:          logger.With("component", "dispatcher"),
			Metrics:         metrics,
		},
		Speech: &speech.Normalizer{
			Transcriber: transcriber,
			Model:       cfg.OpenAI.STTModel,
			Converter:   newConverter(cfg.Speech, logger),
			TempDir:     cfg.Speech.AudioDir,
			Logger:      logger.With("component", "speech"),
			Metrics:     metrics,
		},
		Journal: journal,
		Metrics: metrics,
		Logger:  logger.With("component", "relay"),
		Config: relay.Config{
			SystemPrompt:     cfg.Relay.SystemPrompt,
			HistoryLimit:     cfg.History.MaxMessages,
			ChunkLimit:       cfg.Relay.ChunkLimit,
			ParseMode:        cfg.Telegram.ParseMode,
			SerializePerUser: cfg.Relay.SerializePerUser,
		},
		ParentEventID: processID,
	}

	poller := &relay.Poller{
		Commander:     commander,
		Handler:       service,
		State:         database,
		Journal:       journal,
		Breaker:       control.NewCircuitBreaker(cfg.Telegram.BreakerThreshold, cfg.BreakerCooldown()),
		Logger:        logger.With("component", "poller"),
		Timeout:       cfg.Telegram.TimeoutSeconds,
		Sleep:         cfg.PollSleep(),
		MaxConcurrent: cfg.Relay.MaxConcurrent,
		ParentEventID: processID,
	}
	if cfg.Commander == config.CommanderDummy {
		poller.IdleSleep = dummyIdleSleep
	}

	logger.Info("parley running",
		"commander", cfg.Commander,
		"provider", cfg.ModelProvider,
		"model", cfg.OpenAI.Model,
		"history_driver", cfg.History.Driver,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return poller.Run(gctx) })
	if cfg.HTTP.Addr != "" {
		ops := &httpapi.Server{
			Checks: map[string]httpapi.Pinger{
				"history": store,
				"state":   pingerFunc(database.PingContext),
			},
			Metrics: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			Logger:  logger.With("component", "httpapi"),
		}
		g.Go(func() error {
			err := ops.ListenAndServe(gctx, cfg.HTTP.Addr)
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		})
	}

	err = g.Wait()
	logger.Info("parley stopped")
	return err
}

type pingerFunc func(ctx context.Context) error

func (f pingerFunc) Ping(ctx context.Context) error { return f(ctx) }

func newCommander(cfg config.Config) (cmdpkg.Commander, error) {
	switch cfg.Commander {
	case config.CommanderTelegram:
		// The request deadline must outlast the long poll.
		timeout := time.Duration(cfg.Telegram.TimeoutSeconds+15) * time.Second
		client := telegram.NewClient(cfg.TelegramAPIBase(), timeout)
		client.ParseMode = cfg.Telegram.ParseMode
		return client, nil
	case config.CommanderDummy:
		c, err := dummy.NewCommander(cfg.Dummy.CommanderScript, cfg.Dummy.SendScript)
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unsupported commander: %s", cfg.Commander)
	}
}

func newBackends(cfg config.Config) (model.Completer, model.Transcriber, error) {
	switch cfg.ModelProvider {
	case config.ProviderOpenAI:
		client := openai.NewClient(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, cfg.OpenAITimeout())
		return client, client, nil
	case config.ProviderDummy:
		completer, err := dummy.NewCompleter(cfg.Dummy.CompleterScript)
		if err != nil {
			return nil, nil, err
		}
		transcriber, err := dummy.NewTranscriber(cfg.Dummy.TranscriberScript)
		if err != nil {
			return nil, nil, err
		}
		return completer, transcriber, nil
	default:
		return nil, nil, fmt.Errorf("unsupported model provider: %s", cfg.ModelProvider)
	}
}

// newConverter returns nil, so voice notes are submitted as received, when
// no ffmpeg binary is available.
func newConverter(cfg config.SpeechConfig, logger *slog.Logger) speech.Converter {
	if cfg.FFmpegPath == "" {
		return nil
	}
	path, err := exec.LookPath(cfg.FFmpegPath)
	if err != nil {
		logger.Warn("ffmpeg not found, audio conversion disabled", "ffmpeg_path", cfg.FFmpegPath, "error", err)
		return nil
	}
	return speech.FFmpeg{Path: path}
}
