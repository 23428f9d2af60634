// tutor-gateway streams course-tutor conversations between the learning app
// and the model provider, carrying per-conversation memory in signed tokens
// so the serving tier stays stateless.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/courseloop/tutor-gateway/internal/compactor"
	"github.com/courseloop/tutor-gateway/internal/config"
	"github.com/courseloop/tutor-gateway/internal/gateway"
	"github.com/courseloop/tutor-gateway/internal/monitoring"
	"github.com/courseloop/tutor-gateway/internal/research"
	"github.com/courseloop/tutor-gateway/internal/upstream"
	"github.com/courseloop/tutor-gateway/internal/utils"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to YAML config file")
		addr       = flag.String("addr", "", "listen address (overrides config)")
		debug      = flag.Bool("debug", false, "enable debug logging")
	)
	flag.Parse()

	setupLogging(*debug)

	// Local development convenience; absence of a .env file is fine.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	log.Info().
		Str("addr", cfg.Server.Addr).
		Str("chat_model", cfg.Models.Chat).
		Str("api_key", utils.MaskKey(cfg.APIKey)).
		Msg("configuration loaded")

	metrics := monitoring.NewMetricsCollector()

	var events *monitoring.EventStore
	if cfg.Stats.DBPath != "" {
		events, err = monitoring.NewEventStore(cfg.Stats.DBPath)
		if err != nil {
			log.Fatal().Err(err).Str("path", cfg.Stats.DBPath).Msg("stats store open failed")
		}
		defer events.Close()
	}

	chat := upstream.New(cfg.APIKey, cfg.BaseURL,
		upstream.WithMaxRetries(cfg.Research.MaxRetries),
		// The backoff hook doubles as the retry counter: it runs once per
		// rate-limit retry, right before the sleep.
		upstream.WithBackoff(func(attempt int) time.Duration {
			metrics.RecordRetry()
			return upstream.Backoff(attempt)
		}))

	compact := compactor.New(chat, compactor.Config{
		AuxModel:           cfg.Models.Aux,
		BudgetTokens:       cfg.Memory.BudgetTokens,
		CondenseMaxChars:   cfg.Memory.CondenseMaxChars,
		SummaryHardCeiling: cfg.Memory.SummaryHardCeiling,
		SummaryTargetChars: cfg.Memory.SummaryTargetChars,
		MaxHistoryTurns:    cfg.Memory.MaxHistoryTurns,
	})

	researchBase := cfg.BaseURL
	if researchBase == "" {
		researchBase = research.DefaultBaseURL
	}
	orch := research.NewOrchestrator(
		research.NewClient(researchBase, cfg.APIKey),
		chat,
		research.Config{
			Model:      cfg.Models.Research,
			AuxModel:   cfg.Models.Aux,
			MaxRetries: cfg.Research.MaxRetries,
			Backoff: func(attempt int) time.Duration {
				metrics.RecordRetry()
				return upstream.Backoff(attempt)
			},
			CacheTTL: cfg.Research.CacheTTL.Std(),
			CacheCap: cfg.Research.CacheCap,
		})

	gw := gateway.New(cfg, chat, orch, compact, metrics, events)

	errCh := make(chan error, 1)
	go func() {
		errCh <- gw.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := gw.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("shutdown did not finish cleanly")
		}
	case err := <-errCh:
		if err != nil {
			log.Fatal().Err(err).Msg("server failed")
		}
	}
}

func setupLogging(debug bool) {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	if isTerminal(os.Stderr) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly})
	}
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}
