package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/freeeve/pgnvault/internal/config"
	"github.com/freeeve/pgnvault/internal/events"
	"github.com/freeeve/pgnvault/internal/logx"
	"github.com/freeeve/pgnvault/internal/pipeline"
)

func main() {
	_ = godotenv.Load()

	var (
		configPath  = flag.String("config", "", "Path to YAML config file")
		outDir      = flag.String("out", "", "Output directory")
		year        = flag.Int("year", 0, "Year of monthly datasets to process")
		event       = flag.String("event", "", `Event filter (e.g. "Rated Blitz game")`)
		timeControl = flag.String("time-control", "", `TimeControl filter (empty accepts any)`)
		minMoves    = flag.Int("min-moves", 0, "Minimum full moves per game")
		minMonthly  = flag.Int("min-monthly", 0, "Minimum valid games per player per month")
		minTotal    = flag.Int("min-total", 0, "Minimum cumulative games per player")
		bufferMB    = flag.Int("buffer-mb", 0, "Write buffer ceiling in MiB")
		prefetch    = flag.Bool("prefetch", false, "Download the next dataset during extraction")
		headless    = flag.Bool("headless", false, "Console output only")
	)
	flag.Parse()

	logger := logx.New()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			logger.Fatal().Err(err).Msg("load config")
		}
		cfg = loaded
	}
	cfg.ApplyEnv()

	// Explicit flags win over config file and environment.
	flag.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "out":
			cfg.OutputDir = *outDir
		case "year":
			cfg.Year = *year
			cfg.DatasetURLs = nil
		case "event":
			cfg.EventFilter = *event
		case "time-control":
			cfg.TimeControlFilter = *timeControl
		case "min-moves":
			cfg.MinFullMoves = *minMoves
		case "min-monthly":
			cfg.MinMonthlyGames = *minMonthly
		case "min-total":
			cfg.MinTotalGames = *minTotal
		case "buffer-mb":
			cfg.WriteBufferMaxBytes = int64(*bufferMB) << 20
		case "prefetch":
			cfg.Prefetch = *prefetch
		}
	})
	if err := cfg.Finalize(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// An interactive dashboard attaches through events.ChannelSink; this
	// binary ships with the console sink, so both modes run headless.
	_ = *headless
	control := events.NewControl()
	sink := events.NewConsoleSink(os.Stdout, control)

	logger.Info().
		Str("output", cfg.OutputDir).
		Str("event", cfg.EventFilter).
		Str("time_control", cfg.TimeControlFilter).
		Int("min_moves", cfg.MinFullMoves).
		Int("min_monthly", cfg.MinMonthlyGames).
		Int("min_total", cfg.MinTotalGames).
		Msg("starting extraction")

	committed, err := pipeline.Run(ctx, cfg, sink, logger)
	switch {
	case err == nil:
		logger.Info().Int("datasets_committed", committed).Msg("run complete")
	case errors.Is(err, events.ErrCancelled), errors.Is(err, context.Canceled):
		logger.Info().Int("datasets_committed", committed).Msg("cancelled")
		if committed == 0 {
			os.Exit(1)
		}
	default:
		logger.Fatal().Err(err).Msg("pipeline failed")
	}
}
