package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kotovox/kotovox/internal/bus"
	"github.com/kotovox/kotovox/internal/config"
	"github.com/kotovox/kotovox/internal/engine"
	"github.com/kotovox/kotovox/internal/llm"
	"github.com/kotovox/kotovox/internal/pipeline"
	"github.com/kotovox/kotovox/internal/runtime"
)

var version = "0.1.0-dev"

const (
	exitOK      = 0
	exitFatal   = 1
	exitPartial = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath  string
		inputPath   string
		mode        string
		outDir      string
		chunkChars  int
		llmProvider string
		llmModel    string
		mappingPath string
		allowGaps   bool
		showVersion bool
	)

	flag.StringVar(&configPath, "config", "kotovox.yaml", "Path to configuration file")
	flag.StringVar(&inputPath, "input", "", "Path to the input text file")
	flag.StringVar(&mode, "mode", "full", "Run mode: full, attribute, synth, cast, merge")
	flag.StringVar(&outDir, "outdir", "", "Output directory (overrides config)")
	flag.IntVar(&chunkChars, "chunk-chars", 0, "Attribution chunk size in characters (overrides config)")
	flag.StringVar(&llmProvider, "llm-provider", "", "LLM provider: mock, ollama, openai (overrides config)")
	flag.StringVar(&llmModel, "llm-model", "", "LLM model name (overrides config)")
	flag.StringVar(&mappingPath, "mapping", "", "Voice mapping file (overrides config)")
	flag.BoolVar(&allowGaps, "allow-gaps", false, "Merge mode: skip failed utterances instead of aborting")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(version)
		return exitOK
	}

	configSet := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "config" {
			configSet = true
		}
	})
	if !configSet {
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			configPath = ""
		}
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitFatal
	}
	if outDir != "" {
		cfg.Output.Dir = outDir
	}
	if chunkChars > 0 {
		cfg.Pipeline.ChunkChars = chunkChars
	}
	if llmProvider != "" {
		cfg.LLM.Provider = llmProvider
	}
	if llmModel != "" {
		cfg.LLM.Model = llmModel
	}
	if mappingPath != "" {
		cfg.Voices.MappingPath = mappingPath
	}

	logger := runtime.NewLogger(cfg.Telemetry.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var telemetry *runtime.Telemetry
	if cfg.Telemetry.OTLPEndpoint != "" || cfg.Telemetry.PrometheusBind != "" {
		telemetry, err = runtime.SetupTelemetry(cfg, logger)
		if err != nil {
			logger.Error("telemetry setup failed", slog.String("error", err.Error()))
			return exitFatal
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := telemetry.Shutdown(shutdownCtx); err != nil {
				logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
			}
		}()
	}

	completer, err := llm.New(cfg.LLM)
	if err != nil {
		logger.Error("llm setup failed", slog.String("error", err.Error()))
		return exitFatal
	}

	publisher, err := bus.Connect(cfg.Bus, logger)
	if err != nil {
		logger.Error("bus connection failed", slog.String("error", err.Error()))
		return exitFatal
	}
	defer publisher.Close()

	engineClient := engine.NewClient(cfg.Engine, logger)
	runner := pipeline.New(cfg, completer, engineClient, publisher, logger)

	if inputPath == "" {
		fmt.Fprintln(os.Stderr, "-input is required")
		return exitFatal
	}

	switch mode {
	case "full":
		summary, err := runner.Run(ctx, inputPath)
		if err != nil {
			logger.Error("run failed", slog.String("error", err.Error()))
			return exitFatal
		}
		return report(logger, summary)

	case "attribute":
		summary, err := runner.Attribute(ctx, inputPath)
		if err != nil {
			logger.Error("attribution failed", slog.String("error", err.Error()))
			return exitFatal
		}
		logger.Info("attribution complete", slog.Int("utterances", summary.Total))
		return exitOK

	case "synth":
		summary, err := runner.Synthesize(ctx, inputPath)
		if err != nil {
			logger.Error("synthesis failed", slog.String("error", err.Error()))
			return exitFatal
		}
		return report(logger, summary)

	case "cast":
		if err := runner.Cast(ctx, inputPath); err != nil {
			logger.Error("casting failed", slog.String("error", err.Error()))
			return exitFatal
		}
		return exitOK

	case "merge":
		out, err := runner.Merge(ctx, inputPath, allowGaps)
		if err != nil {
			logger.Error("merge failed", slog.String("error", err.Error()))
			return exitFatal
		}
		logger.Info("merge complete", slog.String("output", out))
		return exitOK

	default:
		fmt.Fprintf(os.Stderr, "unknown mode %q\n", mode)
		return exitFatal
	}
}

func report(logger *slog.Logger, summary *pipeline.Summary) int {
	logger.Info("run complete",
		slog.String("run_id", summary.RunID),
		slog.Int("total", summary.Total),
		slog.Int("synthesized", summary.Synthesized),
		slog.Int("skipped", summary.Skipped),
		slog.Int("failed", summary.Failed),
		slog.String("outdir", summary.OutputDir),
		slog.String("manifest", summary.ManifestPath))
	for _, f := range summary.Failures {
		logger.Warn("utterance not voiced",
			slog.Int("line_seq", f.LineSeq),
			slog.Int("intra_index", f.IntraIndex),
			slog.String("speaker", f.Speaker),
			slog.String("reason", f.Reason))
	}
	if summary.Failed > 0 {
		return exitPartial
	}
	return exitOK
}
