package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/wikiport/wikiport/engine"
	"github.com/wikiport/wikiport/source"
	"github.com/wikiport/wikiport/transform"
	"github.com/wikiport/wikiport/wikijs"
)

func main() {
	configPath := flag.String("config", "", "Path to the TOML configuration file")
	dryRun := flag.Bool("dry-run", false, "Compute and report the plan without mutating the destination")
	verbose := flag.Bool("verbose", false, "Enable debug logging")
	flag.Parse()

	level := zerolog.InfoLevel
	if *verbose {
		level = zerolog.DebugLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(level).
		With().Timestamp().Logger()

	if *configPath == "" {
		log.Fatal().Msg("-config is required")
	}
	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	cfg.engine.DryRun = *dryRun

	// A single interrupt stops dispatching new operations; in-flight ones
	// finish and the partial report is still printed.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tree, err := source.Walk(cfg.sourceRoot, source.Options{
		Locale: cfg.locale,
		Only:   cfg.only,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("reading source tree failed")
	}
	log.Info().
		Int("documents", len(tree.Documents)).
		Int("attachments", len(tree.Attachments)).
		Msg("source tree read")

	client := wikijs.NewClient(cfg.baseURL, cfg.authToken, log)
	transformOpts := transform.Options{
		Editor:     cfg.editor,
		PrettyURLs: cfg.prettyURLs,
		PathPrefix: cfg.engine.Prefix,
	}
	eng := engine.New(client, func(raw []byte) (string, error) {
		return transform.Transform(raw, transformOpts)
	}, cfg.engine, log)

	report, err := eng.Run(ctx, tree)
	if err != nil {
		log.Fatal().Err(err).Msg("migration aborted")
	}
	report.Log(log)
	if report.Failed() {
		os.Exit(1)
	}
}
