// Package engine reconciles a source wiki tree against a Wiki.js
// destination: it snapshots the destination's folder and page state,
// computes the minimal create/update/delete plan, and executes it with
// bounded concurrency and per-operation retries.
package engine

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/wikiport/wikiport/source"
)

// Config is everything the engine accepts from the outside.
type Config struct {
	// RootFolderID is the destination asset folder the migrated tree is
	// mounted under; 0 is the instance root.
	RootFolderID int
	// Concurrency caps parallel remote mutations.
	Concurrency int

	RetryAttempts  uint
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration

	// DryRun computes and reports the plan without mutating anything.
	DryRun bool

	Locale string
	Editor string
	Prefix string
	Tags   []string

	SkipUnchanged bool
	DeleteOrphans bool
	UploadAssets  bool
}

func (c Config) retry() RetryConfig {
	return RetryConfig{
		Attempts:  c.RetryAttempts,
		BaseDelay: c.RetryBaseDelay,
		MaxDelay:  c.RetryMaxDelay,
	}.orDefault()
}

// Engine ties the snapshot reader, planner, and executor together for one
// destination.
type Engine struct {
	api       RemoteAPI
	transform TransformFunc
	cfg       Config
	log       zerolog.Logger
}

// New builds an engine. transform converts raw source content to the
// destination editor format and must be deterministic for re-run
// convergence.
func New(api RemoteAPI, transform TransformFunc, cfg Config, logger zerolog.Logger) *Engine {
	return &Engine{
		api:       api,
		transform: transform,
		cfg:       cfg,
		log:       logger.With().Str("component", "engine").Logger(),
	}
}

// Plan snapshots the destination and computes the reconciliation plan
// without executing it. A snapshot failure aborts with *RemoteReadError;
// the engine never plans on a partial view of the destination.
func (e *Engine) Plan(ctx context.Context, tree *source.Tree) (*Plan, *Snapshot, error) {
	reader := NewSnapshotReader(e.api, e.cfg.retry(), e.log)
	snap, err := reader.Read(ctx, e.cfg.RootFolderID)
	if err != nil {
		return nil, nil, err
	}

	var contents ContentFetcher
	if e.cfg.SkipUnchanged {
		contents = e.api
	}
	planner := NewPlanner(PlannerConfig{
		Prefix:        e.cfg.Prefix,
		Locale:        e.cfg.Locale,
		Editor:        e.cfg.Editor,
		Tags:          e.cfg.Tags,
		SkipUnchanged: e.cfg.SkipUnchanged,
		DeleteOrphans: e.cfg.DeleteOrphans,
		UploadAssets:  e.cfg.UploadAssets,
	}, e.transform, contents, e.log)

	plan, err := planner.Build(ctx, tree, snap)
	if err != nil {
		return nil, nil, err
	}
	e.log.Info().
		Int("operations", len(plan.Ops)).
		Int("conflicts", len(plan.Conflicts)).
		Int("transform_failures", len(plan.TransformFailures)).
		Msg("plan computed")
	return plan, snap, nil
}

// Run performs a full reconciliation cycle: snapshot, plan, execute. The
// returned report covers every planned operation; err is non-nil only for
// failures that abort the run before execution starts.
func (e *Engine) Run(ctx context.Context, tree *source.Tree) (*Report, error) {
	plan, snap, err := e.Plan(ctx, tree)
	if err != nil {
		return nil, err
	}

	executor := NewExecutor(e.api, ExecutorConfig{
		Concurrency: e.cfg.Concurrency,
		Retry:       e.cfg.retry(),
		Editor:      e.cfg.Editor,
		DryRun:      e.cfg.DryRun,
	}, e.log)
	return executor.Execute(ctx, plan, snap), nil
}
