package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/avast/retry-go/v4"
	"github.com/davecgh/go-spew/spew"
	"github.com/rs/zerolog"

	"github.com/wikiport/wikiport/wikijs"
)

// ExecutorConfig bounds execution.
type ExecutorConfig struct {
	// Concurrency caps how many independent operations run at once.
	Concurrency int
	Retry       RetryConfig
	Editor      string
	// DryRun reports the plan without issuing any mutation.
	DryRun bool
}

// Executor runs a plan against the remote API. Operations connected by a
// DependsOn edge run strictly in order; independent operations are issued
// concurrently up to the configured limit.
type Executor struct {
	api RemoteAPI
	cfg ExecutorConfig
	log zerolog.Logger

	mu        sync.Mutex
	folderIDs map[string]int
}

func NewExecutor(api RemoteAPI, cfg ExecutorConfig, logger zerolog.Logger) *Executor {
	return &Executor{
		api: api,
		cfg: cfg,
		log: logger.With().Str("component", "executor").Logger(),
	}
}

type opDone struct {
	idx int
	err error
}

// Execute runs every operation of the plan and returns a report covering
// all of them. A permanently failed operation marks its transitive
// dependents skipped without attempting them; cancellation lets in-flight
// operations finish, dispatches nothing new, and marks the rest
// not-attempted.
func (e *Executor) Execute(ctx context.Context, plan *Plan, snap *Snapshot) *Report {
	report := &Report{
		Conflicts:         plan.Conflicts,
		TransformFailures: plan.TransformFailures,
		DryRun:            e.cfg.DryRun,
	}

	if e.cfg.DryRun {
		if e.log.GetLevel() <= zerolog.DebugLevel {
			e.log.Debug().Msg(spew.Sdump(plan.Ops))
		}
		for _, op := range plan.Ops {
			if op.Kind == OpBarrier {
				continue
			}
			report.Results = append(report.Results, OpResult{Op: op.ID, Kind: op.Kind, Path: opPath(op), Outcome: OutcomePlanned})
		}
		return report
	}

	// Seed the folder id table from the snapshot; executing CreateFolder
	// operations extend it as real ids become known.
	e.mu.Lock()
	e.folderIDs = map[string]int{"": snap.RootFolderID}
	for path, f := range snap.Folders {
		e.folderIDs[path] = f.ID
	}
	e.mu.Unlock()

	n := len(plan.Ops)
	index := make(map[OpID]int, n)
	for i, op := range plan.Ops {
		index[op.ID] = i
	}
	dependents := make([][]int, n)
	pendingDeps := make([]int, n)
	for i, op := range plan.Ops {
		pendingDeps[i] = len(op.DependsOn)
		for _, dep := range op.DependsOn {
			j := index[dep]
			dependents[j] = append(dependents[j], i)
		}
	}

	outcomes := make([]Outcome, n)
	opErrs := make([]error, n)
	remaining := n

	var skip func(i int, dep OpID)
	skip = func(i int, dep OpID) {
		if outcomes[i] != OutcomePending {
			return
		}
		outcomes[i] = OutcomeSkipped
		opErrs[i] = fmt.Errorf("dependency %s did not succeed", dep)
		remaining--
		for _, d := range dependents[i] {
			skip(d, plan.Ops[i].ID)
		}
	}

	var ready []int
	for i := range plan.Ops {
		if pendingDeps[i] == 0 {
			ready = append(ready, i)
		}
	}

	limit := e.cfg.Concurrency
	if limit <= 0 {
		limit = 1
	}
	doneCh := make(chan opDone)
	inFlight := 0
	cancelled := false

	// Operations run on a context detached from the run's cancellation
	// signal: cancellation stops dispatching new operations, it does not
	// tear down calls already in flight.
	opCtx := context.WithoutCancel(ctx)

	for remaining > 0 {
		if !cancelled {
			select {
			case <-ctx.Done():
				cancelled = true
			default:
			}
		}
		for !cancelled && len(ready) > 0 && inFlight < limit {
			i := ready[0]
			ready = ready[1:]
			if outcomes[i] != OutcomePending {
				continue
			}
			inFlight++
			go func(i int, op Operation) {
				doneCh <- opDone{idx: i, err: e.runOp(opCtx, op)}
			}(i, plan.Ops[i])
		}
		if inFlight == 0 {
			break
		}

		var d opDone
		if cancelled {
			d = <-doneCh
		} else {
			select {
			case d = <-doneCh:
			case <-ctx.Done():
				cancelled = true
				continue
			}
		}

		inFlight--
		remaining--
		if d.err != nil {
			outcomes[d.idx] = OutcomeFailed
			opErrs[d.idx] = d.err
			for _, dep := range dependents[d.idx] {
				skip(dep, plan.Ops[d.idx].ID)
			}
			continue
		}
		outcomes[d.idx] = OutcomeSucceeded
		for _, dep := range dependents[d.idx] {
			if outcomes[dep] != OutcomePending {
				continue
			}
			pendingDeps[dep]--
			if pendingDeps[dep] == 0 {
				ready = append(ready, dep)
			}
		}
	}

	for i := range plan.Ops {
		if outcomes[i] == OutcomePending {
			outcomes[i] = OutcomeNotAttempted
		}
	}
	report.Cancelled = cancelled

	// Barriers are plan-internal ordering points; they carry no mutation
	// and stay out of the report.
	for i, op := range plan.Ops {
		if op.Kind == OpBarrier {
			continue
		}
		report.Results = append(report.Results, OpResult{
			Op:      op.ID,
			Kind:    op.Kind,
			Path:    opPath(op),
			Outcome: outcomes[i],
			Err:     opErrs[i],
		})
	}
	return report
}

func (e *Executor) runOp(ctx context.Context, op Operation) error {
	err := retry.Do(func() error {
		return e.apply(ctx, op)
	}, e.cfg.Retry.options(ctx)...)
	if err != nil {
		e.log.Error().Err(err).Str("op", string(op.ID)).Msg("operation failed")
		return err
	}
	if op.Kind != OpBarrier {
		e.log.Info().Str("op", string(op.ID)).Str("kind", op.Kind.String()).Msg("operation applied")
	}
	return nil
}

func (e *Executor) apply(ctx context.Context, op Operation) error {
	switch op.Kind {
	case OpCreateFolder:
		return e.createFolder(ctx, op)
	case OpCreatePage:
		return e.createPage(ctx, op)
	case OpUpdatePage:
		return e.api.UpdatePage(ctx, op.PageID, op.Content, e.cfg.Editor, op.Tags)
	case OpDeletePage:
		return e.deletePage(ctx, op)
	case OpUploadAsset:
		return e.uploadAsset(ctx, op)
	case OpBarrier:
		return nil
	default:
		return fmt.Errorf("unknown operation kind %v", op.Kind)
	}
}

// createFolder is re-entry safe: an attempt that mutated the server but
// lost the response finds the folder on the pre-check and only records its
// id. The server does not return the new folder's id, so the parent is
// listed again after creation; on an eventually consistent read the
// follow-up listing may lag, which surfaces as a transient error and gets
// retried.
func (e *Executor) createFolder(ctx context.Context, op Operation) error {
	parentID, ok := e.folderID(op.ParentPath)
	if !ok {
		return fmt.Errorf("create folder %s: no id for parent %q", op.FolderPath, op.ParentPath)
	}

	folders, err := e.api.ListFolders(ctx, parentID)
	if err != nil {
		return err
	}
	for _, f := range folders {
		if f.Slug == op.Slug {
			e.setFolderID(op.FolderPath, f.ID)
			return nil
		}
	}

	if err := e.api.CreateFolder(ctx, parentID, op.Slug, op.Name); err != nil {
		return err
	}
	folders, err = e.api.ListFolders(ctx, parentID)
	if err != nil {
		return err
	}
	for _, f := range folders {
		if f.Slug == op.Slug {
			e.setFolderID(op.FolderPath, f.ID)
			return nil
		}
	}
	return fmt.Errorf("create folder %s: not yet listed under parent %d", op.FolderPath, parentID)
}

func (e *Executor) createPage(ctx context.Context, op Operation) error {
	_, err := e.api.CreatePage(ctx, wikijs.CreatePageInput{
		Path:        op.Path,
		Title:       op.Title,
		Content:     op.Content,
		Editor:      e.cfg.Editor,
		Locale:      op.Locale,
		Tags:        op.Tags,
		IsPublished: true,
	})
	var apiErr *wikijs.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode == wikijs.ErrCodePageDuplicateCreate {
		// An earlier attempt landed but its response was lost.
		e.log.Warn().Str("path", op.Path).Msg("page already exists, treating create as applied")
		return nil
	}
	return err
}

func (e *Executor) deletePage(ctx context.Context, op Operation) error {
	err := e.api.DeletePage(ctx, op.PageID)
	var apiErr *wikijs.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode == wikijs.ErrCodePageNotFound {
		return nil
	}
	return err
}

func (e *Executor) uploadAsset(ctx context.Context, op Operation) error {
	folderID, ok := e.folderID(op.FolderPath)
	if !ok {
		return fmt.Errorf("upload %s: no id for folder %q", op.Filename, op.FolderPath)
	}
	return e.api.Upload(ctx, folderID, op.Filename, bytes.NewReader(op.Data))
}

func (e *Executor) folderID(path string) (int, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id, ok := e.folderIDs[path]
	return id, ok
}

func (e *Executor) setFolderID(path string, id int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.folderIDs[path] = id
}

func opPath(op Operation) string {
	switch op.Kind {
	case OpCreateFolder:
		return op.FolderPath
	case OpUploadAsset:
		if op.FolderPath == "" {
			return op.Filename
		}
		return op.FolderPath + "/" + op.Filename
	default:
		return op.Path
	}
}
