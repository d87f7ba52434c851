package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/wikiport/wikiport/source"
)

// OpKind enumerates the mutations the destination affords.
type OpKind int

const (
	OpCreateFolder OpKind = iota + 1
	OpCreatePage
	OpUpdatePage
	OpDeletePage
	OpUploadAsset
	// OpBarrier is a plan-internal ordering point with no remote effect;
	// it lets many operations wait on many others through a single node.
	OpBarrier
)

func (k OpKind) String() string {
	switch k {
	case OpCreateFolder:
		return "create-folder"
	case OpCreatePage:
		return "create-page"
	case OpUpdatePage:
		return "update-page"
	case OpDeletePage:
		return "delete-page"
	case OpUploadAsset:
		return "upload-asset"
	case OpBarrier:
		return "barrier"
	default:
		return fmt.Sprintf("op(%d)", int(k))
	}
}

// OpID identifies an operation within one plan.
type OpID string

// Operation is one planned mutation. DependsOn lists operations that must
// have succeeded before this one may start; the destination has no
// transactions, so this partial order is the only cross-call consistency
// mechanism.
type Operation struct {
	ID        OpID
	Kind      OpKind
	DependsOn []OpID

	// Folder creation. ParentPath/FolderPath are slug chain paths relative
	// to the root folder ("" is the root itself); real folder ids are
	// resolved at execution time.
	ParentPath string
	FolderPath string
	Slug       string
	Name       string

	// Page fields.
	Path    string
	Locale  string
	Title   string
	Content string
	Tags    []string
	PageID  int // set for updates and deletes

	// Asset upload.
	Filename string
	Data     []byte
}

// MappingConflict records two distinct namespaces mapping to the same
// destination path. The later document (in walk order) is excluded from
// the plan; the run continues.
type MappingConflict struct {
	Namespace      []string
	FirstNamespace []string
	Path           string
}

func (c MappingConflict) Error() string {
	return fmt.Sprintf("mapping conflict: %s and %s both map to %q",
		strings.Join(c.FirstNamespace, "/"), strings.Join(c.Namespace, "/"), c.Path)
}

// TransformFailure records a document whose content transformation failed.
// Permanent for that document only.
type TransformFailure struct {
	Namespace []string
	Err       error
}

// Plan is an ordered operation sequence in which every operation appears
// after everything it depends on. Built once per run from the live remote
// snapshot; never persisted.
type Plan struct {
	Ops               []Operation
	Conflicts         []MappingConflict
	TransformFailures []TransformFailure
}

// Empty reports whether the plan contains no operations.
func (p *Plan) Empty() bool { return len(p.Ops) == 0 }

// Validate checks that every DependsOn reference resolves to an earlier
// operation in the sequence.
func (p *Plan) Validate() error {
	seen := make(map[OpID]bool, len(p.Ops))
	for _, op := range p.Ops {
		for _, dep := range op.DependsOn {
			if !seen[dep] {
				return fmt.Errorf("plan: %s depends on %s which does not precede it", op.ID, dep)
			}
		}
		if seen[op.ID] {
			return fmt.Errorf("plan: duplicate operation id %s", op.ID)
		}
		seen[op.ID] = true
	}
	return nil
}

// TransformFunc converts raw source content into destination editor
// content. Pure from the engine's perspective; errors are permanent for
// the one document.
type TransformFunc func(raw []byte) (string, error)

// ContentFetcher is the snapshot-side capability needed for the optional
// skip-unchanged comparison.
type ContentFetcher interface {
	PageContent(ctx context.Context, id int) (string, error)
}

// PlannerConfig controls plan construction.
type PlannerConfig struct {
	Prefix        string
	Locale        string
	Editor        string
	Tags          []string
	SkipUnchanged bool
	DeleteOrphans bool
	UploadAssets  bool
}

// Planner diffs a source tree against a remote snapshot.
type Planner struct {
	cfg       PlannerConfig
	transform TransformFunc
	contents  ContentFetcher
	log       zerolog.Logger
}

// NewPlanner builds a planner. contents may be nil unless
// cfg.SkipUnchanged is set.
func NewPlanner(cfg PlannerConfig, transform TransformFunc, contents ContentFetcher, logger zerolog.Logger) *Planner {
	return &Planner{
		cfg:       cfg,
		transform: transform,
		contents:  contents,
		log:       logger.With().Str("component", "planner").Logger(),
	}
}

var folderNameCaser = cases.Title(language.Und)

type folderReq struct {
	path   string
	parent string
	slug   string
	depth  int
}

// Build computes the operation plan that makes the destination match the
// source tree. Folder creations come first (parents before children), then
// page creations and updates in walk order, then asset uploads, then
// orphan deletions. The output is deterministic for identical inputs.
func (p *Planner) Build(ctx context.Context, tree *source.Tree, snap *Snapshot) (*Plan, error) {
	plan := &Plan{}

	type mappedDoc struct {
		doc     source.Document
		mapping Mapping
	}

	// Map every document, detecting destination path collisions. The first
	// claimant of a path wins; later ones are excluded and reported.
	var docs []mappedDoc
	pathOwner := map[string][]string{}
	for _, doc := range tree.Documents {
		mapping, err := MapNamespace(doc.Namespace, p.cfg.Prefix)
		if err != nil {
			plan.TransformFailures = append(plan.TransformFailures, TransformFailure{Namespace: doc.Namespace, Err: err})
			continue
		}
		if first, taken := pathOwner[mapping.Path]; taken {
			conflict := MappingConflict{Namespace: doc.Namespace, FirstNamespace: first, Path: mapping.Path}
			p.log.Warn().Str("path", mapping.Path).Msg(conflict.Error())
			plan.Conflicts = append(plan.Conflicts, conflict)
			continue
		}
		pathOwner[mapping.Path] = doc.Namespace
		docs = append(docs, mappedDoc{doc: doc, mapping: mapping})
	}

	// Union of required folder chains, from document ancestors and
	// attachment namespaces.
	required := map[string]folderReq{}
	addChain := func(slugs []string) {
		parent := ""
		for i, slug := range slugs {
			path := slug
			if parent != "" {
				path = parent + "/" + slug
			}
			if _, ok := required[path]; !ok {
				required[path] = folderReq{path: path, parent: parent, slug: slug, depth: i + 1}
			}
			parent = path
		}
	}
	for _, md := range docs {
		addChain(md.mapping.Folders)
	}
	var attachmentChains []string
	if p.cfg.UploadAssets {
		attachmentChains = make([]string, len(tree.Attachments))
		for i, att := range tree.Attachments {
			chain, err := slugChain(att.Namespace, p.cfg.Prefix)
			if err != nil {
				return nil, fmt.Errorf("attachment %s/%s: %w", strings.Join(att.Namespace, "/"), att.Filename, err)
			}
			addChain(chain)
			attachmentChains[i] = strings.Join(chain, "/")
		}
	}

	// Folder creations for chains missing from the snapshot, parents
	// before children.
	missing := make([]folderReq, 0, len(required))
	for _, req := range required {
		if !snap.HasFolder(req.path) {
			missing = append(missing, req)
		}
	}
	sort.Slice(missing, func(i, j int) bool {
		if missing[i].depth != missing[j].depth {
			return missing[i].depth < missing[j].depth
		}
		return missing[i].path < missing[j].path
	})
	folderOp := map[string]OpID{}
	for _, req := range missing {
		op := Operation{
			ID:         OpID("folder:" + req.path),
			Kind:       OpCreateFolder,
			ParentPath: req.parent,
			FolderPath: req.path,
			Slug:       req.slug,
			Name:       folderNameCaser.String(req.slug),
		}
		if parentOp, ok := folderOp[req.parent]; ok {
			op.DependsOn = []OpID{parentOp}
		}
		folderOp[req.path] = op.ID
		plan.Ops = append(plan.Ops, op)
	}

	// Page creations and updates, in walk order. Every page key the source
	// intends to own counts as produced, even when its operation is
	// dropped, so orphan deletion never removes a page the source still
	// claims.
	produced := map[PageKey]bool{}
	var pageOpIDs []OpID
	for _, md := range docs {
		locale := md.doc.Locale
		if locale == "" {
			locale = p.cfg.Locale
		}
		key := PageKey{Path: md.mapping.Path, Locale: locale}
		produced[key] = true

		content, err := p.transform(md.doc.Raw)
		if err != nil {
			p.log.Warn().Err(err).Str("path", md.mapping.Path).Msg("content transform failed")
			plan.TransformFailures = append(plan.TransformFailures, TransformFailure{Namespace: md.doc.Namespace, Err: err})
			continue
		}

		if existing, ok := snap.Pages[key]; ok {
			if p.cfg.SkipUnchanged && p.contents != nil {
				remote, err := p.contents.PageContent(ctx, existing.ID)
				if err == nil && remote == content {
					p.log.Debug().Str("path", md.mapping.Path).Msg("content unchanged, skipping update")
					continue
				}
				if err != nil {
					p.log.Warn().Err(err).Str("path", md.mapping.Path).Msg("content fetch failed, assuming changed")
				}
			}
			op := Operation{
				ID:      OpID("page:" + key.Path + "@" + key.Locale),
				Kind:    OpUpdatePage,
				PageID:  existing.ID,
				Path:    key.Path,
				Locale:  key.Locale,
				Content: content,
				Tags:    p.cfg.Tags,
			}
			pageOpIDs = append(pageOpIDs, op.ID)
			plan.Ops = append(plan.Ops, op)
			continue
		}

		op := Operation{
			ID:      OpID("page:" + key.Path + "@" + key.Locale),
			Kind:    OpCreatePage,
			Path:    key.Path,
			Locale:  key.Locale,
			Title:   md.doc.Title,
			Content: content,
			Tags:    p.cfg.Tags,
		}
		// A page creation waits for every newly created folder on its
		// ancestor chain; transitive folder dependencies already order the
		// chain itself.
		parent := ""
		for _, slug := range md.mapping.Folders {
			path := slug
			if parent != "" {
				path = parent + "/" + slug
			}
			if folderID, ok := folderOp[path]; ok {
				op.DependsOn = append(op.DependsOn, folderID)
			}
			parent = path
		}
		pageOpIDs = append(pageOpIDs, op.ID)
		plan.Ops = append(plan.Ops, op)
	}

	// Asset uploads, after their folder chain exists.
	if p.cfg.UploadAssets {
		for i, att := range tree.Attachments {
			chain := attachmentChains[i]
			id := "upload:" + att.Filename
			if chain != "" {
				id = "upload:" + chain + "/" + att.Filename
			}
			op := Operation{
				ID:         OpID(id),
				Kind:       OpUploadAsset,
				FolderPath: chain,
				Filename:   att.Filename,
				Data:       att.Data,
			}
			if folderID, ok := folderOp[chain]; ok {
				op.DependsOn = []OpID{folderID}
			}
			plan.Ops = append(plan.Ops, op)
		}
	}

	// Orphan deletions last, gated behind a barrier over every page
	// creation and update so a rename (observed as delete + create) never
	// runs the delete first. One barrier keeps the edge count linear
	// instead of pages x orphans. The scan compares against the slug form
	// of the prefix; page paths are always slugs.
	if p.cfg.DeleteOrphans {
		prefix := SlugifyPath(p.cfg.Prefix)
		type orphan struct {
			key PageKey
			id  int
		}
		var orphanList []orphan
		for key, page := range snap.Pages {
			if produced[key] {
				continue
			}
			if prefix != "" && key.Path != prefix && !strings.HasPrefix(key.Path, prefix+"/") {
				continue
			}
			orphanList = append(orphanList, orphan{key: key, id: page.ID})
		}
		sort.Slice(orphanList, func(i, j int) bool {
			if orphanList[i].key.Path != orphanList[j].key.Path {
				return orphanList[i].key.Path < orphanList[j].key.Path
			}
			return orphanList[i].key.Locale < orphanList[j].key.Locale
		})
		var deleteDeps []OpID
		if len(orphanList) > 0 && len(pageOpIDs) > 0 {
			barrier := Operation{
				ID:        OpID("barrier:pages"),
				Kind:      OpBarrier,
				DependsOn: pageOpIDs,
			}
			plan.Ops = append(plan.Ops, barrier)
			deleteDeps = []OpID{barrier.ID}
		}
		for _, o := range orphanList {
			plan.Ops = append(plan.Ops, Operation{
				ID:        OpID("delete:" + o.key.Path + "@" + o.key.Locale),
				Kind:      OpDeletePage,
				DependsOn: deleteDeps,
				PageID:    o.id,
				Path:      o.key.Path,
				Locale:    o.key.Locale,
			})
		}
	}

	if err := plan.Validate(); err != nil {
		return nil, err
	}
	return plan, nil
}

// slugChain maps a full namespace path (every segment a folder) to its
// slug chain, prefix included.
func slugChain(ns []string, prefix string) ([]string, error) {
	segments := append(splitPrefix(prefix), ns...)
	slugs := make([]string, len(segments))
	for i, seg := range segments {
		slug := Slugify(seg)
		if slug == "" {
			return nil, fmt.Errorf("segment %q slugifies to nothing", seg)
		}
		slugs[i] = slug
	}
	return slugs, nil
}
