package engine

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/avast/retry-go/v4"
	"github.com/rs/zerolog"

	"github.com/wikiport/wikiport/wikijs"
)

// RemoteAPI is the surface of the destination the engine consumes,
// satisfied by *wikijs.Client. Tests substitute fakes.
type RemoteAPI interface {
	ListFolders(ctx context.Context, parentFolderID int) ([]wikijs.Folder, error)
	ListPages(ctx context.Context) ([]wikijs.Page, error)
	PageContent(ctx context.Context, id int) (string, error)
	CreatePage(ctx context.Context, in wikijs.CreatePageInput) (*wikijs.Page, error)
	UpdatePage(ctx context.Context, id int, content, editor string, tags []string) error
	DeletePage(ctx context.Context, id int) error
	CreateFolder(ctx context.Context, parentFolderID int, slug, name string) error
	Upload(ctx context.Context, folderID int, filename string, content io.Reader) error
}

// RemoteReadError wraps any failure while snapshotting the destination.
// The engine never plans, let alone mutates, on top of a partial snapshot.
type RemoteReadError struct {
	Op  string
	Err error
}

func (e *RemoteReadError) Error() string {
	return fmt.Sprintf("remote read %s: %v", e.Op, e.Err)
}

func (e *RemoteReadError) Unwrap() error { return e.Err }

// PageKey identifies a destination page; (path, locale) is unique across
// the instance.
type PageKey struct {
	Path   string
	Locale string
}

// RemoteFolder is a discovered asset folder with its chain path from the
// configured root ("a/b" for slug b under slug a; "" is the root itself).
type RemoteFolder struct {
	ID       int
	Slug     string
	ParentID int
	Path     string
}

// Snapshot is the destination's folder and page state as read at the start
// of a run.
type Snapshot struct {
	RootFolderID int
	Folders      map[string]RemoteFolder
	Pages        map[PageKey]wikijs.Page
}

// HasFolder reports whether the chain path already exists remotely. The
// root always exists.
func (s *Snapshot) HasFolder(path string) bool {
	if path == "" {
		return true
	}
	_, ok := s.Folders[path]
	return ok
}

// SnapshotReader discovers destination state. Folder listing is scoped to
// one parent per query, so the tree is walked breadth-first from the root.
type SnapshotReader struct {
	api   RemoteAPI
	retry RetryConfig
	log   zerolog.Logger
}

func NewSnapshotReader(api RemoteAPI, retry RetryConfig, logger zerolog.Logger) *SnapshotReader {
	return &SnapshotReader{
		api:   api,
		retry: retry,
		log:   logger.With().Str("component", "snapshot").Logger(),
	}
}

// Read queries the destination for its full folder tree under rootFolderID
// and its complete page list. Any query failing after retries aborts with
// *RemoteReadError; a truncated tree is never returned as complete.
func (r *SnapshotReader) Read(ctx context.Context, rootFolderID int) (*Snapshot, error) {
	snap := &Snapshot{
		RootFolderID: rootFolderID,
		Folders:      map[string]RemoteFolder{},
		Pages:        map[PageKey]wikijs.Page{},
	}

	type pending struct {
		id   int
		path string
	}
	queue := []pending{{id: rootFolderID, path: ""}}
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]

		folders, err := retryList(ctx, r.retry, func() ([]wikijs.Folder, error) {
			return r.api.ListFolders(ctx, next.id)
		})
		if err != nil {
			return nil, &RemoteReadError{Op: fmt.Sprintf("listFolders(%d)", next.id), Err: err}
		}
		for _, f := range folders {
			path := f.Slug
			if next.path != "" {
				path = next.path + "/" + f.Slug
			}
			snap.Folders[path] = RemoteFolder{
				ID:       f.ID,
				Slug:     f.Slug,
				ParentID: next.id,
				Path:     path,
			}
			queue = append(queue, pending{id: f.ID, path: path})
		}
	}

	pages, err := retryList(ctx, r.retry, func() ([]wikijs.Page, error) {
		return r.api.ListPages(ctx)
	})
	if err != nil {
		return nil, &RemoteReadError{Op: "listPages", Err: err}
	}
	for _, p := range pages {
		key := PageKey{Path: strings.Trim(p.Path, "/"), Locale: p.Locale}
		snap.Pages[key] = p
	}

	r.log.Debug().
		Int("folders", len(snap.Folders)).
		Int("pages", len(snap.Pages)).
		Msg("remote snapshot complete")
	return snap, nil
}

func retryList[T any](ctx context.Context, cfg RetryConfig, list func() ([]T, error)) ([]T, error) {
	return retry.DoWithData(func() ([]T, error) {
		return list()
	}, cfg.options(ctx)...)
}
