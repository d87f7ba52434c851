package engine

import (
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/wikiport/wikiport/source"
	"github.com/wikiport/wikiport/wikijs"
)

func newTestEngine(api RemoteAPI, cfg Config) *Engine {
	if cfg.Locale == "" {
		cfg.Locale = "en"
	}
	if cfg.Editor == "" {
		cfg.Editor = "ckeditor"
	}
	cfg.RetryAttempts = testRetry.Attempts
	cfg.RetryBaseDelay = testRetry.BaseDelay
	cfg.RetryMaxDelay = testRetry.MaxDelay
	return New(api, testTransform, cfg, zerolog.Nop())
}

func TestEngineRunEndToEnd(t *testing.T) {
	api := newFakeAPI()
	api.pages = []wikijs.Page{
		{ID: 1, Path: "stale", Locale: "en"},
		{ID: 2, Path: "a/b", Locale: "en"},
	}
	api.contents[2] = "outdated"

	tree := &source.Tree{
		Documents: []source.Document{
			doc("hello", "a", "b"),
			doc("fresh", "c"),
		},
		Attachments: []source.Attachment{
			{Namespace: []string{"a"}, Filename: "pic.png", Data: []byte{9}},
		},
	}

	eng := newTestEngine(api, Config{Concurrency: 3, DeleteOrphans: true, UploadAssets: true})
	report, err := eng.Run(context.Background(), tree)
	require.NoError(t, err)
	require.False(t, report.Failed())

	// Folder a created, page a/b updated, page c created, stale deleted,
	// attachment uploaded.
	require.Len(t, api.folders[0], 1)
	require.Equal(t, "a", api.folders[0][0].Slug)
	require.Equal(t, "T:hello", api.contents[2])

	var paths []string
	for _, p := range api.pages {
		paths = append(paths, p.Path)
	}
	require.ElementsMatch(t, []string{"a/b", "c"}, paths)

	folderID := api.folders[0][0].ID
	require.Equal(t, []string{"pic.png"}, api.uploads[folderID])
	require.Equal(t, 5, report.Count(OutcomeSucceeded))
}

func TestEngineReadErrorAbortsBeforeMutation(t *testing.T) {
	api := newFakeAPI()
	api.listPagesErr = &wikijs.APIError{ErrorCode: 6001, Slug: "AssetGenericError"}

	eng := newTestEngine(api, Config{Concurrency: 1})
	_, err := eng.Run(context.Background(), &source.Tree{Documents: []source.Document{doc("x", "a")}})

	var readErr *RemoteReadError
	require.ErrorAs(t, err, &readErr)
	for _, call := range api.calls {
		if !strings.HasPrefix(call, "listFolders") && call != "listPages" {
			t.Fatalf("mutation %q issued after failed read", call)
		}
	}
}

func TestEngineDryRunIssuesNoMutations(t *testing.T) {
	api := newFakeAPI()
	tree := &source.Tree{Documents: []source.Document{doc("x", "a", "b")}}

	eng := newTestEngine(api, Config{Concurrency: 2, DryRun: true, DeleteOrphans: true})
	report, err := eng.Run(context.Background(), tree)
	require.NoError(t, err)
	require.True(t, report.DryRun)
	require.Equal(t, 2, report.Count(OutcomePlanned))
	for _, call := range api.calls {
		if !strings.HasPrefix(call, "listFolders") && call != "listPages" {
			t.Fatalf("mutation %q issued during dry run", call)
		}
	}
}

func TestEngineRerunIsEmpty(t *testing.T) {
	api := newFakeAPI()
	tree := &source.Tree{Documents: []source.Document{doc("hello", "a", "b")}}

	eng := newTestEngine(api, Config{Concurrency: 2, DeleteOrphans: true, SkipUnchanged: true})
	report, err := eng.Run(context.Background(), tree)
	require.NoError(t, err)
	require.False(t, report.Failed())
	require.Equal(t, 2, report.Count(OutcomeSucceeded))

	plan, _, err := eng.Plan(context.Background(), tree)
	require.NoError(t, err)
	require.True(t, plan.Empty(), "second run should have nothing to do, got %d ops", len(plan.Ops))
}
