package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/wikiport/wikiport/wikijs"
)

// fakeAPI is an in-memory destination implementing RemoteAPI. Error hooks
// let tests inject failures per call.
type fakeAPI struct {
	mu       sync.Mutex
	nextID   int
	folders  map[int][]wikijs.Folder
	pages    []wikijs.Page
	contents map[int]string
	uploads  map[int][]string
	calls    []string

	listFoldersErr  func(parentID int) error
	listPagesErr    error
	createFolderErr func(parentID int, slug string) error
	createPageErr   func(ctx context.Context, path string) error
	updatePageErr   func(id int) error
	deletePageErr   func(id int) error
	uploadErr       func(filename string) error
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		nextID:   100,
		folders:  map[int][]wikijs.Folder{},
		contents: map[int]string{},
		uploads:  map[int][]string{},
	}
}

func (f *fakeAPI) callIndex(t *testing.T, call string) int {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, c := range f.calls {
		if c == call {
			return i
		}
	}
	t.Fatalf("call %q not recorded in %v", call, f.calls)
	return -1
}

func (f *fakeAPI) ListFolders(_ context.Context, parentFolderID int) ([]wikijs.Folder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf("listFolders:%d", parentFolderID))
	if f.listFoldersErr != nil {
		if err := f.listFoldersErr(parentFolderID); err != nil {
			return nil, err
		}
	}
	return append([]wikijs.Folder(nil), f.folders[parentFolderID]...), nil
}

func (f *fakeAPI) ListPages(_ context.Context) ([]wikijs.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "listPages")
	if f.listPagesErr != nil {
		return nil, f.listPagesErr
	}
	return append([]wikijs.Page(nil), f.pages...), nil
}

func (f *fakeAPI) PageContent(_ context.Context, id int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	content, ok := f.contents[id]
	if !ok {
		return "", &wikijs.APIError{ErrorCode: wikijs.ErrCodePageNotFound}
	}
	return content, nil
}

func (f *fakeAPI) CreatePage(ctx context.Context, in wikijs.CreatePageInput) (*wikijs.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "createPage:"+in.Path)
	if f.createPageErr != nil {
		if err := f.createPageErr(ctx, in.Path); err != nil {
			return nil, err
		}
	}
	page := wikijs.Page{ID: f.nextID, Path: in.Path, Locale: in.Locale}
	f.nextID++
	f.pages = append(f.pages, page)
	f.contents[page.ID] = in.Content
	return &page, nil
}

func (f *fakeAPI) UpdatePage(_ context.Context, id int, content, _ string, _ []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf("updatePage:%d", id))
	if f.updatePageErr != nil {
		if err := f.updatePageErr(id); err != nil {
			return err
		}
	}
	f.contents[id] = content
	return nil
}

func (f *fakeAPI) DeletePage(_ context.Context, id int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf("deletePage:%d", id))
	if f.deletePageErr != nil {
		if err := f.deletePageErr(id); err != nil {
			return err
		}
	}
	for i, p := range f.pages {
		if p.ID == id {
			f.pages = append(f.pages[:i], f.pages[i+1:]...)
			return nil
		}
	}
	return &wikijs.APIError{ErrorCode: wikijs.ErrCodePageNotFound}
}

func (f *fakeAPI) CreateFolder(_ context.Context, parentFolderID int, slug, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "createFolder:"+slug)
	if f.createFolderErr != nil {
		if err := f.createFolderErr(parentFolderID, slug); err != nil {
			return err
		}
	}
	f.folders[parentFolderID] = append(f.folders[parentFolderID], wikijs.Folder{ID: f.nextID, Slug: slug, Name: name})
	f.nextID++
	return nil
}

func (f *fakeAPI) Upload(_ context.Context, folderID int, filename string, content io.Reader) error {
	if _, err := io.ReadAll(content); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "upload:"+filename)
	if f.uploadErr != nil {
		if err := f.uploadErr(filename); err != nil {
			return err
		}
	}
	f.uploads[folderID] = append(f.uploads[folderID], filename)
	return nil
}

var testRetry = RetryConfig{Attempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}

func newTestExecutor(api RemoteAPI, concurrency int) *Executor {
	return NewExecutor(api, ExecutorConfig{
		Concurrency: concurrency,
		Retry:       testRetry,
		Editor:      "ckeditor",
	}, zerolog.Nop())
}

func outcomeOf(t *testing.T, report *Report, id OpID) OpResult {
	t.Helper()
	for _, res := range report.Results {
		if res.Op == id {
			return res
		}
	}
	t.Fatalf("no result for %s", id)
	return OpResult{}
}

func TestExecutorCreatesFolderThenPage(t *testing.T) {
	api := newFakeAPI()
	plan := &Plan{Ops: []Operation{
		{ID: "folder:a", Kind: OpCreateFolder, FolderPath: "a", Slug: "a", Name: "A"},
		{ID: "page:a/b@en", Kind: OpCreatePage, Path: "a/b", Locale: "en", Title: "B", Content: "T:hello", DependsOn: []OpID{"folder:a"}},
	}}

	report := newTestExecutor(api, 2).Execute(context.Background(), plan, emptySnapshot())
	require.False(t, report.Failed())
	require.Equal(t, 2, report.Count(OutcomeSucceeded))

	require.Len(t, api.pages, 1)
	require.Equal(t, "a/b", api.pages[0].Path)
	require.Len(t, api.folders[0], 1)
	require.Equal(t, "a", api.folders[0][0].Slug)
	require.Less(t, api.callIndex(t, "createFolder:a"), api.callIndex(t, "createPage:a/b"))
}

func TestExecutorPermanentFailureSkipsDependents(t *testing.T) {
	api := newFakeAPI()
	api.createFolderErr = func(_ int, slug string) error {
		if slug == "x" {
			return &wikijs.APIError{ErrorCode: 6005, Slug: "AssetFolderInvalid"}
		}
		return nil
	}
	plan := &Plan{Ops: []Operation{
		{ID: "folder:x", Kind: OpCreateFolder, FolderPath: "x", Slug: "x", Name: "X"},
		{ID: "folder:x/y", Kind: OpCreateFolder, ParentPath: "x", FolderPath: "x/y", Slug: "y", Name: "Y", DependsOn: []OpID{"folder:x"}},
		{ID: "page:x/y/p@en", Kind: OpCreatePage, Path: "x/y/p", Locale: "en", DependsOn: []OpID{"folder:x", "folder:x/y"}},
		{ID: "page:z@en", Kind: OpCreatePage, Path: "z", Locale: "en"},
	}}

	report := newTestExecutor(api, 2).Execute(context.Background(), plan, emptySnapshot())
	require.True(t, report.Failed())
	require.Equal(t, OutcomeFailed, outcomeOf(t, report, "folder:x").Outcome)
	require.Equal(t, OutcomeSkipped, outcomeOf(t, report, "folder:x/y").Outcome)
	require.Equal(t, OutcomeSkipped, outcomeOf(t, report, "page:x/y/p@en").Outcome)
	require.Equal(t, OutcomeSucceeded, outcomeOf(t, report, "page:z@en").Outcome)
	require.Len(t, api.pages, 1, "independent page still created")
}

func TestExecutorRetriesTransientFailures(t *testing.T) {
	api := newFakeAPI()
	attempts := 0
	api.createPageErr = func(context.Context, string) error {
		attempts++
		if attempts < 3 {
			return errors.New("connection reset")
		}
		return nil
	}
	plan := &Plan{Ops: []Operation{
		{ID: "page:a@en", Kind: OpCreatePage, Path: "a", Locale: "en"},
	}}

	report := newTestExecutor(api, 1).Execute(context.Background(), plan, emptySnapshot())
	require.False(t, report.Failed())
	require.Equal(t, 3, attempts)
}

func TestExecutorGivesUpAfterMaxAttempts(t *testing.T) {
	api := newFakeAPI()
	attempts := 0
	api.createPageErr = func(context.Context, string) error {
		attempts++
		return errors.New("still down")
	}
	plan := &Plan{Ops: []Operation{
		{ID: "page:a@en", Kind: OpCreatePage, Path: "a", Locale: "en"},
	}}

	report := newTestExecutor(api, 1).Execute(context.Background(), plan, emptySnapshot())
	require.True(t, report.Failed())
	require.Equal(t, 3, attempts)
	require.Error(t, outcomeOf(t, report, "page:a@en").Err)
}

func TestExecutorDryRun(t *testing.T) {
	api := newFakeAPI()
	plan := &Plan{Ops: []Operation{
		{ID: "folder:a", Kind: OpCreateFolder, FolderPath: "a", Slug: "a"},
		{ID: "page:a/b@en", Kind: OpCreatePage, Path: "a/b", Locale: "en", DependsOn: []OpID{"folder:a"}},
	}}
	executor := NewExecutor(api, ExecutorConfig{Concurrency: 2, Retry: testRetry, Editor: "ckeditor", DryRun: true}, zerolog.Nop())

	report := executor.Execute(context.Background(), plan, emptySnapshot())
	require.False(t, report.Failed())
	require.True(t, report.DryRun)
	require.Equal(t, 2, report.Count(OutcomePlanned))
	require.Empty(t, api.calls, "dry run must not touch the remote")
}

func TestExecutorCancellation(t *testing.T) {
	api := newFakeAPI()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	plan := &Plan{Ops: []Operation{
		{ID: "page:a@en", Kind: OpCreatePage, Path: "a", Locale: "en"},
		{ID: "page:b@en", Kind: OpCreatePage, Path: "b", Locale: "en"},
	}}
	report := newTestExecutor(api, 1).Execute(ctx, plan, emptySnapshot())
	require.True(t, report.Cancelled)
	require.Equal(t, 2, report.Count(OutcomeNotAttempted))
	require.Empty(t, api.calls)
}

func TestExecutorCancellationLetsInFlightFinish(t *testing.T) {
	api := newFakeAPI()
	started := make(chan struct{})
	release := make(chan struct{})
	// The remote call honors its context like a real HTTP request would:
	// cancellation of the call context aborts it, otherwise it completes
	// once released.
	api.createPageErr = func(ctx context.Context, path string) error {
		if path != "a" {
			return nil
		}
		close(started)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-release:
			return nil
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-started
		cancel()
		close(release)
	}()

	plan := &Plan{Ops: []Operation{
		{ID: "page:a@en", Kind: OpCreatePage, Path: "a", Locale: "en"},
		{ID: "page:b@en", Kind: OpCreatePage, Path: "b", Locale: "en", DependsOn: []OpID{"page:a@en"}},
	}}
	report := newTestExecutor(api, 2).Execute(ctx, plan, emptySnapshot())

	require.True(t, report.Cancelled)
	require.Equal(t, OutcomeSucceeded, outcomeOf(t, report, "page:a@en").Outcome, "in-flight operation finishes")
	require.Equal(t, OutcomeNotAttempted, outcomeOf(t, report, "page:b@en").Outcome)
	require.False(t, report.Failed())
	require.Len(t, api.pages, 1)
}

func TestExecutorFolderReentry(t *testing.T) {
	api := newFakeAPI()
	// The folder already exists remotely even though the snapshot missed
	// it (e.g. a previous run died between mutation and response).
	api.folders[0] = []wikijs.Folder{{ID: 50, Slug: "a", Name: "A"}}

	plan := &Plan{Ops: []Operation{
		{ID: "folder:a", Kind: OpCreateFolder, FolderPath: "a", Slug: "a", Name: "A"},
		{ID: "upload:a/f.png", Kind: OpUploadAsset, FolderPath: "a", Filename: "f.png", Data: []byte{1}, DependsOn: []OpID{"folder:a"}},
	}}
	report := newTestExecutor(api, 1).Execute(context.Background(), plan, emptySnapshot())
	require.False(t, report.Failed())
	require.Len(t, api.folders[0], 1, "existing folder must not be recreated")
	require.Equal(t, []string{"f.png"}, api.uploads[50], "upload lands in the re-discovered folder")
}

func TestExecutorNestedFolderIDsResolvedAtRuntime(t *testing.T) {
	api := newFakeAPI()
	plan := &Plan{Ops: []Operation{
		{ID: "folder:a", Kind: OpCreateFolder, FolderPath: "a", Slug: "a", Name: "A"},
		{ID: "folder:a/b", Kind: OpCreateFolder, ParentPath: "a", FolderPath: "a/b", Slug: "b", Name: "B", DependsOn: []OpID{"folder:a"}},
		{ID: "upload:a/b/f.png", Kind: OpUploadAsset, FolderPath: "a/b", Filename: "f.png", Data: []byte{1}, DependsOn: []OpID{"folder:a/b"}},
	}}

	report := newTestExecutor(api, 4).Execute(context.Background(), plan, emptySnapshot())
	require.False(t, report.Failed())

	outer := api.folders[0]
	require.Len(t, outer, 1)
	inner := api.folders[outer[0].ID]
	require.Len(t, inner, 1)
	require.Equal(t, "b", inner[0].Slug)
	require.Equal(t, []string{"f.png"}, api.uploads[inner[0].ID])
}

func TestExecutorDeleteWaitsForCreates(t *testing.T) {
	api := newFakeAPI()
	api.pages = []wikijs.Page{{ID: 9, Path: "old", Locale: "en"}}
	plan := &Plan{Ops: []Operation{
		{ID: "page:new@en", Kind: OpCreatePage, Path: "new", Locale: "en"},
		{ID: "delete:old@en", Kind: OpDeletePage, Path: "old", Locale: "en", PageID: 9, DependsOn: []OpID{"page:new@en"}},
	}}

	report := newTestExecutor(api, 4).Execute(context.Background(), plan, emptySnapshot())
	require.False(t, report.Failed())
	require.Less(t, api.callIndex(t, "createPage:new"), api.callIndex(t, "deletePage:9"))
}

func TestExecutorDuplicateCreateTreatedAsApplied(t *testing.T) {
	api := newFakeAPI()
	api.createPageErr = func(context.Context, string) error {
		return &wikijs.APIError{ErrorCode: wikijs.ErrCodePageDuplicateCreate}
	}
	plan := &Plan{Ops: []Operation{
		{ID: "page:a@en", Kind: OpCreatePage, Path: "a", Locale: "en"},
	}}
	report := newTestExecutor(api, 1).Execute(context.Background(), plan, emptySnapshot())
	require.False(t, report.Failed())
}

func TestExecutorDeleteNotFoundTreatedAsApplied(t *testing.T) {
	api := newFakeAPI()
	api.deletePageErr = func(int) error {
		return &wikijs.APIError{ErrorCode: wikijs.ErrCodePageNotFound}
	}
	plan := &Plan{Ops: []Operation{
		{ID: "delete:a@en", Kind: OpDeletePage, Path: "a", Locale: "en", PageID: 1},
	}}
	report := newTestExecutor(api, 1).Execute(context.Background(), plan, emptySnapshot())
	require.False(t, report.Failed())
}
