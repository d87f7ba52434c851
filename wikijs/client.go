// Package wikijs is a thin client for the Wiki.js GraphQL API, covering the
// handful of queries and mutations the migration engine needs. Every
// mutation returns the server's response envelope; envelope failures surface
// as *APIError so callers can tell them apart from transport errors.
package wikijs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/machinebox/graphql"
	"github.com/rs/zerolog"
)

// Page is a destination page as reported by the pages list query.
type Page struct {
	ID     int    `json:"id"`
	Path   string `json:"path"`
	Locale string `json:"locale"`
}

// Folder is an asset folder. Folder listing is scoped to one parent at a
// time; the server has no flattened-tree query.
type Folder struct {
	ID   int    `json:"id"`
	Slug string `json:"slug"`
	Name string `json:"name"`
}

// CreatePageInput carries the arguments of the pages.create mutation.
type CreatePageInput struct {
	Path        string
	Title       string
	Description string
	Content     string
	Editor      string
	Locale      string
	Tags        []string
	IsPublished bool
	IsPrivate   bool
}

// Client talks to a single Wiki.js instance.
type Client struct {
	baseURL string
	gql     *graphql.Client
	http    *http.Client
	log     zerolog.Logger
}

// NewClient builds a client for the instance at baseURL, authenticating
// every request with the given bearer token.
func NewClient(baseURL, authToken string, logger zerolog.Logger) *Client {
	httpClient := &http.Client{
		Timeout: 30 * time.Second,
		Transport: &authTransport{
			token: authToken,
			next:  http.DefaultTransport,
		},
	}
	endpoint, _ := url.JoinPath(baseURL, "graphql")
	return &Client{
		baseURL: baseURL,
		gql:     graphql.NewClient(endpoint, graphql.WithHTTPClient(httpClient)),
		http:    httpClient,
		log:     logger.With().Str("component", "wikijs").Logger(),
	}
}

// authTransport sets the bearer token and converts 429 responses into
// *RateLimitError before the GraphQL layer swallows the headers.
type authTransport struct {
	token string
	next  http.RoundTripper
}

func (t *authTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.Header.Set("Authorization", "Bearer "+t.token)
	resp, err := t.next.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		hint := parseRetryAfter(resp.Header.Get("Retry-After"))
		resp.Body.Close()
		return nil, &RateLimitError{RetryAfter: hint}
	}
	return resp, nil
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

const createPageMutation = `
mutation ($content: String!, $description: String!, $editor: String!, $isPublished: Boolean!, $isPrivate: Boolean!, $locale: String!, $path: String!, $tags: [String]!, $title: String!) {
  pages {
    create(content: $content, description: $description, editor: $editor, isPublished: $isPublished, isPrivate: $isPrivate, locale: $locale, path: $path, tags: $tags, title: $title) {
      responseResult { succeeded errorCode slug message }
      page { id path }
    }
  }
}`

// CreatePage creates a page and returns it with its server-assigned id.
func (c *Client) CreatePage(ctx context.Context, in CreatePageInput) (*Page, error) {
	req := graphql.NewRequest(createPageMutation)
	req.Var("content", in.Content)
	req.Var("description", in.Description)
	req.Var("editor", in.Editor)
	req.Var("isPublished", in.IsPublished)
	req.Var("isPrivate", in.IsPrivate)
	req.Var("locale", in.Locale)
	req.Var("path", in.Path)
	req.Var("tags", tagsOrEmpty(in.Tags))
	req.Var("title", in.Title)

	var resp struct {
		Pages struct {
			Create struct {
				ResponseResult ResponseStatus `json:"responseResult"`
				Page           *Page          `json:"page"`
			} `json:"create"`
		} `json:"pages"`
	}
	if err := c.run(ctx, "createPage", req, &resp); err != nil {
		return nil, err
	}
	if err := resp.Pages.Create.ResponseResult.check(); err != nil {
		c.log.Warn().Err(err).Str("path", in.Path).Msg("create page rejected")
		return nil, err
	}
	if resp.Pages.Create.Page == nil {
		return nil, fmt.Errorf("createPage %s: missing page in response", in.Path)
	}
	return resp.Pages.Create.Page, nil
}

const updatePageMutation = `
mutation ($id: Int!, $content: String!, $editor: String!, $tags: [String]!) {
  pages {
    update(id: $id, content: $content, editor: $editor, tags: $tags) {
      responseResult { succeeded errorCode slug message }
    }
  }
}`

// UpdatePage replaces the content of an existing page.
func (c *Client) UpdatePage(ctx context.Context, id int, content, editor string, tags []string) error {
	req := graphql.NewRequest(updatePageMutation)
	req.Var("id", id)
	req.Var("content", content)
	req.Var("editor", editor)
	req.Var("tags", tagsOrEmpty(tags))

	var resp struct {
		Pages struct {
			Update struct {
				ResponseResult ResponseStatus `json:"responseResult"`
			} `json:"update"`
		} `json:"pages"`
	}
	if err := c.run(ctx, "updatePage", req, &resp); err != nil {
		return err
	}
	return resp.Pages.Update.ResponseResult.check()
}

const deletePageMutation = `
mutation ($id: Int!) {
  pages {
    delete(id: $id) {
      responseResult { succeeded errorCode slug message }
    }
  }
}`

// DeletePage removes a page by id.
func (c *Client) DeletePage(ctx context.Context, id int) error {
	req := graphql.NewRequest(deletePageMutation)
	req.Var("id", id)

	var resp struct {
		Pages struct {
			Delete struct {
				ResponseResult ResponseStatus `json:"responseResult"`
			} `json:"delete"`
		} `json:"pages"`
	}
	if err := c.run(ctx, "deletePage", req, &resp); err != nil {
		return err
	}
	return resp.Pages.Delete.ResponseResult.check()
}

const createFolderMutation = `
mutation ($parentFolderId: Int!, $slug: String!, $name: String!) {
  assets {
    createFolder(parentFolderId: $parentFolderId, slug: $slug, name: $name) {
      responseResult { succeeded errorCode slug message }
    }
  }
}`

// CreateFolder creates an asset folder under the given parent. The server
// does not return the new folder's id; list the parent again to learn it.
func (c *Client) CreateFolder(ctx context.Context, parentFolderID int, slug, name string) error {
	req := graphql.NewRequest(createFolderMutation)
	req.Var("parentFolderId", parentFolderID)
	req.Var("slug", slug)
	req.Var("name", name)

	var resp struct {
		Assets struct {
			CreateFolder struct {
				ResponseResult ResponseStatus `json:"responseResult"`
			} `json:"createFolder"`
		} `json:"assets"`
	}
	if err := c.run(ctx, "createFolder", req, &resp); err != nil {
		return err
	}
	return resp.Assets.CreateFolder.ResponseResult.check()
}

const listFoldersQuery = `
query ($parentFolderId: Int!) {
  assets {
    folders(parentFolderId: $parentFolderId) { id slug name }
  }
}`

// ListFolders returns the direct children of one folder.
func (c *Client) ListFolders(ctx context.Context, parentFolderID int) ([]Folder, error) {
	req := graphql.NewRequest(listFoldersQuery)
	req.Var("parentFolderId", parentFolderID)

	var resp struct {
		Assets struct {
			Folders []Folder `json:"folders"`
		} `json:"assets"`
	}
	if err := c.run(ctx, "listFolders", req, &resp); err != nil {
		return nil, err
	}
	return resp.Assets.Folders, nil
}

const listPagesQuery = `
query {
  pages {
    list(orderBy: PATH) { id path locale }
  }
}`

// ListPages returns every page on the instance as a flat list.
func (c *Client) ListPages(ctx context.Context) ([]Page, error) {
	req := graphql.NewRequest(listPagesQuery)

	var resp struct {
		Pages struct {
			List []Page `json:"list"`
		} `json:"pages"`
	}
	if err := c.run(ctx, "listPages", req, &resp); err != nil {
		return nil, err
	}
	return resp.Pages.List, nil
}

const pageContentQuery = `
query ($id: Int!) {
  pages {
    single(id: $id) { content }
  }
}`

// PageContent fetches the stored content of one page.
func (c *Client) PageContent(ctx context.Context, id int) (string, error) {
	req := graphql.NewRequest(pageContentQuery)
	req.Var("id", id)

	var resp struct {
		Pages struct {
			Single *struct {
				Content string `json:"content"`
			} `json:"single"`
		} `json:"pages"`
	}
	if err := c.run(ctx, "pageContent", req, &resp); err != nil {
		return "", err
	}
	if resp.Pages.Single == nil {
		return "", &APIError{ErrorCode: ErrCodePageNotFound, Slug: "PageNotFound", Message: fmt.Sprintf("page %d not found", id)}
	}
	return resp.Pages.Single.Content, nil
}

// Upload sends one file into an asset folder via the upload endpoint. Assets
// bypass GraphQL; the server expects two multipart parts named mediaUpload,
// the first carrying the folder id as JSON.
func (c *Client) Upload(ctx context.Context, folderID int, filename string, content io.Reader) error {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)

	meta, err := w.CreateFormField("mediaUpload")
	if err != nil {
		return fmt.Errorf("upload %s: %w", filename, err)
	}
	if err := json.NewEncoder(meta).Encode(map[string]int{"folderId": folderID}); err != nil {
		return fmt.Errorf("upload %s: %w", filename, err)
	}
	file, err := w.CreateFormFile("mediaUpload", filename)
	if err != nil {
		return fmt.Errorf("upload %s: %w", filename, err)
	}
	if _, err := io.Copy(file, content); err != nil {
		return fmt.Errorf("upload %s: %w", filename, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("upload %s: %w", filename, err)
	}

	uploadURL, err := url.JoinPath(c.baseURL, "u")
	if err != nil {
		return fmt.Errorf("upload %s: %w", filename, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uploadURL, &body)
	if err != nil {
		return fmt.Errorf("upload %s: %w", filename, err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("upload %s: %w", filename, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("upload %s: status %d: %s", filename, resp.StatusCode, msg)
	}
	return nil
}

func (c *Client) run(ctx context.Context, name string, req *graphql.Request, resp any) error {
	if err := c.gql.Run(ctx, req, resp); err != nil {
		c.log.Warn().Err(err).Str("request", name).Msg("graphql request failed")
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

// tagsOrEmpty keeps null out of the tags variable; Wiki.js rejects it.
func tagsOrEmpty(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}
