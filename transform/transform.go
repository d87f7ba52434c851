// Package transform converts source page HTML into destination editor
// content. Source-internal links and media references are rewritten to
// destination paths; for the markdown editor the patched HTML is then
// converted to markdown.
package transform

import (
	"fmt"
	"strings"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"golang.org/x/net/html"
)

// Editor is a Wiki.js editor identifier; it decides the stored content
// format.
type Editor string

const (
	EditorCKEditor Editor = "ckeditor"
	EditorMarkdown Editor = "markdown"
)

// Options controls one transformation.
type Options struct {
	Editor Editor
	// PrettyURLs selects the URL scheme the source wiki was serving:
	// /ns/page and /_media/… instead of /doku.php?id=… and
	// /lib/exe/fetch.php?media=….
	PrettyURLs bool
	// PathPrefix is prepended to every rewritten destination path.
	PathPrefix string
}

// Transform rewrites internal links and media references in raw HTML and
// renders it in the target editor's format. It is pure; any error is
// permanent for the document it was called for.
func Transform(raw []byte, opts Options) (string, error) {
	doc, err := html.Parse(strings.NewReader(string(raw)))
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}

	patchLinks(doc, opts)
	patchMedia(doc, opts)

	if opts.Editor == EditorMarkdown {
		markdown, err := htmltomarkdown.ConvertNode(doc)
		if err != nil {
			return "", fmt.Errorf("convert to markdown: %w", err)
		}
		return string(markdown), nil
	}

	body := findNodeByTag(doc, "body")
	if body == nil {
		body = doc
	}
	var sb strings.Builder
	for c := body.FirstChild; c != nil; c = c.NextSibling {
		if err := html.Render(&sb, c); err != nil {
			return "", fmt.Errorf("render html: %w", err)
		}
	}
	return sb.String(), nil
}

// patchLinks rewrites anchors pointing at source wiki pages to the mapped
// destination path.
func patchLinks(doc *html.Node, opts Options) {
	re := pageRe
	if opts.PrettyURLs {
		re = pageRePretty
	}
	for _, a := range findNodes(doc, "a") {
		href, ok := attrValue(a, "href")
		if !ok {
			continue
		}
		pageID, ok := extractPageID(href, re)
		if !ok {
			continue
		}
		setAttrValue(a, "href", destinationPath(pageID, opts.PathPrefix))
	}
}

// patchMedia rewrites image references to the asset path the attachment
// will be uploaded under.
func patchMedia(doc *html.Node, opts Options) {
	for _, img := range findNodes(doc, "img") {
		src, ok := attrValue(img, "src")
		if !ok {
			continue
		}
		mediaID, ok := extractMediaID(src, opts.PrettyURLs)
		if !ok {
			continue
		}
		setAttrValue(img, "src", destinationPath(mediaID, opts.PathPrefix))
	}
}

// destinationPath maps a source page or media id (colon-separated
// namespace) to an absolute destination path.
func destinationPath(id, prefix string) string {
	path := strings.ReplaceAll(id, ":", "/")
	if prefix != "" {
		path = strings.Trim(prefix, "/") + "/" + path
	}
	return "/" + path
}
