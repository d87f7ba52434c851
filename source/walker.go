// Package source reads a wiki page tree from disk. Directories are
// namespaces; each content file in a directory becomes one document, every
// other regular file becomes an attachment of that namespace.
package source

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Document is one source page, snapshotted at walk time.
type Document struct {
	Namespace []string // namespace path segments, last one is the page itself
	Title     string
	Locale    string
	Raw       []byte
}

// Attachment is a binary file co-located with the pages of a namespace.
// Content is treated as an opaque blob; identity is (Namespace, Filename).
type Attachment struct {
	Namespace []string // the directory's namespace path
	Filename  string
	Data      []byte
}

// Tree is the result of one walk, ordered lexically by path so repeated
// walks and their logs are diffable.
type Tree struct {
	Documents   []Document
	Attachments []Attachment
}

// Options controls a walk.
type Options struct {
	// Locale is assigned to every document.
	Locale string
	// Only restricts the walk to namespace paths matching at least one
	// doublestar pattern (e.g. "projects/**"). Empty means everything.
	Only []string
}

// contentExts are the file extensions treated as page content. Anything
// else that is a regular non-hidden file becomes an attachment.
var contentExts = map[string]bool{
	".txt":  true,
	".md":   true,
	".html": true,
	".htm":  true,
}

var titleCaser = cases.Title(language.Und)

// Walk reads the tree rooted at root. It is side-effect free and
// restartable; ordering follows WalkDir's lexical order.
func Walk(root string, opts Options) (*Tree, error) {
	for _, pattern := range opts.Only {
		if !doublestar.ValidatePattern(pattern) {
			return nil, fmt.Errorf("walk %s: invalid pattern %q", root, pattern)
		}
	}

	tree := &Tree{}
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := d.Name()
		if d.IsDir() {
			if path != root && strings.HasPrefix(name, ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(name, ".") || !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		ext := strings.ToLower(filepath.Ext(name))
		if contentExts[ext] {
			ns := splitNamespace(strings.TrimSuffix(rel, filepath.Ext(name)))
			if !matchesOnly(ns, opts.Only) {
				return nil
			}
			raw, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			tree.Documents = append(tree.Documents, Document{
				Namespace: ns,
				Title:     titleCaser.String(ns[len(ns)-1]),
				Locale:    opts.Locale,
				Raw:       raw,
			})
			return nil
		}

		dirNS := splitNamespace(filepath.ToSlash(filepath.Dir(rel)))
		if !matchesOnly(dirNS, opts.Only) {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		tree.Attachments = append(tree.Attachments, Attachment{
			Namespace: dirNS,
			Filename:  name,
			Data:      data,
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", root, err)
	}
	return tree, nil
}

func splitNamespace(rel string) []string {
	if rel == "." || rel == "" {
		return nil
	}
	return strings.Split(rel, "/")
}

func matchesOnly(ns []string, only []string) bool {
	if len(only) == 0 {
		return true
	}
	joined := strings.Join(ns, "/")
	for _, pattern := range only {
		if ok, _ := doublestar.Match(pattern, joined); ok {
			return true
		}
	}
	return false
}
