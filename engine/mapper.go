package engine

import (
	"fmt"
	"strings"
)

// Mapping is the destination location derived from a source namespace path.
// It is a pure derived value, recomputed on demand and never cached across
// runs.
type Mapping struct {
	// Path is the destination page path, e.g. "projects/infra/runbook".
	Path string
	// Folders is the ordered ancestor folder slug chain, outermost first.
	// Every segment except the last maps to one folder level.
	Folders []string
}

// MapNamespace maps a namespace path to its destination location. The
// prefix, when set, mounts the whole tree under additional folder levels.
// Distinct namespaces can collide after slugification; detecting that is
// the planner's job, since it sees all documents at once.
func MapNamespace(ns []string, prefix string) (Mapping, error) {
	if len(ns) == 0 {
		return Mapping{}, fmt.Errorf("map namespace: empty path")
	}
	segments := append(splitPrefix(prefix), ns...)

	slugs := make([]string, len(segments))
	for i, seg := range segments {
		slug := Slugify(seg)
		if slug == "" {
			return Mapping{}, fmt.Errorf("map namespace %s: segment %q slugifies to nothing", strings.Join(ns, "/"), seg)
		}
		slugs[i] = slug
	}
	return Mapping{
		Path:    strings.Join(slugs, "/"),
		Folders: slugs[:len(slugs)-1],
	}, nil
}

// SlugifyPath normalizes a slash-separated path the way MapNamespace
// normalizes namespaces, slugifying each segment. Segments that slugify to
// nothing are dropped rather than rejected; use it for prefixes, not for
// document namespaces.
func SlugifyPath(path string) string {
	var slugs []string
	for _, seg := range splitPrefix(path) {
		if slug := Slugify(seg); slug != "" {
			slugs = append(slugs, slug)
		}
	}
	return strings.Join(slugs, "/")
}

func splitPrefix(prefix string) []string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return nil
	}
	return strings.Split(prefix, "/")
}

// Slugify normalizes one path segment the way the destination does:
// lowercase, with runs of anything outside [a-z0-9_] collapsed to a single
// dash.
func Slugify(segment string) string {
	var sb strings.Builder
	dash := false
	for _, r := range strings.ToLower(strings.TrimSpace(segment)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			sb.WriteRune(r)
			dash = false
		default:
			if !dash && sb.Len() > 0 {
				sb.WriteByte('-')
				dash = true
			}
		}
	}
	return strings.TrimRight(sb.String(), "-")
}
