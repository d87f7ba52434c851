package transform

import (
	"net/url"
	"regexp"
	"strings"

	"golang.org/x/net/html"
)

// URL shapes the source wiki serves depending on its URL-rewrite setting.
var (
	pageRe        = regexp.MustCompile(`^/doku\.php\?id=(.+)$`)
	pageRePretty  = regexp.MustCompile(`^/(.+)$`)
	mediaRe       = regexp.MustCompile(`^/lib/exe/fetch\.php\?(.+)$`)
	mediaRePretty = regexp.MustCompile(`^/_media/(.+)$`)
)

// findNodes collects every element with the given tag, in document order.
func findNodes(n *html.Node, tag string) []*html.Node {
	var nodes []*html.Node
	if n.Type == html.ElementNode && n.Data == tag {
		nodes = append(nodes, n)
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		nodes = append(nodes, findNodes(c, tag)...)
	}
	return nodes
}

func findNodeByTag(n *html.Node, tag string) *html.Node {
	if n.Type == html.ElementNode && n.Data == tag {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findNodeByTag(c, tag); found != nil {
			return found
		}
	}
	return nil
}

func attrValue(n *html.Node, key string) (string, bool) {
	for _, attr := range n.Attr {
		if attr.Key == key {
			return attr.Val, true
		}
	}
	return "", false
}

func setAttrValue(n *html.Node, key, val string) {
	for i, attr := range n.Attr {
		if attr.Key == key {
			n.Attr[i].Val = val
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: key, Val: val})
}

// extractPageID pulls the colon-separated page id out of an internal link,
// if the link matches the source wiki's URL shape.
func extractPageID(href string, re *regexp.Regexp) (string, bool) {
	m := re.FindStringSubmatch(href)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// extractMediaID pulls the media id out of an image source. The non-pretty
// form carries it in the media query parameter; the pretty form in the
// path. Query strings like ?w=200 cache hints are dropped either way.
func extractMediaID(src string, pretty bool) (string, bool) {
	if pretty {
		m := mediaRePretty.FindStringSubmatch(src)
		if m == nil {
			return "", false
		}
		return strings.SplitN(m[1], "?", 2)[0], true
	}
	m := mediaRe.FindStringSubmatch(src)
	if m == nil {
		return "", false
	}
	query, err := url.ParseQuery(m[1])
	if err != nil {
		return "", false
	}
	media := query.Get("media")
	if media == "" {
		return "", false
	}
	return media, true
}
