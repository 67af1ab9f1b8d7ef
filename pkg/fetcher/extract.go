package fetcher

import (
	"bytes"
	"fmt"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// minBlockText is the shortest landmark or block worth treating as content.
const minBlockText = 40

// ExtractMainText parses an HTML document and returns its title and the text
// of its main content. Semantic landmarks (main, article, role=main) win;
// otherwise the block with the best text-to-link density is chosen, falling
// back to the whole body. Text is HTML-escaped so a sanitizer can run over it.
func ExtractMainText(body []byte) (string, string, error) {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return "", "", fmt.Errorf("failed to parse html: %w", err)
	}

	title := findTitle(doc)

	if landmarks := findLandmarks(doc); len(landmarks) > 0 {
		var parts []string
		for _, n := range landmarks {
			if text := collectText(n); len(text) >= minBlockText {
				parts = append(parts, text)
			}
		}
		if len(parts) > 0 {
			return title, strings.Join(parts, "\n\n"), nil
		}
	}

	root := findBody(doc)
	if root == nil {
		root = doc
	}
	if best := densestBlock(root); best != nil {
		return title, collectText(best), nil
	}
	return title, collectText(root), nil
}

func findTitle(n *html.Node) string {
	if n.Type == html.ElementNode && n.DataAtom == atom.Title {
		if n.FirstChild != nil {
			return strings.TrimSpace(n.FirstChild.Data)
		}
		return ""
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if t := findTitle(c); t != "" {
			return t
		}
	}
	return ""
}

func findBody(n *html.Node) *html.Node {
	if n.Type == html.ElementNode && n.DataAtom == atom.Body {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if b := findBody(c); b != nil {
			return b
		}
	}
	return nil
}

// findLandmarks returns the outermost main/article elements.
func findLandmarks(n *html.Node) []*html.Node {
	var out []*html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			if isBoilerplate(n) {
				return
			}
			if n.DataAtom == atom.Main || n.DataAtom == atom.Article || attr(n, "role") == "main" {
				out = append(out, n)
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return out
}

// densestBlock scores container elements by text length scaled by the share
// of text outside links, and returns the best one. Mostly-link blocks are
// navigation and never win.
func densestBlock(root *html.Node) *html.Node {
	var best *html.Node
	var bestScore float64

	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type != html.ElementNode || isBoilerplate(n) {
			return
		}
		if isContainer(n.DataAtom) {
			text := collectText(n)
			if len(text) >= minBlockText {
				linkShare := float64(len(collectLinkText(n))) / float64(len(text))
				if linkShare <= 0.5 {
					score := float64(len(text)) * (1 - linkShare) * paragraphBonus(n)
					if score > bestScore {
						best, bestScore = n, score
					}
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return best
}

// paragraphBonus favours containers whose text sits directly in paragraphs
// over wrappers that merely enclose them.
func paragraphBonus(n *html.Node) float64 {
	direct := 0
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && c.DataAtom == atom.P {
			direct++
		}
	}
	return 1 + 0.25*float64(direct)
}

func isContainer(a atom.Atom) bool {
	switch a {
	case atom.Div, atom.Section, atom.Td, atom.Body:
		return true
	}
	return false
}

func isBoilerplate(n *html.Node) bool {
	switch n.DataAtom {
	case atom.Script, atom.Style, atom.Noscript, atom.Nav, atom.Footer, atom.Header,
		atom.Aside, atom.Form, atom.Iframe, atom.Svg, atom.Template, atom.Button:
		return true
	}
	if hasAttr(n, "hidden") {
		return true
	}
	if strings.EqualFold(attr(n, "aria-hidden"), "true") {
		return true
	}
	style := strings.ReplaceAll(strings.ToLower(attr(n, "style")), " ", "")
	if strings.Contains(style, "display:none") || strings.Contains(style, "visibility:hidden") {
		return true
	}
	marker := strings.ToLower(attr(n, "class") + " " + attr(n, "id"))
	for _, word := range []string{"cookie", "sidebar", "comments", "advert", "banner"} {
		if strings.Contains(marker, word) {
			return true
		}
	}
	return false
}

// collectText joins visible text, breaking lines at block elements.
func collectText(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && isBoilerplate(n) {
			return
		}
		if n.Type == html.TextNode {
			if t := strings.TrimSpace(n.Data); t != "" {
				if sb.Len() > 0 {
					sb.WriteByte(' ')
				}
				sb.WriteString(html.EscapeString(t))
			}
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if n.Type == html.ElementNode && isBlock(n.DataAtom) {
			sb.WriteByte('\n')
		}
	}
	walk(n)
	return strings.TrimSpace(sb.String())
}

func collectLinkText(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node, bool)
	walk = func(n *html.Node, inLink bool) {
		if n.Type == html.ElementNode && n.DataAtom == atom.A {
			inLink = true
		}
		if n.Type == html.TextNode && inLink {
			sb.WriteString(html.EscapeString(strings.TrimSpace(n.Data)))
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c, inLink)
		}
	}
	walk(n, false)
	return sb.String()
}

func isBlock(a atom.Atom) bool {
	switch a {
	case atom.P, atom.Div, atom.Section, atom.Article, atom.Li, atom.Ul, atom.Ol,
		atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6, atom.Br, atom.Tr,
		atom.Table, atom.Blockquote, atom.Pre, atom.Main:
		return true
	}
	return false
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func hasAttr(n *html.Node, key string) bool {
	for _, a := range n.Attr {
		if a.Key == key {
			return true
		}
	}
	return false
}
