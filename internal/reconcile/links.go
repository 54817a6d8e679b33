package reconcile

import (
	"strings"

	"golang.org/x/net/html"
)

// LinkFinder extracts link targets from rendered message content.
type LinkFinder interface {
	FindLinks(content string) []string
}

// HTMLLinks finds anchors in an HTML fragment.
type HTMLLinks struct{}

// FindLinks returns the href of every anchor in document order. Anchors
// without href contribute their data-href instead.
func (HTMLLinks) FindLinks(content string) []string {
	if strings.TrimSpace(content) == "" {
		return nil
	}
	doc, err := html.Parse(strings.NewReader(content))
	if err != nil {
		return nil
	}

	var links []string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "a" {
			if href, ok := getAttr(n, "href"); ok {
				links = append(links, href)
			} else if href, ok := getAttr(n, "data-href"); ok {
				links = append(links, href)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return links
}

func getAttr(n *html.Node, key string) (string, bool) {
	for _, attr := range n.Attr {
		if attr.Key == key {
			return attr.Val, true
		}
	}
	return "", false
}
