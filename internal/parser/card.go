// Package parser extracts reverse-search predictions from result pages.
package parser

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"github.com/JakeFAU/reverse-image-crawler/internal/search"
)

// Default selectors for the "best guess" card.
const (
	DefaultCardSelector = "div.card-section"
	DefaultLinkSelector = "a"
)

// Config overrides the selectors used to locate the prediction.
type Config struct {
	CardSelector string
	LinkSelector string
}

// CardParser reads the prediction from the first link that follows the
// leading label inside the result card.
type CardParser struct {
	card string
	link string
}

// New builds a CardParser.
func New(cfg Config) *CardParser {
	p := &CardParser{card: cfg.CardSelector, link: cfg.LinkSelector}
	if strings.TrimSpace(p.card) == "" {
		p.card = DefaultCardSelector
	}
	if strings.TrimSpace(p.link) == "" {
		p.link = DefaultLinkSelector
	}
	return p
}

// Parse implements search.Parser.
func (p *CardParser) Parse(body []byte) (search.Prediction, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return "", fmt.Errorf("empty body: %w", search.ErrNoPrediction)
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("parse result page: %w", err)
	}
	card := doc.Find(p.card).First()
	if card.Length() == 0 {
		return "", fmt.Errorf("no %q in page: %w", p.card, search.ErrNoPrediction)
	}

	contents := card.Contents()
	labelSeen := false
	for i, node := range contents.Nodes {
		if !labelSeen {
			labelSeen = significant(node)
			continue
		}
		sibling := contents.Eq(i)
		link := sibling.Filter(p.link).AddSelection(sibling.Find(p.link)).First()
		if link.Length() == 0 {
			continue
		}
		if text := strings.TrimSpace(link.Text()); text != "" {
			return search.Prediction(text), nil
		}
		break
	}
	return "", fmt.Errorf("no %q after card label: %w", p.link, search.ErrNoPrediction)
}

func significant(n *html.Node) bool {
	switch n.Type {
	case html.ElementNode:
		return true
	case html.TextNode:
		return strings.TrimSpace(n.Data) != ""
	default:
		return false
	}
}
