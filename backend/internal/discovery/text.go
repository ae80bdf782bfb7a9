package discovery

import (
	"strings"

	"github.com/PuerkitoBio/goquery"

	"act-placemat/backend/internal/identity"
)

// PlainText returns the readable text of an HTML fragment or document
func PlainText(html string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", err
	}
	doc.Find("script, style, head").Remove()
	// keep block boundaries as word boundaries
	doc.Find("br, p, div, li, tr, td, h1, h2, h3, h4").Each(func(_ int, s *goquery.Selection) {
		s.AppendHtml(" ")
	})
	return strings.Join(strings.Fields(doc.Text()), " "), nil
}

// messageText is the folded text of a message, padded for whole-word search
func messageText(m Message) string {
	body := m.Body
	if m.IsHTML {
		if text, err := PlainText(body); err == nil {
			body = text
		}
	}
	return " " + identity.Fold(body) + " "
}

// mentions reports whether folded text contains any of names as whole words
func mentions(folded string, names []string) bool {
	for _, name := range names {
		n := identity.Fold(name)
		if len(n) < 3 {
			continue
		}
		if strings.Contains(folded, " "+n+" ") {
			return true
		}
	}
	return false
}
