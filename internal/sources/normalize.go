// Package sources cleans retrieved-source payloads for console rendering.
//
// The extraction pipeline hands back snippets in whatever shape the source
// document had: plain text, raw HTML fragments, occasionally scores outside
// the documented range. Everything that reaches a Turn goes through
// Normalize first so renderers never see markup or out-of-range scores.
package sources

import (
	"regexp"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"

	"github.com/doclens-ai/doclens/internal/logging"
	"github.com/doclens-ai/doclens/pkg/types"
)

// maxSnippetLen bounds one snippet; longer content is cut with a marker.
const maxSnippetLen = 8192

var htmlTagPattern = regexp.MustCompile(`</?[a-zA-Z][^>]*>`)

// Normalize returns a display-ready copy of src. HTML text snippets are
// converted to markdown, scores are clamped into [0,1], and overlong
// content is truncated. The input is never mutated.
func Normalize(src types.SourceRecord) types.SourceRecord {
	out := src.Clone()

	if out.Kind == "" {
		out.Kind = types.SourceText
	}
	out.Score = clampScore(out.Score)

	if out.Kind == types.SourceText && looksLikeHTML(out.Content) {
		out.Content = flattenHTML(out.Content)
	}
	out.Content = truncate(out.Content)
	return out
}

// NormalizeAll normalizes a batch, preserving order.
func NormalizeAll(srcs []types.SourceRecord) []types.SourceRecord {
	if srcs == nil {
		return nil
	}
	out := make([]types.SourceRecord, len(srcs))
	for i, src := range srcs {
		out[i] = Normalize(src)
	}
	return out
}

func looksLikeHTML(s string) bool {
	return htmlTagPattern.MatchString(s)
}

// flattenHTML converts an HTML fragment to markdown, falling back to plain
// text extraction. On both failing the raw snippet survives as-is.
func flattenHTML(html string) string {
	if markdown, err := htmlToMarkdown(html); err == nil {
		return strings.TrimSpace(markdown)
	}
	text, err := extractText(html)
	if err != nil {
		logging.Debug().Err(err).Msg("Keeping raw source snippet")
		return html
	}
	return text
}

func htmlToMarkdown(html string) (string, error) {
	converter := md.NewConverter("", true, &md.Options{
		HeadingStyle:     "atx",
		HorizontalRule:   "---",
		BulletListMarker: "-",
		CodeBlockStyle:   "fenced",
		EmDelimiter:      "*",
	})

	// Remove non-content elements
	converter.Remove("script", "style", "meta", "link")

	return converter.ConvertString(html)
}

func extractText(html string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", err
	}

	doc.Find("script, style, noscript, iframe, object, embed").Remove()

	return strings.TrimSpace(doc.Text()), nil
}

func clampScore(score *float64) *float64 {
	if score == nil {
		return nil
	}
	s := *score
	switch {
	case s < 0:
		s = 0
	case s > 1:
		s = 1
	}
	return &s
}

func truncate(s string) string {
	if len(s) <= maxSnippetLen {
		return s
	}
	return s[:maxSnippetLen] + "\n... (truncated)"
}
