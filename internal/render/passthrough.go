package render

import (
	"context"
	"fmt"
	"strings"

	"docapi/internal/domain"
)

// PageChars approximates how much text fits on one page.
const PageChars = 3000

// pageBreak splits explicit pages in html and markdown input.
const pageBreak = "<!-- pagebreak -->"

// Passthrough stores the submitted content as the document itself. It is
// used when no rendering service is configured.
type Passthrough struct{}

func (Passthrough) Render(ctx context.Context, req Request) (*Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	content := strings.TrimSpace(req.Content)
	if content == "" {
		return nil, fmt.Errorf("empty content: %w", domain.ErrRendererFailure)
	}
	return &Document{
		Data:        []byte(content),
		ContentType: contentTypeFor(req.Mode),
		Pages:       countPages(content),
	}, nil
}

func countPages(content string) int {
	pages := 0
	for _, part := range strings.Split(content, pageBreak) {
		n := (len(strings.TrimSpace(part)) + PageChars - 1) / PageChars
		if n < 1 {
			n = 1
		}
		pages += n
	}
	return pages
}

func contentTypeFor(mode domain.InputMode) string {
	switch mode {
	case domain.InputHTML:
		return "text/html; charset=utf-8"
	case domain.InputMarkdown:
		return "text/markdown; charset=utf-8"
	default:
		return "text/plain; charset=utf-8"
	}
}
