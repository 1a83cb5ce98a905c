// Package render turns job input into a paginated document.
package render

import (
	"context"
	"fmt"
	"strings"

	"docapi/internal/domain"
)

// Request is one rendering call.
type Request struct {
	JobID   string            `json:"job_id"`
	Mode    domain.InputMode  `json:"input_type"`
	Content string            `json:"content"`
	Options map[string]string `json:"options,omitempty"`
	// MaxPages asks the renderer to stop early. Zero means no limit.
	MaxPages int `json:"max_pages,omitempty"`
}

// Document is a rendered artifact body.
type Document struct {
	Data        []byte
	ContentType string
	Pages       int
}

// Renderer produces documents.
type Renderer interface {
	Render(ctx context.Context, req Request) (*Document, error)
}

// Policy values for PagePolicy.Mode.
const (
	PageTruncate = "truncate"
	PageReject   = "reject"
)

// PagePolicy caps the number of billable pages per document.
type PagePolicy struct {
	MaxPages int
	Mode     string
}

// Apply enforces the policy on doc. In truncate mode the page count is
// clipped and truncated is reported; in reject mode an oversize document
// fails with domain.ErrPageLimitExceeded.
func (p PagePolicy) Apply(doc *Document) (truncated bool, err error) {
	if doc == nil || p.MaxPages <= 0 || doc.Pages <= p.MaxPages {
		return false, nil
	}
	if strings.EqualFold(p.Mode, PageReject) {
		return false, fmt.Errorf("document has %d pages, limit is %d: %w", doc.Pages, p.MaxPages, domain.ErrPageLimitExceeded)
	}
	doc.Pages = p.MaxPages
	return true, nil
}
