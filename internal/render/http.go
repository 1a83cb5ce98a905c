package render

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"docapi/internal/domain"
)

// HeaderPageCount carries the page count of a rendered document.
const HeaderPageCount = "X-Page-Count"

const maxDocumentBytes = 64 << 20

type HTTPOptions struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// HTTPRenderer posts requests to an external rendering service. The service
// answers with the document body and its page count in X-Page-Count.
type HTTPRenderer struct {
	httpClient *http.Client
	baseURL    string
	token      string
}

func NewHTTPRenderer(opts HTTPOptions) *HTTPRenderer {
	client := opts.HTTPClient
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 120 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &HTTPRenderer{
		httpClient: client,
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		token:      strings.TrimSpace(opts.APIKey),
	}
}

func (r *HTTPRenderer) Render(ctx context.Context, req Request) (*Document, error) {
	if r == nil || r.baseURL == "" {
		return nil, fmt.Errorf("renderer not configured: %w", domain.ErrRendererFailure)
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/render", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if r.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+r.token)
	}

	resp, err := r.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("renderer: %v: %w", err, domain.ErrRendererFailure)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentBytes+1))
	if err != nil {
		return nil, fmt.Errorf("renderer: read body: %v: %w", err, domain.ErrRendererFailure)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		var out struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &out) == nil && out.Error != "" {
			return nil, fmt.Errorf("renderer: %s: %w", out.Error, domain.ErrRendererFailure)
		}
		return nil, fmt.Errorf("renderer: http %d: %w", resp.StatusCode, domain.ErrRendererFailure)
	}
	if len(data) > maxDocumentBytes {
		return nil, fmt.Errorf("renderer: document too large: %w", domain.ErrRendererFailure)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("renderer: empty document: %w", domain.ErrRendererFailure)
	}
	pages, err := strconv.Atoi(resp.Header.Get(HeaderPageCount))
	if err != nil || pages < 1 {
		return nil, errors.Join(domain.ErrRendererFailure, fmt.Errorf("renderer: missing or invalid %s header", HeaderPageCount))
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/pdf"
	}
	return &Document{Data: data, ContentType: contentType, Pages: pages}, nil
}
