package domain

import "time"

// Artifact is a rendered document persisted for later download.
type Artifact struct {
	Key         string     `json:"key"`
	URL         string     `json:"url"`
	ContentType string     `json:"content_type"`
	Bytes       int64      `json:"bytes"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

// RenderInput is what a client submits for rendering.
type RenderInput struct {
	Mode    InputMode         `json:"input_type"`
	Content string            `json:"content"`
	Options map[string]string `json:"options,omitempty"`
}
