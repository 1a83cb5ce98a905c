package storage

import (
	"context"
	"fmt"
	"mime"
	"strings"
	"time"

	"docapi/internal/domain"
)

// Blobs is the byte store artifacts are written to.
type Blobs interface {
	Write(ctx context.Context, key string, data []byte) (string, error)
	Read(ctx context.Context, key string) ([]byte, error)
	Remove(ctx context.Context, key string) error
}

// Artifacts names, stores and expires rendered documents.
type Artifacts struct {
	blobs   Blobs
	baseURL string
	ttl     time.Duration
	now     func() time.Time
}

// NewArtifacts builds an artifact store. Download URLs are baseURL joined
// with the artifact key. A zero ttl keeps artifacts forever.
func NewArtifacts(blobs Blobs, baseURL string, ttl time.Duration) *Artifacts {
	return &Artifacts{blobs: blobs, baseURL: strings.TrimRight(baseURL, "/"), ttl: ttl, now: time.Now}
}

// WithClock overrides time.Now.
func (a *Artifacts) WithClock(now func() time.Time) *Artifacts {
	a.now = now
	return a
}

// Save writes the document for jobID and describes where it can be fetched.
func (a *Artifacts) Save(ctx context.Context, jobID, contentType string, data []byte) (*domain.Artifact, error) {
	if strings.TrimSpace(jobID) == "" {
		return nil, fmt.Errorf("storage: job id is required")
	}
	key, err := a.blobs.Write(ctx, ArtifactKey(jobID, contentType), data)
	if err != nil {
		return nil, err
	}
	art := &domain.Artifact{
		Key:         key,
		URL:         a.baseURL + "/" + key,
		ContentType: contentType,
		Bytes:       int64(len(data)),
	}
	if a.ttl > 0 {
		expires := a.now().UTC().Add(a.ttl)
		art.ExpiresAt = &expires
	}
	return art, nil
}

// Open returns the bytes of an unexpired artifact.
func (a *Artifacts) Open(ctx context.Context, art domain.Artifact) ([]byte, error) {
	if art.ExpiresAt != nil && !a.now().Before(*art.ExpiresAt) {
		return nil, ErrNotFound
	}
	return a.blobs.Read(ctx, art.Key)
}

// Discard removes an artifact, for example after a job lost a timeout race.
func (a *Artifacts) Discard(ctx context.Context, art domain.Artifact) error {
	return a.blobs.Remove(ctx, art.Key)
}

// ArtifactKey is generated/<job_id>/document.<ext>.
func ArtifactKey(jobID, contentType string) string {
	return "generated/" + jobID + "/document" + extensionFor(contentType)
}

func extensionFor(contentType string) string {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ".bin"
	}
	switch mediaType {
	case "application/pdf":
		return ".pdf"
	case "text/html":
		return ".html"
	case "text/markdown":
		return ".md"
	case "text/plain":
		return ".txt"
	case "image/png":
		return ".png"
	}
	return ".bin"
}
