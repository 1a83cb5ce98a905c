package jsoncfg

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"docapi/internal/domain"
)

// PlanJSON is one entry of the plans file. Money values are decimal strings.
type PlanJSON struct {
	Name               string       `json:"name"`
	RateLimitPerMinute int          `json:"rate_limit_per_minute"`
	Quota              int64        `json:"quota"`
	MaxWebhooks        int          `json:"max_webhooks"`
	PricePerPage       domain.Money `json:"price_per_page"`
	FreeCredits        int64        `json:"free_credits"`
}

// PlansFile is the on-disk plan table.
type PlansFile struct {
	Version string     `json:"version"`
	Plans   []PlanJSON `json:"plans"`
}

const (
	// DefaultPlansVersion is the schema version assumed when the file omits it.
	DefaultPlansVersion = "2024-01"
	// MaxRateLimitPerMinute caps any configured per-minute rate.
	MaxRateLimitPerMinute = 100000
)

// Normalize trims names and clamps negative limits to "not configured".
func (f *PlansFile) Normalize() {
	if f == nil {
		return
	}
	if f.Version == "" {
		f.Version = DefaultPlansVersion
	}
	for i := range f.Plans {
		p := &f.Plans[i]
		p.Name = strings.ToLower(strings.TrimSpace(p.Name))
		if p.RateLimitPerMinute < 0 {
			p.RateLimitPerMinute = 0
		}
		if p.RateLimitPerMinute > MaxRateLimitPerMinute {
			p.RateLimitPerMinute = MaxRateLimitPerMinute
		}
		if p.Quota < 0 {
			p.Quota = 0
		}
		if p.MaxWebhooks < 0 {
			p.MaxWebhooks = 0
		}
		if p.FreeCredits < 0 {
			p.FreeCredits = 0
		}
	}
}

// Validate rejects tables that cannot be served.
func (f *PlansFile) Validate() error {
	if f == nil {
		return fmt.Errorf("plans file is nil")
	}
	if len(f.Plans) == 0 {
		return fmt.Errorf("plans file has no plans")
	}
	seen := make(map[string]struct{}, len(f.Plans))
	for _, p := range f.Plans {
		if p.Name == "" {
			return fmt.Errorf("plan name is required")
		}
		if _, dup := seen[p.Name]; dup {
			return fmt.Errorf("duplicate plan %q", p.Name)
		}
		seen[p.Name] = struct{}{}
		if p.PricePerPage < 0 {
			return fmt.Errorf("plan %q: price_per_page must not be negative", p.Name)
		}
	}
	return nil
}

// Table converts the file into the lookup used by the ledger and limiters.
func (f *PlansFile) Table() domain.Plans {
	out := make(domain.Plans, len(f.Plans))
	for _, p := range f.Plans {
		out[p.Name] = domain.Plan{
			Name:               p.Name,
			RateLimitPerMinute: p.RateLimitPerMinute,
			Quota:              p.Quota,
			MaxWebhooks:        p.MaxWebhooks,
			PricePerPage:       p.PricePerPage,
			FreeCredits:        p.FreeCredits,
		}
	}
	return out
}

// ParsePlans decodes, normalizes and validates a plans document.
func ParsePlans(raw []byte) (domain.Plans, error) {
	var f PlansFile
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("decode plans: %w", err)
	}
	f.Normalize()
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return f.Table(), nil
}

// LoadPlans reads the plans file at path. An empty path yields the default
// table.
func LoadPlans(path string) (domain.Plans, error) {
	if strings.TrimSpace(path) == "" {
		return domain.DefaultPlans(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plans file: %w", err)
	}
	return ParsePlans(raw)
}
