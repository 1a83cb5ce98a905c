package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/text/language"
)

type localeContextKey struct{}

var LocaleKey = localeContextKey{}

// Supported locales. The first entry is the fallback of the matcher.
var supportedLocales = []language.Tag{language.English, language.Indonesian}

var localeMatcher = language.NewMatcher(supportedLocales)

// I18N resolves the response locale from X-Locale, then Accept-Language,
// then defaultLocale.
func I18N(defaultLocale string) func(http.Handler) http.Handler {
	fallback := MatchLocale(defaultLocale)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			locale := detectLocale(r, fallback)
			ctx := context.WithValue(r.Context(), LocaleKey, locale)
			w.Header().Set("Content-Language", locale)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func detectLocale(r *http.Request, fallback string) string {
	if v := strings.TrimSpace(r.Header.Get("X-Locale")); v != "" {
		return MatchLocale(v)
	}
	if v := r.Header.Get("Accept-Language"); v != "" {
		tags, _, err := language.ParseAcceptLanguage(v)
		if err == nil && len(tags) > 0 {
			if _, idx, conf := localeMatcher.Match(tags...); conf != language.No {
				return baseOf(supportedLocales[idx])
			}
		}
	}
	if fallback != "" {
		return fallback
	}
	return "en"
}

// MatchLocale maps any BCP 47 tag to the closest supported locale.
func MatchLocale(raw string) string {
	tag, err := language.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "en"
	}
	_, idx, conf := localeMatcher.Match(tag)
	if conf == language.No {
		return "en"
	}
	return baseOf(supportedLocales[idx])
}

func baseOf(tag language.Tag) string {
	base, _ := tag.Base()
	return base.String()
}

func LocaleFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(LocaleKey).(string); ok {
		return v
	}
	return "en"
}

// Message keys for user-facing guidance.
const (
	MsgJobTimeout          = "job.timeout"
	MsgJobFailed           = "job.failed"
	MsgRateLimited         = "rate_limited"
	MsgQuotaExceeded       = "quota_exceeded"
	MsgInsufficientCredits = "insufficient_credits"
	MsgWebhookLimit        = "webhook_limit"
)

var catalog = map[string]map[string]string{
	"en": {
		MsgJobTimeout:          "The document took longer than %s to render. Submit it to the asynchronous jobs endpoint instead.",
		MsgJobFailed:           "The document could not be generated. Check the input and try again.",
		MsgRateLimited:         "Too many requests. Retry after %d seconds.",
		MsgQuotaExceeded:       "Usage quota reached (%d of %d). Upgrade your plan to continue.",
		MsgInsufficientCredits: "Not enough credits: %s required, %s available.",
		MsgWebhookLimit:        "Webhook limit reached (%d of %d) for your plan.",
	},
	"id": {
		MsgJobTimeout:          "Dokumen membutuhkan waktu lebih dari %s untuk dirender. Kirim melalui endpoint job asinkron.",
		MsgJobFailed:           "Dokumen gagal dibuat. Periksa input lalu coba lagi.",
		MsgRateLimited:         "Terlalu banyak permintaan. Coba lagi setelah %d detik.",
		MsgQuotaExceeded:       "Kuota penggunaan habis (%d dari %d). Tingkatkan paket untuk melanjutkan.",
		MsgInsufficientCredits: "Kredit tidak cukup: dibutuhkan %s, tersedia %s.",
		MsgWebhookLimit:        "Batas webhook paket Anda tercapai (%d dari %d).",
	},
}

// Translate formats the message for key in locale, falling back to English.
func Translate(locale, key string, args ...any) string {
	msgs, ok := catalog[locale]
	if !ok {
		msgs = catalog["en"]
	}
	format, ok := msgs[key]
	if !ok {
		format, ok = catalog["en"][key]
		if !ok {
			return key
		}
	}
	if len(args) == 0 {
		return format
	}
	return fmt.Sprintf(format, args...)
}
