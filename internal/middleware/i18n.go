package middleware

import (
	"context"
	"net/http"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

type localeContextKey struct{}
type countryContextKey struct{}

var (
	LocaleKey  = localeContextKey{}
	CountryKey = countryContextKey{}
)

var (
	supportedLocales = []language.Tag{language.English, language.Indonesian}
	localeMatcher    = language.NewMatcher(supportedLocales)
)

func init() {
	for key, text := range indonesianMessages {
		_ = message.SetString(language.Indonesian, key, text)
	}
}

// indonesianMessages translates the user-facing API messages.
var indonesianMessages = map[string]string{
	"missing authorization":            "otorisasi tidak ditemukan",
	"invalid authorization":            "format otorisasi tidak valid",
	"invalid token":                    "token tidak valid",
	"missing or invalid credentials":   "kredensial tidak ada atau tidak valid",
	"job not found":                    "pekerjaan tidak ditemukan",
	"insufficient credits":             "kredit tidak mencukupi",
	"result is not ready yet":          "hasil belum siap",
	"credit reservation was released":  "reservasi kredit sudah dikembalikan",
	"credit ledger unavailable, retry": "buku kredit tidak tersedia, coba lagi",
	"dispatch failed, retry later":     "pengiriman gagal, coba lagi nanti",
	"invalid request":                  "permintaan tidak valid",
	"too many requests":                "terlalu banyak permintaan",
	"internal error":                   "terjadi kesalahan internal",
}

// CountryLookup resolves the ISO country code of an IP address.
type CountryLookup func(ip string) (string, error)

// I18N resolves the response language: X-Locale, then Accept-Language, then
// the caller's country, then defaultLocale. lookup may be nil.
func I18N(defaultLocale string, lookup CountryLookup) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			country := ResolveCountry(r, lookup)
			locale := detectLocale(r, defaultLocale, country)
			ctx := context.WithValue(r.Context(), LocaleKey, locale)
			if country != "" {
				ctx = context.WithValue(ctx, CountryKey, country)
			}
			w.Header().Set("Content-Language", locale)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func detectLocale(r *http.Request, fallback string, country string) string {
	if v := r.Header.Get("X-Locale"); v != "" {
		return normalizeLocale(v)
	}
	if v := parseAcceptLanguage(r.Header.Get("Accept-Language")); v != "" {
		return v
	}
	if strings.EqualFold(country, "ID") {
		return "id"
	}
	if country != "" {
		return "en"
	}
	if fallback != "" {
		return normalizeLocale(fallback)
	}
	return "en"
}

func parseAcceptLanguage(header string) string {
	tags, _, err := language.ParseAcceptLanguage(header)
	if err != nil || len(tags) == 0 {
		return ""
	}
	tag, _, _ := localeMatcher.Match(tags...)
	return baseCode(tag)
}

func normalizeLocale(locale string) string {
	tag, err := language.Parse(strings.TrimSpace(locale))
	if err != nil {
		return "en"
	}
	matched, _, _ := localeMatcher.Match(tag)
	return baseCode(matched)
}

func baseCode(tag language.Tag) string {
	base, _ := tag.Base()
	if base.String() == "id" {
		return "id"
	}
	return "en"
}

func LocaleFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(LocaleKey).(string); ok {
		return v
	}
	return "en"
}

// CountryFromContext returns the ISO country code stored in the request context.
func CountryFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(CountryKey).(string); ok {
		return v
	}
	return ""
}

// ResolveCountry returns the country of the client IP when lookup knows it,
// else the hint set by the edge proxy or implied by the requested locale's
// region.
func ResolveCountry(r *http.Request, lookup CountryLookup) string {
	if r == nil {
		return ""
	}
	if lookup != nil {
		if ip := ClientIP(r); ip != "" {
			if country, err := lookup(ip); err == nil && country != "" {
				return strings.ToUpper(country)
			}
		}
	}
	for _, key := range []string{"X-Country-Code", "CF-IPCountry", "X-Appengine-Country"} {
		if val := strings.TrimSpace(r.Header.Get(key)); val != "" {
			return strings.ToUpper(val)
		}
	}
	for _, key := range []string{"X-Locale", "Accept-Language"} {
		if region := localeRegion(r.Header.Get(key)); region != "" {
			return region
		}
	}
	return ""
}

func localeRegion(header string) string {
	tags, _, err := language.ParseAcceptLanguage(header)
	if err != nil {
		return ""
	}
	for _, tag := range tags {
		if region, conf := tag.Region(); conf == language.Exact {
			return region.String()
		}
	}
	return ""
}

// Translate renders key in the request's language.
func Translate(ctx context.Context, key string, args ...any) string {
	tag := language.English
	if LocaleFromContext(ctx) == "id" {
		tag = language.Indonesian
	}
	return message.NewPrinter(tag).Sprintf(key, args...)
}
