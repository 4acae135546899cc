package middleware

import (
	"context"
	"net"
	"net/http"
	"strings"

	"golang.org/x/text/language"
)

type languageContextKey struct{}

var LanguageKey = languageContextKey{}

// CountryLookup resolves ISO country codes for an IP address.
type CountryLookup func(ip string) (string, error)

// countryLanguages maps ISO country codes to a default story language for
// countries the app ships in. Anything else falls back to the configured
// default.
var countryLanguages = map[string]string{
	"DE": "de", "AT": "de", "CH": "de",
	"FR": "fr", "BE": "fr",
	"ES": "es", "MX": "es", "AR": "es",
	"IT": "it",
	"NL": "nl",
	"BR": "pt", "PT": "pt",
}

// Language resolves the request's story language and stores it in the
// context. Precedence: X-Language header, Accept-Language, GeoIP country,
// configured default.
func Language(defaultLanguage string, lookup CountryLookup) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			lang := detectLanguage(r, defaultLanguage, lookup)
			ctx := context.WithValue(r.Context(), LanguageKey, lang)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func detectLanguage(r *http.Request, fallback string, lookup CountryLookup) string {
	if v := NormalizeLanguage(r.Header.Get("X-Language")); v != "" {
		return v
	}
	if v := parseAcceptLanguage(r.Header.Get("Accept-Language")); v != "" {
		return v
	}
	if lookup != nil {
		if ip := ClientIP(r); ip != "" {
			if country, err := lookup(ip); err == nil {
				if lang, ok := countryLanguages[strings.ToUpper(country)]; ok {
					return lang
				}
			}
		}
	}
	if fallback != "" {
		return fallback
	}
	return "en"
}

func parseAcceptLanguage(header string) string {
	if strings.TrimSpace(header) == "" {
		return ""
	}
	tags, _, err := language.ParseAcceptLanguage(header)
	if err != nil || len(tags) == 0 {
		return ""
	}
	base, conf := tags[0].Base()
	if conf == language.No {
		return ""
	}
	return base.String()
}

// NormalizeLanguage parses a BCP 47 tag and reduces it to its base
// language ("en-US" -> "en"). Returns "" when the tag is unusable.
func NormalizeLanguage(tag string) string {
	tag = strings.TrimSpace(tag)
	if tag == "" {
		return ""
	}
	parsed, err := language.Parse(tag)
	if err != nil {
		return ""
	}
	base, conf := parsed.Base()
	if conf == language.No {
		return ""
	}
	return base.String()
}

// ClientIP returns the best-effort client IP address for the request.
func ClientIP(r *http.Request) string {
	if r == nil {
		return ""
	}
	if xf := r.Header.Get("X-Forwarded-For"); xf != "" {
		parts := strings.Split(xf, ",")
		if len(parts) > 0 {
			return strings.TrimSpace(parts[0])
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// LanguageFromContext returns the detected story language for the request.
func LanguageFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(LanguageKey).(string); ok {
		return v
	}
	return "en"
}
