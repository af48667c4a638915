package upstream

import (
	"net/url"
	"regexp"
)

var (
	bearerPattern = regexp.MustCompile(`(?i)Bearer\s+[A-Za-z0-9._\-]+`)
	skPattern     = regexp.MustCompile(`\bsk-[A-Za-z0-9_\-]+`)
)

// sensitiveQueryParams are masked by RedactURL, and removed by
// StripSensitiveQueryParams from Gemini request query strings (spec §4.4.4)
// before forwarding when the channel has configured keys.
var sensitiveQueryParams = []string{"key", "api_key", "apikey", "access_token", "token", "auth"}

// RedactSecrets replaces bearer tokens and sk-prefixed keys in s with a
// fixed placeholder, spec §4.5.
func RedactSecrets(s string) string {
	s = bearerPattern.ReplaceAllString(s, "Bearer REDACTED")
	s = skPattern.ReplaceAllString(s, "sk-REDACTED")
	return s
}

// RedactURL replaces user-info and sensitive query parameters in rawURL
// with REDACTED, leaving the rest of the URL intact. Unparsable input is
// returned with only secret-pattern redaction applied.
func RedactURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return RedactSecrets(rawURL)
	}
	if u.User != nil {
		u.User = url.UserPassword("REDACTED", "REDACTED")
	}
	if u.RawQuery != "" {
		q := u.Query()
		for _, param := range sensitiveQueryParams {
			if q.Has(param) {
				q.Set(param, "REDACTED")
			}
		}
		u.RawQuery = q.Encode()
	}
	return RedactSecrets(u.String())
}

// StripSensitiveQueryParams removes the query parameters a client must
// never be allowed to inject credentials through (spec §4.4.4), used when
// forwarding Gemini requests for a channel with configured keys.
func StripSensitiveQueryParams(rawQuery string) string {
	q, err := url.ParseQuery(rawQuery)
	if err != nil {
		return rawQuery
	}
	for _, param := range sensitiveQueryParams {
		q.Del(param)
	}
	return q.Encode()
}
