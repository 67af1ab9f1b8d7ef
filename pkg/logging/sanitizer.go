// Package logging scrubs credentials from values before they are logged.
package logging

import (
	"net/url"
	"regexp"
	"strings"
)

// RedactedText replaces sensitive data.
const RedactedText = "[REDACTED]"

var (
	// password=xxx, pwd=xxx, pass=xxx up to the next delimiter
	passwordPattern = regexp.MustCompile(`(?i)(password|pwd|pass)=[^;&\s]+`)

	bearerPattern = regexp.MustCompile(`(?i)Bearer\s+[A-Za-z0-9\-_.~+/]+=*`)

	apiKeyPattern = regexp.MustCompile(`(?i)(api[_-]?key|apikey|key|token|sig|signature)=[^;&\s]+`)

	// user:pass@host
	userinfoPattern = regexp.MustCompile(`://[^:/\s]+:[^@/\s]+@`)
)

// secretQueryParams are dropped from URLs regardless of value length.
var secretQueryParams = map[string]bool{
	"key": true, "api_key": true, "apikey": true, "token": true,
	"access_token": true, "sig": true, "signature": true, "secret": true,
}

// SanitizeConnectionString removes credentials from a database or Redis URL.
func SanitizeConnectionString(connStr string) string {
	if connStr == "" {
		return ""
	}
	sanitized := passwordPattern.ReplaceAllString(connStr, "${1}="+RedactedText)
	return userinfoPattern.ReplaceAllString(sanitized, "://"+RedactedText+"@")
}

// SanitizeTarget masks a delivery target for logs. Webhook and chat URLs
// often carry their secret in the path, so only scheme and host survive.
// Email addresses keep their domain.
func SanitizeTarget(target string) string {
	if target == "" {
		return ""
	}
	if u, err := url.Parse(target); err == nil && u.Scheme != "" && u.Host != "" {
		return u.Scheme + "://" + u.Host + "/" + RedactedText
	}
	if at := strings.LastIndex(target, "@"); at > 0 {
		return RedactedText + target[at:]
	}
	return TruncateString(target, 4) + RedactedText
}

// SanitizeURL keeps the path of a URL but strips userinfo and secret query
// parameters. Use it for fetched page and search endpoint URLs.
func SanitizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return SanitizeError(rawError(raw))
	}
	if u.User != nil {
		u.User = url.User(RedactedText)
	}
	q := u.Query()
	changed := false
	for name := range q {
		if secretQueryParams[strings.ToLower(name)] {
			q.Set(name, RedactedText)
			changed = true
		}
	}
	if changed {
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// SanitizeError removes credentials that upstream errors tend to echo back.
func SanitizeError(err error) string {
	if err == nil {
		return ""
	}
	sanitized := passwordPattern.ReplaceAllString(err.Error(), "${1}="+RedactedText)
	sanitized = bearerPattern.ReplaceAllString(sanitized, "Bearer "+RedactedText)
	sanitized = apiKeyPattern.ReplaceAllString(sanitized, "${1}="+RedactedText)
	return userinfoPattern.ReplaceAllString(sanitized, "://"+RedactedText+"@")
}

// TruncateString truncates a string to maxLen and adds ellipsis if needed
func TruncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

type rawError string

func (e rawError) Error() string { return string(e) }
