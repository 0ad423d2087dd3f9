// Package redact scrubs credentials and infrastructure details out of
// strings before they reach a log line or an error response.
package redact

import (
	"regexp"
	"strings"
)

// Placeholders substituted for redacted fragments.
const (
	RedactionPlaceholder          = "[REDACTED]"
	RedactedCredentialPlaceholder = "[REDACTED_CREDENTIAL]"
	RedactedKeyPlaceholder        = "[REDACTED_KEY]"
	RedactedTokenPlaceholder      = "[REDACTED_TOKEN]"
	RedactedPathPlaceholder       = "[REDACTED_PATH]"
	RedactedHostPlaceholder       = "[REDACTED_HOST]"
	RedactedSQLPlaceholder        = "[REDACTED_SQL]"
)

type rule struct {
	name        string
	pattern     *regexp.Regexp
	replacement string
}

// rules run in order; earlier rules consume text later ones would only
// partially match (a DSN before its host, a bearer header before the JWT).
var rules = []rule{
	{
		name:        "dsn",
		pattern:     regexp.MustCompile(`(?i)\b(postgres(?:ql)?|kafka|sasl|amqp|redis)://[^\s@/]+@[^\s/]+`),
		replacement: RedactedCredentialPlaceholder,
	},
	{
		name:        "bearer",
		pattern:     regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9_\-.~+/]+=*`),
		replacement: "Bearer " + RedactedTokenPlaceholder,
	},
	{
		name:        "jwt",
		pattern:     regexp.MustCompile(`eyJ[A-Za-z0-9_-]+\.eyJ[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+`),
		replacement: RedactedTokenPlaceholder,
	},
	{
		name:        "query_token",
		pattern:     regexp.MustCompile(`(?i)([?&](?:token|access_token|key)=)[^&\s"']+`),
		replacement: "${1}" + RedactedTokenPlaceholder,
	},
	{
		name:        "password",
		pattern:     regexp.MustCompile(`(?i)\b(password|passwd|pwd|sasl_password)(\s*[=:]\s*['"]?)[^'"&\s]{3,}`),
		replacement: "${1}${2}" + RedactedCredentialPlaceholder,
	},
	{
		name:        "secret",
		pattern:     regexp.MustCompile(`(?i)\b(api[_-]?key|jwt[_-]?secret|secret|token)(\s*[=:]\s*['"]?)[A-Za-z0-9_\-.~+/]{8,}`),
		replacement: "${1}${2}" + RedactedKeyPlaceholder,
	},
	{
		name: "sql",
		pattern: regexp.MustCompile(
			`\b(SELECT|INSERT|UPDATE|DELETE|WITH)\b[\s\S]*?\b(FROM|INTO|SET|AS)\b[^;]*`,
		),
		replacement: RedactedSQLPlaceholder,
	},
	{
		name:        "unix_path",
		pattern:     regexp.MustCompile(`(?:/[\w.-]+){2,}`),
		replacement: RedactedPathPlaceholder,
	},
	{
		name:        "host_port",
		pattern:     regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}:\d{1,5}\b|\b[a-zA-Z][\w-]*(?:\.[\w-]+)+:\d{1,5}\b`),
		replacement: RedactedHostPlaceholder,
	},
}

// String returns input with every sensitive fragment replaced.
func String(input string) string {
	if strings.TrimSpace(input) == "" {
		return input
	}
	out := input
	for _, r := range rules {
		out = r.pattern.ReplaceAllString(out, r.replacement)
	}
	return out
}

// Error is String applied to err.Error(). A nil error yields "".
func Error(err error) string {
	if err == nil {
		return ""
	}
	return String(err.Error())
}
