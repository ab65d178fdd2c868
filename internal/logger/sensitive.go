package logger

import (
	"regexp"
	"strings"
)

// sensitiveValuePatterns match credentials embedded in free-form strings such as DSNs
var sensitiveValuePatterns = []*regexp.Regexp{
	// user:password@tcp(host) style MySQL DSNs
	regexp.MustCompile(`([^\s:/@]+:)([^\s@]+)(@)`),
	regexp.MustCompile(`(?i)(bearer\s+)([A-Za-z0-9-._~+/]+=*)`),
	regexp.MustCompile(`(?i)((api|access|auth|token|secret|passw(or)?d)[0-9a-z\-_\.]*[\s:=]+)([^;,\s]{5,})`),
}

// sensitiveKeywords mark field keys whose values are never logged
var sensitiveKeywords = []string{
	"password", "passwd", "secret", "credential", "token", "api_key", "apikey", "dsn_password",
}

// RedactSensitiveData replaces credentials in a string with "[REDACTED]"
func RedactSensitiveData(input string) string {
	if input == "" {
		return input
	}

	input = sensitiveValuePatterns[0].ReplaceAllString(input, "$1[REDACTED]$3")
	for _, pattern := range sensitiveValuePatterns[1:] {
		input = pattern.ReplaceAllString(input, "$1[REDACTED]")
	}
	return input
}

// isSensitiveKey reports whether a field key names a secret
func isSensitiveKey(key string) bool {
	keyLower := strings.ToLower(key)
	for _, keyword := range sensitiveKeywords {
		if strings.Contains(keyLower, keyword) {
			return true
		}
	}
	return false
}

// redactField masks string values of sensitive fields and scrubs DSN credentials
func redactField(f Field) Field {
	s, ok := f.Value.(string)
	if !ok || s == "" {
		return f
	}
	if isSensitiveKey(f.Key) {
		return Field{Key: f.Key, Value: "[REDACTED]"}
	}
	if f.Key == "dsn" || strings.Contains(s, "@tcp(") {
		return Field{Key: f.Key, Value: RedactSensitiveData(s)}
	}
	return f
}
