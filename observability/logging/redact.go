package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue replaces secret material in log lines.
const RedactedValue = "[REDACTED]"

// sensitiveKeys never reach the output verbatim, whatever the caller logs
// under them.
var sensitiveKeys = map[string]struct{}{
	"authorization": {},
	"passphrase":    {},
	"password":      {},
	"private_key":   {},
	"secret":        {},
	"token":         {},
}

func isSensitive(key string) bool {
	_, ok := sensitiveKeys[strings.ToLower(strings.TrimSpace(key))]
	return ok
}

// Credential logs an Authorization style header. The scheme survives so
// operators can tell a malformed header from a rejected token; the credential
// itself does not.
func Credential(key, header string) slog.Attr {
	header = strings.TrimSpace(header)
	if header == "" {
		return slog.String(key, "")
	}
	scheme, _, found := strings.Cut(header, " ")
	if !found || strings.TrimSpace(scheme) == "" {
		return slog.String(key, RedactedValue)
	}
	return slog.String(key, scheme+" "+RedactedValue)
}

// redactAttr masks string values logged under a sensitive key. Values that
// Credential already masked pass through.
func redactAttr(attr slog.Attr) slog.Attr {
	if !isSensitive(attr.Key) || attr.Value.Kind() == slog.KindGroup {
		return attr
	}
	value := attr.Value.String()
	if value == "" || strings.HasSuffix(value, RedactedValue) {
		return attr
	}
	return slog.String(attr.Key, RedactedValue)
}
