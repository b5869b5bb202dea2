// Sensitive data redaction for captured payloads
// Masks sensitive keys and value shapes, and matches denylisted paths
package payload

import (
	"regexp"
	"strings"
)

// Redacted is the marker substituted for sensitive content.
const Redacted = "[redacted]"

// DefaultSensitiveKeys are always masked, in addition to caller-supplied keys.
var DefaultSensitiveKeys = []string{
	"token",
	"api_key",
	"secret",
	"password",
	"authorization",
	"cookie",
	"session",
	"private_key",
}

// DefaultPathDenylist lists paths whose content is never captured.
var DefaultPathDenylist = []string{
	".env",
	".env.*",
	"*.pem",
	"*.key",
	"*.p12",
	"id_rsa",
	"id_ed25519",
}

var sensitiveValuePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(^|\s)bearer\s+[a-z0-9\-_.=:+/]+`),
	regexp.MustCompile(`^[A-Za-z0-9\-_]+\.[A-Za-z0-9\-_]+\.[A-Za-z0-9\-_]+$`),
	regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----`),
	regexp.MustCompile(`(?i)^sk-[a-z0-9\-_]+$`),
	regexp.MustCompile(`^(?:[A-Za-z0-9+/]{40,}={0,2})$`),
}

// Redactor masks sensitive mapping entries and string values, and decides
// whether a path must not be captured at all.
type Redactor struct {
	keys []string
	deny []*regexp.Regexp
}

// NewRedactor creates a Redactor. extraKeys extend DefaultSensitiveKeys;
// pathDenylist patterns are checked before DefaultPathDenylist.
func NewRedactor(extraKeys, pathDenylist []string) *Redactor {
	r := &Redactor{}
	for _, key := range append(append([]string{}, DefaultSensitiveKeys...), extraKeys...) {
		key = strings.ToLower(strings.TrimSpace(key))
		if key != "" {
			r.keys = append(r.keys, key)
		}
	}
	for _, pattern := range append(append([]string{}, pathDenylist...), DefaultPathDenylist...) {
		r.deny = append(r.deny, globToRegexp(pattern))
	}
	return r
}

// globToRegexp compiles a glob where '*' matches any run of characters,
// including path separators. Matching is case-insensitive and anchored.
func globToRegexp(pattern string) *regexp.Regexp {
	parts := strings.Split(pattern, "*")
	for i, part := range parts {
		parts[i] = regexp.QuoteMeta(part)
	}
	return regexp.MustCompile("(?i)^" + strings.Join(parts, ".*") + "$")
}

// Redact returns a copy of v with sensitive content replaced by Redacted.
// A mapping entry whose key contains a sensitive key (case-insensitive) is
// replaced whole. Other strings are replaced when their trimmed form looks
// like a credential.
func (r *Redactor) Redact(v Value) Value {
	switch v.Kind() {
	case KindMapping:
		entries := v.Entries()
		for i := range entries {
			if r.sensitiveKey(entries[i].Key) {
				entries[i].Value = String(Redacted)
				continue
			}
			entries[i].Value = r.Redact(entries[i].Value)
		}
		return Mapping(entries...)
	case KindSequence:
		items := v.Items()
		for i := range items {
			items[i] = r.Redact(items[i])
		}
		return Value{kind: KindSequence, seq: items}
	case KindString:
		if sensitiveValue(strings.TrimSpace(v.str)) {
			return String(Redacted)
		}
		return v
	case KindNull, KindBool, KindNumber:
		return v
	default:
		return v
	}
}

func (r *Redactor) sensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, k := range r.keys {
		if strings.Contains(lower, k) {
			return true
		}
	}
	return false
}

func sensitiveValue(s string) bool {
	for _, re := range sensitiveValuePatterns {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

// ShouldSkipPath reports whether content read from path must be omitted.
func (r *Redactor) ShouldSkipPath(path string) bool {
	for _, re := range r.deny {
		if re.MatchString(path) {
			return true
		}
	}
	return false
}
