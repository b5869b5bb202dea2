// Payload privacy policy: redaction, size budget and attribute rendering
// Every payload attached to a span passes through Policy.Sanitize first
package payload

import (
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"
)

// Profile selects how much payload content leaves the process.
type Profile string

const (
	// ProfileStrict keeps only size metadata, never content.
	ProfileStrict Profile = "strict"
	// ProfileDetailed keeps redacted content up to the byte budget.
	ProfileDetailed Profile = "detailed-with-redaction"
)

// ParseProfile maps "strict" to ProfileStrict and anything else to ProfileDetailed.
func ParseProfile(s string) Profile {
	if s == string(ProfileStrict) {
		return ProfileStrict
	}
	return ProfileDetailed
}

const unserializable = `"[unserializable]"`

// Sanitized describes a payload after the policy has been applied.
// Text is only meaningful when HasText is true.
type Sanitized struct {
	Mode          Profile
	Omitted       bool
	Text          string
	HasText       bool
	Bytes         int
	OriginalBytes int
	Truncated     bool
}

// Policy applies redaction and the byte budget to payloads.
type Policy struct {
	profile  Profile
	maxBytes int
	redactor *Redactor
}

// NewPolicy creates a Policy. maxBytes below 1 is clamped to 1.
func NewPolicy(profile Profile, maxBytes int, r *Redactor) *Policy {
	if r == nil {
		r = NewRedactor(nil, nil)
	}
	return &Policy{
		profile:  profile,
		maxBytes: max(1, maxBytes),
		redactor: r,
	}
}

// Sanitize redacts and bounds v. A non-empty path that matches the denylist
// omits the payload without serializing it.
func (p *Policy) Sanitize(v Value, path string) Sanitized {
	if path != "" && p.redactor.ShouldSkipPath(path) {
		return Sanitized{Mode: p.profile, Omitted: true}
	}
	return p.bound(serialize(p.redactor.Redact(v)))
}

func serialize(v Value) string {
	b, err := v.MarshalJSON()
	if err != nil {
		return unserializable
	}
	return string(b)
}

func (p *Policy) bound(text string) Sanitized {
	original := len(text)
	if p.profile == ProfileStrict {
		return Sanitized{
			Mode:          p.profile,
			Bytes:         original,
			OriginalBytes: original,
		}
	}

	cut := truncateUTF8(text, p.maxBytes)
	return Sanitized{
		Mode:          p.profile,
		Text:          cut,
		HasText:       true,
		Bytes:         len(cut),
		OriginalBytes: original,
		Truncated:     len(cut) < original,
	}
}

// truncateUTF8 returns the longest prefix of s that fits in maxBytes without
// splitting a code point.
func truncateUTF8(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	cut := maxBytes
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// Attributes renders s as flat attributes under prefix.
func (p *Policy) Attributes(prefix string, s Sanitized) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(prefix+".mode", string(s.Mode)),
		attribute.Bool(prefix+".omitted", s.Omitted),
		attribute.Int(prefix+".bytes", s.Bytes),
		attribute.Int(prefix+".original_bytes", s.OriginalBytes),
		attribute.Bool(prefix+".truncated", s.Truncated),
		attribute.String(prefix+".text", s.Text),
	}
}
