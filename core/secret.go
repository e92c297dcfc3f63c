package core

import (
	"encoding/json"
	"fmt"
	"log/slog"
)

const redacted = "***"

// Secret holds credential material (API keys, access and refresh tokens).
// Every rendering path (fmt verbs, JSON, YAML and slog) prints a fixed mask, so a
// Secret can travel through structs that end up in logs without leaking.
// Use Reveal only at the point where the value is handed to a client.
type Secret string

// Reveal returns the raw secret value.
func (s Secret) Reveal() string { return string(s) }

// IsZero reports whether the secret is empty.
func (s Secret) IsZero() bool { return s == "" }

// String implements fmt.Stringer.
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return redacted
}

// GoString implements fmt.GoStringer.
func (s Secret) GoString() string { return fmt.Sprintf("core.Secret(%q)", s.String()) }

// Format implements fmt.Formatter so that no verb bypasses the mask.
func (s Secret) Format(f fmt.State, _ rune) { _, _ = f.Write([]byte(s.String())) }

// MarshalJSON implements json.Marshaler.
func (s Secret) MarshalJSON() ([]byte, error) { return json.Marshal(s.String()) }

// LogValue implements slog.LogValuer.
func (s Secret) LogValue() slog.Value { return slog.StringValue(s.String()) }

// MarshalYAML implements yaml.Marshaler.
func (s Secret) MarshalYAML() (any, error) { return s.String(), nil }
