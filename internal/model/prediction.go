// Package model holds the small shared value types that flow between the
// capture, analysis and persistence layers.
package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cast"
)

// Prediction is a single species-level result from the classifier.
// Confidence is a fraction in [0,1]; nil means the source did not report one.
type Prediction struct {
	Species        string   `json:"species"`
	ScientificName string   `json:"scientific_name"`
	Confidence     *float64 `json:"confidence"`
}

// NowISO returns the current UTC time formatted as ISO-8601 with a trailing Z.
func NowISO() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// FormatISO formats t as UTC ISO-8601 with a trailing Z.
func FormatISO(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// ParseTimestamp parses an ISO-8601 timestamp, accepting both the Z suffix
// and explicit offsets. Returns the zero time and false when the value does
// not parse.
func ParseTimestamp(value string) (time.Time, bool) {
	if value == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, value); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// NormalizeTimestamp coerces arbitrary input to a stored UTC timestamp.
// Empty or unparseable values fall back to the current time.
func NormalizeTimestamp(value string) string {
	t, ok := ParseTimestamp(strings.TrimSpace(value))
	if !ok {
		return NowISO()
	}
	return FormatISO(t)
}

// NormalizeConfidence coerces arbitrary input to a confidence fraction in
// [0,1]. Strings may carry a trailing percent sign. Values above 1 are
// interpreted as percentages. Returns nil for missing or unparseable input.
func NormalizeConfidence(value any) *float64 {
	if value == nil {
		return nil
	}
	if s, ok := value.(string); ok {
		value = strings.TrimSpace(strings.ReplaceAll(s, "%", ""))
		if value == "" {
			return nil
		}
	}
	numeric, err := cast.ToFloat64E(value)
	if err != nil {
		return nil
	}
	if numeric > 1 {
		numeric /= 100.0
	}
	numeric = min(1.0, max(0.0, numeric))
	return &numeric
}

// FormatConfidence renders a confidence fraction as a whole percentage,
// or an empty string when the value is missing.
func FormatConfidence(value *float64) string {
	if value == nil {
		return ""
	}
	numeric := *value
	if numeric > 1 {
		numeric /= 100.0
	}
	numeric = min(1.0, max(0.0, numeric))
	return fmt.Sprintf("%.0f%%", numeric*100)
}

// Float64 returns a pointer to v, for literal confidence values.
func Float64(v float64) *float64 {
	return &v
}
