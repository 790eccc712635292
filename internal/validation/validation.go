// Package validation provides typed validators for the HTTP boundary.
// Validators return a result, never panic or use exceptions for
// control flow.
package validation

import (
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// Error is the generic validation error shape.
type Error struct {
	Field   string `json:"field"`
	Value   any    `json:"value"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Shared patterns.
var (
	AccountNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
	APIPathPattern     = regexp.MustCompile(`^/[A-Za-z0-9/_\-.]*$`)
	UUIDPattern        = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)
)

// StringRule validates a string field against {required, min, max,
// pattern, allowedValues}.
type StringRule struct {
	Field         string
	Required      bool
	Min, Max      int
	Pattern       *regexp.Regexp
	AllowedValues []string
}

func (r StringRule) Validate(value string) *Error {
	if r.Required && strings.TrimSpace(value) == "" {
		return &Error{Field: r.Field, Value: value, Message: "is required"}
	}
	if value == "" {
		return nil
	}
	if r.Min > 0 && len(value) < r.Min {
		return &Error{Field: r.Field, Value: value, Message: fmt.Sprintf("must be at least %d characters", r.Min)}
	}
	if r.Max > 0 && len(value) > r.Max {
		return &Error{Field: r.Field, Value: value, Message: fmt.Sprintf("must be at most %d characters", r.Max)}
	}
	if r.Pattern != nil && !r.Pattern.MatchString(value) {
		return &Error{Field: r.Field, Value: value, Message: "does not match the required pattern"}
	}
	if len(r.AllowedValues) > 0 {
		ok := false
		for _, v := range r.AllowedValues {
			if v == value {
				ok = true
				break
			}
		}
		if !ok {
			return &Error{Field: r.Field, Value: value, Message: fmt.Sprintf("must be one of %v", r.AllowedValues)}
		}
	}
	return nil
}

// IntRule validates a numeric field against {min, max}.
type IntRule struct {
	Field    string
	Min, Max int
	HasMin   bool
	HasMax   bool
}

func (r IntRule) Validate(value int) *Error {
	if r.HasMin && value < r.Min {
		return &Error{Field: r.Field, Value: value, Message: fmt.Sprintf("must be >= %d", r.Min)}
	}
	if r.HasMax && value > r.Max {
		return &Error{Field: r.Field, Value: value, Message: fmt.Sprintf("must be <= %d", r.Max)}
	}
	return nil
}

// Endpoint validates a custom upstream endpoint URL: http(s), parseable,
// non-empty host.
func Endpoint(field, value string) *Error {
	if value == "" {
		return nil
	}
	u, err := url.Parse(value)
	if err != nil {
		return &Error{Field: field, Value: value, Message: "is not a parseable URL"}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return &Error{Field: field, Value: value, Message: "must use http or https"}
	}
	if u.Host == "" {
		return &Error{Field: field, Value: value, Message: "must have a non-empty host"}
	}
	return nil
}

// APIKeyFormat validates a raw API key string's minimum length.
func APIKeyFormat(field, value string) *Error {
	const minLen = 16
	if len(value) < minLen {
		return &Error{Field: field, Value: "[REDACTED]", Message: fmt.Sprintf("must be at least %d characters", minLen)}
	}
	return nil
}

// JSONBlob safe-parses a JSON string, returning a validation error
// instead of panicking on malformed input.
func JSONBlob(field, value string) *Error {
	if value == "" {
		return nil
	}
	var v any
	if err := json.Unmarshal([]byte(value), &v); err != nil {
		return &Error{Field: field, Value: value, Message: "is not valid JSON"}
	}
	return nil
}

// ModelMappings validates a parsed model_mappings object: non-empty
// string keys and values.
func ModelMappings(field string, mappings map[string]string) *Error {
	for k, v := range mappings {
		if strings.TrimSpace(k) == "" || strings.TrimSpace(v) == "" {
			return &Error{Field: field, Value: mappings, Message: "keys and values must be non-empty"}
		}
	}
	return nil
}

// AccountPriority validates the 0..100 range.
func AccountPriority(field string, priority int) *Error {
	return IntRule{Field: field, HasMin: true, Min: 0, HasMax: true, Max: 100}.Validate(priority)
}

// AccountName validates the [A-Za-z0-9_-]+ pattern.
func AccountName(field, value string) *Error {
	return StringRule{Field: field, Required: true, Min: 1, Max: 100, Pattern: AccountNamePattern}.Validate(value)
}
