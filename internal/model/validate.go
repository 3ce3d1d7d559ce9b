package model

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrValidation is the sentinel every ValidationError matches.
var ErrValidation = errors.New("validation failed")

// ValidationError describes malformed caller input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// TagMode selects how tags are validated.
type TagMode int

const (
	// TagsFree accepts any non-blank label.
	TagsFree TagMode = iota
	// TagsClosed accepts only the Category vocabulary.
	TagsClosed
)

// ParseTagMode maps "free" or "closed" to a TagMode.
func ParseTagMode(s string) (TagMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "free":
		return TagsFree, nil
	case "closed":
		return TagsClosed, nil
	}
	return TagsFree, fmt.Errorf("invalid tag mode %q (valid: free, closed)", s)
}

func (m TagMode) String() string {
	if m == TagsClosed {
		return "closed"
	}
	return "free"
}

// NormalizeKey trims the key and rejects blank keys.
func NormalizeKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", invalid("key", "must not be empty")
	}
	return key, nil
}

// ValidateBody rejects empty bodies. A text field, when present, must not be
// blank; a body without one must carry at least one field.
func ValidateBody(b Body) error {
	if len(b) == 0 {
		return invalid("body", "must not be empty")
	}
	if v, ok := b[TextField]; ok {
		s, isString := v.(string)
		if !isString {
			return invalid("body", "text field must be a string")
		}
		if strings.TrimSpace(s) == "" {
			return invalid("body", "text must not be empty")
		}
	}
	return nil
}

// NormalizeTags trims, de-duplicates and sorts tags. Blank tags are rejected,
// and in closed mode so is anything outside the Category vocabulary.
func NormalizeTags(tags []string, mode TagMode) ([]string, error) {
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" {
			return nil, invalid("tags", "tag must not be empty")
		}
		if mode == TagsClosed && !Category(t).Valid() {
			return nil, invalid("tags", "unknown category %q", t)
		}
		if seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	sort.Strings(out)
	return out, nil
}

// ValidateTagFilter checks a single tag used to filter lookups.
func ValidateTagFilter(tag string, mode TagMode) (string, error) {
	tag = strings.TrimSpace(tag)
	if tag == "" {
		return "", nil
	}
	if mode == TagsClosed && !Category(tag).Valid() {
		return "", invalid("tag", "unknown category %q", tag)
	}
	return tag, nil
}

// HasTag reports whether m carries tag.
func (m *Memory) HasTag(tag string) bool {
	for _, t := range m.Tags {
		if t == tag {
			return true
		}
	}
	return false
}
