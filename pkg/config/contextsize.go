package config

import (
	"fmt"
	"strconv"
	"strings"
)

// ContextSize is the number of context tokens a model is configured to run
// with. It serializes to YAML as a plain integer, except that an exact
// multiple of 1024 round-trips through the shorthand "<n>k" form, mirroring
// how operators write these values by hand.
type ContextSize int32

// NewContextSize constructs a ContextSize from a raw token count.
func NewContextSize(n int32) ContextSize {
	return ContextSize(n)
}

// Tokens returns the underlying token count.
func (c ContextSize) Tokens() int32 {
	return int32(c)
}

// ParseContextSize parses either a bare integer ("1500") or a "k"/"K"-suffixed
// shorthand ("32k", multiplied by 1024) into a ContextSize.
func ParseContextSize(s string) (ContextSize, error) {
	if s == "" {
		return 0, fmt.Errorf("config: context size string cannot be empty")
	}

	last := s[len(s)-1]
	if last == 'k' || last == 'K' {
		numPart := s[:len(s)-1]
		n, err := strconv.ParseInt(numPart, 10, 32)
		if err != nil {
			return 0, fmt.Errorf("config: invalid number in context string %q: %w", s, err)
		}
		return ContextSize(n * 1024), nil
	}

	n, err := strconv.ParseInt(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("config: invalid context string %q: %w", s, err)
	}
	return ContextSize(n), nil
}

// String renders c as the shorthand "<n>k" form when it is an exact
// multiple of 1024, and as a raw integer otherwise.
func (c ContextSize) String() string {
	if c != 0 && c%1024 == 0 {
		return strconv.FormatInt(int64(c/1024), 10) + "k"
	}
	return strconv.FormatInt(int64(c), 10)
}

// UnmarshalYAML accepts either a YAML integer scalar or a string scalar,
// matching the config file's "context: 32k" / "context: 1500" forms.
func (c *ContextSize) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var asInt int32
	if err := unmarshal(&asInt); err == nil {
		*c = ContextSize(asInt)
		return nil
	}

	var asString string
	if err := unmarshal(&asString); err != nil {
		return fmt.Errorf("config: context size must be an integer or a string ending in 'k': %w", err)
	}

	parsed, err := ParseContextSize(strings.TrimSpace(asString))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// MarshalYAML emits the shorthand "<n>k" form for exact multiples of 1024
// and a raw integer otherwise, so that re-serialized configuration is
// human-readable.
func (c ContextSize) MarshalYAML() (interface{}, error) {
	if c != 0 && c%1024 == 0 {
		return c.String(), nil
	}
	return int32(c), nil
}
