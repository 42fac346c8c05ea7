package events

import (
	"fmt"
	"strings"

	"github.com/coachpo/yapper/errs"
)

const (
	// Separator delimits topic segments.
	Separator = "."
	// Wildcard is the trailing pattern segment matching one or more topic segments.
	Wildcard = "*"
	// MaxTopicLength bounds the byte length of topics and patterns.
	MaxTopicLength = 255
)

// ValidateTopic reports whether topic is a well-formed, concrete topic.
func ValidateTopic(topic string) error {
	if err := validateSegments(topic, false); err != nil {
		return errs.New("events/topic", errs.CodeInvalidPattern,
			errs.WithMessage(fmt.Sprintf("topic %q: %v", topic, err)))
	}
	return nil
}

// Pattern is a validated subscription pattern: an exact topic, a topic prefix
// followed by a trailing wildcard segment, or the bare wildcard.
type Pattern struct {
	raw    string
	prefix string
	wild   bool
}

// ParsePattern validates and parses a subscription pattern.
func ParsePattern(pattern string) (Pattern, error) {
	if err := validateSegments(pattern, true); err != nil {
		return Pattern{}, errs.New("events/pattern", errs.CodeInvalidPattern,
			errs.WithMessage(fmt.Sprintf("pattern %q: %v", pattern, err)))
	}
	p := Pattern{raw: pattern}
	switch {
	case pattern == Wildcard:
		p.wild = true
	case strings.HasSuffix(pattern, Separator+Wildcard):
		p.wild = true
		p.prefix = strings.TrimSuffix(pattern, Wildcard)
	default:
		p.prefix = pattern
	}
	return p, nil
}

// MustPattern is ParsePattern for literals known to be valid; it panics otherwise.
func MustPattern(pattern string) Pattern {
	p, err := ParsePattern(pattern)
	if err != nil {
		panic(err)
	}
	return p
}

// String returns the pattern as written.
func (p Pattern) String() string { return p.raw }

// IsZero reports whether p is the zero value.
func (p Pattern) IsZero() bool { return p.raw == "" }

// IsWildcard reports whether the pattern ends in a wildcard segment.
func (p Pattern) IsWildcard() bool { return p.wild }

// Prefix returns the literal part of the pattern. For wildcard patterns it
// includes the trailing separator ("a.b." for "a.b.*"; "" for "*"); for exact
// patterns it is the whole topic.
func (p Pattern) Prefix() string { return p.prefix }

// Match reports whether topic equals the pattern or extends it at the wildcard boundary.
func (p Pattern) Match(topic string) bool {
	if p.raw == "" || topic == "" {
		return false
	}
	if !p.wild {
		return topic == p.prefix
	}
	// The remainder is non-empty, so at least one segment follows the prefix.
	return len(topic) > len(p.prefix) && strings.HasPrefix(topic, p.prefix)
}

func validateSegments(value string, allowWildcard bool) error {
	if value == "" {
		return fmt.Errorf("must not be empty")
	}
	if len(value) > MaxTopicLength {
		return fmt.Errorf("exceeds %d bytes", MaxTopicLength)
	}
	segments := strings.Split(value, Separator)
	for i, seg := range segments {
		if seg == "" {
			return fmt.Errorf("empty segment at position %d", i)
		}
		if seg == Wildcard {
			if !allowWildcard {
				return fmt.Errorf("wildcard not allowed in topics")
			}
			if i != len(segments)-1 {
				return fmt.Errorf("wildcard must be the last segment")
			}
			continue
		}
		for _, r := range seg {
			if !isSegmentRune(r) {
				return fmt.Errorf("invalid character %q in segment %q", r, seg)
			}
		}
	}
	return nil
}

func isSegmentRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	case r == '_' || r == '-':
		return true
	default:
		return false
	}
}
