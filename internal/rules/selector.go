package rules

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
)

// Kind discriminates the two selector forms a rule may use.
type Kind int

const (
	// KindCSS selects nodes by CSS selector; the caller decides whether
	// text or an attribute is read from the match.
	KindCSS Kind = iota
	// KindMeta locates a <meta> tag by attribute match; the value is
	// always read from its content attribute.
	KindMeta
)

// metaPattern recognises the meta[attr=value] selector form, with the value
// bare, single-quoted, or double-quoted.
var metaPattern = regexp.MustCompile(`^meta\[\s*([\w.:-]+)\s*=\s*(?:"([^"]*)"|'([^']*)'|([^\]\s"']+))\s*\]$`)

// Selector is one extraction selector in compiled form. The zero value
// selects nothing and extraction against it degrades to an empty result.
type Selector struct {
	raw     string
	kind    Kind
	matcher goquery.Matcher
}

// Compile parses a raw selector string into its tagged, compiled form.
// Selectors are compiled once when a rule loads, never per extraction.
func Compile(raw string) (Selector, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Selector{}, nil
	}
	if m := metaPattern.FindStringSubmatch(raw); m != nil {
		attr := m[1]
		value := m[2]
		if value == "" && m[3] != "" {
			value = m[3]
		}
		if value == "" && m[4] != "" {
			value = m[4]
		}
		compiled, err := cascadia.Compile(fmt.Sprintf("meta[%s=%q]", attr, value))
		if err != nil {
			return Selector{}, fmt.Errorf("compile meta selector %q: %w", raw, err)
		}
		return Selector{raw: raw, kind: KindMeta, matcher: compiled}, nil
	}
	compiled, err := cascadia.Compile(raw)
	if err != nil {
		return Selector{}, fmt.Errorf("compile selector %q: %w", raw, err)
	}
	return Selector{raw: raw, kind: KindCSS, matcher: compiled}, nil
}

// MustCompile is Compile for selectors known to be valid. It panics on
// error and exists for tests and static rule tables.
func MustCompile(raw string) Selector {
	s, err := Compile(raw)
	if err != nil {
		panic(err)
	}
	return s
}

// IsZero reports whether the selector is unconfigured.
func (s Selector) IsZero() bool { return s.raw == "" }

// Kind returns the selector form.
func (s Selector) Kind() Kind { return s.kind }

// Matcher exposes the compiled matcher, nil for the zero selector.
func (s Selector) Matcher() goquery.Matcher { return s.matcher }

func (s Selector) String() string { return s.raw }

func (s Selector) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.raw)
}

func (s *Selector) UnmarshalJSON(b []byte) error {
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("selector should be a string: %w", err)
	}
	parsed, err := Compile(raw)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// URLTransform rewrites a detail-page URL into its chapter-list URL.
type URLTransform struct {
	Pattern     string `json:"pattern"`
	Replacement string `json:"replacement"`

	re *regexp.Regexp
}

func (t *URLTransform) compile() error {
	if t == nil || strings.TrimSpace(t.Pattern) == "" {
		return nil
	}
	re, err := regexp.Compile(t.Pattern)
	if err != nil {
		return fmt.Errorf("compile url_transform pattern %q: %w", t.Pattern, err)
	}
	t.re = re
	return nil
}

// Apply rewrites raw when the pattern matches; a non-matching pattern
// leaves the URL unchanged.
func (t *URLTransform) Apply(raw string) string {
	if t == nil || t.re == nil || !t.re.MatchString(raw) {
		return raw
	}
	return t.re.ReplaceAllString(raw, t.Replacement)
}
