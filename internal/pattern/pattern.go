// Package pattern matches test board output against expected-output
// templates. A template may contain one wildcard marker (***) standing for
// a non-deterministic region, such as a measured value or a timestamp.
package pattern

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Wildcard marks the non-deterministic region of a template.
const Wildcard = "***"

var ErrMultipleWildcards = errors.New("template contains more than one wildcard marker")

type Kind int

const (
	NoMatch Kind = iota
	Deterministic
	NonDeterministic
)

func (k Kind) String() string {
	switch k {
	case Deterministic:
		return "deterministic"
	case NonDeterministic:
		return "non_deterministic"
	default:
		return "no_match"
	}
}

// Result is the classification of one line. Text is the comparison-relevant
// portion: the deterministic literals for a match, or the raw line when
// nothing matched.
type Result struct {
	Kind     Kind
	Text     string
	Prefix   string
	Captured string
	Suffix   string
}

func (r Result) Matched() bool {
	return r.Kind != NoMatch
}

// Pattern is a compiled template.
type Pattern struct {
	template string
	re       *regexp.Regexp
	prefix   string
	suffix   string
}

// Compile turns a template into a Pattern. Literal text is quoted, the
// wildcard becomes a single capture group and the expression is anchored
// to the whole line.
func Compile(template string) (*Pattern, error) {
	switch strings.Count(template, Wildcard) {
	case 0:
		return &Pattern{template: template}, nil
	case 1:
	default:
		return nil, fmt.Errorf("compile %q: %w", template, ErrMultipleWildcards)
	}

	prefix, suffix, _ := strings.Cut(template, Wildcard)
	expr := "^" + regexp.QuoteMeta(prefix) + "(.*)" + regexp.QuoteMeta(suffix) + "$"

	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("compile %q: %w", template, err)
	}

	return &Pattern{
		template: template,
		re:       re,
		prefix:   prefix,
		suffix:   suffix,
	}, nil
}

func MustCompile(template string) *Pattern {
	p, err := Compile(template)
	if err != nil {
		panic(err)
	}
	return p
}

func (p *Pattern) Template() string {
	return p.template
}

func (p *Pattern) HasWildcard() bool {
	return p.re != nil
}

// Classify matches line against the pattern.
func (p *Pattern) Classify(line string) Result {
	if p.re == nil {
		if line == p.template {
			return Result{Kind: Deterministic, Text: line}
		}
		return Result{Kind: NoMatch, Text: line}
	}

	m := p.re.FindStringSubmatch(line)
	if m == nil {
		return Result{Kind: NoMatch, Text: line}
	}

	return Result{
		Kind:     NonDeterministic,
		Text:     p.prefix + p.suffix,
		Prefix:   p.prefix,
		Captured: m[1],
		Suffix:   p.suffix,
	}
}
