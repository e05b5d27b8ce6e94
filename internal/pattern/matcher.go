package pattern

import (
	"sync"

	"go.uber.org/zap"
)

// Matcher caches compiled templates and logs captured values.
type Matcher struct {
	cache  sync.Map // template -> *Pattern
	logger *zap.Logger
}

func NewMatcher(logger *zap.Logger) *Matcher {
	return &Matcher{logger: logger}
}

func (m *Matcher) Pattern(template string) (*Pattern, error) {
	if cached, ok := m.cache.Load(template); ok {
		return cached.(*Pattern), nil
	}

	p, err := Compile(template)
	if err != nil {
		return nil, err
	}

	actual, _ := m.cache.LoadOrStore(template, p)
	return actual.(*Pattern), nil
}

// Classify compiles (or reuses) the template and classifies line.
func (m *Matcher) Classify(template, line string) (Result, error) {
	p, err := m.Pattern(template)
	if err != nil {
		return Result{Kind: NoMatch, Text: line}, err
	}

	res := p.Classify(line)
	if res.Kind == NonDeterministic {
		m.logger.Info("Non-deterministic output captured",
			zap.String("template", template),
			zap.String("captured", res.Captured),
			zap.String("deterministic", res.Text))
	}
	return res, nil
}
