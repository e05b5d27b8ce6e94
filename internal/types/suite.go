package types

// ChamberStep is one target temperature held for a number of minutes.
type ChamberStep struct {
	Temp     float64 `json:"temp" yaml:"temp"`
	Duration int     `json:"duration" yaml:"duration"`
}

// TestDefinition describes a single queued test.
type TestDefinition struct {
	ChamberSequences []ChamberStep `json:"chamber_sequences" yaml:"chamber_sequences"`
	Sketch           string        `json:"sketch,omitempty" yaml:"sketch,omitempty"`
	ExpectedOutput   string        `json:"expected_output" yaml:"expected_output"`
}

// TestSuite maps test names to definitions. Names holds the queue order,
// which is the order the tests appeared in the source document.
type TestSuite struct {
	Name  string                    `json:"name"`
	Names []string                  `json:"names"`
	Tests map[string]TestDefinition `json:"tests"`
}

func NewTestSuite(name string) *TestSuite {
	return &TestSuite{
		Name:  name,
		Tests: make(map[string]TestDefinition),
	}
}

// Add appends a test. Re-adding an existing name replaces the definition
// and keeps its original position.
func (s *TestSuite) Add(name string, def TestDefinition) {
	if _, exists := s.Tests[name]; !exists {
		s.Names = append(s.Names, name)
	}
	s.Tests[name] = def
}

func (s *TestSuite) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Names)
}

// At returns the test at queue position i.
func (s *TestSuite) At(i int) (string, TestDefinition, bool) {
	if s == nil || i < 0 || i >= len(s.Names) {
		return "", TestDefinition{}, false
	}
	name := s.Names[i]
	return name, s.Tests[name], true
}

// Steps flattens every chamber step of the queue in execution order.
func (s *TestSuite) Steps() []ChamberStep {
	if s == nil {
		return nil
	}
	var steps []ChamberStep
	for _, name := range s.Names {
		steps = append(steps, s.Tests[name].ChamberSequences...)
	}
	return steps
}
