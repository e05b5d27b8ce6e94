// Package suite loads test suites from JSON or YAML, validates them against
// the embedded schema and enforces the chamber temperature ceiling.
package suite

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/defliez/temperature-chamber/internal/pattern"
	"github.com/defliez/temperature-chamber/internal/types"
	"go.uber.org/zap"
)

var (
	ErrTemperatureCeiling = errors.New("test suite exceeds the chamber temperature ceiling")
	ErrOutsideDirectory   = errors.New("path is outside the test directory")
)

// Format selects the document syntax of a suite.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// FormatFor infers the format from a file extension. Anything that is not
// YAML is read as JSON.
func FormatFor(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatJSON
	}
}

type document struct {
	Name  string                          `json:"name"`
	Tests map[string]types.TestDefinition `json:"tests"`
}

// Entry is a suite file found in the test directory.
type Entry struct {
	Path string `json:"path"`
	Name string `json:"name"`
	Size int64  `json:"size"`
}

type Loader struct {
	dir       string
	validator *Validator
	logger    *zap.Logger
}

func NewLoader(dir string, logger *zap.Logger) (*Loader, error) {
	validator, err := NewValidator()
	if err != nil {
		return nil, fmt.Errorf("failed to create validator: %w", err)
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve test directory: %w", err)
	}

	return &Loader{
		dir:       abs,
		validator: validator,
		logger:    logger,
	}, nil
}

func (l *Loader) Dir() string {
	return l.dir
}

// Parse validates data and builds a suite. Relative sketch paths are
// resolved against baseDir. Every expected output template is compiled so
// malformed patterns are rejected here rather than mid-run.
func (l *Loader) Parse(name string, data []byte, format Format, baseDir string) (*types.TestSuite, error) {
	var (
		names []string
		err   error
	)

	if format == FormatYAML {
		data, names, err = yamlToJSON(data)
		if err != nil {
			return nil, err
		}
	}

	if err := l.validator.Validate(data); err != nil {
		return nil, err
	}

	if format != FormatYAML {
		names, err = jsonTestOrder(data)
		if err != nil {
			return nil, fmt.Errorf("read test order: %w", err)
		}
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal suite: %w", err)
	}

	if doc.Name != "" {
		name = doc.Name
	}
	suite := types.NewTestSuite(name)

	for _, testName := range names {
		def, ok := doc.Tests[testName]
		if !ok {
			continue
		}

		if _, err := pattern.Compile(def.ExpectedOutput); err != nil {
			return nil, fmt.Errorf("test %q: expected_output: %w", testName, err)
		}

		if def.Sketch != "" && !filepath.IsAbs(def.Sketch) && baseDir != "" {
			def.Sketch = filepath.Join(baseDir, def.Sketch)
		}

		suite.Add(testName, def)
	}

	l.logger.Info("Test suite loaded",
		zap.String("suite", suite.Name),
		zap.Int("tests", suite.Len()),
		zap.Int("steps", len(suite.Steps())))

	return suite, nil
}

// LoadFile reads a suite file relative to the test directory.
func (l *Loader) LoadFile(rel string) (*types.TestSuite, error) {
	path, err := l.Resolve(rel)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read suite %s: %w", rel, err)
	}

	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	suite, err := l.Parse(name, data, FormatFor(path), filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("validation failed for %s: %w", path, err)
	}
	return suite, nil
}

// Resolve maps rel to an absolute path inside the test directory.
func (l *Loader) Resolve(rel string) (string, error) {
	path := rel
	if !filepath.IsAbs(path) {
		path = filepath.Join(l.dir, rel)
	}
	path = filepath.Clean(path)

	inside, err := filepath.Rel(l.dir, path)
	if err != nil || inside == ".." || strings.HasPrefix(inside, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%s: %w", rel, ErrOutsideDirectory)
	}
	return path, nil
}

// List returns every JSON or YAML file below the test directory.
func (l *Loader) List() ([]Entry, error) {
	var entries []Entry

	err := filepath.WalkDir(l.dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".json", ".yaml", ".yml":
		default:
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(l.dir, path)
		if err != nil {
			return err
		}
		entries = append(entries, Entry{
			Path: filepath.ToSlash(rel),
			Name: strings.TrimSuffix(d.Name(), filepath.Ext(d.Name())),
			Size: info.Size(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list test directory: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries, nil
}
