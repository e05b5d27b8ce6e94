package suite

import (
	"bytes"
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// jsonTestOrder returns the keys of the "tests" object in document order.
// encoding/json maps lose ordering, so the token stream is walked instead.
func jsonTestOrder(data []byte) ([]string, error) {
	dec := json.NewDecoder(bytes.NewReader(data))

	if err := expectDelim(dec, '{'); err != nil {
		return nil, err
	}

	for dec.More() {
		key, err := readKey(dec)
		if err != nil {
			return nil, err
		}

		if key != "tests" {
			var skip json.RawMessage
			if err := dec.Decode(&skip); err != nil {
				return nil, err
			}
			continue
		}

		if err := expectDelim(dec, '{'); err != nil {
			return nil, fmt.Errorf("tests: %w", err)
		}
		var names []string
		for dec.More() {
			name, err := readKey(dec)
			if err != nil {
				return nil, err
			}
			var skip json.RawMessage
			if err := dec.Decode(&skip); err != nil {
				return nil, fmt.Errorf("test %q: %w", name, err)
			}
			names = append(names, name)
		}
		return names, nil
	}

	return nil, fmt.Errorf("missing tests object")
}

func expectDelim(dec *json.Decoder, want json.Delim) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != want {
		return fmt.Errorf("expected %q, got %v", want, tok)
	}
	return nil
}

func readKey(dec *json.Decoder) (string, error) {
	tok, err := dec.Token()
	if err != nil {
		return "", err
	}
	key, ok := tok.(string)
	if !ok {
		return "", fmt.Errorf("expected object key, got %v", tok)
	}
	return key, nil
}

// yamlToJSON converts a YAML suite into the JSON form the schema expects and
// returns the test names in document order.
func yamlToJSON(data []byte) ([]byte, []string, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, nil, fmt.Errorf("invalid YAML: %w", err)
	}
	if len(root.Content) == 0 || root.Content[0].Kind != yaml.MappingNode {
		return nil, nil, fmt.Errorf("invalid YAML: top level must be a mapping")
	}

	var names []string
	top := root.Content[0]
	for i := 0; i+1 < len(top.Content); i += 2 {
		if top.Content[i].Value != "tests" {
			continue
		}
		tests := top.Content[i+1]
		if tests.Kind != yaml.MappingNode {
			break
		}
		for j := 0; j+1 < len(tests.Content); j += 2 {
			names = append(names, tests.Content[j].Value)
		}
	}

	var doc interface{}
	if err := root.Decode(&doc); err != nil {
		return nil, nil, fmt.Errorf("invalid YAML: %w", err)
	}
	out, err := json.Marshal(doc)
	if err != nil {
		return nil, nil, fmt.Errorf("convert YAML: %w", err)
	}
	return out, names, nil
}
