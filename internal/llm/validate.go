package llm

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// OutputSchema validates structured model output. Schemas are fixed at
// build time, so callers compile once and hold on to the result.
type OutputSchema struct {
	compiled *jsonschema.Schema
}

// CompileOutputSchema builds a validator from an in-memory schema
// definition.
func CompileOutputSchema(def map[string]any) (*OutputSchema, error) {
	raw, err := json.Marshal(def)
	if err != nil {
		return nil, fmt.Errorf("encode schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("output.json", bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("register schema: %w", err)
	}
	s, err := c.Compile("output.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return &OutputSchema{compiled: s}, nil
}

// MustCompileOutputSchema is for package-level schema literals.
func MustCompileOutputSchema(def map[string]any) *OutputSchema {
	s, err := CompileOutputSchema(def)
	if err != nil {
		panic(err)
	}
	return s
}

// Check reports whether data is valid JSON matching the schema.
func (s *OutputSchema) Check(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("not valid JSON: %w", err)
	}
	if err := s.compiled.Validate(v); err != nil {
		return fmt.Errorf("schema violation: %w", err)
	}
	return nil
}

var jsonFenceRe = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)\\s*```")

// ExtractJSON strips the markdown fence and prose a model tends to wrap
// around its JSON output. The outermost braces win when no fence exists.
func ExtractJSON(raw string) []byte {
	if m := jsonFenceRe.FindStringSubmatch(raw); m != nil {
		return []byte(strings.TrimSpace(m[1]))
	}
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start >= 0 && end > start {
		return []byte(raw[start : end+1])
	}
	return []byte(strings.TrimSpace(raw))
}
