package llm

import (
	"strings"
	"testing"
)

func TestOutputSchemaCheck(t *testing.T) {
	s := MustCompileOutputSchema(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"title": map[string]any{"type": "string"},
		},
		"additionalProperties": false,
	})
	if err := s.Check([]byte(`{"title":"Stromrechnung"}`)); err != nil {
		t.Fatalf("valid payload rejected: %v", err)
	}
	if err := s.Check([]byte(`{"title":7}`)); err == nil {
		t.Fatal("wrong value type must be rejected")
	}
	if err := s.Check([]byte(`{"bogus":true}`)); err == nil {
		t.Fatal("unknown key must be rejected")
	}
	if err := s.Check([]byte(`not json at all`)); err == nil {
		t.Fatal("non-JSON must be rejected")
	}
}

func TestCompileOutputSchemaBadDefinition(t *testing.T) {
	if _, err := CompileOutputSchema(map[string]any{"type": 42}); err == nil {
		t.Fatal("expected compile error")
	}
}

func TestExtractJSON(t *testing.T) {
	fenced := "Gerne:\n```json\n{\"title\":\"x\"}\n```\nSonst noch etwas?"
	if got := string(ExtractJSON(fenced)); got != `{"title":"x"}` {
		t.Fatalf("fenced: %q", got)
	}
	prose := `Die Metadaten sind {"title":"x"} wie gewünscht.`
	if got := string(ExtractJSON(prose)); got != `{"title":"x"}` {
		t.Fatalf("outermost braces: %q", got)
	}
	if got := string(ExtractJSON("  plain  ")); got != "plain" {
		t.Fatalf("fallback: %q", got)
	}
}

func TestExtractJSONPrefersFenceOverStrayBraces(t *testing.T) {
	raw := "{broken prose} ```json\n{\"ok\":true}\n```"
	if got := string(ExtractJSON(raw)); !strings.Contains(got, `"ok"`) {
		t.Fatalf("got %q", got)
	}
}
