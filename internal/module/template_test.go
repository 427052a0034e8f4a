package module

import (
	"encoding/json"
	"testing"
)

func TestRender(t *testing.T) {
	vars := map[string]string{"name": "Ada", "city": "London"}

	tests := []struct {
		in       string
		expected string
	}{
		{"Hello {{name}}", "Hello Ada"},
		{"Hello {{ name }}", "Hello Ada"},
		{"{{name}} from {{city}}", "Ada from London"},
		{"Hello {{missing}}", "Hello {{missing}}"},
		{"no placeholders", "no placeholders"},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := Render(tt.in, vars); got != tt.expected {
				t.Errorf("Render(%q) = %q, want %q", tt.in, got, tt.expected)
			}
		})
	}
}

func TestRenderNoVars(t *testing.T) {
	if got := Render("Hello {{name}}", nil); got != "Hello {{name}}" {
		t.Errorf("expected placeholder left literal, got %q", got)
	}
}

func TestBuildPayloadPrecedence(t *testing.T) {
	configBlob := json.RawMessage(`{"from":"noreply@example.com","subject":"config subject"}`)
	batchPayload := json.RawMessage(`{"subject":"batch subject","html":"<p>Hi {{name}}</p>"}`)

	p := BuildPayload(configBlob, batchPayload, "ada@example.com", "Ada", map[string]string{"name": "Ada"})

	if got := stringField(p, "subject"); got != "batch subject" {
		t.Errorf("batch payload should win over config, got subject %q", got)
	}
	if got := stringField(p, "from"); got != "noreply@example.com" {
		t.Errorf("config default should survive, got from %q", got)
	}
	if got := stringField(p, "to"); got != "ada@example.com" {
		t.Errorf("identifier should map to 'to', got %q", got)
	}
	if got := stringField(p, "html"); got != "<p>Hi Ada</p>" {
		t.Errorf("variables should render in nested content, got %q", got)
	}
}

func TestBuildPayloadNestedRendering(t *testing.T) {
	batchPayload := json.RawMessage(`{"data":{"greeting":"Hi {{name}}","tags":["{{city}}","static"]}}`)

	p := BuildPayload(nil, batchPayload, "x", "", map[string]string{"name": "Ada", "city": "London"})

	data, ok := p["data"].(map[string]any)
	if !ok {
		t.Fatalf("expected nested map, got %T", p["data"])
	}
	if data["greeting"] != "Hi Ada" {
		t.Errorf("nested string not rendered: %v", data["greeting"])
	}
	tags, ok := data["tags"].([]any)
	if !ok || tags[0] != "London" {
		t.Errorf("array element not rendered: %v", data["tags"])
	}
}
