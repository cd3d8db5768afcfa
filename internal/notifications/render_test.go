package notifications

import (
	"reflect"
	"testing"
	"time"
)

func TestRenderSubstitution(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		props    map[string]any
		want     string
		warnings []string
	}{
		{
			name:  "single placeholder",
			body:  "A new lead was added by {{leadAddedBy}}",
			props: map[string]any{"leadAddedBy": "TestUser123"},
			want:  "A new lead was added by TestUser123",
		},
		{
			name:  "repeated placeholder",
			body:  "{{name}} and {{name}} again",
			props: map[string]any{"name": "Ada"},
			want:  "Ada and Ada again",
		},
		{
			name:     "unresolved stays literal",
			body:     "Hi {{name}}",
			props:    map[string]any{},
			want:     "Hi {{name}}",
			warnings: []string{"name"},
		},
		{
			name:     "mixed resolved and unresolved",
			body:     "{{greeting}} {{name}}",
			props:    map[string]any{"greeting": "Hello"},
			want:     "Hello {{name}}",
			warnings: []string{"name"},
		},
		{
			name:  "whitespace inside marker",
			body:  "Hi {{ name }}",
			props: map[string]any{"name": "Ada"},
			want:  "Hi Ada",
		},
		{
			name:  "no placeholders",
			body:  "static text",
			props: map[string]any{"unused": "x"},
			want:  "static text",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			payload, warnings := Render(tc.body, "", tc.props)
			if payload.Body != tc.want {
				t.Fatalf("Render body = %q, want %q", payload.Body, tc.want)
			}
			if !reflect.DeepEqual(warnings, tc.warnings) {
				t.Fatalf("Render warnings = %v, want %v", warnings, tc.warnings)
			}
		})
	}
}

func TestRenderValueFormatting(t *testing.T) {
	ts := time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC)
	cases := map[string]struct {
		value any
		want  string
	}{
		"string":         {"plain", "plain"},
		"integer":        {42, "42"},
		"json number":    {float64(7), "7"},
		"fraction":       {2.5, "2.5"},
		"bool":           {true, "true"},
		"timestamp":      {ts, "2024-05-01T12:30:00Z"},
		"nested default": {map[string]any{"a": 1}, `{"a":1}`},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			payload, warnings := Render("{{v}}", "", map[string]any{"v": tc.value})
			if len(warnings) != 0 {
				t.Fatalf("unexpected warnings: %v", warnings)
			}
			if payload.Body != tc.want {
				t.Fatalf("formatted %T as %q, want %q", tc.value, payload.Body, tc.want)
			}
		})
	}
}

func TestRenderSubject(t *testing.T) {
	payload, warnings := Render("body {{a}}", "subject {{a}} {{missing}}", map[string]any{"a": "x"})
	if payload.Body != "body x" {
		t.Fatalf("unexpected body: %q", payload.Body)
	}
	if payload.Subject != "subject x {{missing}}" {
		t.Fatalf("unexpected subject: %q", payload.Subject)
	}
	if len(warnings) != 1 || warnings[0] != "missing" {
		t.Fatalf("unexpected warnings: %v", warnings)
	}
}

func TestRenderIdempotent(t *testing.T) {
	props := map[string]any{"a": "1", "b": 2}
	first, _ := Render("{{a}}/{{b}}/{{c}}", "s {{a}}", props)
	second, _ := Render("{{a}}/{{b}}/{{c}}", "s {{a}}", props)
	if first != second {
		t.Fatalf("render not idempotent: %+v vs %+v", first, second)
	}
}
