package functions

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParse(t *testing.T) {
	m, err := Parse(strings.NewReader(`
name: first
scriptFile: a
bindings:
  - name: req
    type: httpTrigger
    direction: in
    properties:
      route: orders/{id}
---
---
name: second
scriptFile: b
entryPoint: Handle
disabled: true
bindings: []
`), "/srv/app")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if m.Dir != "/srv/app" || len(m.Functions) != 2 {
		t.Fatalf("manifest = %+v", m)
	}
	first := m.Functions[0]
	if first.EntryPoint != DefaultEntryPoint {
		t.Fatalf("default entry point = %q", first.EntryPoint)
	}
	if got := first.Bindings[0].Properties["route"]; got != "orders/{id}" {
		t.Fatalf("route property = %q", got)
	}
	if second := m.Functions[1]; second.EntryPoint != "Handle" || !second.Disabled {
		t.Fatalf("second = %+v", second)
	}
}

func TestParseErrors(t *testing.T) {
	if _, err := Parse(strings.NewReader("---\n"), "."); err == nil || !strings.Contains(err.Error(), "no function specs") {
		t.Fatalf("empty manifest: %v", err)
	}
	if _, err := Parse(strings.NewReader("name: [unclosed"), "."); err == nil {
		t.Fatal("expected decode error")
	}
	if _, err := ParseDir(t.TempDir()); err == nil {
		t.Fatal("expected error for a directory without a manifest")
	}
}

func TestParseDir(t *testing.T) {
	dir := t.TempDir()
	content := "name: f\nscriptFile: m\nbindings: []\n"
	if err := os.WriteFile(filepath.Join(dir, DefaultManifestName), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	m, err := ParseDir(dir)
	if err != nil {
		t.Fatalf("ParseDir: %v", err)
	}
	if m.Dir != dir || m.Functions[0].Name != "f" {
		t.Fatalf("manifest = %+v", m)
	}
}

func TestSpecValidate(t *testing.T) {
	tests := []struct {
		name   string
		spec   FunctionSpec
		errSub string
	}{
		{"no name", FunctionSpec{ScriptFile: "m"}, "name is required"},
		{"no script", FunctionSpec{Name: "f"}, "scriptFile is required"},
		{"unnamed binding", FunctionSpec{Name: "f", ScriptFile: "m", Bindings: []BindingSpec{{Type: "generic"}}}, "binding name is required"},
		{"untyped binding", FunctionSpec{Name: "f", ScriptFile: "m", Bindings: []BindingSpec{{Name: "x"}}}, "binding x has no type"},
		{"duplicate binding", FunctionSpec{Name: "f", ScriptFile: "m", Bindings: []BindingSpec{
			{Name: "x", Type: "generic"},
			{Name: "x", Type: "generic"},
		}}, "declared more than once"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.spec.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.errSub) {
				t.Fatalf("Validate = %v, want %q", err, tt.errSub)
			}
		})
	}
}

func TestSpecMetadataRoundTrip(t *testing.T) {
	spec := FunctionSpec{
		Name:       "f",
		ScriptFile: "m",
		EntryPoint: "Run",
		Bindings: []BindingSpec{
			{Name: "msg", Type: "queueTrigger", Direction: "in", Properties: map[string]string{"queueName": "orders"}},
			{Name: "$return", Type: "queue", Direction: "out", DataType: "string"},
		},
	}
	md := spec.Metadata("id-1", "/app")
	if md.FunctionID != "id-1" || md.Directory != "/app" {
		t.Fatalf("metadata = %+v", md)
	}
	if diff := cmp.Diff(spec, SpecFromMetadata(md)); diff != "" {
		t.Fatalf("round trip (-want +got):\n%s", diff)
	}
}
