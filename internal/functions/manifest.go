package functions

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/oriys/quasar/internal/protocol"
	"gopkg.in/yaml.v3"
)

// DefaultManifestName is the manifest file looked up in an app directory.
const DefaultManifestName = "functions.yaml"

// BindingSpec declares one binding in the manifest.
type BindingSpec struct {
	Name       string            `yaml:"name"`
	Type       string            `yaml:"type"`
	Direction  string            `yaml:"direction"`
	DataType   string            `yaml:"dataType,omitempty"`
	Properties map[string]string `yaml:"properties,omitempty"`
}

// FunctionSpec defines one function of an app.
type FunctionSpec struct {
	APIVersion string `yaml:"apiVersion,omitempty"`
	Kind       string `yaml:"kind,omitempty"`

	Name        string `yaml:"name"`
	Description string `yaml:"description,omitempty"`

	// ScriptFile names the module that provides the entry point.
	ScriptFile string `yaml:"scriptFile"`
	EntryPoint string `yaml:"entryPoint,omitempty"`

	Disabled bool          `yaml:"disabled,omitempty"`
	Bindings []BindingSpec `yaml:"bindings"`
}

// Manifest holds the function specs of one app directory, in file order.
type Manifest struct {
	Dir       string
	Functions []FunctionSpec
}

// ParseDir parses the default manifest of an app directory.
func ParseDir(dir string) (*Manifest, error) {
	return ParseFile(filepath.Join(dir, DefaultManifestName))
}

// ParseFile parses a YAML file containing one or more function specs.
func ParseFile(path string) (*Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open manifest: %w", err)
	}
	defer f.Close()

	return Parse(f, filepath.Dir(path))
}

// Parse parses YAML content containing one or more function specs separated
// by document markers.
func Parse(r io.Reader, dir string) (*Manifest, error) {
	decoder := yaml.NewDecoder(r)
	m := &Manifest{Dir: dir}

	for {
		var spec FunctionSpec
		err := decoder.Decode(&spec)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("decode manifest: %w", err)
		}

		// Skip empty documents
		if spec.Name == "" && spec.ScriptFile == "" {
			continue
		}
		if spec.EntryPoint == "" {
			spec.EntryPoint = DefaultEntryPoint
		}
		m.Functions = append(m.Functions, spec)
	}

	if len(m.Functions) == 0 {
		return nil, fmt.Errorf("no function specs found")
	}
	return m, nil
}

// Validate checks the fields every spec needs before it can be indexed.
func (s *FunctionSpec) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.ScriptFile == "" {
		return fmt.Errorf("scriptFile is required")
	}
	seen := make(map[string]bool, len(s.Bindings))
	for _, b := range s.Bindings {
		if b.Name == "" {
			return fmt.Errorf("binding name is required")
		}
		if b.Type == "" {
			return fmt.Errorf("binding %s has no type", b.Name)
		}
		if seen[b.Name] {
			return fmt.Errorf("binding %s is declared more than once", b.Name)
		}
		seen[b.Name] = true
	}
	return nil
}

// Metadata converts the spec to its wire form.
func (s *FunctionSpec) Metadata(id, dir string) *protocol.RpcFunctionMetadata {
	md := &protocol.RpcFunctionMetadata{
		FunctionID: id,
		Name:       s.Name,
		Directory:  dir,
		ScriptFile: s.ScriptFile,
		EntryPoint: s.EntryPoint,
		Bindings:   make([]*protocol.BindingInfo, 0, len(s.Bindings)),
	}
	for _, b := range s.Bindings {
		md.Bindings = append(md.Bindings, &protocol.BindingInfo{
			Name:       b.Name,
			Type:       b.Type,
			Direction:  protocol.BindingDirection(b.Direction),
			DataType:   b.DataType,
			Properties: b.Properties,
		})
	}
	return md
}

// SpecFromMetadata rebuilds a spec from host-supplied metadata.
func SpecFromMetadata(md *protocol.RpcFunctionMetadata) FunctionSpec {
	s := FunctionSpec{
		Name:       md.Name,
		ScriptFile: md.ScriptFile,
		EntryPoint: md.EntryPoint,
	}
	if s.EntryPoint == "" {
		s.EntryPoint = DefaultEntryPoint
	}
	for _, b := range md.Bindings {
		if b == nil {
			continue
		}
		s.Bindings = append(s.Bindings, BindingSpec{
			Name:       b.Name,
			Type:       b.Type,
			Direction:  string(b.Direction),
			DataType:   b.DataType,
			Properties: b.Properties,
		})
	}
	return s
}
