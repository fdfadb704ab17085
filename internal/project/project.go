// Package project loads the deployment descriptor: the static list of
// functions the dev session can run locally.
package project

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

var (
	// ErrFunctionNotFound is returned by Get for an unknown function ID.
	ErrFunctionNotFound = errors.New("function not found")

	// ErrInvalidDescriptor wraps every validation failure.
	ErrInvalidDescriptor = errors.New("invalid deployment descriptor")
)

// Architectures accepted in the descriptor.
const (
	ArchX86 = "x86_64"
	ArchARM = "arm64"
)

// Function is one deployed function as seen by the build and worker
// adapters.
type Function struct {
	ID      string `yaml:"id" json:"id"`
	Handler string `yaml:"handler" json:"handler"`

	// SrcPath is the source root. Relative paths resolve against the
	// descriptor's directory.
	SrcPath string `yaml:"srcPath" json:"srcPath"`

	// Runtime is a Lambda runtime identifier such as nodejs18.x or go1.x.
	Runtime      string            `yaml:"runtime" json:"runtime"`
	Environment  map[string]string `yaml:"environment" json:"environment,omitempty"`
	Architecture string            `yaml:"architecture" json:"architecture,omitempty"`
}

// Descriptor is a parsed deployment descriptor.
type Descriptor struct {
	// Root is the directory the descriptor was loaded from.
	Root      string
	functions map[string]Function
	order     []string
}

type document struct {
	Functions []Function `yaml:"functions"`
}

// Load reads and validates the descriptor at path.
func Load(path string) (*Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading descriptor: %w", err)
	}

	root, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("resolving descriptor root: %w", err)
	}

	d, err := Parse(data, root)
	if err != nil {
		return nil, err
	}

	log.Debug().
		Str("path", path).
		Int("functions", len(d.order)).
		Msg("Loaded deployment descriptor")

	return d, nil
}

// Parse decodes descriptor YAML. Relative source paths resolve against root.
func Parse(data []byte, root string) (*Descriptor, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing descriptor: %w", err)
	}

	d := &Descriptor{
		Root:      root,
		functions: make(map[string]Function, len(doc.Functions)),
	}

	for i, fn := range doc.Functions {
		if err := fn.validate(); err != nil {
			return nil, fmt.Errorf("%w: functions[%d]: %w", ErrInvalidDescriptor, i, err)
		}
		if _, exists := d.functions[fn.ID]; exists {
			return nil, fmt.Errorf("%w: duplicate function id %q", ErrInvalidDescriptor, fn.ID)
		}

		if fn.SrcPath == "" {
			fn.SrcPath = root
		} else if !filepath.IsAbs(fn.SrcPath) {
			fn.SrcPath = filepath.Join(root, fn.SrcPath)
		}
		if fn.Architecture == "" {
			fn.Architecture = ArchX86
		}

		d.functions[fn.ID] = fn
		d.order = append(d.order, fn.ID)
	}

	return d, nil
}

func (f *Function) validate() error {
	if f.ID == "" {
		return errors.New("id is required")
	}
	if f.Handler == "" {
		return fmt.Errorf("%s: handler is required", f.ID)
	}
	if f.Runtime == "" {
		return fmt.Errorf("%s: runtime is required", f.ID)
	}
	if strings.ContainsAny(f.ID, "/ ") {
		return fmt.Errorf("%s: id must not contain spaces or slashes", f.ID)
	}
	switch f.Architecture {
	case "", ArchX86, ArchARM:
	default:
		return fmt.Errorf("%s: unsupported architecture %q", f.ID, f.Architecture)
	}
	return nil
}

// Get returns the function with the given ID.
func (d *Descriptor) Get(id string) (Function, error) {
	fn, ok := d.functions[id]
	if !ok {
		return Function{}, fmt.Errorf("%w: %s", ErrFunctionNotFound, id)
	}
	return fn, nil
}

// List returns every function in descriptor order.
func (d *Descriptor) List() []Function {
	out := make([]Function, 0, len(d.order))
	for _, id := range d.order {
		out = append(out, d.functions[id])
	}
	return out
}

// IDs returns the sorted function IDs.
func (d *Descriptor) IDs() []string {
	ids := make([]string, len(d.order))
	copy(ids, d.order)
	sort.Strings(ids)
	return ids
}
