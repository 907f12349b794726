package tools

import (
	"encoding/json"
	"sort"
	"strings"
)

// Descriptor declares one capability the model may request. Descriptors
// are registered at process start and never mutated.
type Descriptor struct {
	Name                 string
	Description          string
	Toolset              string
	Action               string
	Parameters           *Schema
	UpdateParameters     *Schema
	RequiredCapabilities []string
	Confirm              bool
}

// UpdateSchema returns the schema user-driven edits are extracted
// against, falling back to the call schema when no dedicated one is
// declared.
func (d Descriptor) UpdateSchema() *Schema {
	if d.UpdateParameters != nil {
		return d.UpdateParameters
	}
	return d.Parameters
}

func (d Descriptor) ValidateArgs(args map[string]any) error {
	return d.Parameters.Validate(args)
}

func (d Descriptor) MissingMandatory(args map[string]any) []string {
	return d.Parameters.MissingRequired(args)
}

type Registry struct {
	descriptors map[string]Descriptor
	order       []string
}

type Option func(*registryConfig)

type registryConfig struct {
	disabled     map[string]struct{}
	capabilities map[string]bool
}

func WithDisabled(names []string) Option {
	return func(cfg *registryConfig) {
		for _, name := range names {
			cfg.disabled[strings.TrimSpace(name)] = struct{}{}
		}
	}
}

func WithCapabilities(capabilities map[string]bool) Option {
	return func(cfg *registryConfig) {
		cfg.capabilities = capabilities
	}
}

// NewRegistry builds the registry from descriptors, silently omitting
// tools that are operator-disabled or whose required capabilities are
// not satisfied. Omission is never an error.
func NewRegistry(descriptors []Descriptor, opts ...Option) *Registry {
	cfg := &registryConfig{disabled: map[string]struct{}{}}
	for _, opt := range opts {
		opt(cfg)
	}
	registry := &Registry{descriptors: map[string]Descriptor{}}
	for _, descriptor := range descriptors {
		if _, off := cfg.disabled[descriptor.Name]; off {
			continue
		}
		if !capabilitiesSatisfied(descriptor.RequiredCapabilities, cfg.capabilities) {
			continue
		}
		if _, exists := registry.descriptors[descriptor.Name]; exists {
			continue
		}
		registry.descriptors[descriptor.Name] = descriptor
		registry.order = append(registry.order, descriptor.Name)
	}
	return registry
}

func capabilitiesSatisfied(required []string, available map[string]bool) bool {
	for _, capability := range required {
		if !available[capability] {
			return false
		}
	}
	return true
}

func (r *Registry) Get(name string) (Descriptor, bool) {
	descriptor, ok := r.descriptors[name]
	return descriptor, ok
}

func (r *Registry) ListAvailable() []Descriptor {
	available := make([]Descriptor, 0, len(r.order))
	for _, name := range r.order {
		available = append(available, r.descriptors[name])
	}
	return available
}

// Toolsets lists the named capability bundles present in the registry,
// sorted for stable prompt construction.
func (r *Registry) Toolsets() []string {
	seen := map[string]struct{}{}
	names := make([]string, 0)
	for _, name := range r.order {
		toolset := r.descriptors[name].Toolset
		if toolset == "" {
			continue
		}
		if _, ok := seen[toolset]; ok {
			continue
		}
		seen[toolset] = struct{}{}
		names = append(names, toolset)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) HasToolset(name string) bool {
	for _, toolset := range r.Toolsets() {
		if toolset == name {
			return true
		}
	}
	return false
}

// ToolsForToolsets resolves toolset names to their member descriptors,
// preserving registration order and skipping unknown names.
func (r *Registry) ToolsForToolsets(names []string) []Descriptor {
	wanted := map[string]struct{}{}
	for _, name := range names {
		wanted[name] = struct{}{}
	}
	selected := make([]Descriptor, 0)
	for _, name := range r.order {
		descriptor := r.descriptors[name]
		if _, ok := wanted[descriptor.Toolset]; ok {
			selected = append(selected, descriptor)
		}
	}
	return selected
}

type describedTool struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Parameters  *Schema `json:"parameters"`
}

// Describe serializes every available tool as a newline-joined list of
// JSON objects suitable for direct inclusion in a model system prompt.
func (r *Registry) Describe() string {
	return describeDescriptors(r.ListAvailable())
}

// DescribeTools serializes only the given descriptors, for scoped
// prompts built from an orchestrator selection.
func DescribeTools(descriptors []Descriptor) string {
	return describeDescriptors(descriptors)
}

func describeDescriptors(descriptors []Descriptor) string {
	lines := make([]string, 0, len(descriptors))
	for _, descriptor := range descriptors {
		encoded, err := json.Marshal(describedTool{
			Name:        descriptor.Name,
			Description: descriptor.Description,
			Parameters:  descriptor.Parameters,
		})
		if err != nil {
			continue
		}
		lines = append(lines, string(encoded))
	}
	return strings.Join(lines, "\n")
}
