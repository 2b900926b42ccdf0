// Package intent provides the static intent registry: priority tiers and
// behavioral flags for every intent the classifier can produce. Adding an
// intent is a configuration change, never a resolver code change.
package intent

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// Tier is the static priority assigned to an intent, ascending urgency P4->P0.
type Tier int

const (
	TierSystem        Tier = 0 // P0: always overrides, session force-closed with draft
	TierDestructive   Tier = 1 // P1: always requires explicit confirmation
	TierStateful      Tier = 2 // P2: conflicts with another P2 must clarify
	TierNavigational  Tier = 3 // P3: closes the session, saving a draft first
	TierInformational Tier = 4 // P4: never conflicts, always answered inline
)

// String renders the tier in its P-notation.
func (t Tier) String() string {
	if t < TierSystem || t > TierInformational {
		return fmt.Sprintf("P?(%d)", int(t))
	}
	return fmt.Sprintf("P%d", int(t))
}

// Valid reports whether t is one of the five defined tiers.
func (t Tier) Valid() bool {
	return t >= TierSystem && t <= TierInformational
}

// Descriptor is the static configuration for one intent. Immutable at
// runtime; loaded once (optionally hot-reloaded from file).
type Descriptor struct {
	Name                  string `yaml:"name"`
	Tier                  Tier   `yaml:"tier"`
	RequiresConfirmation  bool   `yaml:"requires_confirmation"`
	ClosesSession         bool   `yaml:"closes_session"`
	AllowsParallelSession bool   `yaml:"allows_parallel_session"`
}

// Registry maps intent names to descriptors. Safe for concurrent reads;
// Replace swaps the whole table atomically on reload.
type Registry struct {
	mu      sync.RWMutex
	intents map[string]Descriptor
}

// NewRegistry creates a registry holding the given descriptors.
func NewRegistry(descriptors []Descriptor) (*Registry, error) {
	intents := make(map[string]Descriptor, len(descriptors))
	for _, d := range descriptors {
		if d.Name == "" {
			return nil, fmt.Errorf("intent with empty name")
		}
		if !d.Tier.Valid() {
			return nil, fmt.Errorf("intent %q: invalid tier %d", d.Name, int(d.Tier))
		}
		if _, dup := intents[d.Name]; dup {
			return nil, fmt.Errorf("intent %q: duplicate definition", d.Name)
		}
		intents[d.Name] = d
	}
	return &Registry{intents: intents}, nil
}

// Default returns a registry with the built-in intent set.
func Default() *Registry {
	reg, err := NewRegistry(DefaultDescriptors())
	if err != nil {
		// Built-in descriptors are validated by tests; this cannot happen.
		panic(err)
	}
	return reg
}

// DefaultDescriptors returns the compiled-in intent set.
func DefaultDescriptors() []Descriptor {
	return []Descriptor{
		{Name: "escalate", Tier: TierSystem, ClosesSession: true},
		{Name: "reset", Tier: TierSystem, ClosesSession: true},
		{Name: "delete_task", Tier: TierDestructive, RequiresConfirmation: true},
		{Name: "remove_photo", Tier: TierDestructive, RequiresConfirmation: true},
		{Name: "update_progress", Tier: TierStateful},
		{Name: "report_incident", Tier: TierStateful},
		{Name: "add_photo", Tier: TierStateful},
		{Name: "add_comment", Tier: TierStateful},
		{Name: "change_status", Tier: TierStateful},
		{Name: "switch_project", Tier: TierNavigational, ClosesSession: true},
		{Name: "list_tasks", Tier: TierNavigational},
		{Name: "show_help", Tier: TierInformational, AllowsParallelSession: true},
		{Name: "query_status", Tier: TierInformational, AllowsParallelSession: true},
		{Name: "greeting", Tier: TierInformational, AllowsParallelSession: true},
	}
}

// Lookup returns the descriptor for name. Unknown intents fall back to an
// informational descriptor so the resolver stays total over arbitrary
// classifier output.
func (r *Registry) Lookup(name string) Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if d, ok := r.intents[name]; ok {
		return d
	}
	return Descriptor{Name: name, Tier: TierInformational, AllowsParallelSession: true}
}

// Known reports whether name is explicitly registered.
func (r *Registry) Known(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.intents[name]
	return ok
}

// Names returns all registered intent names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.intents))
	for name := range r.intents {
		names = append(names, name)
	}
	return names
}

// Replace atomically swaps the registry contents.
func (r *Registry) Replace(descriptors []Descriptor) error {
	fresh, err := NewRegistry(descriptors)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.intents = fresh.intents
	r.mu.Unlock()
	return nil
}

// intentsFile is the YAML shape of an intents configuration file.
type intentsFile struct {
	Intents []Descriptor `yaml:"intents"`
}

// LoadFile reads descriptors from a YAML file.
func LoadFile(path string) ([]Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read intents file: %w", err)
	}
	var f intentsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse intents file: %w", err)
	}
	if len(f.Intents) == 0 {
		return nil, fmt.Errorf("intents file %s defines no intents", path)
	}
	return f.Intents, nil
}
