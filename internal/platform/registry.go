package platform

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ErrNotFound is returned by Resolve when no registered pattern
// matches the URL.
var ErrNotFound = errors.New("platform: no descriptor matches url")

// Registry holds immutable platform descriptors. All registration
// happens at startup; after that the registry is read-only and safe
// for concurrent use without locking.
type Registry struct {
	ordered []*Descriptor
	byID    map[string]*Descriptor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byID: make(map[string]*Descriptor),
	}
}

// Register adds a descriptor. It fails if the id is already taken or
// the descriptor does not validate. Registration order matters:
// Resolve tests descriptors in the order they were registered, so a
// broad catch-all descriptor must be registered last.
func (r *Registry) Register(d *Descriptor) error {
	if err := d.compile(); err != nil {
		return err
	}
	if _, exists := r.byID[d.ID]; exists {
		return fmt.Errorf("platform: descriptor %q already registered", d.ID)
	}
	r.byID[d.ID] = d
	r.ordered = append(r.ordered, d)
	return nil
}

// Resolve maps a URL to a platform and content type. Descriptors are
// tested in registration order and patterns in declaration order; the
// first match wins. Returns ErrNotFound when nothing matches.
func (r *Registry) Resolve(url string) (Resolution, error) {
	for _, d := range r.ordered {
		for _, p := range d.Patterns {
			if p.re.MatchString(url) {
				return Resolution{PlatformID: d.ID, ContentType: p.ContentType}, nil
			}
		}
	}
	return Resolution{}, ErrNotFound
}

// Get returns the descriptor for an id.
func (r *Registry) Get(id string) (*Descriptor, bool) {
	d, ok := r.byID[id]
	return d, ok
}

// IDs returns the registered platform ids in registration order.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.ordered))
	for _, d := range r.ordered {
		ids = append(ids, d.ID)
	}
	return ids
}

// LoadFile registers descriptors from a YAML file. The file holds a
// list of descriptors in resolution order.
func (r *Registry) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("platform: read descriptor file: %w", err)
	}

	var descriptors []*Descriptor
	if err := yaml.Unmarshal(data, &descriptors); err != nil {
		return fmt.Errorf("platform: parse descriptor file: %w", err)
	}

	for _, d := range descriptors {
		if err := r.Register(d); err != nil {
			return err
		}
	}
	return nil
}
