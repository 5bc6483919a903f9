package schema

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Source resolves entity names to descriptors.
type Source interface {
	Get(name string) (*Descriptor, bool)
}

// Registry holds descriptors by entity name.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]*Descriptor
	fold   map[string]string
}

func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]*Descriptor), fold: make(map[string]string)}
}

func (r *Registry) Register(ds ...*Descriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range ds {
		if d == nil {
			continue
		}
		if d.index == nil {
			if err := d.build(); err != nil {
				return err
			}
		}
		if _, dup := r.byName[d.Name]; dup {
			return fmt.Errorf("schema: %s registered twice", d.Name)
		}
		r.byName[d.Name] = d
		r.fold[strings.ToLower(d.Name)] = d.Name
	}
	return nil
}

// MustRegister is Register for init-time declarations.
func (r *Registry) MustRegister(ds ...*Descriptor) *Registry {
	if err := r.Register(ds...); err != nil {
		panic(err)
	}
	return r
}

func (r *Registry) Get(name string) (*Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byName[name]
	if !ok {
		if canon, found := r.fold[strings.ToLower(name)]; found {
			d, ok = r.byName[canon]
		}
	}
	return d, ok
}

// Names returns registered entity names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byName))
	for n := range r.byName {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Validate checks that every relation points at a registered entity.
func (r *Registry) Validate() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var errs []error
	for _, name := range r.namesLocked() {
		d := r.byName[name]
		for _, f := range d.Relations() {
			if _, ok := r.byName[f.Relation.Target]; !ok {
				errs = append(errs, fmt.Errorf("schema: %s.%s: unknown relation target %q", d.Name, f.Name, f.Relation.Target))
			}
		}
	}
	return errors.Join(errs...)
}

func (r *Registry) namesLocked() []string {
	out := make([]string, 0, len(r.byName))
	for n := range r.byName {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// LoadYAML registers a YAML list of descriptors and validates the result.
func (r *Registry) LoadYAML(data []byte) error {
	var ds []*Descriptor
	if err := yaml.Unmarshal(data, &ds); err != nil {
		return fmt.Errorf("schema: decode yaml: %w", err)
	}
	if err := r.Register(ds...); err != nil {
		return err
	}
	return r.Validate()
}
