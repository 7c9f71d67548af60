package filter

import (
	"fmt"
	"sort"
	"sync"

	"github.com/Masterminds/semver/v3"
)

// RegisterOptions controls how a filter is added to a Registry.
type RegisterOptions struct {
	// Replace allows re-registering an id that already exists, calling
	// OnDestroy on the outgoing filter first. Default false: duplicate ids
	// are rejected, matching the teacher's fixed-gate-list assumption that
	// registration is a one-time startup event.
	Replace bool
}

// Registry is a process-wide, concurrency-safe collection of Filters keyed
// by id (spec §4.1: "the orchestrator resolves each step's filterId against
// a process-wide registry").
type Registry struct {
	mu      sync.RWMutex
	filters map[string]Filter
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{filters: map[string]Filter{}}
}

// Register adds f under f.ID(). It calls f.OnInit() if f implements
// Lifecycle, and rolls back registration if OnInit returns an error.
func (r *Registry) Register(f Filter, opts ...RegisterOptions) error {
	var opt RegisterOptions
	if len(opts) > 0 {
		opt = opts[0]
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	id := f.ID()
	if id == "" {
		return fmt.Errorf("filter: registration requires a non-empty id")
	}
	if existing, ok := r.filters[id]; ok {
		if !opt.Replace {
			return fmt.Errorf("filter: id %q already registered", id)
		}
		if lc, ok := existing.(Lifecycle); ok {
			_ = lc.OnDestroy()
		}
	}

	if lc, ok := f.(Lifecycle); ok {
		if err := lc.OnInit(); err != nil {
			return fmt.Errorf("filter: OnInit failed for %q: %w", id, err)
		}
	}

	r.filters[id] = f
	return nil
}

// Unregister removes id from the registry, calling OnDestroy if the filter
// implements Lifecycle. It is a no-op if id is not registered.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	f, ok := r.filters[id]
	if !ok {
		return nil
	}
	delete(r.filters, id)
	if lc, ok := f.(Lifecycle); ok {
		return lc.OnDestroy()
	}
	return nil
}

// Get returns the filter registered under id.
func (r *Registry) Get(id string) (Filter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.filters[id]
	return f, ok
}

// List returns all registered filters, sorted by id for deterministic
// iteration (e.g. when building a default plan from "every registered
// filter").
func (r *Registry) List() []Filter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.filters))
	for id := range r.filters {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]Filter, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.filters[id])
	}
	return out
}

// GetWithMinVersion resolves id and additionally requires the registered
// filter's Version() to satisfy a ">= minVersion" semver constraint — used
// when a plan snapshot (spec §3 PlanSnapshot.filterVersions) pins the
// minimum filter version it was authored against, so a downgraded filter
// registration fails loudly instead of silently changing validation
// behavior underneath an unchanged plan hash.
func (r *Registry) GetWithMinVersion(id, minVersion string) (Filter, error) {
	f, ok := r.Get(id)
	if !ok {
		return nil, fmt.Errorf("filter: %q not registered", id)
	}
	if minVersion == "" {
		return f, nil
	}

	have, err := semver.NewVersion(f.Version())
	if err != nil {
		return nil, fmt.Errorf("filter: %q has unparseable version %q: %w", id, f.Version(), err)
	}
	constraint, err := semver.NewConstraint(">= " + minVersion)
	if err != nil {
		return nil, fmt.Errorf("filter: invalid minimum version constraint %q: %w", minVersion, err)
	}
	if !constraint.Check(have) {
		return nil, fmt.Errorf("filter: %q version %s does not satisfy minimum %s", id, f.Version(), minVersion)
	}
	return f, nil
}

// Close calls OnDestroy on every registered filter that implements
// Lifecycle, in id order, continuing past individual errors and returning
// the first one encountered.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.filters))
	for id := range r.filters {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var first error
	for _, id := range ids {
		if lc, ok := r.filters[id].(Lifecycle); ok {
			if err := lc.OnDestroy(); err != nil && first == nil {
				first = err
			}
		}
	}
	return first
}
