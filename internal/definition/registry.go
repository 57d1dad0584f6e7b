package definition

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/pitabwire/tabula/model"
)

// snapshot is an immutable collection of all definitions indexed by ID.
type snapshot struct {
	domains  map[string]model.DomainDefinition
	lists    map[string]model.ListDefinition
	ordered  []model.ListDefinition
	lookups  map[string]model.LookupDefinition
	checksum string
}

// Registry is a read-optimized, thread-safe store of all loaded definitions.
// It uses atomic pointer swap for lock-free concurrent reads.
type Registry struct {
	snap atomic.Pointer[snapshot]
}

// NewRegistry creates a Registry from the given definitions.
func NewRegistry(defs []model.DomainDefinition) *Registry {
	r := &Registry{}
	r.Replace(defs)
	return r
}

// Replace atomically swaps the registry contents with a new snapshot built
// from the given definitions.
func (r *Registry) Replace(defs []model.DomainDefinition) {
	s := &snapshot{
		domains: make(map[string]model.DomainDefinition, len(defs)),
		lists:   make(map[string]model.ListDefinition),
		lookups: make(map[string]model.LookupDefinition),
	}

	var checksumParts []string

	for _, def := range defs {
		s.domains[def.Domain] = def
		checksumParts = append(checksumParts, def.Checksum)

		for _, l := range def.Lists {
			s.lists[l.ID] = l
		}
		for _, l := range def.Lookups {
			s.lookups[l.ID] = l
		}
	}

	s.ordered = make([]model.ListDefinition, 0, len(s.lists))
	for _, l := range s.lists {
		s.ordered = append(s.ordered, l)
	}
	sort.Slice(s.ordered, func(i, j int) bool {
		if s.ordered[i].Order != s.ordered[j].Order {
			return s.ordered[i].Order < s.ordered[j].Order
		}
		return s.ordered[i].ID < s.ordered[j].ID
	})

	sort.Strings(checksumParts)
	combined := strings.Join(checksumParts, ":")
	s.checksum = fmt.Sprintf("%x", sha256.Sum256([]byte(combined)))

	r.snap.Store(s)
}

func (r *Registry) current() *snapshot {
	return r.snap.Load()
}

// GetDomain returns the domain definition with the given ID.
func (r *Registry) GetDomain(domainID string) (model.DomainDefinition, bool) {
	d, ok := r.current().domains[domainID]
	return d, ok
}

// GetList returns the list definition with the given ID.
func (r *Registry) GetList(listID string) (model.ListDefinition, bool) {
	l, ok := r.current().lists[listID]
	return l, ok
}

// GetLookup returns the lookup definition with the given ID.
func (r *Registry) GetLookup(lookupID string) (model.LookupDefinition, bool) {
	l, ok := r.current().lookups[lookupID]
	return l, ok
}

// AllLists returns every list definition ordered by Order, then ID.
func (r *Registry) AllLists() []model.ListDefinition {
	s := r.current()
	out := make([]model.ListDefinition, len(s.ordered))
	copy(out, s.ordered)
	return out
}

// ListCount returns the number of loaded lists.
func (r *Registry) ListCount() int {
	return len(r.current().lists)
}

// Checksum returns the combined checksum of all loaded definitions.
func (r *Registry) Checksum() string {
	return r.current().checksum
}
