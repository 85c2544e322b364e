// Package feed holds the catalog of supported feeds and the registry that
// resolves them by name.
package feed

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/rpattn/feeddelta/internal/domain"
)

// Registry is an immutable, ordered catalog of feed schemas.
type Registry struct {
	order  []domain.FeedName
	byName map[domain.FeedName]domain.FeedSchema
}

// NewRegistry validates the definitions and keeps them in declaration order.
func NewRegistry(defs ...domain.FeedSchema) (*Registry, error) {
	r := &Registry{
		order:  make([]domain.FeedName, 0, len(defs)),
		byName: make(map[domain.FeedName]domain.FeedSchema, len(defs)),
	}
	tables := make(map[string]domain.FeedName, len(defs)*2)
	for _, def := range defs {
		if err := def.Validate(); err != nil {
			return nil, err
		}
		if _, dup := r.byName[def.Name]; dup {
			return nil, fmt.Errorf("%w: feed %s registered twice", domain.ErrSchemaMismatch, def.Name)
		}
		for _, table := range []string{def.StagingTable, def.SnapshotTable} {
			if owner, taken := tables[table]; taken {
				return nil, fmt.Errorf("%w: table %s used by feeds %s and %s", domain.ErrSchemaMismatch, table, owner, def.Name)
			}
			tables[table] = def.Name
		}
		r.order = append(r.order, def.Name)
		r.byName[def.Name] = freeze(def)
	}
	return r, nil
}

// Get returns the schema registered under name.
func (r *Registry) Get(name domain.FeedName) (domain.FeedSchema, error) {
	def, ok := r.byName[name]
	if !ok {
		return domain.FeedSchema{}, fmt.Errorf("%w: unknown feed %s", domain.ErrNotFound, name)
	}
	return freeze(def), nil
}

// All returns every schema in declaration order.
func (r *Registry) All() []domain.FeedSchema {
	out := make([]domain.FeedSchema, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, freeze(r.byName[name]))
	}
	return out
}

// Names returns the registered feed names in declaration order.
func (r *Registry) Names() []domain.FeedName {
	return slices.Clone(r.order)
}

// Parse resolves user supplied names to a de-duplicated feed list ordered by
// registry declaration order. Blank entries are ignored.
func (r *Registry) Parse(names []string) ([]domain.FeedName, error) {
	wanted := make(map[domain.FeedName]struct{}, len(names))
	for _, raw := range names {
		trimmed := strings.ToUpper(strings.TrimSpace(raw))
		if trimmed == "" {
			continue
		}
		name := domain.FeedName(trimmed)
		if _, ok := r.byName[name]; !ok {
			return nil, fmt.Errorf("%w: unknown feed %s", domain.ErrNotFound, trimmed)
		}
		wanted[name] = struct{}{}
	}
	return r.Order(wanted), nil
}

// Order returns the members of set in registry declaration order.
func (r *Registry) Order(set map[domain.FeedName]struct{}) []domain.FeedName {
	out := make([]domain.FeedName, 0, len(set))
	for _, name := range r.order {
		if _, ok := set[name]; ok {
			out = append(out, name)
		}
	}
	return out
}

// ParseList splits a comma separated feed list and resolves it with Parse.
func (r *Registry) ParseList(csv string) ([]domain.FeedName, error) {
	return r.Parse(strings.Split(csv, ","))
}

func freeze(def domain.FeedSchema) domain.FeedSchema {
	def.PrimaryKey = slices.Clone(def.PrimaryKey)
	def.Columns = slices.Clone(def.Columns)
	def.HeaderAliases = maps.Clone(def.HeaderAliases)
	return def
}
