package schema

import (
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/go-openapi/inflect"

	"github.com/syssam/prism"
)

// RelationKind is the cardinality of a relation.
type RelationKind uint8

// Relation kinds.
const (
	OneToOne RelationKind = iota + 1
	OneToMany
	ManyToOne
	ManyToMany
)

var relationKinds = map[RelationKind]string{
	OneToOne:   "one_to_one",
	OneToMany:  "one_to_many",
	ManyToOne:  "many_to_one",
	ManyToMany: "many_to_many",
}

func (k RelationKind) String() string {
	if s, ok := relationKinds[k]; ok {
		return s
	}
	return "unknown"
}

// MarshalText implements encoding.TextMarshaler.
func (k RelationKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. Both snake case and
// CamelCase names are accepted.
func (k *RelationKind) UnmarshalText(b []byte) error {
	s := strings.ToLower(strings.ReplaceAll(string(b), "_", ""))
	for kind, name := range relationKinds {
		if strings.ReplaceAll(name, "_", "") == s {
			*k = kind
			return nil
		}
	}
	return prism.Errorf(prism.ConfigError, "unknown relation kind %q", b)
}

// Inverse returns the kind seen from the other side of the relation.
func (k RelationKind) Inverse() RelationKind {
	switch k {
	case OneToMany:
		return ManyToOne
	case ManyToOne:
		return OneToMany
	}
	return k
}

// JoinTable is the link table of a many-to-many relation.
type JoinTable struct {
	Table string `yaml:"table" json:"table"`
	// LocalColumn references the local fields of the owning model.
	LocalColumn string `yaml:"local_column" json:"local_column"`
	// RelatedColumn references the referenced fields of the related model.
	RelatedColumn string `yaml:"related_column" json:"related_column"`
}

// Relation links a model to a related model. Rows match when the local
// fields of the owner equal the referenced fields of the related model,
// directly or through a join table. After Resolve, LocalFields and
// ReferencedFields hold column names.
type Relation struct {
	Name string       `yaml:"name" json:"name"`
	Kind RelationKind `yaml:"kind" json:"kind"`
	// Model is the related model.
	Model string `yaml:"model" json:"model"`
	// Table is the related table, filled by Resolve.
	Table            string     `yaml:"table,omitempty" json:"table,omitempty"`
	LocalFields      []string   `yaml:"local_fields,omitempty" json:"local_fields,omitempty"`
	ReferencedFields []string   `yaml:"referenced_fields,omitempty" json:"referenced_fields,omitempty"`
	JoinTable        *JoinTable `yaml:"join_table,omitempty" json:"join_table,omitempty"`
}

// resolve fills the defaults of a relation owned by m:
//
//	User.posts  one_to_many   users.id = posts.user_id
//	Post.author many_to_one   posts.author_id = users.id
//	Post.tags   many_to_many  posts.id = j.post_id, j.tag_id = tags.id
func (r *Relation) resolve(s *Schema, m *Model) {
	target := s.Model(r.Model)
	if target == nil {
		return
	}
	r.Table = target.Table
	switch r.Kind {
	case OneToOne, OneToMany:
		if len(r.LocalFields) == 0 {
			r.LocalFields = m.PrimaryKey
		}
		if len(r.ReferencedFields) == 0 {
			r.ReferencedFields = []string{inflect.ForeignKey(m.Name)}
		}
	case ManyToOne:
		if len(r.LocalFields) == 0 {
			r.LocalFields = []string{inflect.ForeignKey(r.Name)}
		}
		if len(r.ReferencedFields) == 0 {
			r.ReferencedFields = target.PrimaryKey
		}
	case ManyToMany:
		if len(r.LocalFields) == 0 {
			r.LocalFields = m.PrimaryKey
		}
		if len(r.ReferencedFields) == 0 {
			r.ReferencedFields = target.PrimaryKey
		}
		if j := r.JoinTable; j != nil {
			if j.LocalColumn == "" {
				j.LocalColumn = inflect.ForeignKey(m.Name)
			}
			if j.RelatedColumn == "" {
				j.RelatedColumn = inflect.ForeignKey(target.Name)
			}
		}
	}
	r.LocalFields = columns(m, r.LocalFields)
	r.ReferencedFields = columns(target, r.ReferencedFields)
}

func columns(m *Model, names []string) []string {
	cols := make([]string, len(names))
	for i, n := range names {
		cols[i] = m.Column(n)
	}
	return cols
}

func (r *Relation) validate(s *Schema, m *Model) error {
	switch {
	case r.Name == "":
		return prism.Errorf(prism.ConfigError, "model %s: relation without a name", m.Name)
	case r.Kind < OneToOne || r.Kind > ManyToMany:
		return prism.Errorf(prism.ConfigError, "model %s: relation %q has no kind", m.Name, r.Name)
	case s != nil && s.Model(r.Model) == nil:
		return prism.Errorf(prism.ConfigError, "model %s: relation %q references unknown model %q", m.Name, r.Name, r.Model)
	case len(r.LocalFields) == 0 || len(r.LocalFields) != len(r.ReferencedFields):
		return prism.Errorf(prism.ConfigError, "model %s: relation %q requires matching local and referenced fields", m.Name, r.Name)
	}
	return r.validateJoin()
}

func (r *Relation) validateJoin() error {
	if r.Kind != ManyToMany {
		return nil
	}
	if j := r.JoinTable; j == nil || j.Table == "" || j.LocalColumn == "" || j.RelatedColumn == "" {
		return prism.Errorf(prism.ConfigError, "relation %q: many_to_many requires a join table with two columns", r.Name)
	}
	return nil
}

// Composite reports whether the relation matches on more than one column.
func (r *Relation) Composite() bool {
	return len(r.LocalFields) > 1
}

// Inverse returns the relation as seen from the related model, pointing
// back at owner.
func (r *Relation) Inverse(owner *Model, name string) *Relation {
	inv := &Relation{
		Name:             name,
		Kind:             r.Kind.Inverse(),
		Model:            owner.Name,
		Table:            owner.Table,
		LocalFields:      r.ReferencedFields,
		ReferencedFields: r.LocalFields,
	}
	if j := r.JoinTable; j != nil {
		inv.JoinTable = &JoinTable{Table: j.Table, LocalColumn: j.RelatedColumn, RelatedColumn: j.LocalColumn}
	}
	return inv
}

// Registry maps models and their relations by name. It is safe for
// concurrent use.
type Registry struct {
	mu        sync.RWMutex
	models    map[string]*Model
	relations map[string]map[string]*Relation
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		models:    make(map[string]*Model),
		relations: make(map[string]map[string]*Relation),
	}
}

// RegistryFor resolves s and registers its models and relations.
func RegistryFor(s *Schema) (*Registry, error) {
	if err := s.Resolve(); err != nil {
		return nil, err
	}
	r := NewRegistry()
	for _, m := range append(slices.Clone(s.Models), s.Views...) {
		r.RegisterModel(m)
	}
	return r, nil
}

// RegisterModel registers m and the relations it declares.
func (r *Registry) RegisterModel(m *Model) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.models[m.Name] = m
	rels := make(map[string]*Relation, len(m.Relations))
	for _, rel := range m.Relations {
		rels[rel.Name] = rel
	}
	r.relations[m.Name] = rels
}

// Register adds a relation to a registered model.
func (r *Registry) Register(model string, rel *Relation) error {
	if err := rel.validateJoin(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	rels, ok := r.relations[model]
	if !ok {
		return prism.Errorf(prism.InvalidParameter, "unknown model %q", model)
	}
	rels[rel.Name] = rel
	return nil
}

// Model returns the registered model named name.
func (r *Registry) Model(name string) (*Model, error) {
	r.mu.RLock()
	m, ok := r.models[name]
	r.mu.RUnlock()
	if !ok {
		return nil, prism.Errorf(prism.InvalidParameter, "unknown model %q", name)
	}
	return m, nil
}

// Relation returns the relation name of model.
func (r *Registry) Relation(model, name string) (*Relation, error) {
	r.mu.RLock()
	rel, ok := r.relations[model][name]
	r.mu.RUnlock()
	if !ok {
		return nil, prism.Errorf(prism.InvalidParameter, "model %s has no relation %q", model, name)
	}
	return rel, nil
}

// Relations returns the relations of model, sorted by name.
func (r *Registry) Relations(model string) []*Relation {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rels := make([]*Relation, 0, len(r.relations[model]))
	for _, rel := range r.relations[model] {
		rels = append(rels, rel)
	}
	sort.Slice(rels, func(i, j int) bool { return rels[i].Name < rels[j].Name })
	return rels
}

// Models returns the registered model names, sorted.
func (r *Registry) Models() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.models))
	for n := range r.models {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
