package schema

import (
	"fmt"
	"slices"

	"github.com/go-openapi/inflect"

	"github.com/syssam/prism"
	sqlschema "github.com/syssam/prism/dialect/sql/schema"
)

// Schema is the parsed schema: models, enums, composite types and views.
type Schema struct {
	Models         []*Model     `yaml:"models" json:"models"`
	Enums          []*Enum      `yaml:"enums,omitempty" json:"enums,omitempty"`
	CompositeTypes []*Composite `yaml:"composite_types,omitempty" json:"composite_types,omitempty"`
	Views          []*Model     `yaml:"views,omitempty" json:"views,omitempty"`
}

// Model returns the model or view named name, or nil.
func (s *Schema) Model(name string) *Model {
	for _, m := range s.Models {
		if m.Name == name {
			return m
		}
	}
	for _, v := range s.Views {
		if v.Name == name {
			return v
		}
	}
	return nil
}

// Enum returns the enum named name, or nil.
func (s *Schema) Enum(name string) *Enum {
	for _, e := range s.Enums {
		if e.Name == name {
			return e
		}
	}
	return nil
}

// Model is a table-backed entity.
type Model struct {
	Name string `yaml:"name" json:"name"`
	// Table defaults to the pluralized snake case of Name.
	Table string `yaml:"table,omitempty" json:"table,omitempty"`
	// PrimaryKey holds field names. It defaults to the field named "id".
	PrimaryKey []string    `yaml:"primary_key,omitempty" json:"primary_key,omitempty"`
	Fields     []*Field    `yaml:"fields" json:"fields"`
	Relations  []*Relation `yaml:"relations,omitempty" json:"relations,omitempty"`
}

// Field returns the field named name, or nil.
func (m *Model) Field(name string) *Field {
	for _, f := range m.Fields {
		if f.Name == name {
			return f
		}
	}
	return nil
}

// FieldByColumn returns the scalar field stored in column, or nil.
func (m *Model) FieldByColumn(column string) *Field {
	for _, f := range m.Fields {
		if f.Type.Scalar() && f.Column == column {
			return f
		}
	}
	return nil
}

// Column returns the column of the named field. Unknown names are returned
// unchanged so raw column names can be used in filters.
func (m *Model) Column(name string) string {
	if f := m.Field(name); f != nil && f.Column != "" {
		return f.Column
	}
	return name
}

// Columns returns the columns of the scalar fields, in declaration order.
func (m *Model) Columns() []string {
	cols := make([]string, 0, len(m.Fields))
	for _, f := range m.Fields {
		if f.Type.Scalar() {
			cols = append(cols, f.Column)
		}
	}
	return cols
}

// PrimaryColumns returns the columns of the primary key.
func (m *Model) PrimaryColumns() []string {
	cols := make([]string, len(m.PrimaryKey))
	for i, pk := range m.PrimaryKey {
		cols[i] = m.Column(pk)
	}
	return cols
}

// Relation returns the relation named name, or nil.
func (m *Model) Relation(name string) *Relation {
	for _, r := range m.Relations {
		if r.Name == name {
			return r
		}
	}
	return nil
}

// SQLTable returns the table the model expects to find in the database,
// for drift validation.
func (m *Model) SQLTable() *sqlschema.Table {
	t := &sqlschema.Table{Name: m.Table, PrimaryKey: m.PrimaryColumns()}
	for _, f := range m.Fields {
		if !f.Type.Scalar() {
			continue
		}
		t.Columns = append(t.Columns, &sqlschema.Column{
			Name:     f.Column,
			Type:     f.Type.Family(),
			Nullable: f.Modifier == Optional,
		})
	}
	return t
}

// Field is a model attribute.
type Field struct {
	Name string `yaml:"name" json:"name"`
	// Column defaults to the snake case of Name.
	Column     string   `yaml:"column,omitempty" json:"column,omitempty"`
	Type       Type     `yaml:"type" json:"type"`
	Modifier   Modifier `yaml:"modifier,omitempty" json:"modifier,omitempty"`
	Attributes []string `yaml:"attributes,omitempty" json:"attributes,omitempty"`
}

// HasAttribute reports whether the field carries attribute a, such as
// "unique" or "default(now())".
func (f *Field) HasAttribute(a string) bool {
	return slices.Contains(f.Attributes, a)
}

// Enum is a named set of string values.
type Enum struct {
	Name   string   `yaml:"name" json:"name"`
	Values []string `yaml:"values" json:"values"`
}

// Composite is a named structured type stored inline, usually as JSON.
type Composite struct {
	Name   string   `yaml:"name" json:"name"`
	Fields []*Field `yaml:"fields" json:"fields"`
}

// TableName returns the default table name of a model: "OrderItem" is
// stored in "order_items".
func TableName(model string) string {
	return inflect.Tableize(model)
}

// ColumnName returns the default column name of a field: "createdAt" is
// stored in "created_at".
func ColumnName(field string) string {
	return inflect.Underscore(field)
}

// Resolve fills defaults (table and column names, primary keys, relation
// tables and key fields) and validates the schema.
func (s *Schema) Resolve() error {
	for _, m := range append(slices.Clone(s.Models), s.Views...) {
		if m.Table == "" {
			m.Table = TableName(m.Name)
		}
		for _, f := range m.Fields {
			if f.Column == "" {
				f.Column = ColumnName(f.Name)
			}
		}
		if len(m.PrimaryKey) == 0 && m.Field("id") != nil {
			m.PrimaryKey = []string{"id"}
		}
	}
	for _, m := range s.Models {
		for _, r := range m.Relations {
			r.resolve(s, m)
		}
	}
	return s.Validate()
}

// Validate checks names, references and relation wiring. All problems are
// reported together.
func (s *Schema) Validate() error {
	var errs []error
	seen := make(map[string]bool)
	for _, m := range append(slices.Clone(s.Models), s.Views...) {
		if m.Name == "" {
			errs = append(errs, prism.New(prism.ConfigError, "model without a name"))
			continue
		}
		if seen[m.Name] {
			errs = append(errs, prism.Errorf(prism.ConfigError, "duplicate model %q", m.Name))
		}
		seen[m.Name] = true
		errs = append(errs, s.validateModel(m)...)
	}
	return prism.NewAggregateError(errs...)
}

func (s *Schema) validateModel(m *Model) []error {
	var errs []error
	fields := make(map[string]bool, len(m.Fields))
	for _, f := range m.Fields {
		if fields[f.Name] {
			errs = append(errs, prism.Errorf(prism.ConfigError, "model %s: duplicate field %q", m.Name, f.Name))
		}
		fields[f.Name] = true
		if f.Type.Kind == KindInvalid {
			errs = append(errs, prism.Errorf(prism.ConfigError, "model %s: field %q has no type", m.Name, f.Name))
		}
		if f.Type.Kind == EnumRef && s.Enum(f.Type.Ref) == nil {
			errs = append(errs, prism.Errorf(prism.ConfigError, "model %s: field %q references unknown enum %q", m.Name, f.Name, f.Type.Ref))
		}
		if f.Type.Kind == ModelRef && s.Model(f.Type.Ref) == nil {
			errs = append(errs, prism.Errorf(prism.ConfigError, "model %s: field %q references unknown model %q", m.Name, f.Name, f.Type.Ref))
		}
	}
	for _, pk := range m.PrimaryKey {
		if !fields[pk] {
			errs = append(errs, prism.Errorf(prism.ConfigError, "model %s: primary key field %q does not exist", m.Name, pk))
		}
	}
	for _, r := range m.Relations {
		if err := r.validate(s, m); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

func (m *Model) String() string {
	return fmt.Sprintf("%s(%s)", m.Name, m.Table)
}
