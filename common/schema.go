package common

import (
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
)

// Field is one named, typed column of a Schema.
type Field struct {
	Name     string
	Type     DataType
	Nullable bool
}

func NewField(name string, typ DataType, nullable bool) Field {
	return Field{Name: name, Type: typ, Nullable: nullable}
}

func (f Field) String() string {
	if f.Nullable {
		return f.Name + ": " + f.Type.String()
	}
	return f.Name + ": " + f.Type.String() + " not null"
}

// Schema is an ordered list of uniquely named fields. It is the interchange format between plan
// nodes and the contract with sources and sinks. A Schema is immutable once constructed.
type Schema struct {
	fields []Field
	index  map[string]int
}

// NewSchema builds a schema, failing with a SchemaError if two fields share a name.
func NewSchema(fields ...Field) (*Schema, error) {
	s := &Schema{
		fields: append([]Field(nil), fields...),
		index:  make(map[string]int, len(fields)),
	}
	for i, f := range fields {
		if _, dup := s.index[f.Name]; dup {
			return nil, NewSchemaError(0, "", f.Name, "duplicate column name %q", f.Name)
		}
		s.index[f.Name] = i
	}
	return s, nil
}

// MustSchema is NewSchema for statically known field lists.
func MustSchema(fields ...Field) *Schema {
	s, err := NewSchema(fields...)
	Assert(err == nil, "invalid schema: %v", err)
	return s
}

func (s *Schema) Len() int {
	return len(s.fields)
}

func (s *Schema) Field(i int) Field {
	return s.fields[i]
}

// Fields returns a copy of the field list.
func (s *Schema) Fields() []Field {
	return append([]Field(nil), s.fields...)
}

// Index returns the position of the named column.
func (s *Schema) Index(name string) (int, bool) {
	i, ok := s.index[name]
	return i, ok
}

// Lookup returns the named field.
func (s *Schema) Lookup(name string) (Field, bool) {
	i, ok := s.index[name]
	if !ok {
		return Field{}, false
	}
	return s.fields[i], true
}

func (s *Schema) Names() []string {
	names := make([]string, len(s.fields))
	for i, f := range s.fields {
		names[i] = f.Name
	}
	return names
}

// Project returns the sub-schema made of the named columns, in the given order.
func (s *Schema) Project(names []string) (*Schema, error) {
	fields := make([]Field, 0, len(names))
	for _, n := range names {
		f, ok := s.Lookup(n)
		if !ok {
			return nil, NewSchemaError(0, "", n, "column %q not found in %s", n, s)
		}
		fields = append(fields, f)
	}
	return NewSchema(fields...)
}

func (s *Schema) Equal(o *Schema) bool {
	if s.Len() != o.Len() {
		return false
	}
	for i := range s.fields {
		a, b := s.fields[i], o.fields[i]
		if a.Name != b.Name || !a.Type.Equal(b.Type) || a.Nullable != b.Nullable {
			return false
		}
	}
	return true
}

func (s *Schema) String() string {
	parts := make([]string, len(s.fields))
	for i, f := range s.fields {
		parts[i] = f.Name + ": " + f.Type.String()
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// ArrowSchema converts the schema into the columnar format's schema.
func (s *Schema) ArrowSchema() *arrow.Schema {
	fields := make([]arrow.Field, len(s.fields))
	for i, f := range s.fields {
		fields[i] = arrow.Field{Name: f.Name, Type: f.Type.ArrowType(), Nullable: f.Nullable}
	}
	return arrow.NewSchema(fields, nil)
}

// SchemaFromArrow converts a columnar schema into a Schema, rejecting types outside the closed set.
func SchemaFromArrow(as *arrow.Schema) (*Schema, error) {
	fields := make([]Field, as.NumFields())
	for i, f := range as.Fields() {
		t, err := TypeFromArrow(f.Type)
		if err != nil {
			return nil, err
		}
		fields[i] = Field{Name: f.Name, Type: t, Nullable: f.Nullable}
	}
	return NewSchema(fields...)
}
