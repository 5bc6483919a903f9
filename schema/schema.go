package schema

import (
	"fmt"
	"strings"
)

type ScalarType string

const (
	String   ScalarType = "String"
	Int      ScalarType = "Int"
	Float    ScalarType = "Float"
	Boolean  ScalarType = "Boolean"
	DateTime ScalarType = "DateTime"
	JSON     ScalarType = "Json"
)

func (t ScalarType) valid() bool {
	switch t {
	case String, Int, Float, Boolean, DateTime, JSON:
		return true
	}
	return false
}

// Cardinality of a relation field.
type Cardinality string

const (
	One  Cardinality = "one"
	Many Cardinality = "many"
)

// Relation links a field to another entity. The join condition is
// target.ForeignKey = source.LocalKey (column names).
type Relation struct {
	Target     string      `json:"target" yaml:"target"`
	Kind       Cardinality `json:"kind" yaml:"kind"`
	LocalKey   string      `json:"localKey,omitempty" yaml:"localKey,omitempty"`
	ForeignKey string      `json:"foreignKey,omitempty" yaml:"foreignKey,omitempty"`
}

type FieldMeta struct {
	Name     string     `json:"name" yaml:"name"`
	Type     ScalarType `json:"type,omitempty" yaml:"type,omitempty"`
	Column   string     `json:"column,omitempty" yaml:"column,omitempty"`
	IsList   bool       `json:"list,omitempty" yaml:"list,omitempty"`
	Relation *Relation  `json:"relation,omitempty" yaml:"relation,omitempty"`
}

func (f FieldMeta) IsRelation() bool { return f.Relation != nil }

// IsString reports whether comparisons on the field are string comparisons.
func (f FieldMeta) IsString() bool { return f.Relation == nil && f.Type == String }

// IsToMany reports whether the field is a one-to-many relation.
func (f FieldMeta) IsToMany() bool {
	return f.Relation != nil && (f.Relation.Kind == Many || f.IsList)
}

// ColumnName is the storage column, defaulting to the field name.
func (f FieldMeta) ColumnName() string {
	if f.Column != "" {
		return f.Column
	}
	return f.Name
}

// Descriptor is the static description of one entity type.
type Descriptor struct {
	Name   string      `json:"name" yaml:"name"`
	Table  string      `json:"table,omitempty" yaml:"table,omitempty"`
	Fields []FieldMeta `json:"fields" yaml:"fields"`

	index     map[string]int
	foldIndex map[string]int
}

// New builds and indexes a descriptor.
func New(name, table string, fields ...FieldMeta) (*Descriptor, error) {
	d := &Descriptor{Name: name, Table: table, Fields: fields}
	if err := d.build(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Descriptor) build() error {
	if strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("schema: descriptor without name")
	}
	d.index = make(map[string]int, len(d.Fields))
	d.foldIndex = make(map[string]int, len(d.Fields))
	for i, f := range d.Fields {
		if f.Name == "" {
			return fmt.Errorf("schema: %s: field %d has no name", d.Name, i)
		}
		if _, dup := d.index[f.Name]; dup {
			return fmt.Errorf("schema: %s: duplicate field %q", d.Name, f.Name)
		}
		if f.Relation == nil {
			if f.Type == "" {
				d.Fields[i].Type = String
			} else if !f.Type.valid() {
				return fmt.Errorf("schema: %s.%s: unknown type %q", d.Name, f.Name, f.Type)
			}
		} else {
			if f.Relation.Target == "" {
				return fmt.Errorf("schema: %s.%s: relation without target", d.Name, f.Name)
			}
			if f.Relation.Kind == "" {
				d.Fields[i].Relation.Kind = One
				if f.IsList {
					d.Fields[i].Relation.Kind = Many
				}
			}
		}
		d.index[f.Name] = i
		if _, seen := d.foldIndex[strings.ToLower(f.Name)]; !seen {
			d.foldIndex[strings.ToLower(f.Name)] = i
		}
	}
	return nil
}

func (d *Descriptor) Field(name string) (FieldMeta, bool) {
	i, ok := d.index[name]
	if !ok {
		return FieldMeta{}, false
	}
	return d.Fields[i], true
}

// FieldFold looks a field up case-insensitively.
func (d *Descriptor) FieldFold(name string) (FieldMeta, bool) {
	if f, ok := d.Field(name); ok {
		return f, true
	}
	i, ok := d.foldIndex[strings.ToLower(name)]
	if !ok {
		return FieldMeta{}, false
	}
	return d.Fields[i], true
}

// ScalarFields returns the names of all non-relation fields in declared order.
func (d *Descriptor) ScalarFields() []string {
	out := make([]string, 0, len(d.Fields))
	for _, f := range d.Fields {
		if f.Relation == nil {
			out = append(out, f.Name)
		}
	}
	return out
}

func (d *Descriptor) Relations() []FieldMeta {
	var out []FieldMeta
	for _, f := range d.Fields {
		if f.Relation != nil {
			out = append(out, f)
		}
	}
	return out
}

// TableName is the storage table, defaulting to the entity name.
func (d *Descriptor) TableName() string {
	if d.Table != "" {
		return d.Table
	}
	return d.Name
}

// Scalar is a shorthand FieldMeta constructor.
func Scalar(name string, t ScalarType) FieldMeta {
	return FieldMeta{Name: name, Type: t}
}

// ToOne declares a to-one relation joined on target.foreignKey = localKey.
func ToOne(name, target, localKey, foreignKey string) FieldMeta {
	return FieldMeta{Name: name, Relation: &Relation{Target: target, Kind: One, LocalKey: localKey, ForeignKey: foreignKey}}
}

// ToMany declares a to-many relation joined on target.foreignKey = localKey.
func ToMany(name, target, localKey, foreignKey string) FieldMeta {
	return FieldMeta{Name: name, IsList: true, Relation: &Relation{Target: target, Kind: Many, LocalKey: localKey, ForeignKey: foreignKey}}
}
