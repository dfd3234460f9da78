package cstable

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// Field describes a schema field.
type Field struct {
	// ID identifies the field among its siblings.
	ID uint32
	// Name must be non-empty and must not contain dots.
	Name string
	// Type is the logical type. Only TypeObject fields may contain Fields.
	Type ColumnType
	// Encoding is the physical encoding of leaf values.
	// Default: derived from Type.
	Encoding Encoding
	// Repeated fields may occur multiple times per parent.
	Repeated bool
	// Optional fields may be absent. Fields that are neither optional
	// nor repeated are mandatory.
	Optional bool
	// MaxValue is the declared upper bound of UInt32BitPacked and
	// UInt32Plain columns.
	// Default: math.MaxUint32.
	MaxValue uint64
	// Fields are the children of an object field.
	Fields []Field
}

// ColumnInfo describes a flat leaf column.
type ColumnInfo struct {
	ID                 uint32
	Name               string
	Type               ColumnType
	Encoding           Encoding
	MaxRepetitionLevel uint32
	MaxDefinitionLevel uint32

	// BodyOffset and BodySize locate the column body within a version 1
	// container. For version 2 containers, BodySize is the sum of the
	// used bytes of all pages of the column.
	BodyOffset uint64
	BodySize   uint64
}

// Levels returns the maximum levels of the column.
func (c ColumnInfo) Levels() Levels {
	return Levels{R: c.MaxRepetitionLevel, D: c.MaxDefinitionLevel}
}

// node is a normalized schema field.
type node struct {
	Field

	path        string // dotted name
	rmax, dmax  uint32 // levels including this field
	col         int    // column position of leaves, -1 for objects
	first, last int    // column positions [first, last) of the subtree
	children    []node
}

func (n *node) mandatory() bool { return !n.Repeated && !n.Optional }

func (n *node) child(id uint32) *node {
	for i := range n.children {
		if n.children[i].ID == id {
			return &n.children[i]
		}
	}
	return nil
}

// bound returns the declared maximum of bounded unsigned columns.
func (n *node) bound() uint64 {
	switch n.Encoding {
	case UInt32BitPacked, UInt32Plain:
		if n.MaxValue == 0 || n.MaxValue > math.MaxUint32 {
			return math.MaxUint32
		}
		return n.MaxValue
	}
	return math.MaxUint64
}

// Schema is an immutable tree of fields.
type Schema struct {
	root    node
	columns []ColumnInfo
	leaves  []*node
	byName  map[string]int
}

// NewSchema validates fields and returns a new Schema.
func NewSchema(fields ...Field) (*Schema, error) {
	s := &Schema{byName: make(map[string]int)}
	s.root = node{Field: Field{Type: TypeObject}, col: -1}

	children, err := s.build(fields, "", 0, 0)
	if err != nil {
		return nil, err
	}
	if len(s.columns) == 0 {
		return nil, fmt.Errorf("%w: schema has no leaf columns", ErrIllegalArgument)
	}

	s.root.children = children
	s.root.last = len(s.columns)
	s.indexLeaves(&s.root)
	return s, nil
}

// build normalizes fields. Siblings are ordered by field ID, which
// determines the column order and the order of materialized items.
func (s *Schema) build(fields []Field, prefix string, rmax, dmax uint32) ([]node, error) {
	fields = append([]Field(nil), fields...)
	sort.SliceStable(fields, func(i, j int) bool { return fields[i].ID < fields[j].ID })

	nodes := make([]node, 0, len(fields))
	for _, f := range fields {
		if err := validateField(&f); err != nil {
			return nil, err
		}
		for _, n := range nodes {
			if n.ID == f.ID {
				return nil, fmt.Errorf("%w: duplicate field id %d in %q", ErrIllegalArgument, f.ID, prefix)
			}
			if n.Name == f.Name {
				return nil, fmt.Errorf("%w: duplicate field name %q", ErrIllegalArgument, prefix+f.Name)
			}
		}

		n := node{Field: f, rmax: rmax, dmax: dmax, col: -1}
		n.Fields = nil
		if f.Repeated {
			n.rmax++
		}
		if f.Repeated || f.Optional {
			n.dmax++
		}
		if n.Encoding == 0 {
			n.Encoding = defaultEncoding(f.Type)
		}

		name := prefix + f.Name
		n.path = name
		n.first = len(s.columns)
		if f.Type == TypeObject {
			children, err := s.build(f.Fields, name+".", n.rmax, n.dmax)
			if err != nil {
				return nil, err
			}
			n.children = children
		} else {
			n.col = len(s.columns)
			s.byName[name] = n.col
			s.columns = append(s.columns, ColumnInfo{
				ID:                 uint32(n.col + 1),
				Name:               name,
				Type:               n.Type,
				Encoding:           n.Encoding,
				MaxRepetitionLevel: n.rmax,
				MaxDefinitionLevel: n.dmax,
			})
		}
		n.last = len(s.columns)

		nodes = append(nodes, n)
	}
	return nodes, nil
}

func (s *Schema) indexLeaves(n *node) {
	if n.col > -1 {
		s.leaves = append(s.leaves, n)
		return
	}
	for i := range n.children {
		s.indexLeaves(&n.children[i])
	}
}

func validateField(f *Field) error {
	if f.Name == "" {
		return fmt.Errorf("%w: field %d has no name", ErrIllegalArgument, f.ID)
	}
	if strings.Contains(f.Name, ".") {
		return fmt.Errorf("%w: field name %q contains a dot", ErrIllegalArgument, f.Name)
	}
	if !f.Type.isValid() {
		return fmt.Errorf("%w: field %q has invalid type %s", ErrIllegalArgument, f.Name, f.Type)
	}

	if f.Type == TypeObject {
		if len(f.Fields) == 0 {
			return fmt.Errorf("%w: object field %q has no fields", ErrIllegalArgument, f.Name)
		}
		if f.Encoding != 0 {
			return fmt.Errorf("%w: object field %q cannot have an encoding", ErrIllegalArgument, f.Name)
		}
		return nil
	}

	if len(f.Fields) != 0 {
		return fmt.Errorf("%w: %s field %q cannot have fields", ErrIllegalArgument, f.Type, f.Name)
	}
	if f.Encoding != 0 && !supportsEncoding(f.Type, f.Encoding) {
		return fmt.Errorf("%w: field %q cannot use %s for %s values", ErrIllegalArgument, f.Name, f.Encoding, f.Type)
	}
	if f.MaxValue > math.MaxUint32 && (f.Encoding == UInt32BitPacked || f.Encoding == UInt32Plain) {
		return fmt.Errorf("%w: field %q max value %d exceeds %s", ErrIllegalArgument, f.Name, f.MaxValue, f.Encoding)
	}
	return nil
}

// Fields returns the normalized top-level fields, ordered by ID.
func (s *Schema) Fields() []Field {
	return exportFields(s.root.children)
}

func exportFields(nodes []node) []Field {
	fields := make([]Field, 0, len(nodes))
	for _, n := range nodes {
		f := n.Field
		if n.Type == TypeObject {
			f.Fields = exportFields(n.children)
		}
		fields = append(fields, f)
	}
	return fields
}

// NumColumns returns the number of leaf columns.
func (s *Schema) NumColumns() int { return len(s.columns) }

// Columns returns the flat leaf columns in depth-first, field ID order.
func (s *Schema) Columns() []ColumnInfo {
	return append([]ColumnInfo(nil), s.columns...)
}

// Column looks up a column by its dotted name.
func (s *Schema) Column(name string) (ColumnInfo, bool) {
	if pos, ok := s.byName[name]; ok {
		return s.columns[pos], true
	}
	return ColumnInfo{}, false
}

// Levels returns the maximum levels of each column, by name.
func (s *Schema) Levels() map[string]Levels {
	levels := make(map[string]Levels, len(s.columns))
	for _, c := range s.columns {
		levels[c.Name] = c.Levels()
	}
	return levels
}

// parentInfo describes an object ancestor of a leaf column.
type parentInfo struct {
	id       uint32
	repeated bool
	dmax     uint32
}

// parents returns the object ancestors of the column at pos, outermost first.
func (s *Schema) parents(pos int) []parentInfo {
	var parents []parentInfo
	n := &s.root
	for n.col != pos {
		for i := range n.children {
			if c := &n.children[i]; pos >= c.first && pos < c.last {
				n = c
				break
			}
		}
		if n.col == pos {
			break
		}
		parents = append(parents, parentInfo{id: n.ID, repeated: n.Repeated, dmax: n.dmax})
	}
	return parents
}
