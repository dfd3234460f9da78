package cstable

import "fmt"

// Shredder decomposes records into one stream of level entries per leaf
// column. A Shredder is not safe for concurrent use.
type Shredder struct {
	schema  *Schema
	entries [][]LevelEntry
}

// NewShredder returns a shredder for records of schema s.
func NewShredder(s *Schema) *Shredder {
	return &Shredder{
		schema:  s,
		entries: make([][]LevelEntry, len(s.columns)),
	}
}

// Shred validates rec and returns its entries, indexed by column
// position. The returned slices are only valid until the next call.
func (s *Shredder) Shred(rec Record) ([][]LevelEntry, error) {
	for i := range s.entries {
		s.entries[i] = s.entries[i][:0]
	}
	if err := s.shred(&s.schema.root, rec, 0, 0); err != nil {
		return nil, err
	}
	return s.entries, nil
}

func (s *Shredder) shred(parent *node, rec Record, r, d uint32) error {
	for _, it := range rec {
		if parent.child(it.ID) == nil {
			return fmt.Errorf("%w: unknown field id %d in %s", ErrIllegalArgument, it.ID, s.path(parent))
		}
	}

	for i := range parent.children {
		n := &parent.children[i]

		nextR, found := r, 0
		for _, it := range rec {
			if it.ID != n.ID {
				continue
			}
			if found != 0 && !n.Repeated {
				return fmt.Errorf("%w: field %s is not repeated", ErrIllegalArgument, s.path(n))
			}

			if n.Type == TypeObject {
				if !it.Value.IsNull() {
					return fmt.Errorf("%w: object field %s cannot hold a value", ErrIllegalArgument, s.path(n))
				}
				if err := s.shred(n, it.Child, nextR, n.dmax); err != nil {
					return err
				}
			} else {
				if err := s.check(n, it); err != nil {
					return err
				}
				s.entries[n.col] = append(s.entries[n.col], LevelEntry{R: nextR, D: n.dmax, Value: it.Value})
			}

			found++
			nextR = n.rmax
		}

		if found == 0 {
			if n.mandatory() {
				return fmt.Errorf("%w: missing field %s", ErrIllegalArgument, s.path(n))
			}
			for col := n.first; col < n.last; col++ {
				s.entries[col] = append(s.entries[col], LevelEntry{R: r, D: d})
			}
		}
	}
	return nil
}

func (s *Shredder) check(n *node, it Item) error {
	switch {
	case it.Child != nil:
		return fmt.Errorf("%w: %s field %s cannot have children", ErrIllegalArgument, n.Type, s.path(n))
	case it.Value.IsNull():
		return fmt.Errorf("%w: field %s has no value", ErrIllegalArgument, s.path(n))
	case it.Value.Type() != n.Type:
		return fmt.Errorf("%w: field %s expects %s values, got %s", ErrIllegalArgument, s.path(n), n.Type, it.Value.Type())
	case n.Type == TypeUint && it.Value.num > n.bound():
		return fmt.Errorf("%w: field %s value %d exceeds max value %d", ErrIllegalArgument, s.path(n), it.Value.num, n.bound())
	}
	return nil
}

func (s *Shredder) path(n *node) string {
	if n == &s.schema.root {
		return "record"
	}
	return fmt.Sprintf("%q", n.path)
}
