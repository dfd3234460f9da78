package cstable

import (
	"errors"
	"fmt"
	"io"
)

// Materializer reassembles records from the columns of a container. It
// is the inverse of the Shredder. Sibling items are emitted in field ID order.
//
// Materializers are not safe for concurrent use.
type Materializer struct {
	columns []*materializedColumn
	numRows uint64
	read    uint64
}

type materializedColumn struct {
	reader  *ColumnReader
	fieldID uint32
	dmax    uint32
	parents []parentInfo
	indexes []int // element positions per repetition level
}

// NewMaterializer returns a materializer for records of schema s. When
// columns are given, only these columns are materialized. Columns of
// the schema which are missing in the container are skipped unless
// explicitly requested.
func NewMaterializer(r *Reader, s *Schema, columns ...string) (*Materializer, error) {
	requested := make(map[string]bool, len(columns))
	for _, name := range columns {
		if _, ok := s.Column(name); !ok {
			return nil, fmt.Errorf("%w: column %q is not part of the schema", ErrNotFound, name)
		}
		if !r.HasColumn(name) {
			return nil, fmt.Errorf("%w: column %q", ErrNotFound, name)
		}
		requested[name] = true
	}

	m := &Materializer{numRows: r.NumRecords()}
	for pos, info := range s.columns {
		if len(requested) != 0 && !requested[info.Name] {
			continue
		}
		if !r.HasColumn(info.Name) {
			continue
		}

		cr, err := r.ColumnReader(info.Name)
		if err != nil {
			return nil, err
		}
		if ci := cr.Info(); ci.Type != info.Type || ci.Levels() != info.Levels() {
			return nil, fmt.Errorf("%w: column %q does not match the schema", ErrIllegalArgument, info.Name)
		}

		m.columns = append(m.columns, &materializedColumn{
			reader:  cr,
			fieldID: s.leaves[pos].ID,
			dmax:    info.MaxDefinitionLevel,
			parents: s.parents(pos),
			indexes: make([]int, info.MaxRepetitionLevel),
		})
	}
	return m, nil
}

// NumRecords returns the total number of records.
func (m *Materializer) NumRecords() uint64 { return m.numRows }

// Next materializes the next record. It returns io.EOF after the last
// record.
func (m *Materializer) Next() (Record, error) {
	if m.read >= m.numRows {
		return nil, io.EOF
	}

	var rec Record
	for _, c := range m.columns {
		if err := c.load(&rec); err != nil {
			return nil, err
		}
	}
	m.read++
	return rec, nil
}

// Skip skips the next record. It returns io.EOF after the last record.
func (m *Materializer) Skip() error {
	if m.read >= m.numRows {
		return io.EOF
	}

	for _, c := range m.columns {
		for {
			if err := c.reader.Skip(); err != nil {
				return c.wrap(err)
			}
			if done, err := c.recordDone(); err != nil {
				return err
			} else if done {
				break
			}
		}
	}
	m.read++
	return nil
}

func (c *materializedColumn) load(rec *Record) error {
	clear(c.indexes)

	for {
		e, err := c.reader.Next()
		if err != nil {
			return c.wrap(err)
		}

		if e.R > 0 {
			c.indexes[e.R-1]++
			clear(c.indexes[e.R:])
		}
		c.insert(rec, c.parents, c.indexes, e)

		if done, err := c.recordDone(); err != nil {
			return err
		} else if done {
			return nil
		}
	}
}

// recordDone reports whether the next entry starts a new record.
func (c *materializedColumn) recordDone() (bool, error) {
	if c.reader.EOF() {
		return true, nil
	}
	r, err := c.reader.PeekRepetitionLevel()
	if err != nil {
		return false, c.wrap(err)
	}
	return r == 0, nil
}

func (c *materializedColumn) wrap(err error) error {
	if errors.Is(err, ErrEndOfColumn) {
		return fmt.Errorf("%w: column %q ended early", ErrIllegalState, c.reader.Name())
	}
	return err
}

// insert places e at the position described by parents and indexes,
// creating missing ancestors. Entries which are absent above a parent's
// definition level stop at that parent.
func (c *materializedColumn) insert(rec *Record, parents []parentInfo, indexes []int, e LevelEntry) {
	if len(parents) == 0 {
		if e.D == c.dmax {
			*rec = append(*rec, Item{ID: c.fieldID, Value: e.Value})
		}
		return
	}

	p := parents[0]
	if p.dmax > e.D {
		return
	}

	target := 0
	if p.repeated {
		target, indexes = indexes[0], indexes[1:]
	}

	seen := 0
	for i := range *rec {
		if (*rec)[i].ID != p.id {
			continue
		}
		if seen == target {
			c.insert(&(*rec)[i].Child, parents[1:], indexes, e)
			return
		}
		seen++
	}

	for ; seen <= target; seen++ {
		*rec = append(*rec, Item{ID: p.id})
	}
	c.insert(&(*rec)[len(*rec)-1].Child, parents[1:], indexes, e)
}
