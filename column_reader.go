package cstable

import (
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/bsm/cstable/internal/bitpack"
)

// ColumnReader is a cursor over the entries of a single column. Column
// readers are not safe for concurrent use, each goroutine must obtain
// its own instance.
type ColumnReader struct {
	info  ColumnInfo
	codec valueCodec

	rlevels *streamReader // nil if rmax == 0
	dlevels *streamReader // nil if dmax == 0
	values  *streamReader
}

func newColumnReader(r io.ReaderAt, info ColumnInfo, rlevels, dlevels, values []chunkRef) (*ColumnReader, error) {
	codec, err := newValueCodec(info.Type, info.Encoding, math.MaxUint32)
	if err != nil {
		return nil, err
	}

	c := &ColumnReader{
		info:   info,
		codec:  codec,
		values: newStreamReader(r, values, codec.width),
	}
	if info.MaxRepetitionLevel > 0 {
		c.rlevels = newStreamReader(r, rlevels, bitpack.Width(info.MaxRepetitionLevel))
	}
	if info.MaxDefinitionLevel > 0 {
		c.dlevels = newStreamReader(r, dlevels, bitpack.Width(info.MaxDefinitionLevel))
	}
	return c, nil
}

// Info returns the column info.
func (c *ColumnReader) Info() ColumnInfo { return c.info }

// Name returns the column name.
func (c *ColumnReader) Name() string { return c.info.Name }

// Type returns the column type.
func (c *ColumnReader) Type() ColumnType { return c.info.Type }

// MaxRepetitionLevel returns the maximum repetition level.
func (c *ColumnReader) MaxRepetitionLevel() uint32 { return c.info.MaxRepetitionLevel }

// MaxDefinitionLevel returns the maximum definition level.
func (c *ColumnReader) MaxDefinitionLevel() uint32 { return c.info.MaxDefinitionLevel }

// EOF returns true once all entries were consumed.
func (c *ColumnReader) EOF() bool {
	if c.dlevels != nil {
		return c.dlevels.exhausted()
	}
	return c.values.exhausted()
}

// Rewind positions the cursor before the first entry.
func (c *ColumnReader) Rewind() {
	if c.rlevels != nil {
		c.rlevels.rewind()
	}
	if c.dlevels != nil {
		c.dlevels.rewind()
	}
	c.values.rewind()
}

// PeekRepetitionLevel returns the repetition level of the next entry
// without consuming it. It returns ErrEndOfColumn if no entries are left.
func (c *ColumnReader) PeekRepetitionLevel() (uint32, error) {
	if c.EOF() {
		return 0, ErrEndOfColumn
	}
	if c.rlevels == nil {
		return 0, nil
	}

	r, err := secondary(c.rlevels.peekPacked())
	if err == nil && r > c.info.MaxRepetitionLevel {
		err = errCorruptChunk
	}
	return r, err
}

// Next reads the next entry. It returns ErrEndOfColumn if no entries
// are left.
func (c *ColumnReader) Next() (LevelEntry, error) {
	r, d, err := c.nextLevels()
	if err != nil {
		return LevelEntry{}, err
	}

	entry := LevelEntry{R: r, D: d}
	if d == c.info.MaxDefinitionLevel {
		if entry.Value, err = c.codec.decode(c.values); err != nil {
			return LevelEntry{}, valueError(err)
		}
	}
	return entry, nil
}

// Skip advances the cursor by one entry without decoding the value.
func (c *ColumnReader) Skip() error {
	_, d, err := c.nextLevels()
	if err != nil {
		return err
	}
	if d == c.info.MaxDefinitionLevel {
		return valueError(c.codec.skip(c.values))
	}
	return nil
}

// CopyTo copies the next entry into w. Values are copied without
// decoding when both columns share the same byte-aligned encoding.
// Entries rejected by w are not consumed.
func (c *ColumnReader) CopyTo(w *ColumnWriter) error {
	if w.info.Type != c.info.Type {
		return fmt.Errorf("%w: cannot copy %s column %q into %s column %q", ErrIllegalArgument, c.info.Type, c.info.Name, w.info.Type, w.info.Name)
	}

	r, d, err := c.peekLevels()
	if err != nil {
		return err
	}
	hasValue := d == c.info.MaxDefinitionLevel

	if !w.acceptsRaw(c.codec) {
		var v Value
		if hasValue {
			if v, err = c.codec.peek(c.values); err != nil {
				return valueError(err)
			}
		}
		if err := w.validate(r, d, v); err != nil {
			return err
		}
		if err := c.Skip(); err != nil {
			return err
		}
		w.write(r, d, v)
		return nil
	}

	if err := w.validateLevels(r, d); err != nil {
		return err
	}
	if hasValue != (d == w.info.MaxDefinitionLevel) {
		return fmt.Errorf("%w: column %q cannot store definition level %d", ErrIllegalArgument, w.info.Name, d)
	}
	if _, _, err := c.nextLevels(); err != nil {
		return err
	}
	if !hasValue {
		w.writeLevels(r, d)
		return nil
	}

	raw, err := c.codec.nextRaw(c.values)
	if err != nil {
		return valueError(err)
	}
	w.writeLevels(r, d)
	w.codec.encodeRaw(w.values, raw)
	return nil
}

// peekLevels returns the levels of the next entry without consuming it.
func (c *ColumnReader) peekLevels() (r, d uint32, err error) {
	if c.EOF() {
		return 0, 0, ErrEndOfColumn
	}

	if c.rlevels != nil {
		if r, err = secondary(c.rlevels.peekPacked()); err != nil {
			return
		}
	}
	if c.dlevels != nil {
		if d, err = c.dlevels.peekPacked(); err != nil {
			return
		}
	}
	err = c.checkLevels(r, d)
	return
}

func (c *ColumnReader) nextLevels() (r, d uint32, err error) {
	if c.EOF() {
		return 0, 0, ErrEndOfColumn
	}

	if c.rlevels != nil {
		if r, err = secondary(c.rlevels.nextPacked()); err != nil {
			return
		}
	}
	if c.dlevels != nil {
		if d, err = c.dlevels.nextPacked(); err != nil {
			return
		}
	}
	err = c.checkLevels(r, d)
	return
}

// checkLevels rejects levels beyond the column maximum.
func (c *ColumnReader) checkLevels(r, d uint32) error {
	if r > c.info.MaxRepetitionLevel || d > c.info.MaxDefinitionLevel || r > d {
		return fmt.Errorf("%w: column %q has invalid levels r=%d d=%d", errCorruptChunk, c.info.Name, r, d)
	}
	return nil
}

// secondary reports missing entries of non-primary streams as corruption.
func secondary(v uint32, err error) (uint32, error) {
	if errors.Is(err, ErrEndOfColumn) {
		err = errCorruptChunk
	}
	return v, err
}

func valueError(err error) error {
	_, err = secondary(0, err)
	return err
}
