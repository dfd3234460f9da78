package cstable

import (
	"fmt"
	"math"
	"time"

	"github.com/bsm/cstable/internal/bitpack"
)

// ColumnWriter buffers the shredded entries of a single column. Instances
// are obtained from a Writer and are not safe for concurrent use.
type ColumnWriter struct {
	info  ColumnInfo
	codec valueCodec
	bound uint64

	rlevels *streamWriter // nil if rmax == 0
	dlevels *streamWriter // nil if dmax == 0
	values  *streamWriter

	entries uint64
}

func newColumnWriter(info ColumnInfo, bound uint64, o *WriterOptions) (*ColumnWriter, error) {
	codec, err := newValueCodec(info.Type, info.Encoding, bound)
	if err != nil {
		return nil, err
	}

	w := &ColumnWriter{
		info:   info,
		codec:  codec,
		bound:  bound,
		values: codec.newWriter(o),
	}
	if info.MaxRepetitionLevel > 0 {
		w.rlevels = newPackedWriter(bitpack.Width(info.MaxRepetitionLevel), o)
	}
	if info.MaxDefinitionLevel > 0 {
		w.dlevels = newPackedWriter(bitpack.Width(info.MaxDefinitionLevel), o)
	}
	return w, nil
}

// Info returns the column info.
func (w *ColumnWriter) Info() ColumnInfo { return w.info }

// NumEntries returns the number of entries written.
func (w *ColumnWriter) NumEntries() uint64 { return w.entries }

// WriteNull writes an absent value at definition level d.
func (w *ColumnWriter) WriteNull(r, d uint32) error {
	return w.WriteValue(r, d, Value{})
}

// WriteBool writes a boolean value.
func (w *ColumnWriter) WriteBool(r, d uint32, v bool) error {
	return w.WriteValue(r, d, BoolValue(v))
}

// WriteUint writes an unsigned integer value.
func (w *ColumnWriter) WriteUint(r, d uint32, v uint64) error {
	return w.WriteValue(r, d, UintValue(v))
}

// WriteInt writes a signed integer value.
func (w *ColumnWriter) WriteInt(r, d uint32, v int64) error {
	return w.WriteValue(r, d, IntValue(v))
}

// WriteFloat writes a floating point value.
func (w *ColumnWriter) WriteFloat(r, d uint32, v float64) error {
	return w.WriteValue(r, d, FloatValue(v))
}

// WriteString writes a string value.
func (w *ColumnWriter) WriteString(r, d uint32, v string) error {
	return w.WriteValue(r, d, StringValue(v))
}

// WriteDateTime writes a datetime value.
func (w *ColumnWriter) WriteDateTime(r, d uint32, v time.Time) error {
	return w.WriteValue(r, d, DateTimeValue(v))
}

// WriteValue writes an entry. A non-null value must be given if and only
// if d equals the column's maximum definition level.
func (w *ColumnWriter) WriteValue(r, d uint32, v Value) error {
	if err := w.validate(r, d, v); err != nil {
		return err
	}
	w.write(r, d, v)
	return nil
}

func (w *ColumnWriter) validateLevels(r, d uint32) error {
	if r > w.info.MaxRepetitionLevel {
		return fmt.Errorf("%w: column %q repetition level %d exceeds %d", ErrIllegalArgument, w.info.Name, r, w.info.MaxRepetitionLevel)
	}
	if d > w.info.MaxDefinitionLevel {
		return fmt.Errorf("%w: column %q definition level %d exceeds %d", ErrIllegalArgument, w.info.Name, d, w.info.MaxDefinitionLevel)
	}
	return nil
}

func (w *ColumnWriter) validate(r, d uint32, v Value) error {
	if err := w.validateLevels(r, d); err != nil {
		return err
	}

	if d < w.info.MaxDefinitionLevel {
		if !v.IsNull() {
			return fmt.Errorf("%w: column %q cannot store a value at definition level %d", ErrIllegalArgument, w.info.Name, d)
		}
		return nil
	}

	switch {
	case v.IsNull():
		return fmt.Errorf("%w: column %q requires a value at definition level %d", ErrIllegalArgument, w.info.Name, d)
	case v.typ != w.info.Type:
		return fmt.Errorf("%w: column %q expects %s values, got %s", ErrIllegalArgument, w.info.Name, w.info.Type, v.typ)
	case v.typ == TypeUint && v.num > w.bound:
		return fmt.Errorf("%w: column %q value %d exceeds max value %d", ErrIllegalArgument, w.info.Name, v.num, w.bound)
	}
	return nil
}

func (w *ColumnWriter) writeLevels(r, d uint32) {
	if w.rlevels != nil {
		w.rlevels.putPacked(r)
	}
	if w.dlevels != nil {
		w.dlevels.putPacked(d)
	}
	w.entries++
}

func (w *ColumnWriter) write(r, d uint32, v Value) {
	w.writeLevels(r, d)
	if d == w.info.MaxDefinitionLevel {
		w.codec.encode(w.values, v)
	}
}

// acceptsRaw reports whether encoded values of codec c can be
// appended without decoding.
func (w *ColumnWriter) acceptsRaw(c valueCodec) bool {
	if c.typ != w.codec.typ || c.enc != w.codec.enc || c.enc.bitPacked() {
		return false
	}
	return c.enc != UInt32Plain || w.bound == math.MaxUint32
}

// flush seals and returns the chunks of each stream.
func (w *ColumnWriter) flush() (rlevels, dlevels, values [][]byte) {
	if w.rlevels != nil {
		rlevels = w.rlevels.flush()
	}
	if w.dlevels != nil {
		dlevels = w.dlevels.flush()
	}
	return rlevels, dlevels, w.values.flush()
}
