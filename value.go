package cstable

import (
	"fmt"
	"math"
	"strconv"
	"time"
)

// Value is a single scalar. The zero Value is null.
//
// Values are comparable with ==.
type Value struct {
	typ ColumnType
	num uint64
	str string
}

// BoolValue returns a boolean Value.
func BoolValue(v bool) Value {
	if v {
		return Value{typ: TypeBool, num: 1}
	}
	return Value{typ: TypeBool}
}

// UintValue returns an unsigned integer Value.
func UintValue(v uint64) Value { return Value{typ: TypeUint, num: v} }

// IntValue returns a signed integer Value.
func IntValue(v int64) Value { return Value{typ: TypeInt, num: uint64(v)} }

// FloatValue returns a floating point Value.
func FloatValue(v float64) Value { return Value{typ: TypeFloat, num: math.Float64bits(v)} }

// StringValue returns a string Value.
func StringValue(v string) Value { return Value{typ: TypeString, str: v} }

// DateTimeValue returns a datetime Value with microsecond precision.
func DateTimeValue(t time.Time) Value {
	return Value{typ: TypeDateTime, num: uint64(t.UnixMicro())}
}

// IsNull reports whether v is null.
func (v Value) IsNull() bool { return v.typ == TypeObject }

// Type returns the type of v. Null values report TypeObject.
func (v Value) Type() ColumnType { return v.typ }

// Bool returns the boolean value. It panics if v is not a boolean.
func (v Value) Bool() bool {
	v.mustBe(TypeBool)
	return v.num != 0
}

// Uint returns the unsigned integer value. It panics if v is not an
// unsigned integer.
func (v Value) Uint() uint64 {
	v.mustBe(TypeUint)
	return v.num
}

// Int returns the signed integer value. It panics if v is not a signed
// integer.
func (v Value) Int() int64 {
	v.mustBe(TypeInt)
	return int64(v.num)
}

// Float returns the floating point value. It panics if v is not a float.
func (v Value) Float() float64 {
	v.mustBe(TypeFloat)
	return math.Float64frombits(v.num)
}

// Time returns the datetime value in UTC. It panics if v is not a datetime.
func (v Value) Time() time.Time {
	v.mustBe(TypeDateTime)
	return time.UnixMicro(int64(v.num)).UTC()
}

// String returns the string value for strings and a human readable
// representation for all other types.
func (v Value) String() string {
	switch v.typ {
	case TypeObject:
		return "NULL"
	case TypeBool:
		return strconv.FormatBool(v.num != 0)
	case TypeUint:
		return strconv.FormatUint(v.num, 10)
	case TypeInt:
		return strconv.FormatInt(int64(v.num), 10)
	case TypeString:
		return v.str
	case TypeFloat:
		return strconv.FormatFloat(math.Float64frombits(v.num), 'g', -1, 64)
	case TypeDateTime:
		return v.Time().Format(time.RFC3339Nano)
	}
	return fmt.Sprintf("Value(%d)", uint8(v.typ))
}

func (v Value) mustBe(t ColumnType) {
	if v.typ != t {
		panic(fmt.Sprintf("cstable: value type is %s, not %s", v.typ, t))
	}
}
