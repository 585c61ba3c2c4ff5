package log

import "time"

type Field struct {
	Key   string
	Type  FieldType
	Value any
}

// A FieldType selects how Value is handed to the encoder.
type FieldType uint8

const (
	UnknownType FieldType = iota
	BoolType
	DurationType
	Float64Type
	IntType
	Int64Type
	StringType
	StringsType
	TimeType
	Uint64Type
	Uint32Type
	ErrorType
)

func Any(key string, val any) Field { return Field{Key: key, Type: UnknownType, Value: val} }

func Bool(key string, val bool) Field { return Field{Key: key, Type: BoolType, Value: val} }

func Duration(key string, val time.Duration) Field {
	return Field{Key: key, Type: DurationType, Value: val}
}

func Float64(key string, val float64) Field { return Field{Key: key, Type: Float64Type, Value: val} }

func Int(key string, val int) Field { return Field{Key: key, Type: IntType, Value: val} }

func Int64(key string, val int64) Field { return Field{Key: key, Type: Int64Type, Value: val} }

func String(key string, val string) Field { return Field{Key: key, Type: StringType, Value: val} }

func Strings(key string, val []string) Field { return Field{Key: key, Type: StringsType, Value: val} }

func Time(key string, val time.Time) Field { return Field{Key: key, Type: TimeType, Value: val} }

func Uint64(key string, val uint64) Field { return Field{Key: key, Type: Uint64Type, Value: val} }

func Uint32(key string, val uint32) Field { return Field{Key: key, Type: Uint32Type, Value: val} }

func Error(val error) Field { return Field{Key: "error", Type: ErrorType, Value: val} }

func ErrorWithKey(key string, val error) Field { return Field{Key: key, Type: ErrorType, Value: val} }

// Component tags every line emitted by a subsystem.
func Component(name string) Field { return String("component", name) }
