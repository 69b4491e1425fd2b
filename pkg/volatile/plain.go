package volatile

import (
	"reflect"
	"sync"
)

var plainTypes sync.Map // reflect.Type -> error

// CheckPlain reports whether values of t can be synthesized from arbitrary bytes.
//
// Plain types are fixed size integers, floats and complex numbers, and arrays and
// structs built only from them, without padding. Pointers, strings, slices, maps,
// channels, functions, interfaces and bools are rejected.
func CheckPlain(t reflect.Type) error {
	if cached, ok := plainTypes.Load(t); ok {
		if cached == nil {
			return nil
		}

		return cached.(error)
	}

	var err error
	if reason := notPlainReason(t); reason != "" {
		err = NotPlainError{Type: t.String(), Reason: reason}
	}

	plainTypes.Store(t, err)

	return err
}

// CheckPlainOf is CheckPlain for a type parameter.
func CheckPlainOf[T any]() error {
	return CheckPlain(reflect.TypeFor[T]())
}

func notPlainReason(t reflect.Type) string {
	switch t.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64, reflect.Complex64, reflect.Complex128:
		return ""
	case reflect.Array:
		if reason := notPlainReason(t.Elem()); reason != "" {
			return "array element: " + reason
		}

		return ""
	case reflect.Struct:
		var size uintptr
		for i := range t.NumField() {
			f := t.Field(i)
			if reason := notPlainReason(f.Type); reason != "" {
				return "field " + f.Name + ": " + reason
			}

			size += f.Type.Size()
		}

		if size != t.Size() {
			return "struct has padding"
		}

		return ""
	case reflect.Bool:
		return "bool has invalid bit patterns"
	default:
		return t.Kind().String() + " holds references"
	}
}
