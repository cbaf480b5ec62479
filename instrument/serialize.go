package instrument

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// Serializer renders one value for the call history.
type Serializer func(v any) string

// FormatValue is the default Serializer. Strings are quoted, byte slices are
// quoted with a b prefix, numbers use their shortest decimal form, and
// Stringers and errors render their text. Anything else uses %v.
func FormatValue(v any) string {
	if v == nil {
		return "nil"
	}
	switch x := v.(type) {
	case []byte:
		return "b" + strconv.Quote(string(x))
	case fmt.Stringer:
		return x.String()
	case error:
		return strconv.Quote(x.Error())
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.String:
		return strconv.Quote(rv.String())
	case reflect.Bool:
		return strconv.FormatBool(rv.Bool())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(rv.Int(), 10)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return strconv.FormatUint(rv.Uint(), 10)
	case reflect.Float32:
		return strconv.FormatFloat(rv.Float(), 'g', -1, 32)
	case reflect.Float64:
		return strconv.FormatFloat(rv.Float(), 'g', -1, 64)
	case reflect.Slice:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return "b" + strconv.Quote(string(rv.Bytes()))
		}
	}
	return fmt.Sprintf("%v", v)
}

// FormatArgs renders arg as a parenthesized argument tuple. An Args value
// renders each element; anything else is a one element tuple.
func FormatArgs(arg any, s Serializer) string {
	args, ok := arg.(Args)
	if !ok {
		args = Args{arg}
	}
	parts := make([]string, len(args))
	for i, a := range args {
		parts[i] = s(a)
	}
	return "(" + strings.Join(parts, ", ") + ")"
}
