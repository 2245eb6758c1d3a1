package index

import (
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// Args carries the named parameters of a statement. Keys match ":name"
// placeholders in the query text; keys starting with '#' substitute
// textually instead, which generated table names need.
type Args map[string]any

var hashToken = regexp.MustCompile(`#\w+`)

// expand rewrites named placeholders into the driver's positional
// syntax and returns the parameter values in matching order.
func (db *DB) expand(query string, args Args) (string, []any, error) {
	query = hashToken.ReplaceAllStringFunc(query, func(match string) string {
		if v, ok := args[match]; ok {
			if s, ok := v.(string); ok {
				return s
			}
		}
		return match
	})

	var out strings.Builder
	var values []any
	inString := false
	for i := 0; i < len(query); i++ {
		c := query[i]
		if c == '\'' {
			inString = !inString
		}
		if inString || c != ':' || i+1 >= len(query) || !isIdentByte(query[i+1]) {
			out.WriteByte(c)
			continue
		}
		j := i + 1
		for j < len(query) && isIdentByte(query[j]) {
			j++
		}
		name := query[i+1 : j]
		v, ok := args[name]
		if !ok {
			return "", nil, fmt.Errorf("%w: missing parameter :%s", ErrUnknownQuery, name)
		}
		converted, err := convertValue(name, v)
		if err != nil {
			return "", nil, err
		}
		values = append(values, converted)
		out.WriteString(db.placeholder(len(values)))
		i = j - 1
	}
	return out.String(), values, nil
}

func isIdentByte(c byte) bool {
	return c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9'
}

// convertValue maps Go values onto SQL types: times become unix
// milliseconds, structs and maps become msgpack blobs.
func convertValue(key string, v any) (any, error) {
	switch v := v.(type) {
	case nil:
		return nil, nil
	case time.Time:
		return v.UnixMilli(), nil
	case string, []byte, bool,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return v, nil
	}

	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer {
		rv = rv.Elem()
	}
	switch rv.Kind() {
	case reflect.Struct, reflect.Map, reflect.Slice:
		data, err := msgpack.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("cannot encode parameter %s: %w", key, err)
		}
		return data, nil
	case reflect.String:
		return rv.String(), nil
	default:
		return v, nil
	}
}

// scanInto scans a row into dest, reversing the conversions of
// convertValue: unix milliseconds fill *time.Time, msgpack blobs fill
// struct, map and slice pointers.
func scanInto(scan func(...any) error, dest ...any) error {
	raw := make([]any, len(dest))
	post := make([]func() error, 0, len(dest))

	for i, d := range dest {
		switch d := d.(type) {
		case *time.Time:
			ms := new(int64)
			raw[i] = ms
			target := d
			post = append(post, func() error {
				*target = time.UnixMilli(*ms)
				return nil
			})
		case *string, *[]byte, *bool,
			*int, *int8, *int16, *int32, *int64,
			*uint, *uint8, *uint16, *uint32, *uint64,
			*float32, *float64, *any:
			raw[i] = d
		default:
			rt := reflect.TypeOf(d)
			if rt == nil || rt.Kind() != reflect.Pointer {
				raw[i] = d
				continue
			}
			switch rt.Elem().Kind() {
			case reflect.Struct, reflect.Map, reflect.Slice:
				blob := new([]byte)
				raw[i] = blob
				target := d
				post = append(post, func() error {
					if len(*blob) == 0 {
						return nil
					}
					return msgpack.Unmarshal(*blob, target)
				})
			default:
				raw[i] = d
			}
		}
	}

	if err := scan(raw...); err != nil {
		return err
	}
	for _, fn := range post {
		if err := fn(); err != nil {
			return err
		}
	}
	return nil
}
