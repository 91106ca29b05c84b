// Package canon produces the canonical byte form of audit event content.
//
// The encoding is JSON with object keys sorted by byte order, no
// insignificant whitespace, and numbers normalized by value. Two logically
// equal documents encode to the same bytes no matter how their keys were
// ordered or how their numbers were spelled (1, 1.0 and 1e0 are the same
// number), and any semantic change produces different bytes.
//
// The output is only ever used as digest input. It is not meant to be
// parsed back.
package canon

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"unicode/utf8"
)

// maxDepth bounds nesting so a pathological payload cannot exhaust the stack.
const maxDepth = 256

// EncodingError reports a value that has no canonical form: non-finite
// numbers, cycles, invalid UTF-8, non-string map keys and unsupported kinds.
type EncodingError struct {
	Path   string // JSONPath-like location of the offending value, e.g. $.data.items[2].
	Reason string
}

func (e *EncodingError) Error() string {
	if e.Path == "" {
		return "canonical encoding: " + e.Reason
	}
	return fmt.Sprintf("canonical encoding at %s: %s", e.Path, e.Reason)
}

var (
	jsonNumberType    = reflect.TypeOf(json.Number(""))
	jsonMarshalerType = reflect.TypeOf((*json.Marshaler)(nil)).Elem()
)

// Encode returns the canonical encoding of v.
//
// Supported inputs are the values encoding/json produces when decoding into
// any (maps, slices, strings, float64, json.Number, bool, nil), all Go
// integer and float kinds, typed maps with string keys, typed slices and
// arrays, and anything implementing json.Marshaler or marshalable as a
// struct. Struct values go through encoding/json first, so struct tags apply.
func Encode(v any) ([]byte, error) {
	e := &encoder{seen: make(map[uintptr]struct{})}
	if err := e.encode(reflect.ValueOf(v), "$", 0); err != nil {
		return nil, err
	}
	return e.buf.Bytes(), nil
}

type encoder struct {
	buf  bytes.Buffer
	seen map[uintptr]struct{} // containers on the current descent path
}

func (e *encoder) encode(rv reflect.Value, path string, depth int) error {
	if depth > maxDepth {
		return &EncodingError{Path: path, Reason: "nesting too deep"}
	}
	if !rv.IsValid() {
		e.buf.WriteString("null")
		return nil
	}

	if rv.Type() == jsonNumberType {
		return e.number(rv.String(), path)
	}

	switch rv.Kind() {
	case reflect.Interface:
		if rv.IsNil() {
			e.buf.WriteString("null")
			return nil
		}
		return e.encode(rv.Elem(), path, depth+1)

	case reflect.Pointer:
		if rv.IsNil() {
			e.buf.WriteString("null")
			return nil
		}
		if rv.Type().Implements(jsonMarshalerType) {
			return e.viaJSON(rv, path, depth)
		}
		return e.enter(rv.Pointer(), path, func() error {
			return e.encode(rv.Elem(), path, depth+1)
		})

	case reflect.Bool:
		e.buf.WriteString(strconv.FormatBool(rv.Bool()))
		return nil

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		e.buf.WriteString(strconv.FormatInt(rv.Int(), 10))
		return nil

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		e.buf.WriteString(strconv.FormatUint(rv.Uint(), 10))
		return nil

	case reflect.Float32, reflect.Float64:
		return e.float(rv.Float(), path)

	case reflect.String:
		return e.str(rv.String(), path)

	case reflect.Map:
		if rv.Type().Implements(jsonMarshalerType) {
			return e.viaJSON(rv, path, depth)
		}
		if rv.Type().Key().Kind() != reflect.String {
			return &EncodingError{Path: path, Reason: "map key must be a string, got " + rv.Type().Key().String()}
		}
		if rv.IsNil() {
			e.buf.WriteString("null")
			return nil
		}
		return e.enter(rv.Pointer(), path, func() error {
			return e.object(rv, path, depth)
		})

	case reflect.Slice:
		if rv.Type().Implements(jsonMarshalerType) {
			return e.viaJSON(rv, path, depth)
		}
		if rv.IsNil() {
			e.buf.WriteString("null")
			return nil
		}
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			// encoding/json represents byte slices as base64 strings.
			return e.viaJSON(rv, path, depth)
		}
		if rv.Len() == 0 {
			e.buf.WriteString("[]")
			return nil
		}
		return e.enter(rv.Pointer(), path, func() error {
			return e.array(rv, path, depth)
		})

	case reflect.Array:
		return e.array(rv, path, depth)

	case reflect.Struct:
		return e.viaJSON(rv, path, depth)

	default:
		return &EncodingError{Path: path, Reason: "unsupported type " + rv.Type().String()}
	}
}

// enter marks a container as being on the current descent path while fn runs.
// Seeing the same container again before leaving it means the value is cyclic.
// Siblings sharing a container are fine because the mark is removed on exit.
func (e *encoder) enter(ptr uintptr, path string, fn func() error) error {
	if _, ok := e.seen[ptr]; ok {
		return &EncodingError{Path: path, Reason: "cyclic structure"}
	}
	e.seen[ptr] = struct{}{}
	err := fn()
	delete(e.seen, ptr)
	return err
}

func (e *encoder) object(rv reflect.Value, path string, depth int) error {
	keys := make([]string, 0, rv.Len())
	values := make(map[string]reflect.Value, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		k := iter.Key().String()
		keys = append(keys, k)
		values[k] = iter.Value()
	}
	sort.Strings(keys)

	e.buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			e.buf.WriteByte(',')
		}
		if err := e.str(k, path); err != nil {
			return err
		}
		e.buf.WriteByte(':')
		if err := e.encode(values[k], path+"."+k, depth+1); err != nil {
			return err
		}
	}
	e.buf.WriteByte('}')
	return nil
}

func (e *encoder) array(rv reflect.Value, path string, depth int) error {
	e.buf.WriteByte('[')
	for i := 0; i < rv.Len(); i++ {
		if i > 0 {
			e.buf.WriteByte(',')
		}
		if err := e.encode(rv.Index(i), fmt.Sprintf("%s[%d]", path, i), depth+1); err != nil {
			return err
		}
	}
	e.buf.WriteByte(']')
	return nil
}

// viaJSON lets encoding/json resolve struct tags and custom marshalers, then
// canonicalizes the generic result.
func (e *encoder) viaJSON(rv reflect.Value, path string, depth int) error {
	if !rv.CanInterface() {
		return &EncodingError{Path: path, Reason: "unexported value of type " + rv.Type().String()}
	}
	raw, err := json.Marshal(rv.Interface())
	if err != nil {
		return &EncodingError{Path: path, Reason: err.Error()}
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return &EncodingError{Path: path, Reason: err.Error()}
	}
	return e.encode(reflect.ValueOf(generic), path, depth+1)
}

// number normalizes a JSON number literal by value.
func (e *encoder) number(s, path string) error {
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		e.buf.WriteString(strconv.FormatInt(i, 10))
		return nil
	}
	if u, err := strconv.ParseUint(s, 10, 64); err == nil {
		e.buf.WriteString(strconv.FormatUint(u, 10))
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return &EncodingError{Path: path, Reason: fmt.Sprintf("invalid number %q", s)}
	}
	return e.float(f, path)
}

// float writes integral values that fit in int64 as plain integers, and
// everything else in the shortest round-trip form.
func (e *encoder) float(f float64, path string) error {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return &EncodingError{Path: path, Reason: "non-finite number"}
	}
	if f == math.Trunc(f) && f >= -(1<<63) && f < (1<<63) {
		e.buf.WriteString(strconv.FormatInt(int64(f), 10))
		return nil
	}
	e.buf.WriteString(strconv.FormatFloat(f, 'g', -1, 64))
	return nil
}

const hexDigits = "0123456789abcdef"

// str writes a JSON string, escaping only what JSON requires.
func (e *encoder) str(s, path string) error {
	if !utf8.ValidString(s) {
		return &EncodingError{Path: path, Reason: "invalid UTF-8 in string"}
	}
	e.buf.WriteByte('"')
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch c {
		case '"':
			e.buf.WriteString(`\"`)
		case '\\':
			e.buf.WriteString(`\\`)
		case '\n':
			e.buf.WriteString(`\n`)
		case '\r':
			e.buf.WriteString(`\r`)
		case '\t':
			e.buf.WriteString(`\t`)
		case '\b':
			e.buf.WriteString(`\b`)
		case '\f':
			e.buf.WriteString(`\f`)
		default:
			if c < 0x20 {
				e.buf.WriteString(`\u00`)
				e.buf.WriteByte(hexDigits[c>>4])
				e.buf.WriteByte(hexDigits[c&0xf])
				continue
			}
			e.buf.WriteByte(c)
		}
	}
	e.buf.WriteByte('"')
	return nil
}
