// Package canonical produces deterministic byte encodings of structured
// payloads for use as hash and signature inputs.
//
// Two forms are provided and they are NOT interchangeable:
//
//   - Encode: compact form (separators "," and ":"), used for receipt signatures.
//   - ChainForm: spaced form (separators ", " and ": "), used for audit hash-chain links.
//
// Both sort mapping keys at every depth and escape strings to pure ASCII.
// Every chain hash ever written depends on ChainForm staying exactly as it is,
// and every signature depends on Encode; neither may be "fixed" to match the other.
package canonical

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/big"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"unicode/utf16"
	"unicode/utf8"
)

// ErrUnsupported is returned for values that have no canonical representation
// (NaN, infinities, channels, funcs, non-string map keys).
var ErrUnsupported = errors.New("canonical: unsupported value")

type separators struct {
	item string
	key  string
}

var (
	compact = separators{item: ",", key: ":"}
	spaced  = separators{item: ", ", key: ": "}
)

// Encode returns the compact canonical encoding of v.
func Encode(v any) ([]byte, error) {
	return encode(v, compact)
}

// ChainForm returns the spaced canonical encoding of v used as hash-chain input.
func ChainForm(v any) (string, error) {
	b, err := encode(v, spaced)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Normalize converts v into a tree of map[string]any, []any, string, bool,
// json.Number and nil by round-tripping it through encoding/json. Typed
// structs and decoded maps of the same logical value normalize identically.
func Normalize(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical: marshal: %w", err)
	}
	return Decode(raw)
}

// NormalizeMap is Normalize for values that must be JSON objects.
func NormalizeMap(v any) (map[string]any, error) {
	n, err := Normalize(v)
	if err != nil {
		return nil, err
	}
	m, ok := n.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: payload must be an object, got %T", ErrUnsupported, n)
	}
	return m, nil
}

// Decode parses JSON keeping numbers as json.Number so that integer and
// float spellings survive unchanged.
func Decode(raw []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("canonical: decode: %w", err)
	}
	return out, nil
}

func encode(v any, sep separators) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeValue(&buf, v, sep); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeValue(buf *bytes.Buffer, v any, sep separators) error {
	switch x := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if x {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case string:
		writeString(buf, x)
	case json.Number:
		return writeNumber(buf, x)
	case float64:
		return writeFloat(buf, x)
	case float32:
		return writeFloat(buf, float64(x))
	case int:
		buf.WriteString(strconv.FormatInt(int64(x), 10))
	case int64:
		buf.WriteString(strconv.FormatInt(x, 10))
	case int32:
		buf.WriteString(strconv.FormatInt(int64(x), 10))
	case uint64:
		buf.WriteString(strconv.FormatUint(x, 10))
	case uint32:
		buf.WriteString(strconv.FormatUint(uint64(x), 10))
	case uint:
		buf.WriteString(strconv.FormatUint(uint64(x), 10))
	case map[string]any:
		return writeObject(buf, x, sep)
	case []any:
		buf.WriteByte('[')
		for i, item := range x {
			if i > 0 {
				buf.WriteString(sep.item)
			}
			if err := writeValue(buf, item, sep); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case []string:
		buf.WriteByte('[')
		for i, item := range x {
			if i > 0 {
				buf.WriteString(sep.item)
			}
			writeString(buf, item)
		}
		buf.WriteByte(']')
	case map[string]string:
		m := make(map[string]any, len(x))
		for k, s := range x {
			m[k] = s
		}
		return writeObject(buf, m, sep)
	default:
		return writeReflect(buf, v, sep)
	}
	return nil
}

// writeReflect handles structs and other typed values by normalizing them first.
func writeReflect(buf *bytes.Buffer, v any, sep separators) error {
	switch reflect.ValueOf(v).Kind() {
	case reflect.Chan, reflect.Func, reflect.Complex64, reflect.Complex128, reflect.UnsafePointer:
		return fmt.Errorf("%w: %T", ErrUnsupported, v)
	}
	n, err := Normalize(v)
	if err != nil {
		return fmt.Errorf("%w: %T: %v", ErrUnsupported, v, err)
	}
	return writeValue(buf, n, sep)
}

func writeObject(buf *bytes.Buffer, m map[string]any, sep separators) error {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	// Byte order of UTF-8 strings is code-point order.
	sort.Strings(keys)

	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteString(sep.item)
		}
		writeString(buf, k)
		buf.WriteString(sep.key)
		if err := writeValue(buf, m[k], sep); err != nil {
			return fmt.Errorf("key %q: %w", k, err)
		}
	}
	buf.WriteByte('}')
	return nil
}

const hexDigits = "0123456789abcdef"

func writeString(buf *bytes.Buffer, s string) {
	buf.WriteByte('"')
	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		i += size
		switch r {
		case '"':
			buf.WriteString(`\"`)
		case '\\':
			buf.WriteString(`\\`)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case '\t':
			buf.WriteString(`\t`)
		case '\b':
			buf.WriteString(`\b`)
		case '\f':
			buf.WriteString(`\f`)
		default:
			if r >= 0x20 && r <= 0x7e {
				buf.WriteRune(r)
				continue
			}
			if r > 0xffff {
				hi, lo := utf16.EncodeRune(r)
				writeUnicodeEscape(buf, hi)
				writeUnicodeEscape(buf, lo)
				continue
			}
			writeUnicodeEscape(buf, r)
		}
	}
	buf.WriteByte('"')
}

func writeUnicodeEscape(buf *bytes.Buffer, r rune) {
	buf.WriteString(`\u`)
	buf.WriteByte(hexDigits[(r>>12)&0xf])
	buf.WriteByte(hexDigits[(r>>8)&0xf])
	buf.WriteByte(hexDigits[(r>>4)&0xf])
	buf.WriteByte(hexDigits[r&0xf])
}

func writeNumber(buf *bytes.Buffer, n json.Number) error {
	s := n.String()
	if !strings.ContainsAny(s, ".eE") {
		i, ok := new(big.Int).SetString(s, 10)
		if !ok {
			return fmt.Errorf("%w: number %q", ErrUnsupported, s)
		}
		buf.WriteString(i.String())
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("%w: number %q", ErrUnsupported, s)
	}
	return writeFloat(buf, f)
}

// writeFloat emits the shortest round-trip representation, positional for
// decimal exponents in [-4, 16) and scientific otherwise. Integral values in
// positional form keep a trailing ".0".
func writeFloat(buf *bytes.Buffer, f float64) error {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("%w: %v", ErrUnsupported, f)
	}
	if f == 0 {
		if math.Signbit(f) {
			buf.WriteString("-0.0")
		} else {
			buf.WriteString("0.0")
		}
		return nil
	}

	// strconv gives "-d.dddde±XX" with the shortest digit string.
	e := strconv.FormatFloat(f, 'e', -1, 64)
	neg := e[0] == '-'
	if neg {
		e = e[1:]
	}
	mant, expPart, _ := strings.Cut(e, "e")
	digits := strings.Replace(mant, ".", "", 1)
	exp, err := strconv.Atoi(expPart)
	if err != nil {
		return fmt.Errorf("%w: float %v", ErrUnsupported, f)
	}

	if neg {
		buf.WriteByte('-')
	}
	if exp < -4 || exp >= 16 {
		buf.WriteByte(digits[0])
		if len(digits) > 1 {
			buf.WriteByte('.')
			buf.WriteString(digits[1:])
		}
		buf.WriteByte('e')
		if exp < 0 {
			buf.WriteByte('-')
			exp = -exp
		} else {
			buf.WriteByte('+')
		}
		if exp < 10 {
			buf.WriteByte('0')
		}
		buf.WriteString(strconv.Itoa(exp))
		return nil
	}

	point := exp + 1 // digits before the decimal point
	switch {
	case point <= 0:
		buf.WriteString("0.")
		buf.WriteString(strings.Repeat("0", -point))
		buf.WriteString(digits)
	case point >= len(digits):
		buf.WriteString(digits)
		buf.WriteString(strings.Repeat("0", point-len(digits)))
		buf.WriteString(".0")
	default:
		buf.WriteString(digits[:point])
		buf.WriteByte('.')
		buf.WriteString(digits[point:])
	}
	return nil
}
