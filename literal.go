package sorm

import (
	"database/sql/driver"
	"encoding/hex"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"
)

const timeLiteralFormat = "2006-01-02 15:04:05.999999999"

// literal renders v as SQL literal text for the given dialect.
// Strings are quoted, numbers and booleans pass through, nil becomes null,
// and slices render as a comma separated list of their elements.
func literal(d Dialect, v any) (string, error) {
	var b strings.Builder
	if err := writeLiteral(&b, d, v); err != nil {
		return "", err
	}
	return b.String(), nil
}

func writeLiteral(b *strings.Builder, d Dialect, v any) error {
	if valuer, ok := v.(driver.Valuer); ok {
		rv := reflect.ValueOf(v)
		if rv.Kind() == reflect.Pointer && rv.IsNil() {
			b.WriteString("null")
			return nil
		}
		dv, err := valuer.Value()
		if err != nil {
			return err
		}
		v = dv
	}

	switch v := v.(type) {
	case nil:
		b.WriteString("null")
	case string:
		writeString(b, d, v)
	case []byte:
		if v == nil {
			b.WriteString("null")
			return nil
		}
		writeBytes(b, d, v)
	case bool:
		b.WriteString(strconv.FormatBool(v))
	case int:
		b.WriteString(strconv.FormatInt(int64(v), 10))
	case int8:
		b.WriteString(strconv.FormatInt(int64(v), 10))
	case int16:
		b.WriteString(strconv.FormatInt(int64(v), 10))
	case int32:
		b.WriteString(strconv.FormatInt(int64(v), 10))
	case int64:
		b.WriteString(strconv.FormatInt(v, 10))
	case uint:
		b.WriteString(strconv.FormatUint(uint64(v), 10))
	case uint8:
		b.WriteString(strconv.FormatUint(uint64(v), 10))
	case uint16:
		b.WriteString(strconv.FormatUint(uint64(v), 10))
	case uint32:
		b.WriteString(strconv.FormatUint(uint64(v), 10))
	case uint64:
		b.WriteString(strconv.FormatUint(v, 10))
	case float32:
		b.WriteString(strconv.FormatFloat(float64(v), 'g', -1, 32))
	case float64:
		b.WriteString(strconv.FormatFloat(v, 'g', -1, 64))
	case time.Time:
		writeString(b, d, v.Format(timeLiteralFormat))
	case fmt.Stringer:
		writeString(b, d, v.String())
	default:
		return writeReflected(b, d, v)
	}
	return nil
}

// writeReflected handles pointers, named basic types and collections.
func writeReflected(b *strings.Builder, d Dialect, v any) error {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			b.WriteString("null")
			return nil
		}
		return writeLiteral(b, d, rv.Elem().Interface())
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			b.WriteString("null")
			return nil
		}
		for i := 0; i < rv.Len(); i++ {
			if i > 0 {
				b.WriteString(", ")
			}
			if err := writeLiteral(b, d, rv.Index(i).Interface()); err != nil {
				return err
			}
		}
		return nil
	case reflect.String:
		writeString(b, d, rv.String())
	case reflect.Bool:
		b.WriteString(strconv.FormatBool(rv.Bool()))
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		b.WriteString(strconv.FormatInt(rv.Int(), 10))
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		b.WriteString(strconv.FormatUint(rv.Uint(), 10))
	case reflect.Float32, reflect.Float64:
		b.WriteString(strconv.FormatFloat(rv.Float(), 'g', -1, rv.Type().Bits()))
	default:
		return fmt.Errorf("%w: %T", ErrUnsupportedLiteral, v)
	}
	return nil
}

// writeString quotes s. MySQL treats backslash as an escape character inside
// string literals, every other dialect only needs the quote doubled.
func writeString(b *strings.Builder, d Dialect, s string) {
	b.WriteByte('\'')
	if d == MySQL {
		for i := 0; i < len(s); i++ {
			switch c := s[i]; c {
			case 0:
				b.WriteString(`\0`)
			case '\'':
				b.WriteString(`\'`)
			case '"':
				b.WriteString(`\"`)
			case '\n':
				b.WriteString(`\n`)
			case '\r':
				b.WriteString(`\r`)
			case '\t':
				b.WriteString(`\t`)
			case 0x1A:
				b.WriteString(`\Z`)
			case '\\':
				b.WriteString(`\\`)
			default:
				b.WriteByte(c)
			}
		}
	} else {
		b.WriteString(strings.ReplaceAll(s, "'", "''"))
	}
	b.WriteByte('\'')
}

func writeBytes(b *strings.Builder, d Dialect, p []byte) {
	switch d {
	case Postgres:
		b.WriteString(`'\x`)
		b.WriteString(hex.EncodeToString(p))
		b.WriteByte('\'')
	case SQLServer:
		b.WriteString("0x")
		b.WriteString(hex.EncodeToString(p))
	default:
		b.WriteString("X'")
		b.WriteString(hex.EncodeToString(p))
		b.WriteByte('\'')
	}
}
