// Package protocol implements the binary wire format shared by server and
// client.
//
// Messages are described by format strings. Literal characters are
// written and matched as-is; directives describe typed fields:
//
//	%1i %2i %4i   big-endian integer of 1, 2 or 4 bytes
//	%s            4-byte length followed by that many bytes
//	%1I %2I %4I   4-byte element count followed by that many integers
//	%%            a literal percent sign
package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"reflect"
)

// Limits on declared lengths. Anything larger is rejected before any
// allocation happens.
const (
	MaxMessageLength = 4 * 1024 * 1024
	MaxStringLength  = 1024 * 1024
	MaxListLength    = 1024 * 1024
)

// directive is one parsed element of a format string.
type directive struct {
	literal byte // set when kind == 0
	kind    byte // 0, 'i', 's' or 'I'
	width   int
}

func parseFormat(format string) ([]directive, error) {
	var out []directive
	for i := 0; i < len(format); i++ {
		c := format[i]
		if c != '%' {
			out = append(out, directive{literal: c})
			continue
		}
		i++
		if i >= len(format) {
			return nil, fmt.Errorf("%w: dangling %% in %q", ErrBadFormat, format)
		}
		switch format[i] {
		case '%':
			out = append(out, directive{literal: '%'})
		case 's':
			out = append(out, directive{kind: 's'})
		case '1', '2', '4':
			width := int(format[i] - '0')
			i++
			if i >= len(format) || (format[i] != 'i' && format[i] != 'I') {
				return nil, fmt.Errorf("%w: bad directive in %q", ErrBadFormat, format)
			}
			out = append(out, directive{kind: format[i], width: width})
		default:
			return nil, fmt.Errorf("%w: unknown directive %%%c in %q", ErrBadFormat, format[i], format)
		}
	}
	return out, nil
}

// Size returns the encoded length of format applied to args.
func Size(format string, args ...any) (int, error) {
	dirs, err := parseFormat(format)
	if err != nil {
		return 0, err
	}
	return size(dirs, args)
}

func size(dirs []directive, args []any) (int, error) {
	n, next := 0, 0
	for _, d := range dirs {
		if d.kind == 0 {
			n++
			continue
		}
		if next >= len(args) {
			return 0, fmt.Errorf("%w: too few arguments", ErrBadFormat)
		}
		arg := args[next]
		next++
		switch d.kind {
		case 'i':
			n += d.width
		case 's':
			b, ok := bytesArg(arg)
			if !ok {
				return 0, fmt.Errorf("%w: argument %d is %T, want string or []byte", ErrBadFormat, next, arg)
			}
			n += 4 + len(b)
		case 'I':
			count, ok := listLen(arg)
			if !ok {
				return 0, fmt.Errorf("%w: argument %d is %T, want an integer slice", ErrBadFormat, next, arg)
			}
			n += 4 + count*d.width
		}
	}
	if next != len(args) {
		return 0, fmt.Errorf("%w: %d arguments for %d directives", ErrBadFormat, len(args), next)
	}
	return n, nil
}

// Encode formats args into a freshly allocated buffer of exactly the
// encoded size.
func Encode(format string, args ...any) ([]byte, error) {
	dirs, err := parseFormat(format)
	if err != nil {
		return nil, err
	}
	n, err := size(dirs, args)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, 0, n)
	next := 0
	for _, d := range dirs {
		if d.kind == 0 {
			buf = append(buf, d.literal)
			continue
		}
		arg := args[next]
		next++
		switch d.kind {
		case 'i':
			v, ok := intArg(arg)
			if !ok {
				return nil, fmt.Errorf("%w: argument %d is %T, want an integer", ErrBadFormat, next, arg)
			}
			buf = appendInt(buf, v, d.width)
		case 's':
			b, _ := bytesArg(arg)
			if len(b) > MaxStringLength {
				return nil, fmt.Errorf("encoding %q: %w", format, ErrOversized)
			}
			buf = binary.BigEndian.AppendUint32(buf, uint32(len(b)))
			buf = append(buf, b...)
		case 'I':
			values, err := listValues(arg)
			if err != nil {
				return nil, err
			}
			if len(values) > MaxListLength {
				return nil, fmt.Errorf("encoding %q: %w", format, ErrOversized)
			}
			buf = binary.BigEndian.AppendUint32(buf, uint32(len(values)))
			for _, v := range values {
				buf = appendInt(buf, v, d.width)
			}
		}
	}
	return buf, nil
}

// Writef encodes a message and hands it to w in a single Write, so
// concurrent messages on one stream never interleave.
func Writef(w io.Writer, format string, args ...any) error {
	buf, err := Encode(format, args...)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// Readf decodes one message matching format from r into the pointers in
// args. Supported destinations are *uint8, *uint16, *uint32, *int8,
// *int16, *int32 and *bool for integers, *string and *[]byte for %s, and
// *[]uint8, *[]uint16 or *[]uint32 for lists. Signed destinations are
// sign-extended from the field width.
//
// Destinations are only written once the whole format has been read, so
// a failed decode leaves them untouched.
func Readf(r io.Reader, format string, args ...any) error {
	dirs, err := parseFormat(format)
	if err != nil {
		return err
	}

	var (
		scratch [4]byte
		assign  []func()
		next    int
	)
	for _, d := range dirs {
		if d.kind == 0 {
			if _, err := io.ReadFull(r, scratch[:1]); err != nil {
				return readError(format, err)
			}
			if scratch[0] != d.literal {
				return fmt.Errorf("decoding %q: %w", format, ErrFormatMismatch)
			}
			continue
		}
		if next >= len(args) {
			return fmt.Errorf("%w: too few arguments", ErrBadFormat)
		}
		dst := args[next]
		next++

		switch d.kind {
		case 'i':
			if _, err := io.ReadFull(r, scratch[:d.width]); err != nil {
				return readError(format, err)
			}
			v := readUint(scratch[:d.width])
			set, err := intSetter(dst, v, d.width)
			if err != nil {
				return err
			}
			assign = append(assign, set)

		case 's':
			if _, err := io.ReadFull(r, scratch[:4]); err != nil {
				return readError(format, err)
			}
			n := binary.BigEndian.Uint32(scratch[:4])
			if n > MaxStringLength {
				return fmt.Errorf("decoding %q: string of %d bytes: %w", format, n, ErrOversized)
			}
			var body bytes.Buffer
			if copied, err := io.CopyN(&body, r, int64(n)); err != nil || copied != int64(n) {
				return readError(format, io.ErrUnexpectedEOF)
			}
			switch p := dst.(type) {
			case *string:
				s := body.String()
				assign = append(assign, func() { *p = s })
			case *[]byte:
				b := body.Bytes()
				assign = append(assign, func() { *p = b })
			default:
				return fmt.Errorf("%w: %%s destination is %T", ErrBadFormat, dst)
			}

		case 'I':
			if _, err := io.ReadFull(r, scratch[:4]); err != nil {
				return readError(format, err)
			}
			count := binary.BigEndian.Uint32(scratch[:4])
			if count > MaxListLength {
				return fmt.Errorf("decoding %q: list of %d elements: %w", format, count, ErrOversized)
			}
			set, err := readList(r, dst, int(count), d.width)
			if err != nil {
				if errors.Is(err, ErrBadFormat) {
					return err
				}
				return readError(format, err)
			}
			assign = append(assign, set)
		}
	}
	if next != len(args) {
		return fmt.Errorf("%w: %d destinations for %d directives", ErrBadFormat, len(args), next)
	}

	for _, set := range assign {
		set()
	}
	return nil
}

func readError(format string, err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("decoding %q: %w", format, ErrTruncated)
	}
	return fmt.Errorf("decoding %q: %w", format, err)
}

func readUint(b []byte) uint32 {
	switch len(b) {
	case 1:
		return uint32(b[0])
	case 2:
		return uint32(binary.BigEndian.Uint16(b))
	default:
		return binary.BigEndian.Uint32(b)
	}
}

func appendInt(buf []byte, v uint32, width int) []byte {
	switch width {
	case 1:
		return append(buf, byte(v))
	case 2:
		return binary.BigEndian.AppendUint16(buf, uint16(v))
	default:
		return binary.BigEndian.AppendUint32(buf, v)
	}
}

func signExtend(v uint32, width int) int32 {
	switch width {
	case 1:
		return int32(int8(v))
	case 2:
		return int32(int16(v))
	default:
		return int32(v)
	}
}

func intSetter(dst any, v uint32, width int) (func(), error) {
	switch p := dst.(type) {
	case *uint8:
		return func() { *p = uint8(v) }, nil
	case *uint16:
		return func() { *p = uint16(v) }, nil
	case *uint32:
		return func() { *p = v }, nil
	case *int8:
		return func() { *p = int8(signExtend(v, width)) }, nil
	case *int16:
		return func() { *p = int16(signExtend(v, width)) }, nil
	case *int32:
		return func() { *p = signExtend(v, width) }, nil
	case *bool:
		return func() { *p = v != 0 }, nil
	}
	if set, ok := namedIntSetter(dst, v, width); ok {
		return set, nil
	}
	return nil, fmt.Errorf("%w: integer destination is %T", ErrBadFormat, dst)
}

func readList(r io.Reader, dst any, count, width int) (func(), error) {
	var scratch [4]byte
	// Elements are appended as they arrive so a short stream cannot make
	// us allocate the full declared count.
	read := func(each func(uint32)) error {
		for range count {
			if _, err := io.ReadFull(r, scratch[:width]); err != nil {
				return err
			}
			each(readUint(scratch[:width]))
		}
		return nil
	}

	switch p := dst.(type) {
	case *[]uint8:
		out := []uint8{}
		if err := read(func(v uint32) { out = append(out, uint8(v)) }); err != nil {
			return nil, err
		}
		return func() { *p = out }, nil
	case *[]uint16:
		out := []uint16{}
		if err := read(func(v uint32) { out = append(out, uint16(v)) }); err != nil {
			return nil, err
		}
		return func() { *p = out }, nil
	case *[]uint32:
		out := []uint32{}
		if err := read(func(v uint32) { out = append(out, v) }); err != nil {
			return nil, err
		}
		return func() { *p = out }, nil
	}
	return nil, fmt.Errorf("%w: list destination is %T", ErrBadFormat, dst)
}

func intArg(arg any) (uint32, bool) {
	switch v := arg.(type) {
	case uint8:
		return uint32(v), true
	case uint16:
		return uint32(v), true
	case uint32:
		return v, true
	case uint:
		return uint32(v), true
	case int8:
		return uint32(v), true
	case int16:
		return uint32(v), true
	case int32:
		return uint32(v), true
	case int:
		return uint32(v), true
	case bool:
		if v {
			return 1, true
		}
		return 0, true
	}
	return intArgNamed(arg)
}

func bytesArg(arg any) ([]byte, bool) {
	switch v := arg.(type) {
	case string:
		return []byte(v), true
	case []byte:
		return v, true
	}
	return nil, false
}

func listLen(arg any) (int, bool) {
	switch v := arg.(type) {
	case []uint8:
		return len(v), true
	case []uint16:
		return len(v), true
	case []uint32:
		return len(v), true
	case []int32:
		return len(v), true
	}
	return 0, false
}

func listValues(arg any) ([]uint32, error) {
	var out []uint32
	switch v := arg.(type) {
	case []uint8:
		for _, x := range v {
			out = append(out, uint32(x))
		}
	case []uint16:
		for _, x := range v {
			out = append(out, uint32(x))
		}
	case []uint32:
		out = v
	case []int32:
		for _, x := range v {
			out = append(out, uint32(x))
		}
	default:
		return nil, fmt.Errorf("%w: list argument is %T", ErrBadFormat, arg)
	}
	return out, nil
}

// intArgNamed accepts named integer types such as input.KeyID.
func intArgNamed(arg any) (uint32, bool) {
	v := reflect.ValueOf(arg)
	switch v.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return uint32(v.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return uint32(v.Uint()), true
	}
	return 0, false
}

// namedIntSetter handles pointers to named integer types.
func namedIntSetter(dst any, v uint32, width int) (func(), bool) {
	p := reflect.ValueOf(dst)
	if p.Kind() != reflect.Pointer || p.IsNil() {
		return nil, false
	}
	elem := p.Elem()
	switch elem.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return func() { elem.SetInt(int64(signExtend(v, width))) }, true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return func() { elem.SetUint(uint64(v)) }, true
	}
	return nil, false
}
