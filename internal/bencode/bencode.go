// Package bencode implements the bencoding codec used by .torrent files and
// the tracker HTTP wire protocol: integers, byte strings, lists, and
// string-keyed dictionaries.
package bencode

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
)

// ErrMalformedInput is returned for any input that does not conform to the
// bencode grammar, including violations of canonical form (leading zeros,
// "-0", truncated strings/integers).
var ErrMalformedInput = errors.New("bencode: malformed input")

func malformed(reason string) error {
	return fmt.Errorf("%w: %s", ErrMalformedInput, reason)
}

func malformedf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedInput, fmt.Sprintf(format, args...))
}

// Token identifies a syntactic marker in the bencode grammar.
type Token byte

func (t Token) Byte() byte { return byte(t) }

const (
	tokenDict            Token = 'd'
	tokenInteger         Token = 'i'
	tokenEnding          Token = 'e'
	tokenList            Token = 'l'
	tokenStringSeparator Token = ':'
)

// Unmarshal parses a single complete bencoded value from data.
//
// Decoded values are one of: int64, string, []any, or map[string]any.
// Unmarshal returns ErrMalformedInput if data is malformed, exceeds decoder
// limits, or has trailing bytes after the first value.
func Unmarshal(data []byte) (any, error) {
	d := newDecoder(data)

	v, err := d.decode(0)
	if err != nil {
		if !errors.Is(err, ErrMalformedInput) && (errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)) {
			return nil, fmt.Errorf("%w: unexpected end of input: %w", ErrMalformedInput, err)
		}
		return nil, err
	}

	if _, err := d.r.Peek(1); err == nil {
		return nil, malformed("trailing data after first value")
	} else if err != io.EOF {
		return nil, err
	}

	return v, nil
}

// Marshal returns the canonical bencoded form of v.
//
// Supported types: string, []byte, bool, signed/unsigned integers, []any,
// and map[string]any. Dictionary keys are always emitted in bytewise
// ascending order, which is what makes the info-hash computation over a
// re-encoded "info" dictionary stable regardless of source key order.
func Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := encode(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decoder reads a single bencoded value from an in-memory byte slice. It is
// not safe for concurrent use.
type decoder struct {
	r         *bufio.Reader
	maxDepth  int
	maxStrLen int64
	maxDigits int
}

func newDecoder(data []byte) *decoder {
	return &decoder{
		r:         bufio.NewReader(bytes.NewReader(data)),
		maxDepth:  2048,
		maxStrLen: 16 << 20,
		maxDigits: 19,
	}
}

func (d *decoder) decode(depth int) (any, error) {
	if depth > d.maxDepth {
		return nil, malformed("max nesting depth exceeded")
	}

	delim, err := d.r.ReadByte()
	if err != nil {
		return nil, err
	}

	switch delim {
	case tokenDict.Byte():
		return d.decodeDict(depth + 1)
	case tokenList.Byte():
		return d.decodeList(depth + 1)
	case tokenInteger.Byte():
		return d.decodeInteger()
	default:
		if err := d.r.UnreadByte(); err != nil {
			return nil, err
		}
		return d.decodeString()
	}
}

func (d *decoder) decodeDict(depth int) (map[string]any, error) {
	dict := make(map[string]any, 8)

	for {
		next, err := d.r.Peek(1)
		if err != nil {
			return nil, err
		}
		if next[0] == tokenEnding.Byte() {
			if _, err := d.r.ReadByte(); err != nil {
				return nil, err
			}
			break
		}

		k, err := d.decodeString()
		if err != nil {
			return nil, err
		}
		v, err := d.decode(depth + 1)
		if err != nil {
			return nil, err
		}
		dict[k] = v
	}

	return dict, nil
}

func (d *decoder) decodeList(depth int) ([]any, error) {
	var list []any

	for {
		next, err := d.r.Peek(1)
		if err != nil {
			return nil, err
		}
		if next[0] == tokenEnding.Byte() {
			if _, err := d.r.ReadByte(); err != nil {
				return nil, err
			}
			break
		}

		v, err := d.decode(depth + 1)
		if err != nil {
			return nil, err
		}
		list = append(list, v)
	}

	return list, nil
}

func (d *decoder) decodeInteger() (int64, error) {
	return d.readInteger(tokenEnding)
}

func (d *decoder) decodeString() (string, error) {
	n, err := d.readInteger(tokenStringSeparator)
	if err != nil {
		return "", err
	}

	if n < 0 {
		return "", malformed("string length cannot be negative")
	}
	if n > d.maxStrLen {
		return "", malformedf("string too large: %d > %d", n, d.maxStrLen)
	}
	if n == 0 {
		return "", nil
	}

	buf := make([]byte, n)
	if _, err := io.ReadFull(d.r, buf); err != nil {
		return "", fmt.Errorf("%w: read string: %v", ErrMalformedInput, err)
	}
	return string(buf), nil
}

// readInteger reads a base-10, optionally-signed integer terminated by
// delim, rejecting anything that isn't the grammar's canonical form: no
// leading zeros (except the literal "0"), no "-0".
func (d *decoder) readInteger(delim Token) (int64, error) {
	buf, err := d.r.ReadSlice(delim.Byte())
	if err != nil {
		if errors.Is(err, bufio.ErrBufferFull) {
			return 0, malformed("integer too long")
		}
		return 0, err
	}

	n := len(buf) - 1 // drop delimiter
	if n <= 0 {
		return 0, malformed("empty integer")
	}
	s := buf[:n]

	if s[0] == '-' {
		if n == 1 {
			return 0, malformed("lone '-'")
		}
		if s[1] == '0' {
			return 0, malformed("negative zero or negative leading zero")
		}
	} else if s[0] == '0' && n > 1 {
		return 0, malformed("leading zero")
	}

	if len(s) > d.maxDigits+1 {
		return 0, malformed("too many digits")
	}

	v, err := strconv.ParseInt(string(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrMalformedInput, err)
	}
	return v, nil
}

func encode(w io.Writer, v any) error {
	switch x := v.(type) {
	case string:
		return encodeString(w, x)
	case []byte:
		return encodeString(w, string(x))
	case bool:
		if x {
			return encodeInt(w, 1)
		}
		return encodeInt(w, 0)
	case int:
		return encodeInt(w, int64(x))
	case int8:
		return encodeInt(w, int64(x))
	case int16:
		return encodeInt(w, int64(x))
	case int32:
		return encodeInt(w, int64(x))
	case int64:
		return encodeInt(w, x)
	case uint:
		return encodeUint(w, uint64(x))
	case uint8:
		return encodeUint(w, uint64(x))
	case uint16:
		return encodeUint(w, uint64(x))
	case uint32:
		return encodeUint(w, uint64(x))
	case uint64:
		return encodeUint(w, x)
	case []any:
		return encodeList(w, x)
	case map[string]any:
		return encodeDict(w, x)
	default:
		return fmt.Errorf("bencode: unsupported type %T", v)
	}
}

func encodeInt(w io.Writer, n int64) error {
	if _, err := w.Write([]byte{tokenInteger.Byte()}); err != nil {
		return err
	}
	var buf [32]byte
	if _, err := w.Write(strconv.AppendInt(buf[:0], n, 10)); err != nil {
		return err
	}
	_, err := w.Write([]byte{tokenEnding.Byte()})
	return err
}

func encodeUint(w io.Writer, n uint64) error {
	if _, err := w.Write([]byte{tokenInteger.Byte()}); err != nil {
		return err
	}
	var buf [32]byte
	if _, err := w.Write(strconv.AppendUint(buf[:0], n, 10)); err != nil {
		return err
	}
	_, err := w.Write([]byte{tokenEnding.Byte()})
	return err
}

func encodeString(w io.Writer, s string) error {
	var buf [32]byte
	if _, err := w.Write(strconv.AppendInt(buf[:0], int64(len(s)), 10)); err != nil {
		return err
	}
	if _, err := w.Write([]byte{tokenStringSeparator.Byte()}); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func encodeList(w io.Writer, xs []any) error {
	if _, err := w.Write([]byte{tokenList.Byte()}); err != nil {
		return err
	}
	for _, v := range xs {
		if err := encode(w, v); err != nil {
			return err
		}
	}
	_, err := w.Write([]byte{tokenEnding.Byte()})
	return err
}

// encodeDict emits dictionary keys in bytewise ascending order, as BEP 3
// requires for canonical form.
func encodeDict(w io.Writer, m map[string]any) error {
	if _, err := w.Write([]byte{tokenDict.Byte()}); err != nil {
		return err
	}

	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if err := encodeString(w, k); err != nil {
			return err
		}
		if err := encode(w, m[k]); err != nil {
			return err
		}
	}

	_, err := w.Write([]byte{tokenEnding.Byte()})
	return err
}
