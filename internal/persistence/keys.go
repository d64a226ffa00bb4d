package persistence

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrMalformedKey is returned when a key cannot be decoded.
var ErrMalformedKey = errors.New("malformed key")

const (
	escapeByte     = 0x00
	escapedZero    = 0xff
	terminatorByte = 0x01
)

// KeyBuilder encodes composite keys whose byte order matches the order of
// their components. Strings compare by bytes, integers numerically.
type KeyBuilder struct {
	buf []byte
}

// Key starts an empty composite key.
func Key() *KeyBuilder { return &KeyBuilder{} }

// String appends a string component.
func (b *KeyBuilder) String(s string) *KeyBuilder {
	for i := 0; i < len(s); i++ {
		if s[i] == escapeByte {
			b.buf = append(b.buf, escapeByte, escapedZero)
		} else {
			b.buf = append(b.buf, s[i])
		}
	}
	b.buf = append(b.buf, escapeByte, terminatorByte)
	return b
}

// Int appends a signed integer component.
func (b *KeyBuilder) Int(i int64) *KeyBuilder {
	b.buf = binary.BigEndian.AppendUint64(b.buf, uint64(i)^(1<<63))
	return b
}

// Bytes returns the encoded key.
func (b *KeyBuilder) Bytes() []byte { return b.buf }

// KeyReader decodes keys written by KeyBuilder.
type KeyReader struct {
	buf []byte
}

// ReadKey starts decoding key.
func ReadKey(key []byte) *KeyReader { return &KeyReader{buf: key} }

// String reads a string component.
func (r *KeyReader) String() (string, error) {
	out := make([]byte, 0, len(r.buf))
	for i := 0; i < len(r.buf); i++ {
		c := r.buf[i]
		if c != escapeByte {
			out = append(out, c)
			continue
		}
		if i+1 >= len(r.buf) {
			return "", fmt.Errorf("%w: truncated escape", ErrMalformedKey)
		}
		switch r.buf[i+1] {
		case escapedZero:
			out = append(out, escapeByte)
			i++
		case terminatorByte:
			r.buf = r.buf[i+2:]
			return string(out), nil
		default:
			return "", fmt.Errorf("%w: bad escape 0x%02x", ErrMalformedKey, r.buf[i+1])
		}
	}
	return "", fmt.Errorf("%w: unterminated string", ErrMalformedKey)
}

// Int reads an integer component.
func (r *KeyReader) Int() (int64, error) {
	if len(r.buf) < 8 {
		return 0, fmt.Errorf("%w: short integer", ErrMalformedKey)
	}
	v := binary.BigEndian.Uint64(r.buf[:8]) ^ (1 << 63)
	r.buf = r.buf[8:]
	return int64(v), nil
}

// Done reports whether the whole key has been consumed.
func (r *KeyReader) Done() bool { return len(r.buf) == 0 }
