package move

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"math/big"
	"unicode/utf8"

	"github.com/pkg/errors"
)

// AddressLength is the size of a Move address in bytes.
const AddressLength = 32

// maxVectorLength bounds ULEB128 lengths to what the chain accepts.
const maxVectorLength = 1<<31 - 1

// bcsReader reads BCS primitives from a byte slice.
type bcsReader struct {
	data []byte
	pos  int
}

func (r *bcsReader) remaining() int { return len(r.data) - r.pos }

func (r *bcsReader) take(n int) ([]byte, error) {
	if n < 0 || r.remaining() < n {
		return nil, errors.Wrapf(io.ErrUnexpectedEOF, "need %d bytes at offset %d, have %d", n, r.pos, r.remaining())
	}
	out := r.data[r.pos : r.pos+n]
	r.pos += n
	return out, nil
}

func (r *bcsReader) boolean() (bool, error) {
	b, err := r.take(1)
	if err != nil {
		return false, err
	}
	switch b[0] {
	case 0:
		return false, nil
	case 1:
		return true, nil
	}
	return false, fmt.Errorf("invalid bool byte %#x at offset %d", b[0], r.pos-1)
}

func (r *bcsReader) u8() (uint8, error) {
	b, err := r.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *bcsReader) u16() (uint16, error) {
	b, err := r.take(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (r *bcsReader) u32() (uint32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (r *bcsReader) u64() (uint64, error) {
	b, err := r.take(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// bigUint reads an n byte little-endian integer and renders it in decimal.
func (r *bcsReader) bigUint(n int) (string, error) {
	b, err := r.take(n)
	if err != nil {
		return "", err
	}
	be := make([]byte, n)
	for i := range b {
		be[n-1-i] = b[i]
	}
	return new(big.Int).SetBytes(be).String(), nil
}

func (r *bcsReader) address() (string, error) {
	b, err := r.take(AddressLength)
	if err != nil {
		return "", err
	}
	return "0x" + hex.EncodeToString(b), nil
}

func (r *bcsReader) uleb128() (int, error) {
	var value uint64
	for shift := uint(0); shift < 32; shift += 7 {
		b, err := r.u8()
		if err != nil {
			return 0, err
		}
		value |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			if value > maxVectorLength {
				return 0, fmt.Errorf("length %d exceeds maximum", value)
			}
			return int(value), nil
		}
	}
	return 0, fmt.Errorf("uleb128 overflow at offset %d", r.pos)
}

func (r *bcsReader) byteVector() ([]byte, error) {
	n, err := r.uleb128()
	if err != nil {
		return nil, err
	}
	return r.take(n)
}

func (r *bcsReader) utf8String() (string, error) {
	b, err := r.byteVector()
	if err != nil {
		return "", err
	}
	if !utf8.Valid(b) {
		return "", fmt.Errorf("invalid utf-8 string at offset %d", r.pos-len(b))
	}
	return string(b), nil
}

// ULEB128 encodes n as used for BCS vector lengths.
func ULEB128(n int) []byte {
	var out []byte
	v := uint64(n)
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			out = append(out, b|0x80)
			continue
		}
		return append(out, b)
	}
}
