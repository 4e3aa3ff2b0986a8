// Package packet implements the byte-buffer primitive every ufavonet
// datagram is built on top of: a linear buffer with a byte cursor and a
// sub-byte ("bit") cursor overlay, plus typed helpers for fixed-width
// network-order integers, a 29-bit variable-length integer, and raw
// blobs.
//
// A Packet is either owning and growable (it reallocates in 256-byte
// steps when a write would overflow) or borrowed and fixed (it wraps a
// caller-supplied slice and never reallocates; an overflowing write
// fails with ErrOutOfBounds).
package packet

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// allocStep is the granularity growable packets realloc in.
const allocStep = 256

// MaxVlen29 is the largest value WriteVlen29 accepts (2^29 - 1).
const MaxVlen29 = 1<<29 - 1

var (
	// ErrNil is returned by every method called on a nil *Packet.
	ErrNil = errors.New("packet: nil packet")
	// ErrOutOfBounds is returned when a write would overflow a fixed
	// buffer, or a read would run past the packet's logical length.
	ErrOutOfBounds = errors.New("packet: out of bounds")
)

// Packet is a byte buffer with a read/write index and an overlaid bit
// cursor for sub-byte fields.
type Packet struct {
	data     []byte
	index    uint32
	length   uint32
	growable bool

	bitByte  int // index into data of the byte currently accepting bits, -1 if none
	bitIndex int // bits already consumed in that byte, 0-8

	writeOps uint32
}

// New returns an empty, owning, growable packet.
func New() *Packet {
	return &Packet{growable: true, bitByte: -1}
}

// NewFromBuffer wraps buf without copying. The resulting packet cannot
// grow: a write that would overflow buf fails with ErrOutOfBounds.
func NewFromBuffer(buf []byte) *Packet {
	return &Packet{data: buf, bitByte: -1}
}

// NewFromCopy copies buf into a fresh, growable packet. Mirrors the
// original implementation's packet_init_from_buffcpy, which — perhaps
// surprisingly — leaves length at zero; callers must SetLength to make
// the copied bytes readable.
func NewFromCopy(buf []byte) *Packet {
	cp := make([]byte, len(buf))
	copy(cp, buf)
	return &Packet{data: cp, growable: true, bitByte: -1}
}

// Rewind resets both cursors, allowing the packet to be reread or
// overwritten from the start.
func (p *Packet) Rewind() error {
	if p == nil {
		return ErrNil
	}
	p.index = 0
	p.bitByte = -1
	p.bitIndex = 0
	return nil
}

// Length returns how many bytes are logically present for reading.
func (p *Packet) Length() uint32 {
	if p == nil {
		return 0
	}
	return p.length
}

// BufferSize returns the size of the internal buffer.
func (p *Packet) BufferSize() int {
	if p == nil {
		return 0
	}
	return len(p.data)
}

// Buffer returns the internal buffer.
func (p *Packet) Buffer() []byte {
	if p == nil {
		return nil
	}
	return p.data
}

// SetBuffer points the packet at buf and rewinds it. Passing a nil buf
// resets the packet to a fresh, owning, growable state.
func (p *Packet) SetBuffer(buf []byte) error {
	if p == nil {
		return ErrNil
	}
	if buf == nil {
		p.data = nil
		p.growable = true
		p.length = 0
		return p.Rewind()
	}
	p.data = buf
	p.growable = false
	p.length = 0
	return p.Rewind()
}

// Index returns the internal buffer cursor.
func (p *Packet) Index() uint32 {
	if p == nil {
		return 0
	}
	return p.index
}

// SetLength sets how much of the buffer is logically readable. value
// cannot exceed the buffer's size.
func (p *Packet) SetLength(value uint32) error {
	if p == nil {
		return ErrNil
	}
	if value > uint32(len(p.data)) {
		return ErrOutOfBounds
	}
	p.length = value
	return nil
}

// Readable returns how many bytes remain available for reading. If the
// cursor has reached the logical length but a bit-cursor is still open
// mid-byte, one more byte is reported readable — matching the reference
// implementation's packet_get_readable exactly.
func (p *Packet) Readable() uint32 {
	if p == nil {
		return 0
	}
	if p.index >= p.length {
		if p.bitByte >= 0 && p.bitIndex < 8 {
			return 1
		}
		return 0
	}
	return p.length - p.index
}

// WriteOpCount returns the number of write operations since the packet
// was created. Rewind and SetBuffer do not reset it.
func (p *Packet) WriteOpCount() uint32 {
	if p == nil {
		return 0
	}
	return p.writeOps
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}

// Write appends size bytes from src.
func (p *Packet) Write(src []byte) error {
	if p == nil {
		return ErrNil
	}
	size := len(src)
	if p.data != nil {
		if int(p.index)+size > len(p.data) {
			if !p.growable {
				return ErrOutOfBounds
			}
			newSize := len(p.data) + allocStep*ceilDiv(size, allocStep)
			grown := make([]byte, newSize)
			copy(grown, p.data)
			p.data = grown
		}
	} else if p.growable {
		p.data = make([]byte, allocStep*ceilDiv(size, allocStep))
	} else {
		return ErrOutOfBounds
	}
	copy(p.data[p.index:], src)
	p.index += uint32(size)
	p.length = p.index
	p.writeOps++
	return nil
}

// WriteUint8 appends a single byte.
func (p *Packet) WriteUint8(v uint8) error {
	return p.Write([]byte{v})
}

// WriteUint16 appends v in network byte order.
func (p *Packet) WriteUint16(v uint16) error {
	var buf [2]byte
	binary.BigEndian.PutUint16(buf[:], v)
	return p.Write(buf[:])
}

// WriteUint32 appends v in network byte order.
func (p *Packet) WriteUint32(v uint32) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	return p.Write(buf[:])
}

// WriteUint64 appends v in network byte order.
func (p *Packet) WriteUint64(v uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	return p.Write(buf[:])
}

// WriteBits appends the low n bits of src (1 <= n <= 8), packed
// little-endian within the current bit byte. A new byte is allocated
// when the 8-bit boundary is crossed; bits that straddle a boundary are
// split across the current and next byte.
func (p *Packet) WriteBits(src byte, n int) error {
	if p == nil {
		return ErrNil
	}
	if p.bitByte < 0 {
		if err := p.WriteUint8(0); err != nil {
			return err
		}
		p.bitByte = int(p.index) - 1
		p.bitIndex = 0
	} else if p.bitIndex+n > 8 {
		if !p.growable && int(p.index)+1 > len(p.data) {
			return ErrOutOfBounds
		}
	}

	masked := src & (0xFF >> (8 - uint(n)))
	p.data[p.bitByte] |= masked << uint(p.bitIndex)

	p.bitIndex += n
	if p.bitIndex > 8 {
		if err := p.WriteUint8(0); err != nil {
			return err
		}
		p.bitByte = int(p.index) - 1
		p.bitIndex -= 8
		p.data[p.bitByte] |= masked >> uint(n-p.bitIndex)
	} else if p.bitIndex == 8 {
		p.bitByte = -1
		p.bitIndex = 0
	}
	return nil
}

// WriteVlen29 appends value using 1-4 bytes of variable-length
// encoding. Bytes 1-3 use the top bit as a continuation flag and the
// low 7 bits as payload, MSB-first; byte 4, when reached, is a full
// 8-bit payload. value must be less than 2^29.
func (p *Packet) WriteVlen29(value uint32) error {
	if p == nil {
		return ErrNil
	}
	switch {
	case value < 1<<7:
		return p.Write([]byte{byte(value)})
	case value < 1<<14:
		return p.Write([]byte{
			byte(value>>7) | 0x80,
			byte(value) & 0x7F,
		})
	case value < 1<<21:
		return p.Write([]byte{
			byte(value>>14) | 0x80,
			byte(value>>7) | 0x80,
			byte(value) & 0x7F,
		})
	case value < 1<<29:
		return p.Write([]byte{
			byte(value>>22) | 0x80,
			byte(value>>15) | 0x80,
			byte(value>>8) | 0x80,
			byte(value),
		})
	default:
		return ErrOutOfBounds
	}
}

// Read copies len(dst) bytes into dst, advancing the cursor.
func (p *Packet) Read(dst []byte) error {
	if p == nil {
		return ErrNil
	}
	size := len(dst)
	if p.index+uint32(size) > p.length {
		return ErrOutOfBounds
	}
	copy(dst, p.data[p.index:p.index+uint32(size)])
	p.index += uint32(size)
	return nil
}

// ReadUint8 reads a single byte.
func (p *Packet) ReadUint8() (uint8, error) {
	var buf [1]byte
	if err := p.Read(buf[:]); err != nil {
		return 0, err
	}
	return buf[0], nil
}

// ReadUint16 reads a network-byte-order uint16.
func (p *Packet) ReadUint16() (uint16, error) {
	var buf [2]byte
	if err := p.Read(buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(buf[:]), nil
}

// ReadUint32 reads a network-byte-order uint32.
func (p *Packet) ReadUint32() (uint32, error) {
	var buf [4]byte
	if err := p.Read(buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}

// ReadUint64 reads a network-byte-order uint64.
func (p *Packet) ReadUint64() (uint64, error) {
	var buf [8]byte
	if err := p.Read(buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(buf[:]), nil
}

// ReadBits reads n bits (1 <= n <= 8) written by WriteBits.
func (p *Packet) ReadBits(n int) (byte, error) {
	if p == nil {
		return 0, ErrNil
	}
	if p.bitByte < 0 {
		if p.index+1 > p.length {
			return 0, ErrOutOfBounds
		}
		p.bitByte = int(p.index)
		p.index++
		p.bitIndex = 0
	}

	var out byte
	out |= ((0xFF >> (8 - uint(n))) << uint(p.bitIndex) & p.data[p.bitByte]) >> uint(p.bitIndex)

	p.bitIndex += n
	if p.bitIndex > 8 {
		if p.index+1 > p.length {
			return 0, ErrOutOfBounds
		}
		p.bitByte = int(p.index)
		p.index++
		p.bitIndex -= 8
		out |= (0xFF >> (8 - uint(p.bitIndex)) & p.data[p.bitByte]) << uint(n-p.bitIndex)
	} else if p.bitIndex == 8 {
		p.bitByte = -1
		p.bitIndex = 0
	}
	return out, nil
}

// ReadVlen29 reads a value written by WriteVlen29.
func (p *Packet) ReadVlen29() (uint32, error) {
	var value uint32
	for i := 0; i < 4; i++ {
		b, err := p.ReadUint8()
		if err != nil {
			return 0, err
		}
		if i == 3 {
			value = (value << 8) | uint32(b)
			break
		}
		value = (value << 7) | uint32(b&0x7F)
		if b&0x80 == 0 {
			break
		}
	}
	return value, nil
}

// Skip advances the read cursor by n bytes without copying them out.
func (p *Packet) Skip(n int) error {
	if p == nil {
		return ErrNil
	}
	if p.index+uint32(n) > p.length {
		return ErrOutOfBounds
	}
	p.index += uint32(n)
	return nil
}

// SkipBits advances the bit cursor by n bits without returning them.
func (p *Packet) SkipBits(n int) error {
	_, err := p.ReadBits(n)
	return err
}

// SkipVlen29 reads and discards one vlen29-encoded value.
func (p *Packet) SkipVlen29() error {
	_, err := p.ReadVlen29()
	return err
}

// CopyInto reads size bytes from p and writes them to dst.
func (p *Packet) CopyInto(dst *Packet, size int) error {
	buf := make([]byte, size)
	if err := p.Read(buf); err != nil {
		return err
	}
	return dst.Write(buf)
}
