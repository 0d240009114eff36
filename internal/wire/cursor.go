// Package wire implements the little-endian primitive codec and the
// tagged-union wire message enum exchanged between peers.
package wire

import (
	"encoding/binary"
	"math"
)

// Cursor is a single read position over a byte slice. Every ReadX method is
// total: on truncated input it returns ok=false instead of panicking, and
// never advances past the end of buf.
type Cursor struct {
	buf []byte
	pos int
}

// NewCursor wraps buf for sequential reads starting at offset 0.
func NewCursor(buf []byte) *Cursor {
	return &Cursor{buf: buf}
}

// Len returns the number of unread bytes remaining.
func (c *Cursor) Len() int {
	if c.pos >= len(c.buf) {
		return 0
	}
	return len(c.buf) - c.pos
}

// ReadRest returns every byte from the cursor to the end of buf without
// advancing the cursor.
func (c *Cursor) ReadRest() []byte {
	if c.pos >= len(c.buf) {
		return nil
	}
	return c.buf[c.pos:]
}

func (c *Cursor) take(n int) ([]byte, bool) {
	if n < 0 || c.pos+n > len(c.buf) {
		return nil, false
	}
	b := c.buf[c.pos : c.pos+n]
	c.pos += n
	return b, true
}

func (c *Cursor) ReadUint8() (uint8, bool) {
	b, ok := c.take(1)
	if !ok {
		return 0, false
	}
	return b[0], true
}

func (c *Cursor) ReadUint16() (uint16, bool) {
	b, ok := c.take(2)
	if !ok {
		return 0, false
	}
	return binary.LittleEndian.Uint16(b), true
}

func (c *Cursor) ReadUint32() (uint32, bool) {
	b, ok := c.take(4)
	if !ok {
		return 0, false
	}
	return binary.LittleEndian.Uint32(b), true
}

func (c *Cursor) ReadUint64() (uint64, bool) {
	b, ok := c.take(8)
	if !ok {
		return 0, false
	}
	return binary.LittleEndian.Uint64(b), true
}

func (c *Cursor) ReadInt8() (int8, bool) {
	v, ok := c.ReadUint8()
	return int8(v), ok
}

func (c *Cursor) ReadInt16() (int16, bool) {
	v, ok := c.ReadUint16()
	return int16(v), ok
}

func (c *Cursor) ReadInt32() (int32, bool) {
	v, ok := c.ReadUint32()
	return int32(v), ok
}

func (c *Cursor) ReadInt64() (int64, bool) {
	v, ok := c.ReadUint64()
	return int64(v), ok
}

func (c *Cursor) ReadBool() (bool, bool) {
	v, ok := c.ReadUint8()
	return v != 0, ok
}

func (c *Cursor) ReadFloat32() (float32, bool) {
	v, ok := c.ReadUint32()
	if !ok {
		return 0, false
	}
	return math.Float32frombits(v), true
}

func (c *Cursor) ReadFloat64() (float64, bool) {
	v, ok := c.ReadUint64()
	if !ok {
		return 0, false
	}
	return math.Float64frombits(v), true
}

// ReadBytes reads a u32 length prefix followed by that many bytes.
func (c *Cursor) ReadBytes() ([]byte, bool) {
	n, ok := c.ReadUint32()
	if !ok {
		return nil, false
	}
	b, ok := c.take(int(n))
	if !ok {
		return nil, false
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out, true
}

// ReadFixed reads exactly n bytes with no length prefix (e.g. a 16-byte id).
func (c *Cursor) ReadFixed(n int) ([]byte, bool) {
	b, ok := c.take(n)
	if !ok {
		return nil, false
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out, true
}

// ReadString reads a u32 length prefix followed by that many UTF-8 bytes.
func (c *Cursor) ReadString() (string, bool) {
	b, ok := c.ReadBytes()
	if !ok {
		return "", false
	}
	return string(b), true
}

// Buffer is an append-only little-endian encode buffer, the write-side
// counterpart to Cursor.
type Buffer struct {
	b []byte
}

func NewBuffer() *Buffer { return &Buffer{} }

func (w *Buffer) Bytes() []byte { return w.b }

func (w *Buffer) WriteUint8(v uint8) { w.b = append(w.b, v) }

func (w *Buffer) WriteUint16(v uint16) {
	var tmp [2]byte
	binary.LittleEndian.PutUint16(tmp[:], v)
	w.b = append(w.b, tmp[:]...)
}

func (w *Buffer) WriteUint32(v uint32) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	w.b = append(w.b, tmp[:]...)
}

func (w *Buffer) WriteUint64(v uint64) {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	w.b = append(w.b, tmp[:]...)
}

func (w *Buffer) WriteInt8(v int8)   { w.WriteUint8(uint8(v)) }
func (w *Buffer) WriteInt16(v int16) { w.WriteUint16(uint16(v)) }
func (w *Buffer) WriteInt32(v int32) { w.WriteUint32(uint32(v)) }
func (w *Buffer) WriteInt64(v int64) { w.WriteUint64(uint64(v)) }

func (w *Buffer) WriteBool(v bool) {
	if v {
		w.WriteUint8(1)
	} else {
		w.WriteUint8(0)
	}
}

func (w *Buffer) WriteFloat32(v float32) { w.WriteUint32(math.Float32bits(v)) }
func (w *Buffer) WriteFloat64(v float64) { w.WriteUint64(math.Float64bits(v)) }

// WriteBytes writes a u32 length prefix followed by b.
func (w *Buffer) WriteBytes(b []byte) {
	w.WriteUint32(uint32(len(b)))
	w.b = append(w.b, b...)
}

// WriteFixed writes b verbatim with no length prefix.
func (w *Buffer) WriteFixed(b []byte) {
	w.b = append(w.b, b...)
}

// WriteString writes a u32 length prefix followed by the UTF-8 bytes of s.
func (w *Buffer) WriteString(s string) {
	w.WriteBytes([]byte(s))
}
