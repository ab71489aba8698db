package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"unicode/utf8"
)

// PacketBuilder constructs big-endian frames.
type PacketBuilder struct {
	buf bytes.Buffer
}

// NewPacketBuilder creates a new PacketBuilder.
func NewPacketBuilder() *PacketBuilder {
	b := &PacketBuilder{}
	b.buf.Grow(MaxFrameSize)
	return b
}

// Reset clears the builder for reuse.
func (b *PacketBuilder) Reset() {
	b.buf.Reset()
}

// WriteUint16 writes a uint16 in big-endian order.
func (b *PacketBuilder) WriteUint16(v uint16) *PacketBuilder {
	b.buf.Write(binary.BigEndian.AppendUint16(nil, v))
	return b
}

// WriteUint32 writes a uint32 in big-endian order.
func (b *PacketBuilder) WriteUint32(v uint32) *PacketBuilder {
	b.buf.Write(binary.BigEndian.AppendUint32(nil, v))
	return b
}

// WriteInt32 writes an int32 in big-endian order.
func (b *PacketBuilder) WriteInt32(v int32) *PacketBuilder {
	return b.WriteUint32(uint32(v))
}

// WriteFixedString writes s into a zero-padded buffer of size bytes.
// At most size-1 bytes of s are kept so the buffer is always terminated, and
// a multi-byte character that would straddle the cut is dropped whole.
func (b *PacketBuilder) WriteFixedString(s string, size int) *PacketBuilder {
	field := make([]byte, size)
	copy(field, truncateUTF8(s, size-1))
	b.buf.Write(field)
	return b
}

// truncateUTF8 cuts s to at most n bytes on a character boundary.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// WriteBytes writes raw bytes.
func (b *PacketBuilder) WriteBytes(data []byte) *PacketBuilder {
	b.buf.Write(data)
	return b
}

// Build returns the constructed bytes.
func (b *PacketBuilder) Build() []byte {
	return b.buf.Bytes()
}

// Len returns the current size of the frame being built.
func (b *PacketBuilder) Len() int {
	return b.buf.Len()
}

// String returns a hex dump of the current frame for debugging.
func (b *PacketBuilder) String() string {
	data := b.buf.Bytes()
	return fmt.Sprintf("PacketBuilder[%d bytes]: %x", len(data), data)
}

func (t *Text) encode(b *PacketBuilder) {
	b.WriteUint16(t.Recipient)
	b.WriteUint16(t.Type)
	b.WriteFixedString(t.Text, MessageSize)
}

func (q *Query) encode(b *PacketBuilder) {
	b.WriteUint32(q.Opcode)
}

func (c *Chunk) encode(b *PacketBuilder) {
	b.WriteInt32(c.X)
	b.WriteInt32(c.Y)
	b.WriteInt32(c.Z)
	b.WriteUint16(c.Type)
	b.WriteUint16(c.Layer)
	for _, blk := range c.Blocks {
		b.WriteUint16(blk)
	}
}

func (m *UserMod) encode(b *PacketBuilder) {
	b.WriteUint16(m.Z)
	b.WriteUint16(m.Y)
	b.WriteUint16(m.X)
	b.WriteUint16(m.ID)
	b.WriteUint32(m.Opcode)
}

func (l *Login) encode(b *PacketBuilder) {
	b.WriteFixedString(l.Name, NameSize)
	b.WriteFixedString(l.Password, PasswordSize)
}

// Encode returns the wire representation of p: header plus payload,
// with the length field computed from the encoded payload.
func Encode(p Packet) []byte {
	b := NewPacketBuilder()
	b.WriteUint16(uint16(p.Kind()))
	b.WriteUint16(0)
	p.encode(b)

	frame := b.Build()
	binary.BigEndian.PutUint16(frame[2:4], uint16(len(frame)-HeaderSize))
	return frame
}
