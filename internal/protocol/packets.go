// Package protocol implements the voxelnet wire format: the packet kinds,
// their fixed payload layouts, the big-endian codec and the per-connection
// frame assembler. Every frame is a 4-byte header (kind, length) followed
// by a payload of exactly the size its kind requires.
package protocol

import "fmt"

// Kind identifies the payload layout of a packet.
type Kind uint16

// Packet kinds.
const (
	KindText    Kind = 0 // Chat or server message
	KindQuery   Kind = 1 // Information request (who)
	KindChunk   Kind = 2 // World chunk snapshot
	KindUserMod Kind = 3 // World edit request
	KindLogin   Kind = 4 // Credentials
)

// Frame geometry.
const (
	HeaderSize = 4
	// MaxFrameSize bounds header plus payload; the chunk packet is the largest.
	MaxFrameSize   = 1044
	MaxPayloadSize = MaxFrameSize - HeaderSize
)

// Fixed buffer sizes.
const (
	MessageSize  = 256
	NameSize     = 64
	PasswordSize = 64
	PasswordMin  = 8

	// ChunkBlocks is the number of blocks in one 8x8x8 chunk.
	ChunkBlocks = 512
	ChunkEdge   = 8
)

// Text recipients and subtypes. Peer ids above RecipientMax cannot be
// addressed; text for such a peer carries RecipientNone.
const (
	RecipientAll  uint16 = 0xFFFF
	RecipientMax  uint16 = RecipientAll - 1
	RecipientNone uint16 = 0

	TextUser   uint16 = 0
	TextServer uint16 = 1
)

// Query opcodes.
const (
	QueryWho uint32 = 0
)

// UserMod opcodes.
const (
	UserModPut uint32 = 1
)

// Chunk types.
const (
	ChunkEmpty  uint16 = 0x00
	ChunkStatic uint16 = 0x01
	ChunkUser   uint16 = 0x02
)

// payloadSizes holds the exact encoded payload size of every kind.
var payloadSizes = map[Kind]int{
	KindText:    2 + 2 + MessageSize,
	KindQuery:   4,
	KindChunk:   3*4 + 2 + 2 + ChunkBlocks*2,
	KindUserMod: 4*2 + 4,
	KindLogin:   NameSize + PasswordSize,
}

var kindNames = map[Kind]string{
	KindText:    "text",
	KindQuery:   "query",
	KindChunk:   "chunk",
	KindUserMod: "usermod",
	KindLogin:   "login",
}

// String returns the lowercase name of the kind.
func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", uint16(k))
}

// Valid reports whether k is a known packet kind.
func (k Kind) Valid() bool {
	_, ok := payloadSizes[k]
	return ok
}

// PayloadSize returns the exact payload size for k, or -1 for unknown kinds.
func PayloadSize(k Kind) int {
	if n, ok := payloadSizes[k]; ok {
		return n
	}
	return -1
}

// Header is the fixed 4-byte frame prefix.
type Header struct {
	Kind   Kind
	Length uint16
}

// Packet is one decoded payload. The concrete type determines the kind:
// *Text, *Query, *Chunk, *UserMod or *Login.
type Packet interface {
	Kind() Kind
	encode(b *PacketBuilder)
}

// Text is a chat line or a server notice.
type Text struct {
	Recipient uint16
	Type      uint16
	// Text holds at most MessageSize-1 bytes on the wire.
	Text string
}

// Query asks the server for information.
type Query struct {
	Opcode uint32
}

// Chunk carries a full block array of one chunk.
type Chunk struct {
	X, Y, Z int32
	Type    uint16
	Layer   uint16
	Blocks  [ChunkBlocks]uint16
}

// UserMod requests a world edit.
type UserMod struct {
	Opcode  uint32
	Z, Y, X uint16
	ID      uint16
}

// Login carries account credentials.
type Login struct {
	Name     string
	Password string
}

func (*Text) Kind() Kind    { return KindText }
func (*Query) Kind() Kind   { return KindQuery }
func (*Chunk) Kind() Kind   { return KindChunk }
func (*UserMod) Kind() Kind { return KindUserMod }
func (*Login) Kind() Kind   { return KindLogin }

// NewServerText builds a server notice addressed to recipient.
func NewServerText(recipient uint16, msg string) *Text {
	return &Text{Recipient: recipient, Type: TextServer, Text: msg}
}

// RecipientOf returns the wire recipient for peer id, or RecipientNone when
// id does not fit below the broadcast sentinel.
func RecipientOf(id uint64) uint16 {
	if id == 0 || id > uint64(RecipientMax) {
		return RecipientNone
	}
	return uint16(id)
}

// NewPut builds a put request for block id at (z, y, x).
func NewPut(z, y, x, id uint16) *UserMod {
	return &UserMod{Opcode: UserModPut, Z: z, Y: y, X: x, ID: id}
}
