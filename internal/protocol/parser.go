package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

var (
	// ErrShortHeader is returned when fewer than HeaderSize bytes are given.
	ErrShortHeader = errors.New("short packet header")
	// ErrUnknownKind is returned for a kind outside the known set.
	ErrUnknownKind = errors.New("unknown packet kind")
	// ErrBadLength is returned when a payload does not have the exact size of its kind.
	ErrBadLength = errors.New("bad payload length")
	// ErrFrameTooLarge is returned when a header declares more than MaxPayloadSize bytes.
	ErrFrameTooLarge = errors.New("frame too large")
)

// DecodeHeader parses the 4-byte frame header.
func DecodeHeader(data []byte) (Header, error) {
	if len(data) < HeaderSize {
		return Header{}, ErrShortHeader
	}
	return Header{
		Kind:   Kind(binary.BigEndian.Uint16(data[0:2])),
		Length: binary.BigEndian.Uint16(data[2:4]),
	}, nil
}

// DecodePayload converts a wire payload of the given kind into a Packet.
// String fields are cut at their first NUL and never exceed their buffer.
func DecodePayload(kind Kind, payload []byte) (Packet, error) {
	size := PayloadSize(kind)
	if size < 0 {
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, uint16(kind))
	}
	if len(payload) != size {
		return nil, fmt.Errorf("%w: %s payload is %d bytes, want %d", ErrBadLength, kind, len(payload), size)
	}

	r := bytes.NewReader(payload)

	switch kind {
	case KindText:
		return parseText(r)
	case KindQuery:
		return parseQuery(r)
	case KindChunk:
		return parseChunk(r)
	case KindUserMod:
		return parseUserMod(r)
	case KindLogin:
		return parseLogin(r)
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, uint16(kind))
	}
}

// Decode parses one complete frame.
func Decode(frame []byte) (Packet, error) {
	hdr, err := DecodeHeader(frame)
	if err != nil {
		return nil, err
	}
	if int(hdr.Length) != len(frame)-HeaderSize {
		return nil, fmt.Errorf("%w: header says %d, frame carries %d", ErrBadLength, hdr.Length, len(frame)-HeaderSize)
	}
	return DecodePayload(hdr.Kind, frame[HeaderSize:])
}

func parseText(r *bytes.Reader) (Packet, error) {
	t := &Text{}
	if err := binary.Read(r, binary.BigEndian, &t.Recipient); err != nil {
		return nil, fmt.Errorf("failed to parse text recipient: %w", err)
	}
	if err := binary.Read(r, binary.BigEndian, &t.Type); err != nil {
		return nil, fmt.Errorf("failed to parse text type: %w", err)
	}
	msg, err := readFixedString(r, MessageSize)
	if err != nil {
		return nil, fmt.Errorf("failed to parse text message: %w", err)
	}
	t.Text = msg
	return t, nil
}

func parseQuery(r *bytes.Reader) (Packet, error) {
	q := &Query{}
	if err := binary.Read(r, binary.BigEndian, &q.Opcode); err != nil {
		return nil, fmt.Errorf("failed to parse query opcode: %w", err)
	}
	return q, nil
}

func parseChunk(r *bytes.Reader) (Packet, error) {
	c := &Chunk{}
	for _, v := range []*int32{&c.X, &c.Y, &c.Z} {
		if err := binary.Read(r, binary.BigEndian, v); err != nil {
			return nil, fmt.Errorf("failed to parse chunk position: %w", err)
		}
	}
	if err := binary.Read(r, binary.BigEndian, &c.Type); err != nil {
		return nil, fmt.Errorf("failed to parse chunk type: %w", err)
	}
	if err := binary.Read(r, binary.BigEndian, &c.Layer); err != nil {
		return nil, fmt.Errorf("failed to parse chunk layer: %w", err)
	}
	if err := binary.Read(r, binary.BigEndian, &c.Blocks); err != nil {
		return nil, fmt.Errorf("failed to parse chunk blocks: %w", err)
	}
	return c, nil
}

func parseUserMod(r *bytes.Reader) (Packet, error) {
	m := &UserMod{}
	for _, v := range []*uint16{&m.Z, &m.Y, &m.X, &m.ID} {
		if err := binary.Read(r, binary.BigEndian, v); err != nil {
			return nil, fmt.Errorf("failed to parse usermod: %w", err)
		}
	}
	if err := binary.Read(r, binary.BigEndian, &m.Opcode); err != nil {
		return nil, fmt.Errorf("failed to parse usermod opcode: %w", err)
	}
	return m, nil
}

func parseLogin(r *bytes.Reader) (Packet, error) {
	name, err := readFixedString(r, NameSize)
	if err != nil {
		return nil, fmt.Errorf("failed to parse login name: %w", err)
	}
	passwd, err := readFixedString(r, PasswordSize)
	if err != nil {
		return nil, fmt.Errorf("failed to parse login password: %w", err)
	}
	return &Login{Name: name, Password: passwd}, nil
}

// readFixedString reads a size-byte buffer and returns its contents up to the
// first NUL. The last byte is always treated as a terminator.
func readFixedString(r *bytes.Reader, size int) (string, error) {
	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	buf[size-1] = 0
	if i := bytes.IndexByte(buf, 0); i >= 0 {
		buf = buf[:i]
	}
	return string(buf), nil
}
