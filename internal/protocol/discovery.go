package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// LAN discovery datagrams. A client broadcasts the request byte; every server
// answers with a reply describing itself.
const (
	DiscoveryRequest byte = 0xCA
	DiscoveryReply   byte = 0xCB

	// discoveryTextMax bounds each length-prefixed string in a reply.
	discoveryTextMax = 255
)

// ErrNotDiscoveryReply is returned when a datagram is not a discovery reply.
var ErrNotDiscoveryReply = errors.New("not a discovery reply")

// ServerInfo is what a server advertises to discovery requests.
type ServerInfo struct {
	Port     uint16
	Online   uint16
	Capacity uint16
	Hostname string
	MOTD     string
}

// BuildDiscoveryReply encodes info as a reply datagram:
// magic, port, online, capacity, then hostname and motd as u8-length strings.
func BuildDiscoveryReply(info ServerInfo) []byte {
	b := NewPacketBuilder()
	b.WriteBytes([]byte{DiscoveryReply})
	b.WriteUint16(info.Port)
	b.WriteUint16(info.Online)
	b.WriteUint16(info.Capacity)
	writeShortString(b, info.Hostname)
	writeShortString(b, info.MOTD)
	return b.Build()
}

func writeShortString(b *PacketBuilder, s string) {
	if len(s) > discoveryTextMax {
		s = s[:discoveryTextMax]
	}
	b.WriteBytes([]byte{byte(len(s))})
	b.WriteBytes([]byte(s))
}

// ParseDiscoveryReply decodes a reply datagram.
func ParseDiscoveryReply(data []byte) (ServerInfo, error) {
	var info ServerInfo
	if len(data) < 1 || data[0] != DiscoveryReply {
		return info, ErrNotDiscoveryReply
	}

	r := bytes.NewReader(data[1:])
	for _, v := range []*uint16{&info.Port, &info.Online, &info.Capacity} {
		if err := binary.Read(r, binary.BigEndian, v); err != nil {
			return info, fmt.Errorf("truncated discovery reply: %w", err)
		}
	}

	var err error
	if info.Hostname, err = readShortString(r); err != nil {
		return info, err
	}
	if info.MOTD, err = readShortString(r); err != nil {
		return info, err
	}
	return info, nil
}

func readShortString(r *bytes.Reader) (string, error) {
	n, err := r.ReadByte()
	if err != nil {
		return "", fmt.Errorf("truncated discovery reply: %w", err)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", fmt.Errorf("truncated discovery reply: %w", err)
	}
	return string(buf), nil
}
