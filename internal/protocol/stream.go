package protocol

import (
	"fmt"
	"io"
)

// ReadPacket reads and decodes exactly one frame from a blocking reader.
// Used by the client side, where a dedicated goroutine owns the read half.
func ReadPacket(r io.Reader) (Packet, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, fmt.Errorf("failed to read packet header: %w", err)
	}

	h, err := DecodeHeader(hdr[:])
	if err != nil {
		return nil, err
	}
	if int(h.Length) > MaxPayloadSize {
		return nil, fmt.Errorf("%w: declared %d bytes (max %d)", ErrFrameTooLarge, h.Length, MaxPayloadSize)
	}

	payload := make([]byte, h.Length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("failed to read packet payload (%d bytes): %w", h.Length, err)
	}

	return DecodePayload(h.Kind, payload)
}

// WritePacket encodes p and writes the whole frame.
func WritePacket(w io.Writer, p Packet) error {
	if _, err := w.Write(Encode(p)); err != nil {
		return fmt.Errorf("failed to write %s packet: %w", p.Kind(), err)
	}
	return nil
}
