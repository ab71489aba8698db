package protocol

import (
	"encoding/binary"
	"fmt"
)

// Assembler accumulates raw stream bytes of one connection and cuts them
// into complete frames. The accumulator never holds more than one maximum
// sized frame.
type Assembler struct {
	buf [MaxFrameSize]byte
	n   int
}

// Buffered returns the number of bytes of an incomplete frame being held.
func (a *Assembler) Buffered() int {
	return a.n
}

// Reset discards any partial frame and zeroes the accumulator.
func (a *Assembler) Reset() {
	a.buf = [MaxFrameSize]byte{}
	a.n = 0
}

// Feed appends data and returns every frame completed by it, in stream order.
// Each returned frame is an independent copy including its header.
//
// A header declaring a payload above MaxPayloadSize is a protocol violation;
// the frames completed before it are still returned alongside the error.
func (a *Assembler) Feed(data []byte) ([][]byte, error) {
	var frames [][]byte

	for {
		copied := copy(a.buf[a.n:], data)
		a.n += copied
		data = data[copied:]

		for {
			frame, err := a.next()
			if err != nil {
				return frames, err
			}
			if frame == nil {
				break
			}
			frames = append(frames, frame)
		}

		if len(data) == 0 {
			return frames, nil
		}
	}
}

// next extracts one frame from the front of the accumulator, or returns nil
// when the accumulator does not yet hold a complete frame.
func (a *Assembler) next() ([]byte, error) {
	if a.n < HeaderSize {
		return nil, nil
	}

	length := int(binary.BigEndian.Uint16(a.buf[2:4]))
	if length > MaxPayloadSize {
		return nil, fmt.Errorf("%w: declared %d bytes (max %d)", ErrFrameTooLarge, length, MaxPayloadSize)
	}

	total := HeaderSize + length
	if a.n < total {
		return nil, nil
	}

	frame := make([]byte, total)
	copy(frame, a.buf[:total])

	copy(a.buf[:], a.buf[total:a.n])
	a.n -= total
	clear(a.buf[a.n:])

	return frame, nil
}
