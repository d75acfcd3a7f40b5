// Package frame splits serialized messages into numbered frames small enough
// for a single radio write, and joins them back.
//
// Frame layout: [Index:2][Count:2][Payload:N], both header fields big-endian.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// HeaderLen is the size of the index + count header.
const HeaderLen = 4

var (
	// ErrShortFrame is returned when a raw frame cannot hold a header.
	ErrShortFrame = errors.New("frame: shorter than header")
	// ErrIncomplete is returned by Join when frames are missing or out of order.
	ErrIncomplete = errors.New("frame: incomplete frame sequence")
)

// Frame is one numbered slice of a message.
type Frame struct {
	Index   uint16
	Count   uint16
	Payload []byte
}

// IsFirst reports whether f starts a message.
func (f Frame) IsFirst() bool { return f.Index == 0 }

// IsLast reports whether f completes a message.
func (f Frame) IsLast() bool { return int(f.Index) == int(f.Count)-1 }

// Encode returns the wire form of f.
func (f Frame) Encode() []byte {
	buf := make([]byte, HeaderLen+len(f.Payload))
	binary.BigEndian.PutUint16(buf[0:2], f.Index)
	binary.BigEndian.PutUint16(buf[2:4], f.Count)
	copy(buf[HeaderLen:], f.Payload)
	return buf
}

// Decode parses a raw frame. The returned payload aliases data.
func Decode(data []byte) (Frame, error) {
	if len(data) < HeaderLen {
		return Frame{}, fmt.Errorf("%w: got %d bytes", ErrShortFrame, len(data))
	}
	return Frame{
		Index:   binary.BigEndian.Uint16(data[0:2]),
		Count:   binary.BigEndian.Uint16(data[2:4]),
		Payload: data[HeaderLen:],
	}, nil
}

// ChunkPayloadSize returns how many payload bytes fit into a single write of
// splitWriteNum bytes.
func ChunkPayloadSize(splitWriteNum int) int {
	return splitWriteNum - HeaderLen
}

// Split cuts payload into ceil(len/maxChunkPayload) frames. The last frame may
// be shorter. An empty payload yields no frames. Counts above 65535 wrap.
func Split(payload []byte, maxChunkPayload int) ([]Frame, error) {
	if maxChunkPayload < 1 {
		return nil, fmt.Errorf("frame: chunk payload size must be positive (got %d)", maxChunkPayload)
	}

	n := (len(payload) + maxChunkPayload - 1) / maxChunkPayload
	frames := make([]Frame, 0, n)
	for i := 0; i < n; i++ {
		start := i * maxChunkPayload
		end := start + maxChunkPayload
		if end > len(payload) {
			end = len(payload)
		}
		chunk := make([]byte, end-start)
		copy(chunk, payload[start:end])
		frames = append(frames, Frame{
			Index:   uint16(i),
			Count:   uint16(n),
			Payload: chunk,
		})
	}
	return frames, nil
}

// Join concatenates a complete, index-ordered frame sequence.
func Join(frames []Frame) ([]byte, error) {
	if len(frames) == 0 {
		return []byte{}, nil
	}

	count := frames[0].Count
	if int(count) != len(frames) {
		return nil, fmt.Errorf("%w: have %d frames, header says %d", ErrIncomplete, len(frames), count)
	}

	total := 0
	for i, f := range frames {
		if f.Count != count || int(f.Index) != i {
			return nil, fmt.Errorf("%w: frame %d has index %d/%d", ErrIncomplete, i, f.Index, f.Count)
		}
		total += len(f.Payload)
	}

	out := make([]byte, 0, total)
	for _, f := range frames {
		out = append(out, f.Payload...)
	}
	return out, nil
}
