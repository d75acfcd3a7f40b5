package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
)

const maxHandshakeField = 256

var errBadPacket = errors.New("wire: malformed packet")

// packet is one ATT PDU on the simulated link. On the socket it is preceded
// by a 2-byte little-endian length, like an L2CAP basic header.
type packet struct {
	op      byte
	service uuid.UUID
	char    uuid.UUID
	value   []byte
	code    byte // error code, opErrorResponse only
}

func (p packet) encode() []byte {
	var body []byte
	switch p.op {
	case opWriteRequest:
		body = make([]byte, 0, 1+32+len(p.value))
		body = append(body, p.op)
		body = append(body, p.service[:]...)
		body = append(body, p.char[:]...)
		body = append(body, p.value...)
	case opErrorResponse:
		body = []byte{p.op, opWriteRequest, p.code}
	default:
		body = []byte{p.op}
	}

	out := make([]byte, 2+len(body))
	binary.LittleEndian.PutUint16(out[0:2], uint16(len(body)))
	copy(out[2:], body)
	return out
}

func writePacket(w io.Writer, p packet) error {
	_, err := w.Write(p.encode())
	return err
}

func readPacket(r io.Reader) (packet, error) {
	var n uint16
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return packet{}, err
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return packet{}, err
	}
	return decodePacket(body)
}

func decodePacket(body []byte) (packet, error) {
	if len(body) == 0 {
		return packet{}, errBadPacket
	}
	p := packet{op: body[0]}
	switch p.op {
	case opWriteRequest:
		if len(body) < 33 {
			return packet{}, fmt.Errorf("%w: write request of %d bytes", errBadPacket, len(body))
		}
		copy(p.service[:], body[1:17])
		copy(p.char[:], body[17:33])
		p.value = append([]byte(nil), body[33:]...)
	case opErrorResponse:
		if len(body) < 3 {
			return packet{}, fmt.Errorf("%w: short error response", errBadPacket)
		}
		p.code = body[2]
	case opWriteResponse:
	default:
		return packet{}, fmt.Errorf("%w: opcode 0x%02X", errBadPacket, p.op)
	}
	return p, nil
}

// writeField sends a 4-byte big-endian length followed by s.
func writeField(w io.Writer, s string) error {
	if err := binary.Write(w, binary.BigEndian, uint32(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func readField(r io.Reader) (string, error) {
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return "", err
	}
	if n > maxHandshakeField {
		return "", fmt.Errorf("%w: handshake field of %d bytes", errBadPacket, n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

// writeHandshake sends the local identity: address then name.
func writeHandshake(w io.Writer, address, name string) error {
	if err := writeField(w, address); err != nil {
		return err
	}
	return writeField(w, name)
}

func readHandshake(r io.Reader) (address, name string, err error) {
	if address, err = readField(r); err != nil {
		return "", "", err
	}
	if name, err = readField(r); err != nil {
		return "", "", err
	}
	return address, name, nil
}
