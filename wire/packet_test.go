package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/notisync/ble"
)

func TestPacketEncodeDecode(t *testing.T) {
	tests := []struct {
		name string
		in   packet
	}{
		{"write request", packet{op: opWriteRequest, service: ble.ServiceUUID, char: ble.WriteCharUUID, value: []byte{0, 1, 2, 3}}},
		{"empty write", packet{op: opWriteRequest, service: ble.ServiceUUID, char: ble.WriteCharUUID, value: []byte{}}},
		{"write response", packet{op: opWriteResponse}},
		{"error response", packet{op: opErrorResponse, code: errAttributeNotFound}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, writePacket(&buf, tt.in))

			got, err := readPacket(&buf)
			require.NoError(t, err)
			assert.Equal(t, tt.in.op, got.op)
			assert.Equal(t, tt.in.code, got.code)
			if tt.in.op == opWriteRequest {
				assert.Equal(t, tt.in.service, got.service)
				assert.Equal(t, tt.in.char, got.char)
				assert.Equal(t, len(tt.in.value), len(got.value))
			}
		})
	}
}

func TestPacketLengthPrefixIsLittleEndian(t *testing.T) {
	data := packet{op: opWriteResponse}.encode()
	assert.Equal(t, []byte{0x01, 0x00, opWriteResponse}, data)
}

func TestDecodeRejectsMalformedPackets(t *testing.T) {
	_, err := decodePacket(nil)
	assert.ErrorIs(t, err, errBadPacket)

	_, err = decodePacket([]byte{opWriteRequest, 1, 2, 3})
	assert.ErrorIs(t, err, errBadPacket)

	_, err = decodePacket([]byte{0x7F})
	assert.ErrorIs(t, err, errBadPacket)
}

func TestHandshakeRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeHandshake(&buf, "AA:BB:CC:DD:EE:01", "Pixel"))

	addr, name, err := readHandshake(&buf)
	require.NoError(t, err)
	assert.Equal(t, "AA:BB:CC:DD:EE:01", addr)
	assert.Equal(t, "Pixel", name)
}

func TestHandshakeRejectsOversizedField(t *testing.T) {
	buf := bytes.NewBuffer([]byte{0, 0, 0x10, 0})
	_, _, err := readHandshake(buf)
	assert.ErrorIs(t, err, errBadPacket)
}
