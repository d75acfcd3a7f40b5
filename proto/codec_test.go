package proto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestMarshalUnmarshal(t *testing.T) {
	tests := []struct {
		name string
		msg  *BleMessage
	}{
		{
			name: "post with every field",
			msg: NewPost("com.example.chat", 42, &Notification{
				Title:       "Alice",
				BigTitle:    "Alice (2 messages)",
				ContentText: "are you coming tonight? 🎉",
				SubText:     "work",
				Priority:    1,
				Flags:       0x10,
				Visibility:  -1,
				AppName:     "Chat",
				ChannelID:   "messages",
			}),
		},
		{
			name: "post with negative id and priority",
			msg:  NewPost("pkg", -7, &Notification{Title: "t", Priority: -2}),
		},
		{
			name: "post with empty notification body",
			msg:  NewPost("pkg", 1, &Notification{}),
		},
		{
			name: "remove",
			msg:  NewRemove("com.example.chat", 42),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := Marshal(tt.msg)
			require.NoError(t, err)

			got, err := Unmarshal(data)
			require.NoError(t, err)
			assert.Equal(t, tt.msg, got)
		})
	}
}

func TestUnmarshalSkipsUnknownFields(t *testing.T) {
	data, err := Marshal(NewRemove("pkg", 3))
	require.NoError(t, err)

	data = protowire.AppendTag(data, 15, protowire.BytesType)
	data = protowire.AppendString(data, "from a newer peer")
	data = protowire.AppendTag(data, 16, protowire.VarintType)
	data = protowire.AppendVarint(data, 99)

	got, err := Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, NewRemove("pkg", 3), got)
}

func TestUnmarshalRejectsGarbage(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{name: "truncated varint", data: []byte{0x08, 0xFF}},
		{name: "truncated bytes", data: []byte{0x12, 0x05, 0x01}},
		{name: "wrong wire type for type field", data: []byte{0x0A, 0x01, 0x00}},
		{name: "bad tag", data: []byte{0x00}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Unmarshal(tt.data)
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}
}
