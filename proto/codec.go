package proto

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// ErrInvalid is wrapped by every Unmarshal failure.
var ErrInvalid = errors.New("proto: invalid message")

// Marshal encodes m in protobuf wire format.
func Marshal(m *BleMessage) ([]byte, error) {
	if m == nil {
		return nil, fmt.Errorf("proto: nil message")
	}
	var b []byte
	b = appendInt32(b, 1, int32(m.Type))
	if m.Notification != nil {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalStatusBar(m.Notification))
	}
	return b, nil
}

func marshalStatusBar(s *StatusBarNotification) []byte {
	var b []byte
	b = appendString(b, 1, s.Pkg)
	b = appendInt32(b, 2, s.ID)
	if s.Notification != nil {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalNotification(s.Notification))
	}
	return b
}

func marshalNotification(n *Notification) []byte {
	var b []byte
	b = appendString(b, 1, n.Title)
	b = appendString(b, 2, n.BigTitle)
	b = appendString(b, 3, n.ContentText)
	b = appendString(b, 4, n.SubText)
	b = appendInt32(b, 5, n.Priority)
	b = appendInt32(b, 6, n.Flags)
	b = appendInt32(b, 7, n.Visibility)
	b = appendString(b, 8, n.AppName)
	b = appendString(b, 9, n.ChannelID)
	return b
}

// proto3 scalars are omitted when zero
func appendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func appendInt32(b []byte, num protowire.Number, v int32) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(int64(v)))
}

// Unmarshal decodes a BleMessage. Unknown fields are skipped.
func Unmarshal(data []byte) (*BleMessage, error) {
	m := &BleMessage{}
	err := walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeInt32(typ, b)
			m.Type = MsgType(v)
			return n, err
		case 2:
			raw, n, err := consumeBytes(typ, b)
			if err != nil {
				return n, err
			}
			s, err := unmarshalStatusBar(raw)
			m.Notification = s
			return n, err
		}
		return skip(num, typ, b)
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

func unmarshalStatusBar(data []byte) (*StatusBarNotification, error) {
	s := &StatusBarNotification{}
	err := walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeString(typ, b, &s.Pkg)
		case 2:
			v, n, err := consumeInt32(typ, b)
			s.ID = v
			return n, err
		case 3:
			raw, n, err := consumeBytes(typ, b)
			if err != nil {
				return n, err
			}
			nt, err := unmarshalNotification(raw)
			s.Notification = nt
			return n, err
		}
		return skip(num, typ, b)
	})
	return s, err
}

func unmarshalNotification(data []byte) (*Notification, error) {
	nt := &Notification{}
	err := walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeString(typ, b, &nt.Title)
		case 2:
			return consumeString(typ, b, &nt.BigTitle)
		case 3:
			return consumeString(typ, b, &nt.ContentText)
		case 4:
			return consumeString(typ, b, &nt.SubText)
		case 5:
			v, n, err := consumeInt32(typ, b)
			nt.Priority = v
			return n, err
		case 6:
			v, n, err := consumeInt32(typ, b)
			nt.Flags = v
			return n, err
		case 7:
			v, n, err := consumeInt32(typ, b)
			nt.Visibility = v
			return n, err
		case 8:
			return consumeString(typ, b, &nt.AppName)
		case 9:
			return consumeString(typ, b, &nt.ChannelID)
		}
		return skip(num, typ, b)
	})
	return nt, err
}

// walk calls field for every field in data. field returns the number of
// value bytes it consumed.
func walk(data []byte, field func(protowire.Number, protowire.Type, []byte) (int, error)) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("%w: tag: %v", ErrInvalid, protowire.ParseError(n))
		}
		data = data[n:]

		m, err := field(num, typ, data)
		if err != nil {
			return err
		}
		data = data[m:]
	}
	return nil
}

func skip(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	n := protowire.ConsumeFieldValue(num, typ, b)
	if n < 0 {
		return 0, fmt.Errorf("%w: field %d: %v", ErrInvalid, num, protowire.ParseError(n))
	}
	return n, nil
}

func consumeInt32(typ protowire.Type, b []byte) (int32, int, error) {
	if typ != protowire.VarintType {
		return 0, 0, fmt.Errorf("%w: expected varint, got wire type %d", ErrInvalid, typ)
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, 0, fmt.Errorf("%w: varint: %v", ErrInvalid, protowire.ParseError(n))
	}
	return int32(v), n, nil
}

func consumeBytes(typ protowire.Type, b []byte) ([]byte, int, error) {
	if typ != protowire.BytesType {
		return nil, 0, fmt.Errorf("%w: expected bytes, got wire type %d", ErrInvalid, typ)
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, 0, fmt.Errorf("%w: bytes: %v", ErrInvalid, protowire.ParseError(n))
	}
	return v, n, nil
}

func consumeString(typ protowire.Type, b []byte, dst *string) (int, error) {
	v, n, err := consumeBytes(typ, b)
	if err != nil {
		return 0, err
	}
	*dst = string(v)
	return n, nil
}
