// Package proto holds the notification messages exchanged between peers and
// their protobuf wire encoding.
//
//	message Notification {
//	  string title = 1; string big_title = 2; string content_text = 3;
//	  string sub_text = 4; int32 priority = 5; int32 flags = 6;
//	  int32 visibility = 7; string app_name = 8; string channel_id = 9;
//	}
//	message StatusBarNotification { string pkg = 1; int32 id = 2; Notification notification = 3; }
//	message BleMessage { MsgType type = 1; StatusBarNotification notification = 2; }
package proto

// MsgType tags a BleMessage.
type MsgType int32

const (
	MsgTypeUnknown            MsgType = 0
	MsgTypePostNotification   MsgType = 1
	MsgTypeRemoveNotification MsgType = 2
)

func (t MsgType) String() string {
	switch t {
	case MsgTypePostNotification:
		return "POST_NOTIFICATION"
	case MsgTypeRemoveNotification:
		return "REMOVE_NOTIFICATION"
	default:
		return "UNKNOWN"
	}
}

// Notification is the visible content of a posted notification.
type Notification struct {
	Title       string `json:"title,omitempty"`
	BigTitle    string `json:"big_title,omitempty"`
	ContentText string `json:"content_text,omitempty"`
	SubText     string `json:"sub_text,omitempty"`
	Priority    int32  `json:"priority,omitempty"`
	Flags       int32  `json:"flags,omitempty"`
	Visibility  int32  `json:"visibility,omitempty"`
	AppName     string `json:"app_name,omitempty"`
	ChannelID   string `json:"channel_id,omitempty"`
}

// StatusBarNotification identifies a notification by app and id.
type StatusBarNotification struct {
	Pkg          string        `json:"pkg,omitempty"`
	ID           int32         `json:"id,omitempty"`
	Notification *Notification `json:"notification,omitempty"`
}

// BleMessage is the unit carried by a message channel.
type BleMessage struct {
	Type         MsgType                `json:"type"`
	Notification *StatusBarNotification `json:"notification,omitempty"`
}

// NewPost builds a post message.
func NewPost(pkg string, id int32, n *Notification) *BleMessage {
	return &BleMessage{
		Type:         MsgTypePostNotification,
		Notification: &StatusBarNotification{Pkg: pkg, ID: id, Notification: n},
	}
}

// NewRemove builds a removal message. Removals carry no content.
func NewRemove(pkg string, id int32) *BleMessage {
	return &BleMessage{
		Type:         MsgTypeRemoveNotification,
		Notification: &StatusBarNotification{Pkg: pkg, ID: id},
	}
}
