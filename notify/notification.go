// Package notify describes notifications captured from the host and the
// rules that decide which of them are worth relaying.
package notify

import "github.com/user/notisync/proto"

// FlagGroupSummary marks a notification that only summarizes a group.
const FlagGroupSummary = 0x200

// Notification is a host notification as captured by the listener.
type Notification struct {
	Pkg        string `json:"pkg"`
	ID         int32  `json:"id"`
	Title      string `json:"title,omitempty"`
	BigTitle   string `json:"big_title,omitempty"`
	Text       string `json:"text,omitempty"`
	SubText    string `json:"sub_text,omitempty"`
	Priority   int32  `json:"priority,omitempty"`
	Flags      int32  `json:"flags,omitempty"`
	Visibility int32  `json:"visibility,omitempty"`
	ChannelID  string `json:"channel_id,omitempty"`
	AppName    string `json:"app_name,omitempty"`
}

// IsGroupSummary reports whether n only summarizes other notifications.
func (n Notification) IsGroupSummary() bool {
	return n.Flags&FlagGroupSummary != 0
}

// Relayable reports whether n should be sent to peers. Notifications posted
// by selfPkg, group summaries and notifications without title and text are not.
func (n Notification) Relayable(selfPkg string) bool {
	if n.Pkg == selfPkg {
		return false
	}
	if n.IsGroupSummary() {
		return false
	}
	return n.Title != "" || n.Text != ""
}

// PostMessage converts n to a post message.
func (n Notification) PostMessage() *proto.BleMessage {
	return proto.NewPost(n.Pkg, n.ID, &proto.Notification{
		Title:       n.Title,
		BigTitle:    n.BigTitle,
		ContentText: n.Text,
		SubText:     n.SubText,
		Priority:    n.Priority,
		Flags:       n.Flags,
		Visibility:  n.Visibility,
		AppName:     n.AppName,
		ChannelID:   n.ChannelID,
	})
}

// RemoveMessage converts n to a removal message.
func (n Notification) RemoveMessage() *proto.BleMessage {
	return proto.NewRemove(n.Pkg, n.ID)
}
