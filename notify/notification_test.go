package notify

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/user/notisync/proto"
)

func TestRelayable(t *testing.T) {
	const self = "io.notisync"

	tests := []struct {
		name string
		n    Notification
		want bool
	}{
		{name: "title only", n: Notification{Pkg: "chat", Title: "hi"}, want: true},
		{name: "text only", n: Notification{Pkg: "chat", Text: "body"}, want: true},
		{name: "no title or text", n: Notification{Pkg: "chat", SubText: "x"}, want: false},
		{name: "own notification", n: Notification{Pkg: self, Title: "syncing"}, want: false},
		{name: "group summary", n: Notification{Pkg: "chat", Title: "3 new", Flags: FlagGroupSummary | 0x8}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.n.Relayable(self))
		})
	}
}

func TestMessages(t *testing.T) {
	n := Notification{Pkg: "chat", ID: 4, Title: "Bob", Text: "lunch?", ChannelID: "dm", AppName: "Chat", Priority: 1}

	post := n.PostMessage()
	assert.Equal(t, proto.MsgTypePostNotification, post.Type)
	assert.Equal(t, "chat", post.Notification.Pkg)
	assert.Equal(t, int32(4), post.Notification.ID)
	assert.Equal(t, "lunch?", post.Notification.Notification.ContentText)
	assert.Equal(t, "dm", post.Notification.Notification.ChannelID)

	remove := n.RemoveMessage()
	assert.Equal(t, proto.NewRemove("chat", 4), remove)
}
