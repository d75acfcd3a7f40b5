package relay

import (
	"strconv"

	"github.com/google/uuid"

	"github.com/user/notisync/ble"
	"github.com/user/notisync/proto"
)

var keyNamespace = uuid.MustParse("8f7d2c1e-5b4a-4e39-9c0d-6a1f2e3b4c5d")

// NotificationKey identifies a relayed notification on the receiving side.
// Post and removal of the same notification from the same peer map to the
// same key.
func NotificationKey(peerAddress, pkg string, id int32) string {
	name := peerAddress + "\x00" + pkg + "\x00" + strconv.FormatInt(int64(id), 10)
	return uuid.NewSHA1(keyNamespace, []byte(name)).String()
}

// ChannelKey identifies the display channel a relayed notification lands in.
func ChannelKey(peerAddress, pkg, channelID string) string {
	return peerAddress + "/" + pkg + "/" + channelID
}

// Inbound builds the display request for a post received from peer.
func Inbound(peer ble.Device, sbn *proto.StatusBarNotification) Incoming {
	in := Incoming{
		Key:  NotificationKey(peer.Address, sbn.Pkg, sbn.ID),
		Peer: peer,
		Pkg:  sbn.Pkg,
		ID:   sbn.ID,
	}
	n := sbn.Notification
	if n == nil {
		n = &proto.Notification{}
	}

	appName := n.AppName
	if appName == "" {
		appName = sbn.Pkg
	}
	peerName := peer.Name
	if peerName == "" {
		peerName = peer.Address
	}

	in.ChannelKey = ChannelKey(peer.Address, sbn.Pkg, n.ChannelID)
	in.ChannelName = peerName + "-" + appName
	in.Title = n.Title
	if n.AppName != "" {
		in.Title = n.Title + " (" + n.AppName + ")"
	}
	in.BigTitle = n.BigTitle
	in.Text = n.ContentText
	in.SubText = n.SubText
	in.Priority = n.Priority
	in.Visibility = n.Visibility
	return in
}
