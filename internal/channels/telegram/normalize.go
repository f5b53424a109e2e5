package telegram

import (
	"strconv"
	"strings"
	"time"

	"github.com/mymmrac/telego"

	"github.com/agentgw/agentgw/internal/channels"
)

// generalTopicID is the fixed id of the "General" topic in forum
// supergroups. It is omitted from send parameters; Telegram rejects it.
const generalTopicID = 1

// Normalize converts a Bot API message into the router's inbound shape.
// Service messages and messages without text content return ok == false.
func Normalize(account string, msg *telego.Message) (channels.InboundMessage, bool) {
	if msg == nil || msg.From == nil {
		return channels.InboundMessage{}, false
	}
	text := msg.Text
	if text == "" {
		text = msg.Caption
	}
	if strings.TrimSpace(text) == "" {
		return channels.InboundMessage{}, false
	}

	isGroup := msg.Chat.Type == telego.ChatTypeGroup || msg.Chat.Type == telego.ChatTypeSupergroup
	peerKind := "dm"
	switch {
	case msg.Chat.Type == telego.ChatTypeChannel:
		peerKind = "channel"
	case isGroup:
		peerKind = "group"
	}

	// Thread only applies in forum supergroups; elsewhere message_thread_id
	// is reply context, not a topic.
	thread := ""
	if isGroup && msg.Chat.IsForum {
		tid := msg.MessageThreadID
		if tid == 0 {
			tid = generalTopicID
		}
		thread = strconv.Itoa(tid)
	}

	replyTo := ""
	if msg.ReplyToMessage != nil {
		replyTo = strconv.Itoa(msg.ReplyToMessage.MessageID)
	}

	return channels.InboundMessage{
		Channel:    ChannelID,
		Account:    account,
		PeerKind:   peerKind,
		Peer:       strconv.FormatInt(msg.Chat.ID, 10),
		Thread:     thread,
		MessageID:  strconv.Itoa(msg.MessageID),
		SenderID:   strconv.FormatInt(msg.From.ID, 10),
		SenderName: senderName(msg.From),
		Text:       text,
		ReplyTo:    replyTo,
		Timestamp:  time.Unix(msg.Date, 0),
	}, true
}

func senderName(u *telego.User) string {
	if u.Username != "" {
		return u.Username
	}
	name := u.FirstName
	if u.LastName != "" {
		name += " " + u.LastName
	}
	return name
}
