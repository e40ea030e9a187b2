// Package gateway moves chat messages between channel adapters and the agent
// router. Adapters publish inbound messages onto a queue; the Processor routes
// each one to an agent and publishes the reply to the outbox.
package gateway

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "solstice-agent/internal/errors"
	"solstice-agent/internal/llm"
)

// Channel 标识消息来源或目标渠道。
type Channel string

// 网关支持的渠道。
const (
	ChannelWhatsApp   Channel = "whatsapp"
	ChannelTelegram   Channel = "telegram"
	ChannelDiscord    Channel = "discord"
	ChannelSlack      Channel = "slack"
	ChannelEmail      Channel = "email"
	ChannelTeams      Channel = "teams"
	ChannelGoogleChat Channel = "google_chat"
	ChannelSignal     Channel = "signal"
	ChannelMatrix     Channel = "matrix"
	ChannelIMessage   Channel = "imessage"
	ChannelIRC        Channel = "irc"
	ChannelMattermost Channel = "mattermost"
	ChannelLine       Channel = "line"
	ChannelTwitch     Channel = "twitch"
	ChannelMessenger  Channel = "messenger"
	ChannelTwitter    Channel = "twitter"
	ChannelReddit     Channel = "reddit"
	ChannelWebhook    Channel = "webhook"
	ChannelNostr      Channel = "nostr"
	ChannelWebchat    Channel = "webchat"
	ChannelFeishu     Channel = "feishu"
)

var channels = []Channel{
	ChannelWhatsApp, ChannelTelegram, ChannelDiscord, ChannelSlack, ChannelEmail,
	ChannelTeams, ChannelGoogleChat, ChannelSignal, ChannelMatrix, ChannelIMessage,
	ChannelIRC, ChannelMattermost, ChannelLine, ChannelTwitch, ChannelMessenger,
	ChannelTwitter, ChannelReddit, ChannelWebhook, ChannelNostr, ChannelWebchat,
	ChannelFeishu,
}

// Channels 返回全部渠道。
func Channels() []Channel {
	return slices.Clone(channels)
}

// ParseChannel 校验渠道名称，大小写不敏感。
func ParseChannel(name string) (Channel, error) {
	ch := Channel(strings.ToLower(strings.TrimSpace(name)))
	if slices.Contains(channels, ch) {
		return ch, nil
	}
	return "", xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("unknown channel %q", name))
}

// Direction 区分入站与出站消息。
type Direction string

const (
	Inbound  Direction = "inbound"
	Outbound Direction = "outbound"
)

// Message 是跨渠道统一的消息格式。
type Message struct {
	ID          string            `json:"id"`
	Channel     Channel           `json:"channel"`
	Direction   Direction         `json:"direction"`
	SenderID    string            `json:"sender_id"`
	SenderName  string            `json:"sender_name,omitempty"`
	RecipientID string            `json:"recipient_id,omitempty"`
	Text        string            `json:"text"`
	Images      []llm.ImageRef    `json:"images,omitempty"`
	ReplyTo     string            `json:"reply_to,omitempty"`
	Agent       string            `json:"agent,omitempty"`
	Timestamp   time.Time         `json:"timestamp"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// NewMessageID 生成 "gw-" 加 12 位十六进制的消息 ID。
func NewMessageID() string {
	return "gw-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// NewInbound 构造一条入站消息。
func NewInbound(channel Channel, senderID, text string) Message {
	return Message{
		ID:        NewMessageID(),
		Channel:   channel,
		Direction: Inbound,
		SenderID:  senderID,
		Text:      text,
		Timestamp: time.Now().UTC(),
	}
}

// Reply 构造对入站消息的出站回复。回复目标优先取 metadata 中的 chat_id。
func (m Message) Reply(agent, text string) Message {
	recipient := m.SenderID
	if chat := m.Metadata["chat_id"]; chat != "" {
		recipient = chat
	}
	out := Message{
		ID:          NewMessageID(),
		Channel:     m.Channel,
		Direction:   Outbound,
		RecipientID: recipient,
		Text:        text,
		ReplyTo:     m.ID,
		Agent:       agent,
		Timestamp:   time.Now().UTC(),
	}
	if len(m.Metadata) > 0 {
		out.Metadata = make(map[string]string, len(m.Metadata))
		for k, v := range m.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// Validate 检查入站消息的必填字段。
func (m Message) Validate() error {
	if _, err := ParseChannel(string(m.Channel)); err != nil {
		return err
	}
	if strings.TrimSpace(m.SenderID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "sender_id is required")
	}
	if strings.TrimSpace(m.Text) == "" && len(m.Images) == 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "message has no text or images")
	}
	return nil
}

func encode(m Message) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "encode message")
	}
	return data, nil
}

func decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, xerrors.Wrap(xerrors.CodeQueueFailure, err, "decode message")
	}
	return m, nil
}
