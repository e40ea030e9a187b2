package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	xerrors "solstice-agent/internal/errors"
	"solstice-agent/pkg/logger"
)

// Channel 表示通知渠道。
type Channel string

// 支持的通知渠道
const (
	ChannelWebhook Channel = "webhook"
	ChannelSlack   Channel = "slack"
)

// Event 描述一次需要告警的事件。
type Event struct {
	Code       xerrors.Code      `json:"code"`
	Message    string            `json:"message"`
	Severity   xerrors.Severity  `json:"severity"`
	Subject    string            `json:"subject"`
	Failures   int               `json:"failures,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// NewEvent 根据错误构造事件，严重程度取自错误码属性。
func NewEvent(code xerrors.Code, subject string, cause error) Event {
	attrs := xerrors.AttributesOf(code)
	event := Event{
		Code:       code,
		Message:    attrs.Message,
		Severity:   attrs.Severity,
		Subject:    subject,
		OccurredAt: time.Now().UTC(),
	}
	if cause != nil {
		event.Message = cause.Error()
		if e, ok := xerrors.From(cause); ok {
			event.Severity = e.Severity()
		}
	}
	return event
}

// Notifier 负责将事件发送到指定渠道。
type Notifier interface {
	Channel() Channel
	Notify(ctx context.Context, event Event) error
}

// Dispatcher 将事件广播给多个通知器。
type Dispatcher interface {
	Notify(ctx context.Context, event Event) error
}

// FanoutDispatcher 实现将事件投递到多个通知器的逻辑。
type FanoutDispatcher struct {
	notifiers map[Channel]Notifier
}

// NewFanout 创建一个新的 FanoutDispatcher。
func NewFanout(notifiers ...Notifier) *FanoutDispatcher {
	set := make(map[Channel]Notifier, len(notifiers))
	for _, n := range notifiers {
		if n == nil {
			continue
		}
		set[n.Channel()] = n
	}
	return &FanoutDispatcher{notifiers: set}
}

// Len 返回已注册的通知器数量。
func (d *FanoutDispatcher) Len() int {
	if d == nil {
		return 0
	}
	return len(d.notifiers)
}

// Notify 将事件广播至所有注册渠道。
func (d *FanoutDispatcher) Notify(ctx context.Context, event Event) error {
	if d == nil {
		return nil
	}
	var errs []error
	for _, notifier := range d.notifiers {
		if err := notifier.Notify(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", notifier.Channel(), err))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Emit 发送事件并记录失败，调用方无需处理返回值。
func Emit(ctx context.Context, d Dispatcher, event Event) {
	if d == nil {
		return
	}
	if err := d.Notify(ctx, event); err != nil {
		logger.L().Error("告警通知失败",
			slog.Any("error", err),
			slog.String("code", string(event.Code)),
			slog.String("subject", event.Subject),
		)
	}
}

// WebhookNotifier 以 JSON POST 方式推送事件。
type WebhookNotifier struct {
	URL     string
	Headers map[string]string
	Client  *http.Client
}

// Channel 返回 webhook 渠道。
func (n *WebhookNotifier) Channel() Channel { return ChannelWebhook }

// Notify 发送 webhook 请求，非 2xx 响应视为失败。
func (n *WebhookNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || n.URL == "" {
		logger.L().Warn("WebhookNotifier 未正确配置，跳过发送", slog.String("subject", event.Subject))
		return nil
	}
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return post(ctx, n.client(), n.URL, body, n.Headers)
}

func (n *WebhookNotifier) client() *http.Client {
	if n.Client != nil {
		return n.Client
	}
	return &http.Client{Timeout: 10 * time.Second}
}

// SlackSender 负责向 Slack 渠道发送消息。
type SlackSender interface {
	Send(ctx context.Context, channel, content string) error
}

// SlackNotifier 通过 Slack 发送告警。
type SlackNotifier struct {
	Sender    SlackSender
	ChannelID string
}

// Channel 返回 Slack 渠道。
func (n *SlackNotifier) Channel() Channel { return ChannelSlack }

// Notify 发送 Slack 消息。
func (n *SlackNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || n.Sender == nil {
		logger.L().Warn("SlackNotifier 未正确配置，跳过发送", slog.String("subject", event.Subject))
		return nil
	}
	return n.Sender.Send(ctx, n.ChannelID, FormatSlack(event))
}

// FormatSlack 渲染 Slack 文本，metadata 按键排序输出。
func FormatSlack(event Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "*[%s]* %s - %s", event.Severity, event.Code, event.Message)
	if event.Subject != "" {
		fmt.Fprintf(&b, " (%s", event.Subject)
		if event.Failures > 0 {
			fmt.Fprintf(&b, ", 失败 %d 次", event.Failures)
		}
		b.WriteString(")")
	}
	keys := make([]string, 0, len(event.Metadata))
	for k := range event.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n- %s: %s", k, event.Metadata[k])
	}
	return b.String()
}

// SlackWebhookSender 使用 Slack incoming webhook 发送消息。
type SlackWebhookSender struct {
	URL    string
	Client *http.Client
}

// Send 实现 SlackSender。channel 为空时使用 webhook 默认频道。
func (s *SlackWebhookSender) Send(ctx context.Context, channel, content string) error {
	payload := map[string]string{"text": content}
	if channel != "" {
		payload["channel"] = channel
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	client := s.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return post(ctx, client, s.URL, body, nil)
}

func post(ctx context.Context, client *http.Client, url string, body []byte, headers map[string]string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}
