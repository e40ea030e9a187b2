package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	xerrors "solstice-agent/internal/errors"
	"solstice-agent/internal/storage/atomicfile"
	"solstice-agent/pkg/logger"
)

// FileDeliverer 把任务结果写入 results 目录下的文本文件。
type FileDeliverer struct {
	dir string
	now func() time.Time
}

// NewFileDeliverer 创建文件投递器。
func NewFileDeliverer(dir string) (*FileDeliverer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "create results dir")
	}
	return &FileDeliverer{dir: dir, now: time.Now}, nil
}

// Deliver 写入 {job}_{YYYYmmdd_HHMMSS}.txt。
func (d *FileDeliverer) Deliver(_ context.Context, job Job, output string) error {
	_, err := d.write(job, output)
	return err
}

func (d *FileDeliverer) write(job Job, output string) (string, error) {
	now := d.now().UTC()
	path := filepath.Join(d.dir, fmt.Sprintf("%s_%s.txt", job.ID, now.Format("20060102_150405")))
	var b strings.Builder
	fmt.Fprintf(&b, "Job: %s\n", job.ID)
	fmt.Fprintf(&b, "Query: %s\n", job.Prompt)
	fmt.Fprintf(&b, "Schedule: %s\n", job.Schedule)
	fmt.Fprintf(&b, "Executed: %s\n", now.Format(time.RFC3339))
	b.WriteString(strings.Repeat("=", 40))
	b.WriteString("\n\n")
	b.WriteString(output)
	if err := atomicfile.Write(path, []byte(b.String())); err != nil {
		return "", xerrors.Wrap(xerrors.CodeStorageFailure, err, "write job result")
	}
	logger.L().Info("job result saved", slog.String("job_id", job.ID), slog.String("path", path))
	return path, nil
}

// Sender 向聊天渠道主动发送消息，通常由网关出站队列实现。
type Sender interface {
	Send(ctx context.Context, channel, recipient, text string) error
}

// ChannelDeliverer 在任务配置了渠道与收件人时通过 Sender 投递，
// 否则或发送失败时写入结果文件。
type ChannelDeliverer struct {
	sender   Sender
	fallback *FileDeliverer
}

// NewChannelDeliverer 创建带文件兜底的渠道投递器。sender 可以为空。
func NewChannelDeliverer(sender Sender, fallback *FileDeliverer) *ChannelDeliverer {
	return &ChannelDeliverer{sender: sender, fallback: fallback}
}

// Deliver 实现 Deliverer。
func (d *ChannelDeliverer) Deliver(ctx context.Context, job Job, output string) error {
	if d.sender != nil && job.Delivery.Channel != "" && job.Delivery.Recipient != "" {
		err := d.sender.Send(ctx, job.Delivery.Channel, job.Delivery.Recipient, output)
		if err == nil {
			logger.L().Info("job result delivered",
				slog.String("job_id", job.ID),
				slog.String("channel", job.Delivery.Channel),
				slog.String("recipient", job.Delivery.Recipient),
			)
			return nil
		}
		logger.L().Error("channel delivery failed, saving to file",
			slog.String("job_id", job.ID),
			slog.String("channel", job.Delivery.Channel),
			slog.Any("error", err),
		)
	}
	if d.fallback == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "no delivery target for job "+job.ID)
	}
	return d.fallback.Deliver(ctx, job, output)
}
