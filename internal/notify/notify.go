// Package notify 运行结果通知。
// 仅定义接口与日志落地实现, 邮件 / IM 等具体通道由部署方注入。
package notify

import (
	"context"

	"go.uber.org/zap"

	"github.com/eidos-exchange/eidos-archiver/pkg/logger"
)

// 通知级别
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Event 一条通知
type Event struct {
	RunID    string            `json:"run_id"`
	Severity string            `json:"severity"`
	Title    string            `json:"title"`
	Message  string            `json:"message"`
	Fields   map[string]string `json:"fields,omitempty"`
}

// Notifier 通知发送方
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// LogNotifier 把通知写入结构化日志, 缺省实现
type LogNotifier struct{}

func NewLogNotifier() *LogNotifier { return &LogNotifier{} }

func (n *LogNotifier) Notify(_ context.Context, ev Event) error {
	fields := []zap.Field{
		zap.String("run_id", ev.RunID),
		zap.String("title", ev.Title),
		zap.String("message", ev.Message),
	}
	for k, v := range ev.Fields {
		fields = append(fields, zap.String(k, v))
	}
	switch ev.Severity {
	case SeverityCritical:
		logger.Error("notification", fields...)
	case SeverityWarning:
		logger.Warn("notification", fields...)
	default:
		logger.Info("notification", fields...)
	}
	return nil
}
