// Package notifier 目录通知异步投递
package notifier

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/athena/checkout/internal/client"
	"github.com/athena/checkout/internal/metrics"
	"github.com/athena/checkout/internal/service"
	"github.com/athena/checkout/pkg/logger"
	redispkg "github.com/athena/checkout/pkg/redis"
)

// Directory 目录标注接口
type Directory interface {
	AnnotateDevice(ctx context.Context, req *client.AnnotateRequest) error
}

// Notifier 消费通知流并调用目录接口。
// 投递失败由消费者组重试，超过上限进入死信流。
type Notifier struct {
	consumer  *redispkg.Consumer
	directory Directory
	stream    string
	group     string
	log       *logger.Logger
	metrics   *metrics.Metrics
}

// New 创建投递器
func New(streamClient *redispkg.StreamClient, directory Directory,
	log *logger.Logger, m *metrics.Metrics,
	stream, group, consumerName string, opts *redispkg.ConsumerOptions) *Notifier {
	n := &Notifier{
		directory: directory,
		stream:    stream,
		group:     group,
		log:       log,
		metrics:   m,
	}
	n.consumer = redispkg.NewConsumer(streamClient, group, consumerName, []string{stream},
		n.handle, consumerOptions(m, opts))
	return n
}

// consumerOptions 把死信与积压指标挂到消费者回调上
func consumerOptions(m *metrics.Metrics, opts *redispkg.ConsumerOptions) *redispkg.ConsumerOptions {
	co := redispkg.DefaultConsumerOptions
	if opts != nil {
		co = *opts
	}
	if co.OnDLQ == nil {
		co.OnDLQ = func(stream, group string) {
			m.IncStreamDLQ(stream, group)
		}
	}
	if co.OnPending == nil {
		co.OnPending = func(stream, group string, count int64) {
			m.SetStreamPending(stream, group, count)
		}
	}
	return &co
}

// Start 阻塞消费直到 ctx 取消
func (n *Notifier) Start(ctx context.Context) error {
	n.log.Infof("directory notifier started", map[string]interface{}{
		"stream": n.stream,
		"group":  n.group,
	})
	return n.consumer.Start(ctx)
}

func (n *Notifier) handle(ctx context.Context, msg *redispkg.Message) error {
	var m service.NotifyMessage
	if err := json.Unmarshal(msg.Data, &m); err != nil {
		// 消息损坏重试无意义，记录后丢弃
		n.log.WithError(err).WithField("msgId", msg.ID).Error("drop malformed notify message")
		return nil
	}

	req := &client.AnnotateRequest{
		AssetTag:      m.AssetTag,
		SerialNumber:  m.SerialNumber,
		AnnotatedUser: m.AnnotatedUser,
		Notes:         m.Notes,
	}
	if err := n.directory.AnnotateDevice(ctx, req); err != nil {
		n.metrics.IncStreamError(n.stream, n.group)
		n.log.WithError(err).Warnf("directory annotate failed, will retry", map[string]interface{}{
			"assetTag": m.AssetTag,
			"msgId":    msg.ID,
		})
		return fmt.Errorf("annotate device %s: %w", m.AssetTag, err)
	}

	n.log.Infof("directory annotation delivered", map[string]interface{}{
		"assetTag":      m.AssetTag,
		"annotatedUser": m.AnnotatedUser,
	})
	return nil
}
