package notifier

import (
	"context"
	"encoding/json"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sysu-ecnc-dev/recurring-booking/backend/internal/config"
	"github.com/sysu-ecnc-dev/recurring-booking/backend/internal/domain"
)

// NotificationQueue 是通知事件的队列名，由 cmd/notify 消费并转成邮件
const NotificationQueue = "notification_queue"

// Notifier 是通知协作方的接口。
// 通知失败绝不允许阻塞或失败核心的扩展操作，调用方只记录日志
type Notifier interface {
	Publish(ctx context.Context, msg *domain.NotificationMessage) error
}

// AMQP 把通知事件发布到 rabbitmq 队列
type AMQP struct {
	cfg     *config.Config
	channel *amqp.Channel
}

func NewAMQP(cfg *config.Config, channel *amqp.Channel) *AMQP {
	return &AMQP{
		cfg:     cfg,
		channel: channel,
	}
}

func (n *AMQP) Publish(ctx context.Context, msg *domain.NotificationMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, time.Duration(n.cfg.RabbitMQ.PublishTimeout)*time.Second)
	defer cancel()

	return n.channel.PublishWithContext(
		ctx,
		"",
		NotificationQueue,
		true,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
		},
	)
}

// Noop 在种子脚本和测试中使用
type Noop struct{}

func (Noop) Publish(ctx context.Context, msg *domain.NotificationMessage) error {
	return nil
}
