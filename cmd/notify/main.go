package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sysu-ecnc-dev/recurring-booking/backend/internal/config"
	"github.com/sysu-ecnc-dev/recurring-booking/backend/internal/domain"
	"github.com/sysu-ecnc-dev/recurring-booking/backend/internal/notifier"
	"github.com/sysu-ecnc-dev/recurring-booking/backend/internal/repository"
	"github.com/sysu-ecnc-dev/recurring-booking/backend/internal/storage"
	"github.com/wneessen/go-mail"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func main() {
	/**********************************************
	 * 创建 logger
	 **********************************************/
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	/**********************************************
	 * 读取配置文件
	 **********************************************/
	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Error("无法读取配置文件", slog.String("error", err.Error()))
		return
	}

	/**********************************************
	 * 连接数据库（用于把用户名解析为邮箱）
	 **********************************************/
	dbpool, err := sql.Open("pgx", cfg.Database.DSN)
	if err != nil {
		logger.Error("无法创建数据库连接池", "error", err)
		return
	}
	defer dbpool.Close()

	pingCtx, cancelPing := context.WithTimeout(context.Background(), time.Duration(cfg.Database.ConnectTimeout)*time.Second)
	defer cancelPing()
	if err := dbpool.PingContext(pingCtx); err != nil {
		logger.Error("无法连接到数据库", "error", err)
		return
	}

	store := storage.NewPostgres(cfg, dbpool, storage.DefaultRegistry())
	repo := repository.NewRepository(cfg, dbpool, store)

	/**********************************************
	 * 创建邮件客户端
	 **********************************************/
	client, err := mail.NewClient(cfg.Email.SMTP.Host,
		mail.WithSMTPAuth(mail.SMTPAuthPlain),
		mail.WithSSL(),
		mail.WithPort(cfg.Email.SMTP.Port),
		mail.WithUsername(cfg.Email.SMTP.Username),
		mail.WithPassword(cfg.Email.SMTP.Password),
	)
	if err != nil {
		logger.Error("无法创建邮件客户端", slog.String("error", err.Error()))
		return
	}
	defer client.Close()

	// 验证邮件客户端是否连接成功
	clientDialCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Email.SMTP.DialTimeout)*time.Second)
	defer cancel()
	if err := client.DialWithContext(clientDialCtx); err != nil {
		logger.Error("无法连接到邮件服务器", slog.String("error", err.Error()))
		return
	}

	/**********************************************
	 * 连接 RabbitMQ
	 **********************************************/
	conn, err := amqp.Dial(cfg.RabbitMQ.DSN)
	if err != nil {
		logger.Error("无法连接到 RabbitMQ", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	// 创建通道
	ch, err := conn.Channel()
	if err != nil {
		logger.Error("无法创建通道", slog.String("error", err.Error()))
		return
	}
	defer ch.Close()

	// 声明队列
	q, err := ch.QueueDeclare(
		notifier.NotificationQueue,
		true,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		logger.Error("无法声明队列", slog.String("error", err.Error()))
		return
	}

	// 监听 CTRL+C
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	// 消费消息
	msgs, err := ch.Consume(
		q.Name,
		"",
		false,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		logger.Error("无法消费消息", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 用于关闭 goroutine 的上下文
	ctx, cancelConsume := context.WithCancel(context.Background())
	wg := sync.WaitGroup{}

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-msgs:
				logger.Info("收到通知事件", slog.String("message", string(msg.Body)))

				event := domain.NotificationMessage{}
				if err := json.Unmarshal(msg.Body, &event); err != nil {
					logger.Error("通知事件反序列化失败", slog.String("error", err.Error()))
					_ = msg.Nack(false, false)
					continue
				}

				// 把系列所有者的用户名解析为邮箱
				owner, err := repo.GetUserByUsername(ctx, event.To)
				if err != nil {
					logger.Error("无法解析通知收件人", slog.String("username", event.To), slog.String("error", err.Error()))
					_ = msg.Nack(false, false)
					continue
				}

				m := mail.NewMsg()
				if err := m.From(cfg.Email.SMTP.Username); err != nil {
					logger.Error("无法设置邮件发件人", slog.String("error", err.Error()))
					_ = msg.Nack(false, false)
					continue
				}
				if err := m.To(owner.Email); err != nil {
					logger.Error("无法设置邮件收件人", slog.String("error", err.Error()))
					_ = msg.Nack(false, false)
					continue
				}

				subject, body, err := renderNotification(&event, owner)
				if err != nil {
					logger.Error("无法渲染通知邮件", slog.String("error", err.Error()))
					_ = msg.Nack(false, false)
					continue
				}
				m.Subject(subject)
				m.SetBodyString(mail.TypeTextPlain, body)

				// 发送邮件
				if err := client.DialAndSend(m); err != nil {
					logger.Error("邮件发送失败", slog.String("error", err.Error()))
					_ = msg.Nack(false, true) // 将消息重新入队
					continue
				}

				// 确认消息
				_ = msg.Ack(false)
			}
		}
	}()

	// 等待 CTRL+C 信号
	logger.Info("等待通知事件...（按 CTRL+C 退出）")
	<-sigChan

	// 优雅退出
	slog.Info("正在关闭 notify worker...")
	cancelConsume()
	wg.Wait()
	slog.Info("notify worker 已成功关闭")
}

// renderNotification 按事件类型生成邮件的主题和正文
func renderNotification(event *domain.NotificationMessage, owner *domain.User) (string, string, error) {
	raw, err := json.Marshal(event.Data)
	if err != nil {
		return "", "", err
	}

	switch event.Type {
	case domain.NotificationSchemaDrift:
		data := domain.SchemaDriftData{}
		if err := json.Unmarshal(raw, &data); err != nil {
			return "", "", err
		}

		subject := "周期预订系统 - 系列已暂停（目标表结构变更）"
		body := fmt.Sprintf(
			"%s 您好：\n\n您的日程组「%s」（系列 %d）在计划扩展时发现目标表 %s 缺少模板字段：%s。\n系列已被暂停为 needs_attention，请更新模板后恢复该系列。\n",
			owner.FullName, data.GroupName, data.SeriesID, data.TargetTable, strings.Join(data.MissingFields, "、"),
		)
		return subject, body, nil
	case domain.NotificationPermissionLost:
		data := domain.PermissionLostData{}
		if err := json.Unmarshal(raw, &data); err != nil {
			return "", "", err
		}

		subject := "周期预订系统 - 系列已暂停（写权限丢失）"
		body := fmt.Sprintf(
			"%s 您好：\n\n您的日程组「%s」（系列 %d）在计划扩展时发现您已失去目标表 %s 的写权限。\n系列已被暂停为 needs_attention，请联系管理员恢复权限后恢复该系列。\n",
			owner.FullName, data.GroupName, data.SeriesID, data.TargetTable,
		)
		return subject, body, nil
	default:
		return "", "", fmt.Errorf("不支持的通知类型 %s", event.Type)
	}
}
