package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// 领域事件的 routing key
const (
	EventCampaignDispatched = "campaign.dispatched"
	EventRecalcFinished     = "recalculation.finished"
	EventAdminKeyRotated    = "admin.key_rotated"
)

// Publisher 领域事件发布，失败由调用方记录后忽略
type Publisher interface {
	Publish(ctx context.Context, routingKey string, payload interface{}) error
}

// NopPublisher 未配置消息队列时使用
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, string, interface{}) error { return nil }

// AMQPPublisher 把事件以 JSON 持久化消息发布到 topic exchange
type AMQPPublisher struct {
	url      string
	exchange string

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

func NewAMQPPublisher(url, exchange string) *AMQPPublisher {
	return &AMQPPublisher{url: url, exchange: exchange}
}

// channel 断线后下一次发布时重连，调用方须持有 p.mu
func (p *AMQPPublisher) channel() (*amqp.Channel, error) {
	if p.ch != nil && !p.ch.IsClosed() {
		return p.ch, nil
	}
	if p.conn == nil || p.conn.IsClosed() {
		conn, err := amqp.Dial(p.url)
		if err != nil {
			return nil, fmt.Errorf("rabbitmq: dial failed: %w", err)
		}
		p.conn = conn
	}
	ch, err := p.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("rabbitmq: channel open failed: %w", err)
	}
	if err := ch.ExchangeDeclare(p.exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		return nil, fmt.Errorf("rabbitmq: exchange declare failed: %w", err)
	}
	p.ch = ch
	return ch, nil
}

func (p *AMQPPublisher) Publish(ctx context.Context, routingKey string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("rabbitmq: marshal event failed: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	ch, err := p.channel()
	if err != nil {
		return err
	}
	return ch.PublishWithContext(ctx, p.exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
}

func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch != nil {
		p.ch.Close()
		p.ch = nil
	}
	if p.conn != nil {
		err := p.conn.Close()
		p.conn = nil
		return err
	}
	return nil
}
