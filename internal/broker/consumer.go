package broker

import (
	"errors"
	"fmt"

	"github.com/rabbitmq/amqp091-go"
)

// QueueSpec names one consumer queue and the routing keys it binds.
type QueueSpec struct {
	Queue       string
	RoutingKeys []string
	ConsumerTag string
}

// Consumer owns one channel delivering from one queue with manual ack.
// Callers drain Deliveries in their own loop so that per-key ordering
// decisions stay with the service, not the transport.
type Consumer struct {
	ch         *amqp091.Channel
	tag        string
	queue      string
	deliveries <-chan amqp091.Delivery
}

func (c *Client) NewConsumer(spec QueueSpec) (*Consumer, error) {
	if spec.Queue == "" {
		return nil, fmt.Errorf("consumer queue is required")
	}
	if spec.ConsumerTag == "" {
		spec.ConsumerTag = "leilao-" + spec.Queue
	}
	if err := c.DeclareBoundQueue(spec.Queue, spec.RoutingKeys...); err != nil {
		return nil, err
	}
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open consume channel: %w", err)
	}
	if err := ch.Qos(c.cfg.PrefetchCount, 0, false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("set prefetch: %w", err)
	}
	deliveries, err := ch.Consume(spec.Queue, spec.ConsumerTag, false, false, false, false, nil)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("consume queue %s: %w", spec.Queue, err)
	}
	return &Consumer{ch: ch, tag: spec.ConsumerTag, queue: spec.Queue, deliveries: deliveries}, nil
}

func (cm *Consumer) Queue() string { return cm.queue }

// Deliveries is closed when the channel or connection shuts down.
func (cm *Consumer) Deliveries() <-chan amqp091.Delivery { return cm.deliveries }

func (cm *Consumer) Close() error {
	_ = cm.ch.Cancel(cm.tag, false)
	err := cm.ch.Close()
	if errors.Is(err, amqp091.ErrClosed) {
		return nil
	}
	return err
}
