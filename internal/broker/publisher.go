package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"
)

var errConfirmNacked = errors.New("publish nacked by broker")

// Publisher publishes persistent JSON messages with publisher confirms
// and bounded retry. Exhausting the retry budget is fatal for the
// owning service; callers must not swallow the returned error.
type Publisher struct {
	cfg  Config
	conn *amqp091.Connection
	log  *slog.Logger

	mu sync.Mutex
	ch *amqp091.Channel
}

func (c *Client) NewPublisher() (*Publisher, error) {
	p := &Publisher{cfg: c.cfg, conn: c.conn, log: c.log}
	if err := p.reopen(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Publisher) reopen() error {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	ch, err := p.conn.Channel()
	if err != nil {
		return fmt.Errorf("open publish channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		return fmt.Errorf("enable publisher confirms: %w", err)
	}
	p.ch = ch
	return nil
}

func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch == nil {
		return nil
	}
	err := p.ch.Close()
	p.ch = nil
	if errors.Is(err, amqp091.ErrClosed) {
		return nil
	}
	return err
}

// Publish sends body on routingKey, waiting for the broker confirm.
// Failed attempts back off exponentially up to PublishAttempts.
func (p *Publisher) Publish(ctx context.Context, routingKey string, body []byte) error {
	var lastErr error
	backoff := p.cfg.PublishBackoff
	for attempt := 0; attempt < p.cfg.PublishAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			p.mu.Lock()
			if p.ch == nil || p.ch.IsClosed() {
				if err := p.reopen(); err != nil {
					p.mu.Unlock()
					lastErr = err
					continue
				}
			}
			p.mu.Unlock()
		}
		if err := p.publishOnce(ctx, routingKey, body); err != nil {
			lastErr = err
			p.log.Warn("publish attempt failed", "routing_key", routingKey, "attempt", attempt+1, "error", err)
			continue
		}
		return nil
	}
	return fmt.Errorf("publish %s exhausted %d attempts: %w", routingKey, p.cfg.PublishAttempts, lastErr)
}

func (p *Publisher) publishOnce(ctx context.Context, routingKey string, body []byte) error {
	p.mu.Lock()
	ch := p.ch
	if ch == nil {
		p.mu.Unlock()
		return amqp091.ErrClosed
	}
	dc, err := ch.PublishWithDeferredConfirmWithContext(ctx, p.cfg.Exchange, routingKey, false, false, amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
	p.mu.Unlock()
	if err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(p.cfg.ConfirmTimeout):
		return fmt.Errorf("confirm timeout after %s", p.cfg.ConfirmTimeout)
	case <-dc.Done():
		if !dc.Acked() {
			return errConfirmNacked
		}
		return nil
	}
}

// PublishJSON marshals v and publishes it on routingKey.
func (p *Publisher) PublishJSON(ctx context.Context, routingKey string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", routingKey, err)
	}
	return p.Publish(ctx, routingKey, body)
}
