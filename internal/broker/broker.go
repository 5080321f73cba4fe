// Package broker is the AMQP plumbing shared by every service: one
// topic exchange, durable queues, manual ack, confirmed publishes.
package broker

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"
)

type Config struct {
	URL             string        `mapstructure:"url"`
	Exchange        string        `mapstructure:"exchange"`
	Username        string        `mapstructure:"username"`
	Password        string        `mapstructure:"password"`
	PrefetchCount   int           `mapstructure:"prefetch_count"`
	PublishAttempts int           `mapstructure:"publish_attempts"`
	PublishBackoff  time.Duration `mapstructure:"publish_backoff"`
	ConfirmTimeout  time.Duration `mapstructure:"confirm_timeout"`
}

func (c *Config) withDefaults() {
	if c.Exchange == "" {
		c.Exchange = "leilao.events"
	}
	if c.PrefetchCount <= 0 {
		c.PrefetchCount = 10
	}
	if c.PublishAttempts <= 0 {
		c.PublishAttempts = 5
	}
	if c.PublishBackoff <= 0 {
		c.PublishBackoff = 200 * time.Millisecond
	}
	if c.ConfirmTimeout <= 0 {
		c.ConfirmTimeout = 5 * time.Second
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.URL) == "" {
		return fmt.Errorf("amqp url is required")
	}
	return nil
}

// Client owns the connection and the topology channel. Publishers and
// consumers each get their own channel; the topology channel is shared
// and mutex-guarded because amqp channels are not goroutine safe.
type Client struct {
	cfg  Config
	conn *amqp091.Connection
	log  *slog.Logger

	mu     sync.Mutex
	topoCh *amqp091.Channel
}

func Connect(cfg Config, log *slog.Logger) (*Client, error) {
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	dialCfg := amqp091.Config{Heartbeat: 30 * time.Second}
	if cfg.Username != "" {
		dialCfg.SASL = []amqp091.Authentication{&amqp091.PlainAuth{Username: cfg.Username, Password: cfg.Password}}
	}
	conn, err := amqp091.DialConfig(cfg.URL, dialCfg)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open topology channel: %w", err)
	}
	if err := ch.ExchangeDeclare(cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", cfg.Exchange, err)
	}
	return &Client{cfg: cfg, conn: conn, log: log.With("component", "broker"), topoCh: ch}, nil
}

func (c *Client) Config() Config { return c.cfg }

func (c *Client) Close() error {
	var errs []error
	c.mu.Lock()
	if c.topoCh != nil {
		if err := c.topoCh.Close(); err != nil && !errors.Is(err, amqp091.ErrClosed) {
			errs = append(errs, err)
		}
		c.topoCh = nil
	}
	c.mu.Unlock()
	if err := c.conn.Close(); err != nil && !errors.Is(err, amqp091.ErrClosed) {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// DeclareBoundQueue declares a durable queue and binds it to the
// exchange under each routing key. Redeclaring is a no-op on the
// broker side, so callers may use this as an ensure-exists operation.
func (c *Client) DeclareBoundQueue(queue string, routingKeys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, err := c.topologyChannel()
	if err != nil {
		return err
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", queue, err)
	}
	for _, key := range routingKeys {
		if err := ch.QueueBind(queue, key, c.cfg.Exchange, false, nil); err != nil {
			return fmt.Errorf("bind queue %s key=%s: %w", queue, key, err)
		}
	}
	return nil
}

func (c *Client) topologyChannel() (*amqp091.Channel, error) {
	if c.topoCh != nil && !c.topoCh.IsClosed() {
		return c.topoCh, nil
	}
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("reopen topology channel: %w", err)
	}
	c.topoCh = ch
	return ch, nil
}

type retryable interface{ Temporary() bool }

// IsRetryable reports whether a handler error should requeue the
// delivery instead of dropping it.
func IsRetryable(err error) bool {
	var te retryable
	if errors.As(err, &te) {
		return te.Temporary()
	}
	return false
}

// Settle applies the delivery ack policy: success acks, retryable
// failures requeue, everything else is dropped.
func Settle(d amqp091.Delivery, err error) {
	switch {
	case err == nil:
		_ = d.Ack(false)
	case IsRetryable(err):
		_ = d.Nack(false, true)
	default:
		_ = d.Nack(false, false)
	}
}
