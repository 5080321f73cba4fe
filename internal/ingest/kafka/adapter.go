// Package kafka ingests signed bids from a Kafka topic as an alternative
// to the AMQP lance.realizado queue. Producers key records by auction
// identifier, so one partition carries one auction's bids in order; the
// adapter feeds them to the validation engine in that order and commits
// an offset only after the engine has decided the bid.
package kafka

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"leilao/internal/bidding"
	"leilao/internal/domain"
)

// Decider is the slice of the validation engine the adapter drives.
// The decision callback fires on the owning shard goroutine once the
// bid has been accepted or rejected.
type Decider interface {
	EnqueueBid(ctx context.Context, bid domain.Bid, done func(bidding.Decision, error)) error
}

type Config struct {
	Enabled        bool          `mapstructure:"enabled"`
	Brokers        []string      `mapstructure:"brokers"`
	Topic          string        `mapstructure:"topic"`
	GroupID        string        `mapstructure:"group_id"`
	ClientID       string        `mapstructure:"client_id"`
	MaxPollRecords int           `mapstructure:"max_poll_records"`
	QueueCapacity  int           `mapstructure:"queue_capacity"`
	Auth           AuthConfig    `mapstructure:"auth"`
	FetchMinBytes  int32         `mapstructure:"fetch_min_bytes"`
	FetchMaxBytes  int32         `mapstructure:"fetch_max_bytes"`
	FetchMaxWait   time.Duration `mapstructure:"fetch_max_wait"`
}

type AuthConfig struct {
	TLS TLSConfig `mapstructure:"tls"`
}

type TLSConfig struct {
	Enabled            bool `mapstructure:"enabled"`
	InsecureSkipVerify bool `mapstructure:"insecure_skip_verify"`
}

func (c *Config) withDefaults() {
	if c.Topic == "" {
		c.Topic = "lance.realizado"
	}
	if c.MaxPollRecords <= 0 {
		c.MaxPollRecords = 500
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 1024
	}
	if c.FetchMaxWait <= 0 {
		c.FetchMaxWait = time.Second
	}
	if c.FetchMinBytes <= 0 {
		c.FetchMinBytes = 1
	}
	if c.FetchMaxBytes <= 0 {
		c.FetchMaxBytes = 50 << 20
	}
}

func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if len(c.Brokers) == 0 {
		return errors.New("kafka.brokers is required")
	}
	if c.GroupID == "" {
		return errors.New("kafka.group_id is required")
	}
	return nil
}

// Adapter polls the bid topic and dispatches records to the engine from
// a single goroutine, preserving partition order into the shards.
type Adapter struct {
	cfg Config
	log *slog.Logger

	client  *kgo.Client
	decider Decider
	records chan *kgo.Record
	acks    chan recordAck
	closed  atomic.Bool

	pauseMux sync.Mutex
	paused   bool

	markCommit   func(*kgo.Record)
	commitMarked func(context.Context) error
	pauseFetch   func(...string)
	resumeFetch  func(...string)
}

type recordAck struct {
	record *kgo.Record
	err    error
}

// errDropRecord flags malformed records that must be committed and
// forgotten; redelivering them could never produce a decision.
var errDropRecord = errors.New("drop record")

func NewAdapter(cfg Config, decider Decider, log *slog.Logger, opts ...kgo.Opt) (*Adapter, error) {
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	kopts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topic),
		kgo.DisableAutoCommit(),
		kgo.BlockRebalanceOnPoll(),
		kgo.FetchMaxWait(cfg.FetchMaxWait),
		kgo.FetchMinBytes(cfg.FetchMinBytes),
		kgo.FetchMaxBytes(cfg.FetchMaxBytes),
	}
	if cfg.ClientID != "" {
		kopts = append(kopts, kgo.ClientID(cfg.ClientID))
	}
	if cfg.Auth.TLS.Enabled {
		kopts = append(kopts, kgo.DialTLSConfig(&tls.Config{InsecureSkipVerify: cfg.Auth.TLS.InsecureSkipVerify}))
	}
	kopts = append(kopts, opts...)

	cl, err := kgo.NewClient(kopts...)
	if err != nil {
		return nil, fmt.Errorf("new kafka client: %w", err)
	}

	a := &Adapter{
		cfg:     cfg,
		log:     log.With("service", "bidding", "ingest", "kafka"),
		client:  cl,
		decider: decider,
		records: make(chan *kgo.Record, cfg.QueueCapacity),
		acks:    make(chan recordAck, cfg.QueueCapacity),
	}
	a.markCommit = func(r *kgo.Record) { cl.MarkCommitRecords(r) }
	a.commitMarked = func(ctx context.Context) error { return cl.CommitMarkedOffsets(ctx) }
	a.pauseFetch = func(topics ...string) { _ = cl.PauseFetchTopics(topics...) }
	a.resumeFetch = func(topics ...string) { cl.ResumeFetchTopics(topics...) }
	return a, nil
}

func (a *Adapter) Start(ctx context.Context) error {
	defer a.client.Close()
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		a.handleAcks(ctx)
	}()
	go func() {
		defer wg.Done()
		a.dispatch(ctx)
	}()

	for {
		if ctx.Err() != nil || a.closed.Load() {
			close(a.records)
			wg.Wait()
			return ctx.Err()
		}
		fetches := a.client.PollRecords(ctx, a.cfg.MaxPollRecords)
		if errs := fetches.Errors(); len(errs) > 0 {
			return errs[0].Err
		}
		fetches.EachPartition(func(p kgo.FetchTopicPartition) {
			for _, rec := range p.Records {
				for {
					select {
					case a.records <- rec:
						a.maybeResume()
						goto next
					default:
						a.maybePause()
						time.Sleep(5 * time.Millisecond)
					}
				}
			next:
			}
		})
		a.client.AllowRebalance()
	}
}

// dispatch hands each record to its owning shard without waiting for
// the decision, so distinct auctions proceed concurrently while one
// auction's records keep their partition order.
func (a *Adapter) dispatch(ctx context.Context) {
	for rec := range a.records {
		bid, err := parseBidRecord(rec)
		if err != nil {
			a.log.Warn("dropping malformed bid record",
				"topic", rec.Topic, "partition", rec.Partition, "offset", rec.Offset, "error", err)
			a.acks <- recordAck{record: rec, err: errDropRecord}
			continue
		}
		rec := rec
		err = a.decider.EnqueueBid(ctx, bid, func(_ bidding.Decision, err error) {
			a.acks <- recordAck{record: rec, err: err}
		})
		if err != nil {
			a.acks <- recordAck{record: rec, err: err}
		}
	}
}

func (a *Adapter) handleAcks(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ack := <-a.acks:
			if ack.record == nil {
				continue
			}
			if ack.err != nil && !errors.Is(ack.err, errDropRecord) {
				// engine could not persist the decision; leave the
				// offset uncommitted so the record redelivers
				continue
			}
			a.markCommit(ack.record)
			_ = a.commitMarked(ctx)
		}
	}
}

func parseBidRecord(rec *kgo.Record) (domain.Bid, error) {
	var ev domain.BidSubmitted
	if err := json.Unmarshal(rec.Value, &ev); err != nil {
		return domain.Bid{}, fmt.Errorf("parse bid record: %w", err)
	}
	if strings.TrimSpace(ev.AuctionID) == "" {
		return domain.Bid{}, errors.New("auction_id is required")
	}
	if strings.TrimSpace(ev.BidderID) == "" {
		return domain.Bid{}, errors.New("bidder_id is required")
	}
	submitted := ev.SubmittedAt
	if submitted.IsZero() {
		submitted = time.Now().UTC()
	}
	return domain.Bid{
		AuctionID:   ev.AuctionID,
		BidderID:    ev.BidderID,
		Value:       ev.Value,
		Signature:   ev.Signature,
		SubmittedAt: submitted,
	}, nil
}

// Close stops the poll loop after the in-flight fetch completes.
func (a *Adapter) Close() { a.closed.Store(true) }

func (a *Adapter) maybePause() {
	a.pauseMux.Lock()
	defer a.pauseMux.Unlock()
	if a.paused {
		return
	}
	if len(a.records) < cap(a.records) {
		return
	}
	a.pauseFetch(a.cfg.Topic)
	a.paused = true
}

func (a *Adapter) maybeResume() {
	a.pauseMux.Lock()
	defer a.pauseMux.Unlock()
	if !a.paused {
		return
	}
	if len(a.records) > cap(a.records)/2 {
		return
	}
	a.resumeFetch(a.cfg.Topic)
	a.paused = false
}
