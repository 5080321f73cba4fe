package bidding

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/rabbitmq/amqp091-go"

	"leilao/internal/broker"
	"leilao/internal/domain"
)

// Queues this service consumes; names follow the
// <routing_key_with_underscores>.<service> convention.
const (
	QueueStarted  = "leilao_iniciado.lance"
	QueueFinished = "leilao_finalizado.lance"
	QueueBids     = "lance_realizado.lance"
)

// Service wires the engine to the broker: one dispatching read loop per
// queue so per-auction arrival order is preserved into the shards, acks
// issued from the shard callback after the state change is applied.
type Service struct {
	client *broker.Client
	engine *Engine
	log    *slog.Logger
}

func NewService(client *broker.Client, engine *Engine, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{client: client, engine: engine, log: log.With("service", "bidding")}
}

// Start consumes until ctx is cancelled or a fatal publish failure
// occurs. Fatal errors leave the triggering delivery requeued so a
// restarted instance observes it again.
func (s *Service) Start(ctx context.Context) error {
	s.engine.Start()
	defer s.engine.Close()

	specs := []struct {
		spec     broker.QueueSpec
		dispatch func(context.Context, amqp091.Delivery, chan<- error)
	}{
		{broker.QueueSpec{Queue: QueueStarted, RoutingKeys: []string{domain.RouteAuctionStarted}}, s.dispatchStarted},
		{broker.QueueSpec{Queue: QueueFinished, RoutingKeys: []string{domain.RouteAuctionFinished}}, s.dispatchFinished},
		{broker.QueueSpec{Queue: QueueBids, RoutingKeys: []string{domain.RouteBidSubmitted}}, s.dispatchBid},
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	fatal := make(chan error, len(specs)*2)
	var wg sync.WaitGroup
	var consumers []*broker.Consumer

	for _, sp := range specs {
		cm, err := s.client.NewConsumer(sp.spec)
		if err != nil {
			for _, c := range consumers {
				_ = c.Close()
			}
			return fmt.Errorf("start consumer %s: %w", sp.spec.Queue, err)
		}
		consumers = append(consumers, cm)
		wg.Add(1)
		go func(cm *broker.Consumer, dispatch func(context.Context, amqp091.Delivery, chan<- error)) {
			defer wg.Done()
			for d := range cm.Deliveries() {
				dispatch(ctx, d, fatal)
			}
		}(cm, sp.dispatch)
	}

	var err error
	select {
	case <-ctx.Done():
	case err = <-fatal:
		s.log.Error("fatal error, stopping bid validation", "error", err)
		cancel()
	}
	for _, c := range consumers {
		_ = c.Close()
	}
	wg.Wait()
	return err
}

func (s *Service) dispatchStarted(ctx context.Context, d amqp091.Delivery, fatal chan<- error) {
	var ev domain.AuctionStarted
	if jsonErr := json.Unmarshal(d.Body, &ev); jsonErr != nil || ev.AuctionID == "" {
		s.dropMalformed(d, QueueStarted, jsonErr)
		return
	}
	enqErr := s.engine.EnqueueStarted(ctx, ev, func(err error) {
		s.settle(d, err, fatal)
	})
	if enqErr != nil {
		_ = d.Nack(false, true)
	}
}

func (s *Service) dispatchFinished(ctx context.Context, d amqp091.Delivery, fatal chan<- error) {
	var ev domain.AuctionFinished
	if jsonErr := json.Unmarshal(d.Body, &ev); jsonErr != nil || ev.AuctionID == "" {
		s.dropMalformed(d, QueueFinished, jsonErr)
		return
	}
	enqErr := s.engine.EnqueueFinished(ctx, ev, func(err error) {
		s.settle(d, err, fatal)
	})
	if enqErr != nil {
		_ = d.Nack(false, true)
	}
}

func (s *Service) dispatchBid(ctx context.Context, d amqp091.Delivery, fatal chan<- error) {
	var ev domain.BidSubmitted
	if jsonErr := json.Unmarshal(d.Body, &ev); jsonErr != nil || ev.AuctionID == "" || ev.BidderID == "" {
		s.dropMalformed(d, QueueBids, jsonErr)
		return
	}
	bid := domain.Bid{
		AuctionID:   ev.AuctionID,
		BidderID:    ev.BidderID,
		Value:       ev.Value,
		Signature:   ev.Signature,
		SubmittedAt: ev.SubmittedAt,
	}
	enqErr := s.engine.EnqueueBid(ctx, bid, func(_ Decision, err error) {
		s.settle(d, err, fatal)
	})
	if enqErr != nil {
		_ = d.Nack(false, true)
	}
}

// settle acks processed deliveries; a processing error here means the
// publisher exhausted its retries, which is fatal for this instance.
func (s *Service) settle(d amqp091.Delivery, err error, fatal chan<- error) {
	if err == nil {
		_ = d.Ack(false)
		return
	}
	_ = d.Nack(false, true)
	select {
	case fatal <- err:
	default:
	}
}

func (s *Service) dropMalformed(d amqp091.Delivery, queue string, err error) {
	s.log.Warn("dropping malformed message", "queue", queue, "error", err)
	_ = d.Nack(false, false)
}
