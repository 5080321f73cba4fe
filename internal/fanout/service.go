package fanout

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/rabbitmq/amqp091-go"

	"leilao/internal/broker"
	"leilao/internal/domain"
)

const (
	QueueValidated = "lance_validado.notificacao"
	QueueWinner    = "leilao_vencedor.notificacao"
	QueueInterest  = "interesse_registrado.notificacao"
)

// Service consumes the broad event queues and drives the fan-out core.
// One read loop per queue keeps per-auction arrival order intact.
type Service struct {
	client *broker.Client
	fan    *Fanout
	log    *slog.Logger
}

func NewService(client *broker.Client, fan *Fanout, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{client: client, fan: fan, log: log.With("service", "notification")}
}

func (s *Service) Start(ctx context.Context) error {
	specs := []struct {
		spec   broker.QueueSpec
		handle func(context.Context, []byte) error
	}{
		{broker.QueueSpec{Queue: QueueValidated, RoutingKeys: []string{domain.RouteBidValidated}}, s.fan.HandleEvent},
		{broker.QueueSpec{Queue: QueueWinner, RoutingKeys: []string{domain.RouteWinnerAnnounced}}, s.fan.HandleEvent},
		{broker.QueueSpec{Queue: QueueInterest, RoutingKeys: []string{domain.RouteInterestRegistered}}, s.fan.HandleInterest},
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	fatal := make(chan error, len(specs))
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
		go func(cm *broker.Consumer, handle func(context.Context, []byte) error) {
			defer wg.Done()
			for d := range cm.Deliveries() {
				s.dispatch(ctx, d, handle, fatal)
			}
		}(cm, sp.handle)
	}

	var err error
	select {
	case <-ctx.Done():
	case err = <-fatal:
		s.log.Error("fatal error, stopping notification fan-out", "error", err)
		cancel()
	}
	for _, c := range consumers {
		_ = c.Close()
	}
	wg.Wait()
	return err
}

func (s *Service) dispatch(ctx context.Context, d amqp091.Delivery, handle func(context.Context, []byte) error, fatal chan<- error) {
	err := handle(ctx, d.Body)
	switch {
	case err == nil:
		_ = d.Ack(false)
	case IsMalformed(err):
		s.log.Warn("dropping malformed message", "routing_key", d.RoutingKey, "error", err)
		_ = d.Nack(false, false)
	default:
		// Publish retries exhausted: requeue for the next instance.
		_ = d.Nack(false, true)
		select {
		case fatal <- err:
		default:
		}
	}
}
