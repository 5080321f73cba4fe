// Package fanout narrows broad validated-bid and winner events into
// per-auction streams: subscribers only see the auctions they asked
// about. It performs no business validation; payloads pass through
// byte for byte.
package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"leilao/internal/domain"
)

var errMalformed = errors.New("malformed payload")

// Topology declares queues and bindings on the broker. Redeclaring is
// a safe no-op, which keeps the ensure path lock-light.
type Topology interface {
	DeclareBoundQueue(queue string, routingKeys ...string) error
}

// Publisher republishes raw bodies onto per-auction routing keys.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, body []byte) error
}

// queueRegistry remembers which per-auction queues exist so the broker
// round trip happens once per auction. Double-checked read lock:
// recreation is idempotent, so a lost race only costs a redeclare.
type queueRegistry struct {
	mu       sync.RWMutex
	declared map[string]struct{}
	topo     Topology
}

func (r *queueRegistry) ensure(auctionID string) error {
	r.mu.RLock()
	_, ok := r.declared[auctionID]
	r.mu.RUnlock()
	if ok {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.declared[auctionID]; ok {
		return nil
	}
	if err := r.topo.DeclareBoundQueue(domain.AuctionQueue(auctionID), domain.AuctionRoute(auctionID)); err != nil {
		return fmt.Errorf("ensure auction queue %s: %w", auctionID, err)
	}
	r.declared[auctionID] = struct{}{}
	return nil
}

// Fanout is the broker-independent redistribution core.
type Fanout struct {
	pub Publisher
	reg *queueRegistry
	log *slog.Logger
}

func New(pub Publisher, topo Topology, log *slog.Logger) *Fanout {
	if log == nil {
		log = slog.Default()
	}
	return &Fanout{
		pub: pub,
		reg: &queueRegistry{declared: make(map[string]struct{}), topo: topo},
		log: log.With("service", "notification"),
	}
}

// HandleEvent republishes one validated-bid or winner event, unchanged,
// onto its auction's routing key, materializing the queue first.
func (f *Fanout) HandleEvent(ctx context.Context, body []byte) error {
	var probe struct {
		AuctionID string `json:"auction_id"`
	}
	if err := json.Unmarshal(body, &probe); err != nil || probe.AuctionID == "" {
		return fmt.Errorf("%w: missing auction_id: %v", errMalformed, err)
	}
	if err := f.reg.ensure(probe.AuctionID); err != nil {
		return err
	}
	if err := f.pub.Publish(ctx, domain.AuctionRoute(probe.AuctionID), body); err != nil {
		return fmt.Errorf("republish to %s: %w", domain.AuctionRoute(probe.AuctionID), err)
	}
	return nil
}

// HandleInterest materializes an auction's queue when a client signals
// interest before any event has referenced the auction. Interest is a
// routing concern only; it never affects bidding eligibility.
func (f *Fanout) HandleInterest(ctx context.Context, body []byte) error {
	var reg domain.InterestRegistered
	if err := json.Unmarshal(body, &reg); err != nil || reg.AuctionID == "" {
		return fmt.Errorf("%w: missing auction_id: %v", errMalformed, err)
	}
	if err := f.reg.ensure(reg.AuctionID); err != nil {
		return err
	}
	f.log.Info("interest registered", "client_id", reg.ClientID, "auction_id", reg.AuctionID)
	return nil
}

// IsMalformed reports whether an error should drop the delivery rather
// than requeue it.
func IsMalformed(err error) bool { return errors.Is(err, errMalformed) }
