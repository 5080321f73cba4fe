// Package bidding is the consistency core: it tracks which auctions
// accept bids, authenticates and orders bids, and announces winners.
package bidding

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"leilao/internal/domain"
	"leilao/internal/keyring"
)

// EventPublisher emits the engine's decision events onto the exchange.
type EventPublisher interface {
	PublishJSON(ctx context.Context, routingKey string, v any) error
}

// Verifier authenticates a bid signature against enrolled keys.
// keyring.Registry is the production implementation.
type Verifier interface {
	VerifyBid(auctionID, bidderID string, value decimal.Decimal, signatureB64 string) error
}

// Recorder appends decisions to the audit log. Audit failures are
// logged and never affect the decision itself.
type Recorder interface {
	RecordAudit(ctx context.Context, a domain.BidAudit) error
}

type Config struct {
	Shards    int `mapstructure:"shards"`
	QueueSize int `mapstructure:"queue_size"`
}

func (c *Config) withDefaults() {
	if c.Shards <= 0 {
		c.Shards = 8
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 128
	}
}

// Decision is the outcome of one bid evaluation.
type Decision struct {
	Accepted bool
	Reason   string
	Previous *decimal.Decimal
}

// Engine owns the active auction set and best bid table, sharded by
// auction identifier. All reads and mutations for one auction happen
// on its owning shard goroutine, so they are totally ordered without a
// table-wide lock; auctions on different shards proceed concurrently.
type Engine struct {
	cfg   Config
	pub   EventPublisher
	keys  Verifier
	audit Recorder
	log   *slog.Logger

	shards []*shard
	wg     sync.WaitGroup
	closed sync.Once
}

type shard struct {
	tasks  chan task
	states map[string]*auctionState
}

// auctionState exists iff the auction is in the active set. best is nil
// until the first accepted bid.
type auctionState struct {
	best *domain.BestBid
}

type taskKind int

const (
	taskStarted taskKind = iota
	taskFinished
	taskBid
)

type task struct {
	ctx      context.Context
	kind     taskKind
	started  domain.AuctionStarted
	finished domain.AuctionFinished
	bid      domain.Bid
	done     func(Decision, error)
}

func NewEngine(cfg Config, pub EventPublisher, keys Verifier, audit Recorder, log *slog.Logger) *Engine {
	cfg.withDefaults()
	if log == nil {
		log = slog.Default()
	}
	e := &Engine{cfg: cfg, pub: pub, keys: keys, audit: audit, log: log.With("service", "bidding")}
	e.shards = make([]*shard, cfg.Shards)
	for i := range e.shards {
		e.shards[i] = &shard{tasks: make(chan task, cfg.QueueSize), states: make(map[string]*auctionState)}
	}
	return e
}

// Start launches the shard workers. Close drains and stops them.
func (e *Engine) Start() {
	for _, s := range e.shards {
		e.wg.Add(1)
		go func(s *shard) {
			defer e.wg.Done()
			for t := range s.tasks {
				e.process(s, t)
			}
		}(s)
	}
}

func (e *Engine) Close() {
	e.closed.Do(func() {
		for _, s := range e.shards {
			close(s.tasks)
		}
		e.wg.Wait()
	})
}

// ShardFor returns the shard index owning an auction identifier.
func (e *Engine) ShardFor(auctionID string) int {
	h := fnv.New64a()
	_, _ = h.Write([]byte(auctionID))
	return int(h.Sum64() % uint64(len(e.shards)))
}

func (e *Engine) enqueue(auctionID string, t task) error {
	s := e.shards[e.ShardFor(auctionID)]
	select {
	case s.tasks <- t:
		return nil
	case <-t.ctx.Done():
		return t.ctx.Err()
	}
}

// EnqueueStarted routes an auction-started event to its shard; done
// runs on the shard goroutine after the active set was updated.
func (e *Engine) EnqueueStarted(ctx context.Context, ev domain.AuctionStarted, done func(error)) error {
	return e.enqueue(ev.AuctionID, task{ctx: ctx, kind: taskStarted, started: ev, done: wrap(done)})
}

func (e *Engine) EnqueueFinished(ctx context.Context, ev domain.AuctionFinished, done func(error)) error {
	return e.enqueue(ev.AuctionID, task{ctx: ctx, kind: taskFinished, finished: ev, done: wrap(done)})
}

// EnqueueBid routes a bid to its auction's shard. Bids enqueued in
// arrival order for the same auction are decided in that order.
func (e *Engine) EnqueueBid(ctx context.Context, bid domain.Bid, done func(Decision, error)) error {
	if done == nil {
		done = func(Decision, error) {}
	}
	return e.enqueue(bid.AuctionID, task{ctx: ctx, kind: taskBid, bid: bid, done: done})
}

func wrap(done func(error)) func(Decision, error) {
	if done == nil {
		return func(Decision, error) {}
	}
	return func(_ Decision, err error) { done(err) }
}

// HandleStarted blocks until the event has been applied.
func (e *Engine) HandleStarted(ctx context.Context, ev domain.AuctionStarted) error {
	return e.handleSync(ctx, func(done func(error)) error {
		return e.EnqueueStarted(ctx, ev, done)
	})
}

func (e *Engine) HandleFinished(ctx context.Context, ev domain.AuctionFinished) error {
	return e.handleSync(ctx, func(done func(error)) error {
		return e.EnqueueFinished(ctx, ev, done)
	})
}

// HandleBid blocks until the decision for the bid is known.
func (e *Engine) HandleBid(ctx context.Context, bid domain.Bid) (Decision, error) {
	type result struct {
		d   Decision
		err error
	}
	ch := make(chan result, 1)
	if err := e.EnqueueBid(ctx, bid, func(d Decision, err error) { ch <- result{d, err} }); err != nil {
		return Decision{}, err
	}
	select {
	case r := <-ch:
		return r.d, r.err
	case <-ctx.Done():
		return Decision{}, ctx.Err()
	}
}

func (e *Engine) handleSync(ctx context.Context, enqueue func(func(error)) error) error {
	ch := make(chan error, 1)
	if err := enqueue(func(err error) { ch <- err }); err != nil {
		return err
	}
	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) process(s *shard, t task) {
	switch t.kind {
	case taskStarted:
		t.done(Decision{}, e.processStarted(s, t))
	case taskFinished:
		t.done(Decision{}, e.processFinished(s, t))
	case taskBid:
		d, err := e.processBid(s, t)
		t.done(d, err)
	}
}

func (e *Engine) processStarted(s *shard, t task) error {
	id := t.started.AuctionID
	if _, ok := s.states[id]; ok {
		// Redelivered start: keep any bids already accepted.
		return nil
	}
	s.states[id] = &auctionState{}
	e.log.Info("auction open for bidding", "auction_id", id)
	return nil
}

func (e *Engine) processFinished(s *shard, t task) error {
	id := t.finished.AuctionID
	st, ok := s.states[id]
	if !ok {
		e.log.Warn("finish for auction not in active set", "auction_id", id)
		return nil
	}
	if st.best != nil {
		ev := domain.WinnerAnnounced{
			EventID:   uuid.NewString(),
			AuctionID: id,
			WinnerID:  st.best.BidderID,
			Value:     st.best.Value,
		}
		if err := e.pub.PublishJSON(t.ctx, domain.RouteWinnerAnnounced, ev); err != nil {
			return fmt.Errorf("announce winner for %s: %w", id, err)
		}
		e.record(t.ctx, domain.BidAudit{
			Kind:      domain.AuditWinner,
			AuctionID: id,
			BidderID:  st.best.BidderID,
			Value:     st.best.Value,
		})
		e.log.Info("winner announced", "auction_id", id, "winner_id", st.best.BidderID, "value", st.best.Value)
	} else {
		e.log.Info("auction closed without bids", "auction_id", id)
	}
	delete(s.states, id)
	return nil
}

func (e *Engine) processBid(s *shard, t task) (Decision, error) {
	bid := t.bid
	st, ok := s.states[bid.AuctionID]
	if !ok {
		return e.reject(t, domain.ReasonInactiveAuction)
	}

	if err := e.keys.VerifyBid(bid.AuctionID, bid.BidderID, bid.Value, bid.Signature); err != nil {
		switch {
		case errors.Is(err, keyring.ErrUnknownSigner):
			return e.reject(t, domain.ReasonUnknownSigner)
		case errors.Is(err, keyring.ErrInvalidSignature):
			return e.reject(t, domain.ReasonInvalidSignature)
		default:
			return e.reject(t, domain.ReasonInvalidSignature)
		}
	}

	if st.best == nil {
		if bid.Value.IsNegative() {
			return e.reject(t, domain.ReasonStaleBid)
		}
	} else if !bid.Value.GreaterThan(st.best.Value) {
		// Equal values lose: ties never displace the recorded best.
		return e.reject(t, domain.ReasonStaleBid)
	}

	var prev *decimal.Decimal
	if st.best != nil {
		v := st.best.Value
		prev = &v
	}
	st.best = &domain.BestBid{BidderID: bid.BidderID, Value: bid.Value}

	ev := domain.BidValidated{
		EventID:       uuid.NewString(),
		AuctionID:     bid.AuctionID,
		BidderID:      bid.BidderID,
		Value:         bid.Value,
		PreviousValue: prev,
	}
	if err := e.pub.PublishJSON(t.ctx, domain.RouteBidValidated, ev); err != nil {
		return Decision{}, fmt.Errorf("publish bid validated for %s: %w", bid.AuctionID, err)
	}
	e.record(t.ctx, domain.BidAudit{
		Kind:      domain.AuditAccepted,
		AuctionID: bid.AuctionID,
		BidderID:  bid.BidderID,
		Value:     bid.Value,
		Previous:  prev,
	})
	e.log.Info("bid accepted", "auction_id", bid.AuctionID, "bidder_id", bid.BidderID, "value", bid.Value)
	return Decision{Accepted: true, Previous: prev}, nil
}

func (e *Engine) reject(t task, reason string) (Decision, error) {
	bid := t.bid
	ev := domain.BidRejected{
		EventID:   uuid.NewString(),
		AuctionID: bid.AuctionID,
		BidderID:  bid.BidderID,
		Value:     bid.Value,
		Reason:    reason,
	}
	if err := e.pub.PublishJSON(t.ctx, domain.RouteBidRejected, ev); err != nil {
		return Decision{}, fmt.Errorf("publish bid rejected for %s: %w", bid.AuctionID, err)
	}
	e.record(t.ctx, domain.BidAudit{
		Kind:      domain.AuditRejected,
		AuctionID: bid.AuctionID,
		BidderID:  bid.BidderID,
		Value:     bid.Value,
		Reason:    reason,
	})
	e.log.Info("bid rejected", "auction_id", bid.AuctionID, "bidder_id", bid.BidderID, "reason", reason)
	return Decision{Accepted: false, Reason: reason}, nil
}

func (e *Engine) record(ctx context.Context, a domain.BidAudit) {
	if e.audit == nil {
		return
	}
	if a.RecordedAt.IsZero() {
		a.RecordedAt = time.Now().UTC()
	}
	if err := e.audit.RecordAudit(ctx, a); err != nil {
		e.log.Warn("audit record failed", "auction_id", a.AuctionID, "kind", a.Kind, "error", err)
	}
}
