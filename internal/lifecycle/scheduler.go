// Package lifecycle drives auction status transitions on a wall clock:
// it seeds auctions from configuration, announces each start and finish
// on the exchange, and never lets a transition pass silently.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"leilao/internal/domain"
)

// ErrSchedulingMiss marks a transition whose announcement could not be
// published even after the broker publisher exhausted its retries. The
// scheduler stops on the first miss; a restart republishes idempotently.
var ErrSchedulingMiss = errors.New("lifecycle: scheduling miss")

// Publisher is the slice of the broker publisher the scheduler needs.
type Publisher interface {
	PublishJSON(ctx context.Context, routingKey string, v any) error
}

// Seed describes one auction to run. StartAt/EndAt, when set, override
// the staggered defaults computed from the section-level knobs.
type Seed struct {
	AuctionID     string          `mapstructure:"auction_id"`
	Name          string          `mapstructure:"name"`
	Description   string          `mapstructure:"description"`
	StartingPrice decimal.Decimal `mapstructure:"starting_price"`
	StartAt       time.Time       `mapstructure:"start_at"`
	EndAt         time.Time       `mapstructure:"end_at"`
	Duration      time.Duration   `mapstructure:"duration"`
}

// Config is the lifecycle section of the daemon configuration.
type Config struct {
	StartDelay time.Duration `mapstructure:"start_delay"`
	Stagger    time.Duration `mapstructure:"stagger"`
	Duration   time.Duration `mapstructure:"duration"`
	Auctions   []Seed        `mapstructure:"auctions"`
}

func (c Config) withDefaults() Config {
	if c.StartDelay == 0 {
		c.StartDelay = 5 * time.Second
	}
	if c.Duration == 0 {
		c.Duration = 3 * time.Minute
	}
	return c
}

// Validate rejects configurations the scheduler cannot plan.
func (c Config) Validate() error {
	if len(c.Auctions) == 0 {
		return errors.New("lifecycle: no auctions configured")
	}
	seen := make(map[string]struct{}, len(c.Auctions))
	for i, s := range c.Auctions {
		if s.AuctionID == "" {
			return fmt.Errorf("lifecycle: auction %d has no auction_id", i)
		}
		if _, dup := seen[s.AuctionID]; dup {
			return fmt.Errorf("lifecycle: duplicate auction_id %s", s.AuctionID)
		}
		seen[s.AuctionID] = struct{}{}
		if !s.EndAt.IsZero() && !s.StartAt.IsZero() && !s.EndAt.After(s.StartAt) {
			return fmt.Errorf("lifecycle: auction %s ends before it starts", s.AuctionID)
		}
	}
	return nil
}

type transitionKind int

const (
	kindStart transitionKind = iota
	kindFinish
)

type transition struct {
	at      time.Time
	kind    transitionKind
	auction *domain.Auction
}

// Scheduler runs every planned transition in time order from a single
// goroutine. Construct with New, then call Run once.
type Scheduler struct {
	cfg Config
	pub Publisher
	log *slog.Logger

	// injectable for deterministic tests
	now   func() time.Time
	after func(time.Duration) <-chan time.Time

	auctions    map[string]*domain.Auction
	transitions []transition
}

func New(cfg Config, pub Publisher, log *slog.Logger) (*Scheduler, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		cfg:      cfg,
		pub:      pub,
		log:      log.With("service", "lifecycle"),
		now:      time.Now,
		after:    func(d time.Duration) <-chan time.Time { return time.After(d) },
		auctions: make(map[string]*domain.Auction, len(cfg.Auctions)),
	}, nil
}

// plan materializes the transition timeline. Seeds without explicit
// times are staggered: start_i = now + start_delay + i*stagger,
// end_i = start_i + duration.
func (s *Scheduler) plan() {
	base := s.now()
	for i, seed := range s.cfg.Auctions {
		start := seed.StartAt
		if start.IsZero() {
			start = base.Add(s.cfg.StartDelay + time.Duration(i)*s.cfg.Stagger)
		}
		dur := seed.Duration
		if dur == 0 {
			dur = s.cfg.Duration
		}
		end := seed.EndAt
		if end.IsZero() {
			end = start.Add(dur)
		}
		a := &domain.Auction{
			ID:            seed.AuctionID,
			Name:          seed.Name,
			Description:   seed.Description,
			StartingPrice: seed.StartingPrice,
			StartAt:       start,
			EndAt:         end,
			Status:        domain.StatusScheduled,
		}
		s.auctions[a.ID] = a
		s.transitions = append(s.transitions,
			transition{at: start, kind: kindStart, auction: a},
			transition{at: end, kind: kindFinish, auction: a},
		)
	}
	// Stable sort keeps start before finish when an auction's window
	// collapses to a single instant.
	sort.SliceStable(s.transitions, func(i, j int) bool {
		if s.transitions[i].at.Equal(s.transitions[j].at) {
			return s.transitions[i].kind < s.transitions[j].kind
		}
		return s.transitions[i].at.Before(s.transitions[j].at)
	})
}

// Auction returns the auction planned under id; nil before Run has
// planned the timeline or for unknown ids.
func (s *Scheduler) Auction(id string) *domain.Auction {
	return s.auctions[id]
}

// Run executes the timeline and returns once every auction has finished,
// the context is cancelled, or an announcement could not be published.
// A transition is marked done only after its event is confirmed.
func (s *Scheduler) Run(ctx context.Context) error {
	s.plan()
	for _, tr := range s.transitions {
		if wait := tr.at.Sub(s.now()); wait > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-s.after(wait):
			}
		}
		if err := s.announce(ctx, tr); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w: %s of %s: %v", ErrSchedulingMiss, tr.describe(), tr.auction.ID, err)
		}
	}
	s.log.Info("all auctions closed", "count", len(s.auctions))
	return nil
}

func (s *Scheduler) announce(ctx context.Context, tr transition) error {
	a := tr.auction
	switch tr.kind {
	case kindStart:
		ev := domain.AuctionStarted{
			EventID:       uuid.NewString(),
			AuctionID:     a.ID,
			Name:          a.Name,
			Description:   a.Description,
			StartingPrice: a.StartingPrice,
			StartAt:       a.StartAt,
			EndAt:         a.EndAt,
		}
		if err := s.pub.PublishJSON(ctx, domain.RouteAuctionStarted, ev); err != nil {
			return err
		}
		a.Status = domain.StatusActive
		s.log.Info("auction started", "auction_id", a.ID, "ends_at", a.EndAt)
	case kindFinish:
		ev := domain.AuctionFinished{EventID: uuid.NewString(), AuctionID: a.ID}
		if err := s.pub.PublishJSON(ctx, domain.RouteAuctionFinished, ev); err != nil {
			return err
		}
		a.Status = domain.StatusClosed
		s.log.Info("auction finished", "auction_id", a.ID)
	}
	return nil
}

func (tr transition) describe() string {
	if tr.kind == kindStart {
		return "start"
	}
	return "finish"
}
