package bidding

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"fmt"
	mrand "math/rand"
	"sync"
	"testing"
	"testing/quick"
	"time"

	"github.com/shopspring/decimal"

	"leilao/internal/domain"
	"leilao/internal/keyring"
)

var (
	keyOnce  sync.Once
	testKeys map[string]*rsa.PrivateKey
)

func bidderKeys(t *testing.T) map[string]*rsa.PrivateKey {
	t.Helper()
	keyOnce.Do(func() {
		testKeys = make(map[string]*rsa.PrivateKey)
		for _, id := range []string{"u1", "u2"} {
			key, err := rsa.GenerateKey(rand.Reader, 2048)
			if err != nil {
				panic(err)
			}
			testKeys[id] = key
		}
	})
	return testKeys
}

type publishedEvent struct {
	key     string
	payload any
}

type fakePublisher struct {
	mu     sync.Mutex
	events []publishedEvent
	fail   map[string]error
}

func (f *fakePublisher) PublishJSON(_ context.Context, routingKey string, v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.fail[routingKey]; ok {
		return err
	}
	f.events = append(f.events, publishedEvent{key: routingKey, payload: v})
	return nil
}

func (f *fakePublisher) byKey(routingKey string) []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []any
	for _, e := range f.events {
		if e.key == routingKey {
			out = append(out, e.payload)
		}
	}
	return out
}

type fakeRecorder struct {
	mu      sync.Mutex
	entries []domain.BidAudit
}

func (f *fakeRecorder) RecordAudit(_ context.Context, a domain.BidAudit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, a)
	return nil
}

func newTestEngine(t *testing.T, pub *fakePublisher, rec Recorder) *Engine {
	t.Helper()
	registry := keyring.NewRegistry()
	for id, key := range bidderKeys(t) {
		registry.Enroll(id, &key.PublicKey)
	}
	e := NewEngine(Config{Shards: 4, QueueSize: 16}, pub, registry, rec, nil)
	e.Start()
	t.Cleanup(e.Close)
	return e
}

func signedBid(t *testing.T, auctionID, bidderID string, value int64) domain.Bid {
	t.Helper()
	v := decimal.NewFromInt(value)
	sig, err := keyring.Sign(bidderKeys(t)[bidderID], auctionID, bidderID, v)
	if err != nil {
		t.Fatal(err)
	}
	return domain.Bid{AuctionID: auctionID, BidderID: bidderID, Value: v, Signature: sig, SubmittedAt: time.Now().UTC()}
}

func startAuction(t *testing.T, e *Engine, auctionID string) {
	t.Helper()
	if err := e.HandleStarted(context.Background(), domain.AuctionStarted{AuctionID: auctionID}); err != nil {
		t.Fatalf("start auction: %v", err)
	}
}

func TestBidBeforeStartRejectedInactive(t *testing.T) {
	pub := &fakePublisher{}
	e := newTestEngine(t, pub, nil)

	d, err := e.HandleBid(context.Background(), signedBid(t, "a2", "u1", 100))
	if err != nil {
		t.Fatal(err)
	}
	if d.Accepted || d.Reason != domain.ReasonInactiveAuction {
		t.Fatalf("expected inactive rejection, got %+v", d)
	}

	// Same bid after the start is accepted.
	startAuction(t, e, "a2")
	d, err = e.HandleBid(context.Background(), signedBid(t, "a2", "u1", 100))
	if err != nil {
		t.Fatal(err)
	}
	if !d.Accepted {
		t.Fatalf("expected acceptance after start, got %+v", d)
	}
}

func TestUnknownSignerRejected(t *testing.T) {
	pub := &fakePublisher{}
	e := newTestEngine(t, pub, nil)
	startAuction(t, e, "a1")

	bid := signedBid(t, "a1", "u1", 100)
	bid.BidderID = "ghost" // valid-looking signature, unenrolled identifier
	d, err := e.HandleBid(context.Background(), bid)
	if err != nil {
		t.Fatal(err)
	}
	if d.Accepted || d.Reason != domain.ReasonUnknownSigner {
		t.Fatalf("expected unknown signer rejection, got %+v", d)
	}
}

func TestInvalidSignatureRejected(t *testing.T) {
	pub := &fakePublisher{}
	e := newTestEngine(t, pub, nil)
	startAuction(t, e, "a1")

	bid := signedBid(t, "a1", "u1", 100)
	bid.Value = decimal.NewFromInt(999) // signature no longer covers the value
	d, err := e.HandleBid(context.Background(), bid)
	if err != nil {
		t.Fatal(err)
	}
	if d.Accepted || d.Reason != domain.ReasonInvalidSignature {
		t.Fatalf("expected invalid signature rejection, got %+v", d)
	}
}

func TestFirstBidAcceptsZeroRejectsNegative(t *testing.T) {
	pub := &fakePublisher{}
	e := newTestEngine(t, pub, nil)
	startAuction(t, e, "a1")

	neg := decimal.NewFromInt(-5)
	sig, err := keyring.Sign(bidderKeys(t)["u1"], "a1", "u1", neg)
	if err != nil {
		t.Fatal(err)
	}
	d, err := e.HandleBid(context.Background(), domain.Bid{AuctionID: "a1", BidderID: "u1", Value: neg, Signature: sig})
	if err != nil {
		t.Fatal(err)
	}
	if d.Accepted || d.Reason != domain.ReasonStaleBid {
		t.Fatalf("expected negative first bid rejection, got %+v", d)
	}

	d, err = e.HandleBid(context.Background(), signedBid(t, "a1", "u1", 0))
	if err != nil {
		t.Fatal(err)
	}
	if !d.Accepted || d.Previous != nil {
		t.Fatalf("expected zero first bid accepted with no previous, got %+v", d)
	}
}

func TestStrictlyGreaterWithReplayAndTies(t *testing.T) {
	pub := &fakePublisher{}
	e := newTestEngine(t, pub, nil)
	startAuction(t, e, "a1")
	ctx := context.Background()

	d, err := e.HandleBid(ctx, signedBid(t, "a1", "u1", 100))
	if err != nil || !d.Accepted {
		t.Fatalf("expected first bid accepted, got %+v err=%v", d, err)
	}
	if d.Previous != nil {
		t.Fatalf("expected no previous value for first bid, got %s", d.Previous)
	}

	// Lower bid loses.
	d, _ = e.HandleBid(ctx, signedBid(t, "a1", "u2", 90))
	if d.Accepted || d.Reason != domain.ReasonStaleBid {
		t.Fatalf("expected lower bid rejection, got %+v", d)
	}

	// Equal bid loses: ties never displace the best.
	d, _ = e.HandleBid(ctx, signedBid(t, "a1", "u2", 100))
	if d.Accepted || d.Reason != domain.ReasonStaleBid {
		t.Fatalf("expected equal bid rejection, got %+v", d)
	}

	// Verbatim replay of the accepted bid is rejected on redelivery.
	d, _ = e.HandleBid(ctx, signedBid(t, "a1", "u1", 100))
	if d.Accepted {
		t.Fatal("expected replayed accepted bid to be rejected")
	}

	d, err = e.HandleBid(ctx, signedBid(t, "a1", "u2", 150))
	if err != nil || !d.Accepted {
		t.Fatalf("expected higher bid accepted, got %+v err=%v", d, err)
	}
	if d.Previous == nil || !d.Previous.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("expected previous value 100, got %v", d.Previous)
	}

	validated := pub.byKey(domain.RouteBidValidated)
	if len(validated) != 2 {
		t.Fatalf("expected two validated events, got %d", len(validated))
	}
	rejected := pub.byKey(domain.RouteBidRejected)
	if len(rejected) != 3 {
		t.Fatalf("expected three rejected events, got %d", len(rejected))
	}
}

func TestAcceptedValuesStrictlyIncreasing(t *testing.T) {
	pub := &fakePublisher{}
	e := newTestEngine(t, pub, nil)
	startAuction(t, e, "a1")
	ctx := context.Background()

	values := []int64{10, 5, 10, 20, 20, 15, 30, 25, 40}
	for i, v := range values {
		bidder := "u1"
		if i%2 == 1 {
			bidder = "u2"
		}
		if _, err := e.HandleBid(ctx, signedBid(t, "a1", bidder, v)); err != nil {
			t.Fatal(err)
		}
	}

	var last *decimal.Decimal
	for _, raw := range pub.byKey(domain.RouteBidValidated) {
		ev := raw.(domain.BidValidated)
		if last != nil && !ev.Value.GreaterThan(*last) {
			t.Fatalf("accepted value sequence not strictly increasing: %s after %s", ev.Value, last)
		}
		v := ev.Value
		last = &v
	}
}

func TestWinnerAnnouncedAtFinish(t *testing.T) {
	pub := &fakePublisher{}
	rec := &fakeRecorder{}
	e := newTestEngine(t, pub, rec)
	startAuction(t, e, "a1")
	ctx := context.Background()

	if _, err := e.HandleBid(ctx, signedBid(t, "a1", "u1", 100)); err != nil {
		t.Fatal(err)
	}
	if _, err := e.HandleBid(ctx, signedBid(t, "a1", "u2", 150)); err != nil {
		t.Fatal(err)
	}
	if err := e.HandleFinished(ctx, domain.AuctionFinished{AuctionID: "a1"}); err != nil {
		t.Fatal(err)
	}

	winners := pub.byKey(domain.RouteWinnerAnnounced)
	if len(winners) != 1 {
		t.Fatalf("expected one winner event, got %d", len(winners))
	}
	w := winners[0].(domain.WinnerAnnounced)
	if w.WinnerID != "u2" || !w.Value.Equal(decimal.NewFromInt(150)) {
		t.Fatalf("unexpected winner: %+v", w)
	}

	// Best bid entry is gone: post-finish bids are inactive.
	d, err := e.HandleBid(ctx, signedBid(t, "a1", "u1", 500))
	if err != nil {
		t.Fatal(err)
	}
	if d.Accepted || d.Reason != domain.ReasonInactiveAuction {
		t.Fatalf("expected post-finish rejection, got %+v", d)
	}

	var sawWinnerAudit bool
	rec.mu.Lock()
	for _, a := range rec.entries {
		if a.Kind == domain.AuditWinner && a.BidderID == "u2" {
			sawWinnerAudit = true
		}
	}
	rec.mu.Unlock()
	if !sawWinnerAudit {
		t.Fatal("expected winner audit entry")
	}
}

func TestFinishWithoutBidsAnnouncesNothing(t *testing.T) {
	pub := &fakePublisher{}
	e := newTestEngine(t, pub, nil)
	startAuction(t, e, "a1")

	if err := e.HandleFinished(context.Background(), domain.AuctionFinished{AuctionID: "a1"}); err != nil {
		t.Fatal(err)
	}
	if got := pub.byKey(domain.RouteWinnerAnnounced); len(got) != 0 {
		t.Fatalf("expected no winner events, got %d", len(got))
	}
}

func TestFinishUnknownAuctionIsNoop(t *testing.T) {
	pub := &fakePublisher{}
	e := newTestEngine(t, pub, nil)
	if err := e.HandleFinished(context.Background(), domain.AuctionFinished{AuctionID: "never-started"}); err != nil {
		t.Fatalf("expected no-op, got %v", err)
	}
}

func TestRedeliveredStartKeepsBestBid(t *testing.T) {
	pub := &fakePublisher{}
	e := newTestEngine(t, pub, nil)
	startAuction(t, e, "a1")
	ctx := context.Background()

	if _, err := e.HandleBid(ctx, signedBid(t, "a1", "u1", 100)); err != nil {
		t.Fatal(err)
	}
	// At-least-once delivery: a redelivered start must not reset state.
	startAuction(t, e, "a1")

	d, err := e.HandleBid(ctx, signedBid(t, "a1", "u2", 90))
	if err != nil {
		t.Fatal(err)
	}
	if d.Accepted {
		t.Fatal("expected lower bid still rejected after start redelivery")
	}
}

func TestPublishFailureSurfacesError(t *testing.T) {
	pub := &fakePublisher{fail: map[string]error{domain.RouteBidValidated: errors.New("broker unavailable")}}
	e := newTestEngine(t, pub, nil)
	startAuction(t, e, "a1")

	if _, err := e.HandleBid(context.Background(), signedBid(t, "a1", "u1", 100)); err == nil {
		t.Fatal("expected error when the validated event cannot be published")
	}
}

func TestConcurrentAuctionsStayMonotonic(t *testing.T) {
	pub := &fakePublisher{}
	e := newTestEngine(t, pub, nil)
	ctx := context.Background()

	auctions := []string{"c1", "c2", "c3", "c4"}
	for _, id := range auctions {
		startAuction(t, e, id)
	}

	var wg sync.WaitGroup
	for _, id := range auctions {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for v := int64(1); v <= 20; v++ {
				bidder := "u1"
				if v%2 == 0 {
					bidder = "u2"
				}
				if _, err := e.HandleBid(ctx, signedBid(t, id, bidder, v*3)); err != nil {
					t.Errorf("bid on %s: %v", id, err)
					return
				}
			}
		}(id)
	}
	wg.Wait()

	perAuction := make(map[string]decimal.Decimal)
	for _, raw := range pub.byKey(domain.RouteBidValidated) {
		ev := raw.(domain.BidValidated)
		if last, ok := perAuction[ev.AuctionID]; ok && !ev.Value.GreaterThan(last) {
			t.Fatalf("auction %s accepted %s after %s", ev.AuctionID, ev.Value, last)
		}
		perAuction[ev.AuctionID] = ev.Value
	}
	if len(perAuction) != len(auctions) {
		t.Fatalf("expected accepted bids on all auctions, got %d", len(perAuction))
	}
}

func TestShardForIsStable(t *testing.T) {
	e := NewEngine(Config{Shards: 8}, &fakePublisher{}, keyring.NewRegistry(), nil, nil)
	for i := 0; i < 50; i++ {
		id := fmt.Sprintf("auction-%d", i)
		if e.ShardFor(id) != e.ShardFor(id) {
			t.Fatalf("shard assignment unstable for %s", id)
		}
		if s := e.ShardFor(id); s < 0 || s >= 8 {
			t.Fatalf("shard out of range: %d", s)
		}
	}
}

func TestShardRangeProperty(t *testing.T) {
	e := NewEngine(Config{Shards: 8}, &fakePublisher{}, keyring.NewRegistry(), nil, nil)
	cfg := &quick.Config{Rand: mrand.New(mrand.NewSource(time.Now().UnixNano()))}
	if err := quick.Check(func(id string) bool {
		s := e.ShardFor(id)
		return s >= 0 && s < 8
	}, cfg); err != nil {
		t.Fatalf("shard property failed: %v", err)
	}
}
