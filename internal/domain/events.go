package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Routing keys on the single topic exchange. The per-auction key is
// derived with AuctionRoute.
const (
	RouteAuctionStarted     = "leilao.iniciado"
	RouteAuctionFinished    = "leilao.finalizado"
	RouteBidSubmitted       = "lance.realizado"
	RouteBidValidated       = "lance.validado"
	RouteBidRejected        = "lance.invalidado"
	RouteWinnerAnnounced    = "leilao.vencedor"
	RouteInterestRegistered = "interesse.registrado"
)

// AuctionRoute is the routing key scoped to one auction; only subscribers
// that registered interest consume it.
func AuctionRoute(auctionID string) string { return "leilao." + auctionID }

// AuctionQueue names the dynamically created per-auction queue.
func AuctionQueue(auctionID string) string { return "leilao_" + auctionID }

// Bid rejection reasons carried on lance.invalidado events. Rejections
// are ordinary data for downstream consumers, never failures.
const (
	ReasonInactiveAuction  = "auction not active"
	ReasonUnknownSigner    = "unknown signer"
	ReasonInvalidSignature = "invalid signature"
	ReasonStaleBid         = "value not greater than current best"
)

type AuctionStarted struct {
	EventID       string          `json:"event_id"`
	AuctionID     string          `json:"auction_id"`
	Name          string          `json:"name"`
	Description   string          `json:"description,omitempty"`
	StartingPrice decimal.Decimal `json:"starting_price"`
	StartAt       time.Time       `json:"start_time"`
	EndAt         time.Time       `json:"end_time"`
}

type AuctionFinished struct {
	EventID   string `json:"event_id"`
	AuctionID string `json:"auction_id"`
}

type BidSubmitted struct {
	AuctionID   string          `json:"auction_id"`
	BidderID    string          `json:"bidder_id"`
	Value       decimal.Decimal `json:"value"`
	Signature   string          `json:"signature"`
	SubmittedAt time.Time       `json:"timestamp"`
}

type BidValidated struct {
	EventID       string           `json:"event_id"`
	AuctionID     string           `json:"auction_id"`
	BidderID      string           `json:"bidder_id"`
	Value         decimal.Decimal  `json:"value"`
	PreviousValue *decimal.Decimal `json:"previous_value,omitempty"`
}

type BidRejected struct {
	EventID   string          `json:"event_id"`
	AuctionID string          `json:"auction_id"`
	BidderID  string          `json:"bidder_id"`
	Value     decimal.Decimal `json:"value"`
	Reason    string          `json:"reason"`
}

type WinnerAnnounced struct {
	EventID   string          `json:"event_id"`
	AuctionID string          `json:"auction_id"`
	WinnerID  string          `json:"winner_id"`
	Value     decimal.Decimal `json:"value"`
}

type InterestRegistered struct {
	ClientID  string `json:"client_id"`
	AuctionID string `json:"auction_id"`
}
