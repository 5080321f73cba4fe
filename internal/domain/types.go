package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type AuctionStatus string

const (
	StatusScheduled AuctionStatus = "scheduled"
	StatusActive    AuctionStatus = "active"
	StatusClosed    AuctionStatus = "closed"
)

// Auction is a timed single-item sale. Status transitions are driven
// exclusively by the lifecycle scheduler's clock.
type Auction struct {
	ID            string
	Name          string
	Description   string
	StartingPrice decimal.Decimal
	StartAt       time.Time
	EndAt         time.Time
	Status        AuctionStatus
}

// Bid is a signed value offer for a specific auction. Never mutated after
// creation; the signature covers the canonical encoding of
// {auction_id, bidder_id, value}.
type Bid struct {
	AuctionID   string
	BidderID    string
	Value       decimal.Decimal
	Signature   string
	SubmittedAt time.Time
}

// BestBid is the current highest validated bid for one auction.
type BestBid struct {
	BidderID string
	Value    decimal.Decimal
}

// BidAudit is one row of the append-only decision log.
type BidAudit struct {
	Kind       string // accepted | rejected | winner
	AuctionID  string
	BidderID   string
	Value      decimal.Decimal
	Previous   *decimal.Decimal
	Reason     string
	RecordedAt time.Time
}

const (
	AuditAccepted = "accepted"
	AuditRejected = "rejected"
	AuditWinner   = "winner"
)
