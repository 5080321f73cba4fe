// Package sqlite persists the bid decision audit log. The log is the
// only durable state in the system and it is append-only: triggers
// abort any UPDATE or DELETE so an operator can trust a replayed
// history byte for byte.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"leilao/internal/domain"
)

const auditSchema = `
CREATE TABLE IF NOT EXISTS bid_audit (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	kind TEXT NOT NULL CHECK (kind IN ('accepted','rejected','winner')),
	auction_id TEXT NOT NULL,
	bidder_id TEXT NOT NULL,
	value TEXT NOT NULL,
	previous_value TEXT,
	reason TEXT NOT NULL DEFAULT '',
	recorded_at_utc_ns INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_bid_audit_auction ON bid_audit(auction_id, id);

CREATE TRIGGER IF NOT EXISTS trg_bid_audit_no_update
BEFORE UPDATE ON bid_audit
BEGIN
	SELECT RAISE(ABORT, 'bid_audit is append-only: UPDATE forbidden');
END;

CREATE TRIGGER IF NOT EXISTS trg_bid_audit_no_delete
BEFORE DELETE ON bid_audit
BEGIN
	SELECT RAISE(ABORT, 'bid_audit is append-only: DELETE forbidden');
END;
`

// Store appends bid decisions to a single SQLite file. It satisfies the
// validation engine's Recorder contract.
type Store struct {
	db *sql.DB
}

func NewStore(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("mkdir audit dir: %w", err)
		}
	}
	db, err := openSQLite(path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(auditSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply audit schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// RecordAudit appends one decision row.
func (s *Store) RecordAudit(ctx context.Context, a domain.BidAudit) error {
	recordedAt := a.RecordedAt
	if recordedAt.IsZero() {
		recordedAt = time.Now().UTC()
	}
	var prev any
	if a.Previous != nil {
		prev = a.Previous.String()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO bid_audit(kind, auction_id, bidder_id, value, previous_value, reason, recorded_at_utc_ns)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.Kind, a.AuctionID, a.BidderID, a.Value.String(), prev, a.Reason, recordedAt.UTC().UnixNano())
	if err != nil {
		return fmt.Errorf("append audit row: %w", err)
	}
	return nil
}

// DecisionsForAuction returns every recorded decision for one auction
// in append order.
func (s *Store) DecisionsForAuction(ctx context.Context, auctionID string) ([]domain.BidAudit, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT kind, auction_id, bidder_id, value, previous_value, reason, recorded_at_utc_ns
FROM bid_audit
WHERE auction_id=?
ORDER BY id ASC`, auctionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.BidAudit
	for rows.Next() {
		var (
			a       domain.BidAudit
			value   string
			prev    sql.NullString
			atUTCNs int64
		)
		if err := rows.Scan(&a.Kind, &a.AuctionID, &a.BidderID, &value, &prev, &a.Reason, &atUTCNs); err != nil {
			return nil, err
		}
		a.Value, err = decimal.NewFromString(value)
		if err != nil {
			return nil, fmt.Errorf("corrupt value in audit row: %w", err)
		}
		if prev.Valid {
			p, err := decimal.NewFromString(prev.String)
			if err != nil {
				return nil, fmt.Errorf("corrupt previous_value in audit row: %w", err)
			}
			a.Previous = &p
		}
		a.RecordedAt = time.Unix(0, atUTCNs).UTC()
		out = append(out, a)
	}
	return out, rows.Err()
}

func openSQLite(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return db, nil
}
