package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/fare-auction/internal/models"
)

// PostgresStore keeps each aggregate as a JSONB document with a few
// indexed columns pulled out for querying. Selected by PG_DSN when no
// Mongo URI is configured.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS ride_requests (
		id         TEXT PRIMARY KEY,
		status     TEXT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		doc        JSONB NOT NULL
	)`); err != nil {
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) CreateRequest(ctx context.Context, req *models.RideRequest) error {
	doc, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO ride_requests(id, status, updated_at, doc) VALUES($1,$2,$3,$4)`,
		req.ID, req.Status, req.UpdatedAt, doc)
	return err
}

// AppendOrUpdateBid rewrites the document under a row lock. Bids from
// different drivers race on the same aggregate, so the read-modify-write
// must be serialized here or the later writer drops the earlier bid.
func (p *PostgresStore) AppendOrUpdateBid(ctx context.Context, requestID string, bid models.Bid) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var doc []byte
	err = tx.QueryRowContext(ctx,
		`SELECT doc FROM ride_requests WHERE id=$1 FOR UPDATE`, requestID).Scan(&doc)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	var req models.RideRequest
	if err := json.Unmarshal(doc, &req); err != nil {
		return fmt.Errorf("decode request %s: %w", requestID, err)
	}

	if i := req.BidByDriver(bid.DriverID); i >= 0 {
		req.Bids[i] = bid
	} else {
		req.Bids = append(req.Bids, bid)
	}
	req.UpdatedAt = bid.BidTime

	out, err := json.Marshal(&req)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE ride_requests SET status=$1, updated_at=$2, doc=$3 WHERE id=$4`,
		req.Status, req.UpdatedAt, out, req.ID); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) TransitionStatus(ctx context.Context, req *models.RideRequest) error {
	return p.replace(ctx, req)
}

func (p *PostgresStore) LoadActiveRequests(ctx context.Context) ([]*models.RideRequest, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT doc FROM ride_requests WHERE status IN ('pending','bidding','accepted')`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDocs(rows)
}

func (p *PostgresStore) FindByDriverBid(ctx context.Context, driverID string) ([]*models.RideRequest, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT doc FROM ride_requests
		 WHERE status IN ('pending','bidding','accepted')
		   AND doc->'bids' @> $1::jsonb`,
		fmt.Sprintf(`[{"driver_id":%q}]`, driverID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDocs(rows)
}

func (p *PostgresStore) DeleteTerminatedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := p.db.ExecContext(ctx,
		`DELETE FROM ride_requests WHERE status IN ('completed','cancelled') AND updated_at < $1`,
		cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) replace(ctx context.Context, req *models.RideRequest) error {
	doc, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	res, err := p.db.ExecContext(ctx,
		`UPDATE ride_requests SET status=$1, updated_at=$2, doc=$3 WHERE id=$4`,
		req.Status, req.UpdatedAt, doc, req.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanDocs(rows *sql.Rows) ([]*models.RideRequest, error) {
	var out []*models.RideRequest
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var req models.RideRequest
		if err := json.Unmarshal(doc, &req); err != nil {
			return nil, fmt.Errorf("decode request: %w", err)
		}
		out = append(out, &req)
	}
	return out, rows.Err()
}
