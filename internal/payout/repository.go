package payout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lastbid-gg/lastbid/internal/models"
)

// ErrNotFound is returned when a payout row does not exist.
var ErrNotFound = errors.New("payout not found")

// Repository is the Postgres store for settlement payouts. Inserting or
// releasing a row to pending fires the payout_events NOTIFY trigger the
// relay listens on (see migrations).
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Insert implements round.PayoutRecorder.
func (r *Repository) Insert(ctx context.Context, p models.Payout) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO payouts (id, tier, round_id, account, amount, kind, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		p.ID, p.Tier, p.RoundID, p.Account, p.Amount, string(p.Kind), string(p.Status),
	)
	if err != nil {
		return fmt.Errorf("insert payout: %w", err)
	}
	return nil
}

// UpdateStatus implements round.PayoutRecorder.
func (r *Repository) UpdateStatus(ctx context.Context, id uuid.UUID, status models.PayoutStatus) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE payouts SET status = $2, updated_at = now() WHERE id = $1`,
		id, string(status),
	)
	if err != nil {
		return fmt.Errorf("update payout status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// FetchByID returns a single payout row.
func (r *Repository) FetchByID(ctx context.Context, id uuid.UUID) (models.Payout, error) {
	return r.scanOne(r.pool.QueryRow(ctx,
		`SELECT id, tier, round_id, account, amount, kind, status, created_at
		 FROM payouts WHERE id = $1`, id,
	))
}

// FetchPending returns pending payouts oldest first.
func (r *Repository) FetchPending(ctx context.Context, limit int32) ([]models.Payout, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, tier, round_id, account, amount, kind, status, created_at
		 FROM payouts
		 WHERE status = 'pending'
		 ORDER BY created_at
		 LIMIT $1`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("fetch pending payouts: %w", err)
	}
	defer rows.Close()
	return r.scanAll(rows)
}

// FetchStaleSettling returns rows stuck in settling longer than the
// grace period. The resolver either paid them and failed to mark it, or
// died mid-settlement; the relay alerts instead of crediting, because
// crediting could double-pay.
func (r *Repository) FetchStaleSettling(ctx context.Context, olderThan time.Duration, limit int32) ([]models.Payout, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, tier, round_id, account, amount, kind, status, created_at
		 FROM payouts
		 WHERE status = 'settling' AND created_at < now() - $1::interval
		 ORDER BY created_at
		 LIMIT $2`,
		fmt.Sprintf("%d seconds", int(olderThan.Seconds())), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("fetch stale settling payouts: %w", err)
	}
	defer rows.Close()
	return r.scanAll(rows)
}

func (r *Repository) scanOne(row pgx.Row) (models.Payout, error) {
	var p models.Payout
	var kind, status string
	err := row.Scan(&p.ID, &p.Tier, &p.RoundID, &p.Account, &p.Amount, &kind, &status, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Payout{}, ErrNotFound
	}
	if err != nil {
		return models.Payout{}, fmt.Errorf("scan payout: %w", err)
	}
	p.Kind = models.OutcomeKind(kind)
	p.Status = models.PayoutStatus(status)
	return p, nil
}

func (r *Repository) scanAll(rows pgx.Rows) ([]models.Payout, error) {
	var out []models.Payout
	for rows.Next() {
		var p models.Payout
		var kind, status string
		if err := rows.Scan(&p.ID, &p.Tier, &p.RoundID, &p.Account, &p.Amount, &kind, &status, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan payout: %w", err)
		}
		p.Kind = models.OutcomeKind(kind)
		p.Status = models.PayoutStatus(status)
		out = append(out, p)
	}
	return out, rows.Err()
}
