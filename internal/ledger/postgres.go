package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// Store is the Postgres-backed ledger. The debit is a single
// conditional UPDATE guarded by `balance >= amount`, so two concurrent
// bids from the same account can never both pass a balance check before
// either debit lands.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// TryDebit implements Ledger. The balance update and the bid record are
// one transaction: either the account paid and the bid is on record, or
// neither happened.
func (s *Store) TryDebit(ctx context.Context, account string, amount int64, ref BidRef) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: begin debit: %v", ErrUnavailable, err)
	}
	defer tx.Rollback(ctx)

	var balance int64
	err = tx.QueryRow(ctx,
		`UPDATE accounts
		 SET balance = balance - $2, updated_at = now()
		 WHERE account = $1 AND balance >= $2
		 RETURNING balance`,
		account, amount,
	).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		// Missing account and short balance reject identically.
		return 0, ErrInsufficientFunds
	}
	if err != nil {
		return 0, fmt.Errorf("%w: debit %s: %v", ErrUnavailable, account, err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO ledger_bids (tier, round_id, bid_id, account, amount)
		 VALUES ($1, $2, $3, $4, $5)`,
		ref.Tier, ref.RoundID, ref.BidID, account, amount,
	)
	if err != nil {
		return 0, fmt.Errorf("%w: record bid: %v", ErrUnavailable, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("%w: commit debit: %v", ErrUnavailable, err)
	}
	return balance, nil
}

// Credit implements Ledger.
func (s *Store) Credit(ctx context.Context, account string, amount int64) (int64, error) {
	var balance int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO accounts (account, balance)
		 VALUES ($1, $2)
		 ON CONFLICT (account)
		 DO UPDATE SET balance = accounts.balance + EXCLUDED.balance, updated_at = now()
		 RETURNING balance`,
		account, amount,
	).Scan(&balance)
	if err != nil {
		return 0, fmt.Errorf("%w: credit %s: %v", ErrUnavailable, account, err)
	}
	return balance, nil
}

// Balance returns the spendable balance, creating the account at zero
// on first sight.
func (s *Store) Balance(ctx context.Context, account string) (int64, error) {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO accounts (account, balance) VALUES ($1, 0)
		 ON CONFLICT (account) DO NOTHING`,
		account,
	)
	if err != nil {
		return 0, fmt.Errorf("%w: ensure account %s: %v", ErrUnavailable, account, err)
	}

	var balance int64
	err = s.pool.QueryRow(ctx,
		`SELECT balance FROM accounts WHERE account = $1`, account,
	).Scan(&balance)
	if err != nil {
		return 0, fmt.Errorf("%w: read balance %s: %v", ErrUnavailable, account, err)
	}
	return balance, nil
}

// ReconcileAbandonedRounds refunds debits recorded against rounds that
// never produced a settlement row, i.e. the process died between a
// successful debit and settling the round. Run at startup, before any
// machine starts taking bids. Returns the number of accounts refunded.
func (s *Store) ReconcileAbandonedRounds(ctx context.Context) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin reconcile: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx,
		`SELECT account, SUM(amount)
		 FROM ledger_bids b
		 WHERE NOT b.reconciled
		   AND NOT EXISTS (SELECT 1 FROM payouts p WHERE p.round_id = b.round_id)
		 GROUP BY account`,
	)
	if err != nil {
		return 0, fmt.Errorf("find abandoned bids: %w", err)
	}

	type refund struct {
		account string
		amount  int64
	}
	var refunds []refund
	for rows.Next() {
		var r refund
		if err := rows.Scan(&r.account, &r.amount); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan abandoned bid: %w", err)
		}
		refunds = append(refunds, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate abandoned bids: %w", err)
	}

	if len(refunds) == 0 {
		return 0, tx.Commit(ctx)
	}

	for _, r := range refunds {
		_, err := tx.Exec(ctx,
			`UPDATE accounts SET balance = balance + $2, updated_at = now()
			 WHERE account = $1`,
			r.account, r.amount,
		)
		if err != nil {
			return 0, fmt.Errorf("refund %s: %w", r.account, err)
		}
		log.Warn().
			Str("account", r.account).
			Int64("amount_cents", r.amount).
			Msg("refunded bids from abandoned round")
	}

	_, err = tx.Exec(ctx,
		`UPDATE ledger_bids b SET reconciled = true
		 WHERE NOT b.reconciled
		   AND NOT EXISTS (SELECT 1 FROM payouts p WHERE p.round_id = b.round_id)`,
	)
	if err != nil {
		return 0, fmt.Errorf("mark bids reconciled: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit reconcile: %w", err)
	}
	return len(refunds), nil
}
