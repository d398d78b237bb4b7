package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/diako/creditledger/internal/domain"
)

const pgUniqueViolation = "23505"

// Postgres is the production Store backed by a pgx connection pool.
type Postgres struct {
	db *pgxpool.Pool
}

func NewPostgres(ctx context.Context, connString string) (*Postgres, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &Postgres{db: pool}, nil
}

func (s *Postgres) Close() {
	s.db.Close()
}

func (s *Postgres) CreateAccount(ctx context.Context, userID string) error {
	_, err := s.db.Exec(ctx,
		"INSERT INTO accounts (user_id, balance) VALUES ($1, 0) ON CONFLICT (user_id) DO NOTHING",
		userID)
	return err
}

func (s *Postgres) GetBalance(ctx context.Context, userID string) (int64, error) {
	var balance int64
	err := s.db.QueryRow(ctx, "SELECT balance FROM accounts WHERE user_id = $1", userID).Scan(&balance)
	if err == pgx.ErrNoRows {
		return 0, ErrAccountNotFound
	}
	if err != nil {
		return 0, err
	}
	return balance, nil
}

// ApplyDelta updates the balance and appends the transaction row inside
// one database transaction. The account row is locked FOR UPDATE so
// concurrent deltas for the same user serialize; the solvency check runs
// against the locked balance, never a stale read.
func (s *Postgres) ApplyDelta(ctx context.Context, userID string, amount int64, reason string, opts DeltaOptions) (*domain.Transaction, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return nil, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	if opts.IdempotencyKey != "" {
		existing, err := scanTransaction(tx.QueryRow(ctx,
			"SELECT id, user_id, amount, reason, COALESCE(idempotency_key, ''), created_at FROM credit_transactions WHERE idempotency_key = $1",
			opts.IdempotencyKey))
		if err == nil {
			return existing, ErrDuplicateTransaction
		}
		if err != pgx.ErrNoRows {
			return nil, fmt.Errorf("idempotency query failed: %w", err)
		}
	}

	var balance int64
	err = tx.QueryRow(ctx, "SELECT balance FROM accounts WHERE user_id = $1 FOR UPDATE", userID).Scan(&balance)
	if err == pgx.ErrNoRows {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock acquisition failed: %w", err)
	}

	if !opts.AllowNegative && balance+amount < 0 {
		return nil, ErrInsufficientBalance
	}

	var key any
	if opts.IdempotencyKey != "" {
		key = opts.IdempotencyKey
	}
	result := domain.Transaction{
		UserID:         userID,
		Amount:         amount,
		Reason:         reason,
		IdempotencyKey: opts.IdempotencyKey,
	}
	err = tx.QueryRow(ctx,
		"INSERT INTO credit_transactions (user_id, amount, reason, idempotency_key) VALUES ($1, $2, $3, $4) RETURNING id, created_at",
		userID, amount, reason, key,
	).Scan(&result.ID, &result.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			// Lost the first-write race; surface the winner's row.
			tx.Rollback(ctx)
			existing, lookupErr := scanTransaction(s.db.QueryRow(ctx,
				"SELECT id, user_id, amount, reason, COALESCE(idempotency_key, ''), created_at FROM credit_transactions WHERE idempotency_key = $1",
				opts.IdempotencyKey))
			if lookupErr != nil {
				return nil, ErrDuplicateTransaction
			}
			return existing, ErrDuplicateTransaction
		}
		return nil, fmt.Errorf("transaction insert failed: %w", err)
	}

	_, err = tx.Exec(ctx, "UPDATE accounts SET balance = balance + $1 WHERE user_id = $2", amount, userID)
	if err != nil {
		return nil, fmt.Errorf("balance update failed: %w", err)
	}

	if err = tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("tx commit failed: %w", err)
	}
	return &result, nil
}

func scanTransaction(row pgx.Row) (*domain.Transaction, error) {
	var t domain.Transaction
	err := row.Scan(&t.ID, &t.UserID, &t.Amount, &t.Reason, &t.IdempotencyKey, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *Postgres) TransactionsByUser(ctx context.Context, userID string) ([]domain.Transaction, error) {
	rows, err := s.db.Query(ctx,
		"SELECT id, user_id, amount, reason, COALESCE(idempotency_key, ''), created_at FROM credit_transactions WHERE user_id = $1 ORDER BY id",
		userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.Transaction
	for rows.Next() {
		var t domain.Transaction
		if err := rows.Scan(&t.ID, &t.UserID, &t.Amount, &t.Reason, &t.IdempotencyKey, &t.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, t)
	}
	return entries, rows.Err()
}

func (s *Postgres) SavePayment(ctx context.Context, p *domain.Payment) error {
	return s.db.QueryRow(ctx,
		"INSERT INTO payments (id, user_id, amount, service, status) VALUES ($1, $2, $3, $4, $5) RETURNING created_at",
		p.ID, p.UserID, p.Amount, p.Service, p.Status,
	).Scan(&p.CreatedAt)
}

func (s *Postgres) PaymentsByUser(ctx context.Context, userID string) ([]domain.Payment, error) {
	rows, err := s.db.Query(ctx,
		"SELECT id, user_id, amount, service, status, created_at FROM payments WHERE user_id = $1 ORDER BY created_at",
		userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var payments []domain.Payment
	for rows.Next() {
		var p domain.Payment
		if err := rows.Scan(&p.ID, &p.UserID, &p.Amount, &p.Service, &p.Status, &p.CreatedAt); err != nil {
			return nil, err
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

func (s *Postgres) CreateVerification(ctx context.Context, v *domain.Verification) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var pending bool
	err = tx.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM verifications WHERE user_id = $1 AND status = $2)",
		v.UserID, domain.VerificationPending).Scan(&pending)
	if err != nil {
		return err
	}
	if pending {
		return ErrVerificationPending
	}

	err = tx.QueryRow(ctx,
		"INSERT INTO verifications (id, user_id, cin_number, scan_file, status) VALUES ($1, $2, $3, $4, $5) RETURNING created_at",
		v.ID, v.UserID, v.CINNumber, v.ScanFile, v.Status,
	).Scan(&v.CreatedAt)
	if err != nil {
		// Partial unique index on (user_id) WHERE status = 'pending'
		// backstops the existence check under concurrency.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return ErrVerificationPending
		}
		return err
	}
	return tx.Commit(ctx)
}

func (s *Postgres) LatestVerification(ctx context.Context, userID string) (*domain.Verification, error) {
	var v domain.Verification
	err := s.db.QueryRow(ctx,
		"SELECT id, user_id, cin_number, COALESCE(scan_file, ''), status, created_at FROM verifications WHERE user_id = $1 ORDER BY created_at DESC LIMIT 1",
		userID).Scan(&v.ID, &v.UserID, &v.CINNumber, &v.ScanFile, &v.Status, &v.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, ErrVerificationNotFound
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func (s *Postgres) ResolveVerification(ctx context.Context, id string, status domain.VerificationStatus) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var userID string
	var current domain.VerificationStatus
	err = tx.QueryRow(ctx,
		"SELECT user_id, status FROM verifications WHERE id = $1 FOR UPDATE", id).Scan(&userID, &current)
	if err == pgx.ErrNoRows {
		return ErrVerificationNotFound
	}
	if err != nil {
		return err
	}
	if !current.CanTransition(status) {
		return ErrInvalidTransition
	}

	if _, err = tx.Exec(ctx, "UPDATE verifications SET status = $1 WHERE id = $2", status, id); err != nil {
		return err
	}
	if status == domain.VerificationApproved {
		if _, err = tx.Exec(ctx, "UPDATE accounts SET verified = TRUE WHERE user_id = $1", userID); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *Postgres) IsVerified(ctx context.Context, userID string) (bool, error) {
	var verified bool
	err := s.db.QueryRow(ctx, "SELECT verified FROM accounts WHERE user_id = $1", userID).Scan(&verified)
	if err == pgx.ErrNoRows {
		return false, ErrAccountNotFound
	}
	if err != nil {
		return false, err
	}
	return verified, nil
}

func (s *Postgres) SaveWithdrawal(ctx context.Context, w *domain.Withdrawal) error {
	return s.db.QueryRow(ctx,
		"INSERT INTO withdrawals (id, user_id, amount, method, destination, status, transaction_id) VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING created_at",
		w.ID, w.UserID, w.Amount, w.Method, w.Destination, w.Status, w.TransactionID,
	).Scan(&w.CreatedAt)
}

func (s *Postgres) GetWithdrawal(ctx context.Context, id string) (*domain.Withdrawal, error) {
	var w domain.Withdrawal
	err := s.db.QueryRow(ctx,
		"SELECT id, user_id, amount, method, destination, status, transaction_id, created_at FROM withdrawals WHERE id = $1",
		id).Scan(&w.ID, &w.UserID, &w.Amount, &w.Method, &w.Destination, &w.Status, &w.TransactionID, &w.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, ErrWithdrawalNotFound
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func (s *Postgres) UpdateWithdrawalStatus(ctx context.Context, id string, status domain.WithdrawalStatus) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var current domain.WithdrawalStatus
	err = tx.QueryRow(ctx, "SELECT status FROM withdrawals WHERE id = $1 FOR UPDATE", id).Scan(&current)
	if err == pgx.ErrNoRows {
		return ErrWithdrawalNotFound
	}
	if err != nil {
		return err
	}
	if !current.CanTransition(status) {
		return ErrInvalidTransition
	}
	if _, err = tx.Exec(ctx, "UPDATE withdrawals SET status = $1 WHERE id = $2", status, id); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Postgres) WithdrawalsByUser(ctx context.Context, userID string) ([]domain.Withdrawal, error) {
	rows, err := s.db.Query(ctx,
		"SELECT id, user_id, amount, method, destination, status, transaction_id, created_at FROM withdrawals WHERE user_id = $1 ORDER BY created_at",
		userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.Withdrawal
	for rows.Next() {
		var w domain.Withdrawal
		if err := rows.Scan(&w.ID, &w.UserID, &w.Amount, &w.Method, &w.Destination, &w.Status, &w.TransactionID, &w.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, w)
	}
	return result, rows.Err()
}

var _ Store = (*Postgres)(nil)
