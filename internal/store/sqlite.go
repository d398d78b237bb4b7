package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/diako/creditledger/internal/domain"
)

// SQLite is a file-backed Store for local development. Use ":memory:"
// for a throwaway database. SQLite serializes writers globally, which is
// stricter than the per-account serialization the contract requires.
type SQLite struct {
	db *sql.DB
}

func NewSQLite(dbPath string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	s := &SQLite{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func (s *SQLite) Close() {
	s.db.Close()
}

func (s *SQLite) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS accounts (
		user_id    TEXT PRIMARY KEY,
		balance    INTEGER NOT NULL DEFAULT 0,
		verified   INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS credit_transactions (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id         TEXT NOT NULL REFERENCES accounts (user_id),
		amount          INTEGER NOT NULL,
		reason          TEXT NOT NULL DEFAULT '',
		idempotency_key TEXT UNIQUE,
		created_at      TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS credit_transactions_user_idx ON credit_transactions (user_id);

	CREATE TABLE IF NOT EXISTS payments (
		id         TEXT PRIMARY KEY,
		user_id    TEXT NOT NULL,
		amount     TEXT NOT NULL,
		service    TEXT NOT NULL,
		status     TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS verifications (
		id         TEXT PRIMARY KEY,
		user_id    TEXT NOT NULL,
		cin_number TEXT NOT NULL,
		scan_file  TEXT,
		status     TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE UNIQUE INDEX IF NOT EXISTS verifications_pending_idx
		ON verifications (user_id) WHERE status = 'pending';

	CREATE TABLE IF NOT EXISTS withdrawals (
		id             TEXT PRIMARY KEY,
		user_id        TEXT NOT NULL,
		amount         INTEGER NOT NULL,
		method         TEXT NOT NULL,
		destination    TEXT NOT NULL,
		status         TEXT NOT NULL,
		transaction_id INTEGER NOT NULL,
		created_at     TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLite) CreateAccount(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO accounts (user_id, balance) VALUES (?, 0)", userID)
	return err
}

func (s *SQLite) GetBalance(ctx context.Context, userID string) (int64, error) {
	var balance int64
	err := s.db.QueryRowContext(ctx, "SELECT balance FROM accounts WHERE user_id = ?", userID).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, ErrAccountNotFound
	}
	if err != nil {
		return 0, err
	}
	return balance, nil
}

func (s *SQLite) ApplyDelta(ctx context.Context, userID string, amount int64, reason string, opts DeltaOptions) (*domain.Transaction, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback()

	if opts.IdempotencyKey != "" {
		existing, err := s.scanTransaction(tx.QueryRowContext(ctx,
			"SELECT id, user_id, amount, reason, COALESCE(idempotency_key, ''), created_at FROM credit_transactions WHERE idempotency_key = ?",
			opts.IdempotencyKey))
		if err == nil {
			return existing, ErrDuplicateTransaction
		}
		if err != sql.ErrNoRows {
			return nil, fmt.Errorf("idempotency query failed: %w", err)
		}
	}

	var balance int64
	err = tx.QueryRowContext(ctx, "SELECT balance FROM accounts WHERE user_id = ?", userID).Scan(&balance)
	if err == sql.ErrNoRows {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}

	if !opts.AllowNegative && balance+amount < 0 {
		return nil, ErrInsufficientBalance
	}

	var key any
	if opts.IdempotencyKey != "" {
		key = opts.IdempotencyKey
	}
	res, err := tx.ExecContext(ctx,
		"INSERT INTO credit_transactions (user_id, amount, reason, idempotency_key) VALUES (?, ?, ?, ?)",
		userID, amount, reason, key)
	if err != nil {
		if opts.IdempotencyKey != "" && strings.Contains(err.Error(), "UNIQUE constraint failed") {
			tx.Rollback()
			existing, lookupErr := s.scanTransaction(s.db.QueryRowContext(ctx,
				"SELECT id, user_id, amount, reason, COALESCE(idempotency_key, ''), created_at FROM credit_transactions WHERE idempotency_key = ?",
				opts.IdempotencyKey))
			if lookupErr != nil {
				return nil, ErrDuplicateTransaction
			}
			return existing, ErrDuplicateTransaction
		}
		return nil, fmt.Errorf("transaction insert failed: %w", err)
	}
	txID, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}

	if _, err = tx.ExecContext(ctx,
		"UPDATE accounts SET balance = balance + ? WHERE user_id = ?", amount, userID); err != nil {
		return nil, fmt.Errorf("balance update failed: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("tx commit failed: %w", err)
	}

	return s.scanTransaction(s.db.QueryRowContext(ctx,
		"SELECT id, user_id, amount, reason, COALESCE(idempotency_key, ''), created_at FROM credit_transactions WHERE id = ?",
		txID))
}

func (s *SQLite) scanTransaction(row *sql.Row) (*domain.Transaction, error) {
	var t domain.Transaction
	err := row.Scan(&t.ID, &t.UserID, &t.Amount, &t.Reason, &t.IdempotencyKey, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *SQLite) TransactionsByUser(ctx context.Context, userID string) ([]domain.Transaction, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, user_id, amount, reason, COALESCE(idempotency_key, ''), created_at FROM credit_transactions WHERE user_id = ? ORDER BY id",
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

func (s *SQLite) SavePayment(ctx context.Context, p *domain.Payment) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO payments (id, user_id, amount, service, status) VALUES (?, ?, ?, ?, ?)",
		p.ID, p.UserID, p.Amount.String(), p.Service, p.Status)
	return err
}

func (s *SQLite) PaymentsByUser(ctx context.Context, userID string) ([]domain.Payment, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, user_id, amount, service, status, created_at FROM payments WHERE user_id = ? ORDER BY created_at",
		userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var payments []domain.Payment
	for rows.Next() {
		var p domain.Payment
		var amount string
		if err := rows.Scan(&p.ID, &p.UserID, &amount, &p.Service, &p.Status, &p.CreatedAt); err != nil {
			return nil, err
		}
		if p.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("corrupt payment amount %q: %w", amount, err)
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

func (s *SQLite) CreateVerification(ctx context.Context, v *domain.Verification) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO verifications (id, user_id, cin_number, scan_file, status) VALUES (?, ?, ?, ?, ?)",
		v.ID, v.UserID, v.CINNumber, v.ScanFile, v.Status)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return ErrVerificationPending
	}
	return err
}

func (s *SQLite) LatestVerification(ctx context.Context, userID string) (*domain.Verification, error) {
	var v domain.Verification
	err := s.db.QueryRowContext(ctx,
		"SELECT id, user_id, cin_number, COALESCE(scan_file, ''), status, created_at FROM verifications WHERE user_id = ? ORDER BY created_at DESC, rowid DESC LIMIT 1",
		userID).Scan(&v.ID, &v.UserID, &v.CINNumber, &v.ScanFile, &v.Status, &v.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrVerificationNotFound
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func (s *SQLite) ResolveVerification(ctx context.Context, id string, status domain.VerificationStatus) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var userID string
	var current domain.VerificationStatus
	err = tx.QueryRowContext(ctx, "SELECT user_id, status FROM verifications WHERE id = ?", id).Scan(&userID, &current)
	if err == sql.ErrNoRows {
		return ErrVerificationNotFound
	}
	if err != nil {
		return err
	}
	if !current.CanTransition(status) {
		return ErrInvalidTransition
	}

	if _, err = tx.ExecContext(ctx, "UPDATE verifications SET status = ? WHERE id = ?", status, id); err != nil {
		return err
	}
	if status == domain.VerificationApproved {
		if _, err = tx.ExecContext(ctx, "UPDATE accounts SET verified = 1 WHERE user_id = ?", userID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLite) IsVerified(ctx context.Context, userID string) (bool, error) {
	var verified bool
	err := s.db.QueryRowContext(ctx, "SELECT verified FROM accounts WHERE user_id = ?", userID).Scan(&verified)
	if err == sql.ErrNoRows {
		return false, ErrAccountNotFound
	}
	if err != nil {
		return false, err
	}
	return verified, nil
}

func (s *SQLite) SaveWithdrawal(ctx context.Context, w *domain.Withdrawal) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO withdrawals (id, user_id, amount, method, destination, status, transaction_id) VALUES (?, ?, ?, ?, ?, ?, ?)",
		w.ID, w.UserID, w.Amount, w.Method, w.Destination, w.Status, w.TransactionID)
	return err
}

func (s *SQLite) GetWithdrawal(ctx context.Context, id string) (*domain.Withdrawal, error) {
	var w domain.Withdrawal
	err := s.db.QueryRowContext(ctx,
		"SELECT id, user_id, amount, method, destination, status, transaction_id, created_at FROM withdrawals WHERE id = ?",
		id).Scan(&w.ID, &w.UserID, &w.Amount, &w.Method, &w.Destination, &w.Status, &w.TransactionID, &w.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrWithdrawalNotFound
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func (s *SQLite) UpdateWithdrawalStatus(ctx context.Context, id string, status domain.WithdrawalStatus) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var current domain.WithdrawalStatus
	err = tx.QueryRowContext(ctx, "SELECT status FROM withdrawals WHERE id = ?", id).Scan(&current)
	if err == sql.ErrNoRows {
		return ErrWithdrawalNotFound
	}
	if err != nil {
		return err
	}
	if !current.CanTransition(status) {
		return ErrInvalidTransition
	}
	if _, err = tx.ExecContext(ctx, "UPDATE withdrawals SET status = ? WHERE id = ?", status, id); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLite) WithdrawalsByUser(ctx context.Context, userID string) ([]domain.Withdrawal, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, user_id, amount, method, destination, status, transaction_id, created_at FROM withdrawals WHERE user_id = ? ORDER BY created_at",
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

var _ Store = (*SQLite)(nil)
