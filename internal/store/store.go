package store

import (
	"context"
	"errors"

	"github.com/diako/creditledger/internal/domain"
)

var (
	ErrAccountNotFound      = errors.New("account not found")
	ErrInsufficientBalance  = errors.New("insufficient balance")
	ErrDuplicateTransaction = errors.New("duplicate idempotency key")
	ErrVerificationPending  = errors.New("verification already pending")
	ErrVerificationNotFound = errors.New("verification not found")
	ErrWithdrawalNotFound   = errors.New("withdrawal not found")
	ErrInvalidTransition    = errors.New("invalid status transition")
)

// DeltaOptions controls how ApplyDelta treats a single balance change.
type DeltaOptions struct {
	// IdempotencyKey, when non-empty, makes the delta at-most-once:
	// the first write wins and a replay returns the original
	// transaction together with ErrDuplicateTransaction.
	IdempotencyKey string

	// AllowNegative permits the delta to drive the balance below zero.
	// The withdrawal path never sets this; admin adjustments may.
	AllowNegative bool
}

// Store is the durable boundary of the credit ledger. The balance update
// and the transaction append inside ApplyDelta are a single atomic unit:
// either both are visible or neither is. Concurrent deltas for the same
// user serialize; deltas for different users do not block each other.
type Store interface {
	CreateAccount(ctx context.Context, userID string) error
	GetBalance(ctx context.Context, userID string) (int64, error)
	ApplyDelta(ctx context.Context, userID string, amount int64, reason string, opts DeltaOptions) (*domain.Transaction, error)
	TransactionsByUser(ctx context.Context, userID string) ([]domain.Transaction, error)

	SavePayment(ctx context.Context, p *domain.Payment) error
	PaymentsByUser(ctx context.Context, userID string) ([]domain.Payment, error)

	CreateVerification(ctx context.Context, v *domain.Verification) error
	LatestVerification(ctx context.Context, userID string) (*domain.Verification, error)
	ResolveVerification(ctx context.Context, id string, status domain.VerificationStatus) error
	IsVerified(ctx context.Context, userID string) (bool, error)

	SaveWithdrawal(ctx context.Context, w *domain.Withdrawal) error
	GetWithdrawal(ctx context.Context, id string) (*domain.Withdrawal, error)
	UpdateWithdrawalStatus(ctx context.Context, id string, status domain.WithdrawalStatus) error
	WithdrawalsByUser(ctx context.Context, userID string) ([]domain.Withdrawal, error)

	Close()
}
