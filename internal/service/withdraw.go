package service

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"

	"github.com/diako/creditledger/internal/domain"
	"github.com/diako/creditledger/internal/events"
	"github.com/diako/creditledger/internal/store"
)

var (
	ErrNotVerified        = errors.New("account not verified")
	ErrMissingDestination = errors.New("destination is required")
)

// WithdrawalValidator gates payout requests: the user must be verified
// and solvent. The debit runs in strict mode, so the solvency check is
// re-evaluated against the locked balance inside the store. Two racing
// withdrawals can never both succeed against one balance.
type WithdrawalValidator struct {
	store  store.Store
	events events.Publisher
}

func NewWithdrawalValidator(s store.Store, pub events.Publisher) *WithdrawalValidator {
	return &WithdrawalValidator{store: s, events: pub}
}

// Request debits the user's balance and records a withdrawal awaiting
// manual settlement. All preconditions run before any mutation.
func (v *WithdrawalValidator) Request(ctx context.Context, userID string, amount int64, methodName, destination string) (*domain.Withdrawal, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	method, err := domain.ParseMobileService(methodName)
	if err != nil {
		return nil, err
	}
	if destination == "" {
		return nil, ErrMissingDestination
	}

	verified, err := v.store.IsVerified(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !verified {
		return nil, ErrNotVerified
	}

	w := &domain.Withdrawal{
		ID:          uuid.NewString(),
		UserID:      userID,
		Amount:      amount,
		Method:      method,
		Destination: destination,
		Status:      domain.WithdrawalRequested,
	}

	reason := fmt.Sprintf("withdraw:%s:%s", method, destination)
	tx, err := v.store.ApplyDelta(ctx, userID, -amount, reason, store.DeltaOptions{
		IdempotencyKey: "withdraw:" + w.ID,
	})
	if err != nil {
		return nil, err
	}
	w.TransactionID = tx.ID

	if err := v.store.SaveWithdrawal(ctx, w); err != nil {
		return nil, err
	}

	if err := v.events.Publish(ctx, events.LedgerEvent{
		Type:          events.TypeCreditWithdrawn,
		UserID:        tx.UserID,
		Amount:        tx.Amount,
		Reason:        tx.Reason,
		TransactionID: tx.ID,
		At:            tx.CreatedAt,
	}); err != nil {
		log.Printf("event publish failed for tx %d: %v", tx.ID, err)
	}
	return w, nil
}

// Approve marks a requested withdrawal as settled by an operator. The
// debit already happened at request time.
func (v *WithdrawalValidator) Approve(ctx context.Context, id string) error {
	return v.store.UpdateWithdrawalStatus(ctx, id, domain.WithdrawalApproved)
}

// Reject refunds the debit with a compensating transaction. The original
// debit stays in the log; corrections are appended, never edited.
func (v *WithdrawalValidator) Reject(ctx context.Context, id string) error {
	w, err := v.store.GetWithdrawal(ctx, id)
	if err != nil {
		return err
	}
	if err := v.store.UpdateWithdrawalStatus(ctx, id, domain.WithdrawalRejected); err != nil {
		return err
	}

	reason := fmt.Sprintf("refund:withdraw:%s:%s", w.Method, w.Destination)
	_, err = v.store.ApplyDelta(ctx, w.UserID, w.Amount, reason, store.DeltaOptions{
		IdempotencyKey: "refund:" + w.ID,
	})
	if errors.Is(err, store.ErrDuplicateTransaction) {
		return nil
	}
	return err
}

func (v *WithdrawalValidator) History(ctx context.Context, userID string) ([]domain.Withdrawal, error) {
	return v.store.WithdrawalsByUser(ctx, userID)
}
