package service

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/diako/creditledger/internal/domain"
	"github.com/diako/creditledger/internal/events"
	"github.com/diako/creditledger/internal/store"
)

var ErrInvalidAmount = errors.New("amount must be positive")

// CreditRate is the fixed exchange rate: 1 credit = 5 Ariary.
const CreditRate = 5

// DepositConverter turns a confirmed mobile-money payment into credits.
// Settlement is simulated: the caller's submission counts as
// confirmation, so every accepted payment is recorded with status
// success. Gateway integration lives outside this core.
type DepositConverter struct {
	store  store.Store
	events events.Publisher
}

func NewDepositConverter(s store.Store, pub events.Publisher) *DepositConverter {
	return &DepositConverter{store: s, events: pub}
}

// Deposit converts amount (Ariary) into floor(amount/CreditRate)
// credits. The remainder is dropped; it never accumulates across
// payments. A payment too small to yield a single credit is still
// logged, but no zero-amount transaction is written.
func (c *DepositConverter) Deposit(ctx context.Context, userID string, amount decimal.Decimal, serviceName string) (*domain.Payment, int64, error) {
	svc, err := domain.ParseMobileService(serviceName)
	if err != nil {
		return nil, 0, err
	}
	if amount.LessThanOrEqual(decimal.Zero) {
		return nil, 0, ErrInvalidAmount
	}

	payment := &domain.Payment{
		ID:      uuid.NewString(),
		UserID:  userID,
		Amount:  amount,
		Service: svc,
		Status:  domain.PaymentSuccess,
	}

	credits := amount.Div(decimal.NewFromInt(CreditRate)).Floor().IntPart()
	if credits > 0 {
		reason := fmt.Sprintf("deposit:%s", svc)
		tx, err := c.store.ApplyDelta(ctx, userID, credits, reason, store.DeltaOptions{
			IdempotencyKey: "deposit:" + payment.ID,
		})
		if err != nil {
			return nil, 0, err
		}
		c.publishDeposit(ctx, tx)
	} else {
		// Account must still exist for the payment to be attributable.
		if _, err := c.store.GetBalance(ctx, userID); err != nil {
			return nil, 0, err
		}
	}

	if err := c.store.SavePayment(ctx, payment); err != nil {
		return nil, 0, err
	}
	return payment, credits, nil
}

func (c *DepositConverter) History(ctx context.Context, userID string) ([]domain.Payment, error) {
	return c.store.PaymentsByUser(ctx, userID)
}

func (c *DepositConverter) publishDeposit(ctx context.Context, tx *domain.Transaction) {
	err := c.events.Publish(ctx, events.LedgerEvent{
		Type:          events.TypeCreditDeposited,
		UserID:        tx.UserID,
		Amount:        tx.Amount,
		Reason:        tx.Reason,
		TransactionID: tx.ID,
		At:            tx.CreatedAt,
	})
	if err != nil {
		log.Printf("event publish failed for tx %d: %v", tx.ID, err)
	}
}
