package service

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diako/creditledger/internal/domain"
	"github.com/diako/creditledger/internal/events"
	"github.com/diako/creditledger/internal/store"
)

func newDepositFixture(t *testing.T, userID string) (*DepositConverter, *store.Memory) {
	t.Helper()
	m := store.NewMemory()
	require.NoError(t, m.CreateAccount(context.Background(), userID))
	return NewDepositConverter(m, events.Noop{}), m
}

func TestDepositConversion(t *testing.T) {
	tests := []struct {
		name    string
		amount  int64
		credits int64
	}{
		{"ten thousand ariary", 10000, 2000},
		{"remainder dropped", 12, 2},
		{"below minimum", 4, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			converter, m := newDepositFixture(t, "u1")

			payment, credits, err := converter.Deposit(ctx, "u1", decimal.NewFromInt(tt.amount), "mvola")
			require.NoError(t, err)
			assert.Equal(t, tt.credits, credits)
			assert.Equal(t, domain.PaymentSuccess, payment.Status)

			balance, err := m.GetBalance(ctx, "u1")
			require.NoError(t, err)
			assert.Equal(t, tt.credits, balance)
		})
	}
}

func TestDepositBelowMinimumLogsPaymentWithoutTransaction(t *testing.T) {
	ctx := context.Background()
	converter, m := newDepositFixture(t, "u1")

	_, credits, err := converter.Deposit(ctx, "u1", decimal.NewFromInt(4), "orange")
	require.NoError(t, err)
	assert.Equal(t, int64(0), credits)

	// The sub-minimum payment is logged for audit...
	payments, err := m.PaymentsByUser(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, payments, 1)
	assert.Equal(t, domain.PaymentSuccess, payments[0].Status)

	// ...but no zero-amount transaction is written.
	txs, err := m.TransactionsByUser(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, txs)
}

func TestDepositFractionalRemainderNeverAccumulates(t *testing.T) {
	ctx := context.Background()
	converter, m := newDepositFixture(t, "u1")

	// Three payments of 4 Ar each: 12 Ar paid, zero credits. The
	// remainders do not add up to a grant.
	for i := 0; i < 3; i++ {
		_, credits, err := converter.Deposit(ctx, "u1", decimal.NewFromInt(4), "mvola")
		require.NoError(t, err)
		assert.Equal(t, int64(0), credits)
	}

	balance, err := m.GetBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance)
}

func TestDepositCaseInsensitiveService(t *testing.T) {
	ctx := context.Background()
	converter, _ := newDepositFixture(t, "u1")

	payment, _, err := converter.Deposit(ctx, "u1", decimal.NewFromInt(100), "Airtel")
	require.NoError(t, err)
	assert.Equal(t, domain.ServiceAirtel, payment.Service)
}

func TestDepositUnsupportedService(t *testing.T) {
	ctx := context.Background()
	converter, m := newDepositFixture(t, "u1")

	_, _, err := converter.Deposit(ctx, "u1", decimal.NewFromInt(10000), "mpesa")
	require.ErrorIs(t, err, domain.ErrUnsupportedService)

	// Rejected deposits leave no trace: no payment, no transaction.
	payments, err := m.PaymentsByUser(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, payments)

	txs, err := m.TransactionsByUser(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, txs)
}

func TestDepositNonPositiveAmount(t *testing.T) {
	ctx := context.Background()
	converter, _ := newDepositFixture(t, "u1")

	_, _, err := converter.Deposit(ctx, "u1", decimal.Zero, "mvola")
	require.ErrorIs(t, err, ErrInvalidAmount)

	_, _, err = converter.Deposit(ctx, "u1", decimal.NewFromInt(-50), "mvola")
	require.ErrorIs(t, err, ErrInvalidAmount)
}

func TestDepositUnknownUser(t *testing.T) {
	converter, _ := newDepositFixture(t, "u1")
	_, _, err := converter.Deposit(context.Background(), "ghost", decimal.NewFromInt(100), "mvola")
	require.ErrorIs(t, err, store.ErrAccountNotFound)
}
