package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/diako/creditledger/internal/domain"
)

// Memory is an in-memory Store used by tests and local development.
// Each account carries its own mutex so deltas for the same user
// serialize while different users proceed independently; the outer
// RWMutex only guards the maps and the transaction log.
type Memory struct {
	mu            sync.RWMutex
	accounts      map[string]*memAccount
	transactions  []domain.Transaction
	byKey         map[string]int64 // idempotency key -> transaction ID
	txByID        map[int64]int    // transaction ID -> log index
	payments      map[string][]domain.Payment
	verifications []domain.Verification
	withdrawals   map[string]*domain.Withdrawal
	nextTxID      int64
}

type memAccount struct {
	mu        sync.Mutex
	balance   int64
	verified  bool
	createdAt time.Time
}

func NewMemory() *Memory {
	return &Memory{
		accounts:    make(map[string]*memAccount),
		byKey:       make(map[string]int64),
		txByID:      make(map[int64]int),
		payments:    make(map[string][]domain.Payment),
		withdrawals: make(map[string]*domain.Withdrawal),
	}
}

func (m *Memory) Close() {}

// CreateAccount provisions a zero-balance account. Calling it again for
// the same user is a no-op.
func (m *Memory) CreateAccount(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[userID]; !ok {
		m.accounts[userID] = &memAccount{createdAt: time.Now().UTC()}
	}
	return nil
}

func (m *Memory) account(userID string) *memAccount {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.accounts[userID]
}

func (m *Memory) GetBalance(_ context.Context, userID string) (int64, error) {
	acct := m.account(userID)
	if acct == nil {
		return 0, ErrAccountNotFound
	}
	acct.mu.Lock()
	defer acct.mu.Unlock()
	return acct.balance, nil
}

func (m *Memory) ApplyDelta(_ context.Context, userID string, amount int64, reason string, opts DeltaOptions) (*domain.Transaction, error) {
	acct := m.account(userID)
	if acct == nil {
		return nil, ErrAccountNotFound
	}

	acct.mu.Lock()
	defer acct.mu.Unlock()

	if opts.IdempotencyKey != "" {
		if existing := m.transactionByKey(opts.IdempotencyKey); existing != nil {
			return existing, ErrDuplicateTransaction
		}
	}
	if !opts.AllowNegative && acct.balance+amount < 0 {
		return nil, ErrInsufficientBalance
	}

	m.mu.Lock()
	m.nextTxID++
	tx := domain.Transaction{
		ID:             m.nextTxID,
		UserID:         userID,
		Amount:         amount,
		Reason:         reason,
		IdempotencyKey: opts.IdempotencyKey,
		CreatedAt:      time.Now().UTC(),
	}
	m.transactions = append(m.transactions, tx)
	m.txByID[tx.ID] = len(m.transactions) - 1
	if opts.IdempotencyKey != "" {
		m.byKey[opts.IdempotencyKey] = tx.ID
	}
	m.mu.Unlock()

	acct.balance += amount
	return &tx, nil
}

func (m *Memory) transactionByKey(key string) *domain.Transaction {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byKey[key]
	if !ok {
		return nil
	}
	tx := m.transactions[m.txByID[id]]
	return &tx
}

func (m *Memory) TransactionsByUser(_ context.Context, userID string) ([]domain.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []domain.Transaction
	for _, tx := range m.transactions {
		if tx.UserID == userID {
			result = append(result, tx)
		}
	}
	return result, nil
}

func (m *Memory) SavePayment(_ context.Context, p *domain.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.payments[p.UserID] = append(m.payments[p.UserID], *p)
	return nil
}

func (m *Memory) PaymentsByUser(_ context.Context, userID string) ([]domain.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]domain.Payment, len(m.payments[userID]))
	copy(result, m.payments[userID])
	return result, nil
}

func (m *Memory) CreateVerification(_ context.Context, v *domain.Verification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.verifications {
		if existing.UserID == v.UserID && !existing.Status.Terminal() {
			return ErrVerificationPending
		}
	}
	m.verifications = append(m.verifications, *v)
	return nil
}

func (m *Memory) LatestVerification(_ context.Context, userID string) (*domain.Verification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var latest *domain.Verification
	for i := range m.verifications {
		if m.verifications[i].UserID == userID {
			v := m.verifications[i]
			latest = &v
		}
	}
	if latest == nil {
		return nil, ErrVerificationNotFound
	}
	return latest, nil
}

func (m *Memory) ResolveVerification(_ context.Context, id string, status domain.VerificationStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.verifications {
		if m.verifications[i].ID != id {
			continue
		}
		if !m.verifications[i].Status.CanTransition(status) {
			return ErrInvalidTransition
		}
		m.verifications[i].Status = status
		if status == domain.VerificationApproved {
			if acct, ok := m.accounts[m.verifications[i].UserID]; ok {
				acct.verified = true
			}
		}
		return nil
	}
	return ErrVerificationNotFound
}

func (m *Memory) IsVerified(_ context.Context, userID string) (bool, error) {
	acct := m.account(userID)
	if acct == nil {
		return false, ErrAccountNotFound
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return acct.verified, nil
}

func (m *Memory) SaveWithdrawal(_ context.Context, w *domain.Withdrawal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *w
	m.withdrawals[w.ID] = &cp
	return nil
}

func (m *Memory) GetWithdrawal(_ context.Context, id string) (*domain.Withdrawal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.withdrawals[id]
	if !ok {
		return nil, ErrWithdrawalNotFound
	}
	cp := *w
	return &cp, nil
}

func (m *Memory) UpdateWithdrawalStatus(_ context.Context, id string, status domain.WithdrawalStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.withdrawals[id]
	if !ok {
		return ErrWithdrawalNotFound
	}
	if !w.Status.CanTransition(status) {
		return ErrInvalidTransition
	}
	w.Status = status
	return nil
}

func (m *Memory) WithdrawalsByUser(_ context.Context, userID string) ([]domain.Withdrawal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []domain.Withdrawal
	for _, w := range m.withdrawals {
		if w.UserID == userID {
			result = append(result, *w)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

var _ Store = (*Memory)(nil)
