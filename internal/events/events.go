package events

import (
	"context"
	"time"
)

// Event types emitted after a committed ledger write.
const (
	TypeCreditGranted   = "credit.granted"
	TypeCreditDeposited = "credit.deposited"
	TypeCreditWithdrawn = "credit.withdrawn"
)

// LedgerEvent describes one committed balance change. Events are
// advisory for downstream consumers (analytics, notifications); the
// transaction log remains the audit source of truth.
type LedgerEvent struct {
	Type          string    `json:"type"`
	UserID        string    `json:"user_id"`
	Amount        int64     `json:"amount"`
	Reason        string    `json:"reason"`
	TransactionID int64     `json:"transaction_id"`
	At            time.Time `json:"at"`
}

type Publisher interface {
	Publish(ctx context.Context, event LedgerEvent) error
}

// Noop discards events. Used in tests and when no broker is configured.
type Noop struct{}

func (Noop) Publish(context.Context, LedgerEvent) error { return nil }

var _ Publisher = Noop{}
