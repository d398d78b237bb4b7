package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrUnsupportedService = errors.New("unsupported service")
	ErrUnknownStatus      = errors.New("unknown status")
)

// Account represents a user's credit balance in the ledger.
// Balance is always equal to the sum of the user's transactions.
type Account struct {
	UserID    string    `json:"user_id"`
	Balance   int64     `json:"balance"`
	Verified  bool      `json:"verified"`
	CreatedAt time.Time `json:"created_at"`
}

// Transaction is one immutable entry of the append-only credit log.
// Positive amounts are credits, negative amounts are debits. The reason
// tag is opaque to the ledger and exists purely for audit.
type Transaction struct {
	ID             int64     `json:"id"`
	UserID         string    `json:"user_id"`
	Amount         int64     `json:"amount"`
	Reason         string    `json:"reason"`
	IdempotencyKey string    `json:"-"`
	CreatedAt      time.Time `json:"created_at"`
}

// MobileService is a supported mobile-money operator.
type MobileService string

const (
	ServiceOrange MobileService = "orange"
	ServiceMvola  MobileService = "mvola"
	ServiceAirtel MobileService = "airtel"
)

// ParseMobileService validates a service name case-insensitively.
func ParseMobileService(s string) (MobileService, error) {
	switch MobileService(strings.ToLower(strings.TrimSpace(s))) {
	case ServiceOrange:
		return ServiceOrange, nil
	case ServiceMvola:
		return ServiceMvola, nil
	case ServiceAirtel:
		return ServiceAirtel, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedService, s)
	}
}

// PaymentStatus is the settlement state of a mobile-money deposit.
type PaymentStatus string

const (
	PaymentPending PaymentStatus = "pending"
	PaymentSuccess PaymentStatus = "success"
	PaymentFailed  PaymentStatus = "failed"
)

// Payment records one real-currency deposit attempt. Amount is in
// currency units (Ariary), not credits. A successful payment maps to at
// most one deposit transaction.
type Payment struct {
	ID        string          `json:"id"`
	UserID    string          `json:"user_id"`
	Amount    decimal.Decimal `json:"amount"`
	Service   MobileService   `json:"service"`
	Status    PaymentStatus   `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
}

// VerificationStatus is the state of an identity-verification request.
type VerificationStatus string

const (
	VerificationPending  VerificationStatus = "pending"
	VerificationApproved VerificationStatus = "approved"
	VerificationRejected VerificationStatus = "rejected"
)

// ParseVerificationStatus validates a reviewer-supplied status.
func ParseVerificationStatus(s string) (VerificationStatus, error) {
	switch VerificationStatus(strings.ToLower(strings.TrimSpace(s))) {
	case VerificationPending:
		return VerificationPending, nil
	case VerificationApproved:
		return VerificationApproved, nil
	case VerificationRejected:
		return VerificationRejected, nil
	default:
		return "", fmt.Errorf("%w: verification status %q", ErrUnknownStatus, s)
	}
}

// Terminal reports whether the status can no longer change.
func (s VerificationStatus) Terminal() bool {
	return s == VerificationApproved || s == VerificationRejected
}

// CanTransition reports whether moving to next is a legal step.
// Only pending -> approved and pending -> rejected are allowed.
func (s VerificationStatus) CanTransition(next VerificationStatus) bool {
	return s == VerificationPending && next.Terminal()
}

// Verification is one identity-verification request (national ID / CIN).
// A user has at most one pending request at a time.
type Verification struct {
	ID        string             `json:"id"`
	UserID    string             `json:"user_id"`
	CINNumber string             `json:"cin_number"`
	ScanFile  string             `json:"scan_file,omitempty"`
	Status    VerificationStatus `json:"status"`
	CreatedAt time.Time          `json:"created_at"`
}

// WithdrawalStatus is the state of a payout request.
type WithdrawalStatus string

const (
	WithdrawalRequested WithdrawalStatus = "requested"
	WithdrawalApproved  WithdrawalStatus = "approved"
	WithdrawalRejected  WithdrawalStatus = "rejected"
)

// CanTransition reports whether moving to next is a legal step.
func (s WithdrawalStatus) CanTransition(next WithdrawalStatus) bool {
	return s == WithdrawalRequested &&
		(next == WithdrawalApproved || next == WithdrawalRejected)
}

// Withdrawal is a request to pay out credits to a mobile-money account.
// The debit happens at request time; a rejected withdrawal is refunded
// with a compensating transaction, never by editing the log.
type Withdrawal struct {
	ID            string           `json:"id"`
	UserID        string           `json:"user_id"`
	Amount        int64            `json:"amount"`
	Method        MobileService    `json:"method"`
	Destination   string           `json:"destination"`
	Status        WithdrawalStatus `json:"status"`
	TransactionID int64            `json:"transaction_id"`
	CreatedAt     time.Time        `json:"created_at"`
}
