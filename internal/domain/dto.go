package domain

import "github.com/shopspring/decimal"

// CreditDeltaRequest is the payload for the generic add/subtract endpoints.
type CreditDeltaRequest struct {
	UserID string `json:"user_id"`
	Amount int64  `json:"amount"`
	Reason string `json:"reason,omitempty"`
}

// RewardRequest is issued by the feed collaborator for a social action.
type RewardRequest struct {
	UserID string `json:"user_id"`
	PostID string `json:"post_id"`
	Action string `json:"action"`
}

// PaymentRequest is the payload for a simulated mobile-money deposit.
type PaymentRequest struct {
	UserID  string          `json:"user_id"`
	Amount  decimal.Decimal `json:"amount"`
	Service string          `json:"service"`
}

// WithdrawalRequest is the payload for a payout request.
type WithdrawalRequest struct {
	UserID      string `json:"user_id"`
	Amount      int64  `json:"amount"`
	Method      string `json:"method"`
	Destination string `json:"destination"`
}
