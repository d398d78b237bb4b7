package service

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/diako/creditledger/internal/domain"
	"github.com/diako/creditledger/internal/events"
	"github.com/diako/creditledger/internal/store"
)

var ErrUnknownAction = errors.New("unknown reward action")

// rewardDeltas maps a social action to its fixed credit grant.
var rewardDeltas = map[string]int64{
	"like":  1,
	"share": 2,
}

// RewardPolicy converts social actions into credit grants. Each grant
// carries an idempotency key derived from the triggering event, so a
// retried request (double click, network retry) never double-credits.
type RewardPolicy struct {
	store  store.Store
	events events.Publisher
}

func NewRewardPolicy(s store.Store, pub events.Publisher) *RewardPolicy {
	return &RewardPolicy{store: s, events: pub}
}

// Grant credits userID for an action on postID. The returned bool is
// true when the request was a replay of an already-granted reward, in
// which case the original transaction is returned and nothing changes.
func (p *RewardPolicy) Grant(ctx context.Context, userID, postID, action string) (*domain.Transaction, bool, error) {
	delta, ok := rewardDeltas[action]
	if !ok {
		return nil, false, fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}

	key := fmt.Sprintf("reward:%s:%s:%s", userID, postID, action)
	tx, err := p.store.ApplyDelta(ctx, userID, delta, action, store.DeltaOptions{IdempotencyKey: key})
	if errors.Is(err, store.ErrDuplicateTransaction) {
		return tx, true, nil
	}
	if err != nil {
		return nil, false, err
	}

	p.publish(ctx, events.TypeCreditGranted, tx)
	return tx, false, nil
}

func (p *RewardPolicy) publish(ctx context.Context, eventType string, tx *domain.Transaction) {
	err := p.events.Publish(ctx, events.LedgerEvent{
		Type:          eventType,
		UserID:        tx.UserID,
		Amount:        tx.Amount,
		Reason:        tx.Reason,
		TransactionID: tx.ID,
		At:            tx.CreatedAt,
	})
	if err != nil {
		// The ledger write is already committed; the event is advisory.
		log.Printf("event publish failed for tx %d: %v", tx.ID, err)
	}
}
