package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diako/creditledger/internal/events"
	"github.com/diako/creditledger/internal/store"
)

func newRewardFixture(t *testing.T, userID string) (*RewardPolicy, *store.Memory) {
	t.Helper()
	m := store.NewMemory()
	require.NoError(t, m.CreateAccount(context.Background(), userID))
	return NewRewardPolicy(m, events.Noop{}), m
}

func TestGrantLike(t *testing.T) {
	ctx := context.Background()
	policy, m := newRewardFixture(t, "u1")

	tx, replayed, err := policy.Grant(ctx, "u1", "post-1", "like")
	require.NoError(t, err)
	assert.False(t, replayed)
	assert.Equal(t, int64(1), tx.Amount)
	assert.Equal(t, "like", tx.Reason)

	balance, err := m.GetBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), balance)
}

func TestGrantShare(t *testing.T) {
	ctx := context.Background()
	policy, m := newRewardFixture(t, "u1")

	tx, _, err := policy.Grant(ctx, "u1", "post-1", "share")
	require.NoError(t, err)
	assert.Equal(t, int64(2), tx.Amount)

	balance, err := m.GetBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), balance)
}

func TestGrantReplayIsNoOp(t *testing.T) {
	ctx := context.Background()
	policy, m := newRewardFixture(t, "u1")

	first, replayed, err := policy.Grant(ctx, "u1", "post-7", "like")
	require.NoError(t, err)
	assert.False(t, replayed)

	// Same user, post and action: the double click.
	second, replayed, err := policy.Grant(ctx, "u1", "post-7", "like")
	require.NoError(t, err)
	assert.True(t, replayed)
	assert.Equal(t, first.ID, second.ID)

	balance, err := m.GetBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), balance)

	txs, err := m.TransactionsByUser(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, txs, 1)
}

func TestGrantDistinctPostsAccumulate(t *testing.T) {
	ctx := context.Background()
	policy, m := newRewardFixture(t, "u1")

	for _, postID := range []string{"p1", "p2", "p3"} {
		_, _, err := policy.Grant(ctx, "u1", postID, "like")
		require.NoError(t, err)
	}

	balance, err := m.GetBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), balance)
}

func TestGrantUnknownAction(t *testing.T) {
	ctx := context.Background()
	policy, m := newRewardFixture(t, "u1")

	_, _, err := policy.Grant(ctx, "u1", "post-1", "boost")
	require.ErrorIs(t, err, ErrUnknownAction)

	balance, err := m.GetBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance)
}

func TestGrantUnknownUser(t *testing.T) {
	policy, _ := newRewardFixture(t, "u1")
	_, _, err := policy.Grant(context.Background(), "ghost", "post-1", "like")
	require.ErrorIs(t, err, store.ErrAccountNotFound)
}
