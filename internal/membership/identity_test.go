package membership

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdentityCanActOn(t *testing.T) {
	owner := uuid.New()
	other := uuid.New()

	assert.True(t, Identity{UserID: owner}.CanActOn(owner))
	assert.False(t, Identity{UserID: other}.CanActOn(owner))
	assert.True(t, Identity{UserID: other, IsAdmin: true}.CanActOn(owner))
	assert.False(t, Identity{UserID: other, IsAdmin: true}.Owns(owner))
}

func TestIdentityContextRoundTrip(t *testing.T) {
	_, ok := IdentityFrom(context.Background())
	assert.False(t, ok)

	id := Identity{UserID: uuid.New(), IsAdmin: true}
	got, ok := IdentityFrom(WithIdentity(context.Background(), id))
	require.True(t, ok)
	assert.Equal(t, id, got)
}

func TestMemberHasBorrowed(t *testing.T) {
	book := uuid.New()
	m := &Member{ID: uuid.New(), FineBalance: decimal.Zero, BorrowedBooks: []uuid.UUID{book}}

	assert.True(t, m.HasBorrowed(book))
	assert.False(t, m.HasBorrowed(uuid.New()))
}
