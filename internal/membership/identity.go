package membership

import (
	"context"

	"github.com/google/uuid"
)

// Identity is the authenticated caller as supplied by the authentication
// collaborator.
type Identity struct {
	UserID  uuid.UUID `json:"user_id"`
	IsAdmin bool      `json:"is_admin"`
}

// Owns reports whether the identity is the owner of a record.
func (i Identity) Owns(ownerID uuid.UUID) bool {
	return i.UserID == ownerID
}

// CanActOn reports whether the identity may act on a record owned by ownerID.
func (i Identity) CanActOn(ownerID uuid.UUID) bool {
	return i.IsAdmin || i.Owns(ownerID)
}

type identityKey struct{}

// WithIdentity returns a copy of ctx carrying id.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFrom extracts the identity stored by WithIdentity.
func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}
