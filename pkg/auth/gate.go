package auth

import (
	"context"
	"strings"

	"loadgate/pkg/model"
)

// Resolver turns an opaque credential into an identity.
type Resolver interface {
	Resolve(ctx context.Context, credential string) (model.Identity, error)
}

// Gate is the Authorization Gate. Every failure is reported as the same
// ErrUnauthenticated or ErrForbidden without saying why.
type Gate struct {
	issuer *Issuer
}

func NewGate(issuer *Issuer) *Gate {
	return &Gate{issuer: issuer}
}

// Resolve accepts "Bearer <token>" or a bare token.
func (g *Gate) Resolve(_ context.Context, credential string) (model.Identity, error) {
	token := strings.TrimSpace(strings.TrimPrefix(credential, "Bearer "))
	if token == "" {
		return model.Identity{}, model.ErrUnauthenticated
	}
	claims, err := g.issuer.Parse(token)
	if err != nil {
		return model.Identity{}, model.ErrUnauthenticated
	}
	return model.Identity{ID: claims.UserID, Role: claims.Role}, nil
}

// RequireRole returns ErrForbidden unless id holds role. Admins satisfy every role.
func RequireRole(id model.Identity, role model.Role) error {
	if id.ID == "" {
		return model.ErrUnauthenticated
	}
	if id.Role == role || id.Role == model.RoleAdmin {
		return nil
	}
	return model.ErrForbidden
}
