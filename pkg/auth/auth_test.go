package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loadgate/pkg/model"
)

func TestGenerateAndResolve(t *testing.T) {
	issuer := NewIssuer("s3cret", time.Hour)
	gate := NewGate(issuer)

	token, err := issuer.Generate("u-1", "alice", model.RoleUser)
	require.NoError(t, err)

	id, err := gate.Resolve(context.Background(), "Bearer "+token)
	require.NoError(t, err)
	assert.Equal(t, model.Identity{ID: "u-1", Role: model.RoleUser}, id)

	id, err = gate.Resolve(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "u-1", id.ID)
}

func TestResolveFailuresAreUniform(t *testing.T) {
	issuer := NewIssuer("s3cret", time.Hour)
	other := NewIssuer("different", time.Hour)
	gate := NewGate(issuer)

	foreign, err := other.Generate("u-1", "alice", model.RoleAdmin)
	require.NoError(t, err)

	expiredIssuer := NewIssuer("s3cret", time.Minute)
	expiredIssuer.now = func() time.Time { return time.Now().Add(-time.Hour) }
	expired, err := expiredIssuer.Generate("u-1", "alice", model.RoleUser)
	require.NoError(t, err)

	badRole, err := issuer.Generate("u-1", "alice", model.Role("root"))
	require.NoError(t, err)

	for name, cred := range map[string]string{
		"empty":    "",
		"garbage":  "Bearer not-a-token",
		"foreign":  "Bearer " + foreign,
		"expired":  "Bearer " + expired,
		"bad role": "Bearer " + badRole,
	} {
		_, err := gate.Resolve(context.Background(), cred)
		assert.ErrorIs(t, err, model.ErrUnauthenticated, name)
	}
}

func TestRequireRole(t *testing.T) {
	admin := model.Identity{ID: "a", Role: model.RoleAdmin}
	user := model.Identity{ID: "u", Role: model.RoleUser}

	assert.NoError(t, RequireRole(admin, model.RoleAdmin))
	assert.NoError(t, RequireRole(admin, model.RoleUser))
	assert.NoError(t, RequireRole(user, model.RoleUser))
	assert.ErrorIs(t, RequireRole(user, model.RoleAdmin), model.ErrForbidden)
	assert.ErrorIs(t, RequireRole(model.Identity{}, model.RoleUser), model.ErrUnauthenticated)
}
