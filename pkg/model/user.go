package model

import "time"

// Role is the coarse permission level carried by an identity.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAdmin
}

// Identity is a resolved caller.
type Identity struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

// IsAdmin is shorthand for Role == RoleAdmin.
func (i Identity) IsAdmin() bool { return i.Role == RoleAdmin }

// User is a registered account.
type User struct {
	ID           string    `gorm:"primaryKey;size:36" json:"id"`
	Username     string    `gorm:"uniqueIndex;size:64" json:"username"`
	PasswordHash string    `json:"-"`
	Role         Role      `gorm:"size:16" json:"role"`
	CreatedAt    time.Time `json:"created_at"`
}

// Identity returns the identity a token for u resolves to.
func (u User) Identity() Identity {
	return Identity{ID: u.ID, Role: u.Role}
}
