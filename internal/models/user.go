package models

import (
	"time"

	"github.com/google/uuid"
)

// Role is a platform role. Sessions pair one coach with one client.
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleCoach  Role = "coach"
	RoleClient Role = "client"
)

// SelfServiceRole maps a sign-up role to a Role. Empty means client; admin cannot be
// self-assigned.
func SelfServiceRole(s string) (Role, bool) {
	switch Role(s) {
	case "", RoleClient:
		return RoleClient, true
	case RoleCoach:
		return RoleCoach, true
	}
	return "", false
}

// User is a coach, client or operator account.
type User struct {
	ID        uuid.UUID `json:"id"`
	Email     string    `json:"email"`
	Password  string    `json:"-"`
	FullName  string    `json:"full_name"`
	Role      Role      `json:"role"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// UserPublic is the user as returned to other parties, e.g. a coach listing.
type UserPublic struct {
	ID       uuid.UUID `json:"id"`
	Email    string    `json:"email,omitempty"`
	FullName string    `json:"full_name"`
	Role     Role      `json:"role"`
	Since    time.Time `json:"since"`
}

// ToPublic strips credentials.
func (u *User) ToPublic() UserPublic {
	return UserPublic{ID: u.ID, Email: u.Email, FullName: u.FullName, Role: u.Role, Since: u.CreatedAt}
}

// DisplayName is the full name, or the email when no name was given.
func (u *User) DisplayName() string {
	if u.FullName != "" {
		return u.FullName
	}
	return u.Email
}
