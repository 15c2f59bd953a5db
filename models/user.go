package models

import (
	"fmt"
	"strings"
)

// Role is the access level of a user. Roles are totally ordered:
// RoleUser < RoleModerator < RoleAdministrator.
type Role uint8

const (
	RoleUser Role = iota
	RoleModerator
	RoleAdministrator
)

const (
	roleUserString          = "user"
	roleModeratorString     = "moderator"
	roleAdministratorString = "administrator"
)

// String returns the textual form stored in the database and the cache
func (r Role) String() string {
	switch r {
	case RoleModerator:
		return roleModeratorString
	case RoleAdministrator:
		return roleAdministratorString
	default:
		return roleUserString
	}
}

// ParseRole converts the textual form of a role. It reports false for
// unknown values.
func ParseRole(s string) (Role, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case roleUserString:
		return RoleUser, true
	case roleModeratorString:
		return RoleModerator, true
	case roleAdministratorString:
		return RoleAdministrator, true
	default:
		return RoleUser, false
	}
}

func (r Role) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

func (r *Role) UnmarshalText(text []byte) error {
	role, ok := ParseRole(string(text))
	if !ok {
		return fmt.Errorf("unknown role %q", text)
	}
	*r = role
	return nil
}

// RoleFromStorage reads a role column. Unknown values fall back to RoleUser.
func RoleFromStorage(s string) Role {
	role, _ := ParseRole(s)
	return role
}

// User represents a user in the directory.
// ID is the external identifier; the shard layout is never visible through it.
type User struct {
	ID         int64  `json:"id"`
	FirstName  string `json:"first_name"`
	LastName   string `json:"last_name"`
	MiddleName string `json:"middle_name,omitempty"`
	Email      string `json:"email"`
	Gender     string `json:"gender"`
	Login      string `json:"login"` // This is the shard key
	Password   string `json:"-"`
	Role       Role   `json:"role"`
}

// Sanitized returns a copy of the user without credentials
func (u *User) Sanitized() *User {
	if u == nil {
		return nil
	}
	c := *u
	c.Password = ""
	return &c
}
