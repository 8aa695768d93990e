package model

import (
	"fmt"
	"strings"
	"time"
)

// Role is the header field an address appeared in.
type Role string

const (
	RoleFrom    Role = "from"
	RoleTo      Role = "to"
	RoleCC      Role = "cc"
	RoleBCC     Role = "bcc"
	RoleReplyTo Role = "reply_to"
)

// Roles lists every role in header order.
var Roles = []Role{RoleFrom, RoleTo, RoleCC, RoleBCC, RoleReplyTo}

// ParseRole converts a user-supplied role name into a Role.
func ParseRole(s string) (Role, error) {
	switch r := Role(strings.ToLower(strings.TrimSpace(s))); r {
	case RoleFrom, RoleTo, RoleCC, RoleBCC, RoleReplyTo:
		return r, nil
	case "reply-to", "replyto":
		return RoleReplyTo, nil
	}
	return "", fmt.Errorf("unknown address role %q", s)
}

// NormalizeEmail returns the canonical form used as an address key.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// IndexedAddress is one distinct email address seen across messages.
type IndexedAddress struct {
	Email       string
	DisplayName string

	// MessageCount is the number of distinct messages related to the address.
	MessageCount int

	// FirstSeen and LastSeen bound the related messages' internal dates.
	// Both are zero when the address has no messages.
	FirstSeen time.Time
	LastSeen  time.Time

	CreatedAt time.Time
}

// Relationship links an address to a message under a role.
type Relationship struct {
	Account     string
	MessageID   string
	Email       string
	Role        Role
	DisplayName string
}

// AddressEntry is one address extracted from a message's headers,
// before it is persisted as a Relationship.
type AddressEntry struct {
	Email       string
	DisplayName string
	Role        Role
}
