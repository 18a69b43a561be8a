package entity

import (
	"fmt"
	"strings"
)

// TenantID identifies a tenant. Each tenant has its own isolated memory space.
type TenantID string

// Role is the caller's RBAC role.
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleUser   Role = "user"
	RoleViewer Role = "viewer"
	RoleSystem Role = "system"
)

// ParseRole converts a string to a Role, rejecting unknown values.
func ParseRole(s string) (Role, error) {
	switch r := Role(strings.ToLower(strings.TrimSpace(s))); r {
	case RoleAdmin, RoleUser, RoleViewer, RoleSystem:
		return r, nil
	default:
		return "", fmt.Errorf("unknown role %q", s)
	}
}

// Context is the full authorization context supplied by the upstream caller.
// It is never inferred server-side.
type Context struct {
	// TenantID is mandatory and determines the memory isolation boundary
	TenantID TenantID

	// UserID is mandatory; memories are partitioned per (tenant, user)
	UserID string

	// Role drives the RBAC decision for every operation
	Role Role
}

// NewContext creates a new Context for the given tenant, user and role.
func NewContext(tenantID TenantID, userID string, role Role) Context {
	return Context{
		TenantID: tenantID,
		UserID:   userID,
		Role:     role,
	}
}

// Partition returns the caller's own (tenant, user) partition.
func (c Context) Partition() Partition {
	return Partition{TenantID: c.TenantID, UserID: c.UserID}
}

// Partition is the (tenant, user) boundary no query may cross.
type Partition struct {
	TenantID TenantID `json:"tenant_id"`
	UserID   string   `json:"user_id"`
}

// Valid reports whether both keys are present.
func (p Partition) Valid() bool {
	return p.TenantID != "" && p.UserID != ""
}

func (p Partition) String() string {
	return string(p.TenantID) + "/" + p.UserID
}
