package shared

import "strings"

// Scope carries the tenant and branch every ledger and costing call runs under.
// BranchID is an opaque scoping key; no access decision is made on it here.
type Scope struct {
	TenantID string
	BranchID string
	Actor    string
}

// Validate rejects scopes without a tenant.
func (s Scope) Validate() error {
	if strings.TrimSpace(s.TenantID) == "" {
		return ErrTenantRequired
	}
	return nil
}

// ActorOrSystem returns the acting principal recorded on audit logs.
func (s Scope) ActorOrSystem() string {
	if s.Actor == "" {
		return "system"
	}
	return s.Actor
}
