// Package identity propagates the authenticated actor and tenant through
// request contexts. Authentication itself happens upstream; this package
// only carries and validates what the upstream layer established.
package identity

import "fmt"

// SystemActorID attributes automated transitions (lock auto-expiry,
// park-state resume) to the platform rather than a human operator.
const SystemActorID = "system"

// Actor identifies who is performing a mutation within a tenant.
type Actor struct {
	TenantID string `json:"tenant_id"`
	ID       string `json:"id"`
	// System marks platform-attributed actors such as the park sweeper.
	System bool `json:"system,omitempty"`
}

// SystemActor returns the platform actor for the given tenant.
func SystemActor(tenantID string) Actor {
	return Actor{TenantID: tenantID, ID: SystemActorID, System: true}
}

// Valid reports whether the actor carries both a tenant and an identity.
func (a Actor) Valid() bool {
	return a.TenantID != "" && a.ID != ""
}

// String renders the actor for audit attribution.
func (a Actor) String() string {
	return fmt.Sprintf("%s/%s", a.TenantID, a.ID)
}
