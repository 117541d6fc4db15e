// Package auth holds the access gate primitives: principals, token and
// API-key validation, request IDs, and the rate limiter stores. The
// HTTP middlewares that apply them live in pkg/api.
package auth

// Principal is any authenticated caller: a human, an agent, or a
// service account. Every principal is bound to exactly one tenant.
type Principal interface {
	GetID() string
	GetTenantID() string
	GetRoles() []string
}

// BasePrincipal is the plain implementation of Principal.
type BasePrincipal struct {
	ID       string
	TenantID string
	Roles    []string
}

func (b *BasePrincipal) GetID() string       { return b.ID }
func (b *BasePrincipal) GetTenantID() string { return b.TenantID }
func (b *BasePrincipal) GetRoles() []string  { return b.Roles }
