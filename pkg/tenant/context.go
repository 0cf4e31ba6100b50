// Package tenant carries the per-operation tenant and actor identity and
// enforces isolation at every store boundary.
package tenant

import (
	"context"
	"errors"

	"github.com/gridbee/marketflow/pkg/models"
)

var (
	// ErrAccessDenied indicates the actor has no visibility into the tenant.
	// Callers surface it without revealing whether the entity exists.
	ErrAccessDenied = errors.New("tenant access denied")

	// ErrPermissionDenied indicates the actor's role does not allow the
	// operation on a tenant it can otherwise see.
	ErrPermissionDenied = errors.New("permission denied")
)

// Context is the per-request tenant scope. It is constructed once by the API
// adapter from a verified principal and passed explicitly to every store
// access; it is never shared across requests.
type Context struct {
	Actor models.Actor
}

// New builds a tenant context after validating the actor's role/tenant
// binding invariant.
func New(actor models.Actor) (Context, error) {
	if err := actor.Validate(); err != nil {
		return Context{}, err
	}

	return Context{Actor: actor}, nil
}

// CrossTenant reports whether the context sees every tenant.
func (c Context) CrossTenant() bool {
	return c.Actor.CrossTenant()
}

// EffectiveTenant returns the single tenant the context is scoped to, or
// empty for a cross-tenant context.
func (c Context) EffectiveTenant() string {
	if c.CrossTenant() {
		return ""
	}

	return c.Actor.TenantID
}

// CanSee reports whether rows of the given tenant are visible.
func (c Context) CanSee(tenantID string) bool {
	if c.CrossTenant() {
		return true
	}

	return c.Actor.TenantID == tenantID
}

// Authorize checks visibility plus write permission for a mutating operation
// on the given tenant.
func (c Context) Authorize(tenantID string, write bool) error {
	if !c.CanSee(tenantID) {
		return ErrAccessDenied
	}

	if write && !c.Actor.CanWrite() {
		return ErrPermissionDenied
	}

	return nil
}

type contextKey struct{}

// Into stores the tenant context in ctx for transports that cannot thread it
// explicitly. Store accesses still take Context as a parameter.
func Into(ctx context.Context, tc Context) context.Context {
	return context.WithValue(ctx, contextKey{}, tc)
}

// From extracts a tenant context previously stored with Into.
func From(ctx context.Context) (Context, bool) {
	tc, ok := ctx.Value(contextKey{}).(Context)

	return tc, ok
}
