// Package models defines the core domain models for multi-tenant workflow orchestration.
package models

import "time"

// TenantStatus represents the lifecycle state of a market participant.
type TenantStatus string

const (
	TenantStatusOnboarding TenantStatus = "onboarding"
	TenantStatusActive     TenantStatus = "active"
	TenantStatusInactive   TenantStatus = "inactive"
	TenantStatusSuspended  TenantStatus = "suspended"
)

// Tenant is a market-participant organization and the unit of data isolation.
// The identifier is immutable; only the status may change.
type Tenant struct {
	ID        string       `json:"id"         validate:"required"`
	Name      string       `json:"name"       validate:"required,min=2"`
	Status    TenantStatus `json:"status"     validate:"required"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// IsActive reports whether workflows may be created for this tenant.
func (t *Tenant) IsActive() bool {
	return t.Status == TenantStatusActive
}

// MarketRole classifies a tenant's participation in the energy market and
// selects which workflow templates apply.
type MarketRole string

const (
	MarketRoleBRP MarketRole = "BRP"
	MarketRoleBSP MarketRole = "BSP"
	MarketRoleGU  MarketRole = "GU"
	MarketRoleACH MarketRole = "ACH"
	MarketRoleCRM MarketRole = "CRM"
	MarketRoleESP MarketRole = "ESP"
	MarketRoleDSO MarketRole = "DSO"
	MarketRoleTSO MarketRole = "TSO"
	MarketRoleSA  MarketRole = "SA"
	MarketRoleOPA MarketRole = "OPA"
	MarketRoleVSP MarketRole = "VSP"
)
