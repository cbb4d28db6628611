// Package models - instance.go defines the OdooInstance model: one remote Odoo
// deployment bound to a tenant company, with its encrypted admin credentials.
package models

import "time"

// DeploymentMethod describes how an Odoo instance is hosted
type DeploymentMethod string

const (
	DeploymentMethodOdooCom    DeploymentMethod = "odoo_com"
	DeploymentMethodOdooSh     DeploymentMethod = "odoo_sh"
	DeploymentMethodSelfHosted DeploymentMethod = "self_hosted"
)

// Valid reports whether m is a known hosting method
func (m DeploymentMethod) Valid() bool {
	switch m {
	case DeploymentMethodOdooCom, DeploymentMethodOdooSh, DeploymentMethodSelfHosted:
		return true
	}
	return false
}

// InstanceStatus is the lifecycle state of an instance
type InstanceStatus string

const (
	InstanceStatusActive      InstanceStatus = "active"
	InstanceStatusInactive    InstanceStatus = "inactive"
	InstanceStatusSuspended   InstanceStatus = "suspended"
	InstanceStatusError       InstanceStatus = "error"
	InstanceStatusDeploying   InstanceStatus = "deploying"
	InstanceStatusMaintenance InstanceStatus = "maintenance"
)

// OdooInstance represents a client's Odoo deployment.
// Secret columns are never serialised to JSON.
type OdooInstance struct {
	ID                     string           `db:"id" json:"id"`
	CompanyID              string           `db:"company_id" json:"company_id"`
	Name                   string           `db:"name" json:"name"`
	InstanceURL            string           `db:"instance_url" json:"instance_url"`
	DatabaseName           string           `db:"database_name" json:"database_name"`
	DeploymentMethod       DeploymentMethod `db:"deployment_method" json:"deployment_method"`
	AdminUsername          string           `db:"admin_username" json:"admin_username"`
	AdminPasswordEncrypted string           `db:"admin_password_encrypted" json:"-"`
	OdooShProject          *string          `db:"odoo_sh_project" json:"odoo_sh_project,omitempty"`
	OdooShBranch           *string          `db:"odoo_sh_branch" json:"odoo_sh_branch,omitempty"`
	OdooShTokenEncrypted   *string          `db:"odoo_sh_token_encrypted" json:"-"`
	Status                 InstanceStatus   `db:"status" json:"status"`
	HealthCheckInterval    int              `db:"health_check_interval" json:"health_check_interval"` // seconds
	LastHealthCheckAt      *time.Time       `db:"last_health_check_at" json:"last_health_check_at,omitempty"`
	LastHealthStatus       *string          `db:"last_health_status" json:"last_health_status,omitempty"`
	OdooVersion            *string          `db:"odoo_version" json:"odoo_version,omitempty"`
	CreatedAt              time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt              time.Time        `db:"updated_at" json:"updated_at"`
}

// HealthCheckDue reports whether the instance's own interval has elapsed
// since its last health check. Suspended and inactive instances are never due.
func (i *OdooInstance) HealthCheckDue(now time.Time) bool {
	if i.Status == InstanceStatusSuspended || i.Status == InstanceStatusInactive {
		return false
	}
	if i.LastHealthCheckAt == nil {
		return true
	}
	interval := time.Duration(i.HealthCheckInterval) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return now.Sub(*i.LastHealthCheckAt) >= interval
}
