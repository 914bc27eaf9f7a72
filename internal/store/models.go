// Package store persists deployments and their step ledgers.
//
// Every step mutation is a single-row, independently committed update so
// that a crash mid-pipeline leaves a truthful partial ledger rather than
// a half-written transaction. The aggregate deployment status is derived
// from the ledger on read, never stored.
package store

import (
	"time"
)

// Deployment is one provisioning run for one tenant project.
type Deployment struct {
	ID           uint   `gorm:"primaryKey"`
	OwnerID      uint   `gorm:"index;not null"`
	RoleARN      string `gorm:"size:255;not null"`
	DeploymentID string `gorm:"uniqueIndex;size:64;not null"`
	Name         string `gorm:"size:100;not null"`
	Description  string
	// Endpoint is populated exactly once, after the infrastructure
	// step completes.
	Endpoint  string `gorm:"size:255"`
	CreatedAt time.Time
	UpdatedAt time.Time

	Steps       []DeploymentStep  `gorm:"foreignKey:DeploymentRef"`
	Allocations []ModelAllocation `gorm:"foreignKey:DeploymentRef"`
	Addresses   []AllowedAddress  `gorm:"foreignKey:DeploymentRef"`
}

// DeploymentStep is one ordered stage of a deployment's pipeline.
// Steps are created in bulk with the deployment, all PENDING, and are
// uniquely identified by (deployment, step name).
type DeploymentStep struct {
	ID            uint       `gorm:"primaryKey"`
	DeploymentRef uint       `gorm:"index:idx_step_name,unique;not null"`
	Order         int        `gorm:"column:step_order;not null"`
	Name          StepName   `gorm:"column:step_name;size:50;index:idx_step_name,unique;not null"`
	Status        StepStatus `gorm:"column:step_status;size:50;not null"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ModelAllocation is one (deployment, model, spec, region) tuple
// requested by the tenant, carrying its generated API key.
type ModelAllocation struct {
	ID            uint   `gorm:"primaryKey"`
	DeploymentRef uint   `gorm:"index;not null"`
	ModelID       uint   `gorm:"not null"`
	SpecID        uint   `gorm:"not null"`
	RegionID      uint   `gorm:"not null"`
	APIKey        string `gorm:"size:255;not null"`
	// KeyActivated flips when the tenant first retrieves the key.
	KeyActivated bool `gorm:"default:false"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// AllowedAddress is a registered client address (IP or CIDR) scoped to
// one deployment, consumed by the network reconciler after bootstrap.
type AllowedAddress struct {
	ID            uint   `gorm:"primaryKey"`
	DeploymentRef uint   `gorm:"index;not null"`
	Address       string `gorm:"size:64;not null"`
	CreatedAt     time.Time
}
