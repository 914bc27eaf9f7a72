package store

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
)

// ErrStepNotFound is returned when a ledger row cannot be located.
var ErrStepNotFound = errors.New("deployment step not found")

// ErrNoDeployingStep is returned by FailCurrentStep when no step is in
// the DEPLOYING state.
var ErrNoDeployingStep = errors.New("no step is currently deploying")

// Store mediates all database access for deployments and step ledgers.
type Store struct {
	db *gorm.DB
}

// New wraps the given gorm handle.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates or updates the schema for all persisted types.
func (s *Store) Migrate() error {
	return s.db.AutoMigrate(
		&Deployment{},
		&DeploymentStep{},
		&ModelAllocation{},
		&AllowedAddress{},
	)
}

// CreateDeployment persists the deployment, its allocations, its allowed
// addresses and an all-PENDING step ledger in a single transaction. The
// pipeline is only scheduled after this commit returns, so a crash
// before scheduling leaves a consistent "never started" record.
func (s *Store) CreateDeployment(ctx context.Context, d *Deployment, allocations []ModelAllocation, addresses []AllowedAddress) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(d).Error; err != nil {
			return fmt.Errorf("create deployment: %w", err)
		}

		for i := range allocations {
			allocations[i].DeploymentRef = d.ID
		}
		if len(allocations) > 0 {
			if err := tx.Create(&allocations).Error; err != nil {
				return fmt.Errorf("create allocations: %w", err)
			}
		}

		for i := range addresses {
			addresses[i].DeploymentRef = d.ID
		}
		if len(addresses) > 0 {
			if err := tx.Create(&addresses).Error; err != nil {
				return fmt.Errorf("create allowed addresses: %w", err)
			}
		}

		steps := make([]DeploymentStep, 0, len(PipelineSteps()))
		for i, name := range PipelineSteps() {
			steps = append(steps, DeploymentStep{
				DeploymentRef: d.ID,
				Order:         i + 1,
				Name:          name,
				Status:        StatusPending,
			})
		}
		if err := tx.Create(&steps).Error; err != nil {
			return fmt.Errorf("create step ledger: %w", err)
		}
		return nil
	})
}

// GetDeployment loads a deployment by primary key.
func (s *Store) GetDeployment(ctx context.Context, id uint) (*Deployment, error) {
	var d Deployment
	if err := s.db.WithContext(ctx).First(&d, id).Error; err != nil {
		return nil, fmt.Errorf("load deployment %d: %w", id, err)
	}
	return &d, nil
}

// GetDeploymentByPublicID loads a deployment by its public identifier.
func (s *Store) GetDeploymentByPublicID(ctx context.Context, publicID string) (*Deployment, error) {
	var d Deployment
	if err := s.db.WithContext(ctx).
		Where("deployment_id = ?", publicID).
		First(&d).Error; err != nil {
		return nil, fmt.Errorf("load deployment %s: %w", publicID, err)
	}
	return &d, nil
}

// DeploymentsOwnedBy returns all deployments belonging to one owner.
func (s *Store) DeploymentsOwnedBy(ctx context.Context, ownerID uint) ([]Deployment, error) {
	var out []Deployment
	if err := s.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("id").
		Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list deployments for owner %d: %w", ownerID, err)
	}
	return out, nil
}

// OwnerOf returns the owner id of a deployment.
func (s *Store) OwnerOf(ctx context.Context, id uint) (uint, error) {
	d, err := s.GetDeployment(ctx, id)
	if err != nil {
		return 0, err
	}
	return d.OwnerID, nil
}

// StepsFor returns the ordered step ledger for a deployment.
func (s *Store) StepsFor(ctx context.Context, deploymentID uint) ([]DeploymentStep, error) {
	var steps []DeploymentStep
	if err := s.db.WithContext(ctx).
		Where("deployment_ref = ?", deploymentID).
		Order("step_order").
		Find(&steps).Error; err != nil {
		return nil, fmt.Errorf("load step ledger for deployment %d: %w", deploymentID, err)
	}
	return steps, nil
}

// UpdateStepStatus transitions a single step, identified by
// (deployment, step name), and commits immediately. It returns the
// updated row so callers can publish the transition.
func (s *Store) UpdateStepStatus(ctx context.Context, deploymentID uint, name StepName, status StepStatus) (*DeploymentStep, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("invalid step status %q", status)
	}

	var step DeploymentStep
	err := s.db.WithContext(ctx).
		Where("deployment_ref = ? AND step_name = ?", deploymentID, name).
		First(&step).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: deployment %d step %s", ErrStepNotFound, deploymentID, name)
	}
	if err != nil {
		return nil, fmt.Errorf("load step %s: %w", name, err)
	}

	if err := s.db.WithContext(ctx).
		Model(&DeploymentStep{}).
		Where("id = ?", step.ID).
		Update("step_status", status).Error; err != nil {
		return nil, fmt.Errorf("update step %s to %s: %w", name, status, err)
	}
	step.Status = status
	return &step, nil
}

// FailCurrentStep locates the (at most one) DEPLOYING step of a
// deployment and transitions it to FAILED.
func (s *Store) FailCurrentStep(ctx context.Context, deploymentID uint) (*DeploymentStep, error) {
	steps, err := s.StepsFor(ctx, deploymentID)
	if err != nil {
		return nil, err
	}
	for _, step := range steps {
		if step.Status == StatusDeploying {
			return s.UpdateStepStatus(ctx, deploymentID, step.Name, StatusFailed)
		}
	}
	return nil, ErrNoDeployingStep
}

// RecordEndpoint sets the deployment's serving endpoint. The pipeline
// calls this exactly once, after the infrastructure step completes.
func (s *Store) RecordEndpoint(ctx context.Context, deploymentID uint, endpoint string) error {
	if err := s.db.WithContext(ctx).
		Model(&Deployment{}).
		Where("id = ?", deploymentID).
		Update("endpoint", endpoint).Error; err != nil {
		return fmt.Errorf("record endpoint for deployment %d: %w", deploymentID, err)
	}
	return nil
}

// AllocationsFor returns the model allocations of a deployment.
func (s *Store) AllocationsFor(ctx context.Context, deploymentID uint) ([]ModelAllocation, error) {
	var out []ModelAllocation
	if err := s.db.WithContext(ctx).
		Where("deployment_ref = ?", deploymentID).
		Order("id").
		Find(&out).Error; err != nil {
		return nil, fmt.Errorf("load allocations for deployment %d: %w", deploymentID, err)
	}
	return out, nil
}

// AddressesFor returns the registered allow-list for a deployment.
func (s *Store) AddressesFor(ctx context.Context, deploymentID uint) ([]AllowedAddress, error) {
	var out []AllowedAddress
	if err := s.db.WithContext(ctx).
		Where("deployment_ref = ?", deploymentID).
		Order("id").
		Find(&out).Error; err != nil {
		return nil, fmt.Errorf("load allowed addresses for deployment %d: %w", deploymentID, err)
	}
	return out, nil
}

// AddAddresses appends validated allow-list entries to a deployment.
func (s *Store) AddAddresses(ctx context.Context, deploymentID uint, addrs []string) error {
	if len(addrs) == 0 {
		return nil
	}
	rows := make([]AllowedAddress, 0, len(addrs))
	for _, a := range addrs {
		rows = append(rows, AllowedAddress{DeploymentRef: deploymentID, Address: a})
	}
	if err := s.db.WithContext(ctx).Create(&rows).Error; err != nil {
		return fmt.Errorf("register allowed addresses: %w", err)
	}
	return nil
}

// ActivateAPIKey flips the activation flag for the allocation matching
// the given key. Returns the allocation on a match.
func (s *Store) ActivateAPIKey(ctx context.Context, apiKey string) (*ModelAllocation, error) {
	var alloc ModelAllocation
	err := s.db.WithContext(ctx).
		Where("api_key = ?", apiKey).
		First(&alloc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("unknown api key")
	}
	if err != nil {
		return nil, fmt.Errorf("look up api key: %w", err)
	}
	if !alloc.KeyActivated {
		if err := s.db.WithContext(ctx).
			Model(&ModelAllocation{}).
			Where("id = ?", alloc.ID).
			Update("key_activated", true).Error; err != nil {
			return nil, fmt.Errorf("activate api key: %w", err)
		}
		alloc.KeyActivated = true
	}
	return &alloc, nil
}
