// Package service is the application layer: it validates requests,
// owns the commit-then-schedule handoff to the pipeline, and scopes
// every read to the requesting owner.
package service

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/modelplane/modelplane/internal/hub"
	"github.com/modelplane/modelplane/internal/status"
	"github.com/modelplane/modelplane/internal/store"
	"github.com/modelplane/modelplane/internal/util/worker"
)

var (
	// ErrNotOwner is returned when a caller touches a deployment that
	// belongs to someone else.
	ErrNotOwner = errors.New("deployment is not owned by caller")

	// ErrValidation is returned for malformed submissions, including
	// unknown model/spec/region ids and unresolvable roles.
	ErrValidation = errors.New("invalid request")

	// ErrUnknownAPIKey is returned for keys with no allocation.
	ErrUnknownAPIKey = errors.New("unknown api key")
)

// Runner executes the provisioning pipeline for one deployment.
type Runner interface {
	Run(ctx context.Context, id uint) error
}

// Catalog resolves allocation identifiers at submission time.
type Catalog interface {
	ResolveAllocation(ctx context.Context, modelID, specID, regionID uint) error
}

// RoleResolver checks that a tenant role grants credentials. A non-nil
// error means the role cannot be used for provisioning.
type RoleResolver interface {
	ResolveRole(ctx context.Context, roleARN string) error
}

// AllocationRequest is one model placement in a submission.
type AllocationRequest struct {
	ModelID  uint
	SpecID   uint
	RegionID uint
}

// SubmitRequest describes a new deployment.
type SubmitRequest struct {
	OwnerID     uint
	RoleARN     string
	Name        string
	Description string
	Allocations []AllocationRequest
	// AllowedAddresses optionally seeds the access allow-list.
	AllowedAddresses []string
}

// Service exposes the deployment operations.
type Service struct {
	store   *store.Store
	hub     *hub.Hub
	pool    *worker.Pool
	runner  Runner
	catalog Catalog
	roles   RoleResolver
	log     logr.Logger
}

// New wires a Service.
func New(st *store.Store, h *hub.Hub, pool *worker.Pool, runner Runner, cat Catalog, roles RoleResolver, log logr.Logger) *Service {
	return &Service{store: st, hub: h, pool: pool, runner: runner, catalog: cat, roles: roles, log: log}
}

// SubmitDeployment validates and persists a submission, then schedules
// the provisioning run. The record and its all-PENDING ledger are
// committed before scheduling, so a full pool or a crash never loses
// the submission.
func (s *Service) SubmitDeployment(ctx context.Context, req SubmitRequest) (*store.Deployment, error) {
	if err := validateSubmission(req); err != nil {
		return nil, err
	}
	for _, a := range req.Allocations {
		if err := s.catalog.ResolveAllocation(ctx, a.ModelID, a.SpecID, a.RegionID); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrValidation, err)
		}
	}
	if err := s.roles.ResolveRole(ctx, req.RoleARN); err != nil {
		return nil, fmt.Errorf("%w: role %s: %v", ErrValidation, req.RoleARN, err)
	}

	addrs, rejected := normalizeAddresses(req.AllowedAddresses)
	for _, bad := range rejected {
		s.log.Info("rejecting malformed allow-list entry", "address", bad)
	}

	d := &store.Deployment{
		OwnerID:      req.OwnerID,
		RoleARN:      req.RoleARN,
		DeploymentID: newDeploymentID(),
		Name:         strings.TrimSpace(req.Name),
		Description:  strings.TrimSpace(req.Description),
	}

	allocations := make([]store.ModelAllocation, 0, len(req.Allocations))
	for _, a := range req.Allocations {
		allocations = append(allocations, store.ModelAllocation{
			ModelID:  a.ModelID,
			SpecID:   a.SpecID,
			RegionID: a.RegionID,
			APIKey:   newAPIKey(),
		})
	}

	addresses := make([]store.AllowedAddress, 0, len(addrs))
	for _, a := range addrs {
		addresses = append(addresses, store.AllowedAddress{Address: a})
	}

	if err := s.store.CreateDeployment(ctx, d, allocations, addresses); err != nil {
		return nil, err
	}
	s.log.Info("deployment submitted",
		"deploymentID", d.DeploymentID, "ownerID", d.OwnerID, "allocations", len(allocations))

	id := d.ID
	task := worker.Task{
		Name: "provision " + d.DeploymentID,
		Func: func(ctx context.Context) error {
			return s.runner.Run(ctx, id)
		},
	}
	if err := s.pool.Submit(task); err != nil {
		// The record stays PENDING and can be picked up again; the
		// caller still learns the submission itself succeeded.
		s.log.Error(err, "failed to schedule provisioning", "deploymentID", d.DeploymentID)
	}
	return d, nil
}

// DeploymentStatus returns the derived status view of one deployment,
// scoped to its owner.
func (s *Service) DeploymentStatus(ctx context.Context, ownerID uint, publicID string) (status.DeploymentView, error) {
	d, err := s.ownedDeployment(ctx, ownerID, publicID)
	if err != nil {
		return status.DeploymentView{}, err
	}
	steps, err := s.store.StepsFor(ctx, d.ID)
	if err != nil {
		return status.DeploymentView{}, err
	}
	return status.ViewOf(d, steps), nil
}

// ListDeployments returns status views for every deployment the owner
// has.
func (s *Service) ListDeployments(ctx context.Context, ownerID uint) ([]status.DeploymentView, error) {
	deployments, err := s.store.DeploymentsOwnedBy(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	views := make([]status.DeploymentView, 0, len(deployments))
	for i := range deployments {
		steps, err := s.store.StepsFor(ctx, deployments[i].ID)
		if err != nil {
			return nil, err
		}
		views = append(views, status.ViewOf(&deployments[i], steps))
	}
	return views, nil
}

// AddressResult reports the outcome of an allow-list registration,
// entry by entry.
type AddressResult struct {
	Accepted []string `json:"accepted"`
	Rejected []string `json:"rejected"`
}

// RegisterAllowedAddresses appends entries to the deployment's access
// allow-list. Malformed entries are rejected individually; the valid
// ones are still persisted.
func (s *Service) RegisterAllowedAddresses(ctx context.Context, ownerID uint, publicID string, addrs []string) (AddressResult, error) {
	d, err := s.ownedDeployment(ctx, ownerID, publicID)
	if err != nil {
		return AddressResult{}, err
	}
	accepted, rejected := normalizeAddresses(addrs)
	if len(accepted) > 0 {
		if err := s.store.AddAddresses(ctx, d.ID, accepted); err != nil {
			return AddressResult{}, err
		}
	}
	return AddressResult{Accepted: accepted, Rejected: rejected}, nil
}

// VerifyAPIKey activates and returns the allocation behind a key.
// Activation is idempotent.
func (s *Service) VerifyAPIKey(ctx context.Context, apiKey string) (*store.ModelAllocation, error) {
	alloc, err := s.store.ActivateAPIKey(ctx, apiKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnknownAPIKey, err)
	}
	return alloc, nil
}

// Subscribe opens a status subscription for the owner, seeded with a
// snapshot of everything they currently have.
func (s *Service) Subscribe(ctx context.Context, ownerID uint) (*hub.Subscription, error) {
	snapshot, err := s.ListDeployments(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	return s.hub.Subscribe(ctx, ownerID, snapshot), nil
}

func (s *Service) ownedDeployment(ctx context.Context, ownerID uint, publicID string) (*store.Deployment, error) {
	d, err := s.store.GetDeploymentByPublicID(ctx, publicID)
	if err != nil {
		return nil, err
	}
	if d.OwnerID != ownerID {
		return nil, fmt.Errorf("%w: %s", ErrNotOwner, publicID)
	}
	return d, nil
}

func validateSubmission(req SubmitRequest) error {
	if req.OwnerID == 0 {
		return fmt.Errorf("%w: owner is required", ErrValidation)
	}
	if strings.TrimSpace(req.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrValidation)
	}
	if req.RoleARN == "" {
		return fmt.Errorf("%w: role ARN is required", ErrValidation)
	}
	if len(req.Allocations) == 0 {
		return fmt.Errorf("%w: at least one model allocation is required", ErrValidation)
	}
	for _, a := range req.Allocations {
		if a.ModelID == 0 || a.SpecID == 0 || a.RegionID == 0 {
			return fmt.Errorf("%w: allocation needs model, spec and region", ErrValidation)
		}
	}
	return nil
}

// normalizeAddresses validates entries individually as an IP or CIDR
// prefix, canonicalizing bare IPs to single-host prefixes. Entries
// that do not parse land in rejected without affecting the rest.
func normalizeAddresses(addrs []string) (valid, rejected []string) {
	for _, raw := range addrs {
		entry := strings.TrimSpace(raw)
		if entry == "" {
			continue
		}
		if p, err := netip.ParsePrefix(entry); err == nil {
			valid = append(valid, p.Masked().String())
			continue
		}
		ip, err := netip.ParseAddr(entry)
		if err != nil {
			rejected = append(rejected, raw)
			continue
		}
		valid = append(valid, netip.PrefixFrom(ip, ip.BitLen()).String())
	}
	return valid, rejected
}

func newDeploymentID() string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("deployment-%s-%s", time.Now().UTC().Format("20060102"), suffix)
}

func newAPIKey() string {
	return "mpk-" + strings.ReplaceAll(uuid.NewString(), "-", "")
}
