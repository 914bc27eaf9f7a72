// Package pipeline drives a deployment through its provisioning
// stages. Each stage transition is committed to the store and pushed to
// status subscribers before the next stage starts, so observers see
// progress even if the process dies mid-run.
package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/go-logr/logr"

	"github.com/modelplane/modelplane/internal/cluster"
	"github.com/modelplane/modelplane/internal/hub"
	"github.com/modelplane/modelplane/internal/iac"
	"github.com/modelplane/modelplane/internal/metrics"
	"github.com/modelplane/modelplane/internal/status"
	"github.com/modelplane/modelplane/internal/store"
)

// TemplateGenerator renders a deployment's IaC workspace.
type TemplateGenerator interface {
	Write(workspace string, p iac.Params) (keyPath string, err error)
}

// InfraExecutor applies a workspace and reads its outputs.
type InfraExecutor interface {
	Available() error
	Apply(ctx context.Context, workspace string) error
	Output(ctx context.Context, workspace string) (*iac.Result, error)
}

// SeedGenerator renders the SQL seed for a deployment.
type SeedGenerator interface {
	WriteSeed(workspace string, d *store.Deployment, allocations []store.ModelAllocation) (string, error)
}

// Bootstrapper installs the serving stack onto provisioned hosts.
type Bootstrapper interface {
	Bootstrap(ctx context.Context, in cluster.Input) error
}

// Reconciler narrows remote access once the cluster is healthy.
type Reconciler interface {
	RestrictRemoteAccess(ctx context.Context, groupID string, addrs []string) error
}

// CredentialBroker exchanges the tenant role for run credentials.
type CredentialBroker interface {
	Assume(ctx context.Context, roleARN string) (iac.Credentials, error)
}

// Publisher fans out status updates to a deployment owner's
// subscribers.
type Publisher interface {
	Publish(ownerID uint, ev hub.Event)
}

// Orchestrator runs the provisioning pipeline for one deployment at a
// time per call.
type Orchestrator struct {
	store      *store.Store
	broker     CredentialBroker
	templates  TemplateGenerator
	infra      InfraExecutor
	seeds      SeedGenerator
	bootstrap  Bootstrapper
	reconciler Reconciler
	publisher  Publisher
	metrics    *metrics.Metrics
	log        logr.Logger

	// WorkDir holds per-deployment workspaces.
	WorkDir string

	// Region and ImageID parameterize the rendered workspace.
	Region  string
	ImageID string
}

// Deps bundles the orchestrator's collaborators.
type Deps struct {
	Store      *store.Store
	Broker     CredentialBroker
	Templates  TemplateGenerator
	Infra      InfraExecutor
	Seeds      SeedGenerator
	Bootstrap  Bootstrapper
	Reconciler Reconciler
	Publisher  Publisher
	Metrics    *metrics.Metrics
	Log        logr.Logger

	WorkDir string
	Region  string
	ImageID string
}

// New wires an Orchestrator.
func New(d Deps) *Orchestrator {
	return &Orchestrator{
		store:      d.Store,
		broker:     d.Broker,
		templates:  d.Templates,
		infra:      d.Infra,
		seeds:      d.Seeds,
		bootstrap:  d.Bootstrap,
		reconciler: d.Reconciler,
		publisher:  d.Publisher,
		metrics:    d.Metrics,
		log:        d.Log,
		WorkDir:    d.WorkDir,
		Region:     d.Region,
		ImageID:    d.ImageID,
	}
}

// runState accumulates what stages hand to each other.
type runState struct {
	deployment  *store.Deployment
	allocations []store.ModelAllocation
	addresses   []store.AllowedAddress

	workspace   string
	credentials iac.Credentials
	keyPath     string
	infraResult *iac.Result
	seedFile    string
}

type stage struct {
	name store.StepName
	run  func(ctx context.Context, st *runState) error
}

// Run executes every stage for the deployment in ledger order. The
// first stage failure marks that step FAILED and halts; later steps
// stay PENDING.
func (o *Orchestrator) Run(ctx context.Context, id uint) error {
	start := time.Now()

	st, err := o.loadState(ctx, id)
	if err != nil {
		o.metrics.PipelineRun("error", time.Since(start))
		return err
	}
	log := o.log.WithValues("deploymentID", st.deployment.DeploymentID)

	stages := []stage{
		{store.StepInitialization, o.stageInitialization},
		{store.StepTemplateSetup, o.stageTemplateSetup},
		{store.StepInfraApply, o.stageInfraApply},
		{store.StepClusterBootstrap, o.stageClusterBootstrap},
		{store.StepNetworkSetup, o.stageNetworkSetup},
		{store.StepCompletion, o.stageCompletion},
	}

	for _, s := range stages {
		if err := o.transition(ctx, st, s.name, store.StatusDeploying); err != nil {
			o.metrics.PipelineRun("error", time.Since(start))
			return err
		}

		log.Info("stage started", "stage", string(s.name))
		if err := s.run(ctx, st); err != nil {
			log.Error(err, "stage failed", "stage", string(s.name))
			o.failCurrent(ctx, st)
			o.metrics.PipelineRun("failed", time.Since(start))
			return fmt.Errorf("stage %s: %w", s.name, err)
		}

		if err := o.transition(ctx, st, s.name, store.StatusDeployed); err != nil {
			o.metrics.PipelineRun("error", time.Since(start))
			return err
		}
		log.Info("stage finished", "stage", string(s.name))
	}

	o.metrics.PipelineRun("succeeded", time.Since(start))
	log.Info("pipeline finished", "elapsed", time.Since(start).String())
	return nil
}

func (o *Orchestrator) loadState(ctx context.Context, id uint) (*runState, error) {
	d, err := o.store.GetDeployment(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load deployment %d: %w", id, err)
	}
	allocations, err := o.store.AllocationsFor(ctx, d.ID)
	if err != nil {
		return nil, fmt.Errorf("load allocations for %s: %w", d.DeploymentID, err)
	}
	addresses, err := o.store.AddressesFor(ctx, d.ID)
	if err != nil {
		return nil, fmt.Errorf("load allowed addresses for %s: %w", d.DeploymentID, err)
	}
	return &runState{
		deployment:  d,
		allocations: allocations,
		addresses:   addresses,
		workspace:   filepath.Join(o.WorkDir, d.DeploymentID),
	}, nil
}

// transition commits one step status and pushes the transition to the
// owner's subscribers.
func (o *Orchestrator) transition(ctx context.Context, st *runState, name store.StepName, to store.StepStatus) error {
	step, err := o.store.UpdateStepStatus(ctx, st.deployment.ID, name, to)
	if err != nil {
		return fmt.Errorf("update step %s to %s: %w", name, to, err)
	}
	o.metrics.StepTransition(string(to))
	o.publishTransition(ctx, st, step)
	return nil
}

// failCurrent marks the in-flight step FAILED. This runs on the error
// path, so its own failures are logged, not returned.
func (o *Orchestrator) failCurrent(ctx context.Context, st *runState) {
	step, err := o.store.FailCurrentStep(ctx, st.deployment.ID)
	if err != nil {
		o.log.Error(err, "failed to record step failure", "deploymentID", st.deployment.DeploymentID)
		return
	}
	o.metrics.StepTransition(string(store.StatusFailed))
	o.publishTransition(ctx, st, step)
}

// publishTransition pushes one step transition, carrying the owner's
// full deployment snapshot alongside the transitioned step.
func (o *Orchestrator) publishTransition(ctx context.Context, st *runState, step *store.DeploymentStep) {
	snapshot, err := o.ownerSnapshot(ctx, st.deployment.OwnerID)
	if err != nil {
		o.log.Error(err, "failed to build snapshot for publish", "deploymentID", st.deployment.DeploymentID)
		return
	}
	o.publisher.Publish(st.deployment.OwnerID, hub.Event{
		Name: hub.EventStatusUpdate,
		Data: status.StepEvent{
			DeploymentID: st.deployment.DeploymentID,
			StepID:       step.ID,
			StepName:     string(step.Name),
			StepStatus:   string(step.Status),
			Snapshot:     snapshot,
		},
	})
}

// ownerSnapshot derives the current status view of every deployment the
// owner has.
func (o *Orchestrator) ownerSnapshot(ctx context.Context, ownerID uint) ([]status.DeploymentView, error) {
	deployments, err := o.store.DeploymentsOwnedBy(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	views := make([]status.DeploymentView, 0, len(deployments))
	for i := range deployments {
		steps, err := o.store.StepsFor(ctx, deployments[i].ID)
		if err != nil {
			return nil, err
		}
		views = append(views, status.ViewOf(&deployments[i], steps))
	}
	return views, nil
}

// stageInitialization verifies the run can proceed at all: the IaC
// binary is present and the tenant role grants credentials.
func (o *Orchestrator) stageInitialization(ctx context.Context, st *runState) error {
	if err := o.infra.Available(); err != nil {
		return err
	}
	creds, err := o.broker.Assume(ctx, st.deployment.RoleARN)
	if err != nil {
		return err
	}
	st.credentials = creds
	return nil
}

func (o *Orchestrator) stageTemplateSetup(_ context.Context, st *runState) error {
	keyPath, err := o.templates.Write(st.workspace, iac.Params{
		DeploymentID: st.deployment.DeploymentID,
		TenantID:     fmt.Sprintf("%d", st.deployment.OwnerID),
		Region:       o.Region,
		ImageID:      o.ImageID,
		Credentials:  st.credentials,
	})
	if err != nil {
		return err
	}
	st.keyPath = keyPath
	return nil
}

// stageInfraApply applies the workspace and records the serving
// endpoint as soon as the primary host address is known, so a later
// bootstrap failure still leaves the endpoint on the record.
func (o *Orchestrator) stageInfraApply(ctx context.Context, st *runState) error {
	if err := o.infra.Apply(ctx, st.workspace); err != nil {
		return err
	}
	result, err := o.infra.Output(ctx, st.workspace)
	if err != nil {
		return err
	}
	st.infraResult = result

	endpoint := fmt.Sprintf("http://%s/api/", result.HostAddrs[0])
	if err := o.store.RecordEndpoint(ctx, st.deployment.ID, endpoint); err != nil {
		return err
	}
	st.deployment.Endpoint = endpoint
	return nil
}

// stageNetworkSetup narrows SSH access to the registered allow-list.
// It runs only after the cluster is healthy, so the bootstrap sessions
// are done with the hosts before access tightens. Best effort: a
// reconciliation failure never blocks the deployment, it only leaves
// access wider than requested.
func (o *Orchestrator) stageNetworkSetup(ctx context.Context, st *runState) error {
	addrs := make([]string, 0, len(st.addresses))
	for _, a := range st.addresses {
		addrs = append(addrs, a.Address)
	}
	if err := o.reconciler.RestrictRemoteAccess(ctx, st.infraResult.SecurityGroupID, addrs); err != nil {
		o.log.Error(err, "network reconciliation failed, continuing",
			"deploymentID", st.deployment.DeploymentID)
	}
	return nil
}

func (o *Orchestrator) stageClusterBootstrap(ctx context.Context, st *runState) error {
	seedFile, err := o.seeds.WriteSeed(st.workspace, st.deployment, st.allocations)
	if err != nil {
		return err
	}
	st.seedFile = seedFile

	return o.bootstrap.Bootstrap(ctx, cluster.Input{
		Hosts:        st.infraResult.HostAddrs,
		KeyPath:      st.keyPath,
		DeploymentID: st.deployment.DeploymentID,
		TenantID:     fmt.Sprintf("%d", st.deployment.OwnerID),
		SeedFile:     seedFile,
		Workspace:    st.workspace,
	})
}

// stageCompletion closes out the run. Everything durable happened in
// earlier stages; this marks the deployment ready for traffic.
func (o *Orchestrator) stageCompletion(_ context.Context, st *runState) error {
	o.log.Info("deployment complete",
		"deploymentID", st.deployment.DeploymentID, "endpoint", st.deployment.Endpoint)
	return nil
}
