package pipeline

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/modelplane/modelplane/internal/cluster"
	"github.com/modelplane/modelplane/internal/hub"
	"github.com/modelplane/modelplane/internal/iac"
	"github.com/modelplane/modelplane/internal/status"
	"github.com/modelplane/modelplane/internal/store"
)

type fakeBroker struct {
	creds iac.Credentials
	err   error
}

func (f *fakeBroker) Assume(context.Context, string) (iac.Credentials, error) {
	return f.creds, f.err
}

type fakeTemplates struct {
	err error
}

func (f *fakeTemplates) Write(workspace string, p iac.Params) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return workspace + "/client-key-" + p.DeploymentID + ".pem", nil
}

type fakeInfra struct {
	availErr  error
	applyErr  error
	outputErr error
	result    *iac.Result
}

func (f *fakeInfra) Available() error                        { return f.availErr }
func (f *fakeInfra) Apply(context.Context, string) error     { return f.applyErr }
func (f *fakeInfra) Output(context.Context, string) (*iac.Result, error) {
	return f.result, f.outputErr
}

type fakeSeeds struct {
	err error

	gotAllocations int
}

func (f *fakeSeeds) WriteSeed(workspace string, _ *store.Deployment, allocations []store.ModelAllocation) (string, error) {
	f.gotAllocations = len(allocations)
	if f.err != nil {
		return "", f.err
	}
	return workspace + "/seed.sql", nil
}

type fakeBootstrap struct {
	err   error
	got   cluster.Input
	order *[]string
}

func (f *fakeBootstrap) Bootstrap(_ context.Context, in cluster.Input) error {
	f.got = in
	if f.order != nil {
		*f.order = append(*f.order, "bootstrap")
	}
	return f.err
}

type fakeReconciler struct {
	err      error
	gotID    string
	gotAddrs []string
	calls    int
	order    *[]string
}

func (f *fakeReconciler) RestrictRemoteAccess(_ context.Context, id string, addrs []string) error {
	f.calls++
	f.gotID = id
	f.gotAddrs = addrs
	if f.order != nil {
		*f.order = append(*f.order, "reconcile")
	}
	return f.err
}

type recordingPublisher struct {
	events []hub.Event
	owners []uint
}

func (r *recordingPublisher) Publish(ownerID uint, ev hub.Event) {
	r.owners = append(r.owners, ownerID)
	r.events = append(r.events, ev)
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	s := store.New(db)
	require.NoError(t, s.Migrate())
	return s
}

type fixture struct {
	store      *store.Store
	broker     *fakeBroker
	templates  *fakeTemplates
	infra      *fakeInfra
	seeds      *fakeSeeds
	bootstrap  *fakeBootstrap
	reconciler *fakeReconciler
	publisher  *recordingPublisher
	orch       *Orchestrator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:  newTestStore(t),
		broker: &fakeBroker{creds: iac.Credentials{AccessKeyID: "ASIA", SecretAccessKey: "s", SessionToken: "t"}},
		templates: &fakeTemplates{},
		infra: &fakeInfra{result: &iac.Result{
			HostAddrs:       []string{"203.0.113.10", "203.0.113.11"},
			PrivateKeyPath:  "/ws/key.pem",
			SecurityGroupID: "sg-123",
		}},
		seeds:      &fakeSeeds{},
		bootstrap:  &fakeBootstrap{},
		reconciler: &fakeReconciler{},
		publisher:  &recordingPublisher{},
	}
	f.orch = New(Deps{
		Store:      f.store,
		Broker:     f.broker,
		Templates:  f.templates,
		Infra:      f.infra,
		Seeds:      f.seeds,
		Bootstrap:  f.bootstrap,
		Reconciler: f.reconciler,
		Publisher:  f.publisher,
		Log:        logr.Discard(),
		WorkDir:    t.TempDir(),
		Region:     "us-east-1",
		ImageID:    "ami-123",
	})
	return f
}

func (f *fixture) createDeployment(t *testing.T) *store.Deployment {
	t.Helper()
	d := &store.Deployment{
		OwnerID:      7,
		RoleARN:      "arn:aws:iam::123456789012:role/delegate",
		DeploymentID: "deployment-20260828-" + uuid.NewString()[:8],
		Name:         "serving",
	}
	allocations := []store.ModelAllocation{
		{ModelID: 1, SpecID: 1, RegionID: 1, APIKey: "k1"},
		{ModelID: 2, SpecID: 1, RegionID: 1, APIKey: "k2"},
	}
	addresses := []store.AllowedAddress{{Address: "198.51.100.7"}}
	require.NoError(t, f.store.CreateDeployment(context.Background(), d, allocations, addresses))
	return d
}

func (f *fixture) stepStatuses(t *testing.T, id uint) []store.StepStatus {
	t.Helper()
	steps, err := f.store.StepsFor(context.Background(), id)
	require.NoError(t, err)
	out := make([]store.StepStatus, 0, len(steps))
	for _, s := range steps {
		out = append(out, s.Status)
	}
	return out
}

func TestRunFullSuccess(t *testing.T) {
	f := newFixture(t)
	d := f.createDeployment(t)

	require.NoError(t, f.orch.Run(context.Background(), d.ID))

	statuses := f.stepStatuses(t, d.ID)
	require.Len(t, statuses, 6)
	for _, s := range statuses {
		assert.Equal(t, store.StatusDeployed, s)
	}

	got, err := f.store.GetDeployment(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, "http://203.0.113.10/api/", got.Endpoint)

	// Two transitions per stage, each published to the owner.
	require.Len(t, f.publisher.events, 12)
	for _, owner := range f.publisher.owners {
		assert.Equal(t, uint(7), owner)
	}
	for _, ev := range f.publisher.events {
		assert.Equal(t, hub.EventStatusUpdate, ev.Name)
	}

	last := f.publisher.events[len(f.publisher.events)-1].Data.(status.StepEvent)
	assert.Equal(t, d.DeploymentID, last.DeploymentID)
	assert.Equal(t, string(store.StepCompletion), last.StepName)
	assert.Equal(t, string(store.StatusDeployed), last.StepStatus)
	require.Len(t, last.Snapshot, 1)
	assert.Equal(t, string(store.StatusDeployed), last.Snapshot[0].Status)
	assert.Equal(t, "http://203.0.113.10/api/", last.Snapshot[0].Endpoint)

	assert.Equal(t, d.DeploymentID, f.bootstrap.got.DeploymentID)
	assert.Equal(t, []string{"203.0.113.10", "203.0.113.11"}, f.bootstrap.got.Hosts)
	assert.Equal(t, 2, f.seeds.gotAllocations)
	assert.Equal(t, "sg-123", f.reconciler.gotID)
	assert.Equal(t, []string{"198.51.100.7"}, f.reconciler.gotAddrs)
}

func TestRunRestrictsAccessAfterBootstrap(t *testing.T) {
	f := newFixture(t)
	var order []string
	f.bootstrap.order = &order
	f.reconciler.order = &order
	d := f.createDeployment(t)

	require.NoError(t, f.orch.Run(context.Background(), d.ID))

	// Access narrows only once the bootstrap SSH sessions are done
	// with the hosts.
	assert.Equal(t, []string{"bootstrap", "reconcile"}, order)
}

func TestRunEventsCarryStepIdentity(t *testing.T) {
	f := newFixture(t)
	d := f.createDeployment(t)

	require.NoError(t, f.orch.Run(context.Background(), d.ID))

	// Every event names the transitioned step and carries the owner's
	// full snapshot, not just the one deployment.
	names := make([]string, 0, len(f.publisher.events))
	for _, e := range f.publisher.events {
		ev := e.Data.(status.StepEvent)
		assert.Equal(t, d.DeploymentID, ev.DeploymentID)
		assert.NotZero(t, ev.StepID)
		assert.NotEmpty(t, ev.Snapshot)
		names = append(names, ev.StepName+":"+ev.StepStatus)
	}
	assert.Equal(t, "INITIALIZATION:DEPLOYING", names[0])
	assert.Equal(t, "INITIALIZATION:DEPLOYED", names[1])
	assert.Equal(t, "COMPLETION:DEPLOYED", names[len(names)-1])
}

func TestRunHaltsOnBootstrapFailure(t *testing.T) {
	f := newFixture(t)
	f.bootstrap.err = errors.New("nodes never joined")
	d := f.createDeployment(t)

	err := f.orch.Run(context.Background(), d.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), string(store.StepClusterBootstrap))

	statuses := f.stepStatuses(t, d.ID)
	assert.Equal(t, []store.StepStatus{
		store.StatusDeployed,
		store.StatusDeployed,
		store.StatusDeployed,
		store.StatusFailed,
		store.StatusPending,
		store.StatusPending,
	}, statuses)

	// Access was never narrowed for a cluster that did not come up.
	assert.Zero(t, f.reconciler.calls)

	// Derived view after the halt shows the failure.
	steps, err := f.store.StepsFor(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, store.OverallStatus(steps))
	assert.Equal(t, 4, store.CurrentStepOrder(steps))

	last := f.publisher.events[len(f.publisher.events)-1].Data.(status.StepEvent)
	assert.Equal(t, string(store.StatusFailed), last.StepStatus)
	require.Len(t, last.Snapshot, 1)
	assert.Equal(t, string(store.StatusFailed), last.Snapshot[0].Status)

	// The endpoint was recorded when the infrastructure came up, so
	// the failed deployment still reports where it would have served.
	got, err := f.store.GetDeployment(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, "http://203.0.113.10/api/", got.Endpoint)
}

func TestRunFailsFastOnBadCredentials(t *testing.T) {
	f := newFixture(t)
	f.broker.err = errors.New("access denied")
	d := f.createDeployment(t)

	require.Error(t, f.orch.Run(context.Background(), d.ID))

	statuses := f.stepStatuses(t, d.ID)
	assert.Equal(t, store.StatusFailed, statuses[0])
	for _, s := range statuses[1:] {
		assert.Equal(t, store.StatusPending, s)
	}
	// Nothing downstream was touched.
	assert.Zero(t, f.reconciler.calls)
	assert.Empty(t, f.bootstrap.got.Hosts)
}

func TestRunNetworkReconcileFailureIsNonFatal(t *testing.T) {
	f := newFixture(t)
	f.reconciler.err = errors.New("rate limited")
	d := f.createDeployment(t)

	require.NoError(t, f.orch.Run(context.Background(), d.ID))

	statuses := f.stepStatuses(t, d.ID)
	for _, s := range statuses {
		assert.Equal(t, store.StatusDeployed, s)
	}
	assert.Equal(t, 1, f.reconciler.calls)
}

func TestRunMalformedInfraOutput(t *testing.T) {
	f := newFixture(t)
	f.infra.outputErr = iac.ErrMalformedOutput
	d := f.createDeployment(t)

	err := f.orch.Run(context.Background(), d.ID)
	require.ErrorIs(t, err, iac.ErrMalformedOutput)

	statuses := f.stepStatuses(t, d.ID)
	assert.Equal(t, store.StatusFailed, statuses[2])
	assert.Equal(t, store.StatusPending, statuses[3])
}

func TestRunUnknownDeployment(t *testing.T) {
	f := newFixture(t)

	err := f.orch.Run(context.Background(), 9999)
	require.Error(t, err)
	assert.Empty(t, f.publisher.events)
}
