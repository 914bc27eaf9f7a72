// Package cluster turns freshly provisioned hosts into a running
// serving cluster. The first host is the primary; the rest join as
// workers over their private addresses.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/go-logr/logr"

	"github.com/modelplane/modelplane/internal/sshx"
)

var (
	// ErrTooFewHosts signals a host list that cannot form a cluster.
	ErrTooFewHosts = errors.New("at least two hosts are required")

	// ErrNodesNotReady signals the cluster came up but nodes never
	// reported Ready.
	ErrNodesNotReady = errors.New("cluster nodes did not become ready")

	// ErrReadinessTimeout signals serving workloads did not settle
	// within the polling budget.
	ErrReadinessTimeout = errors.New("serving workloads did not become ready")
)

const (
	remoteDir       = "/opt/modelplane"
	remoteKeyPath   = "/tmp/modelplane-node-key.pem"
	defaultSSHUser  = "ubuntu"
	defaultInterval = 10 * time.Second
	defaultBudget   = 5 * time.Minute
)

// Session is the remote-host surface the bootstrapper drives.
type Session interface {
	Host() string
	Exec(ctx context.Context, cmd string) (string, error)
	CopyFile(ctx context.Context, localPath, remotePath string) error
	Close() error
}

// OpenFunc opens an authenticated session to one host.
type OpenFunc func(ctx context.Context, host, user, keyPath string) (Session, error)

// BundleSource fetches the serving-stack bundle.
type BundleSource interface {
	Download(ctx context.Context, bucket, key, destDir string) (string, error)
}

// Input describes one bootstrap run.
type Input struct {
	// Hosts in provisioning order. Hosts[0] is the primary.
	Hosts        []string
	KeyPath      string
	DeploymentID string
	TenantID     string

	// SeedFile is the local SQL seed to import on first boot.
	SeedFile string

	// Workspace receives the downloaded bundle.
	Workspace string
}

// Bootstrapper installs the serving stack onto a host set.
type Bootstrapper struct {
	open    OpenFunc
	bundles BundleSource
	log     logr.Logger

	// Bucket and Key locate the serving-stack bundle.
	Bucket string
	Key    string

	// User is the SSH login user on provisioned hosts.
	User string

	// PollInterval and PollBudget bound the workload readiness wait.
	PollInterval time.Duration
	PollBudget   time.Duration
}

// New builds a Bootstrapper that opens real SSH sessions.
func New(dialer *sshx.Dialer, bundles BundleSource, bucket, key string, log logr.Logger) *Bootstrapper {
	open := func(ctx context.Context, host, user, keyPath string) (Session, error) {
		return dialer.Open(ctx, host, user, keyPath)
	}
	return NewWithOpener(open, bundles, bucket, key, log)
}

// NewWithOpener wires a custom session opener, used by tests.
func NewWithOpener(open OpenFunc, bundles BundleSource, bucket, key string, log logr.Logger) *Bootstrapper {
	return &Bootstrapper{
		open:         open,
		bundles:      bundles,
		log:          log,
		Bucket:       bucket,
		Key:          key,
		User:         defaultSSHUser,
		PollInterval: defaultInterval,
		PollBudget:   defaultBudget,
	}
}

// Bootstrap installs the serving stack: bundle and seed go to the
// primary, workers join over their private addresses, and the run ends
// with a node readiness check. The node key uploaded for worker joins
// is removed from the primary even when bootstrap fails.
func (b *Bootstrapper) Bootstrap(ctx context.Context, in Input) error {
	if len(in.Hosts) < 2 {
		return fmt.Errorf("%w: got %d", ErrTooFewHosts, len(in.Hosts))
	}

	bundlePath, err := b.bundles.Download(ctx, b.Bucket, b.Key, in.Workspace)
	if err != nil {
		return fmt.Errorf("fetch serving bundle: %w", err)
	}

	workerIPs, err := b.discoverWorkerIPs(ctx, in.Hosts[1:], in.KeyPath)
	if err != nil {
		return err
	}

	primary, err := b.open(ctx, in.Hosts[0], b.User, in.KeyPath)
	if err != nil {
		return fmt.Errorf("connect to primary %s: %w", in.Hosts[0], err)
	}
	defer primary.Close()
	defer func() {
		// Best effort. The key must not linger on the host.
		if _, err := primary.Exec(context.WithoutCancel(ctx), "rm -f "+remoteKeyPath); err != nil {
			b.log.Error(err, "failed to remove node key from primary", "host", primary.Host())
		}
	}()

	if err := b.install(ctx, primary, in, bundlePath, workerIPs); err != nil {
		return err
	}

	if err := b.verifyNodes(ctx, primary, len(in.Hosts)); err != nil {
		return err
	}

	return b.waitForWorkloads(ctx, primary)
}

// discoverWorkerIPs asks each worker for its primary private address.
func (b *Bootstrapper) discoverWorkerIPs(ctx context.Context, workers []string, keyPath string) ([]string, error) {
	ips := make([]string, 0, len(workers))
	for _, host := range workers {
		sess, err := b.open(ctx, host, b.User, keyPath)
		if err != nil {
			return nil, fmt.Errorf("connect to worker %s: %w", host, err)
		}
		out, err := sess.Exec(ctx, "hostname -I | awk '{print $1}'")
		closeErr := sess.Close()
		if err != nil {
			return nil, fmt.Errorf("discover private address of %s: %w", host, err)
		}
		if closeErr != nil {
			b.log.Error(closeErr, "failed to close worker session", "host", host)
		}
		ip := strings.TrimSpace(out)
		if ip == "" {
			return nil, fmt.Errorf("worker %s reported no private address", host)
		}
		b.log.Info("discovered worker address", "host", host, "privateIP", ip)
		ips = append(ips, ip)
	}
	return ips, nil
}

func (b *Bootstrapper) install(ctx context.Context, primary Session, in Input, bundlePath string, workerIPs []string) error {
	b.log.Info("staging bundle on primary", "host", primary.Host(), "deploymentID", in.DeploymentID)

	if _, err := primary.Exec(ctx, "sudo mkdir -p "+remoteDir+" && sudo chown $(whoami) "+remoteDir); err != nil {
		return fmt.Errorf("prepare %s on primary: %w", remoteDir, err)
	}

	remoteBundle := path.Join(remoteDir, path.Base(bundlePath))
	if err := primary.CopyFile(ctx, bundlePath, remoteBundle); err != nil {
		return fmt.Errorf("upload bundle: %w", err)
	}
	if err := primary.CopyFile(ctx, in.SeedFile, path.Join(remoteDir, "seed.sql")); err != nil {
		return fmt.Errorf("upload seed: %w", err)
	}
	if err := primary.CopyFile(ctx, in.KeyPath, remoteKeyPath); err != nil {
		return fmt.Errorf("upload node key: %w", err)
	}
	if _, err := primary.Exec(ctx, "chmod 600 "+remoteKeyPath); err != nil {
		return fmt.Errorf("restrict node key permissions: %w", err)
	}

	if _, err := primary.Exec(ctx, fmt.Sprintf("tar -xzf %s -C %s", remoteBundle, remoteDir)); err != nil {
		return fmt.Errorf("extract bundle: %w", err)
	}

	installCmd := fmt.Sprintf(
		"sudo %s/install.sh --deployment %s --tenant %s --seed %s/seed.sql --node-key %s --workers %s",
		remoteDir, in.DeploymentID, in.TenantID, remoteDir, remoteKeyPath,
		strings.Join(workerIPs, ","),
	)
	b.log.Info("running installer", "host", primary.Host(), "workers", len(workerIPs))
	if _, err := primary.Exec(ctx, installCmd); err != nil {
		return fmt.Errorf("run installer: %w", err)
	}
	return nil
}

// verifyNodes checks the control plane sees every node and at least
// one reports Ready.
func (b *Bootstrapper) verifyNodes(ctx context.Context, primary Session, want int) error {
	out, err := primary.Exec(ctx, "sudo kubectl get nodes --no-headers")
	if err != nil {
		return fmt.Errorf("query cluster nodes: %w", err)
	}
	if !strings.Contains(out, "Ready") {
		return fmt.Errorf("%w: %s", ErrNodesNotReady, strings.TrimSpace(out))
	}
	lines := nonEmptyLines(out)
	if len(lines) < want {
		return fmt.Errorf("%w: %d of %d nodes registered", ErrNodesNotReady, len(lines), want)
	}
	return nil
}

// waitForWorkloads polls until every serving pod is Running or the
// budget runs out.
func (b *Bootstrapper) waitForWorkloads(ctx context.Context, primary Session) error {
	deadline := time.Now().Add(b.PollBudget)
	for {
		out, err := primary.Exec(ctx, "sudo kubectl get pods --all-namespaces --no-headers")
		if err == nil && allRunning(out) {
			b.log.Info("serving workloads ready", "host", primary.Host())
			return nil
		}
		if err != nil {
			b.log.V(1).Info("workload poll failed", "error", err.Error())
		}

		if time.Now().After(deadline) {
			return ErrReadinessTimeout
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(b.PollInterval):
		}
	}
}

func allRunning(out string) bool {
	lines := nonEmptyLines(out)
	if len(lines) == 0 {
		return false
	}
	for _, line := range lines {
		if !strings.Contains(line, "Running") && !strings.Contains(line, "Completed") {
			return false
		}
	}
	return true
}

func nonEmptyLines(out string) []string {
	var lines []string
	for _, line := range strings.Split(out, "\n") {
		if strings.TrimSpace(line) != "" {
			lines = append(lines, line)
		}
	}
	return lines
}
