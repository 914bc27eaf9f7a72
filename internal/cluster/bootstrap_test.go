package cluster

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSession struct {
	host    string
	respond func(cmd string) (string, error)

	execs   []string
	uploads map[string]string
	closed  int
}

func (f *fakeSession) Host() string { return f.host }

func (f *fakeSession) Exec(_ context.Context, cmd string) (string, error) {
	f.execs = append(f.execs, cmd)
	if f.respond != nil {
		return f.respond(cmd)
	}
	return "", nil
}

func (f *fakeSession) CopyFile(_ context.Context, local, remote string) error {
	if f.uploads == nil {
		f.uploads = map[string]string{}
	}
	f.uploads[remote] = local
	return nil
}

func (f *fakeSession) Close() error {
	f.closed++
	return nil
}

type fakeBundles struct {
	err   error
	calls int
}

func (f *fakeBundles) Download(_ context.Context, bucket, key, destDir string) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	path := filepath.Join(destDir, filepath.Base(key))
	if err := os.WriteFile(path, []byte("bundle"), 0o600); err != nil {
		return "", err
	}
	return path, nil
}

// healthyResponder emulates a host set that converges immediately.
func healthyResponder(nodes int) func(string) (string, error) {
	return func(cmd string) (string, error) {
		switch {
		case strings.Contains(cmd, "hostname -I"):
			return "10.0.1.5\n", nil
		case strings.Contains(cmd, "get nodes"):
			var sb strings.Builder
			for i := 0; i < nodes; i++ {
				fmt.Fprintf(&sb, "node-%d   Ready    <none>   1m   v1.30\n", i)
			}
			return sb.String(), nil
		case strings.Contains(cmd, "get pods"):
			return "serving   gateway-0   1/1   Running   0   1m\n", nil
		}
		return "", nil
	}
}

func newTestBootstrapper(t *testing.T, sessions map[string]*fakeSession, bundles *fakeBundles) *Bootstrapper {
	t.Helper()
	open := func(_ context.Context, host, user, keyPath string) (Session, error) {
		sess, ok := sessions[host]
		if !ok {
			return nil, fmt.Errorf("unexpected host %s", host)
		}
		assert.Equal(t, "ubuntu", user)
		assert.NotEmpty(t, keyPath)
		return sess, nil
	}
	b := NewWithOpener(open, bundles, "bundles", "serving/bundle.tar.gz", logr.Discard())
	b.PollInterval = time.Millisecond
	b.PollBudget = 50 * time.Millisecond
	return b
}

func testInput(t *testing.T, hosts ...string) Input {
	t.Helper()
	ws := t.TempDir()
	keyPath := filepath.Join(ws, "client-key-d1.pem")
	seedPath := filepath.Join(ws, "seed.sql")
	require.NoError(t, os.WriteFile(keyPath, []byte("key"), 0o600))
	require.NoError(t, os.WriteFile(seedPath, []byte("-- seed"), 0o600))
	return Input{
		Hosts:        hosts,
		KeyPath:      keyPath,
		DeploymentID: "deployment-20260828-abcd1234",
		TenantID:     "42",
		SeedFile:     seedPath,
		Workspace:    ws,
	}
}

func TestBootstrapRequiresTwoHosts(t *testing.T) {
	bundles := &fakeBundles{}
	b := newTestBootstrapper(t, nil, bundles)

	err := b.Bootstrap(context.Background(), testInput(t, "203.0.113.10"))
	assert.ErrorIs(t, err, ErrTooFewHosts)
	assert.Zero(t, bundles.calls)
}

func TestBootstrapHappyPath(t *testing.T) {
	primary := &fakeSession{host: "203.0.113.10", respond: healthyResponder(2)}
	worker := &fakeSession{host: "203.0.113.11", respond: healthyResponder(2)}
	sessions := map[string]*fakeSession{primary.host: primary, worker.host: worker}

	b := newTestBootstrapper(t, sessions, &fakeBundles{})
	in := testInput(t, primary.host, worker.host)

	require.NoError(t, b.Bootstrap(context.Background(), in))

	// Worker was only asked for its private address, then closed.
	require.Len(t, worker.execs, 1)
	assert.Contains(t, worker.execs[0], "hostname -I")
	assert.Equal(t, 1, worker.closed)

	// Primary received the bundle, seed, and key.
	assert.Equal(t, in.SeedFile, primary.uploads["/opt/modelplane/seed.sql"])
	assert.Equal(t, in.KeyPath, primary.uploads["/tmp/modelplane-node-key.pem"])
	assert.Contains(t, primary.uploads, "/opt/modelplane/bundle.tar.gz")

	joined := strings.Join(primary.execs, "\n")
	assert.Contains(t, joined, "install.sh --deployment deployment-20260828-abcd1234 --tenant 42")
	assert.Contains(t, joined, "--workers 10.0.1.5")
	assert.Contains(t, joined, "rm -f /tmp/modelplane-node-key.pem")
	assert.Equal(t, 1, primary.closed)

	// The key removal happens after the installer ran.
	installIdx, rmIdx := -1, -1
	for i, cmd := range primary.execs {
		if strings.Contains(cmd, "install.sh") {
			installIdx = i
		}
		if strings.Contains(cmd, "rm -f /tmp/modelplane-node-key.pem") {
			rmIdx = i
		}
	}
	assert.Greater(t, rmIdx, installIdx)
}

func TestBootstrapNodesNeverReady(t *testing.T) {
	respond := func(cmd string) (string, error) {
		switch {
		case strings.Contains(cmd, "hostname -I"):
			return "10.0.1.5", nil
		case strings.Contains(cmd, "get nodes"):
			return "node-0   NotReady   <none>   1m   v1.30\nnode-1   NotReady   <none>   1m   v1.30\n", nil
		}
		return "", nil
	}
	primary := &fakeSession{host: "203.0.113.10", respond: respond}
	worker := &fakeSession{host: "203.0.113.11", respond: respond}
	b := newTestBootstrapper(t, map[string]*fakeSession{primary.host: primary, worker.host: worker}, &fakeBundles{})

	err := b.Bootstrap(context.Background(), testInput(t, primary.host, worker.host))
	assert.ErrorIs(t, err, ErrNodesNotReady)

	// The key is scrubbed even on failure.
	assert.Contains(t, strings.Join(primary.execs, "\n"), "rm -f /tmp/modelplane-node-key.pem")
	assert.Equal(t, 1, primary.closed)
}

func TestBootstrapWorkloadsNeverSettle(t *testing.T) {
	respond := func(cmd string) (string, error) {
		switch {
		case strings.Contains(cmd, "hostname -I"):
			return "10.0.1.5", nil
		case strings.Contains(cmd, "get nodes"):
			return "node-0   Ready\nnode-1   Ready\n", nil
		case strings.Contains(cmd, "get pods"):
			return "serving   gateway-0   0/1   CrashLoopBackOff   4   2m\n", nil
		}
		return "", nil
	}
	primary := &fakeSession{host: "203.0.113.10", respond: respond}
	worker := &fakeSession{host: "203.0.113.11", respond: respond}
	b := newTestBootstrapper(t, map[string]*fakeSession{primary.host: primary, worker.host: worker}, &fakeBundles{})

	err := b.Bootstrap(context.Background(), testInput(t, primary.host, worker.host))
	assert.ErrorIs(t, err, ErrReadinessTimeout)
}

func TestBootstrapBundleFetchFails(t *testing.T) {
	b := newTestBootstrapper(t, nil, &fakeBundles{err: errors.New("no such bucket")})

	err := b.Bootstrap(context.Background(), testInput(t, "203.0.113.10", "203.0.113.11"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fetch serving bundle")
}

func TestBootstrapWorkerUnreachable(t *testing.T) {
	primary := &fakeSession{host: "203.0.113.10", respond: healthyResponder(2)}
	open := func(_ context.Context, host, _, _ string) (Session, error) {
		if host == primary.host {
			return primary, nil
		}
		return nil, errors.New("connection refused")
	}
	b := NewWithOpener(open, &fakeBundles{}, "bundles", "serving/bundle.tar.gz", logr.Discard())

	err := b.Bootstrap(context.Background(), testInput(t, primary.host, "203.0.113.11"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connect to worker")
	// The primary was never touched.
	assert.Empty(t, primary.execs)
}
