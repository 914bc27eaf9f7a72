package iac

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/go-logr/logr"
)

var (
	// ErrBinaryNotFound signals the IaC binary is not on PATH.
	ErrBinaryNotFound = errors.New("iac binary not found in PATH")

	// ErrMalformedOutput signals that apply succeeded but the output
	// document could not be parsed into host addresses and a key path.
	ErrMalformedOutput = errors.New("malformed iac output")
)

// Result carries what downstream stages need from a successful apply.
// HostAddrs preserves declaration order; index 0 is the primary node.
type Result struct {
	HostAddrs       []string
	PrivateKeyPath  string
	SecurityGroupID string
}

// Executor runs the external IaC binary against a workspace.
type Executor struct {
	// Binary is the executable name or path. Defaults to "terraform".
	Binary string

	Log logr.Logger

	// runCommand is swappable in tests.
	runCommand func(ctx context.Context, dir string, name string, args ...string) ([]byte, error)
}

// NewExecutor returns an Executor using the given binary name, or
// "terraform" when empty.
func NewExecutor(binary string, log logr.Logger) *Executor {
	if binary == "" {
		binary = "terraform"
	}
	return &Executor{
		Binary:     binary,
		Log:        log,
		runCommand: runExternal,
	}
}

// Available checks that the binary can be resolved on PATH.
func (e *Executor) Available() error {
	if _, err := exec.LookPath(e.Binary); err != nil {
		return fmt.Errorf("%w: %s", ErrBinaryNotFound, e.Binary)
	}
	return nil
}

// Apply initializes the workspace and applies it. Both invocations must
// exit zero; a non-zero exit surfaces the combined output in the error.
func (e *Executor) Apply(ctx context.Context, workspace string) error {
	e.Log.Info("initializing workspace", "dir", workspace)
	if out, err := e.run(ctx, workspace, "init", "-input=false"); err != nil {
		return fmt.Errorf("iac init failed: %w: %s", err, firstLines(out, 5))
	}

	e.Log.Info("applying workspace", "dir", workspace)
	if out, err := e.run(ctx, workspace, "apply", "-auto-approve", "-input=false"); err != nil {
		return fmt.Errorf("iac apply failed: %w: %s", err, firstLines(out, 5))
	}
	return nil
}

// Output reads the workspace outputs and extracts the provisioned host
// addresses and private-key path.
func (e *Executor) Output(ctx context.Context, workspace string) (*Result, error) {
	out, err := e.run(ctx, workspace, "output", "-json")
	if err != nil {
		return nil, fmt.Errorf("iac output failed: %w", err)
	}

	var raw map[string]struct {
		Value json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(out, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}

	res := &Result{}

	hosts, ok := raw["host_addresses"]
	if !ok {
		return nil, fmt.Errorf("%w: missing host_addresses", ErrMalformedOutput)
	}
	if err := json.Unmarshal(hosts.Value, &res.HostAddrs); err != nil {
		return nil, fmt.Errorf("%w: host_addresses: %v", ErrMalformedOutput, err)
	}
	if len(res.HostAddrs) == 0 {
		return nil, fmt.Errorf("%w: host_addresses is empty", ErrMalformedOutput)
	}

	key, ok := raw["key_file_path"]
	if !ok {
		return nil, fmt.Errorf("%w: missing key_file_path", ErrMalformedOutput)
	}
	if err := json.Unmarshal(key.Value, &res.PrivateKeyPath); err != nil {
		return nil, fmt.Errorf("%w: key_file_path: %v", ErrMalformedOutput, err)
	}

	// Optional output, only present when the workspace declares it.
	if sg, ok := raw["security_group_id"]; ok {
		if err := json.Unmarshal(sg.Value, &res.SecurityGroupID); err != nil {
			return nil, fmt.Errorf("%w: security_group_id: %v", ErrMalformedOutput, err)
		}
	}

	return res, nil
}

func (e *Executor) run(ctx context.Context, dir string, args ...string) ([]byte, error) {
	return e.runCommand(ctx, dir, e.Binary, args...)
}

func runExternal(ctx context.Context, dir string, name string, args ...string) ([]byte, error) {
	// #nosec G204 - binary name comes from operator configuration
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	return cmd.CombinedOutput()
}

func firstLines(out []byte, n int) string {
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	if len(lines) > n {
		lines = lines[:n]
	}
	return strings.Join(lines, "\n")
}
