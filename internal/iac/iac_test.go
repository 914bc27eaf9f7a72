package iac

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

func TestGeneratorWritesDocumentSet(t *testing.T) {
	gen, err := NewGenerator()
	require.NoError(t, err)

	workspace := t.TempDir()
	keyPath, err := gen.Write(workspace, Params{
		DeploymentID: "deployment-20260828-abcd1234",
		TenantID:     "42",
		Region:       "us-east-1",
		ImageID:      "ami-0123456789abcdef0",
		Credentials: Credentials{
			AccessKeyID:     "AKIAEXAMPLE",
			SecretAccessKey: "secret",
			SessionToken:    "token",
		},
	})
	require.NoError(t, err)

	for _, doc := range []string{"main.tf", "variables.tf", "outputs.tf"} {
		content, err := os.ReadFile(filepath.Join(workspace, doc))
		require.NoError(t, err, doc)
		assert.Contains(t, string(content), "deployment-20260828-abcd1234", doc)
	}

	main, err := os.ReadFile(filepath.Join(workspace, "main.tf"))
	require.NoError(t, err)
	assert.Contains(t, string(main), "ami-0123456789abcdef0")
	assert.Contains(t, string(main), "us-east-1")
	assert.Contains(t, string(main), `token      = "token"`)
	assert.Contains(t, string(main), "count                  = 2")

	info, err := os.Stat(keyPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
	assert.Equal(t, filepath.Join(workspace, "client-key-deployment-20260828-abcd1234.pem"), keyPath)

	// The public key injected into the template must pair with the
	// private key written to disk.
	keyPEM, err := os.ReadFile(keyPath)
	require.NoError(t, err)
	signer, err := ssh.ParsePrivateKey(keyPEM)
	require.NoError(t, err)
	pub := strings.TrimSpace(string(ssh.MarshalAuthorizedKey(signer.PublicKey())))
	assert.Contains(t, string(main), pub)
}

func TestGeneratorRequiresDeploymentID(t *testing.T) {
	gen, err := NewGenerator()
	require.NoError(t, err)

	_, err = gen.Write(t.TempDir(), Params{})
	assert.Error(t, err)
}

type call struct {
	dir  string
	args []string
}

func fakeRunner(calls *[]call, outputs map[string][]byte, fail map[string]error) func(context.Context, string, string, ...string) ([]byte, error) {
	return func(_ context.Context, dir string, _ string, args ...string) ([]byte, error) {
		*calls = append(*calls, call{dir: dir, args: args})
		key := args[0]
		if err, ok := fail[key]; ok {
			return []byte("boom\ndetail"), err
		}
		return outputs[key], nil
	}
}

func newTestExecutor(calls *[]call, outputs map[string][]byte, fail map[string]error) *Executor {
	e := NewExecutor("terraform", logr.Discard())
	e.runCommand = fakeRunner(calls, outputs, fail)
	return e
}

func TestApplyRunsInitThenApply(t *testing.T) {
	var calls []call
	e := newTestExecutor(&calls, nil, nil)

	require.NoError(t, e.Apply(context.Background(), "/ws"))

	require.Len(t, calls, 2)
	assert.Equal(t, "init", calls[0].args[0])
	assert.Equal(t, "apply", calls[1].args[0])
	assert.Contains(t, calls[1].args, "-auto-approve")
	assert.Equal(t, "/ws", calls[0].dir)
	assert.Equal(t, "/ws", calls[1].dir)
}

func TestApplyStopsAfterInitFailure(t *testing.T) {
	var calls []call
	e := newTestExecutor(&calls, nil, map[string]error{"init": errors.New("exit status 1")})

	err := e.Apply(context.Background(), "/ws")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "init failed")
	assert.Len(t, calls, 1)
}

func TestApplySurfacesApplyFailure(t *testing.T) {
	var calls []call
	e := newTestExecutor(&calls, nil, map[string]error{"apply": errors.New("exit status 1")})

	err := e.Apply(context.Background(), "/ws")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "apply failed")
	assert.Contains(t, err.Error(), "boom")
}

func TestOutputParsesHostsAndKeyPath(t *testing.T) {
	var calls []call
	e := newTestExecutor(&calls, map[string][]byte{
		"output": []byte(`{
			"host_addresses": {"value": ["203.0.113.10", "203.0.113.11"]},
			"key_file_path": {"value": "/ws/client-key-d1.pem"},
			"security_group_id": {"value": "sg-12345"}
		}`),
	}, nil)

	res, err := e.Output(context.Background(), "/ws")
	require.NoError(t, err)
	assert.Equal(t, []string{"203.0.113.10", "203.0.113.11"}, res.HostAddrs)
	assert.Equal(t, "/ws/client-key-d1.pem", res.PrivateKeyPath)
	assert.Equal(t, "sg-12345", res.SecurityGroupID)
	require.Len(t, calls, 1)
	assert.Equal(t, []string{"output", "-json"}, calls[0].args)
}

func TestOutputMalformed(t *testing.T) {
	cases := []struct {
		name string
		out  string
	}{
		{"not json", "terraform crashed"},
		{"missing hosts", `{"key_file_path": {"value": "/k.pem"}}`},
		{"empty hosts", `{"host_addresses": {"value": []}, "key_file_path": {"value": "/k.pem"}}`},
		{"missing key path", `{"host_addresses": {"value": ["203.0.113.10"]}}`},
		{"wrong host type", `{"host_addresses": {"value": "203.0.113.10"}, "key_file_path": {"value": "/k.pem"}}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var calls []call
			e := newTestExecutor(&calls, map[string][]byte{"output": []byte(tc.out)}, nil)
			_, err := e.Output(context.Background(), "/ws")
			assert.ErrorIs(t, err, ErrMalformedOutput)
		})
	}
}

func TestAvailable(t *testing.T) {
	e := NewExecutor("sh", logr.Discard())
	assert.NoError(t, e.Available())

	missing := NewExecutor("no-such-iac-binary-xyz", logr.Discard())
	assert.ErrorIs(t, missing.Available(), ErrBinaryNotFound)
}
