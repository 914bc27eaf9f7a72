// Package sshx provides resilient SSH sessions to freshly provisioned
// hosts. Newly created compute instances have a nondeterministic boot
// time; this layer absorbs that with a bounded dial retry so the
// pipeline's stage logic stays a plain succeeded/failed contract.
package sshx

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/modelplane/modelplane/internal/util/retry"
)

const (
	defaultPort        = 22
	defaultDialTimeout = 10 * time.Second
	defaultMaxAttempts = 10
	defaultRetryDelay  = 30 * time.Second
)

// Typed failures, distinguishable by errors.Is.
var (
	// ErrKeyFileMissing indicates the private key file does not exist.
	ErrKeyFileMissing = errors.New("private key file not found")
	// ErrConnectFailed indicates the dial retry budget was exhausted.
	ErrConnectFailed = errors.New("ssh connection failed")
	// ErrNotConnected indicates an operation on a closed session.
	ErrNotConnected = errors.New("ssh session not connected")
)

// conn abstracts an established SSH connection so tests can substitute
// a fake without a live host.
type conn interface {
	Exec(command string) (string, error)
	Upload(localPath, remotePath string) error
	Close() error
}

// DialFunc establishes a connection to addr. The default uses ssh.Dial.
type DialFunc func(addr string, config *ssh.ClientConfig) (conn, error)

// Dialer opens Sessions with a bounded, fixed-interval retry against
// hosts that are not yet accepting connections.
type Dialer struct {
	// MaxAttempts and RetryDelay bound the connect retry. Zero values
	// select the defaults.
	MaxAttempts int
	RetryDelay  time.Duration
	DialTimeout time.Duration
	Port        int

	Log  logr.Logger
	dial DialFunc
}

// NewDialer constructs a Dialer with the production dial function.
func NewDialer(log logr.Logger) *Dialer {
	return &Dialer{
		Log:  log.WithName("ssh"),
		dial: realDial,
	}
}

// WithDialFunc substitutes the transport, for tests.
func (d *Dialer) WithDialFunc(fn DialFunc) *Dialer {
	d.dial = fn
	return d
}

// Open establishes a session as user on host, authenticating with the
// key at keyPath. The key file must exist before any network activity
// starts. Retries abort promptly when ctx is cancelled.
func (d *Dialer) Open(ctx context.Context, host, user, keyPath string) (*Session, error) {
	key, err := os.ReadFile(keyPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrKeyFileMissing, keyPath)
		}
		return nil, fmt.Errorf("read private key %s: %w", keyPath, err)
	}

	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("parse private key %s: %w", keyPath, err)
	}

	port := d.Port
	if port == 0 {
		port = defaultPort
	}
	dialTimeout := d.DialTimeout
	if dialTimeout == 0 {
		dialTimeout = defaultDialTimeout
	}
	maxAttempts := d.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = defaultMaxAttempts
	}
	retryDelay := d.RetryDelay
	if retryDelay == 0 {
		retryDelay = defaultRetryDelay
	}
	dial := d.dial
	if dial == nil {
		dial = realDial
	}

	config := &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec // ephemeral single-tenant hosts
		Timeout:         dialTimeout,
	}
	addr := fmt.Sprintf("%s:%d", host, port)

	var c conn
	attempt := 0
	err = retry.WithConstantBackoff(ctx, func() error {
		attempt++
		d.Log.V(1).Info("dialing", "addr", addr, "attempt", attempt, "max", maxAttempts)
		var dialErr error
		c, dialErr = dial(addr, config)
		return dialErr
	},
		retry.WithMaxAttempts(maxAttempts),
		retry.WithInitialDelay(retryDelay),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %s after %d attempts: %v", ErrConnectFailed, addr, attempt, err)
	}

	d.Log.Info("connected", "addr", addr, "user", user)
	return &Session{host: host, conn: c, log: d.Log}, nil
}

// Session is one established connection. Exec and CopyFile are
// synchronous, blocking calls scoped to this session.
type Session struct {
	host string
	conn conn
	log  logr.Logger

	mu     sync.Mutex
	closed bool
}

// Host returns the remote address this session is connected to.
func (s *Session) Host() string {
	return s.host
}

// Exec runs command on the remote host and returns its combined output.
func (s *Session) Exec(ctx context.Context, command string) (string, error) {
	if err := s.usable(ctx); err != nil {
		return "", err
	}
	s.log.V(1).Info("exec", "host", s.host, "command", command)
	out, err := s.conn.Exec(command)
	if err != nil {
		return out, fmt.Errorf("command failed on %s: %w", s.host, err)
	}
	return out, nil
}

// CopyFile uploads the local file to remotePath on the remote host.
func (s *Session) CopyFile(ctx context.Context, localPath, remotePath string) error {
	if err := s.usable(ctx); err != nil {
		return err
	}
	s.log.V(1).Info("copy", "host", s.host, "local", localPath, "remote", remotePath)
	if err := s.conn.Upload(localPath, remotePath); err != nil {
		return fmt.Errorf("upload %s to %s:%s: %w", localPath, s.host, remotePath, err)
	}
	return nil
}

func (s *Session) usable(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("%w: %s", ErrNotConnected, s.host)
	}
	return nil
}

// Close tears the session down. Idempotent; invoked on every exit path.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	err := s.conn.Close()
	s.log.V(1).Info("closed", "host", s.host)
	return err
}

// realDial establishes a TCP+SSH connection.
func realDial(addr string, config *ssh.ClientConfig) (conn, error) {
	client, err := ssh.Dial("tcp", addr, config)
	if err != nil {
		return nil, err
	}
	return &realConn{client: client}, nil
}

// realConn backs a Session with a live *ssh.Client.
type realConn struct {
	client *ssh.Client
}

func (c *realConn) Exec(command string) (string, error) {
	session, err := c.client.NewSession()
	if err != nil {
		return "", fmt.Errorf("create ssh session: %w", err)
	}
	defer func() { _ = session.Close() }()

	output, err := session.CombinedOutput(command)
	if err != nil {
		return string(output), fmt.Errorf("%w\nOutput: %s", err, string(output))
	}
	return string(output), nil
}

func (c *realConn) Upload(localPath, remotePath string) error {
	local, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open local file: %w", err)
	}
	defer func() { _ = local.Close() }()

	info, err := local.Stat()
	if err != nil {
		return fmt.Errorf("stat local file: %w", err)
	}

	ftp, err := sftp.NewClient(c.client)
	if err != nil {
		return fmt.Errorf("open sftp channel: %w", err)
	}
	defer func() { _ = ftp.Close() }()

	remote, err := ftp.Create(remotePath)
	if err != nil {
		return fmt.Errorf("create remote file: %w", err)
	}
	defer func() { _ = remote.Close() }()

	if _, err := io.Copy(remote, local); err != nil {
		return fmt.Errorf("transfer file contents: %w", err)
	}
	if err := ftp.Chmod(remotePath, info.Mode().Perm()); err != nil {
		return fmt.Errorf("preserve file mode: %w", err)
	}
	return nil
}

func (c *realConn) Close() error {
	return c.client.Close()
}
