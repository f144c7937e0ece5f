package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/danmuck/fleetcheck/internal/config"
)

const sshDialTimeout = 15 * time.Second

// SSHExecutor runs each command over a fresh SSH connection: no session
// state persists between calls, and process exit delimits output, so no
// sentinel framing is needed.
type SSHExecutor struct {
	nodes []config.Node

	// KnownHostsPath overrides ~/.ssh/known_hosts. InsecureSkipHostKey
	// disables host key checking entirely.
	KnownHostsPath      string
	InsecureSkipHostKey bool

	mu     sync.Mutex
	closed bool
}

// NewSSH builds a direct-connection executor. All nodes must declare the
// ssh transport kind.
func NewSSH(nodes []config.Node) (*SSHExecutor, error) {
	for _, n := range nodes {
		if n.Transport.Kind != config.TransportSSH {
			return nil, fmt.Errorf("%w: node %s declares %q, executor handles %q",
				ErrWrongTransport, n.Name, n.Transport.Kind, config.TransportSSH)
		}
	}
	return &SSHExecutor{nodes: nodes}, nil
}

func (e *SSHExecutor) Exec(ctx context.Context, node, command string) (CommandResult, error) {
	return e.run(ctx, node, command, nil)
}

func (e *SSHExecutor) ExecStream(ctx context.Context, node, command string, onLine LineFunc) (CommandResult, error) {
	return e.run(ctx, node, command, onLine)
}

func (e *SSHExecutor) ExecOnAll(ctx context.Context, command string) map[string]Outcome {
	return fanOut(ctx, e.nodes, command, e.Exec)
}

func (e *SSHExecutor) Nodes() []config.Node {
	return e.nodes
}

func (e *SSHExecutor) Close(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

func (e *SSHExecutor) run(ctx context.Context, node, command string, onLine LineFunc) (CommandResult, error) {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return CommandResult{}, fmt.Errorf("%w: ssh executor", ErrClosed)
	}

	target, ok := findNode(e.nodes, node)
	if !ok {
		return CommandResult{}, fmt.Errorf("%w: %q", ErrUnknownNode, node)
	}

	client, err := e.dial(ctx, target)
	if err != nil {
		return CommandResult{}, fmt.Errorf("executor: ssh dial %s: %w", node, err)
	}
	defer client.Close()

	sess, err := client.NewSession()
	if err != nil {
		return CommandResult{}, fmt.Errorf("executor: ssh session %s: %w", node, err)
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	if onLine != nil {
		sess.Stdout = &lineWriter{sink: &stdout, onLine: onLine}
	} else {
		sess.Stdout = &stdout
	}
	sess.Stderr = &stderr

	done := make(chan error, 1)
	go func() {
		done <- sess.Run(command)
	}()

	select {
	case err = <-done:
	case <-ctx.Done():
		// Tearing down the connection unblocks Run.
		client.Close()
		<-done
		return CommandResult{}, fmt.Errorf("executor: node %s: %w running %q", node, ctx.Err(), command)
	}

	res := CommandResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if err == nil {
		return res, nil
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitStatus()
		return res, nil
	}
	return CommandResult{}, fmt.Errorf("executor: node %s: %w", node, err)
}

func (e *SSHExecutor) dial(ctx context.Context, node config.Node) (*ssh.Client, error) {
	cfg, err := e.clientConfig(node)
	if err != nil {
		return nil, err
	}
	addr := net.JoinHostPort(node.Transport.Host, "22")
	if _, _, err := net.SplitHostPort(node.Transport.Host); err == nil {
		addr = node.Transport.Host
	}

	dialer := net.Dialer{Timeout: sshDialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	clientConn, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return ssh.NewClient(clientConn, chans, reqs), nil
}

func (e *SSHExecutor) clientConfig(node config.Node) (*ssh.ClientConfig, error) {
	user := strings.TrimSpace(node.Transport.User)
	if user == "" {
		user = os.Getenv("USER")
	}
	if user == "" {
		user = "root"
	}

	auth, err := authMethods(node.Transport.KeyPath)
	if err != nil {
		return nil, err
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if !e.InsecureSkipHostKey {
		cb, err := e.knownHostsCallback()
		if err != nil {
			return nil, err
		}
		hostKeyCallback = cb
	}

	return &ssh.ClientConfig{
		User:            user,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         sshDialTimeout,
	}, nil
}

// authMethods prefers the configured key and falls back to a running
// ssh-agent.
func authMethods(keyPath string) ([]ssh.AuthMethod, error) {
	if keyPath != "" {
		raw, err := os.ReadFile(keyPath)
		if err != nil {
			return nil, fmt.Errorf("read key %s: %w", keyPath, err)
		}
		signer, err := ssh.ParsePrivateKey(raw)
		if err != nil {
			return nil, fmt.Errorf("parse key %s: %w", keyPath, err)
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	}
	if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
		conn, err := net.Dial("unix", sock)
		if err != nil {
			return nil, fmt.Errorf("ssh agent: %w", err)
		}
		return []ssh.AuthMethod{ssh.PublicKeysCallback(agent.NewClient(conn).Signers)}, nil
	}
	return nil, fmt.Errorf("no key_path configured and no ssh-agent available")
}

func (e *SSHExecutor) knownHostsCallback() (ssh.HostKeyCallback, error) {
	path := strings.TrimSpace(e.KnownHostsPath)
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("known hosts path not set and home dir unavailable")
		}
		path = filepath.Join(home, ".ssh", "known_hosts")
	}
	return knownhosts.New(path)
}

// lineWriter tees output into sink while delivering each completed line
// to onLine as it arrives. A trailing unterminated line is not delivered.
type lineWriter struct {
	sink    *bytes.Buffer
	onLine  LineFunc
	pending []byte
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.sink.Write(p)
	w.pending = append(w.pending, p...)
	for {
		i := bytes.IndexByte(w.pending, '\n')
		if i < 0 {
			return len(p), nil
		}
		line := strings.TrimSuffix(string(w.pending[:i]), "\r")
		w.pending = w.pending[i+1:]
		w.onLine(line)
	}
}
