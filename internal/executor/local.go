package executor

import (
	"context"
	"fmt"
	"os/exec"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/fleetcheck/internal/config"
)

// localTransport drives an interactive shell subprocess on the operator
// machine. It shares the session framing core with the SSM flavor and is
// the transport behind the "local" node kind, used for dry runs against
// the local host.
type localTransport struct {
	argv []string
}

var defaultLocalShell = []string{"/bin/bash", "--noprofile", "--norc", "-i"}

// NewLocal builds a session executor over local shell subprocesses. All
// nodes must declare the local transport kind.
func NewLocal(nodes []config.Node) (*SessionExecutor, error) {
	return newSessionExecutor(nodes, &localTransport{argv: defaultLocalShell})
}

func (t *localTransport) Kind() config.TransportKind {
	return config.TransportLocal
}

func (t *localTransport) Dial(ctx context.Context, node config.Node) (*shellConn, error) {
	cmd := exec.Command(t.argv[0], t.argv[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}

	conn := newShellConn("", stdin, func() {
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
	})
	cmd.Stdout = conn
	cmd.Stderr = conn
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn %s: %w", t.argv[0], err)
	}
	go func() {
		err := cmd.Wait()
		log.Debug().Str("node", node.Name).Err(err).Msg("local shell exited")
		conn.markExited()
	}()

	// No prompt wait needed: marker installation resolves readiness.
	return conn, nil
}

func (t *localTransport) Terminate(ctx context.Context, conn *shellConn) error {
	return nil
}
