package executor

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/danmuck/fleetcheck/internal/config"
)

// SessionExecutor multiplexes one persistent interactive shell session
// per node, created lazily and reused across commands. The transport
// decides how the shell process is obtained (SSM helper, local shell).
type SessionExecutor struct {
	nodes     []config.Node
	transport sessionTransport

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool
}

func newSessionExecutor(nodes []config.Node, transport sessionTransport) (*SessionExecutor, error) {
	for _, n := range nodes {
		if n.Transport.Kind != transport.Kind() {
			return nil, fmt.Errorf("%w: node %s declares %q, executor handles %q",
				ErrWrongTransport, n.Name, n.Transport.Kind, transport.Kind())
		}
	}
	return &SessionExecutor{
		nodes:     nodes,
		transport: transport,
		sessions:  make(map[string]*session, len(nodes)),
	}, nil
}

func (e *SessionExecutor) Exec(ctx context.Context, node, command string) (CommandResult, error) {
	return e.ExecStream(ctx, node, command, nil)
}

func (e *SessionExecutor) ExecStream(ctx context.Context, node, command string, onLine LineFunc) (CommandResult, error) {
	sess, err := e.session(node)
	if err != nil {
		return CommandResult{}, err
	}
	return sess.Exec(ctx, command, onLine)
}

func (e *SessionExecutor) ExecOnAll(ctx context.Context, command string) map[string]Outcome {
	return fanOut(ctx, e.nodes, command, e.Exec)
}

func (e *SessionExecutor) Nodes() []config.Node {
	return e.nodes
}

// session returns the node's session, creating it on first use.
func (e *SessionExecutor) session(name string) (*session, error) {
	node, ok := findNode(e.nodes, name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownNode, name)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, fmt.Errorf("%w: executor for %s", ErrClosed, name)
	}
	if s, ok := e.sessions[name]; ok {
		return s, nil
	}
	s := newSession(node, e.transport, "")
	e.sessions[name] = s
	return s, nil
}

// Close tears down every session concurrently and rejects further use.
func (e *SessionExecutor) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	sessions := make([]*session, 0, len(e.sessions))
	for _, s := range e.sessions {
		sessions = append(sessions, s)
	}
	e.mu.Unlock()

	var g errgroup.Group
	for _, s := range sessions {
		s := s
		g.Go(func() error {
			return s.Close(ctx)
		})
	}
	return g.Wait()
}
