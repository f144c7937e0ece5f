// Package executor runs shell commands on remote fleet nodes.
//
// Two transports are supported: interactive AWS SSM sessions reused across
// commands, and one-shot SSH connections. A third, local transport drives a
// shell subprocess on the operator machine and shares the session framing
// core with the SSM flavor.
package executor

import (
	"context"
	"errors"
	"sync"

	"github.com/danmuck/fleetcheck/internal/config"
)

var (
	ErrNoNodes         = errors.New("executor: node list is empty")
	ErrMixedTransports = errors.New("executor: fleet mixes transport kinds")
	ErrUnknownNode     = errors.New("executor: unknown node")
	ErrWrongTransport  = errors.New("executor: node transport kind mismatch")
	ErrClosed          = errors.New("executor: closed")
	ErrShellTimeout    = errors.New("executor: shell was not ready in time")
	ErrCommandTimeout  = errors.New("executor: command timed out")
	ErrConnExited      = errors.New("executor: connection process exited")
)

// CommandResult is the outcome of one remote command. Session transports
// merge stderr into Stdout because the remote side is an interactive
// terminal stream.
type CommandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// LineFunc receives completed output lines while a command is running.
type LineFunc func(line string)

// Outcome pairs a per-node result with the error that produced it, for
// fleet-wide fan-out.
type Outcome struct {
	Node   string
	Result CommandResult
	Err    error
}

// Executor runs commands on named fleet nodes.
type Executor interface {
	// Exec runs command on the named node and waits for completion.
	Exec(ctx context.Context, node, command string) (CommandResult, error)

	// ExecStream is Exec with incremental delivery of completed output
	// lines. Delivery may lag the remote output slightly; an unterminated
	// final line is never delivered.
	ExecStream(ctx context.Context, node, command string, onLine LineFunc) (CommandResult, error)

	// ExecOnAll runs command on every node concurrently and returns once
	// all nodes have finished or failed. One node failing does not cancel
	// the others.
	ExecOnAll(ctx context.Context, command string) map[string]Outcome

	// Nodes returns the fleet definition this executor was built with.
	Nodes() []config.Node

	// Close releases all sessions and connections. The executor rejects
	// further commands afterwards.
	Close(ctx context.Context) error
}

// fanOut implements the ExecOnAll join-all discipline shared by every
// executor implementation.
func fanOut(ctx context.Context, nodes []config.Node, command string,
	exec func(ctx context.Context, node, command string) (CommandResult, error),
) map[string]Outcome {
	var mu sync.Mutex
	out := make(map[string]Outcome, len(nodes))

	var wg sync.WaitGroup
	for _, n := range nodes {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			res, err := exec(ctx, name, command)
			mu.Lock()
			out[name] = Outcome{Node: name, Result: res, Err: err}
			mu.Unlock()
		}(n.Name)
	}
	wg.Wait()
	return out
}

func findNode(nodes []config.Node, name string) (config.Node, bool) {
	for _, n := range nodes {
		if n.Name == name {
			return n, true
		}
	}
	return config.Node{}, false
}
