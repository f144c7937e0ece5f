package checks

import (
	"context"
	"fmt"
	"sync"

	"github.com/danmuck/fleetcheck/internal/config"
	"github.com/danmuck/fleetcheck/internal/executor"
)

// stubExec scripts per-command responses without any transport. The
// handler receives a zero-based call counter per (node, command) pair.
type stubExec struct {
	nodes   []config.Node
	handler func(node, command string, call int) (executor.CommandResult, error)

	mu    sync.Mutex
	calls map[string]int
}

func newStubExec(nodes []config.Node,
	handler func(node, command string, call int) (executor.CommandResult, error),
) *stubExec {
	return &stubExec{nodes: nodes, handler: handler, calls: make(map[string]int)}
}

func (s *stubExec) Exec(ctx context.Context, node, command string) (executor.CommandResult, error) {
	s.mu.Lock()
	key := node + "|" + command
	call := s.calls[key]
	s.calls[key]++
	s.mu.Unlock()
	return s.handler(node, command, call)
}

func (s *stubExec) ExecStream(ctx context.Context, node, command string, onLine executor.LineFunc) (executor.CommandResult, error) {
	return s.Exec(ctx, node, command)
}

func (s *stubExec) ExecOnAll(ctx context.Context, command string) map[string]executor.Outcome {
	out := make(map[string]executor.Outcome, len(s.nodes))
	for _, n := range s.nodes {
		res, err := s.Exec(ctx, n.Name, command)
		out[n.Name] = executor.Outcome{Node: n.Name, Result: res, Err: err}
	}
	return out
}

func (s *stubExec) Nodes() []config.Node { return s.nodes }

func (s *stubExec) Close(ctx context.Context) error { return nil }

func (s *stubExec) callCount(node, command string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[node+"|"+command]
}

func testFleet() []config.Node {
	return []config.Node{
		{Name: "p1", Role: config.RolePrimary, RPCPort: 8545,
			Transport: config.Transport{Kind: config.TransportLocal}},
		{Name: "s1", Role: config.RoleSecondary, RPCPort: 8545,
			Transport: config.Transport{Kind: config.TransportLocal}},
		{Name: "b1", Role: config.RoleBackup, RPCPort: 8545,
			Transport: config.Transport{Kind: config.TransportLocal}},
	}
}

func curlFor(port int, path string) string {
	return fmt.Sprintf("curl -sf http://127.0.0.1:%d%s", port, path)
}

// stubCheck is a scripted check for engine scheduling tests.
type stubCheck struct {
	name        string
	roles       []config.Role
	destructive bool
	results     []Result

	mu   sync.Mutex
	runs int
}

func (c *stubCheck) Name() string { return c.name }

func (c *stubCheck) Description() string { return "stub" }

func (c *stubCheck) Roles() []config.Role { return c.roles }

func (c *stubCheck) Destructive() bool { return c.destructive }

func (c *stubCheck) Run(ctx context.Context, ex executor.Executor) []Result {
	c.mu.Lock()
	c.runs++
	c.mu.Unlock()
	return c.results
}

func (c *stubCheck) runCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runs
}

func passResult(check, node string) Result {
	return Result{Check: check, Node: node, Passed: true, Message: "ok"}
}

func failResult(check, node string) Result {
	return Result{Check: check, Node: node, Passed: false, Message: "broken"}
}
