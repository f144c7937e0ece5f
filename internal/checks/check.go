// Package checks defines the fleet verification contract and the engine
// that schedules checks in sequential groups of parallel runs.
package checks

import (
	"context"
	"fmt"
	"time"

	"github.com/danmuck/fleetcheck/internal/config"
	"github.com/danmuck/fleetcheck/internal/executor"
)

// Check is one unit of fleet verification. A check may produce several
// results (typically one per node it ran on).
type Check interface {
	Name() string
	Description() string
	// Roles limits which nodes the check applies to; nil means all.
	Roles() []config.Role
	// Destructive checks may alter fleet state and run only when the
	// fleet settings permit them.
	Destructive() bool
	Run(ctx context.Context, ex executor.Executor) []Result
}

// Result is one immutable pass/fail verdict. Node is empty for
// cluster-global results.
type Result struct {
	Check   string
	Node    string
	Passed  bool
	Message string
	Elapsed time.Duration
}

// Group is an ordered set of checks that run concurrently. Groups
// themselves run strictly in sequence.
type Group struct {
	Name   string
	Checks []Check
}

// RunOnNodes fans perNode out across every node matching roles and joins
// all results. A failing node never cancels its siblings; a panicking
// perNode is converted into a failing result rather than crashing the
// engine. Results come back in node order.
func RunOnNodes(ctx context.Context, ex executor.Executor, checkName string,
	roles []config.Role, perNode func(ctx context.Context, node config.Node) Result,
) []Result {
	var nodes []config.Node
	for _, n := range ex.Nodes() {
		if matchesRole(n.Role, roles) {
			nodes = append(nodes, n)
		}
	}

	results := make([]Result, len(nodes))
	done := make(chan struct{})
	for i, n := range nodes {
		go func(i int, n config.Node) {
			defer func() {
				if r := recover(); r != nil {
					results[i] = Result{
						Check:   checkName,
						Node:    n.Name,
						Passed:  false,
						Message: fmt.Sprintf("check panicked: %v", r),
					}
				}
				done <- struct{}{}
			}()
			results[i] = perNode(ctx, n)
		}(i, n)
	}
	for range nodes {
		<-done
	}
	return results
}

func matchesRole(role config.Role, roles []config.Role) bool {
	if len(roles) == 0 {
		return true
	}
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
}

// timed produces a result for checkName on node, measuring fn.
func timed(checkName, node string, fn func() (bool, string)) Result {
	start := time.Now()
	ok, msg := fn()
	return Result{
		Check:   checkName,
		Node:    node,
		Passed:  ok,
		Message: msg,
		Elapsed: time.Since(start),
	}
}
