package checks

import (
	"context"
	"fmt"
	"time"

	"github.com/danmuck/fleetcheck/internal/config"
	"github.com/danmuck/fleetcheck/internal/executor"
)

// StateRootCheck verifies that every replica agrees with the primary on
// the state root of the primary's latest ledger slot. Replicas that lag
// are given a bounded window to catch up before being reported behind.
type StateRootCheck struct {
	Retries  int
	Interval time.Duration
}

func NewStateRootCheck() *StateRootCheck {
	return &StateRootCheck{Retries: 5, Interval: 2 * time.Second}
}

func (c *StateRootCheck) Name() string { return "replica-state-root" }

func (c *StateRootCheck) Description() string {
	return "replicas match the primary's ledger state root"
}

func (c *StateRootCheck) Roles() []config.Role { return nil }

func (c *StateRootCheck) Destructive() bool { return false }

func (c *StateRootCheck) Run(ctx context.Context, ex executor.Executor) []Result {
	primary, ok := findPrimary(ex.Nodes())
	if !ok {
		return []Result{{Check: c.Name(), Message: "no primary node in fleet"}}
	}

	// One reading of the primary; every replica is compared against it.
	start := time.Now()
	want, err := queryLedger(ctx, ex, primary)
	if err != nil {
		return []Result{{
			Check:   c.Name(),
			Node:    primary.Name,
			Message: fmt.Sprintf("primary ledger query failed: %v", err),
			Elapsed: time.Since(start),
		}}
	}

	replicaRoles := []config.Role{config.RoleSecondary, config.RoleBackup}
	return RunOnNodes(ctx, ex, c.Name(), replicaRoles, func(ctx context.Context, node config.Node) Result {
		return timed(c.Name(), node.Name, func() (bool, string) {
			return c.compare(ctx, ex, node, want)
		})
	})
}

func (c *StateRootCheck) compare(ctx context.Context, ex executor.Executor, node config.Node, want ledgerInfo) (bool, string) {
	var got ledgerInfo
	for attempt := 0; ; attempt++ {
		var err error
		got, err = queryLedger(ctx, ex, node)
		if err != nil {
			return false, fmt.Sprintf("ledger query failed: %v", err)
		}
		if got.Number >= want.Number || attempt >= c.Retries {
			break
		}
		if err := sleepCtx(ctx, c.Interval); err != nil {
			return false, fmt.Sprintf("state root check interrupted: %v", err)
		}
	}

	switch {
	case got.Number < want.Number:
		return false, fmt.Sprintf("replica behind primary: slot %d < %d", got.Number, want.Number)
	case got.Number > want.Number:
		return false, fmt.Sprintf("replica ahead of primary: slot %d > %d", got.Number, want.Number)
	case got.StateRoot != want.StateRoot:
		return false, fmt.Sprintf("state root mismatch at slot %d: %s != %s",
			want.Number, got.StateRoot, want.StateRoot)
	default:
		return true, fmt.Sprintf("state root matches at slot %d", want.Number)
	}
}

func findPrimary(nodes []config.Node) (config.Node, bool) {
	for _, n := range nodes {
		if n.Role == config.RolePrimary {
			return n, true
		}
	}
	return config.Node{}, false
}
