package checks

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danmuck/fleetcheck/internal/config"
	"github.com/danmuck/fleetcheck/internal/executor"
)

func TestRunValidationStopsAfterFailingGroup(t *testing.T) {
	c1 := &stubCheck{name: "c1", results: []Result{passResult("c1", "p1")}}
	c2 := &stubCheck{name: "c2", results: []Result{passResult("c2", "p1"), failResult("c2", "s1")}}
	c3 := &stubCheck{name: "c3", results: []Result{passResult("c3", "p1")}}

	ex := newStubExec(testFleet(), nil)
	engine := NewEngine(ex, []Group{
		{Name: "g1", Checks: []Check{c1}},
		{Name: "g2", Checks: []Check{c2}},
		{Name: "g3", Checks: []Check{c3}},
	}, false)

	var seen []Result
	sum, err := engine.RunValidation(context.Background(), false, func(r Result) {
		seen = append(seen, r)
	})
	require.NoError(t, err)

	assert.Equal(t, 2, sum.Passed)
	assert.Equal(t, 1, sum.Failed)
	// The failing group still completes fully; the next group never runs.
	assert.Len(t, sum.Results, 3)
	assert.Equal(t, 1, c1.runCount())
	assert.Equal(t, 1, c2.runCount())
	assert.Equal(t, 0, c3.runCount())
	// Progressive reporting saw every recorded result.
	assert.Len(t, seen, 3)
}

func TestRunValidationDestructiveRequiresOptIn(t *testing.T) {
	boom := &stubCheck{name: "wipe", destructive: true, results: []Result{passResult("wipe", "p1")}}
	ex := newStubExec(testFleet(), nil)
	engine := NewEngine(ex, []Group{{Name: "g", Checks: []Check{boom}}}, false)

	_, err := engine.RunValidation(context.Background(), true, nil)
	require.ErrorIs(t, err, ErrDestructiveNotAllowed)
	assert.Equal(t, 0, boom.runCount(), "policy failure must precede any execution")
}

func TestRunValidationFiltersByDestructiveFlag(t *testing.T) {
	safe := &stubCheck{name: "safe", results: []Result{passResult("safe", "p1")}}
	wipe := &stubCheck{name: "wipe", destructive: true, results: []Result{passResult("wipe", "p1")}}
	ex := newStubExec(testFleet(), nil)
	engine := NewEngine(ex, []Group{{Name: "g", Checks: []Check{safe, wipe}}}, true)

	sum, err := engine.RunValidation(context.Background(), false, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, safe.runCount())
	assert.Equal(t, 0, wipe.runCount())
	assert.Len(t, sum.Results, 1)

	sum, err = engine.RunValidation(context.Background(), true, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, wipe.runCount())
	assert.Len(t, sum.Results, 1)
}

func TestRunOnNodesRoleFilter(t *testing.T) {
	ex := newStubExec(testFleet(), nil)

	results := RunOnNodes(context.Background(), ex, "c", []config.Role{config.RoleSecondary, config.RoleBackup},
		func(ctx context.Context, node config.Node) Result {
			return passResult("c", node.Name)
		})
	require.Len(t, results, 2)
	assert.Equal(t, "s1", results[0].Node)
	assert.Equal(t, "b1", results[1].Node)

	all := RunOnNodes(context.Background(), ex, "c", nil,
		func(ctx context.Context, node config.Node) Result {
			return passResult("c", node.Name)
		})
	assert.Len(t, all, 3)
}

func TestRunOnNodesConvertsPanicToFailure(t *testing.T) {
	ex := newStubExec(testFleet(), nil)
	results := RunOnNodes(context.Background(), ex, "c", nil,
		func(ctx context.Context, node config.Node) Result {
			if node.Name == "s1" {
				panic("unexpected response shape")
			}
			return passResult("c", node.Name)
		})
	require.Len(t, results, 3)

	var failed *Result
	for i := range results {
		if !results[i].Passed {
			failed = &results[i]
		}
	}
	require.NotNil(t, failed, "panicking node must produce a failing result")
	assert.Equal(t, "s1", failed.Node)
	assert.Contains(t, failed.Message, "unexpected response shape")
}

// Compile-time check that the stub satisfies the real contract.
var _ executor.Executor = (*stubExec)(nil)
