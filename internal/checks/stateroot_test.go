package checks

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danmuck/fleetcheck/internal/executor"
)

// ledgerStub serves scripted {number, state_root} answers per node; a
// node may advance across calls to model catching up.
func ledgerStub(answers map[string][]ledgerInfo) func(string, string, int) (executor.CommandResult, error) {
	return func(node, command string, call int) (executor.CommandResult, error) {
		series := answers[node]
		if len(series) == 0 {
			return executor.CommandResult{ExitCode: 22}, nil
		}
		if call >= len(series) {
			call = len(series) - 1
		}
		info := series[call]
		return executor.CommandResult{
			Stdout: fmt.Sprintf(`{"number": %d, "state_root": %q}`, info.Number, info.StateRoot),
		}, nil
	}
}

func runStateRoot(t *testing.T, answers map[string][]ledgerInfo) map[string]Result {
	t.Helper()
	ex := newStubExec(testFleet(), ledgerStub(answers))
	check := &StateRootCheck{Retries: 2, Interval: time.Millisecond}
	results := check.Run(context.Background(), ex)

	byNode := make(map[string]Result, len(results))
	for _, r := range results {
		byNode[r.Node] = r
	}
	return byNode
}

func TestStateRootMatchPasses(t *testing.T) {
	byNode := runStateRoot(t, map[string][]ledgerInfo{
		"p1": {{Number: 100, StateRoot: "abcd"}},
		"s1": {{Number: 100, StateRoot: "abcd"}},
		"b1": {{Number: 100, StateRoot: "abcd"}},
	})
	require.Len(t, byNode, 2, "one result per replica")
	assert.True(t, byNode["s1"].Passed)
	assert.Equal(t, "state root matches at slot 100", byNode["s1"].Message)
	assert.True(t, byNode["b1"].Passed)
}

func TestStateRootReplicaBehind(t *testing.T) {
	byNode := runStateRoot(t, map[string][]ledgerInfo{
		"p1": {{Number: 100, StateRoot: "abcd"}},
		"s1": {{Number: 98, StateRoot: "aaaa"}}, // never catches up
		"b1": {{Number: 100, StateRoot: "abcd"}},
	})
	assert.False(t, byNode["s1"].Passed)
	assert.Contains(t, byNode["s1"].Message, "replica behind")
	assert.Contains(t, byNode["s1"].Message, "98 < 100")
	assert.True(t, byNode["b1"].Passed)
}

func TestStateRootReplicaCatchesUpWithinWindow(t *testing.T) {
	byNode := runStateRoot(t, map[string][]ledgerInfo{
		"p1": {{Number: 100, StateRoot: "abcd"}},
		"s1": {{Number: 98, StateRoot: "x"}, {Number: 100, StateRoot: "abcd"}},
		"b1": {{Number: 100, StateRoot: "abcd"}},
	})
	assert.True(t, byNode["s1"].Passed)
	assert.Equal(t, "state root matches at slot 100", byNode["s1"].Message)
}

func TestStateRootReplicaAhead(t *testing.T) {
	byNode := runStateRoot(t, map[string][]ledgerInfo{
		"p1": {{Number: 100, StateRoot: "abcd"}},
		"s1": {{Number: 103, StateRoot: "eeee"}},
		"b1": {{Number: 100, StateRoot: "abcd"}},
	})
	assert.False(t, byNode["s1"].Passed)
	assert.Contains(t, byNode["s1"].Message, "replica ahead")
}

func TestStateRootDigestMismatch(t *testing.T) {
	byNode := runStateRoot(t, map[string][]ledgerInfo{
		"p1": {{Number: 100, StateRoot: "abcd"}},
		"s1": {{Number: 100, StateRoot: "ffff"}},
		"b1": {{Number: 100, StateRoot: "abcd"}},
	})
	assert.False(t, byNode["s1"].Passed)
	assert.Contains(t, byNode["s1"].Message, "state root mismatch")
	assert.Contains(t, byNode["s1"].Message, "ffff != abcd")
}

func TestStateRootPrimaryQueryFailure(t *testing.T) {
	ex := newStubExec(testFleet(), func(node, command string, call int) (executor.CommandResult, error) {
		return executor.CommandResult{}, fmt.Errorf("node unreachable")
	})
	check := &StateRootCheck{Retries: 1, Interval: time.Millisecond}
	results := check.Run(context.Background(), ex)
	require.Len(t, results, 1)
	assert.False(t, results[0].Passed)
	assert.Equal(t, "p1", results[0].Node)
	assert.Contains(t, results[0].Message, "primary ledger query failed")
}
