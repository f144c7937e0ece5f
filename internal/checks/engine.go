package checks

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/fleetcheck/internal/executor"
)

var ErrDestructiveNotAllowed = errors.New("checks: destructive checks are not permitted by fleet settings")

// Engine runs an explicit, injected list of check groups against the
// fleet. Checks inside a group run concurrently; groups run in order,
// and a failure in one group stops all later groups.
type Engine struct {
	groups           []Group
	exec             executor.Executor
	allowDestructive bool
}

func NewEngine(ex executor.Executor, groups []Group, allowDestructive bool) *Engine {
	return &Engine{groups: groups, exec: ex, allowDestructive: allowDestructive}
}

// Summary aggregates one validation run.
type Summary struct {
	Passed  int
	Failed  int
	Results []Result
}

// RunValidation runs every group whose checks match the requested
// destructive flag. onResult, when non-nil, is invoked for each result
// as it is recorded, for progressive reporting. A group always finishes
// even when some of its checks fail; subsequent groups do not start.
func (e *Engine) RunValidation(ctx context.Context, destructive bool, onResult func(Result)) (Summary, error) {
	if destructive && !e.allowDestructive {
		return Summary{}, ErrDestructiveNotAllowed
	}

	var sum Summary
	for _, group := range e.groups {
		checks := filterChecks(group.Checks, destructive)
		if len(checks) == 0 {
			continue
		}
		log.Info().Str("group", group.Name).Int("checks", len(checks)).Msg("running check group")

		results := runGroup(ctx, e.exec, checks, onResult)
		for _, r := range results {
			if r.Passed {
				sum.Passed++
			} else {
				sum.Failed++
			}
		}
		sum.Results = append(sum.Results, results...)

		if sum.Failed > 0 {
			log.Warn().Str("group", group.Name).Int("failed", sum.Failed).
				Msg("stopping after failing group")
			break
		}
	}
	return sum, nil
}

// runGroup runs all checks concurrently and flattens their results in
// check order. onResult fires in completion order as each check's
// results land.
func runGroup(ctx context.Context, ex executor.Executor, checks []Check, onResult func(Result)) []Result {
	perCheck := make([][]Result, len(checks))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i, c := range checks {
		wg.Add(1)
		go func(i int, c Check) {
			defer wg.Done()
			results := c.Run(ctx, ex)
			mu.Lock()
			perCheck[i] = results
			if onResult != nil {
				for _, r := range results {
					onResult(r)
				}
			}
			mu.Unlock()
		}(i, c)
	}
	wg.Wait()

	var flat []Result
	for _, rs := range perCheck {
		flat = append(flat, rs...)
	}
	return flat
}

func filterChecks(checks []Check, destructive bool) []Check {
	var out []Check
	for _, c := range checks {
		if c.Destructive() == destructive {
			out = append(out, c)
		}
	}
	return out
}
