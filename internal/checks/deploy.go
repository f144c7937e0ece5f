package checks

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/danmuck/fleetcheck/internal/config"
	"github.com/danmuck/fleetcheck/internal/executor"
)

// DeployCheck polls each node's ansible-pull log until the latest run
// reports a recap, then verifies the target service is active. A log
// may contain several runs (retries); only text after the most recent
// run-start marker counts.
type DeployCheck struct {
	Service  string
	LogPath  string
	Interval time.Duration
	Timeout  time.Duration
}

func NewDeployCheck(service string) *DeployCheck {
	return &DeployCheck{
		Service:  service,
		LogPath:  "/var/log/ansible-pull.log",
		Interval: 10 * time.Second,
		Timeout:  10 * time.Minute,
	}
}

func (c *DeployCheck) Name() string { return "deployment-complete" }

func (c *DeployCheck) Description() string { return "ansible-pull finished and the service is active" }

func (c *DeployCheck) Roles() []config.Role { return nil }

func (c *DeployCheck) Destructive() bool { return false }

func (c *DeployCheck) Run(ctx context.Context, ex executor.Executor) []Result {
	return RunOnNodes(ctx, ex, c.Name(), c.Roles(), func(ctx context.Context, node config.Node) Result {
		return timed(c.Name(), node.Name, func() (bool, string) {
			return c.poll(ctx, ex, node)
		})
	})
}

func (c *DeployCheck) poll(ctx context.Context, ex executor.Executor, node config.Node) (bool, string) {
	deadline := time.Now().Add(c.Timeout)
	for {
		res, err := ex.Exec(ctx, node.Name, "cat "+c.LogPath)
		if err != nil {
			return false, fmt.Sprintf("reading %s failed: %v", c.LogPath, err)
		}

		// A missing log means the pull has not started writing yet.
		if res.ExitCode == 0 {
			st := parsePullLog(res.Stdout)
			switch st.state {
			case pullFailed:
				// A failed run is terminal; retrying the poll cannot
				// un-fail it.
				return false, "ansible-pull failed: " + st.detail
			case pullSucceeded:
				return c.verifyService(ctx, ex, node)
			}
		}

		if time.Now().After(deadline) {
			return false, fmt.Sprintf("deployment did not complete within %s", c.Timeout)
		}
		if err := sleepCtx(ctx, c.Interval); err != nil {
			return false, fmt.Sprintf("deployment check interrupted: %v", err)
		}
	}
}

// verifyService confirms the deployed service actually came up.
func (c *DeployCheck) verifyService(ctx context.Context, ex executor.Executor, node config.Node) (bool, string) {
	res, err := ex.Exec(ctx, node.Name, "systemctl is-active "+c.Service)
	if err != nil {
		return false, fmt.Sprintf("service status query failed: %v", err)
	}
	state := strings.TrimSpace(res.Stdout)
	if res.ExitCode != 0 || state != "active" {
		return false, fmt.Sprintf("deployment finished but %s is %q", c.Service, state)
	}
	return true, fmt.Sprintf("deployment complete, %s active", c.Service)
}

type pullState int

const (
	pullPending pullState = iota
	pullSucceeded
	pullFailed
)

type pullStatus struct {
	state  pullState
	detail string
}

// runStartMarker opens every ansible-pull invocation in the log.
const runStartMarker = "Starting Ansible Pull"

var recapStats = regexp.MustCompile(`ok=(\d+)\s+changed=(\d+)\s+unreachable=(\d+)\s+failed=(\d+)`)

// parsePullLog classifies the latest run recorded in the log. Earlier
// runs are ignored entirely, so a retried deployment is judged by its
// final attempt only.
func parsePullLog(content string) pullStatus {
	idx := strings.LastIndex(content, runStartMarker)
	if idx < 0 {
		return pullStatus{state: pullPending}
	}
	tail := content[idx:]

	recap := strings.Index(tail, "PLAY RECAP")
	if recap < 0 {
		return pullStatus{state: pullPending}
	}

	m := recapStats.FindStringSubmatch(tail[recap:])
	if m == nil {
		// Recap header present but the summary line has not flushed yet.
		return pullStatus{state: pullPending}
	}
	unreachable, _ := strconv.Atoi(m[3])
	failed, _ := strconv.Atoi(m[4])
	if unreachable > 0 || failed > 0 {
		return pullStatus{
			state:  pullFailed,
			detail: fmt.Sprintf("unreachable=%d failed=%d", unreachable, failed),
		}
	}
	return pullStatus{state: pullSucceeded}
}
