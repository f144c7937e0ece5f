package checks

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/danmuck/fleetcheck/internal/config"
	"github.com/danmuck/fleetcheck/internal/executor"
)

// HeightCheck verifies that a node's reported rollup height strictly
// increases across a fixed number of samples.
type HeightCheck struct {
	Samples  int
	Interval time.Duration
}

func NewHeightCheck() *HeightCheck {
	return &HeightCheck{Samples: 3, Interval: 10 * time.Second}
}

func (c *HeightCheck) Name() string { return "height-increasing" }

func (c *HeightCheck) Description() string { return "rollup height strictly increases over time" }

func (c *HeightCheck) Roles() []config.Role { return nil }

func (c *HeightCheck) Destructive() bool { return false }

func (c *HeightCheck) Run(ctx context.Context, ex executor.Executor) []Result {
	return RunOnNodes(ctx, ex, c.Name(), c.Roles(), func(ctx context.Context, node config.Node) Result {
		return timed(c.Name(), node.Name, func() (bool, string) {
			return c.sample(ctx, ex, node)
		})
	})
}

// sample takes the first reading immediately and each subsequent one
// after the interval. Any query error fails the check at once; the
// remaining samples are not taken.
func (c *HeightCheck) sample(ctx context.Context, ex executor.Executor, node config.Node) (bool, string) {
	heights := make([]uint64, 0, c.Samples)
	for i := 0; i < c.Samples; i++ {
		if i > 0 {
			if err := sleepCtx(ctx, c.Interval); err != nil {
				return false, fmt.Sprintf("height check interrupted: %v", err)
			}
		}
		h, err := queryHeight(ctx, ex, node)
		if err != nil {
			return false, fmt.Sprintf("height query failed: %v", err)
		}
		heights = append(heights, h)
	}

	for i := 1; i < len(heights); i++ {
		if heights[i] <= heights[i-1] {
			return false, "height did not increase: " + joinHeights(heights)
		}
	}
	return true, "height increased: " + joinHeights(heights)
}

func joinHeights(heights []uint64) string {
	parts := make([]string, len(heights))
	for i, h := range heights {
		parts[i] = strconv.FormatUint(h, 10)
	}
	return strings.Join(parts, " -> ")
}
