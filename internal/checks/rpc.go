package checks

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/fleetcheck/internal/config"
	"github.com/danmuck/fleetcheck/internal/executor"
)

// Checks reach a node's RPC surface through the executor rather than
// over the network: the endpoints listen on localhost of the node.

// heightsPath returns [rollup height, visible slot number].
const heightsPath = "/v1/heights"

// ledgerPath returns the latest ledger slot {number, state_root}.
const ledgerPath = "/v1/ledger/latest"

type ledgerInfo struct {
	Number    uint64 `json:"number"`
	StateRoot string `json:"state_root"`
}

// queryJSON fetches a local RPC endpoint on the node via curl and
// decodes the JSON body into out.
func queryJSON(ctx context.Context, ex executor.Executor, node config.Node, path string, out any) error {
	cmd := fmt.Sprintf("curl -sf http://127.0.0.1:%d%s", node.RPCPort, path)
	res, err := ex.Exec(ctx, node.Name, cmd)
	if err != nil {
		return fmt.Errorf("query %s: %w", path, err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("query %s: curl exited %d", path, res.ExitCode)
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(res.Stdout)), out); err != nil {
		return fmt.Errorf("query %s: unexpected response %q: %w", path, firstLine(res.Stdout), err)
	}
	return nil
}

func queryHeight(ctx context.Context, ex executor.Executor, node config.Node) (uint64, error) {
	var pair [2]uint64
	if err := queryJSON(ctx, ex, node, heightsPath, &pair); err != nil {
		return 0, err
	}
	return pair[0], nil
}

func queryLedger(ctx context.Context, ex executor.Executor, node config.Node) (ledgerInfo, error) {
	var info ledgerInfo
	if err := queryJSON(ctx, ex, node, ledgerPath, &info); err != nil {
		return ledgerInfo{}, err
	}
	return info, nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// sleepCtx waits d, or less when ctx ends first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
