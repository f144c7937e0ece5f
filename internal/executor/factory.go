package executor

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/danmuck/fleetcheck/internal/config"
)

// New selects and constructs the executor matching the fleet's declared
// transport kind. Fleets must be transport-homogeneous; a mixed node
// list is rejected with the kinds found.
func New(ctx context.Context, nodes []config.Node) (Executor, error) {
	if len(nodes) == 0 {
		return nil, ErrNoNodes
	}

	seen := make(map[config.TransportKind]bool)
	for _, n := range nodes {
		seen[n.Transport.Kind] = true
	}
	if len(seen) > 1 {
		kinds := make([]string, 0, len(seen))
		for k := range seen {
			kinds = append(kinds, string(k))
		}
		sort.Strings(kinds)
		return nil, fmt.Errorf("%w: found %s", ErrMixedTransports, strings.Join(kinds, ", "))
	}

	switch nodes[0].Transport.Kind {
	case config.TransportSSM:
		return NewSSM(ctx, nodes)
	case config.TransportSSH:
		return NewSSH(nodes)
	case config.TransportLocal:
		return NewLocal(nodes)
	default:
		return nil, fmt.Errorf("%w: unknown transport kind %q", ErrWrongTransport, nodes[0].Transport.Kind)
	}
}
