// Command fleetcheck drives shell commands and validation checks across
// a fleet of remote nodes declared in a YAML fleet definition.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/danmuck/fleetcheck/internal/checks"
	"github.com/danmuck/fleetcheck/internal/config"
	"github.com/danmuck/fleetcheck/internal/executor"
	"github.com/danmuck/fleetcheck/internal/logging"
)

func main() {
	logging.ConfigureRuntime()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		log.Error().Err(err).Msg("fleetcheck failed")
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "fleetcheck",
		Short:         "remote-node validation harness",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "fleet.yaml", "path to the fleet definition")

	root.AddCommand(
		newCheckCmd(&configPath),
		newExecCmd(&configPath),
		newValidateCmd(&configPath),
		newAnsiblePullCmd(&configPath),
		newInitCmd(&configPath),
		newLintCmd(&configPath),
	)
	return root
}

func newInitCmd(configPath *string) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "write a starter fleet definition",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.WriteTemplate(*configPath, force); err != nil {
				return err
			}
			fmt.Printf("wrote fleet template to %s\n", *configPath)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing fleet definition")
	return cmd
}

func newLintCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "lint",
		Short: "validate the fleet definition without touching any node",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			fmt.Printf("%s: %d nodes ok\n", *configPath, len(cfg.Nodes))
			return nil
		},
	}
}

// openFleet loads the fleet definition and constructs its executor.
func openFleet(ctx context.Context, path string) (config.Config, executor.Executor, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, nil, err
	}
	ex, err := executor.New(ctx, cfg.Nodes)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, ex, nil
}

func newCheckCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "verify every node is reachable",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			_, ex, err := openFleet(ctx, *configPath)
			if err != nil {
				return err
			}
			defer ex.Close(ctx)

			outcomes := ex.ExecOnAll(ctx, "true")
			unreachable := 0
			for _, name := range sortedNodes(outcomes) {
				oc := outcomes[name]
				if oc.Err != nil || oc.Result.ExitCode != 0 {
					unreachable++
					fmt.Printf("FAIL %s: %v\n", name, outcomeError(oc))
					continue
				}
				fmt.Printf("ok   %s\n", name)
			}
			if unreachable > 0 {
				return fmt.Errorf("%d of %d nodes unreachable", unreachable, len(outcomes))
			}
			return nil
		},
	}
}

func newExecCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "exec <command>...",
		Short: "run a raw command on every node",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			_, ex, err := openFleet(ctx, *configPath)
			if err != nil {
				return err
			}
			defer ex.Close(ctx)

			command := strings.Join(args, " ")
			outcomes := ex.ExecOnAll(ctx, command)

			failures := 0
			for _, name := range sortedNodes(outcomes) {
				oc := outcomes[name]
				fmt.Printf("--- %s ---\n", name)
				if oc.Err != nil {
					failures++
					fmt.Printf("error: %v\n", oc.Err)
					continue
				}
				if out := strings.TrimRight(oc.Result.Stdout, "\n"); out != "" {
					fmt.Println(out)
				}
				if errOut := strings.TrimRight(oc.Result.Stderr, "\n"); errOut != "" {
					fmt.Println(errOut)
				}
				if oc.Result.ExitCode != 0 {
					failures++
					fmt.Printf("exit %d\n", oc.Result.ExitCode)
				}
			}
			if failures > 0 {
				return fmt.Errorf("command failed on %d of %d nodes", failures, len(outcomes))
			}
			return nil
		},
	}
}

func newValidateCmd(configPath *string) *cobra.Command {
	var destructive bool

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "run the validation check groups against the fleet",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, ex, err := openFleet(ctx, *configPath)
			if err != nil {
				return err
			}
			defer ex.Close(ctx)

			engine := checks.NewEngine(ex, defaultGroups(cfg), cfg.Settings.AllowDestructive)
			sum, err := engine.RunValidation(ctx, destructive, printResult)
			if err != nil {
				return err
			}
			fmt.Printf("\n%d passed, %d failed\n", sum.Passed, sum.Failed)
			if sum.Failed > 0 {
				return fmt.Errorf("validation failed")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&destructive, "destructive", false, "run destructive checks (requires fleet opt-in)")
	return cmd
}

func newAnsiblePullCmd(configPath *string) *cobra.Command {
	var branch string

	cmd := &cobra.Command{
		Use:   "ansible-pull",
		Short: "trigger a configuration pull on every node",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			_, ex, err := openFleet(ctx, *configPath)
			if err != nil {
				return err
			}
			defer ex.Close(ctx)

			// Detached: the pull runs for minutes and logs to its own
			// file, which the deployment check follows.
			pull := "/usr/local/sbin/run-ansible-pull"
			if branch != "" {
				pull += " --branch " + branch
			}
			command := "nohup sudo " + pull + " >/dev/null 2>&1 &"

			outcomes := ex.ExecOnAll(ctx, command)
			failures := 0
			for _, name := range sortedNodes(outcomes) {
				oc := outcomes[name]
				if oc.Err != nil || oc.Result.ExitCode != 0 {
					failures++
					fmt.Printf("FAIL %s: %v\n", name, outcomeError(oc))
					continue
				}
				fmt.Printf("ok   %s: pull triggered\n", name)
			}
			if failures > 0 {
				return fmt.Errorf("pull failed on %d of %d nodes", failures, len(outcomes))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&branch, "ansible-pull-branch", "", "branch to pull instead of the default")
	return cmd
}

// defaultGroups is the standard validation plan: deployment completion
// first, then chain consistency. Later groups only run when earlier
// ones pass.
func defaultGroups(cfg config.Config) []checks.Group {
	return []checks.Group{
		{Name: "deployment", Checks: []checks.Check{
			checks.NewDeployCheck(cfg.Settings.Service),
		}},
		{Name: "consistency", Checks: []checks.Check{
			checks.NewHeightCheck(),
			checks.NewStateRootCheck(),
		}},
	}
}

func printResult(r checks.Result) {
	status := "PASS"
	if !r.Passed {
		status = "FAIL"
	}
	target := r.Node
	if target == "" {
		target = "cluster"
	}
	fmt.Printf("%s [%s] %s: %s (%s)\n", status, r.Check, target, r.Message, r.Elapsed.Round(time.Millisecond))
}

func sortedNodes(outcomes map[string]executor.Outcome) []string {
	names := make([]string, 0, len(outcomes))
	for name := range outcomes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func outcomeError(oc executor.Outcome) error {
	if oc.Err != nil {
		return oc.Err
	}
	return fmt.Errorf("exit %d: %s", oc.Result.ExitCode, strings.TrimSpace(oc.Result.Stderr))
}
