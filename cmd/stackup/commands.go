package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// SetVersionInfo sets the version information from main.
func SetVersionInfo(v, c, d string) {
	version = v
	commit = c
	date = d
}

// rootFlags are the flags shared by every subcommand.
type rootFlags struct {
	configPath string
	envFile    string
}

// Root returns the root command for the stackup CLI.
func Root() *cobra.Command {
	flags := &rootFlags{}

	cmd := &cobra.Command{
		Use:           "stackup",
		Short:         "Bring up dependent stacks on a swarm cluster and hand them to a control plane",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "stackup.yaml", "Path to configuration file")
	cmd.PersistentFlags().StringVar(&flags.envFile, "env-file", ".env", "Path to the parameter file")

	cmd.AddCommand(Run(flags))
	cmd.AddCommand(Plan(flags))
	cmd.AddCommand(Reconcile(flags))
	cmd.AddCommand(Status(flags))
	cmd.AddCommand(Version())

	return cmd
}

// Run returns the command that deploys every unit and reconciles.
func Run(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Deploy all units in dependency order, then hand them to the control plane",
		Long: `Deploy all units in dependency order, then hand them to the control plane.

Units within a stage deploy concurrently. Each stage waits for the readiness
probes of the previous one. When a control plane is configured, adoptable
units are torn down and recreated through it once every stage completed.

Examples:
  # Deploy using stackup.yaml and .env in the current directory
  stackup run

  # Use a specific configuration
  stackup run -c production.yaml --env-file production.env`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runRollout(cmd.Context(), flags, cmd.OutOrStdout(), false)
		},
	}
}

// Reconcile returns the command that only performs the control-plane handoff.
func Reconcile(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Hand units deployed by an earlier run to the control plane",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runRollout(cmd.Context(), flags, cmd.OutOrStdout(), true)
		},
	}
}

// Plan returns the command that validates and prints the deployment plan.
func Plan(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "plan",
		Short: "Validate units and print the deployment stages",
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := NewApp(cmd.Context(), AppOptions{
				ConfigPath: flags.configPath,
				EnvFile:    flags.envFile,
				LogOutput:  cmd.ErrOrStderr(),
			})
			if err != nil {
				return err
			}
			defer app.Close()

			prepared, err := app.Runner.Plan(app.Plan, app.Env)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), renderPlan(prepared, app.Plan))
			return nil
		},
	}
}

// Status returns the command that prints persisted unit state and recent runs.
func Status(flags *rootFlags) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the recorded state of every unit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			app, err := NewApp(ctx, AppOptions{
				ConfigPath: flags.configPath,
				EnvFile:    flags.envFile,
				LogOutput:  cmd.ErrOrStderr(),
			})
			if err != nil {
				return err
			}
			defer app.Close()

			records, err := app.Runner.Status(ctx)
			if err != nil {
				return err
			}
			runs, err := app.Runner.Runs(ctx, limit)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), renderStatus(records, runs))
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "runs", 10, "Number of recent runs to show")

	return cmd
}

// Version returns the version command.
func Version() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "stackup %s\n", version)
			fmt.Fprintf(out, "  commit: %s\n", commit)
			fmt.Fprintf(out, "  built:  %s\n", date)
		},
	}
}

// runRollout executes a run or a reconcile-only pass and prints the report.
// Runs that finish with failed units exit non-zero.
func runRollout(ctx context.Context, flags *rootFlags, out io.Writer, reconcileOnly bool) error {
	if ctx == nil {
		ctx = context.Background()
	}

	app, err := NewApp(ctx, AppOptions{
		ConfigPath: flags.configPath,
		EnvFile:    flags.envFile,
		Connect:    true,
	})
	if err != nil {
		return err
	}
	defer app.Close()

	run := app.Runner.Run
	if reconcileOnly {
		run = app.Runner.Reconcile
	}

	report, err := run(ctx, app.Plan, app.Env)
	if report != nil {
		var ingressIP string
		if ips := app.Config.DNS.ExpectedIPs; len(ips) > 0 {
			ingressIP = ips[0]
		}
		fmt.Fprint(out, renderReport(report, ingressIP))
	}
	if err != nil {
		return err
	}

	if failed := report.Failed(); len(failed) > 0 {
		return &AppError{
			Op:       "Run",
			Err:      fmt.Errorf("%d unit(s) failed", len(failed)),
			ExitCode: ExitRunFailure,
		}
	}
	return nil
}
