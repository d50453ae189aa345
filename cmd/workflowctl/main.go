// Command workflowctl is the CLI entry point that exercises the
// workflow-core engine: decoding a workflow document from disk, running
// it, and reporting the outcome via the exit codes §6 names for a
// command wrapper. The engine itself never touches a file or the process
// environment — this binary is the one place that does.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/yourorg/workflow-core/pkg/plan"
	"github.com/yourorg/workflow-core/pkg/workflow"
)

const (
	exitSuccess      = 0
	exitStepsFailed  = 2
	exitConfigInvalid = 3
	exitCancelled    = 130
)

var (
	cfgFile  string
	logLevel string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitConfigInvalid)
	}
}

var rootCmd = &cobra.Command{
	Use:   "workflowctl",
	Short: "Declarative multi-step REST API workflow runner",
	Long: `workflowctl drives workflow-core's DAG-based workflow engine: it
decodes a workflow document, resolves its dependency graph into phases,
and runs each phase's steps with templated requests, retries, and
optional async polling.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "workflow.yaml", "path to the workflow document")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(planCmd)
}

func newLogger() *zap.Logger {
	cfg := zap.NewProductionConfig()
	_ = cfg.Level.UnmarshalText([]byte(viper.GetString("log_level")))
	logger, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the workflow and print its report",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := newLogger()
		defer logger.Sync()

		cfg, err := loadWorkflowConfig(viper.GetString("config"))
		if err != nil {
			logger.Error("failed to load workflow config", zap.Error(err))
			os.Exit(exitConfigInvalid)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		engine := workflow.NewEngine(logger)
		report, err := engine.Execute(ctx, cfg, osEnvSource{})
		if err != nil {
			if ctx.Err() != nil {
				os.Exit(exitCancelled)
			}
			logger.Error("workflow failed to start", zap.Error(err))
			os.Exit(exitConfigInvalid)
		}

		output, _ := json.MarshalIndent(report, "", "  ")
		fmt.Println(string(output))

		if ctx.Err() != nil {
			os.Exit(exitCancelled)
		}
		if report.FailedSteps > 0 {
			os.Exit(exitStepsFailed)
		}
		return nil
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a workflow document without running it",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadWorkflowConfig(viper.GetString("config"))
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(exitConfigInvalid)
		}
		if err := cfg.Validate(); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(exitConfigInvalid)
		}
		if _, err := plan.Build(cfg); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(exitConfigInvalid)
		}
		fmt.Println("workflow is valid")
		return nil
	},
}

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Print the phased execution plan without running it",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadWorkflowConfig(viper.GetString("config"))
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(exitConfigInvalid)
		}
		if err := cfg.Validate(); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(exitConfigInvalid)
		}

		p, err := plan.Build(cfg)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(exitConfigInvalid)
		}

		printPlan(p)
		return nil
	},
}

func printPlan(p *plan.ExecutionPlan) {
	for i, ph := range p.Phases {
		fmt.Printf("phase %d:\n", i)
		for _, s := range ph.Sequential {
			fmt.Printf("  sequential: %s\n", s.Name)
		}
		for _, g := range ph.ParallelGroups {
			names := make([]string, 0, len(g.Steps))
			for _, s := range g.Steps {
				names = append(names, s.Name)
			}
			fmt.Printf("  group %s: %v\n", g.Name, names)
		}
	}
}
