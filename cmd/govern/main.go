// Command govern is the CLI for the hierarchical governance kernel: a
// weighted multi-agent review council with budget-aware routing, bounded
// mediation, and institutional memory.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/AA967-LLM/gemini-agent-governance-kernel/internal/config"
	"github.com/AA967-LLM/gemini-agent-governance-kernel/internal/feedback"
	"github.com/AA967-LLM/gemini-agent-governance-kernel/internal/kernel"
	"github.com/AA967-LLM/gemini-agent-governance-kernel/internal/operator"
	"github.com/AA967-LLM/gemini-agent-governance-kernel/internal/types"
)

var (
	// Global flags
	verbose    bool
	workspace  string
	configPath string
	timeout    time.Duration

	// Logger
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "govern",
	Short: "govern - hierarchical governance kernel for multi-agent code review",
	Long: `govern runs proposed changes through a council of heterogeneous AI agents.

A lead architect and an adversarial validator (plus any configured
specialists) vote with weighted confidence; validators hold veto power over
high-confidence failures. Deadlocks get one bounded mediation attempt,
repeated identical actions trip a loop detector that halts the system until
an operator clears it, and every decision is recorded for audit.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if workspace == "" {
			wd, err := os.Getwd()
			if err != nil {
				return fmt.Errorf("failed to determine workspace: %w", err)
			}
			workspace = wd
		}

		// Initialize logger
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = filepath.Join(workspace, ".govern", "config.yaml")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.Logging.Debug = true
		cfg.Logging.Level = "debug"
	}
	return cfg, nil
}

func openKernel() (*kernel.Kernel, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return kernel.New(cfg, workspace)
}

var reviewCmd = &cobra.Command{
	Use:   "review [file]",
	Short: "Run one artifact through a council review round",
	Long: `Reads the artifact from the given file (or stdin when omitted) and asks
the council for a consensus verdict. Exit status is non-zero when the
decision is FAIL and enforcing mode is on.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		contextText, _ := cmd.Flags().GetString("context")
		language, _ := cmd.Flags().GetString("language")
		domain, _ := cmd.Flags().GetString("domain")
		complexity, _ := cmd.Flags().GetInt("complexity")
		critical, _ := cmd.Flags().GetBool("security-critical")
		minCap, _ := cmd.Flags().GetInt("min-capability")
		session, _ := cmd.Flags().GetString("session")

		var artifact []byte
		var err error
		if len(args) == 1 {
			artifact, err = os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read artifact: %w", err)
			}
		} else {
			artifact, err = io.ReadAll(os.Stdin)
			if err != nil {
				return fmt.Errorf("read stdin: %w", err)
			}
		}
		if len(artifact) == 0 {
			return fmt.Errorf("nothing to review: empty artifact")
		}

		k, err := openKernel()
		if err != nil {
			return err
		}
		defer k.Close()

		task := types.Task{
			ID:               taskID(args),
			Payload:          string(artifact),
			Context:          contextText,
			Language:         language,
			Domain:           domain,
			Complexity:       complexity,
			SecurityCritical: critical,
			MinCapability:    minCap,
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		logger.Info("Submitting task for review",
			zap.String("task", task.ID),
			zap.Int("complexity", task.Complexity),
			zap.Bool("security_critical", task.SecurityCritical))

		outcome, err := k.ExecuteTask(ctx, task, session)

		var gerr *kernel.GovernanceError
		if errors.As(err, &gerr) {
			printJSON(outcome)
			return fmt.Errorf("review blocked: %s", gerr.Result.Reason)
		}
		if err != nil {
			return err
		}
		printJSON(outcome)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show provider budgets, halt state, and pending operator items",
	RunE: func(cmd *cobra.Command, args []string) error {
		k, err := openKernel()
		if err != nil {
			return err
		}
		defer k.Close()

		if k.Halted() {
			fmt.Printf("HALT ACTIVE: %s\n", k.Recorder.HaltReason())
			fmt.Println("Clear with: govern clear-halt --operator <name>")
		} else {
			fmt.Println("halt: inactive")
		}

		fmt.Println("\nProviders:")
		for _, s := range k.Budget.Snapshot() {
			fmt.Printf("  %-10s %-12s reqs %d/%d  tokens %d/%d  spend $%.4f/$%.2f (%.0f%%)\n",
				s.Provider, s.Health, s.WindowRequests, s.RequestCeiling,
				s.WindowTokens, s.TokenCeiling, s.PeriodCost, s.CostCeiling,
				s.Utilization()*100)
		}

		pending, err := k.Queue.Pending()
		if err != nil {
			return err
		}
		fmt.Printf("\nOperator queue: %d pending\n", len(pending))
		for _, e := range pending {
			fmt.Printf("  [%s] %s %s (created %s)\n", e.Kind, e.ID, e.HaltReason, e.CreatedAt.Format(time.RFC3339))
		}
		return nil
	},
}

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "List council members and their health",
	RunE: func(cmd *cobra.Command, args []string) error {
		k, err := openKernel()
		if err != nil {
			return err
		}
		defer k.Close()

		for _, a := range k.Registry.ListAll() {
			veto := ""
			if a.VetoPower {
				veto = " [veto]"
			}
			fmt.Printf("  %-24s %-10s weight=%.1f class=%d %s via %s/%s%s\n",
				a.ID, a.Health, a.Weight, a.CapabilityClass, a.Role, a.Provider, a.Model, veto)
		}
		return nil
	},
}

var clearHaltCmd = &cobra.Command{
	Use:   "clear-halt",
	Short: "Clear an active halt (operator action)",
	Long: `Writes a resolution into the operator queue. A running kernel picks it up
through the resolution watcher; a one-shot invocation applies it on the next
kernel start.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		op, _ := cmd.Flags().GetString("operator")
		note, _ := cmd.Flags().GetString("note")
		if op == "" {
			return fmt.Errorf("--operator is required: halt clears are audited")
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		queueDir := cfg.Operator.QueueDir
		if !filepath.IsAbs(queueDir) {
			queueDir = filepath.Join(workspace, queueDir)
		}
		res := operator.Resolution{Operator: op, Action: "clear_halt", Note: note}
		if err := operator.SubmitResolution(queueDir, res); err != nil {
			return err
		}
		fmt.Printf("halt clear submitted by %s\n", op)
		return nil
	},
}

var reportCmd = &cobra.Command{
	Use:   "report <round-id> <outcome>",
	Short: "Report the real-world outcome of a past decision",
	Long: `Feeds the post-execution result back into institutional memory. Outcome is
one of SUCCESS, FAILURE, INCIDENT. A FAILURE or INCIDENT after a PASS
decision teaches the council a new experimental constraint.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		detail, _ := cmd.Flags().GetString("detail")
		pattern, _ := cmd.Flags().GetString("pattern")
		language, _ := cmd.Flags().GetString("language")
		domain, _ := cmd.Flags().GetString("domain")

		outcome := feedback.Outcome(args[1])
		switch outcome {
		case feedback.OutcomeSuccess, feedback.OutcomeFailure, feedback.OutcomeIncident:
		default:
			return fmt.Errorf("outcome must be SUCCESS, FAILURE, or INCIDENT, got %q", args[1])
		}

		k, err := openKernel()
		if err != nil {
			return err
		}
		defer k.Close()

		// The round already concluded; reconstruct the minimum the loop needs.
		result := &types.ConsensusResult{RoundID: args[0], Decision: types.DecisionPass}
		learned, err := k.ReportOutcome(result, feedback.Report{
			Outcome: outcome,
			Detail:  detail,
			Pattern: pattern,
			Task:    types.Task{Language: language, Domain: domain},
		})
		if err != nil {
			return err
		}
		if learned != nil {
			fmt.Printf("learned constraint %s: %s\n", learned.ID, learned.Description)
			if learned.Warning != "" {
				fmt.Printf("  stored inactive: %s\n", learned.Warning)
			}
		} else {
			fmt.Println("outcome recorded")
		}
		return nil
	},
}

var constraintsCmd = &cobra.Command{
	Use:   "constraints",
	Short: "List active constraints in institutional memory",
	RunE: func(cmd *cobra.Command, args []string) error {
		language, _ := cmd.Flags().GetString("language")
		domain, _ := cmd.Flags().GetString("domain")

		k, err := openKernel()
		if err != nil {
			return err
		}
		defer k.Close()

		cs, err := k.Memory.Query(language, domain)
		if err != nil {
			return err
		}
		if len(cs) == 0 {
			fmt.Println("no active constraints")
			return nil
		}
		for _, c := range cs {
			fmt.Printf("  %s %s\n", c.ID, c.Render())
		}
		return nil
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config to .govern/config.yaml",
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := filepath.Join(workspace, ".govern")
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
		path := filepath.Join(dir, "config.yaml")
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists", path)
		}
		if err := config.Default().Save(path); err != nil {
			return err
		}
		fmt.Printf("wrote %s\n", path)
		fmt.Println("set GOVERN_GEMINI_API_KEY and GOVERN_GROQ_API_KEY to bind the council")
		return nil
	},
}

func taskID(args []string) string {
	if len(args) == 1 {
		return filepath.Base(args[0])
	}
	return fmt.Sprintf("stdin-%d", time.Now().Unix())
}

func printJSON(v interface{}) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "marshal output: %v\n", err)
		return
	}
	fmt.Println(string(data))
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "workspace directory (default: cwd)")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default: <workspace>/.govern/config.yaml)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 2*time.Minute, "overall operation timeout")

	reviewCmd.Flags().String("context", "", "review context shown to agents")
	reviewCmd.Flags().String("language", "", "artifact language")
	reviewCmd.Flags().String("domain", "general", "task domain (general, security, architecture, ...)")
	reviewCmd.Flags().Int("complexity", 3, "task complexity 1-5")
	reviewCmd.Flags().Bool("security-critical", false, "enforce the capability trust floor")
	reviewCmd.Flags().Int("min-capability", 0, "minimum agent capability class")
	reviewCmd.Flags().String("session", "", "session id (rounds in a session share the mediation budget)")

	clearHaltCmd.Flags().String("operator", "", "operator name (required)")
	clearHaltCmd.Flags().String("note", "", "audit note")

	reportCmd.Flags().String("detail", "", "what happened")
	reportCmd.Flags().String("pattern", "", "implicated code pattern")
	reportCmd.Flags().String("language", "", "task language")
	reportCmd.Flags().String("domain", "general", "task domain")

	constraintsCmd.Flags().String("language", "", "filter by language")
	constraintsCmd.Flags().String("domain", "general", "filter by domain")

	rootCmd.AddCommand(reviewCmd, statusCmd, agentsCmd, clearHaltCmd, reportCmd, constraintsCmd, initCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
