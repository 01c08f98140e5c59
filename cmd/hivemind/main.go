package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"hivemind/internal/config"
	"hivemind/internal/logging"
	"hivemind/internal/provider"
	"hivemind/internal/scheduler"
	"hivemind/internal/store"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Global flags
	verbose       bool
	apiKey        string
	workspace     string
	maxConcurrent int
	ephemeral     bool

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "hivemind",
	Short: "hivemind - dynamic multi-agent task graph orchestrator",
	Long: `hivemind decomposes a goal into a growing graph of cooperating LLM agents:
parallel analysts, a reconciling lead, a synthesizer, and independent judge
panels that vote on the result. Weak or vetoed work is decomposed into
replacement sub-tasks until the judges accept or a human has to decide.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Initialize logger
		cfg := zap.NewProductionConfig()
		if verbose {
			cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = cfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
		logging.Close()
	},
}

// runCmd seeds a fresh graph for a goal and runs it to termination.
var runCmd = &cobra.Command{
	Use:   "run [goal]",
	Short: "Run a goal through the agent graph",
	Long: `Seeds the initial expansion (analysts, lead, synthesizer, judge round) for
the goal and schedules the graph until the judges accept the deliverable,
the graph deadlocks, or escalation requires human review.

Example:
  hivemind run "Design a migration plan for the billing service"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runGoal(strings.Join(args, " "), false)
	},
}

// resumeCmd continues a persisted run.
var resumeCmd = &cobra.Command{
	Use:   "resume [goal]",
	Short: "Resume a previously interrupted run from the workspace store",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runGoal(strings.Join(args, " "), true)
	},
}

// statusCmd prints the persisted graph and recent run events.
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the persisted graph state and recent run events",
	RunE:  showStatus,
}

// resetCmd clears the persisted graph.
var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Clear the persisted graph, edges, and run log",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		docs, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer docs.Close()
		if err := docs.ResetGraph(cmd.Context()); err != nil {
			return err
		}
		fmt.Println("Workspace graph cleared.")
		return nil
	},
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(workspace)
	if err != nil {
		return nil, err
	}
	if apiKey != "" {
		cfg.LLM.APIKey = apiKey
	}
	if maxConcurrent > 0 {
		if maxConcurrent > 15 {
			maxConcurrent = 15
		}
		cfg.Limits.MaxConcurrent = maxConcurrent
	}
	if verbose {
		cfg.Logging.DebugMode = true
	}
	if err := logging.Initialize(workspace, cfg.Logging.DebugMode); err != nil {
		return nil, err
	}
	return cfg, nil
}

func openStore(cfg *config.Config) (*store.DocStore, error) {
	dir := workspace + "/.hivemind"
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	return store.Open(dir + "/hivemind.db")
}

func runGoal(goal string, resume bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.LLM.APIKey == "" {
		return fmt.Errorf("no API key: set HIVEMIND_API_KEY or GEMINI_API_KEY, or pass --api-key")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := provider.NewGeminiClient(ctx, cfg.LLM.APIKey)
	if err != nil {
		return fmt.Errorf("failed to create provider client: %w", err)
	}

	var docs *store.DocStore
	if !ephemeral {
		docs, err = openStore(cfg)
		if err != nil {
			return fmt.Errorf("failed to open workspace store: %w", err)
		}
		defer docs.Close()
	}

	session := scheduler.NewSession(cfg, client, docs)
	logger.Info("starting run",
		zap.String("goal", goal),
		zap.Bool("resume", resume),
		zap.Int("max_concurrent", cfg.Limits.MaxConcurrent))

	if resume {
		err = session.Resume(ctx, goal)
	} else {
		err = session.Start(ctx, goal)
	}

	sum := session.Summarize()
	fmt.Printf("Nodes: %d total, %d complete, %d errored (requests used today: %d)\n",
		sum.Total, sum.Complete, sum.Errored, sum.Requests)

	switch {
	case err == nil:
		fmt.Println("Run complete: deliverable accepted by the judge panel.")
		printDeliverable(session)
		return nil
	case ctx.Err() != nil:
		fmt.Println("Run interrupted; progress is persisted. Use 'hivemind resume' to continue.")
		return nil
	default:
		return err
	}
}

// printDeliverable shows the accepted synthesizer output, newest first.
func printDeliverable(session *scheduler.Session) {
	nodes, _ := session.Graph().GetAll()
	for i := len(nodes) - 1; i >= 0; i-- {
		n := nodes[i]
		if n.Kind == "synthesizer" && n.Status == "complete" {
			fmt.Println("\n=== Deliverable ===")
			if !n.Artifacts.Empty() {
				fmt.Println("Specification:\n" + n.Artifacts.Specification)
				fmt.Println("\nImplementation plan:\n" + n.Artifacts.ImplementationPlan)
				if n.Artifacts.Justification != "" {
					fmt.Println("\nJustification:\n" + n.Artifacts.Justification)
				}
			} else {
				fmt.Println(n.Output)
			}
			return
		}
	}
}

func showStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	docs, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer docs.Close()

	nodes, edges, err := docs.LoadGraph(cmd.Context())
	if err != nil {
		return err
	}
	if len(nodes) == 0 {
		fmt.Println("No persisted run in this workspace.")
		return nil
	}

	counts := map[string]int{}
	for _, n := range nodes {
		counts[string(n.Status)]++
	}
	fmt.Printf("Graph: %d nodes, %d edges (%d pending, %d active, %d complete, %d error)\n",
		len(nodes), len(edges), counts["pending"], counts["active"], counts["complete"], counts["error"])
	for _, n := range nodes {
		fmt.Printf("  %-28s %-12s %-10s score=%.0f deps=%d\n",
			n.ID, n.Kind, n.Status, n.Score, len(n.Dependencies))
	}

	logs, err := docs.RecentLogs(cmd.Context(), 15)
	if err != nil {
		return err
	}
	if len(logs) > 0 {
		fmt.Println("\nRecent events:")
		for _, l := range logs {
			fmt.Printf("  %s %-16s %s %s\n", l.CreatedAt.Format("15:04:05"), l.Event, l.NodeID, l.Message)
		}
	}
	return nil
}

func main() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", "", "Provider API key (overrides env/config)")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", ".", "Workspace directory")
	rootCmd.PersistentFlags().IntVar(&maxConcurrent, "max-concurrent", 0, "Concurrency bound override (1-15)")
	rootCmd.PersistentFlags().BoolVar(&ephemeral, "ephemeral", false, "Run without the persistent workspace store")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(resetCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
