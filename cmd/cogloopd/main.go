// Command cogloopd runs the autonomous cognitive loop as a standalone
// process, with cobra subcommands for starting it and inspecting its
// state.
package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/noesis-systems/cogloop/internal/bias"
	"github.com/noesis-systems/cogloop/internal/config"
	"github.com/noesis-systems/cogloop/internal/llm"
	"github.com/noesis-systems/cogloop/internal/orchestrator"
	"github.com/noesis-systems/cogloop/internal/store"
	"github.com/noesis-systems/cogloop/internal/thought"
)

// demoSource generates self-reflective thoughts with no external I/O, so the
// demo binary never makes a network call (consistent with the Non-goals).
type demoSource struct {
	prompts []string
	rng     *rand.Rand
}

func newDemoSource() *demoSource {
	return &demoSource{
		prompts: []string{
			"What did the last cycle's decisions reveal about my priorities?",
			"Is there a pattern in recent thoughts worth consolidating?",
			"What would happen if I reconsidered a recent assumption?",
			"Summarize what's in working memory right now.",
			"Design a small improvement to how I triage incoming thoughts.",
		},
		rng: rand.New(rand.NewSource(1)),
	}
}

func (s *demoSource) Next(ctx context.Context, state any) (thought.Thought, error) {
	p := s.prompts[s.rng.Intn(len(s.prompts))]
	return thought.New(p, thought.KindReflection, thought.PriorityMedium, "demo-source"), nil
}

// noValues is the demo's ValueSource: the demo never forms values of its
// own, so the bias-check phase always sees an empty set.
type noValues struct{}

func (noValues) Values(ctx context.Context) []bias.Value { return nil }

func main() {
	root := &cobra.Command{
		Use:   "cogloopd",
		Short: "Run the autonomous cognitive loop",
	}

	root.AddCommand(runCmd(), statusCmd(), dreamCmd(), tokensCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildOrchestrator(dbPath string) (*orchestrator.Orchestrator, *store.Store, error) {
	st, err := store.Open(dbPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}

	cfg := config.Default()
	o := orchestrator.New(cfg, orchestrator.Deps{
		Source:        newDemoSource(),
		DeepProvider:  llm.FallbackProvider{},
		RoteProvider:  llm.FallbackProvider{},
		EpisodicStore: st,
		Values:        noValues{},
		SavePoint:     st,
		StateStore:    st,
	})
	return o, st, nil
}

func runCmd() *cobra.Command {
	var dbPath string
	var duration time.Duration

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the cognitive loop and run until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			o, st, err := buildOrchestrator(dbPath)
			if err != nil {
				return err
			}
			defer st.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if duration > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, duration)
				defer cancel()
			}

			if err := o.Start(ctx); err != nil {
				return fmt.Errorf("start: %w", err)
			}
			fmt.Println("cogloopd: running")

			<-ctx.Done()

			stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := o.Stop(stopCtx); err != nil {
				return fmt.Errorf("stop: %w", err)
			}
			fmt.Println("cogloopd: stopped")
			return nil
		},
	}

	cmd.Flags().StringVar(&dbPath, "db", "cogloop.db", "path to the sqlite state database")
	cmd.Flags().DurationVar(&duration, "duration", 0, "run for this long then stop (0 = until interrupted)")
	return cmd
}

func statusCmd() *cobra.Command {
	var dbPath string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show episodic store statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := store.Open(dbPath)
			if err != nil {
				return err
			}
			defer st.Close()

			stats, err := st.Stats(context.Background())
			if err != nil {
				return err
			}

			table := tablewriter.NewWriter(os.Stdout)
			table.SetHeader([]string{"Metric", "Value"})
			table.Append([]string{"Total memories", strconv.Itoa(stats.TotalMemories)})
			for kind, count := range stats.ByKind {
				table.Append([]string{"  " + string(kind), strconv.Itoa(count)})
			}
			if !stats.OldestAt.IsZero() {
				table.Append([]string{"Oldest", stats.OldestAt.Format(time.RFC3339)})
				table.Append([]string{"Newest", stats.NewestAt.Format(time.RFC3339)})
			}
			table.Render()
			return nil
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", "cogloop.db", "path to the sqlite state database")
	return cmd
}

func dreamCmd() *cobra.Command {
	var dbPath, reason string
	cmd := &cobra.Command{
		Use:   "dream",
		Short: "Manually trigger a consolidation/bias-check pass",
		RunE: func(cmd *cobra.Command, args []string) error {
			o, st, err := buildOrchestrator(dbPath)
			if err != nil {
				return err
			}
			defer st.Close()

			d := o.Context().Dream
			if d == nil {
				return fmt.Errorf("dreaming is disabled in the active configuration")
			}
			report, err := d.Run(context.Background(), reason)
			if err != nil {
				return err
			}

			fmt.Printf("dream %s: promoted=%d discarded=%d biasesChallenged=%d insights=%d ok=%v\n",
				report.ID, report.MemoriesPromoted, report.MemoriesDiscarded, report.BiasesChallenged, report.InsightsGenerated, report.OK)
			return nil
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", "cogloop.db", "path to the sqlite state database")
	cmd.Flags().StringVar(&reason, "reason", "manual", "reason recorded on the dream report")
	return cmd
}

func tokensCmd() *cobra.Command {
	var dbPath string
	cmd := &cobra.Command{
		Use:   "tokens",
		Short: "Show today's token budget usage",
		RunE: func(cmd *cobra.Command, args []string) error {
			o, st, err := buildOrchestrator(dbPath)
			if err != nil {
				return err
			}
			defer st.Close()

			if blob, err := st.LoadState(context.Background()); err == nil {
				_ = o.Context().Cycle.Restore(blob)
			}
			snap := o.Context().Budget.Snapshot()

			table := tablewriter.NewWriter(os.Stdout)
			table.SetHeader([]string{"Field", "Value"})
			table.Append([]string{"Daily limit", strconv.Itoa(snap.DailyLimit)})
			table.Append([]string{"Used", strconv.Itoa(snap.Used)})
			table.Append([]string{"Remaining", strconv.Itoa(snap.DailyLimit - snap.Used)})
			table.Append([]string{"Next reset", snap.NextResetAt.Format(time.RFC3339)})
			for tier, used := range snap.UsedByTier {
				table.Append([]string{"  " + string(tier), strconv.Itoa(used)})
			}
			table.Render()
			return nil
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", "cogloop.db", "path to the sqlite state database")
	return cmd
}
