// Command openclaw is the task router CLI: route work to the cheapest
// capable backend, inspect plans and costs, and watch the queue.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/meircohen/openclaw/internal/config"
	"github.com/meircohen/openclaw/internal/dashboard"
	"github.com/meircohen/openclaw/internal/logging"
	"github.com/meircohen/openclaw/internal/router"
	"github.com/meircohen/openclaw/internal/task"
)

var (
	flagConfig   string
	flagForce    string
	flagUrgency  string
	flagPlanOnly bool
	flagOutput   string
	flagType     string
	flagFiles    []string
	flagUser     string
	flagJSON     bool
	flagBackend  string
	flagApprove  bool
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "openclaw",
		Short:         "Task router and scheduler for AI execution backends",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flagConfig, "config", config.DefaultPath(), "config file path")

	root.AddCommand(routeCmd())
	root.AddCommand(planCmd())
	root.AddCommand(estimateCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(queueCmd())
	root.AddCommand(historyCmd())
	root.AddCommand(dashboardCmd())
	return root
}

func loadApp() (*app, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, err
	}
	return buildApp(cfg)
}

// buildTask assembles a task from command arguments and flags.
func buildTask(args []string) (*task.Task, error) {
	desc := strings.TrimSpace(strings.Join(args, " "))
	if desc == "" {
		return nil, fmt.Errorf("a task description is required")
	}

	t := &task.Task{
		ID:          task.NewID(),
		Description: desc,
		OutputPath:  flagOutput,
		Files:       flagFiles,
		UserID:      flagUser,
	}
	if flagType != "" {
		t.Type = task.Type(flagType)
	}
	if flagUrgency != "" {
		t.Urgency = task.Urgency(flagUrgency)
	}
	if flagForce != "" {
		t.ForceBackend = task.Backend(flagForce)
		if !t.ForceBackend.Valid() {
			return nil, fmt.Errorf("unknown backend %q", flagForce)
		}
	}
	return t, nil
}

func addTaskFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&flagForce, "force", "", "force a backend (claude-code|codex|api|local)")
	cmd.Flags().StringVar(&flagUrgency, "urgency", "", "urgency (urgent|normal|background)")
	cmd.Flags().StringVar(&flagOutput, "output", "", "output path")
	cmd.Flags().StringVar(&flagType, "type", "", "task type tag")
	cmd.Flags().StringSliceVar(&flagFiles, "file", nil, "input file (repeatable)")
	cmd.Flags().StringVar(&flagUser, "user", "", "principal tag for cost attribution")
}

func routeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "route [description...]",
		Short: "Route a task to the best backend and execute it",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := buildTask(args)
			if err != nil {
				return err
			}

			a, err := loadApp()
			if err != nil {
				return err
			}
			defer a.shadowDB.Close()

			out, err := a.router.Route(cmd.Context(), t, router.Options{
				PlanOnly:    flagPlanOnly,
				PreApproved: flagApprove,
			})
			if err != nil {
				return err
			}
			printOutcome(out)
			if !out.Success {
				return fmt.Errorf("task failed")
			}
			return nil
		},
	}
	addTaskFlags(cmd)
	cmd.Flags().BoolVar(&flagPlanOnly, "plan-only", false, "print the plan without executing")
	cmd.Flags().BoolVar(&flagApprove, "yes", false, "pre-approve expensive plans")
	cmd.Flags().BoolVar(&flagJSON, "json", false, "print the outcome as JSON")
	return cmd
}

func planCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan [description...]",
		Short: "Show the decomposition plan for a task",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := buildTask(args)
			if err != nil {
				return err
			}
			a, err := loadApp()
			if err != nil {
				return err
			}
			defer a.shadowDB.Close()

			plan := a.planner.Decompose(t)
			fmt.Print(plan.FormatForUser())
			return nil
		},
	}
	addTaskFlags(cmd)
	return cmd
}

func estimateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "estimate [description...]",
		Short: "Estimate a task's cost and wall-clock time",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := buildTask(args)
			if err != nil {
				return err
			}
			a, err := loadApp()
			if err != nil {
				return err
			}
			defer a.shadowDB.Close()

			plan := a.planner.Decompose(t)
			breakdown := a.planner.EstimateCost(plan)

			fmt.Printf("Steps: %d\n", len(plan.Steps))
			fmt.Printf("Tokens: %d\n", breakdown.TotalTokens)
			fmt.Printf("API cost: $%.2f\n", breakdown.TotalAPICostUSD)
			fmt.Printf("Wall-clock: %.0f min\n", breakdown.TotalMinutes)
			for backend, cost := range breakdown.ByBackend {
				if cost > 0 {
					fmt.Printf("  %s: $%.2f\n", backend, cost)
				}
			}
			if plan.NeedsApproval {
				fmt.Println("This plan would require approval.")
			}
			return nil
		},
	}
	addTaskFlags(cmd)
	return cmd
}

func queueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Show the subscription work queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			defer a.shadowDB.Close()
			printQueue(a)
			return nil
		},
	}

	add := &cobra.Command{
		Use:   "add [description...]",
		Short: "Enqueue a task for a subscription backend",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := buildTask(args)
			if err != nil {
				return err
			}
			backend := task.Backend(flagBackend)
			if !backend.IsSubscription() {
				return fmt.Errorf("queue add requires --backend claude-code or codex")
			}
			a, err := loadApp()
			if err != nil {
				return err
			}
			defer a.shadowDB.Close()

			id, err := a.scheduler.Enqueue(t, backend)
			if err != nil {
				return err
			}
			fmt.Println("queued:", id)
			return nil
		},
	}
	add.Flags().StringVar(&flagBackend, "backend", string(task.BackendCodex), "subscription backend")
	addTaskFlags(add)
	cmd.AddCommand(add)

	cancel := &cobra.Command{
		Use:   "cancel [item-id]",
		Short: "Cancel a queued or active item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			defer a.shadowDB.Close()
			if !a.scheduler.Cancel(args[0]) {
				return fmt.Errorf("no item %q", args[0])
			}
			fmt.Println("cancelled:", args[0])
			return nil
		},
	}
	cmd.AddCommand(cancel)

	return cmd
}

func historyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent completions and lifecycle events",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			defer a.shadowDB.Close()

			st := a.scheduler.GetStatus()
			for _, it := range st.Completed {
				if flagBackend != "" && string(it.Backend) != flagBackend {
					continue
				}
				line := fmt.Sprintf("%s  %-12s", it.ID, it.Backend)
				if it.FinalError != "" {
					line += "  FAILED: " + it.FinalError
				} else {
					line += "  ok"
				}
				fmt.Println(line)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&flagBackend, "backend", "", "filter by backend")
	return cmd
}

func dashboardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dashboard",
		Short: "Run the live terminal dashboard",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}

			// The TUI owns the terminal; logs would corrupt it.
			logging.Suppress()

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			if err := a.startBackground(ctx); err != nil {
				return err
			}
			defer a.stopBackground()

			model := dashboard.NewModel(a.dashboardSnapshot, a.events)
			_, err = tea.NewProgram(model, tea.WithAltScreen()).Run()
			return err
		},
	}
}

// printOutcome renders a route outcome for the terminal.
func printOutcome(out *router.Outcome) {
	switch {
	case flagJSON:
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(out)
	case out.SelfHandle:
		fmt.Println("No backend needed:", out.Reason)
	case out.Deduped:
		fmt.Printf("Duplicate of task %s (%s)\n", out.ExistingTaskID, out.Reason)
	case out.NeedsApproval:
		fmt.Printf("Plan %s needs approval (estimated API cost $%.2f).\n", out.PlanID, out.Plan.TotalCostUSD)
		fmt.Println("Re-run with --yes to approve.")
	case out.Plan != nil && flagPlanOnly:
		fmt.Print(out.Plan.FormatForUser())
	default:
		if out.DedupWarning != "" {
			fmt.Println("Warning:", out.DedupWarning)
		}
		for _, s := range out.Steps {
			status := "ok"
			if s.Skipped {
				status = "skipped"
			} else if s.Error != "" {
				status = "failed: " + s.Error
			}
			fmt.Printf("  %-24s %-12s %s\n", s.StepID, s.Backend, status)
		}
		if out.Final != nil && out.Final.Response != "" {
			fmt.Println()
			fmt.Println(out.Final.Response)
		}
	}
}
