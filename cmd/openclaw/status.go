package main

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/meircohen/openclaw/internal/dashboard"
	"github.com/meircohen/openclaw/internal/task"
)

var (
	statusOKStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#7ec699"))
	statusWarnStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#d4b106"))
	statusBadStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#d48a8a"))
	statusDimStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#8b949e"))
	statusHeadStyle = lipgloss.NewStyle().Bold(true)
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show backend, budget, and queue status",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			defer a.shadowDB.Close()

			fmt.Println(statusHeadStyle.Render("Backends"))
			breakers := make(map[task.Backend]string)
			for _, s := range a.breaker.GetSnapshots() {
				breakers[s.Backend] = string(s.State)
			}
			for _, g := range a.governor.GetStatus() {
				brk := breakers[g.Backend]
				line := fmt.Sprintf("  %-12s breaker=%-9s window=%d", g.Backend, brk, g.WindowCount)
				if g.CurrentLimit > 0 {
					line += fmt.Sprintf("/%d", g.CurrentLimit)
				} else {
					line += " (unlimited)"
				}
				if g.CoolingDown {
					line += "  cooling down"
				}
				fmt.Println(styleForBreaker(brk).Render(line))
			}

			fmt.Println()
			fmt.Println(statusHeadStyle.Render("Budgets"))
			for _, r := range a.ledger.GetReport() {
				switch r.Backend {
				case task.BackendAPI:
					fmt.Printf("  api          $%.2f today, $%.2f this month\n", r.DailySpentUSD, r.MonthSpentUSD)
				case task.BackendClaudeCode, task.BackendCodex:
					fmt.Printf("  %-12s session %.0f%%, week %.0f%%\n", r.Backend, r.SessionPercent, r.WeeklyPercent)
				case task.BackendLocal:
					fmt.Printf("  local        %d tasks\n", r.TasksCompleted)
				}
			}
			savings := a.ledger.GetSavings()
			fmt.Println(statusOKStyle.Render(fmt.Sprintf("  saved        $%.2f total", savings.TotalSaved)))

			fmt.Println()
			printQueue(a)
			return nil
		},
	}
}

func styleForBreaker(state string) lipgloss.Style {
	switch state {
	case "open":
		return statusBadStyle
	case "half-open":
		return statusWarnStyle
	default:
		return statusOKStyle
	}
}

func printQueue(a *app) {
	st := a.scheduler.GetStatus()
	fmt.Println(statusHeadStyle.Render("Queue"))
	if st.Paused {
		fmt.Println(statusBadStyle.Render("  paused"))
	}
	if len(st.Queued) == 0 && len(st.Active) == 0 {
		fmt.Println(statusDimStyle.Render("  empty"))
	}
	for _, it := range st.Active {
		fmt.Printf("  %s  %-12s active  %s\n", it.ID, it.Backend, clipLine(it.Task.Description, 48))
	}
	for _, it := range st.Queued {
		fmt.Printf("  %s  %-12s p%-3d %-8s %s\n", it.ID, it.Backend, it.Priority, it.Status, clipLine(it.Task.Description, 48))
	}
}

// dashboardSnapshot maps process state to the dashboard view model.
func (a *app) dashboardSnapshot() dashboard.Snapshot {
	snap := dashboard.Snapshot{}

	healthByBackend := make(map[task.Backend]string)
	for _, r := range a.health.GetReports() {
		healthByBackend[r.Backend] = string(r.Status)
	}
	breakerByBackend := make(map[task.Backend]string)
	for _, s := range a.breaker.GetSnapshots() {
		breakerByBackend[s.Backend] = string(s.State)
	}
	sessionByBackend := make(map[task.Backend]float64)
	for _, r := range a.ledger.GetReport() {
		sessionByBackend[r.Backend] = r.SessionPercent
	}

	for _, g := range a.governor.GetStatus() {
		window := "unlimited"
		if g.CurrentLimit > 0 {
			window = fmt.Sprintf("%d/%d", g.WindowCount, g.CurrentLimit)
		}
		snap.Backends = append(snap.Backends, dashboard.BackendRow{
			Name:         string(g.Backend),
			Health:       healthByBackend[g.Backend],
			BreakerState: breakerByBackend[g.Backend],
			WindowUsage:  window,
			SessionPct:   sessionByBackend[g.Backend],
		})
	}

	st := a.scheduler.GetStatus()
	snap.QueuedCount = len(st.Queued)
	snap.ActiveCount = len(st.Active)
	snap.DoneCount = len(st.Completed)
	snap.Paused = st.Paused
	snap.TotalSaved = a.ledger.GetSavings().TotalSaved
	return snap
}

func clipLine(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
