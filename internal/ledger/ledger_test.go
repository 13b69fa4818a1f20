package ledger

import (
	"testing"
	"time"

	"github.com/meircohen/openclaw/internal/state"
	"github.com/meircohen/openclaw/internal/task"
)

func testLedger(t *testing.T) *Ledger {
	t.Helper()
	store, err := state.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	l, err := New(DefaultConfig(), store)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return l
}

func TestCheckBudget_APIWithinBudget(t *testing.T) {
	l := testLedger(t)

	d := l.CheckBudget(task.BackendAPI, 10_000)
	if !d.Allowed {
		t.Errorf("CheckBudget() = denied (%s), want allowed", d.Reason)
	}
}

func TestCheckBudget_APIDailyExceeded(t *testing.T) {
	l := testLedger(t)

	l.RecordUsage(task.BackendAPI, &task.Result{
		Success: true, Backend: task.BackendAPI,
		TokensInput: 100_000, TokensOutput: 50_000, CostUSD: 9.99,
	}, "meir")

	// Anything non-trivial now breaches the $10 daily budget.
	d := l.CheckBudget(task.BackendAPI, 500_000)
	if d.Allowed {
		t.Error("CheckBudget() = allowed over daily budget, want denied")
	}
}

func TestCheckBudget_SubscriptionSessionExhausted(t *testing.T) {
	l := testLedger(t)

	l.RecordUsage(task.BackendClaudeCode, &task.Result{
		Success: true, Backend: task.BackendClaudeCode,
		TokensInput: 500_000, TokensOutput: 300_000,
	}, "meir")

	d := l.CheckBudget(task.BackendClaudeCode, 1_000)
	if d.Allowed {
		t.Error("CheckBudget() = allowed with exhausted session, want denied")
	}
}

func TestSessionReset(t *testing.T) {
	l := testLedger(t)

	l.RecordUsage(task.BackendClaudeCode, &task.Result{
		TokensInput: 500_000, TokensOutput: 300_000,
	}, "meir")

	if pct := l.SessionPercent(task.BackendClaudeCode); pct != 100 {
		t.Fatalf("SessionPercent() = %.1f, want 100", pct)
	}

	// 5-hour rolling reset.
	base := time.Now()
	l.now = func() time.Time { return base.Add(5*time.Hour + time.Minute) }
	l.CheckResets()

	if pct := l.SessionPercent(task.BackendClaudeCode); pct != 0 {
		t.Errorf("SessionPercent() after reset = %.1f, want 0", pct)
	}
}

func TestDailySpendReset(t *testing.T) {
	l := testLedger(t)

	l.RecordUsage(task.BackendAPI, &task.Result{CostUSD: 5}, "meir")

	base := time.Now()
	l.now = func() time.Time { return base.Add(25 * time.Hour) }
	l.CheckResets()

	for _, r := range l.GetReport() {
		if r.Backend == task.BackendAPI {
			if r.DailySpentUSD != 0 {
				t.Errorf("DailySpentUSD after reset = %.2f, want 0", r.DailySpentUSD)
			}
			if r.MonthSpentUSD != 5 {
				t.Errorf("MonthSpentUSD after daily reset = %.2f, want 5 (untouched)", r.MonthSpentUSD)
			}
		}
	}
}

func TestSavingsAccrual(t *testing.T) {
	l := testLedger(t)

	l.RecordUsage(task.BackendLocal, &task.Result{
		TokensInput: 7_000, TokensOutput: 3_000,
	}, "meir")

	s := l.GetSavings()
	if s.TotalSaved <= 0 {
		t.Errorf("TotalSaved = %.4f, want > 0", s.TotalSaved)
	}
	if s.WindowCount != 1 {
		t.Errorf("WindowCount = %d, want 1", s.WindowCount)
	}

	// Entries past 90 days are pruned but TotalSaved is preserved.
	base := time.Now()
	l.now = func() time.Time { return base.Add(91 * 24 * time.Hour) }
	l.PruneSavings()

	s = l.GetSavings()
	if s.WindowCount != 0 {
		t.Errorf("WindowCount after prune = %d, want 0", s.WindowCount)
	}
	if s.TotalSaved <= 0 {
		t.Errorf("TotalSaved after prune = %.4f, want preserved", s.TotalSaved)
	}
}

func TestUserCosts(t *testing.T) {
	l := testLedger(t)

	l.RecordUsage(task.BackendAPI, &task.Result{CostUSD: 1.25, TokensInput: 800, TokensOutput: 200}, "alice")
	l.RecordUsage(task.BackendAPI, &task.Result{CostUSD: 0.75, TokensInput: 500, TokensOutput: 100}, "alice")
	l.RecordUsage(task.BackendLocal, &task.Result{TokensInput: 100}, "")

	costs := l.GetUserCosts()
	found := false
	for _, u := range costs {
		if u.UserID == "alice" {
			found = true
			if u.SpentUSD != 2.0 {
				t.Errorf("alice SpentUSD = %.2f, want 2.00", u.SpentUSD)
			}
			if u.TasksRouted != 2 {
				t.Errorf("alice TasksRouted = %d, want 2", u.TasksRouted)
			}
		}
		if u.UserID == task.DefaultUserID && u.TasksRouted != 1 {
			t.Errorf("default user TasksRouted = %d, want 1", u.TasksRouted)
		}
	}
	if !found {
		t.Error("no cost row for alice")
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := state.NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}

	l1, err := New(DefaultConfig(), store)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	l1.RecordUsage(task.BackendAPI, &task.Result{CostUSD: 3.5}, "meir")

	l2, err := New(DefaultConfig(), store)
	if err != nil {
		t.Fatalf("New() reload error = %v", err)
	}
	for _, r := range l2.GetReport() {
		if r.Backend == task.BackendAPI && r.DailySpentUSD != 3.5 {
			t.Errorf("reloaded DailySpentUSD = %.2f, want 3.5", r.DailySpentUSD)
		}
	}
}
