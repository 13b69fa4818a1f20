package governor

import (
	"testing"
	"time"

	"github.com/meircohen/openclaw/internal/state"
	"github.com/meircohen/openclaw/internal/task"
)

func testGovernor(t *testing.T) *Governor {
	t.Helper()
	store, err := state.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	g, err := New(DefaultConfig(), store)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return g
}

func TestCanUse_Unlimited(t *testing.T) {
	g := testGovernor(t)

	d := g.CanUse(task.BackendLocal)
	if !d.Allowed {
		t.Errorf("CanUse(local).Allowed = false, want true")
	}
}

func TestCanUse_WindowFull(t *testing.T) {
	g := testGovernor(t)
	g.AdjustLimit(task.BackendClaudeCode, 3)

	for i := 0; i < 3; i++ {
		g.RecordRequest(task.BackendClaudeCode, true)
	}

	d := g.CanUse(task.BackendClaudeCode)
	if d.Allowed {
		t.Fatalf("CanUse() allowed with full window")
	}
	if d.SuggestedBackend != task.BackendCodex {
		t.Errorf("SuggestedBackend = %q, want %q", d.SuggestedBackend, task.BackendCodex)
	}
}

func TestCanUse_SoftLimit(t *testing.T) {
	g := testGovernor(t)
	g.AdjustLimit(task.BackendClaudeCode, 10)

	for i := 0; i < 8; i++ {
		g.RecordRequest(task.BackendClaudeCode, true)
	}

	d := g.CanUse(task.BackendClaudeCode)
	if !d.Allowed {
		t.Fatalf("CanUse() denied at soft limit, want allowed with delay")
	}
	if d.Delay != 5*time.Second {
		t.Errorf("Delay = %v, want 5s", d.Delay)
	}
}

func TestRecordThrottle_AdaptiveTightening(t *testing.T) {
	g := testGovernor(t)
	g.AdjustLimit(task.BackendClaudeCode, 30)

	for i := 0; i < 12; i++ {
		g.RecordRequest(task.BackendClaudeCode, true)
	}

	g.RecordThrottle(task.BackendClaudeCode)

	statuses := g.GetStatus()
	var st *Status
	for i := range statuses {
		if statuses[i].Backend == task.BackendClaudeCode {
			st = &statuses[i]
		}
	}
	if st == nil {
		t.Fatal("no status for claude-code")
	}
	if st.CurrentLimit != 9 {
		t.Errorf("CurrentLimit = %d, want 9 (floor(12*0.8))", st.CurrentLimit)
	}
	if !st.CoolingDown {
		t.Errorf("CoolingDown = false, want true")
	}

	d := g.CanUse(task.BackendClaudeCode)
	if d.Allowed {
		t.Errorf("CanUse() allowed during cooldown")
	}
}

func TestRecordThrottle_MinimumLimit(t *testing.T) {
	g := testGovernor(t)
	g.AdjustLimit(task.BackendCodex, 5)

	// No requests in the window: floor(0*0.8) would be 0, clamps to 1.
	g.RecordThrottle(task.BackendCodex)

	for _, st := range g.GetStatus() {
		if st.Backend == task.BackendCodex && st.CurrentLimit != 1 {
			t.Errorf("CurrentLimit = %d, want 1", st.CurrentLimit)
		}
	}
}

func TestCooldownExpiry(t *testing.T) {
	g := testGovernor(t)
	g.AdjustLimit(task.BackendClaudeCode, 30)
	g.RecordThrottle(task.BackendClaudeCode)

	// Move the clock past the cooldown.
	base := time.Now()
	g.now = func() time.Time { return base.Add(16 * time.Minute) }

	d := g.CanUse(task.BackendClaudeCode)
	if !d.Allowed {
		t.Errorf("CanUse() after cooldown expiry = denied, reason %q", d.Reason)
	}
}

func TestResetBackend(t *testing.T) {
	g := testGovernor(t)
	g.RecordThrottle(task.BackendClaudeCode)

	g.ResetBackend(task.BackendClaudeCode, nil)

	d := g.CanUse(task.BackendClaudeCode)
	if !d.Allowed {
		t.Errorf("CanUse() after reset = denied, reason %q", d.Reason)
	}
	for _, st := range g.GetStatus() {
		if st.Backend == task.BackendClaudeCode && st.CurrentLimit != 30 {
			t.Errorf("CurrentLimit = %d, want default 30", st.CurrentLimit)
		}
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := state.NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}

	g1, err := New(DefaultConfig(), store)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	g1.AdjustLimit(task.BackendClaudeCode, 7)
	g1.RecordRequest(task.BackendClaudeCode, true)

	g2, err := New(DefaultConfig(), store)
	if err != nil {
		t.Fatalf("New() reload error = %v", err)
	}

	for _, st := range g2.GetStatus() {
		if st.Backend == task.BackendClaudeCode {
			if st.CurrentLimit != 7 {
				t.Errorf("reloaded CurrentLimit = %d, want 7", st.CurrentLimit)
			}
			if st.WindowCount != 1 {
				t.Errorf("reloaded WindowCount = %d, want 1", st.WindowCount)
			}
		}
	}
}

func TestGetInsights(t *testing.T) {
	g := testGovernor(t)
	g.AdjustLimit(task.BackendClaudeCode, 30)

	for i := 0; i < 4; i++ {
		g.RecordRequest(task.BackendClaudeCode, true)
	}
	g.RecordRequest(task.BackendClaudeCode, false)
	g.RecordThrottle(task.BackendClaudeCode)

	report := g.GetInsights()
	if report.MostProblematic != task.BackendClaudeCode {
		t.Errorf("MostProblematic = %q, want claude-code", report.MostProblematic)
	}

	for _, ins := range report.Backends {
		if ins.Backend != task.BackendClaudeCode {
			continue
		}
		if ins.RecentThrottles != 1 {
			t.Errorf("RecentThrottles = %d, want 1", ins.RecentThrottles)
		}
		// 4/5 success = 80, minus 20*1 throttle = 60.
		if ins.Effectiveness != 60 {
			t.Errorf("Effectiveness = %.1f, want 60", ins.Effectiveness)
		}
	}
}
