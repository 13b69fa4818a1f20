package dedup

import (
	"testing"
	"time"

	"github.com/meircohen/openclaw/internal/state"
	"github.com/meircohen/openclaw/internal/task"
)

func testDedup(t *testing.T) *Dedup {
	t.Helper()
	store, err := state.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	d, err := New(store)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return d
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Process Pages 1-10!", "process pages 1-10"},
		{"  Fix   the  BUG.  ", "fix the bug"},
		{"refactor: auth/session module", "refactor auth session module"},
	}
	for _, tt := range tests {
		if got := Normalize(tt.in); got != tt.want {
			t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestExtractScopes(t *testing.T) {
	tests := []struct {
		in   string
		want []Scope
	}{
		{"Process pages 1-10", []Scope{{1, 10}}},
		{"Process pages 11 to 20", []Scope{{11, 20}}},
		{"Chapters 1-3 and 7-9", []Scope{{1, 3}, {7, 9}}},
		{"No ranges here", nil},
	}
	for _, tt := range tests {
		got := ExtractScopes(tt.in)
		if len(got) != len(tt.want) {
			t.Errorf("ExtractScopes(%q) = %v, want %v", tt.in, got, tt.want)
			continue
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("ExtractScopes(%q)[%d] = %v, want %v", tt.in, i, got[i], tt.want[i])
			}
		}
	}
}

func TestCheck_SkipExactDuplicate(t *testing.T) {
	d := testDedup(t)

	t1 := &task.Task{ID: "t1", Description: "Summarize the quarterly revenue report for finance"}
	d.Register(t1)

	t2 := &task.Task{ID: "t2", Description: "Summarize the quarterly revenue report for finance"}
	result := d.Check(t2)

	if result.Recommendation != RecommendSkip {
		t.Fatalf("Recommendation = %q, want skip", result.Recommendation)
	}
	if result.ExistingTaskID != "t1" {
		t.Errorf("ExistingTaskID = %q, want t1", result.ExistingTaskID)
	}
}

func TestCheck_ScopeDifferenceProceedsWithWarn(t *testing.T) {
	d := testDedup(t)

	t1 := &task.Task{ID: "t1", Description: "Process invoice pages 1-10 from the archive batch"}
	d.Register(t1)

	t2 := &task.Task{ID: "t2", Description: "Process invoice pages 11-20 from the archive batch"}
	result := d.Check(t2)

	if result.IsDuplicate {
		t.Error("IsDuplicate = true for different scope, want false")
	}
	if result.Recommendation != RecommendWarn {
		t.Errorf("Recommendation = %q, want warn", result.Recommendation)
	}
}

func TestCheck_FailedEntriesDoNotBlock(t *testing.T) {
	d := testDedup(t)

	t1 := &task.Task{ID: "t1", Description: "Generate the onboarding documentation for new hires"}
	d.Register(t1)
	d.SetStatus("t1", StatusFailed)

	t2 := &task.Task{ID: "t2", Description: "Generate the onboarding documentation for new hires"}
	result := d.Check(t2)

	if result.Recommendation == RecommendSkip {
		t.Error("Recommendation = skip against a failed entry, want proceed")
	}
}

func TestCheck_DoneEntrySkips(t *testing.T) {
	d := testDedup(t)

	t1 := &task.Task{ID: "t1", Description: "Translate the release notes into spanish and french"}
	d.Register(t1)
	d.SetStatus("t1", StatusDone)

	t2 := &task.Task{ID: "t2", Description: "Translate the release notes into spanish and french"}
	result := d.Check(t2)

	if result.Recommendation != RecommendSkip {
		t.Errorf("Recommendation = %q against a done entry, want skip", result.Recommendation)
	}
}

func TestCheck_UnrelatedProceeds(t *testing.T) {
	d := testDedup(t)

	d.Register(&task.Task{ID: "t1", Description: "Write unit tests for the payment gateway module"})

	result := d.Check(&task.Task{ID: "t2", Description: "Draft a blog post about database migrations"})
	if result.Recommendation != RecommendProceed {
		t.Errorf("Recommendation = %q, want proceed", result.Recommendation)
	}
}

func TestEviction(t *testing.T) {
	d := testDedup(t)

	d.Register(&task.Task{ID: "t1", Description: "Old task to be evicted from the window"})
	if d.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", d.Len())
	}

	base := time.Now()
	d.now = func() time.Time { return base.Add(31 * time.Minute) }
	d.Evict()

	if d.Len() != 0 {
		t.Errorf("Len() after eviction = %d, want 0", d.Len())
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := state.NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}

	d1, err := New(store)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	d1.Register(&task.Task{ID: "t1", Description: "Persisted entry for restart recovery checks"})

	d2, err := New(store)
	if err != nil {
		t.Fatalf("New() reload error = %v", err)
	}
	if d2.Len() != 1 {
		t.Errorf("reloaded Len() = %d, want 1", d2.Len())
	}
}
