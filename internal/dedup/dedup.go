// Package dedup detects near-identical in-flight tasks using normalised
// fingerprints, token similarity, and numeric scope extraction.
package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/meircohen/openclaw/internal/logging"
	"github.com/meircohen/openclaw/internal/state"
	"github.com/meircohen/openclaw/internal/task"
)

// EntryStatus tracks the lifecycle of a registered task.
type EntryStatus string

const (
	StatusQueued  EntryStatus = "queued"
	StatusRunning EntryStatus = "running"
	StatusDone    EntryStatus = "done"
	StatusFailed  EntryStatus = "failed"
)

// Entry is one recent-task record in the rolling window.
type Entry struct {
	TaskID      string      `json:"task_id"`
	Normalized  string      `json:"normalized"`
	Fingerprint string      `json:"fingerprint"`
	StartedAt   time.Time   `json:"started_at"`
	Status      EntryStatus `json:"status"`
	Scopes      []Scope     `json:"scopes,omitempty"`
}

// Scope is a numeric range extracted from a description, like "pages 11-20".
type Scope struct {
	Low  int `json:"low"`
	High int `json:"high"`
}

// Recommendation tells the router how to treat a candidate task.
type Recommendation string

const (
	RecommendProceed Recommendation = "proceed"
	RecommendWarn    Recommendation = "warn"
	RecommendSkip    Recommendation = "skip"
)

// CheckResult is the outcome of a duplicate check.
type CheckResult struct {
	Recommendation Recommendation
	IsDuplicate    bool
	ExistingTaskID string
	Overlap        float64
	Reason         string
}

const (
	// window is how long entries stay eligible for comparison.
	window = 30 * time.Minute

	skipThreshold = 0.70
	warnThreshold = 0.50
)

// scopeRegex matches numeric ranges like "1-10" or "11 to 20".
var scopeRegex = regexp.MustCompile(`(\d+)\s*(?:-|to|through)\s*(\d+)`)

// punctRegex strips everything that is not a word character, whitespace, or
// a hyphen (hyphens are kept so ranges like "1-10" survive normalisation).
var punctRegex = regexp.MustCompile(`[^\w\s-]`)

// spaceRegex collapses runs of whitespace.
var spaceRegex = regexp.MustCompile(`\s+`)

type persistedState struct {
	Entries []*Entry `json:"entries"`
}

// Dedup keeps the rolling window of recent task fingerprints.
type Dedup struct {
	mu      sync.Mutex
	entries []*Entry
	store   *state.Store
	now     func() time.Time
	log     *slog.Logger
}

// New creates a Dedup, loading recent entries from the store if present.
func New(store *state.Store) (*Dedup, error) {
	d := &Dedup{
		store: store,
		now:   time.Now,
		log:   logging.WithComponent("dedup"),
	}

	var persisted persistedState
	if store != nil {
		found, err := store.Load(state.FileRecentTasks, &persisted)
		if err != nil {
			return nil, err
		}
		if found {
			d.entries = persisted.Entries
		}
	}

	return d, nil
}

// Normalize lowercases a description, strips punctuation, and collapses
// whitespace.
func Normalize(description string) string {
	s := strings.ToLower(description)
	s = punctRegex.ReplaceAllString(s, " ")
	s = spaceRegex.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// ExtractScopes pulls numeric ranges out of a description.
func ExtractScopes(description string) []Scope {
	matches := scopeRegex.FindAllStringSubmatch(description, -1)
	scopes := make([]Scope, 0, len(matches))
	for _, m := range matches {
		low, err1 := strconv.Atoi(m[1])
		high, err2 := strconv.Atoi(m[2])
		if err1 != nil || err2 != nil {
			continue
		}
		scopes = append(scopes, Scope{Low: low, High: high})
	}
	return scopes
}

// Fingerprint hashes a normalised description.
func Fingerprint(normalized string) string {
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:8])
}

// Check compares a task against the rolling window and returns a
// recommendation. Failed entries never block retries.
func (d *Dedup) Check(t *task.Task) CheckResult {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.evictLocked()

	normalized := Normalize(t.Description)
	scopes := ExtractScopes(t.Description)
	candidateTokens := tokenSet(normalized)

	best := CheckResult{Recommendation: RecommendProceed}
	for _, e := range d.entries {
		overlap := jaccard(candidateTokens, tokenSet(e.Normalized))
		if overlap <= warnThreshold {
			continue
		}

		if overlap > skipThreshold {
			active := e.Status == StatusQueued || e.Status == StatusRunning
			if active && scopesMatch(scopes, e.Scopes) {
				return CheckResult{
					Recommendation: RecommendSkip,
					IsDuplicate:    true,
					ExistingTaskID: e.TaskID,
					Overlap:        overlap,
					Reason:         "near-identical task already in flight",
				}
			}
			if e.Status == StatusDone && scopesMatch(scopes, e.Scopes) {
				return CheckResult{
					Recommendation: RecommendSkip,
					IsDuplicate:    true,
					ExistingTaskID: e.TaskID,
					Overlap:        overlap,
					Reason:         "near-identical task recently completed",
				}
			}
			if e.Status != StatusFailed && overlap > best.Overlap {
				best = CheckResult{
					Recommendation: RecommendWarn,
					ExistingTaskID: e.TaskID,
					Overlap:        overlap,
					Reason:         "high overlap but numeric scopes differ",
				}
			}
			continue
		}

		// 0.50 < overlap <= 0.70: advisory only.
		if e.Status != StatusFailed && overlap > best.Overlap {
			best = CheckResult{
				Recommendation: RecommendWarn,
				ExistingTaskID: e.TaskID,
				Overlap:        overlap,
				Reason:         "similar recent task",
			}
		}
	}

	return best
}

// Register adds a task to the window in the queued state.
func (d *Dedup) Register(t *task.Task) {
	d.mu.Lock()
	defer d.mu.Unlock()

	normalized := Normalize(t.Description)
	d.entries = append(d.entries, &Entry{
		TaskID:      t.ID,
		Normalized:  normalized,
		Fingerprint: Fingerprint(normalized),
		StartedAt:   d.now(),
		Status:      StatusQueued,
		Scopes:      ExtractScopes(t.Description),
	})
	d.persistLocked()
}

// SetStatus updates an entry's lifecycle status.
func (d *Dedup) SetStatus(taskID string, status EntryStatus) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, e := range d.entries {
		if e.TaskID == taskID {
			e.Status = status
			d.persistLocked()
			return
		}
	}
}

// Evict drops entries older than the rolling window. Called by the
// maintenance job; Check also evicts lazily.
func (d *Dedup) Evict() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.evictLocked()
	d.persistLocked()
}

// Len returns the number of live entries.
func (d *Dedup) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.evictLocked()
	return len(d.entries)
}

func (d *Dedup) evictLocked() {
	cutoff := d.now().Add(-window)
	kept := d.entries[:0]
	for _, e := range d.entries {
		if e.StartedAt.After(cutoff) {
			kept = append(kept, e)
		}
	}
	d.entries = kept
}

func (d *Dedup) persistLocked() {
	if d.store == nil {
		return
	}
	if err := d.store.Save(state.FileRecentTasks, persistedState{Entries: d.entries}); err != nil {
		d.log.Error("Failed to persist recent tasks", slog.String("error", err.Error()))
	}
}

// tokenSet splits a normalised description into a token set.
func tokenSet(normalized string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, tok := range strings.Fields(normalized) {
		set[tok] = struct{}{}
	}
	return set
}

// jaccard computes token Jaccard similarity between two sets.
func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	intersection := 0
	for tok := range a {
		if _, ok := b[tok]; ok {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

// scopesMatch reports whether two scope lists are numerically equivalent.
// Two absent lists match.
func scopesMatch(a, b []Scope) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
