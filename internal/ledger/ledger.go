// Package ledger tracks per-backend usage, enforces API budgets, and tallies
// the savings earned by routing work away from the paid API.
package ledger

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/meircohen/openclaw/internal/logging"
	"github.com/meircohen/openclaw/internal/state"
	"github.com/meircohen/openclaw/internal/task"
)

// Config holds ledger settings. Budgets and prices come from the external
// configuration document.
type Config struct {
	// DailyBudgetUSD is the paid-API daily spend ceiling.
	DailyBudgetUSD float64 `yaml:"daily_budget_usd"`

	// MonthlyBudgetUSD is the paid-API monthly spend ceiling.
	MonthlyBudgetUSD float64 `yaml:"monthly_budget_usd"`

	// APIPriceInPer1K and APIPriceOutPer1K are the default paid-API token
	// prices, used for budget estimates and the savings tally.
	APIPriceInPer1K  float64 `yaml:"api_price_in_per_1k"`
	APIPriceOutPer1K float64 `yaml:"api_price_out_per_1k"`

	// SessionTokenAllowance sizes a subscription backend's 5-hour session;
	// the session percentage is usage against this allowance.
	SessionTokenAllowance map[task.Backend]int64 `yaml:"session_token_allowance"`

	// WeeklyTokenAllowance sizes a subscription backend's weekly window.
	WeeklyTokenAllowance map[task.Backend]int64 `yaml:"weekly_token_allowance"`
}

// DefaultConfig returns default ledger settings.
func DefaultConfig() *Config {
	return &Config{
		DailyBudgetUSD:   10.0,
		MonthlyBudgetUSD: 150.0,
		APIPriceInPer1K:  0.003,
		APIPriceOutPer1K: 0.015,
		SessionTokenAllowance: map[task.Backend]int64{
			task.BackendClaudeCode: 800_000,
			task.BackendCodex:      1_200_000,
		},
		WeeklyTokenAllowance: map[task.Backend]int64{
			task.BackendClaudeCode: 8_000_000,
			task.BackendCodex:      12_000_000,
		},
	}
}

const (
	sessionWindow = 5 * time.Hour
	weeklyWindow  = 7 * 24 * time.Hour
	dailyWindow   = 24 * time.Hour
	monthlyWindow = 30 * 24 * time.Hour
	savingsWindow = 90 * 24 * time.Hour
)

// backendCounters holds usage counters for one backend.
type backendCounters struct {
	SessionTokens  int64     `json:"session_tokens"`
	SessionStart   time.Time `json:"session_start"`
	WeeklyTokens   int64     `json:"weekly_tokens"`
	WeekStart      time.Time `json:"week_start"`
	DailySpentUSD  float64   `json:"daily_spent_usd"`
	DayStart       time.Time `json:"day_start"`
	MonthSpentUSD  float64   `json:"month_spent_usd"`
	MonthStart     time.Time `json:"month_start"`
	TotalTokens    int64     `json:"total_tokens"`
	TasksCompleted int       `json:"tasks_completed"`
}

// userCounters mirrors paid-API spend per principal.
type userCounters struct {
	SpentUSD    float64 `json:"spent_usd"`
	Tokens      int64   `json:"tokens"`
	TasksRouted int     `json:"tasks_routed"`
}

// SavingsEntry records the API cost avoided by one execution.
type SavingsEntry struct {
	Amount    float64   `json:"amount"`
	Timestamp time.Time `json:"timestamp"`
}

// document is the single persisted ledger file.
type document struct {
	Backends   map[task.Backend]*backendCounters `json:"backends"`
	Users      map[string]*userCounters          `json:"users"`
	Savings    []SavingsEntry                    `json:"savings"`
	TotalSaved float64                           `json:"total_saved"`
}

// BudgetDecision is the outcome of a budget check.
type BudgetDecision struct {
	Allowed bool
	Reason  string
}

// Ledger is the usage and budget tracker.
type Ledger struct {
	mu     sync.Mutex
	config *Config
	doc    document
	store  *state.Store
	now    func() time.Time
	log    *slog.Logger
}

// New creates a Ledger, loading the persisted document if present.
func New(config *Config, store *state.Store) (*Ledger, error) {
	if config == nil {
		config = DefaultConfig()
	}

	l := &Ledger{
		config: config,
		store:  store,
		now:    time.Now,
		log:    logging.WithComponent("ledger"),
	}
	l.doc = document{
		Backends: make(map[task.Backend]*backendCounters),
		Users:    make(map[string]*userCounters),
	}

	if store != nil {
		if _, err := store.Load(state.FileLedger, &l.doc); err != nil {
			return nil, err
		}
		if l.doc.Backends == nil {
			l.doc.Backends = make(map[task.Backend]*backendCounters)
		}
		if l.doc.Users == nil {
			l.doc.Users = make(map[string]*userCounters)
		}
	}

	now := l.now()
	for _, b := range task.AllBackends {
		if _, ok := l.doc.Backends[b]; !ok {
			l.doc.Backends[b] = &backendCounters{
				SessionStart: now,
				WeekStart:    now,
				DayStart:     now,
				MonthStart:   now,
			}
		}
	}

	return l, nil
}

// CheckResets applies any expired rolling resets. Called by the maintenance
// job and lazily before every check and record.
func (l *Ledger) CheckResets() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.checkResetsLocked()
	l.persistLocked()
}

func (l *Ledger) checkResetsLocked() {
	now := l.now()
	for b, c := range l.doc.Backends {
		if b.IsSubscription() {
			if now.Sub(c.SessionStart) >= sessionWindow {
				c.SessionTokens = 0
				c.SessionStart = now
			}
			if now.Sub(c.WeekStart) >= weeklyWindow {
				c.WeeklyTokens = 0
				c.WeekStart = now
			}
		}
		if b == task.BackendAPI {
			if now.Sub(c.DayStart) >= dailyWindow {
				c.DailySpentUSD = 0
				c.DayStart = now
			}
			if now.Sub(c.MonthStart) >= monthlyWindow {
				c.MonthSpentUSD = 0
				c.MonthStart = now
			}
		}
	}
}

// estimateAPICost prices a token count at the default paid-API rates with
// the 70/30 input/output split.
func (l *Ledger) estimateAPICost(tokens int64) float64 {
	in := 0.7 * float64(tokens)
	out := 0.3 * float64(tokens)
	return in/1000*l.config.APIPriceInPer1K + out/1000*l.config.APIPriceOutPer1K
}

// CheckBudget reports whether the backend may take on estimatedTokens of
// work. Only the paid API is dollar-bounded; subscriptions deny at 100% of
// their session allowance.
func (l *Ledger) CheckBudget(b task.Backend, estimatedTokens int64) BudgetDecision {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.checkResetsLocked()

	c, ok := l.doc.Backends[b]
	if !ok {
		return BudgetDecision{Allowed: false, Reason: fmt.Sprintf("unknown backend %q", b)}
	}

	switch b {
	case task.BackendAPI:
		cost := l.estimateAPICost(estimatedTokens)
		if c.DailySpentUSD+cost > l.config.DailyBudgetUSD {
			return BudgetDecision{
				Allowed: false,
				Reason: fmt.Sprintf("daily API budget exhausted: $%.2f spent + $%.2f estimated > $%.2f",
					c.DailySpentUSD, cost, l.config.DailyBudgetUSD),
			}
		}
		if c.MonthSpentUSD+cost > l.config.MonthlyBudgetUSD {
			return BudgetDecision{
				Allowed: false,
				Reason: fmt.Sprintf("monthly API budget exhausted: $%.2f spent + $%.2f estimated > $%.2f",
					c.MonthSpentUSD, cost, l.config.MonthlyBudgetUSD),
			}
		}

	case task.BackendClaudeCode, task.BackendCodex:
		if allowance := l.config.SessionTokenAllowance[b]; allowance > 0 {
			if c.SessionTokens >= allowance {
				return BudgetDecision{
					Allowed: false,
					Reason:  fmt.Sprintf("subscription session exhausted: %d/%d tokens", c.SessionTokens, allowance),
				}
			}
		}
	}

	return BudgetDecision{Allowed: true}
}

// RecordUsage records a completed execution against the ledger. For
// non-API backends the avoided API cost is added to the savings tally.
func (l *Ledger) RecordUsage(b task.Backend, result *task.Result, userID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.checkResetsLocked()

	c, ok := l.doc.Backends[b]
	if !ok {
		return
	}

	tokens := result.Tokens()
	c.TotalTokens += tokens
	c.TasksCompleted++

	if userID == "" {
		userID = task.DefaultUserID
	}
	u, ok := l.doc.Users[userID]
	if !ok {
		u = &userCounters{}
		l.doc.Users[userID] = u
	}
	u.TasksRouted++

	switch b {
	case task.BackendAPI:
		c.DailySpentUSD += result.CostUSD
		c.MonthSpentUSD += result.CostUSD
		u.SpentUSD += result.CostUSD
		u.Tokens += tokens

	case task.BackendClaudeCode, task.BackendCodex:
		c.SessionTokens += tokens
		c.WeeklyTokens += tokens
		l.addSavingsLocked(l.estimateAPICost(tokens))

	case task.BackendLocal:
		l.addSavingsLocked(l.estimateAPICost(tokens))
	}

	l.persistLocked()
}

func (l *Ledger) addSavingsLocked(amount float64) {
	if amount <= 0 {
		return
	}
	now := l.now()
	l.doc.Savings = append(l.doc.Savings, SavingsEntry{Amount: amount, Timestamp: now})
	l.doc.TotalSaved += amount
	l.pruneSavingsLocked(now)
}

func (l *Ledger) pruneSavingsLocked(now time.Time) {
	cutoff := now.Add(-savingsWindow)
	kept := l.doc.Savings[:0]
	for _, e := range l.doc.Savings {
		if e.Timestamp.After(cutoff) {
			kept = append(kept, e)
		}
	}
	l.doc.Savings = kept
}

// PruneSavings drops savings entries past the retention window. Called by
// the maintenance job.
func (l *Ledger) PruneSavings() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pruneSavingsLocked(l.now())
	l.persistLocked()
}

// ResetSession zeroes a subscription backend's session counter.
func (l *Ledger) ResetSession(b task.Backend) {
	l.mu.Lock()
	defer l.mu.Unlock()

	c, ok := l.doc.Backends[b]
	if !ok {
		return
	}
	c.SessionTokens = 0
	c.SessionStart = l.now()
	l.persistLocked()
}

// BackendReport summarises one backend's usage.
type BackendReport struct {
	Backend        task.Backend `json:"backend"`
	SessionPercent float64      `json:"session_percent,omitempty"`
	WeeklyPercent  float64      `json:"weekly_percent,omitempty"`
	DailySpentUSD  float64      `json:"daily_spent_usd,omitempty"`
	MonthSpentUSD  float64      `json:"month_spent_usd,omitempty"`
	TotalTokens    int64        `json:"total_tokens"`
	TasksCompleted int          `json:"tasks_completed"`
}

// GetReport returns usage summaries for every backend.
func (l *Ledger) GetReport() []BackendReport {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.checkResetsLocked()

	reports := make([]BackendReport, 0, len(task.AllBackends))
	for _, b := range task.AllBackends {
		c, ok := l.doc.Backends[b]
		if !ok {
			continue
		}
		r := BackendReport{
			Backend:        b,
			TotalTokens:    c.TotalTokens,
			TasksCompleted: c.TasksCompleted,
			DailySpentUSD:  c.DailySpentUSD,
			MonthSpentUSD:  c.MonthSpentUSD,
		}
		if b.IsSubscription() {
			if allowance := l.config.SessionTokenAllowance[b]; allowance > 0 {
				r.SessionPercent = math.Min(100, float64(c.SessionTokens)/float64(allowance)*100)
			}
			if allowance := l.config.WeeklyTokenAllowance[b]; allowance > 0 {
				r.WeeklyPercent = math.Min(100, float64(c.WeeklyTokens)/float64(allowance)*100)
			}
		}
		reports = append(reports, r)
	}
	return reports
}

// SessionPercent returns a subscription backend's session utilisation in
// [0,100]. Non-subscription backends report 0.
func (l *Ledger) SessionPercent(b task.Backend) float64 {
	for _, r := range l.GetReport() {
		if r.Backend == b {
			return r.SessionPercent
		}
	}
	return 0
}

// SavingsReport is the savings tally summary.
type SavingsReport struct {
	TotalSaved    float64 `json:"total_saved"`
	WindowSaved   float64 `json:"window_saved"`
	WindowCount   int     `json:"window_count"`
	RetentionDays int     `json:"retention_days"`
}

// GetSavings returns the savings tally.
func (l *Ledger) GetSavings() SavingsReport {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.pruneSavingsLocked(l.now())

	var windowSum float64
	for _, e := range l.doc.Savings {
		windowSum += e.Amount
	}
	return SavingsReport{
		TotalSaved:    l.doc.TotalSaved,
		WindowSaved:   windowSum,
		WindowCount:   len(l.doc.Savings),
		RetentionDays: 90,
	}
}

// UserCost summarises one principal's paid-API spend.
type UserCost struct {
	UserID      string  `json:"user_id"`
	SpentUSD    float64 `json:"spent_usd"`
	Tokens      int64   `json:"tokens"`
	TasksRouted int     `json:"tasks_routed"`
}

// GetUserCosts returns per-principal spend mirrors.
func (l *Ledger) GetUserCosts() []UserCost {
	l.mu.Lock()
	defer l.mu.Unlock()

	costs := make([]UserCost, 0, len(l.doc.Users))
	for id, u := range l.doc.Users {
		costs = append(costs, UserCost{
			UserID:      id,
			SpentUSD:    u.SpentUSD,
			Tokens:      u.Tokens,
			TasksRouted: u.TasksRouted,
		})
	}
	return costs
}

func (l *Ledger) persistLocked() {
	if l.store == nil {
		return
	}
	if err := l.store.Save(state.FileLedger, l.doc); err != nil {
		l.log.Error("Failed to persist ledger", slog.String("error", err.Error()))
	}
}
