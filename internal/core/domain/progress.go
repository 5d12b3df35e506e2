package domain

import (
	"sort"
	"time"
)

// MaxRecentErrors bounds the error ring kept in BatchProgress.
const MaxRecentErrors = 5

// TaskError is a failed task kept for display.
type TaskError struct {
	Task  string    `json:"task"`
	Kind  string    `json:"kind"`
	Error string    `json:"error"`
	At    time.Time `json:"at"`
}

// BatchProgress tracks one orchestrator run.
type BatchProgress struct {
	TotalTasks      int         `json:"total_tasks"`
	CompletedTasks  int         `json:"completed_tasks"`
	SuccessfulTasks int         `json:"successful_tasks"`
	FailedTasks     int         `json:"failed_tasks"`
	APICallsUsed    int64       `json:"api_calls_used"`
	RecentErrors    []TaskError `json:"recent_errors"`
	StartTime       time.Time   `json:"start_time"`
}

// AddError appends to the error ring, dropping the oldest entry when full.
func (p *BatchProgress) AddError(e TaskError) {
	p.RecentErrors = append(p.RecentErrors, e)
	if len(p.RecentErrors) > MaxRecentErrors {
		p.RecentErrors = p.RecentErrors[len(p.RecentErrors)-MaxRecentErrors:]
	}
}

// Remaining returns the number of tasks not yet completed.
func (p *BatchProgress) Remaining() int {
	if r := p.TotalTasks - p.CompletedTasks; r > 0 {
		return r
	}
	return 0
}

// Percent returns completion in [0, 100].
func (p *BatchProgress) Percent() float64 {
	if p.TotalTasks == 0 {
		return 100
	}
	return float64(p.CompletedTasks) / float64(p.TotalTasks) * 100
}

// ETA estimates remaining time as elapsed / completed * remaining.
// It returns 0 until at least one task has completed.
func (p *BatchProgress) ETA(now time.Time) time.Duration {
	if p.CompletedTasks == 0 {
		return 0
	}
	elapsed := now.Sub(p.StartTime)
	perTask := elapsed / time.Duration(p.CompletedTasks)
	return perTask * time.Duration(p.Remaining())
}

// Clone returns a copy safe to hand to other goroutines.
func (p *BatchProgress) Clone() BatchProgress {
	c := *p
	c.RecentErrors = append([]TaskError(nil), p.RecentErrors...)
	return c
}

// FinalSummary is returned by every orchestrator run.
type FinalSummary struct {
	RunID             string        `json:"run_id"`
	Mode              string        `json:"mode"`
	Elapsed           time.Duration `json:"elapsed"`
	TotalRequests     int64         `json:"total_requests"`
	Successful        int           `json:"successful_updates"`
	Failed            int           `json:"failed_updates"`
	CategoriesUpdated []string      `json:"categories_updated"`
	SymbolsProcessed  int           `json:"symbols_processed"`
	Cancelled         bool          `json:"cancelled"`
}

// DurationMinutes returns the elapsed run time in minutes.
func (s FinalSummary) DurationMinutes() float64 {
	return s.Elapsed.Minutes()
}

// SortedCategories returns the category names of a set in stable order.
func SortedCategories(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// GovernorSnapshot is the observability view of the request budget.
type GovernorSnapshot struct {
	CallsInLastMinute   int       `json:"calls_in_last_minute"`
	RemainingThisMinute int       `json:"remaining_calls_this_minute"`
	SuccessCount        int64     `json:"successful_calls"`
	FailureCount        int64     `json:"failed_calls"`
	CallsToday          int64     `json:"calls_today"`
	DailyLimit          int       `json:"daily_limit"`
	CoolingDown         bool      `json:"cooling_down"`
	CooldownUntil       time.Time `json:"cooldown_until,omitempty"`
}
