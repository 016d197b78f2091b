package llmrouter

import (
	"sync"
	"time"

	"github.com/autopr/autopr/internal/adapters"
	"github.com/autopr/autopr/internal/errkind"
)

// RunBudget caps LLM spend for one run. Reserve before the call, Commit the
// actual cost after; the invariant sum(committed) + reserved <= Cap holds at
// all times.
type RunBudget struct {
	mu       sync.Mutex
	cap      float64
	spent    float64
	reserved float64
}

func NewRunBudget(cap float64) *RunBudget {
	return &RunBudget{cap: cap}
}

func (b *RunBudget) Cap() float64 { return b.cap }

func (b *RunBudget) Spent() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.spent
}

// Remaining is the headroom for new reservations.
func (b *RunBudget) Remaining() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cap - b.spent - b.reserved
}

// Reserve claims headroom for an estimated cost; it fails with
// BudgetExceeded before any external call is made.
func (b *RunBudget) Reserve(est float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.spent+b.reserved+est > b.cap {
		return errkind.New(errkind.BudgetExceeded,
			"run budget exhausted: spent $%.4f + reserved $%.4f + est $%.4f > cap $%.4f",
			b.spent, b.reserved, est, b.cap)
	}
	b.reserved += est
	return nil
}

// Commit converts a reservation into actual spend.
func (b *RunBudget) Commit(est, actual float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reserved -= est
	if b.reserved < 0 {
		b.reserved = 0
	}
	b.spent += actual
}

// Release drops a reservation after a failed call.
func (b *RunBudget) Release(est float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reserved -= est
	if b.reserved < 0 {
		b.reserved = 0
	}
}

// WindowBudget enforces daily and monthly caps across runs. Zero caps mean
// unlimited.
type WindowBudget struct {
	mu         sync.Mutex
	clock      adapters.Clock
	dailyCap   float64
	monthlyCap float64

	day        string
	daySpend   float64
	month      string
	monthSpend float64
}

func NewWindowBudget(dailyCap, monthlyCap float64, clock adapters.Clock) *WindowBudget {
	if clock == nil {
		clock = adapters.RealClock{}
	}
	return &WindowBudget{clock: clock, dailyCap: dailyCap, monthlyCap: monthlyCap}
}

func (w *WindowBudget) roll(now time.Time) {
	day := now.Format("2006-01-02")
	if day != w.day {
		w.day = day
		w.daySpend = 0
	}
	month := now.Format("2006-01")
	if month != w.month {
		w.month = month
		w.monthSpend = 0
	}
}

// Remaining is the tighter of the two window headrooms.
func (w *WindowBudget) Remaining() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.roll(w.clock.Now())
	remaining := float64(maxSpend)
	if w.dailyCap > 0 && w.dailyCap-w.daySpend < remaining {
		remaining = w.dailyCap - w.daySpend
	}
	if w.monthlyCap > 0 && w.monthlyCap-w.monthSpend < remaining {
		remaining = w.monthlyCap - w.monthSpend
	}
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Record adds actual spend to the current windows.
func (w *WindowBudget) Record(cost float64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.roll(w.clock.Now())
	w.daySpend += cost
	w.monthSpend += cost
}

// maxSpend stands in for "unlimited" headroom.
const maxSpend = 1 << 30
