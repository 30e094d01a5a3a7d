// Package runner is the generic engine behind the penetration and session
// security suites: it executes registered cases with isolation, per-case
// timeouts, bounded concurrency, and atomic result snapshots.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/rankitpro/security-core/internal/util"
)

var (
	// ErrRunInProgress rejects a second RunAll while one is in flight.
	ErrRunInProgress = errors.New("run already in progress")
	// ErrUnknownTest is returned by RunOne for an unregistered test ID.
	ErrUnknownTest = errors.New("unknown test")
)

// Status is the execution outcome of a single case.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimeout   Status = "timeout"
	StatusAborted   Status = "aborted"
)

// VulnerabilityDetails describes a confirmed penetration finding.
type VulnerabilityDetails struct {
	Type        string `json:"type"`
	Description string `json:"description"`
	Impact      string `json:"impact"`
	Remediation string `json:"remediation"`
}

// SessionDetails carries the diagnostic detail of a session-lifecycle check.
type SessionDetails struct {
	Description     string   `json:"description"`
	Expected        string   `json:"expected"`
	Actual          string   `json:"actual"`
	Verdict         string   `json:"verdict"`
	Recommendations []string `json:"recommendations,omitempty"`
}

// Result is one case outcome. Success says whether the case ran to
// completion without crashing; the suite-specific verdict lives in the
// Vulnerable/Passed sections, only one of which a given suite fills in.
type Result struct {
	TestID     string    `json:"testId"`
	Success    bool      `json:"success"`
	Status     Status    `json:"status"`
	Error      string    `json:"error,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	DurationMs int64     `json:"durationMs"`

	Vulnerable           *bool                 `json:"vulnerable,omitempty"`
	VulnerabilityDetails *VulnerabilityDetails `json:"vulnerabilityDetails,omitempty"`

	Passed  *bool           `json:"passed,omitempty"`
	Details *SessionDetails `json:"details,omitempty"`
}

// Runnable is a single test case. Execute fills in the suite-specific
// sections of the Result; the runner owns TestID, Success, Status,
// Timestamp, and DurationMs. A returned error (target unreachable, probe
// failed mid-flight) becomes a failed Result, never an aborted run.
type Runnable interface {
	Execute(ctx context.Context) (Result, error)
}

// RunnableFunc adapts a function to the Runnable interface.
type RunnableFunc func(ctx context.Context) (Result, error)

func (f RunnableFunc) Execute(ctx context.Context) (Result, error) { return f(ctx) }

// Runner executes a named suite of cases. Only one RunAll per Runner may be
// in flight; its results replace the stored snapshot atomically when the run
// finishes, so readers always see a complete, consistent set.
type Runner struct {
	name           string
	caseTimeout    time.Duration
	maxConcurrency int64
	logger         *zap.Logger

	mu      sync.Mutex
	order   []string
	cases   map[string]Runnable
	running bool

	results atomic.Value // []Result
}

func New(name string, caseTimeout time.Duration, maxConcurrency int, logger *zap.Logger) *Runner {
	if caseTimeout <= 0 {
		caseTimeout = 10 * time.Second
	}
	if maxConcurrency <= 0 {
		maxConcurrency = 4
	}
	r := &Runner{
		name:           name,
		caseTimeout:    caseTimeout,
		maxConcurrency: int64(maxConcurrency),
		logger:         logger,
		cases:          make(map[string]Runnable),
	}
	r.results.Store([]Result{})
	return r
}

// Register adds a case under a suite-scoped unique ID. Re-registering an ID
// replaces the previous case.
func (r *Runner) Register(testID string, c Runnable) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.cases[testID]; !exists {
		r.order = append(r.order, testID)
	}
	r.cases[testID] = c
}

// Results returns the stored snapshot from the last completed run.
func (r *Runner) Results() []Result {
	snapshot := r.results.Load().([]Result)
	out := make([]Result, len(snapshot))
	copy(out, snapshot)
	return out
}

// Running reports whether a RunAll is in flight.
func (r *Runner) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// RunAll executes every registered case, at most maxConcurrency at a time.
// A second call while one is running returns ErrRunInProgress. The previous
// snapshot stays readable until this run completes, then is replaced in one
// swap. Cancelling ctx stops scheduling, signals in-flight cases, and marks
// unfinished cases Aborted.
func (r *Runner) RunAll(ctx context.Context) ([]Result, error) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return nil, ErrRunInProgress
	}
	r.running = true
	ids := make([]string, len(r.order))
	copy(ids, r.order)
	cases := make(map[string]Runnable, len(r.cases))
	for id, c := range r.cases {
		cases[id] = c
	}
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
	}()

	start := time.Now()
	r.logger.Info("suite run started",
		util.String("suite", r.name),
		util.Int("cases", len(ids)),
	)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make([]Result, len(ids))
	sem := semaphore.NewWeighted(r.maxConcurrency)
	var wg sync.WaitGroup

	for i, id := range ids {
		if err := sem.Acquire(runCtx, 1); err != nil {
			// Run cancelled before this case could start.
			results[i] = Result{
				TestID:    id,
				Success:   false,
				Status:    StatusAborted,
				Error:     "run cancelled before execution",
				Timestamp: time.Now(),
			}
			continue
		}
		wg.Add(1)
		go func(idx int, testID string, c Runnable) {
			defer wg.Done()
			defer sem.Release(1)
			results[idx] = r.execute(runCtx, testID, c)
		}(i, id, cases[id])
	}
	wg.Wait()

	r.results.Store(results)

	r.logger.Info("suite run finished",
		util.String("suite", r.name),
		util.Int("cases", len(results)),
		util.Duration("duration", time.Since(start)),
	)

	if err := ctx.Err(); err != nil {
		return r.Results(), err
	}
	return r.Results(), nil
}

// RunOne executes a single case and merges its result into the stored
// snapshot copy-on-write.
func (r *Runner) RunOne(ctx context.Context, testID string) (Result, error) {
	r.mu.Lock()
	c, ok := r.cases[testID]
	r.mu.Unlock()
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownTest, testID)
	}

	res := r.execute(ctx, testID, c)

	old := r.results.Load().([]Result)
	merged := make([]Result, 0, len(old)+1)
	replaced := false
	for _, prev := range old {
		if prev.TestID == testID {
			merged = append(merged, res)
			replaced = true
		} else {
			merged = append(merged, prev)
		}
	}
	if !replaced {
		merged = append(merged, res)
	}
	r.results.Store(merged)

	return res, nil
}

// execute runs one case with its own timeout and panic isolation. A hung
// case that ignores its context is abandoned at the deadline and reported as
// a timeout; it never stalls the rest of the run.
func (r *Runner) execute(ctx context.Context, testID string, c Runnable) Result {
	caseCtx, cancel := context.WithTimeout(ctx, r.caseTimeout)
	defer cancel()

	start := time.Now()
	done := make(chan Result, 1)

	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- Result{
					Success: false,
					Status:  StatusFailed,
					Error:   fmt.Sprintf("case panicked: %v", rec),
				}
			}
		}()
		res, err := c.Execute(caseCtx)
		if err != nil {
			res.Success = false
			res.Status = StatusFailed
			res.Error = err.Error()
		} else {
			res.Success = true
			res.Status = StatusCompleted
		}
		done <- res
	}()

	var res Result
	select {
	case res = <-done:
	case <-caseCtx.Done():
		status := StatusTimeout
		msg := "case exceeded timeout"
		if ctx.Err() != nil {
			status = StatusAborted
			msg = "run cancelled"
		}
		res = Result{
			Success: false,
			Status:  status,
			Error:   msg,
		}
	}

	res.TestID = testID
	res.Timestamp = start
	res.DurationMs = time.Since(start).Milliseconds()

	if !res.Success {
		r.logger.Warn("test case did not complete",
			util.String("suite", r.name),
			util.String("test_id", testID),
			util.String("status", string(res.Status)),
			util.String("error", res.Error),
		)
	}
	return res
}
