package observability

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// DefaultMaxObservations bounds the observations kept per operation.
const DefaultMaxObservations = 1000

// SLOTarget is a latency and success objective for one operation, for
// example a pipeline stage.
type SLOTarget struct {
	Operation   string        `json:"operation"`
	LatencyP99  time.Duration `json:"latency_p99"`
	SuccessRate float64       `json:"success_rate"`
	Window      time.Duration `json:"window"`
}

type SLOObservation struct {
	Operation string        `json:"operation"`
	Latency   time.Duration `json:"latency"`
	Success   bool          `json:"success"`
	Timestamp time.Time     `json:"timestamp"`
}

// SLOStatus reports compliance over the target window.
type SLOStatus struct {
	Operation        string        `json:"operation"`
	P99              time.Duration `json:"p99"`
	SuccessRate      float64       `json:"success_rate"`
	InCompliance     bool          `json:"in_compliance"`
	BurnRate         float64       `json:"burn_rate"`
	ErrorBudgetLeft  float64       `json:"error_budget_left"`
	ObservationCount int           `json:"observation_count"`
}

// SLOTracker keeps a bounded, windowed set of observations per operation.
type SLOTracker struct {
	mu           sync.Mutex
	targets      map[string]SLOTarget
	observations map[string][]SLOObservation
	max          int
	clock        func() time.Time
}

func NewSLOTracker() *SLOTracker {
	return &SLOTracker{
		targets:      make(map[string]SLOTarget),
		observations: make(map[string][]SLOObservation),
		max:          DefaultMaxObservations,
		clock:        time.Now,
	}
}

// WithClock overrides the clock for testing.
func (t *SLOTracker) WithClock(clock func() time.Time) *SLOTracker {
	t.clock = clock
	return t
}

func (t *SLOTracker) SetTarget(target SLOTarget) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.targets[target.Operation] = target
}

func (t *SLOTracker) Record(obs SLOObservation) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if obs.Timestamp.IsZero() {
		obs.Timestamp = t.clock()
	}
	buf := append(t.observations[obs.Operation], obs)
	if len(buf) > t.max {
		buf = append(buf[:0:0], buf[len(buf)-t.max:]...)
	}
	t.observations[obs.Operation] = buf
}

// Status computes compliance for operation. An empty window is compliant.
func (t *SLOTracker) Status(operation string) (SLOStatus, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	target, ok := t.targets[operation]
	if !ok {
		return SLOStatus{}, fmt.Errorf("no SLO target for operation %q", operation)
	}

	windowStart := t.clock().Add(-target.Window)
	var latencies []time.Duration
	success := 0
	for _, obs := range t.observations[operation] {
		if !obs.Timestamp.After(windowStart) {
			continue
		}
		latencies = append(latencies, obs.Latency)
		if obs.Success {
			success++
		}
	}

	st := SLOStatus{Operation: operation, InCompliance: true, ErrorBudgetLeft: 100, SuccessRate: 1}
	if len(latencies) == 0 {
		return st, nil
	}

	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	idx := int(float64(len(latencies)) * 0.99)
	if idx >= len(latencies) {
		idx = len(latencies) - 1
	}
	st.P99 = latencies[idx]
	st.SuccessRate = float64(success) / float64(len(latencies))
	st.ObservationCount = len(latencies)
	st.InCompliance = st.P99 <= target.LatencyP99 && st.SuccessRate >= target.SuccessRate

	budget := 1 - target.SuccessRate
	errRate := 1 - st.SuccessRate
	if budget > 0 {
		st.BurnRate = errRate / budget
		st.ErrorBudgetLeft = 100 * (1 - st.BurnRate)
	} else if errRate > 0 {
		st.ErrorBudgetLeft = 0
	}
	if st.ErrorBudgetLeft < 0 {
		st.ErrorBudgetLeft = 0
	}
	return st, nil
}

// Operations returns the operations with a target, sorted.
func (t *SLOTracker) Operations() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.targets))
	for op := range t.targets {
		out = append(out, op)
	}
	sort.Strings(out)
	return out
}
