// Package analytics computes pipeline performance statistics from the
// persisted runs, transitions and gate results. All computation happens
// in memory over fetched rows so the same code serves the HTTP API and
// the CLI, and tests need no database.
package analytics

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/conveyorci/conveyor/internal/pipeline"
)

// Source provides the rows the statistics are computed from.
type Source interface {
	ListRuns(ctx context.Context) ([]*pipeline.Run, error)
	ListAllTransitions(ctx context.Context) ([]*pipeline.Transition, error)
	ListAllGateResults(ctx context.Context) ([]*pipeline.GateResult, error)
}

// StateDuration holds duration stats for one pipeline state.
type StateDuration struct {
	State string  `json:"state"`
	Count int     `json:"count"`
	Avg   float64 `json:"avg_minutes"`
	P50   float64 `json:"p50_minutes"`
	P95   float64 `json:"p95_minutes"`
}

// GateStat holds outcome rates for one verification gate.
type GateStat struct {
	Gate        string  `json:"gate"`
	Total       int     `json:"total"`
	PassPct     float64 `json:"pass_pct"`
	NonCritical float64 `json:"non_critical_pct"`
	Critical    float64 `json:"critical_pct"`
	TopFailures string  `json:"top_failures,omitempty"`
}

// FixCycleDist holds the fix-cycle distribution for runs that reached a
// terminal state.
type FixCycleDist struct {
	State     string  `json:"state"`
	Total     int     `json:"total"`
	Zero      float64 `json:"zero_cycles_pct"`
	One       float64 `json:"one_cycle_pct"`
	Two       float64 `json:"two_cycles_pct"`
	ThreePlus float64 `json:"three_plus_pct"`
}

// Throughput holds per-week run volume and outcome counts.
type Throughput struct {
	Period      string  `json:"period"`
	Created     int     `json:"created"`
	Completed   int     `json:"completed"`
	Failed      int     `json:"failed"`
	AvgDuration float64 `json:"avg_duration_hours"`
}

// Overview bundles all statistics for one response.
type Overview struct {
	StateDurations []StateDuration `json:"state_durations"`
	Gates          []GateStat      `json:"gates"`
	FixCycles      []FixCycleDist  `json:"fix_cycles"`
	Throughput     []Throughput    `json:"throughput"`
}

// Compute fetches all rows from src and derives the full overview.
func Compute(ctx context.Context, src Source) (*Overview, error) {
	runs, err := src.ListRuns(ctx)
	if err != nil {
		return nil, err
	}
	transitions, err := src.ListAllTransitions(ctx)
	if err != nil {
		return nil, err
	}
	results, err := src.ListAllGateResults(ctx)
	if err != nil {
		return nil, err
	}
	return &Overview{
		StateDurations: StateDurations(runs, transitions),
		Gates:          GateStats(results),
		FixCycles:      FixCycleDistribution(runs),
		Throughput:     WeeklyThroughput(runs),
	}, nil
}

// StateDurations derives time spent per state. Each transition closes a
// residency in its from-state; the residency opened at the previous
// transition for the same run, or at run creation for the first one.
func StateDurations(runs []*pipeline.Run, transitions []*pipeline.Transition) []StateDuration {
	entered := make(map[string]float64, len(runs))
	createdAt := make(map[string]float64, len(runs))
	for _, run := range runs {
		key := run.ID.String()
		createdAt[key] = float64(run.CreatedAt.UnixMilli())
		entered[key] = createdAt[key]
	}

	ordered := make([]*pipeline.Transition, len(transitions))
	copy(ordered, transitions)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].CreatedAt.Before(ordered[j].CreatedAt)
	})

	durations := make(map[string][]float64)
	for _, tr := range ordered {
		key := tr.RunID.String()
		start, ok := entered[key]
		if !ok {
			continue
		}
		end := float64(tr.CreatedAt.UnixMilli())
		if minutes := (end - start) / 60000; minutes > 0 {
			state := string(tr.FromState)
			durations[state] = append(durations[state], minutes)
		}
		entered[key] = end
	}

	out := make([]StateDuration, 0, len(durations))
	for state, mins := range durations {
		sort.Float64s(mins)
		out = append(out, StateDuration{
			State: state,
			Count: len(mins),
			Avg:   avg(mins),
			P50:   percentile(mins, 50),
			P95:   percentile(mins, 95),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].State < out[j].State })
	return out
}

// GateStats derives per-gate outcome rates and the most frequently
// failing test names.
func GateStats(results []*pipeline.GateResult) []GateStat {
	type counts struct {
		total, pass, nonCritical, critical int
		failures                           map[string]int
	}
	byGate := make(map[string]*counts)
	for _, r := range results {
		c, ok := byGate[r.Gate]
		if !ok {
			c = &counts{failures: make(map[string]int)}
			byGate[r.Gate] = c
		}
		c.total++
		switch r.Outcome {
		case pipeline.OutcomePass:
			c.pass++
		case pipeline.OutcomeNonCriticalFail:
			c.nonCritical++
		case pipeline.OutcomeCriticalFail:
			c.critical++
		}
		for _, name := range r.FailedNames {
			c.failures[name]++
		}
	}

	out := make([]GateStat, 0, len(byGate))
	for gate, c := range byGate {
		out = append(out, GateStat{
			Gate:        gate,
			Total:       c.total,
			PassPct:     pct(c.pass, c.total),
			NonCritical: pct(c.nonCritical, c.total),
			Critical:    pct(c.critical, c.total),
			TopFailures: topNames(c.failures, 3),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Gate < out[j].Gate })
	return out
}

// FixCycleDistribution derives how many fix cycles terminal runs needed,
// grouped by the state they ended in.
func FixCycleDistribution(runs []*pipeline.Run) []FixCycleDist {
	type cycleCount struct {
		zero, one, two, threePlus, total int
	}
	byState := make(map[string]*cycleCount)
	for _, run := range runs {
		if !pipeline.IsTerminal(run.State) {
			continue
		}
		state := string(run.State)
		cc, ok := byState[state]
		if !ok {
			cc = &cycleCount{}
			byState[state] = cc
		}
		cc.total++
		switch {
		case run.FixCycleCount == 0:
			cc.zero++
		case run.FixCycleCount == 1:
			cc.one++
		case run.FixCycleCount == 2:
			cc.two++
		default:
			cc.threePlus++
		}
	}

	out := make([]FixCycleDist, 0, len(byState))
	for state, cc := range byState {
		out = append(out, FixCycleDist{
			State:     state,
			Total:     cc.total,
			Zero:      pct(cc.zero, cc.total),
			One:       pct(cc.one, cc.total),
			Two:       pct(cc.two, cc.total),
			ThreePlus: pct(cc.threePlus, cc.total),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].State < out[j].State })
	return out
}

// WeeklyThroughput groups runs by ISO week of creation. Average duration
// counts completed runs only, creation to last update. The ten most
// recent weeks are returned, newest first.
func WeeklyThroughput(runs []*pipeline.Run) []Throughput {
	type weekInfo struct {
		created, completed, failed int
		completedHours             []float64
	}
	byWeek := make(map[string]*weekInfo)
	for _, run := range runs {
		year, week := run.CreatedAt.ISOWeek()
		period := formatWeek(year, week)
		wi, ok := byWeek[period]
		if !ok {
			wi = &weekInfo{}
			byWeek[period] = wi
		}
		wi.created++
		switch run.State {
		case pipeline.StateDone:
			wi.completed++
			wi.completedHours = append(wi.completedHours, run.UpdatedAt.Sub(run.CreatedAt).Hours())
		case pipeline.StateFailed:
			wi.failed++
		}
	}

	out := make([]Throughput, 0, len(byWeek))
	for period, wi := range byWeek {
		out = append(out, Throughput{
			Period:      period,
			Created:     wi.created,
			Completed:   wi.completed,
			Failed:      wi.failed,
			AvgDuration: math.Round(avg(wi.completedHours)*10) / 10,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Period > out[j].Period })
	if len(out) > 10 {
		out = out[:10]
	}
	return out
}

// formatWeek pads both parts so periods sort lexically.
func formatWeek(year, week int) string {
	return fmt.Sprintf("%04d-W%02d", year, week)
}

func topNames(counts map[string]int, n int) string {
	type entry struct {
		name  string
		count int
	}
	entries := make([]entry, 0, len(counts))
	for name, count := range counts {
		entries = append(entries, entry{name, count})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].count != entries[j].count {
			return entries[i].count > entries[j].count
		}
		return entries[i].name < entries[j].name
	})
	if len(entries) > n {
		entries = entries[:n]
	}
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.name
	}
	return strings.Join(names, ", ")
}

func avg(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return math.Round(sum/float64(len(values))*10) / 10
}

// percentile expects values sorted ascending and interpolates linearly
// between ranks.
func percentile(sorted []float64, p int) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := float64(p) / 100.0 * float64(len(sorted)-1)
	lower := int(math.Floor(rank))
	upper := int(math.Ceil(rank))
	if lower == upper || upper >= len(sorted) {
		return math.Round(sorted[lower]*10) / 10
	}
	weight := rank - float64(lower)
	return math.Round((sorted[lower]*(1-weight)+sorted[upper]*weight)*10) / 10
}

func pct(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return math.Round(float64(n)/float64(total)*1000) / 10
}
