package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	dto "github.com/prometheus/client_model/go"

	"github.com/inference-sim/chunked-prefill/sim"
	"github.com/inference-sim/chunked-prefill/sim/kv"
	"github.com/inference-sim/chunked-prefill/sim/trace"
)

// Report aggregates one run.
type Report struct {
	Requests        int                 `json:"requests"`
	Unsubmitted     int                 `json:"unsubmitted"`
	States          map[string]int      `json:"states"`
	Cycles          int64               `json:"cycles"`
	PromptTokens    int                 `json:"prompt_tokens"`
	GeneratedTokens int                 `json:"generated_tokens"`
	MaxBatchTokens  int                 `json:"max_batch_tokens"`
	PeakPrefill     int                 `json:"peak_prefill_tokens"`
	ForcedDecodes   int                 `json:"forced_decodes"`
	Preemptions     int                 `json:"preemptions"`
	Migrated        int                 `json:"migrated_blocks"`
	WallTime        time.Duration       `json:"-"`
	Trace           *trace.TraceSummary `json:"trace"`
	Metrics         []*dto.MetricFamily `json:"-"`
	Tiers           []tierUsage         `json:"-"`
}

// tierUsage tracks one cache tier over the run.
type tierUsage struct {
	tier      kv.Tier
	capacity  int
	peak      int
	allocated int
}

func newReport(opts runOptions) *Report {
	return &Report{
		Requests:       opts.Workload.Requests,
		States:         make(map[string]int),
		MaxBatchTokens: opts.Config.Batch.MaxBatchTokens,
	}
}

func (r *Report) observeStep(step sim.StepReport) {
	r.Cycles = step.Cycle
	r.PeakPrefill = max(r.PeakPrefill, step.PrefillTokens)
	r.ForcedDecodes += len(step.Forced)
	r.Preemptions += len(step.Preempted)
	r.Migrated += step.Migrated
}

func (r *Report) observeTiers(stats []kv.TierStats) {
	if r.Tiers == nil {
		r.Tiers = make([]tierUsage, len(stats))
	}
	for i, st := range stats {
		u := &r.Tiers[i]
		u.tier, u.capacity, u.allocated = st.Tier, st.Capacity, st.Allocated
		u.peak = max(u.peak, st.Allocated)
	}
}

func (r *Report) observeRequest(req sim.Request) {
	r.States[string(req.State)]++
	r.PromptTokens += req.PromptLen()
	r.GeneratedTokens += len(req.Output)
}

// Print writes the report as JSON, followed by the Prometheus metrics if gathered.
func (r *Report) Print(w io.Writer) {
	fmt.Fprintln(w, "=== Simulation Metrics ===")
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		fmt.Fprintf(w, "error marshalling report: %v\n", err)
		return
	}
	fmt.Fprintln(w, string(data))
	fmt.Fprintf(w, "Wall time            : %s\n", r.WallTime.Round(time.Millisecond))
	if len(r.Tiers) > 0 {
		fmt.Fprintln(w, "=== KV Cache Tiers ===")
		writeTiers(w, r.Tiers)
	}
	if len(r.Metrics) > 0 {
		fmt.Fprintln(w, "=== Prometheus Metrics ===")
		writeFamilies(w, r.Metrics)
	}
}

func writeTiers(w io.Writer, tiers []tierUsage) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"TIER", "CAPACITY", "PEAK", "ALLOCATED"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	for _, u := range tiers {
		table.Append([]string{u.tier.String(), fmt.Sprint(u.capacity), fmt.Sprint(u.peak), fmt.Sprint(u.allocated)})
	}
	table.Render()
}

// writeFamilies prints one line per sample in a text form close to the
// Prometheus exposition format.
func writeFamilies(w io.Writer, families []*dto.MetricFamily) {
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			name := mf.GetName() + formatLabels(m.GetLabel())
			switch mf.GetType() {
			case dto.MetricType_COUNTER:
				fmt.Fprintf(w, "%s %g\n", name, m.GetCounter().GetValue())
			case dto.MetricType_GAUGE:
				fmt.Fprintf(w, "%s %g\n", name, m.GetGauge().GetValue())
			case dto.MetricType_HISTOGRAM:
				h := m.GetHistogram()
				fmt.Fprintf(w, "%s_count %d\n", name, h.GetSampleCount())
				fmt.Fprintf(w, "%s_sum %g\n", name, h.GetSampleSum())
			}
		}
	}
}

func formatLabels(labels []*dto.LabelPair) string {
	if len(labels) == 0 {
		return ""
	}
	parts := make([]string, 0, len(labels))
	for _, l := range labels {
		parts = append(parts, fmt.Sprintf("%s=%q", l.GetName(), l.GetValue()))
	}
	sort.Strings(parts)
	return "{" + strings.Join(parts, ",") + "}"
}
