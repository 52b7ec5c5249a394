package trace

// TraceSummary aggregates statistics from recorded events.
type TraceSummary struct {
	Batches            int
	MeanPrefillTokens  float64
	MaxPrefillTokens   int
	AllocationFailures int
	Migrations         int
	MigrationFailures  int
	StarvationTriggers int
	Preemptions        int
	Finished           map[string]int // terminal state -> count
}

// Summarize computes aggregate statistics from a Recorder.
// Safe for nil or empty recorders (returns zero-value fields).
func Summarize(r *Recorder) *TraceSummary {
	summary := &TraceSummary{
		Finished: make(map[string]int),
	}
	if r == nil {
		return summary
	}

	totalPrefill := 0
	for _, ev := range r.Events() {
		switch e := ev.(type) {
		case BatchComposed:
			summary.Batches++
			totalPrefill += e.PrefillTokens
			if e.PrefillTokens > summary.MaxPrefillTokens {
				summary.MaxPrefillTokens = e.PrefillTokens
			}
		case AllocationFailed:
			summary.AllocationFailures++
		case Migrated:
			summary.Migrations++
		case MigrationFailed:
			summary.MigrationFailures++
		case DecodeStarved:
			summary.StarvationTriggers++
		case Preempted:
			summary.Preemptions++
		case RequestFinished:
			summary.Finished[e.State]++
		}
	}
	if summary.Batches > 0 {
		summary.MeanPrefillTokens = float64(totalPrefill) / float64(summary.Batches)
	}
	return summary
}
