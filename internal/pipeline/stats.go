package pipeline

import "sync/atomic"

// Stats aggregates outcomes across every unit a runner has handled.
type Stats struct {
	processed    atomic.Int64
	approved     atomic.Int64
	rejected     atomic.Int64
	escalated    atomic.Int64
	failed       atomic.Int64
	resumed      atomic.Int64
	judgeSkipped atomic.Int64
	debugRuns    atomic.Int64
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	Processed    int64 `json:"processed"`
	Approved     int64 `json:"approved"`
	Rejected     int64 `json:"rejected"`
	Escalated    int64 `json:"escalated"`
	Failed       int64 `json:"failed"`
	Resumed      int64 `json:"resumed"`
	JudgeSkipped int64 `json:"judge_skipped"`
	DebugRuns    int64 `json:"debug_runs"`
}

// Snapshot reads every counter.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Processed:    s.processed.Load(),
		Approved:     s.approved.Load(),
		Rejected:     s.rejected.Load(),
		Escalated:    s.escalated.Load(),
		Failed:       s.failed.Load(),
		Resumed:      s.resumed.Load(),
		JudgeSkipped: s.judgeSkipped.Load(),
		DebugRuns:    s.debugRuns.Load(),
	}
}
