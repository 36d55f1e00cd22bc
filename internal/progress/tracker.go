package progress

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

const (
	// FileTouchBonus is added while at least one file has been touched.
	FileTouchBonus = 5.0

	// BlockerPenalty is subtracted while any blocker is open.
	BlockerPenalty = 5.0
)

// Tracker applies signals to one milestone. It is safe for concurrent use.
type Tracker struct {
	mu        sync.Mutex
	milestone *Milestone
	detector  *Detector
	files     map[string]struct{}
	blockers  []string
	phase     string
}

// NewTracker validates m and tracks it. A nil detector uses NewDetector().
func NewTracker(m *Milestone, detector *Detector) (*Tracker, error) {
	if m == nil {
		return nil, fmt.Errorf("%w: nil milestone", ErrInvalidMilestone)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	if detector == nil {
		detector = NewDetector()
	}
	return &Tracker{
		milestone: m,
		detector:  detector,
		files:     make(map[string]struct{}),
	}, nil
}

// Ingest detects signals in log and applies them. It returns the signals
// it found.
func (t *Tracker) Ingest(log string) []Signal {
	signals := t.detector.Detect(log)
	t.Apply(signals...)
	return signals
}

// Apply updates the tree from signals, in order.
func (t *Tracker) Apply(signals ...Signal) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range signals {
		switch s.Kind {
		case SignalFileTouched:
			t.files[s.Value] = struct{}{}
			t.startFor(s.Value)
		case SignalPhaseKeyword:
			t.phase = s.Value
		case SignalBlocker:
			t.blockers = append(t.blockers, s.Line)
		case SignalUnblocked:
			t.blockers = nil
		case SignalCompletion:
			t.complete(s.Line)
		}
	}
}

// startFor moves the first pending sub-task mentioning path to in_progress.
func (t *Tracker) startFor(path string) {
	for _, d := range t.milestone.Deliverables {
		for _, st := range d.SubTasks {
			if st.Status == StatusPending && mentions(path, st.ID, st.Title) {
				st.Status = StatusInProgress
				return
			}
		}
	}
}

// complete marks every sub-task or leaf deliverable the line names as done.
func (t *Tracker) complete(line string) {
	for _, d := range t.milestone.Deliverables {
		if len(d.SubTasks) == 0 {
			if mentions(line, d.ID, d.Title) {
				d.Done = true
			}
			continue
		}
		for _, st := range d.SubTasks {
			if mentions(line, st.ID, st.Title) {
				st.Status = StatusDone
			}
		}
		d.Done = d.Complete()
	}
}

func mentions(text string, names ...string) bool {
	text = strings.ToLower(text)
	for _, n := range names {
		if n = strings.ToLower(strings.TrimSpace(n)); n != "" && strings.Contains(text, n) {
			return true
		}
	}
	return false
}

// SetSubTask sets a sub-task's status directly.
func (t *Tracker) SetSubTask(subTaskID string, status Status) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, d := range t.milestone.Deliverables {
		for _, st := range d.SubTasks {
			if st.ID == subTaskID {
				st.Status = status
				d.Done = d.Complete()
				return nil
			}
		}
	}
	return fmt.Errorf("%w: sub-task %q", ErrNotFound, subTaskID)
}

// Restore reinstates the log-derived state of an earlier snapshot: touched
// files, open blockers and the current phase. The tree itself lives in the
// milestone.
func (t *Tracker) Restore(snap Snapshot) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, f := range snap.Files {
		t.files[f] = struct{}{}
	}
	t.blockers = append([]string(nil), snap.OpenBlockers...)
	t.phase = snap.Phase
}

// ResolveBlockers clears every open blocker.
func (t *Tracker) ResolveBlockers() {
	t.mu.Lock()
	t.blockers = nil
	t.mu.Unlock()
}

// Snapshot computes the current view.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	m := t.milestone
	snap := Snapshot{
		MilestoneID:  m.ID,
		Total:        len(m.Deliverables),
		FilesTouched: len(t.files),
		OpenBlockers: append([]string(nil), t.blockers...),
		Phase:        t.phase,
		Deliverables: make([]DeliverableStatus, 0, len(m.Deliverables)),
	}
	for _, d := range m.Deliverables {
		ds := DeliverableStatus{ID: d.ID, Title: d.Title, Total: len(d.SubTasks), Complete: d.Complete()}
		for _, st := range d.SubTasks {
			if st.Status == StatusDone {
				ds.Done++
			}
		}
		if ds.Complete {
			snap.Completed++
		}
		snap.Deliverables = append(snap.Deliverables, ds)
	}
	for f := range t.files {
		snap.Files = append(snap.Files, f)
	}
	sort.Strings(snap.Files)
	snap.Percent = Percent(m.Min, m.Max, snap.Completed, snap.Total, snap.FilesTouched > 0, len(snap.OpenBlockers) > 0)
	return snap
}

// Files returns the touched paths, sorted.
func (t *Tracker) Files() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.files))
	for f := range t.files {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// Percent interpolates completed/total into [min, max], nudges it by the
// file-touch bonus and blocker penalty, and clamps the result to [min, max].
func Percent(lo, hi float64, completed, total int, touched, blocked bool) float64 {
	p := lo
	if total > 0 {
		p = lo + float64(completed)/float64(total)*(hi-lo)
	}
	if touched {
		p += FileTouchBonus
	}
	if blocked {
		p -= BlockerPenalty
	}
	if p < lo {
		p = lo
	}
	if p > hi {
		p = hi
	}
	return p
}
