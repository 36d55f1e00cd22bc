// Package progress models a milestone -> deliverable -> sub-task tree and
// moves it forward from signals scraped out of free-text execution logs.
//
// Progress is advisory. Nothing in the decision path reads it; it exists for
// the reporting layer.
package progress

import (
	"errors"
	"fmt"
)

// ErrInvalidMilestone is returned for malformed trees.
var ErrInvalidMilestone = errors.New("progress: invalid milestone")

// ErrNotFound is returned for unknown deliverable or sub-task ids.
var ErrNotFound = errors.New("progress: not found")

// Status of a sub-task.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusDone       Status = "done"
)

// SubTask is the leaf of the tree.
type SubTask struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	Status Status `json:"status"`
}

// Deliverable groups sub-tasks. One without sub-tasks is completed
// directly by a completion marker naming it.
type Deliverable struct {
	ID       string     `json:"id"`
	Title    string     `json:"title"`
	SubTasks []*SubTask `json:"sub_tasks,omitempty"`
	Done     bool       `json:"done"`
}

// Complete reports whether d and all its sub-tasks are done.
func (d *Deliverable) Complete() bool {
	if len(d.SubTasks) == 0 {
		return d.Done
	}
	for _, st := range d.SubTasks {
		if st.Status != StatusDone {
			return false
		}
	}
	return true
}

// Milestone owns a progress range [Min, Max] on the 0-100 scale.
type Milestone struct {
	ID           string         `json:"id"`
	Title        string         `json:"title"`
	Min          float64        `json:"min"`
	Max          float64        `json:"max"`
	Deliverables []*Deliverable `json:"deliverables"`
}

// Validate checks the range and id uniqueness.
func (m *Milestone) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidMilestone)
	}
	if m.Min < 0 || m.Max > 100 || m.Min > m.Max {
		return fmt.Errorf("%w: %s range [%v,%v] must satisfy 0 <= min <= max <= 100", ErrInvalidMilestone, m.ID, m.Min, m.Max)
	}
	ids := make(map[string]bool)
	for _, d := range m.Deliverables {
		if d.ID == "" || ids[d.ID] {
			return fmt.Errorf("%w: %s has an empty or duplicate deliverable id %q", ErrInvalidMilestone, m.ID, d.ID)
		}
		ids[d.ID] = true
		for _, st := range d.SubTasks {
			if st.ID == "" || ids[st.ID] {
				return fmt.Errorf("%w: %s has an empty or duplicate sub-task id %q", ErrInvalidMilestone, m.ID, st.ID)
			}
			ids[st.ID] = true
			if st.Status == "" {
				st.Status = StatusPending
			}
		}
	}
	return nil
}

// SignalKind classifies what a log line says.
type SignalKind string

const (
	SignalFileTouched  SignalKind = "file_touched"
	SignalPhaseKeyword SignalKind = "phase_keyword"
	SignalBlocker      SignalKind = "blocker"
	SignalUnblocked    SignalKind = "unblocked"
	SignalCompletion   SignalKind = "completion"
)

// Signal is one observation from a log.
type Signal struct {
	Kind SignalKind `json:"kind"`

	// Value is the file path, phase name or matched text.
	Value string `json:"value"`

	// Line is the log line the signal came from.
	Line string `json:"line"`
}

// DeliverableStatus is a deliverable's state in a Snapshot.
type DeliverableStatus struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Done     int    `json:"done"`
	Total    int    `json:"total"`
	Complete bool   `json:"complete"`
}

// Snapshot is the reportable view of a tracker.
type Snapshot struct {
	MilestoneID  string              `json:"milestone_id"`
	Percent      float64             `json:"percent"`
	Completed    int                 `json:"completed_deliverables"`
	Total        int                 `json:"total_deliverables"`
	FilesTouched int                 `json:"files_touched"`
	Files        []string            `json:"files,omitempty"`
	OpenBlockers []string            `json:"open_blockers,omitempty"`
	Phase        string              `json:"phase,omitempty"`
	Deliverables []DeliverableStatus `json:"deliverables"`
}
