package replay

import (
	"context"
	"time"

	"github.com/ctrlai/chainlog/internal/audit"
)

// Run states.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// RunView is the state of a run derived from its events. Nothing stores
// it; it is recomputed on every read.
type RunView struct {
	RunID      string     `json:"run_id"`
	SessionID  string     `json:"session_id"`
	Status     string     `json:"status"`
	StartedAt  time.Time  `json:"started_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
	EventCount int        `json:"event_count"`
	ToolCalls  int        `json:"tool_calls"`

	// SessionIDs lists every session the run touched, for access checks.
	SessionIDs []string `json:"-"`
}

// Run folds the run's events into a RunView. Like SafeReplay, a run that
// is too large yields only RunID and SessionIDs alongside the error.
func (e *Engine) Run(ctx context.Context, runID string) (RunView, error) {
	events, err := e.runEvents(ctx, runID)
	if err != nil {
		return RunView{RunID: runID, SessionIDs: sessionsOf(events)}, err
	}
	return Fold(runID, events), nil
}

// Fold derives a run's state from its events in append order. A run is
// running from its first event; run.ended closes it as completed or
// failed, and any status other than those two counts as failed.
func Fold(runID string, events []audit.Event) RunView {
	v := RunView{RunID: runID, Status: StatusRunning, SessionIDs: sessionsOf(events)}
	for i, ev := range events {
		if i == 0 {
			v.SessionID = ev.SessionID
			v.StartedAt = ev.Timestamp
		}
		v.EventCount++

		switch ev.Type {
		case audit.TypeRunStarted:
			v.Status = StatusRunning
			v.StartedAt = ev.Timestamp
			v.EndedAt = nil
		case audit.TypeToolInvoked:
			v.ToolCalls++
		case audit.TypeRunEnded:
			status, _ := ev.Data["status"].(string)
			if status != StatusCompleted {
				status = StatusFailed
			}
			v.Status = status
			ended := ev.Timestamp
			v.EndedAt = &ended
		}
	}
	return v
}
