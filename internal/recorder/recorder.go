// Package recorder writes the lifecycle of sessions and runs to the audit
// ledger as typed events. Concurrent writers to one session can race for
// its tip; the recorder absorbs those conflicts with jittered backoff so
// callers see only real failures.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/ctrlai/chainlog/internal/audit"
)

// Defaults for Options.
const (
	DefaultMaxAttempts = 5
	DefaultBaseDelay   = 10 * time.Millisecond
)

// Appender is the write side of the ledger.
type Appender interface {
	Append(ctx context.Context, d audit.Draft) (audit.Event, error)
}

// Options tunes a Recorder. Zero values select the defaults.
type Options struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// Recorder emits typed audit events.
type Recorder struct {
	ledger      Appender
	maxAttempts int
	baseDelay   time.Duration
}

// New returns a Recorder writing to l.
func New(l Appender, opts Options) *Recorder {
	r := &Recorder{ledger: l, maxAttempts: opts.MaxAttempts, baseDelay: opts.BaseDelay}
	if r.maxAttempts <= 0 {
		r.maxAttempts = DefaultMaxAttempts
	}
	if r.baseDelay <= 0 {
		r.baseDelay = DefaultBaseDelay
	}
	return r
}

// Record appends d, retrying append conflicts. Any other error, including
// an encoding error, is returned at once.
func (r *Recorder) Record(ctx context.Context, d audit.Draft) (audit.Event, error) {
	var lastErr error
	for attempt := 0; attempt < r.maxAttempts; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, r.backoff(attempt)); err != nil {
				return audit.Event{}, fmt.Errorf("%w: %w", audit.ErrTimeout, err)
			}
		}
		ev, err := r.ledger.Append(ctx, d)
		if err == nil {
			return ev, nil
		}
		if !errors.Is(err, audit.ErrAppendConflict) {
			return audit.Event{}, err
		}
		lastErr = err
		slog.Debug("append conflict, retrying", "session", d.SessionID, "type", d.Type, "attempt", attempt+1)
	}
	slog.Warn("giving up after repeated append conflicts",
		"session", d.SessionID,
		"type", d.Type,
		"attempts", r.maxAttempts,
	)
	return audit.Event{}, lastErr
}

// backoff returns base * 2^(attempt-1), jittered to between half and the
// full value.
func (r *Recorder) backoff(attempt int) time.Duration {
	d := r.baseDelay << (attempt - 1)
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(half+1)))
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// SessionCreated records the start of a session.
func (r *Recorder) SessionCreated(ctx context.Context, sessionID, label string, metadata map[string]any) (audit.Event, error) {
	data := map[string]any{"label": label}
	if metadata != nil {
		data["metadata"] = metadata
	}
	return r.Record(ctx, audit.Draft{SessionID: sessionID, Type: audit.TypeSessionCreated, Data: data})
}

// MessageReceived records a message added to the session, optionally as
// part of a run.
func (r *Recorder) MessageReceived(ctx context.Context, sessionID, runID, messageID, role, content string) (audit.Event, error) {
	return r.Record(ctx, audit.Draft{
		SessionID: sessionID,
		RunID:     runID,
		Type:      audit.TypeMessageReceived,
		Data: map[string]any{
			"message_id": messageID,
			"role":       role,
			"content":    content,
		},
	})
}

// RunStarted records the start of a run.
func (r *Recorder) RunStarted(ctx context.Context, sessionID, runID string) (audit.Event, error) {
	return r.Record(ctx, audit.Draft{
		SessionID: sessionID,
		RunID:     runID,
		Type:      audit.TypeRunStarted,
		Data:      map[string]any{"status": "running"},
	})
}

// Decision is the outcome of a policy check on a tool call.
type Decision struct {
	Tool     string
	Decision string // "allow" or "block"
	Rule     string
	Reason   string
}

// PolicyDecision records a policy verdict.
func (r *Recorder) PolicyDecision(ctx context.Context, sessionID, runID string, d Decision) (audit.Event, error) {
	data := map[string]any{
		"tool":     d.Tool,
		"decision": d.Decision,
	}
	if d.Rule != "" {
		data["rule"] = d.Rule
	}
	if d.Reason != "" {
		data["reason"] = d.Reason
	}
	return r.Record(ctx, audit.Draft{SessionID: sessionID, RunID: runID, Type: audit.TypePolicyDecision, Data: data})
}

// ToolInvoked records a tool call and its arguments.
func (r *Recorder) ToolInvoked(ctx context.Context, sessionID, runID, tool string, args map[string]any) (audit.Event, error) {
	if args == nil {
		args = map[string]any{}
	}
	return r.Record(ctx, audit.Draft{
		SessionID: sessionID,
		RunID:     runID,
		Type:      audit.TypeToolInvoked,
		Data:      map[string]any{"tool": tool, "args": args},
	})
}

// ToolResult records a tool's output. A non-nil toolErr marks the call as
// failed and is stored as text.
func (r *Recorder) ToolResult(ctx context.Context, sessionID, runID, tool string, result map[string]any, toolErr error) (audit.Event, error) {
	data := map[string]any{"tool": tool, "ok": toolErr == nil}
	if result != nil {
		data["result"] = result
	}
	if toolErr != nil {
		data["error"] = toolErr.Error()
	}
	return r.Record(ctx, audit.Draft{SessionID: sessionID, RunID: runID, Type: audit.TypeToolResult, Data: data})
}

// ToolRunner executes a tool call on behalf of a run. It is where a run's
// side effects happen; replay never holds one.
type ToolRunner interface {
	Run(ctx context.Context, tool string, args map[string]any) (map[string]any, error)
}

// InvokeTool records tool.invoked, runs the tool and records the outcome as
// tool.result. The tool is not run when the invocation cannot be recorded.
// The tool's own error is recorded and returned.
func (r *Recorder) InvokeTool(ctx context.Context, sessionID, runID, tool string, args map[string]any, runner ToolRunner) (map[string]any, error) {
	if _, err := r.ToolInvoked(ctx, sessionID, runID, tool, args); err != nil {
		return nil, err
	}
	result, toolErr := runner.Run(ctx, tool, args)
	if _, err := r.ToolResult(ctx, sessionID, runID, tool, result, toolErr); err != nil {
		return result, errors.Join(toolErr, fmt.Errorf("recording result of %s: %w", tool, err))
	}
	return result, toolErr
}

// RunEnded records the end of a run. status is "completed" or "failed".
func (r *Recorder) RunEnded(ctx context.Context, sessionID, runID, status string) (audit.Event, error) {
	return r.Record(ctx, audit.Draft{
		SessionID: sessionID,
		RunID:     runID,
		Type:      audit.TypeRunEnded,
		Data:      map[string]any{"status": status},
	})
}
