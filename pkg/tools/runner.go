package tools

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/easel-ai/easel-engine/pkg/apperrors"
	"github.com/easel-ai/easel-engine/pkg/logging"
	"github.com/easel-ai/easel-engine/pkg/models"
)

// drainGrace bounds how long the runner waits for a cancelled tool to
// release its event stream before detaching from it.
const drainGrace = 2 * time.Second

// Outcome is the single terminal result of an invocation.
type Outcome struct {
	Status    models.InvocationStatus
	Content   string
	Metadata  map[string]string
	Persist   bool
	Err       error
	ErrorKind models.ErrorKind
}

// Runner drives tool invocations. For each invocation it races the tool's
// event sequence against the deadline timer and the external cancellation
// signal, and guarantees exactly one terminal outcome.
type Runner struct {
	defaultTimeout time.Duration
	tracker        *Tracker
	logger         *zap.Logger
}

// NewRunner creates an invocation runner.
func NewRunner(defaultTimeout time.Duration, tracker *Tracker, logger *zap.Logger) *Runner {
	if defaultTimeout <= 0 {
		defaultTimeout = 30 * time.Second
	}
	return &Runner{
		defaultTimeout: defaultTimeout,
		tracker:        tracker,
		logger:         logger.Named("tool-runner"),
	}
}

// Tracker exposes the runner's invocation records.
func (r *Runner) Tracker() *Tracker {
	return r.tracker
}

// NewInvocation registers a pending invocation with the default deadline.
// The deadline is wall-clock and absolute, measured from this call.
func (r *Runner) NewInvocation(toolName, requesterID string, agentID *uuid.UUID) *models.Invocation {
	now := time.Now()
	inv := &models.Invocation{
		ID:          uuid.New(),
		ToolName:    toolName,
		RequesterID: requesterID,
		AgentID:     agentID,
		Deadline:    now.Add(r.defaultTimeout),
		Status:      models.StatusPending,
		StartedAt:   now,
	}
	r.tracker.Add(inv)
	return inv
}

// Run executes one invocation to its terminal outcome. Progress events are
// forwarded through onProgress, clamped to 0-100 and monotonically
// non-decreasing; no progress call is made after the outcome is decided.
// On timeout or cancellation the tool is cooperatively cancelled and its
// event stream is drained before Run returns.
//
// commit, when non-nil, runs after the tool's terminal success event and
// before the invocation is marked succeeded; a commit error turns the
// outcome into a failure. Timed out, cancelled and failed outcomes never
// reach commit.
func (r *Runner) Run(ctx context.Context, inv *models.Invocation, tool Tool, args map[string]any, onProgress func(int), commit func(*Outcome) error) Outcome {
	if !r.tracker.Transition(inv, models.StatusRunning) {
		return Outcome{
			Status:    inv.Status,
			Err:       apperrors.NewExecutionError("start invocation", errors.New("invocation already started")),
			ErrorKind: models.ErrorKindExecution,
		}
	}

	// args come from the model and from clients; redact before logging
	rawArgs, _ := json.Marshal(args)
	r.logger.Debug("invocation started",
		zap.String("invocation_id", inv.ID.String()),
		zap.String("tool", inv.ToolName),
		zap.String("args", logging.SanitizeArguments(string(rawArgs))))

	runCtx, cancel := context.WithDeadline(ctx, inv.Deadline)
	defer cancel()

	events, err := tool.Run(runCtx, args)
	if err != nil {
		return r.finish(inv, outcomeForError(err))
	}

	lastProgress := 0
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				err := apperrors.NewExecutionError("run tool",
					errors.New("tool closed its event stream without a terminal event"))
				return r.finish(inv, outcomeForError(err))
			}
			if !ev.Terminal {
				if p := clampProgress(ev.Progress); p > lastProgress {
					lastProgress = p
					if onProgress != nil {
						onProgress(p)
					}
				}
				continue
			}
			if ev.Err != nil {
				return r.finish(inv, outcomeForError(ev.Err))
			}
			out := Outcome{
				Status:   models.StatusSucceeded,
				Content:  ev.Content,
				Metadata: ev.Metadata,
				Persist:  ev.Persist,
			}
			if commit != nil {
				if err := commit(&out); err != nil {
					return r.finish(inv, outcomeForError(err))
				}
			}
			return r.finish(inv, out)

		case <-runCtx.Done():
			// Tell the tool to stop and wait for it to unwind before
			// reporting the outcome. The external signal and the deadline
			// are distinguished by the parent context.
			cancel()
			r.drain(events, inv.ToolName)
			if ctx.Err() != nil {
				return r.finish(inv, Outcome{
					Status: models.StatusCancelled,
					Err:    ctx.Err(),
				})
			}
			return r.finish(inv, Outcome{
				Status:    models.StatusTimedOut,
				Err:       apperrors.NewExecutionError("run tool", context.DeadlineExceeded),
				ErrorKind: models.ErrorKindTimeout,
			})
		}
	}
}

// drain consumes the losing event stream until the tool closes it. A tool
// that ignores cancellation past the grace period is detached and left to
// the garbage collector; the runner never forcibly kills work.
func (r *Runner) drain(events <-chan Event, toolName string) {
	timer := time.NewTimer(drainGrace)
	defer timer.Stop()
	for {
		select {
		case _, ok := <-events:
			if !ok {
				return
			}
		case <-timer.C:
			r.logger.Warn("tool did not release its event stream after cancellation",
				zap.String("tool", toolName))
			go func() {
				for range events {
				}
			}()
			return
		}
	}
}

func (r *Runner) finish(inv *models.Invocation, out Outcome) Outcome {
	if !r.tracker.Transition(inv, out.Status) {
		// Lost a transition race; the recorded terminal state wins.
		out.Status = inv.Status
		return out
	}
	r.logger.Debug("invocation finished",
		zap.String("invocation_id", inv.ID.String()),
		zap.String("tool", inv.ToolName),
		zap.String("status", string(out.Status)))
	return out
}

// outcomeForError classifies a tool failure into the error taxonomy.
func outcomeForError(err error) Outcome {
	kind := models.ErrorKindExecution
	if apperrors.IsValidation(err) {
		kind = models.ErrorKindValidation
	}
	return Outcome{
		Status:    models.StatusFailed,
		Err:       err,
		ErrorKind: kind,
	}
}

func clampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
