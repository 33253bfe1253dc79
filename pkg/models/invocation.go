package models

import (
	"time"

	"github.com/google/uuid"
)

// InvocationStatus is the lifecycle state of one tool execution attempt.
// Transitions are monotonic: pending -> running -> exactly one terminal
// state, never back.
type InvocationStatus string

const (
	StatusPending   InvocationStatus = "pending"
	StatusRunning   InvocationStatus = "running"
	StatusSucceeded InvocationStatus = "succeeded"
	StatusFailed    InvocationStatus = "failed"
	StatusTimedOut  InvocationStatus = "timed_out"
	StatusCancelled InvocationStatus = "cancelled"
)

// Terminal reports whether s is a terminal status.
func (s InvocationStatus) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusTimedOut, StatusCancelled:
		return true
	}
	return false
}

// Invocation is one execution attempt of a tool. It lives for the process
// lifetime only; its output is persisted separately as a document version
// when the attempt succeeds.
type Invocation struct {
	ID          uuid.UUID        `json:"id"`
	ToolName    string           `json:"tool_name"`
	RequesterID string           `json:"requester_id"`
	AgentID     *uuid.UUID       `json:"agent_id,omitempty"`
	Deadline    time.Time        `json:"deadline"`
	Status      InvocationStatus `json:"status"`
	StartedAt   time.Time        `json:"started_at"`
	FinishedAt  *time.Time       `json:"finished_at,omitempty"`
}
