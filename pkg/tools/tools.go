// Package tools defines the tool capability contract and the invocation
// runner that executes tools under a deadline with cooperative cancellation.
package tools

import (
	"context"
	"encoding/json"
)

// Event is one element of a tool's event sequence: zero or more progress
// events terminated by exactly one terminal event. The sequence is lazy,
// finite and non-restartable; the tool closes the channel after the
// terminal event.
type Event struct {
	// Progress is a 0-100 percentage, meaningful on non-terminal events.
	Progress int

	// Terminal marks the final event of the sequence.
	Terminal bool

	// Content is the terminal payload.
	Content string

	// Metadata is opaque key/value detail attached to the payload.
	Metadata map[string]string

	// Persist indicates the payload should be stored as an artifact version.
	Persist bool

	// Err is the terminal error, if the tool failed.
	Err error
}

// Tool is a single executable capability. Run returns the event sequence
// for one invocation; it must observe ctx and unwind promptly when the
// context is cancelled. Errors detectable before the sequence starts
// (malformed arguments) are returned synchronously.
type Tool interface {
	Run(ctx context.Context, args map[string]any) (<-chan Event, error)
}

// Descriptor describes a tool in the aggregated catalog.
type Descriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Provider    string          `json:"provider"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// Provider is an external or builtin source of tool definitions.
type Provider interface {
	// Name identifies the provider in catalogs and allow-lists.
	Name() string

	// ListTools returns the provider's current tool descriptors.
	ListTools(ctx context.Context) ([]Descriptor, error)

	// Lookup resolves a tool by name for execution.
	Lookup(name string) (Tool, bool)
}
