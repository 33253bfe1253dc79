package models

// FrameType identifies a streamed frame on the artifact event stream.
type FrameType string

const (
	FrameProgress         FrameType = "data-artifact-progress"
	FrameCreationComplete FrameType = "data-artifact-creation-complete"
	FrameUpdateComplete   FrameType = "data-artifact-update-complete"
	FrameVersionComplete  FrameType = "data-artifact-version-complete"
	FrameError            FrameType = "error"
)

// ErrorKind distinguishes the error-shaped terminal frames.
type ErrorKind string

const (
	ErrorKindValidation ErrorKind = "validation"
	ErrorKindExecution  ErrorKind = "execution"
	ErrorKindTimeout    ErrorKind = "timeout"
)

// Frame is one event on an invocation's stream: zero or more progress
// frames followed by exactly one terminal frame. Frames from concurrent
// invocations on a shared connection are told apart by InvocationID.
type Frame struct {
	Type         FrameType `json:"type"`
	InvocationID string    `json:"invocationId,omitempty"`
	Data         any       `json:"data,omitempty"`
	ErrorText    string    `json:"errorText,omitempty"`
	ErrorKind    ErrorKind `json:"errorKind,omitempty"`
}

// Terminal reports whether the frame ends its invocation's stream.
func (f Frame) Terminal() bool {
	return f.Type != FrameProgress
}

// ProgressData is the payload of a progress frame.
type ProgressData struct {
	Progress int `json:"progress"`
}

// NewProgressFrame builds a progress frame for the given invocation.
func NewProgressFrame(invocationID string, progress int) Frame {
	return Frame{
		Type:         FrameProgress,
		InvocationID: invocationID,
		Data:         ProgressData{Progress: progress},
	}
}

// NewErrorFrame builds an error-shaped terminal frame.
func NewErrorFrame(invocationID, errorText string, kind ErrorKind) Frame {
	return Frame{
		Type:         FrameError,
		InvocationID: invocationID,
		ErrorText:    errorText,
		ErrorKind:    kind,
	}
}

// NewTerminalFrame builds a success terminal frame carrying the payload.
func NewTerminalFrame(frameType FrameType, invocationID string, data any) Frame {
	return Frame{
		Type:         frameType,
		InvocationID: invocationID,
		Data:         data,
	}
}
