package protocol

import (
	"errors"
	"fmt"
	"time"
)

// Outcome is the terminal state of one tool invocation.
type Outcome string

const (
	OutcomeSuccess Outcome = "SUCCESS"
	OutcomeError   Outcome = "ERROR"
	OutcomeTimeout Outcome = "TIMEOUT"
)

// ArgText is the argument key carrying the corrector payload.
const ArgText = "text"

// MCP has no envelope of its own, so the invocation id and timeout travel in
// the call's _meta under these keys.
const (
	MetaInvocationID = "vcc/invocation_id"
	MetaTimeoutMS    = "vcc/timeout_ms"
)

// InvocationRequest is the envelope sent to a tool host. It is transport
// independent and carries only the fields below.
type InvocationRequest struct {
	ToolName     string            `json:"tool_name"`
	InvocationID string            `json:"invocation_id"`
	Arguments    map[string]string `json:"arguments"`
	TimeoutMS    int64             `json:"timeout_ms"`
}

// Timeout returns TimeoutMS as a duration.
func (r InvocationRequest) Timeout() time.Duration {
	return time.Duration(r.TimeoutMS) * time.Millisecond
}

// InvocationResponse answers exactly one InvocationRequest.
type InvocationResponse struct {
	InvocationID string  `json:"invocation_id"`
	Outcome      Outcome `json:"outcome"`
	Result       string  `json:"result,omitempty"`
	ErrorDetail  string  `json:"error_detail,omitempty"`
}

var ErrMismatchedInvocation = errors.New("response does not match invocation id")

// Validate checks the response shape against the request it answers.
func (r InvocationResponse) Validate(req InvocationRequest) error {
	if r.InvocationID != req.InvocationID {
		return fmt.Errorf("%w: got %q want %q", ErrMismatchedInvocation, r.InvocationID, req.InvocationID)
	}
	switch r.Outcome {
	case OutcomeSuccess:
		if r.ErrorDetail != "" {
			return errors.New("success response carries error_detail")
		}
	case OutcomeError:
		if r.Result != "" {
			return errors.New("error response carries result")
		}
	case OutcomeTimeout:
		if r.Result != "" || r.ErrorDetail != "" {
			return errors.New("timeout response carries payload")
		}
	default:
		return fmt.Errorf("unknown outcome %q", r.Outcome)
	}
	return nil
}

// Success builds a SUCCESS response for req.
func Success(req InvocationRequest, result string) InvocationResponse {
	return InvocationResponse{InvocationID: req.InvocationID, Outcome: OutcomeSuccess, Result: result}
}

// Failure builds an ERROR response for req.
func Failure(req InvocationRequest, detail string) InvocationResponse {
	return InvocationResponse{InvocationID: req.InvocationID, Outcome: OutcomeError, ErrorDetail: detail}
}

// TimedOut builds a TIMEOUT response for req.
func TimedOut(req InvocationRequest) InvocationResponse {
	return InvocationResponse{InvocationID: req.InvocationID, Outcome: OutcomeTimeout}
}

// ToolAnnouncement advertises a tool on the bus.
type ToolAnnouncement struct {
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	HostID      string    `json:"host_id"`
	Healthy     bool      `json:"healthy"`
	Reason      string    `json:"reason,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// SpeakRequest asks a bus-attached speech engine to render text.
type SpeakRequest struct {
	SequenceID uint64 `json:"sequence_id"`
	Text       string `json:"text"`
	Voice      string `json:"voice,omitempty"`
	Target     string `json:"target,omitempty"`
}

// SpeakStatus is the completion reply for a SpeakRequest.
type SpeakStatus struct {
	SequenceID uint64    `json:"sequence_id"`
	Completed  bool      `json:"completed"`
	Error      string    `json:"error,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// CommandSubmit carries one raw command over the bus intake subject.
type CommandSubmit struct {
	Text   string `json:"text"`
	Source string `json:"source,omitempty"`
}

const (
	SubjectCommand           = "vcc.command"
	SubjectToolInvokePrefix  = "tool.invoke"
	SubjectToolAnnounce      = "ctrl.tool.announce"
	SubjectToolHeartbeatRoot = "ctrl.tool.heartbeat"
	SubjectSpeak             = "tts.speak"
)

// InvokeSubject is the request/reply subject serving toolName.
func InvokeSubject(toolName string) string {
	return SubjectToolInvokePrefix + "." + toolName
}

// HeartbeatSubject is the subject a host publishes toolName heartbeats on.
func HeartbeatSubject(toolName string) string {
	return SubjectToolHeartbeatRoot + "." + toolName
}
