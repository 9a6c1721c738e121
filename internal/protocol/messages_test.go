package protocol

import (
	"errors"
	"testing"
)

func TestValidateResponseShapes(t *testing.T) {
	req := InvocationRequest{ToolName: "correct_command", InvocationID: "abc", TimeoutMS: 300}

	if err := Success(req, "OPEN settings").Validate(req); err != nil {
		t.Fatalf("success: %v", err)
	}
	if err := Failure(req, "model crashed").Validate(req); err != nil {
		t.Fatalf("failure: %v", err)
	}
	if err := TimedOut(req).Validate(req); err != nil {
		t.Fatalf("timeout: %v", err)
	}

	bad := []InvocationResponse{
		{InvocationID: "abc", Outcome: OutcomeSuccess, ErrorDetail: "x"},
		{InvocationID: "abc", Outcome: OutcomeError, Result: "x"},
		{InvocationID: "abc", Outcome: OutcomeTimeout, Result: "x"},
		{InvocationID: "abc", Outcome: "MAYBE"},
	}
	for _, resp := range bad {
		if err := resp.Validate(req); err == nil {
			t.Fatalf("expected validation error for %+v", resp)
		}
	}
}

func TestValidateMismatchedID(t *testing.T) {
	req := InvocationRequest{InvocationID: "one"}
	err := Success(InvocationRequest{InvocationID: "two"}, "x").Validate(req)
	if !errors.Is(err, ErrMismatchedInvocation) {
		t.Fatalf("expected ErrMismatchedInvocation, got %v", err)
	}
}

func TestSubjects(t *testing.T) {
	if got := InvokeSubject("correct_command"); got != "tool.invoke.correct_command" {
		t.Fatalf("unexpected invoke subject %q", got)
	}
	if got := HeartbeatSubject("correct_command"); got != "ctrl.tool.heartbeat.correct_command" {
		t.Fatalf("unexpected heartbeat subject %q", got)
	}
	if (InvocationRequest{TimeoutMS: 250}).Timeout().Milliseconds() != 250 {
		t.Fatal("timeout conversion")
	}
}
