package protocol

import "testing"

func TestIsKnownCode(t *testing.T) {
	cases := []string{
		"",
		ErrProtoBadRequest,
		ErrUnknownOp,
		ErrUnknownServer,
		ErrUnknownHost,
		ErrBadRequest,
		ErrRateLimit,
		ErrTimeout,
		ErrInternal,
	}
	for _, c := range cases {
		if !IsKnownCode(c) {
			t.Fatalf("expected known code: %q", c)
		}
	}
	if IsKnownCode("E_NOT_DEFINED") {
		t.Fatalf("expected unknown code rejected")
	}
}

func TestErrorString(t *testing.T) {
	e := &Error{Op: OpExec, Code: ErrBadRequest, Message: "threads must be >= 1"}
	if got := e.Error(); got != "exec: E_BAD_REQUEST: threads must be >= 1" {
		t.Fatalf("unexpected error string %q", got)
	}
	if got := (&Error{Op: OpIsAlive, Code: ErrInternal}).Error(); got != "is_alive: E_INTERNAL" {
		t.Fatalf("unexpected error string %q", got)
	}
}
