package errors

import (
	"fmt"
	"io"
	"testing"
)

func TestWrap(t *testing.T) {
	if Wrap(nil, "context") != nil {
		t.Error("expected nil when wrapping nil")
	}

	err := Wrap(io.EOF, "read failed")
	if err.Error() != "read failed: EOF" {
		t.Errorf("unexpected message: %s", err.Error())
	}
	if !Is(err, io.EOF) {
		t.Error("expected wrapped error to match io.EOF")
	}
}

func TestCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Code
	}{
		{"nil", nil, OK},
		{"plain", io.EOF, Generic},
		{"coded", New(InvalidState, "busy"), InvalidState},
		{"wrapped coded", Wrap(New(Interrupted, "canceled"), "download"), Interrupted},
		{"outermost wins", WithCode(New(NotFound, "missing"), InvalidArgument, "bad"), InvalidArgument},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CodeOf(tt.err); got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestInfo(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{New(Generic, "Failed to extract package."), "Failed to extract package."},
		{WithCode(io.ErrUnexpectedEOF, Generic, "Failed to download package."), "Failed to download package."},
		{&Error{Code: Interrupted}, "Interrupted"},
		{fmt.Errorf("boom"), "boom"},
	}

	for _, tt := range tests {
		if got := Info(tt.err); got != tt.want {
			t.Errorf("expected %q, got %q", tt.want, got)
		}
	}
}

func TestIsMatchesByCode(t *testing.T) {
	err := Wrap(New(InvalidState, "workflow already in flight"), "update command")

	if !Is(err, &Error{Code: InvalidState}) {
		t.Error("expected code match")
	}
	if Is(err, &Error{Code: InvalidArgument}) {
		t.Error("unexpected match for different code")
	}
	if Is(err, &Error{Code: InvalidState, Msg: "other"}) {
		t.Error("unexpected match for different message")
	}
}
