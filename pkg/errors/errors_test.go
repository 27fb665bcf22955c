package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestError(t *testing.T) {
	err := New(ErrCodeInvalidConfig, "unknown board: %s", "Nexys")

	if err.Code != ErrCodeInvalidConfig {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeInvalidConfig)
	}
	if err.Message != "unknown board: Nexys" {
		t.Errorf("Message = %q, want %q", err.Message, "unknown board: Nexys")
	}
	if err.Error() != "INVALID_CONFIG: unknown board: Nexys" {
		t.Errorf("Error() = %q", err.Error())
	}
}

func TestWrap(t *testing.T) {
	cause := fmt.Errorf("matmul: shape mismatch")
	err := Wrap(ErrCodeRewriteFailed, cause, "pass %s", "MoveAddPastMul")

	if !errors.Is(err, cause) {
		t.Error("errors.Is should find wrapped cause")
	}
	want := "REWRITE_FAILED: pass MoveAddPastMul: matmul: shape mismatch"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestIs(t *testing.T) {
	err := New(ErrCodeSimulationFailed, "deadlock")
	wrapped := fmt.Errorf("set_fifo_depths: %w", err)

	tests := []struct {
		name string
		err  error
		code Code
		want bool
	}{
		{"direct match", err, ErrCodeSimulationFailed, true},
		{"wrapped match", wrapped, ErrCodeSimulationFailed, true},
		{"different code", err, ErrCodeStepFailed, false},
		{"plain error", fmt.Errorf("x"), ErrCodeSimulationFailed, false},
		{"nil", nil, ErrCodeSimulationFailed, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Is(tt.err, tt.code); got != tt.want {
				t.Errorf("Is() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestHas(t *testing.T) {
	inner := New(ErrCodeStructuralViolation, "dangling tensor")
	outer := Wrap(ErrCodeStepFailed, inner, "step tidy")

	if Is(outer, ErrCodeStructuralViolation) {
		t.Error("Is() should only inspect the outermost code")
	}
	if !Has(outer, ErrCodeStructuralViolation) {
		t.Error("Has() should find the inner code")
	}
	if !Has(outer, ErrCodeStepFailed) {
		t.Error("Has() should find the outer code")
	}
	if Has(outer, ErrCodeInternal) {
		t.Error("Has() found a code that is not in the chain")
	}
}

func TestGetCode(t *testing.T) {
	if got := GetCode(New(ErrCodeNotFound, "x")); got != ErrCodeNotFound {
		t.Errorf("GetCode() = %v, want %v", got, ErrCodeNotFound)
	}
	if got := GetCode(fmt.Errorf("plain")); got != "" {
		t.Errorf("GetCode() = %v, want empty", got)
	}
}

func TestUserMessage(t *testing.T) {
	if got := UserMessage(New(ErrCodeInvalidFolding, "bad PE")); got != "bad PE" {
		t.Errorf("UserMessage() = %q", got)
	}
	if got := UserMessage(fmt.Errorf("plain")); got != "plain" {
		t.Errorf("UserMessage() = %q", got)
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		code Code
		want int
	}{
		{ErrCodeInvalidModel, 400},
		{ErrCodeInvalidStep, 400},
		{ErrCodeNotFound, 404},
		{ErrCodeStepFailed, 422},
		{ErrCodeUnsupported, 501},
		{ErrCodeInternal, 500},
	}

	for _, tt := range tests {
		if got := HTTPStatus(New(tt.code, "x")); got != tt.want {
			t.Errorf("HTTPStatus(%s) = %d, want %d", tt.code, got, tt.want)
		}
	}
	if got := HTTPStatus(fmt.Errorf("plain")); got != 500 {
		t.Errorf("HTTPStatus(plain) = %d, want 500", got)
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, 0},
		{fmt.Errorf("load: %w", context.Canceled), ExitInterrupted},
		{New(ErrCodeInvalidConfig, "no part"), ExitUsage},
		{fmt.Errorf("load model: %w", New(ErrCodeFileNotFound, "model.json")), ExitUsage},
		{Wrap(ErrCodeStepFailed, New(ErrCodeRewriteFailed, "x"), "streamline"), ExitBuildFailed},
		{New(ErrCodeStorage, "mongo"), ExitFailure},
		{errors.New("plain"), ExitFailure},
	}
	for _, tt := range tests {
		if got := ExitCode(tt.err); got != tt.want {
			t.Errorf("ExitCode(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
