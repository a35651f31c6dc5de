package model

import (
	"errors"
	"testing"
)

func TestValidateStageTransition(t *testing.T) {
	tests := []struct {
		from, to StageState
		wantErr  bool
	}{
		{StageNew, StagePending, false},
		{StageNew, StageComplete, false},
		{StagePending, StageComplete, false},
		{StageNew, StageNew, true},
		{StagePending, StagePending, true},
		{StagePending, StageNew, true},
		{StageComplete, StagePending, true},
		{StageComplete, StageNew, true},
		{StageComplete, StageComplete, true},
		{StageState("BOGUS"), StagePending, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			err := ValidateStageTransition(tt.from, tt.to)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidateStageTransition(%q, %q) error = %v, wantErr %v", tt.from, tt.to, err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidTransition) {
				t.Errorf("error %v does not wrap ErrInvalidTransition", err)
			}
		})
	}
}

func TestResultFailed(t *testing.T) {
	tests := []struct {
		result Result
		failed bool
	}{
		{"", false},
		{ResultSuccess, false},
		{ResultSkipped, false},
		{ResultFailure, true},
		{ResultNodeFailure, true},
		{ResultCanceled, true},
		{ResultError, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.result), func(t *testing.T) {
			if got := tt.result.Failed(); got != tt.failed {
				t.Errorf("Result(%q).Failed() = %v, want %v", tt.result, got, tt.failed)
			}
		})
	}
}
