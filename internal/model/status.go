package model

import (
	"errors"
	"fmt"
)

var ErrInvalidTransition = errors.New("invalid stage transition")

// StageState is the progress of one asynchronous build set phase:
// the speculative merge, the changed-files fetch or the repo-state fetch.
type StageState string

const (
	StageNew      StageState = "NEW"
	StagePending  StageState = "PENDING"
	StageComplete StageState = "COMPLETE"
)

// NEW → COMPLETE is allowed for phases that turn out to have nothing to fetch.
var validStageTransitions = map[StageState]map[StageState]bool{
	StageNew: {
		StagePending:  true,
		StageComplete: true,
	},
	StagePending: {
		StageComplete: true,
	},
}

func IsStageComplete(s StageState) bool {
	return s == StageComplete
}

func ValidateStageTransition(from, to StageState) error {
	if IsStageComplete(from) {
		return fmt.Errorf("%w: cannot leave terminal stage %q for %q", ErrInvalidTransition, from, to)
	}
	allowed, ok := validStageTransitions[from]
	if !ok {
		return fmt.Errorf("%w: unknown stage %q", ErrInvalidTransition, from)
	}
	if !allowed[to] {
		return fmt.Errorf("%w: %q → %q", ErrInvalidTransition, from, to)
	}
	return nil
}
