package model

import "time"

type EventType string

const (
	EventPatchsetCreated EventType = "patchset-created"
	EventChangeAbandoned EventType = "change-abandoned"
	EventChangeMerged    EventType = "change-merged"
	EventCommentAdded    EventType = "comment-added"
	EventRefUpdated      EventType = "ref-updated"
	EventEnqueue         EventType = "enqueue"
	EventDequeue         EventType = "dequeue"
)

// TriggerEvent is an incoming source event. Pipeline, when set, forces the
// event into that pipeline regardless of trigger filters.
type TriggerEvent struct {
	ID         string    `yaml:"id"`
	Type       EventType `yaml:"type"`
	Connection string    `yaml:"connection"`
	Project    string    `yaml:"project"`
	Branch     string    `yaml:"branch,omitempty"`
	Ref        string    `yaml:"ref,omitempty"`
	Pipeline   string    `yaml:"pipeline,omitempty"`
	Comment    string    `yaml:"comment,omitempty"`
	Timestamp  time.Time `yaml:"timestamp"`
	ArrivedAt  time.Time `yaml:"-"`
}
