package manager

import (
	"time"

	"github.com/msageha/gatekeeper/internal/graph"
	"github.com/msageha/gatekeeper/internal/model"
	"github.com/msageha/gatekeeper/internal/queue"
)

// policy holds what differs between independent and dependent pipelines.
type policy interface {
	buildChangeQueues(m *Manager, layout *model.Layout)
	getChangeQueue(m *Manager, change *model.Change, existing *queue.ChangeQueue) *queue.ChangeQueue
	isChangeReadyToBeEnqueued(m *Manager, change *model.Change) bool
	enqueueChangesAhead(m *Manager, change *model.Change, event *model.TriggerEvent, opts addOptions, st *enqueueState) bool
	enqueueChangesBehind(m *Manager, change *model.Change, event *model.TriggerEvent, opts addOptions, st *enqueueState)
	// checkForChangesNeededBy returns the changes that must be enqueued
	// ahead of change. ok is false when change can not be enqueued.
	checkForChangesNeededBy(m *Manager, change *model.Change, q *queue.ChangeQueue, st *enqueueState) (needed []*model.Change, ok bool)
	getFailingDependentItems(m *Manager, item *queue.Item) []*queue.Item
	canMergeCycle(m *Manager, bundle *queue.Bundle) bool
	// changesMerge is true for pipelines whose success reports are expected
	// to land the change.
	changesMerge() bool
}

// enqueueState carries the per-call traversal state of one top-level
// addChange: the changes already visited and the needs graph between them.
type enqueueState struct {
	history []*model.Change
	graph   *graph.Graph
	changes map[string]*model.Change
}

func newEnqueueState() *enqueueState {
	return &enqueueState{
		graph:   graph.New(),
		changes: make(map[string]*model.Change),
	}
}

func (st *enqueueState) inHistory(change *model.Change) bool {
	for _, c := range st.history {
		if c.Equals(change) {
			return true
		}
	}
	return false
}

func (st *enqueueState) addEdge(from, to *model.Change) {
	if st == nil {
		return
	}
	st.changes[from.Key()] = from
	st.changes[to.Key()] = to
	st.graph.AddEdge(from.Key(), to.Key())
}

// cycleFor returns the changes in the dependency cycle containing change.
func (st *enqueueState) cycleFor(change *model.Change) []*model.Change {
	if st == nil {
		return nil
	}
	keys := st.graph.CycleFor(change.Key())
	if len(keys) == 0 {
		return nil
	}
	out := make([]*model.Change, 0, len(keys))
	for _, k := range keys {
		out = append(out, st.changes[k])
	}
	return out
}

type addOptions struct {
	quiet              bool
	ignoreRequirements bool
	live               bool
	enqueueTime        time.Time
	changeQueue        *queue.ChangeQueue
}
