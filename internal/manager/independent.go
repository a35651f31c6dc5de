package manager

import (
	"github.com/msageha/gatekeeper/internal/model"
	"github.com/msageha/gatekeeper/internal/queue"
)

// independentPolicy gives every change its own dynamic queue. Needed changes
// are enqueued ahead as non-live items so the change is tested with them.
type independentPolicy struct{}

func (independentPolicy) buildChangeQueues(*Manager, *model.Layout) {}

func (independentPolicy) getChangeQueue(m *Manager, change *model.Change, existing *queue.ChangeQueue) *queue.ChangeQueue {
	if existing != nil {
		return existing
	}
	q := queue.NewChangeQueue(m.pipeline, "", m.windowPolicy(), true)
	q.AddProject(change.Project, "")
	m.pipeline.AddQueue(q)
	m.log(model.LogLevelDebug, "dynamic_queue_created queue=%s change=%s", q.Name, change)
	return q
}

func (independentPolicy) isChangeReadyToBeEnqueued(*Manager, *model.Change) bool {
	return true
}

func (p independentPolicy) enqueueChangesAhead(m *Manager, change *model.Change, event *model.TriggerEvent, opts addOptions, st *enqueueState) bool {
	if m.pipeline.Config.IgnoreDependencies {
		return true
	}
	st.history = append(st.history, change)
	needed, ok := p.checkForChangesNeededBy(m, change, opts.changeQueue, st)
	if !ok {
		return false
	}
	for _, need := range needed {
		if st.inHistory(need) {
			continue
		}
		aheadOpts := addOptions{
			quiet:              opts.quiet,
			ignoreRequirements: opts.ignoreRequirements,
			live:               false,
			changeQueue:        opts.changeQueue,
		}
		if !m.addChange(need, event, aheadOpts, st) {
			return false
		}
	}
	return true
}

func (independentPolicy) enqueueChangesBehind(*Manager, *model.Change, *model.TriggerEvent, addOptions, *enqueueState) {
}

func (independentPolicy) checkForChangesNeededBy(m *Manager, change *model.Change, q *queue.ChangeQueue, st *enqueueState) ([]*model.Change, bool) {
	if m.pipeline.Config.IgnoreDependencies || !change.IsChange() {
		return nil, true
	}
	if change.CommitNeedsChanges == nil {
		m.updateCommitDependencies(change)
	}
	var needed []*model.Change
	for _, need := range change.NeedsChanges() {
		if m.isMerged(need) {
			continue
		}
		st.addEdge(change, need)
		if q != nil && m.isChangeAlreadyInQueue(need, q) {
			continue
		}
		needed = append(needed, need)
	}
	return needed, true
}

func (independentPolicy) getFailingDependentItems(*Manager, *queue.Item) []*queue.Item {
	return nil
}

func (independentPolicy) canMergeCycle(*Manager, *queue.Bundle) bool {
	return true
}

func (independentPolicy) changesMerge() bool { return false }
