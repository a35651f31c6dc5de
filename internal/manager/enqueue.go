package manager

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/msageha/gatekeeper/internal/events"
	"github.com/msageha/gatekeeper/internal/model"
	"github.com/msageha/gatekeeper/internal/queue"
)

const cycleRejectedWarning = "Dependency cycle detected and project %s doesn't allow circular dependencies"

// AddChange enqueues a live item for change, along with the changes it
// needs ahead of it and, in dependent pipelines, the changes behind it. It
// reports whether the change is now in the pipeline.
func (m *Manager) AddChange(ctx context.Context, change *model.Change, event *model.TriggerEvent) bool {
	_, span := m.tracer.Start(ctx, "manager.AddChange", trace.WithAttributes(
		attribute.String("pipeline", m.pipeline.Name()),
		attribute.String("change", change.String()),
	))
	defer span.End()

	ok := m.addChange(change, event, addOptions{live: true}, newEnqueueState())
	span.SetAttributes(attribute.Bool("enqueued", ok))
	return ok
}

// ForceChange enqueues change without checking the pipeline requirements.
// It is used for manual enqueue requests.
func (m *Manager) ForceChange(ctx context.Context, change *model.Change, event *model.TriggerEvent, quiet bool) bool {
	_, span := m.tracer.Start(ctx, "manager.ForceChange", trace.WithAttributes(
		attribute.String("pipeline", m.pipeline.Name()),
		attribute.String("change", change.String()),
	))
	defer span.End()

	return m.addChange(change, event, addOptions{
		live:               true,
		quiet:              quiet,
		ignoreRequirements: true,
		enqueueTime:        time.Now(),
	}, newEnqueueState())
}

func (m *Manager) addChange(change *model.Change, event *model.TriggerEvent, opts addOptions, st *enqueueState) bool {
	m.log(model.LogLevelDebug, "add_change change=%s live=%t quiet=%t", change, opts.live, opts.quiet)

	if opts.live && m.isChangeAlreadyInPipeline(change) {
		m.log(model.LogLevelDebug, "change_already_in_pipeline change=%s", change)
		return true
	}

	if !opts.ignoreRequirements {
		ok, err := m.pipeline.Config.Require.Matches(change)
		if err != nil {
			m.log(model.LogLevelWarn, "pipeline_requirement_invalid change=%s err=%v", change, err)
			return false
		}
		if !ok {
			m.log(model.LogLevelDebug, "change_does_not_match_requirements change=%s", change)
			return false
		}
	}

	if !m.policy.isChangeReadyToBeEnqueued(m, change) {
		m.log(model.LogLevelDebug, "change_not_ready change=%s", change)
		return false
	}

	q := m.policy.getChangeQueue(m, change, opts.changeQueue)
	if q == nil {
		m.log(model.LogLevelDebug, "no_change_queue change=%s", change)
		return false
	}
	defer m.releaseQueueIfEmpty(q)
	opts.changeQueue = q

	if !m.policy.enqueueChangesAhead(m, change, event, opts, st) {
		m.log(model.LogLevelDebug, "changes_ahead_not_enqueued change=%s", change)
		m.dequeueIncompleteCycle(change, st, q)
		return false
	}

	if m.isChangeAlreadyInQueue(change, q) {
		m.log(model.LogLevelDebug, "change_already_in_queue change=%s queue=%s", change, q.Name)
		return true
	}

	var cycle []*model.Change
	if change.IsChange() {
		cycle = st.cycleFor(change)
	}
	if len(cycle) > 0 && !m.canProcessCycle(change.Project) {
		m.rejectCycle(q, change, event)
		return false
	}

	item := q.EnqueueChange(change, event)
	m.log(model.LogLevelInfo, "item_enqueued item=%s queue=%s live=%t", item, q.Name, opts.live)
	m.updateBundle(item, cycle)

	if !opts.enqueueTime.IsZero() {
		item.EnqueueTime = opts.enqueueTime
	}
	item.Live = opts.live
	m.reportStats(item, true)
	item.Quiet = opts.quiet

	if item.Live && !item.ReportedEnqueue {
		m.reportEnqueue(item)
		item.ReportedEnqueue = true
	}
	if item.Live {
		m.publish(events.EventItemEnqueued, item)
	}

	if len(cycle) > 0 {
		if m.cycleEnqueued(cycle, q) {
			for _, member := range cycle {
				m.policy.enqueueChangesBehind(m, member, event, opts, st)
			}
		}
	} else {
		m.policy.enqueueChangesBehind(m, change, event, opts, st)
	}

	m.dequeueSupercededItems(item)
	return true
}

func (m *Manager) cycleEnqueued(cycle []*model.Change, q *queue.ChangeQueue) bool {
	for _, c := range cycle {
		if !m.isChangeAlreadyInQueue(c, q) {
			return false
		}
	}
	return true
}

// canProcessCycle is true when the project's queue allows circular
// dependencies.
func (m *Manager) canProcessCycle(project string) bool {
	layout := m.tenantLayout()
	name := layout.QueueName(project, m.pipeline.Name())
	if name == "" {
		return false
	}
	qc := layout.Queue(name)
	return qc != nil && qc.AllowCircularDependencies
}

// updateBundle attaches item to the bundle of the cycle members already in
// its queue, creating the bundle for the first member.
func (m *Manager) updateBundle(item *queue.Item, cycle []*model.Change) {
	if len(cycle) == 0 {
		return
	}
	var bundle *queue.Bundle
	for _, c := range cycle {
		if existing := m.getItemForChange(c, item.Queue); existing != nil && existing.Bundle != nil {
			bundle = existing.Bundle
			break
		}
	}
	if bundle == nil {
		bundle = queue.NewBundle()
	}
	bundle.AddItem(item)
	item.Bundle = bundle
	m.log(model.LogLevelDebug, "bundle_updated item=%s bundle=%s", item, bundle)
}

// rejectCycle reports a failure for a change whose dependency cycle can not
// be processed. The change is never enqueued.
func (m *Manager) rejectCycle(q *queue.ChangeQueue, change *model.Change, event *model.TriggerEvent) {
	m.log(model.LogLevelInfo, "cycle_rejected change=%s", change)
	fake := queue.NewItem(q, change, event)
	fake.Warning(fmt.Sprintf(cycleRejectedWarning, change.Project))
	fake.SetReportedResult(model.ResultFailure)
	if m.tenantLayout().ProjectPipeline(change.Project, m.pipeline.Name()) == nil {
		return
	}
	m.sendReport(m.pipeline.Config.Failure, fake, ActionFailure)
}

// dequeueIncompleteCycle removes the members of change's cycle that were
// already enqueued before the rest of the cycle failed to enqueue.
func (m *Manager) dequeueIncompleteCycle(change *model.Change, st *enqueueState, q *queue.ChangeQueue) {
	for _, c := range st.cycleFor(change) {
		item := m.getItemForChange(c, q)
		if item == nil {
			continue
		}
		m.log(model.LogLevelInfo, "incomplete_cycle_dequeued item=%s", item)
		m.removeItem(item)
	}
}

// dequeueSupercededItems removes the same change from the pipelines this
// pipeline supersedes.
func (m *Manager) dequeueSupercededItems(item *queue.Item) {
	if m.peers == nil {
		return
	}
	for _, name := range m.pipeline.Config.Supercedes {
		peer := m.peers(name)
		if peer == nil || peer == m {
			continue
		}
		for _, other := range peer.pipeline.AllItems() {
			if other.Live && other.Change.Equals(item.Change) {
				m.log(model.LogLevelInfo, "superseded_item_dequeued item=%s pipeline=%s", other, name)
				peer.removeItem(other)
				break
			}
		}
	}
}

// dequeueItem unlinks item from its queue.
func (m *Manager) dequeueItem(item *queue.Item) {
	q := item.Queue
	if q == nil {
		return
	}
	q.DequeueItem(item)
	if item.Live && item.BuildSet.Result == "" {
		m.reportDequeue(item)
	}
	if item.Live {
		m.publish(events.EventItemDequeued, item)
	}
	m.releaseQueueIfEmpty(q)
}

// removeItem cancels an item's jobs and dequeues it together with the other
// members of its bundle.
func (m *Manager) removeItem(item *queue.Item) {
	var members []*queue.Item
	if item.Bundle != nil {
		for _, member := range item.Bundle.Items {
			if member != item {
				members = append(members, member)
			}
		}
	}
	for _, it := range append([]*queue.Item{item}, members...) {
		if !m.containsItem(it) {
			continue
		}
		m.log(model.LogLevelInfo, "item_removed item=%s", it)
		m.cancelJobs(it, true)
		m.dequeueItem(it)
		m.reportStats(it, false)
	}
}

// RemoveAbandonedChange dequeues the live items of a change that was
// abandoned or merged outside the pipeline.
func (m *Manager) RemoveAbandonedChange(change *model.Change) {
	for _, item := range m.pipeline.AllItems() {
		if item.Live && item.Change.Equals(change) {
			m.removeItem(item)
		}
	}
}

// RemoveOldVersionsOfChange dequeues the previous patchset of change when
// the pipeline dequeues on new patchsets.
func (m *Manager) RemoveOldVersionsOfChange(change *model.Change) {
	if !m.pipeline.Config.DequeuesOnNewPatchset() {
		return
	}
	for _, item := range m.pipeline.AllItems() {
		if item.Live && change.IsUpdateOf(item.Change) {
			m.log(model.LogLevelInfo, "old_patchset_dequeued item=%s new=%s", item, change)
			m.removeItem(item)
		}
	}
}
