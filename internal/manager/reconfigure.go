package manager

import (
	"github.com/msageha/gatekeeper/internal/events"
	"github.com/msageha/gatekeeper/internal/model"
	"github.com/msageha/gatekeeper/internal/queue"
)

// Reconfigure switches the pipeline to a new tenant layout. Queues are
// rebuilt and every item is re-enqueued in its previous order; items whose
// project left the tenant, or that no longer fit a queue, are removed.
// The caller guarantees the layout still defines this pipeline.
func (m *Manager) Reconfigure(layout *model.Layout) {
	oldLayout := m.pipeline.Layout
	oldQueues := m.pipeline.Queues

	m.pipeline.Config = layout.Pipeline(m.pipeline.Name())
	m.pipeline.Layout = layout
	m.pipeline.Queues = nil
	m.pipeline.Enable()
	m.policy = policyFor(m.pipeline.Config)
	m.buildChangeQueues(layout)

	removed := make(map[*queue.Item]bool)
	var removedItems []*queue.Item
	for _, oldQueue := range oldQueues {
		var lastHead *queue.Item
		for _, item := range append([]*queue.Item(nil), oldQueue.Items...) {
			oldAhead := item.ItemAhead
			valid := oldAhead == nil || !removed[oldAhead]
			item.ItemAhead = nil
			item.ItemsBehind = nil

			project := item.Change.Project
			dropped := oldLayout.Project(project) != nil && layout.Project(project) == nil
			if dropped || !m.reEnqueueItem(item, lastHead, oldAhead, valid) {
				m.log(model.LogLevelInfo, "item_removed_on_reconfigure item=%s", item)
				removed[item] = true
				removedItems = append(removedItems, item)
				continue
			}
			if oldAhead == nil || lastHead == nil {
				lastHead = item
			}
		}
		if lastHead != nil {
			lastHead.Queue.RestoreWindow(oldQueue.Window)
		}
	}

	for _, item := range removedItems {
		m.cancelRemovedItem(item)
	}
	m.log(model.LogLevelInfo, "pipeline_reconfigured queues=%d items=%d removed=%d",
		len(m.pipeline.Queues), len(m.pipeline.AllItems()), len(removedItems))
}

// reEnqueueItem puts an existing item back into a queue of the rebuilt
// pipeline and re-derives its layout and job graph.
func (m *Manager) reEnqueueItem(item *queue.Item, lastHead, oldAhead *queue.Item, valid bool) bool {
	var existing *queue.ChangeQueue
	if lastHead != nil {
		existing = lastHead.Queue
	}
	q := m.policy.getChangeQueue(m, item.Change, existing)
	if q == nil {
		return false
	}
	q.EnqueueItem(item)
	if valid && oldAhead != nil {
		q.MoveItem(item, oldAhead)
	}

	hadGraph := item.JobGraph != nil
	item.Layout = nil
	item.JobGraph = nil
	if item.Active || hadGraph {
		m.prepareItem(item)
		m.cancelJobsNotInGraph(item)
	}

	for _, build := range item.BuildSet.Builds() {
		if build.Result != "" {
			item.SetResult(build)
		}
	}
	if item.BuildSet.UnableToMerge {
		item.SetUnableToMerge()
	}
	if len(item.BuildSet.ConfigErrors) > 0 {
		item.SetConfigErrors(item.BuildSet.ConfigErrors)
	}
	if item.DequeuedNeedingChange {
		item.SetDequeuedNeedingChange()
	}
	m.resumeBuilds(item)
	m.reportStats(item, false)
	m.log(model.LogLevelDebug, "item_reenqueued item=%s queue=%s", item, q.Name)
	return true
}

// cancelJobsNotInGraph cancels builds and node requests of jobs the new
// layout no longer runs for item.
func (m *Manager) cancelJobsNotInGraph(item *queue.Item) {
	if item.JobGraph == nil {
		return
	}
	bs := item.BuildSet
	for _, build := range bs.Builds() {
		if item.JobGraph.HasJob(build.Job.Name) {
			continue
		}
		m.cancelJob(bs, build.Job, false)
		bs.RemoveBuild(build)
	}
	for _, req := range bs.NodeRequests() {
		if !item.JobGraph.HasJob(req.Job.Name) {
			m.cancelJob(bs, req.Job, false)
		}
	}
}

// cancelRemovedItem stops all outstanding work of an item dropped during
// reconfiguration.
func (m *Manager) cancelRemovedItem(item *queue.Item) {
	bs := item.BuildSet
	for _, build := range bs.Builds() {
		if build.Result == "" {
			m.cancelJob(bs, build.Job, false)
		}
	}
	for _, req := range bs.NodeRequests() {
		m.cancelJob(bs, req.Job, false)
	}
	for _, job := range item.Jobs() {
		m.c.Semaphores.Release(item, job)
	}
	if item.Live {
		m.publish(events.EventItemDequeued, item)
	}
}

// DequeueAll removes every item, used when the pipeline is removed from the
// tenant.
func (m *Manager) DequeueAll() {
	for _, item := range m.pipeline.AllItems() {
		if m.containsItem(item) {
			m.removeItem(item)
		}
	}
}
