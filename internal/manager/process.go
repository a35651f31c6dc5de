package manager

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/msageha/gatekeeper/internal/events"
	"github.com/msageha/gatekeeper/internal/model"
	"github.com/msageha/gatekeeper/internal/queue"
)

// Failing reasons recorded on an item's build set.
const (
	reasonNeededChangeFailing = "a needed change is failing"
	reasonMergeConflict       = "it has a merge conflict"
	reasonInvalidConfig       = "it has an invalid configuration"
	reasonConfigPending       = "it depends on a change to a config project"
	reasonJobFailed           = "at least one job failed"
	reasonDidNotMerge         = "it did not merge"
	reasonCycleCannotMerge    = "cycle can not be merged"
)

// ProcessQueue runs one pass over every queue of the pipeline. It reports
// whether anything changed, in which case the caller should run another
// pass.
func (m *Manager) ProcessQueue(ctx context.Context) bool {
	_, span := m.tracer.Start(ctx, "manager.ProcessQueue", trace.WithAttributes(
		attribute.String("pipeline", m.pipeline.Name()),
	))
	defer span.End()

	changed := false
	for _, q := range append([]*queue.ChangeQueue(nil), m.pipeline.Queues...) {
		var nnfi *queue.Item
		for _, item := range append([]*queue.Item(nil), q.Items...) {
			if !m.containsItem(item) {
				continue
			}
			var itemChanged bool
			itemChanged, nnfi = m.processOneItem(item, nnfi)
			if itemChanged {
				changed = true
			}
			m.reportStats(item, false)
		}
	}
	span.SetAttributes(
		attribute.Bool("changed", changed),
		attribute.Int("items", len(m.pipeline.AllItems())),
	)
	return changed
}

// processOneItem advances one item. nnfi is the nearest non-failing item
// ahead in the queue; the returned nnfi is the value for the next item.
func (m *Manager) processOneItem(item *queue.Item, nnfi *queue.Item) (bool, *queue.Item) {
	changed := false
	dequeued := false
	ready := false

	itemAhead := item.ItemAhead
	if itemAhead != nil && !itemAhead.Live {
		itemAhead = nil
	}
	q := item.Queue

	needed, ok := m.policy.checkForChangesNeededBy(m, item.Change, q, nil)
	if !ok || len(needed) > 0 {
		m.log(model.LogLevelInfo, "dequeue_needing_change item=%s", item)
		m.cancelJobs(item, true)
		m.dequeueItem(item)
		if item.IsBundleFailing() {
			item.SetDequeuedBundleFailing()
		} else {
			item.SetDequeuedNeedingChange()
		}
		if item.Live {
			if err := m.reportItem(item); err != nil && !errors.Is(err, ErrMergeFailure) {
				m.log(model.LogLevelWarn, "report_failed item=%s err=%v", item, err)
			}
		}
		return true, nnfi
	}

	actionable := q.IsActionable(item)
	item.Active = actionable

	var reasons []string
	if len(m.policy.getFailingDependentItems(m, item)) > 0 {
		reasons = append(reasons, reasonNeededChangeFailing)
		m.cancelJobs(item, false)
	} else {
		if itemAhead != nnfi && (itemAhead == nil || !m.isMerged(itemAhead.Change)) {
			if q.MoveItem(item, nnfi) {
				m.log(model.LogLevelInfo, "item_restacked item=%s ahead=%v", item, nnfi)
				itemAhead = nnfi
				m.cancelJobs(item, true)
				changed = true
			}
		}
		if actionable {
			ready = m.prepareItem(item)
			if !item.ReportedStart && len(m.pipeline.Config.Start) > 0 && len(item.Jobs()) > 0 && !item.Quiet {
				m.reportStart(item)
				item.ReportedStart = true
			}
			if item.DidMergerFail() {
				reasons = append(reasons, reasonMergeConflict)
			}
			if len(item.ConfigErrors()) > 0 {
				reasons = append(reasons, reasonInvalidConfig)
			}
			if item.BuildSet.ConfigPending {
				reasons = append(reasons, reasonConfigPending)
			}
		}
		if ready && m.provisionNodes(item) {
			changed = true
		}
		if item.Bundle != nil && item.DidBundleFinish() {
			for _, member := range item.Bundle.Items {
				if member.ItemAhead == nil {
					changed = true
					break
				}
			}
		}
	}

	if ready && m.executeJobs(item) {
		changed = true
	}

	if item.HasAnyJobFailed() {
		reasons = append(reasons, reasonJobFailed)
	}
	if !item.Live && len(item.ItemsBehind) == 0 {
		m.log(model.LogLevelDebug, "non_live_item_pruned item=%s", item)
		m.dequeueItem(item)
		return true, nnfi
	}

	canReport := itemAhead == nil && item.AreAllJobsComplete() && item.Live
	if canReport && item.Bundle != nil {
		canReport = item.IsBundleFailing() || item.DidBundleFinish()
		if canReport && !item.Bundle.StartedReporting && !m.policy.canMergeCycle(m, item.Bundle) {
			item.Bundle.CannotMerge = true
			reasons = append(reasons, reasonCycleCannotMerge)
		}
		if canReport {
			item.Bundle.StartedReporting = true
		}
	}

	if canReport {
		err := m.reportItem(item)
		if errors.Is(err, ErrMergeFailure) {
			reasons = append(reasons, reasonDidNotMerge)
			for _, behind := range append([]*queue.Item(nil), item.ItemsBehind...) {
				m.log(model.LogLevelInfo, "resetting_item_behind_failed_merge item=%s behind=%s", item, behind)
				m.cancelJobs(behind, true)
			}
			if item.Bundle != nil && !item.IsBundleFailing() && !item.CannotMergeBundle() {
				item.Bundle.FailedReporting = true
				m.reportProcessedBundleItems(item)
			}
		} else if err != nil {
			m.log(model.LogLevelWarn, "report_failed item=%s err=%v", item, err)
		}
		m.dequeueItem(item)
		changed = true
		dequeued = true
	} else if len(reasons) == 0 && item.Live {
		nnfi = item
	}

	item.BuildSet.FailingReasons = reasons
	if len(reasons) > 0 {
		m.log(model.LogLevelDebug, "item_failing item=%s reasons=%v", item, reasons)
	}

	if m.relativePriority && item.Live && !dequeued {
		prio := m.getNodePriority(item)
		for _, req := range item.BuildSet.NodeRequests() {
			if req.RelativePriority == prio {
				continue
			}
			if err := m.c.Nodepool.ReviseRequest(req, prio); err != nil {
				m.log(model.LogLevelWarn, "revise_node_request_failed item=%s request=%s err=%v", item, req.ID, err)
				continue
			}
			req.RelativePriority = prio
		}
	}
	return changed, nnfi
}

// reportProcessedBundleItems reports failure for every bundle member that
// already reported, item included, once item failed to merge. Members other
// than item are dequeued here; the caller dequeues item.
func (m *Manager) reportProcessedBundleItems(item *queue.Item) {
	for _, member := range item.Bundle.Items {
		if !member.Reported {
			continue
		}
		m.log(model.LogLevelInfo, "bundle_member_rereported item=%s", member)
		member.SetReportedResult(model.ResultFailure)
		m.sendReport(m.pipeline.Config.Failure, member, ActionFailure)
		m.publish(events.EventItemReported, member)
		if member != item && m.containsItem(member) {
			m.dequeueItem(member)
		}
	}
}
