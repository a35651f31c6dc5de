package manager

import (
	"fmt"
	"time"

	"github.com/msageha/gatekeeper/internal/events"
	"github.com/msageha/gatekeeper/internal/model"
	"github.com/msageha/gatekeeper/internal/queue"
)

// reportItem reports an item's final result once and adjusts the queue
// window. In pipelines that merge changes it returns an error wrapping
// ErrMergeFailure when the change did not land.
func (m *Manager) reportItem(item *queue.Item) error {
	if !item.Reported {
		item.Reported = m.doReport(item)
	}
	succeeded := item.DidAllJobsSucceed() && !item.IsBundleFailing()
	q := item.Queue

	if !m.policy.changesMerge() {
		if succeeded {
			q.IncreaseWindowSize()
		} else {
			q.DecreaseWindowSize()
		}
		return nil
	}

	merged := item.Reported && m.isMerged(item.Change)
	if !(succeeded && merged) {
		q.DecreaseWindowSize()
		m.log(model.LogLevelInfo, "report_not_merged item=%s succeeded=%t merged=%t", item, succeeded, merged)
		return fmt.Errorf("%s: %w", item.Change, ErrMergeFailure)
	}
	q.IncreaseWindowSize()
	m.log(model.LogLevelInfo, "reported_and_merged item=%s", item)
	return nil
}

// doReport picks the action list matching the item's outcome and sends it.
// It reports whether every reporter succeeded.
func (m *Manager) doReport(item *queue.Item) bool {
	layout := item.Layout
	if layout == nil {
		layout = m.tenantLayout()
	}
	cfg := m.pipeline.Config
	inPipeline := layout.ProjectPipeline(item.Change.Project, m.pipeline.Name()) != nil

	var actions []string
	var action string
	switch {
	case !inPipeline:
		actions, action = cfg.NoJobs, ActionNoJobs
		item.SetReportedResult(model.ResultNoJobs)
	case len(item.ConfigErrors()) > 0:
		actions, action = cfg.MergeFailure, ActionMergeFailure
		item.SetReportedResult(model.ResultConfigError)
	case item.DidMergerFail():
		actions, action = cfg.MergeFailure, ActionMergeFailure
		item.SetReportedResult(model.ResultMergerFailure)
	case item.DequeuedNeedingChange:
		actions, action = cfg.Failure, ActionFailure
		item.SetReportedResult(model.ResultFailure)
	case item.BuildSet.ConfigPending:
		actions, action = cfg.NoJobs, ActionNoJobs
		item.SetReportedResult(model.ResultNoJobs)
	case len(item.Jobs()) == 0:
		actions, action = cfg.NoJobs, ActionNoJobs
		item.SetReportedResult(model.ResultNoJobs)
	case item.CannotMergeBundle():
		actions, action = cfg.Failure, ActionFailure
		item.SetReportedResult(model.ResultFailure)
	case item.IsBundleFailing():
		actions, action = cfg.Failure, ActionFailure
		item.SetReportedResult(model.ResultFailure)
		if !item.DidAllJobsSucceed() {
			m.pipeline.RecordFailure()
		}
	case item.DidAllJobsSucceed():
		actions, action = cfg.Success, ActionSuccess
		item.SetReportedResult(model.ResultSuccess)
		m.pipeline.RecordSuccess()
	default:
		actions, action = cfg.Failure, ActionFailure
		item.SetReportedResult(model.ResultFailure)
		m.pipeline.RecordFailure()
	}

	if inPipeline && m.pipeline.Disabled() {
		actions, action = cfg.Disabled, ActionDisabled
	}
	if m.pipeline.CheckDisable() {
		m.log(model.LogLevelWarn, "pipeline_disabled consecutive_failures=%d", m.pipeline.ConsecutiveFailures())
		if m.bus != nil {
			m.bus.Publish(events.EventPipelineDisabled, map[string]any{
				"pipeline":             m.pipeline.Name(),
				"consecutive_failures": m.pipeline.ConsecutiveFailures(),
			})
		}
	}

	m.log(model.LogLevelInfo, "item_report item=%s action=%s result=%s", item, action, item.BuildSet.Result)
	errs := m.sendReport(actions, item, action)
	m.publish(events.EventItemReported, item)
	return len(actions) > 0 && len(errs) == 0
}

// sendReport runs each named reporter. Reporter failures and panics are
// collected, never propagated.
func (m *Manager) sendReport(actions []string, item *queue.Item, action string) []string {
	var errs []string
	for _, name := range actions {
		reporter, ok := m.c.Reporters[name]
		if !ok {
			m.log(model.LogLevelError, "unknown_reporter name=%s item=%s", name, item)
			errs = append(errs, fmt.Sprintf("unknown reporter %s", name))
			continue
		}
		if err := m.runReporter(reporter, item, action); err != nil {
			m.log(model.LogLevelError, "reporter_failed name=%s item=%s action=%s err=%v", name, item, action, err)
			errs = append(errs, err.Error())
		}
	}
	return errs
}

func (m *Manager) runReporter(reporter Reporter, item *queue.Item, action string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			item.SetReportedResult(model.ResultError)
			err = fmt.Errorf("reporter panic: %v", r)
		}
	}()
	return reporter.Report(item, action)
}

func (m *Manager) reportEnqueue(item *queue.Item) {
	if m.pipeline.Disabled() || item.Quiet || len(m.pipeline.Config.Enqueue) == 0 {
		return
	}
	m.sendReport(m.pipeline.Config.Enqueue, item, ActionEnqueue)
}

func (m *Manager) reportStart(item *queue.Item) {
	if m.pipeline.Disabled() {
		return
	}
	m.sendReport(m.pipeline.Config.Start, item, ActionStart)
}

func (m *Manager) reportDequeue(item *queue.Item) {
	if m.pipeline.Disabled() || item.Quiet || len(m.pipeline.Config.Dequeue) == 0 {
		return
	}
	m.sendReport(m.pipeline.Config.Dequeue, item, ActionDequeue)
}

// reportStats updates the pipeline gauges and, when the item was just
// added, the event processing latency.
func (m *Manager) reportStats(item *queue.Item, added bool) {
	if m.stats == nil {
		return
	}
	tenant := m.tenantLayout().Tenant
	pipeline := m.pipeline.Name()
	m.stats.SetCurrentChanges(tenant, pipeline, len(m.pipeline.AllItems()))
	if !item.DequeueTime.IsZero() {
		m.stats.ObserveResidentTime(tenant, pipeline, item.Change.Project, item.Change.Branch, item.DequeueTime.Sub(item.EnqueueTime))
	}
	if added && item.Event != nil && !item.Event.ArrivedAt.IsZero() {
		now := time.Now()
		sent := item.Event.Timestamp
		if sent.IsZero() {
			sent = item.Event.ArrivedAt
		}
		m.stats.ObserveEnqueue(tenant, now.Sub(item.Event.ArrivedAt), now.Sub(sent))
	}
}
