package manager

import (
	"time"

	"github.com/msageha/gatekeeper/internal/queue"
)

// QueueStatus is a point-in-time view of one change queue.
type QueueStatus struct {
	Name   string       `yaml:"name"`
	Window int          `yaml:"window"`
	Items  []ItemStatus `yaml:"items"`
}

// ItemStatus is a point-in-time view of one queue item.
type ItemStatus struct {
	ID             string            `yaml:"id"`
	Change         string            `yaml:"change"`
	Live           bool              `yaml:"live"`
	Active         bool              `yaml:"active"`
	Configured     bool              `yaml:"configured"`
	Started        bool              `yaml:"started"`
	ItemAhead      string            `yaml:"item_ahead,omitempty"`
	Bundle         []string          `yaml:"bundle,omitempty"`
	Result         string            `yaml:"result,omitempty"`
	Jobs           map[string]string `yaml:"jobs,omitempty"`
	FailingReasons []string          `yaml:"failing_reasons,omitempty"`
	Warnings       []string          `yaml:"warnings,omitempty"`
	EnqueueTime    time.Time         `yaml:"enqueue_time"`
}

// Snapshot describes the queues of the pipeline. Jobs without a build are
// listed with an empty result.
func (m *Manager) Snapshot() []QueueStatus {
	out := make([]QueueStatus, 0, len(m.pipeline.Queues))
	for _, q := range m.pipeline.Queues {
		qs := QueueStatus{Name: q.Name, Window: q.Window}
		for _, item := range q.Items {
			qs.Items = append(qs.Items, itemStatus(item))
		}
		out = append(out, qs)
	}
	return out
}

func itemStatus(item *queue.Item) ItemStatus {
	st := ItemStatus{
		ID:             item.ID,
		Change:         item.Change.String(),
		Live:           item.Live,
		Active:         item.Active,
		Configured:     item.HasJobGraph(),
		Started:        item.HaveAllJobsStarted(),
		Result:         string(item.BuildSet.Result),
		FailingReasons: append([]string(nil), item.BuildSet.FailingReasons...),
		Warnings:       append([]string(nil), item.BuildSet.Warnings...),
		EnqueueTime:    item.EnqueueTime,
	}
	if item.ItemAhead != nil {
		st.ItemAhead = item.ItemAhead.Change.String()
	}
	if item.Bundle != nil {
		for _, member := range item.Bundle.Items {
			st.Bundle = append(st.Bundle, member.Change.String())
		}
	}
	if jobs := item.Jobs(); len(jobs) > 0 {
		st.Jobs = make(map[string]string, len(jobs))
		for _, job := range jobs {
			result := ""
			if b := item.BuildSet.Build(job.Name); b != nil {
				result = string(b.Result)
				if result == "" && !b.StartTime.IsZero() {
					result = "RUNNING"
				}
			}
			st.Jobs[job.Name] = result
		}
	}
	return st
}
