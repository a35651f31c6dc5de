// Package queue holds the in-memory state a pipeline manager mutates: the
// pipeline's change queues, their items, build sets and bundles.
package queue

import (
	"github.com/msageha/gatekeeper/internal/model"
)

const (
	PrecedenceHigh   = "high"
	PrecedenceNormal = "normal"
	PrecedenceLow    = "low"
)

var precedencePriority = map[string]int{
	PrecedenceHigh:   100,
	PrecedenceNormal: 200,
	PrecedenceLow:    300,
}

// Pipeline is the runtime state of one configured pipeline. The failure
// counter and disabled flag are only modified while reporting an item.
type Pipeline struct {
	Config *model.PipelineConfig
	Layout *model.Layout
	Queues []*ChangeQueue

	// RelativePriorityQueues groups projects sharing a queue name.
	RelativePriorityQueues map[string][]string

	consecutiveFailures int
	disabled            bool
}

func NewPipeline(cfg *model.PipelineConfig, layout *model.Layout) *Pipeline {
	return &Pipeline{
		Config:                 cfg,
		Layout:                 layout,
		RelativePriorityQueues: make(map[string][]string),
	}
}

func (p *Pipeline) Name() string {
	return p.Config.Name
}

func (p *Pipeline) String() string {
	return "<Pipeline " + p.Config.Name + ">"
}

func (p *Pipeline) AddQueue(q *ChangeQueue) {
	p.Queues = append(p.Queues, q)
}

func (p *Pipeline) RemoveQueue(q *ChangeQueue) {
	for i, existing := range p.Queues {
		if existing == q {
			p.Queues = append(p.Queues[:i], p.Queues[i+1:]...)
			return
		}
	}
}

// GetQueue returns the queue serving a project and branch, or nil.
func (p *Pipeline) GetQueue(project, branch string) *ChangeQueue {
	for _, q := range p.Queues {
		if q.Matches(project, branch) {
			return q
		}
	}
	return nil
}

// AllItems returns every item of every queue, in queue order.
func (p *Pipeline) AllItems() []*Item {
	var items []*Item
	for _, q := range p.Queues {
		items = append(items, q.Items...)
	}
	return items
}

// RelativePriorityQueue returns the projects sharing a relative priority
// queue with project. A project without a queue name forms its own group.
func (p *Pipeline) RelativePriorityQueue(project string) []string {
	for _, projects := range p.RelativePriorityQueues {
		for _, name := range projects {
			if name == project {
				return projects
			}
		}
	}
	return []string{project}
}

// Priority is the node request priority implied by the pipeline precedence.
// Lower values are served first.
func (p *Pipeline) Priority() int {
	if prio, ok := precedencePriority[p.Config.Precedence]; ok {
		return prio
	}
	return precedencePriority[PrecedenceNormal]
}

func (p *Pipeline) ConsecutiveFailures() int {
	return p.consecutiveFailures
}

func (p *Pipeline) Disabled() bool {
	return p.disabled
}

// RecordSuccess resets the consecutive failure counter.
func (p *Pipeline) RecordSuccess() {
	p.consecutiveFailures = 0
}

func (p *Pipeline) RecordFailure() {
	p.consecutiveFailures++
}

// CheckDisable disables the pipeline once the configured failure threshold
// is reached. It reports whether the pipeline was disabled by this call.
func (p *Pipeline) CheckDisable() bool {
	if p.Config.DisableAt <= 0 || p.disabled {
		return false
	}
	if p.consecutiveFailures >= p.Config.DisableAt {
		p.disabled = true
		return true
	}
	return false
}

// Enable clears the disabled state and the failure counter.
func (p *Pipeline) Enable() {
	p.disabled = false
	p.consecutiveFailures = 0
}
