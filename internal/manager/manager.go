// Package manager drives the items of one pipeline through speculative
// merging, configuration loading, node provisioning, job execution and
// reporting. A Manager is not safe for concurrent use: the host scheduler
// serializes every call.
package manager

import (
	"fmt"
	"log"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/msageha/gatekeeper/internal/events"
	"github.com/msageha/gatekeeper/internal/jobgraph"
	"github.com/msageha/gatekeeper/internal/model"
	"github.com/msageha/gatekeeper/internal/queue"
)

const tracerName = "github.com/msageha/gatekeeper/internal/manager"

// Reporter action names, passed to Reporter.Report.
const (
	ActionEnqueue      = "enqueue"
	ActionStart        = "start"
	ActionSuccess      = "success"
	ActionFailure      = "failure"
	ActionMergeFailure = "merge_failure"
	ActionNoJobs       = "no_jobs"
	ActionDisabled     = "disabled"
	ActionDequeue      = "dequeue"
)

// Manager owns the queues of one pipeline.
type Manager struct {
	pipeline *queue.Pipeline
	policy   policy
	c        Collaborators

	relativePriority bool
	stats            StatsSink
	bus              *events.Bus
	peers            func(name string) *Manager

	tracer   trace.Tracer
	logger   *log.Logger
	logLevel model.LogLevel
}

// New creates the manager for a pipeline and builds its static queues from
// the pipeline's tenant layout.
func New(pipeline *queue.Pipeline, c Collaborators, logger *log.Logger, logLevel model.LogLevel) *Manager {
	if c.Semaphores == nil {
		c.Semaphores = noSemaphores{}
	}
	m := &Manager{
		pipeline: pipeline,
		policy:   policyFor(pipeline.Config),
		c:        c,
		tracer:   otel.Tracer(tracerName),
		logger:   logger,
		logLevel: logLevel,
	}
	m.buildChangeQueues(pipeline.Layout)
	return m
}

// SetCollaborators swaps the external services, for example after a layout
// change introduced new reporters. In-flight requests keep completing
// through the scheduler as before.
func (m *Manager) SetCollaborators(c Collaborators) {
	if c.Semaphores == nil {
		c.Semaphores = noSemaphores{}
	}
	m.c = c
}

// SetRelativePriority enables ranking node requests among items of projects
// sharing a queue name.
func (m *Manager) SetRelativePriority(enabled bool) {
	m.relativePriority = enabled
}

// SetStats wires the telemetry sink. A nil sink disables stats.
func (m *Manager) SetStats(s StatsSink) {
	m.stats = s
}

// SetEventBus wires the bus that receives item lifecycle events.
func (m *Manager) SetEventBus(bus *events.Bus) {
	m.bus = bus
}

// SetPeers wires the lookup used to reach the managers of superseded
// pipelines.
func (m *Manager) SetPeers(lookup func(name string) *Manager) {
	m.peers = lookup
}

func (m *Manager) Pipeline() *queue.Pipeline {
	return m.pipeline
}

func (m *Manager) String() string {
	return fmt.Sprintf("<Manager %s>", m.pipeline.Name())
}

// EventMatches reports whether a trigger event selects this pipeline. An
// event naming a pipeline explicitly only matches that pipeline.
func (m *Manager) EventMatches(ev *model.TriggerEvent) bool {
	if ev.Pipeline != "" {
		return ev.Pipeline == m.pipeline.Name()
	}
	for i := range m.pipeline.Config.Triggers {
		ok, err := m.pipeline.Config.Triggers[i].Matches(ev)
		if err != nil {
			m.log(model.LogLevelWarn, "trigger_filter_invalid event=%s err=%v", ev.ID, err)
			continue
		}
		if ok {
			return true
		}
	}
	return false
}

func policyFor(cfg *model.PipelineConfig) policy {
	if cfg.Manager == model.ManagerDependent {
		return dependentPolicy{}
	}
	return independentPolicy{}
}

// buildChangeQueues groups projects sharing a queue name for relative
// priority, then lets the policy create its static queues.
func (m *Manager) buildChangeQueues(layout *model.Layout) {
	m.pipeline.RelativePriorityQueues = make(map[string][]string)
	name := m.pipeline.Name()
	for _, pc := range layout.Projects {
		if _, ok := pc.Pipelines[name]; !ok {
			continue
		}
		queueName := layout.QueueName(pc.Name, name)
		if queueName == "" {
			continue
		}
		m.pipeline.RelativePriorityQueues[queueName] = append(m.pipeline.RelativePriorityQueues[queueName], pc.Name)
		m.log(model.LogLevelDebug, "relative_priority_queue queue=%s project=%s", queueName, pc.Name)
	}
	m.policy.buildChangeQueues(m, layout)
}

func (m *Manager) tenantLayout() *model.Layout {
	return m.pipeline.Layout
}

func (m *Manager) windowPolicy() model.WindowPolicy {
	return m.pipeline.Config.WindowPolicy()
}

func (m *Manager) precedence() string {
	if m.pipeline.Config.Precedence == "" {
		return queue.PrecedenceNormal
	}
	return m.pipeline.Config.Precedence
}

func (m *Manager) isMerged(change *model.Change) bool {
	return m.c.Source.IsMerged(change)
}

// releaseQueueIfEmpty removes a dynamic queue once its last item is gone.
func (m *Manager) releaseQueueIfEmpty(q *queue.ChangeQueue) {
	if q == nil || !q.Dynamic || q.Len() > 0 {
		return
	}
	m.pipeline.RemoveQueue(q)
	m.log(model.LogLevelDebug, "queue_released queue=%s", q.Name)
}

func (m *Manager) isChangeAlreadyInPipeline(change *model.Change) bool {
	for _, item := range m.pipeline.AllItems() {
		if item.Live && change.Equals(item.Change) {
			return true
		}
	}
	return false
}

func (m *Manager) isChangeAlreadyInQueue(change *model.Change, q *queue.ChangeQueue) bool {
	return m.getItemForChange(change, q) != nil
}

// getItemForChange searches q, or the whole pipeline when q is nil.
func (m *Manager) getItemForChange(change *model.Change, q *queue.ChangeQueue) *queue.Item {
	items := m.pipeline.AllItems()
	if q != nil {
		items = q.Items
	}
	for _, item := range items {
		if item.Change.Equals(change) {
			return item
		}
	}
	return nil
}

// containsItem reports whether item is still enqueued in this pipeline.
func (m *Manager) containsItem(item *queue.Item) bool {
	if item.Queue == nil {
		return false
	}
	for _, existing := range item.Queue.Items {
		if existing == item {
			return item.Pipeline == m.pipeline
		}
	}
	return false
}

// getNodePriority is the rank of item among the live items of projects in
// its relative priority queue.
func (m *Manager) getNodePriority(item *queue.Item) int {
	group := m.pipeline.RelativePriorityQueue(item.Change.Project)
	inGroup := make(map[string]bool, len(group))
	for _, project := range group {
		inGroup[project] = true
	}
	rank := 0
	for _, other := range m.pipeline.AllItems() {
		if !other.Live || !inGroup[other.Change.Project] {
			continue
		}
		if other == item {
			return rank
		}
		rank++
	}
	return rank
}

func (m *Manager) publish(t events.EventType, item *queue.Item) {
	if m.bus == nil {
		return
	}
	data := map[string]any{
		"pipeline": m.pipeline.Name(),
		"item_id":  item.ID,
		"change":   item.Change.String(),
		"project":  item.Change.Project,
		"live":     item.Live,
	}
	if item.BuildSet.Result != "" {
		data["result"] = string(item.BuildSet.Result)
	}
	if len(item.BuildSet.FailingReasons) > 0 {
		data["failing_reasons"] = append([]string(nil), item.BuildSet.FailingReasons...)
	}
	m.bus.Publish(t, data)
}

func (m *Manager) log(level model.LogLevel, format string, args ...any) {
	if level < m.logLevel {
		return
	}
	msg := fmt.Sprintf(format, args...)
	m.logger.Printf("%s %s manager[%s]: %s", time.Now().Format(time.RFC3339), level, m.pipeline.Name(), msg)
}

type noSemaphores struct{}

func (noSemaphores) Acquire(*queue.Item, *jobgraph.Job, bool) bool { return true }
func (noSemaphores) Release(*queue.Item, *jobgraph.Job)            {}
