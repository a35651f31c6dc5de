package manager

import (
	"github.com/msageha/gatekeeper/internal/model"
	"github.com/msageha/gatekeeper/internal/queue"
)

// dependentPolicy tests related changes on top of each other in shared
// queues and expects successful changes to merge.
type dependentPolicy struct{}

func queueKey(layout *model.Layout, pipeline, project, branch string) string {
	name := layout.QueueName(project, pipeline)
	if name == "" {
		return project
	}
	if qc := layout.Queue(name); qc != nil && qc.PerBranch {
		return name + "@" + branch
	}
	return name
}

func (dependentPolicy) buildChangeQueues(m *Manager, layout *model.Layout) {
	pipelineName := m.pipeline.Name()
	byName := make(map[string]*queue.ChangeQueue)
	for _, pc := range layout.Projects {
		if _, ok := pc.Pipelines[pipelineName]; !ok {
			continue
		}
		name := layout.QueueName(pc.Name, pipelineName)
		qc := layout.Queue(name)
		if qc != nil && qc.PerBranch {
			continue
		}
		key := name
		if key == "" {
			key = pc.Name
		}
		q, ok := byName[key]
		if !ok {
			q = queue.NewChangeQueue(m.pipeline, name, m.windowPolicy(), false)
			if qc != nil {
				q.AllowCircularDependencies = qc.AllowCircularDependencies
			}
			byName[key] = q
			m.pipeline.AddQueue(q)
		}
		q.AddProject(pc.Name, "")
	}
	for _, q := range m.pipeline.Queues {
		m.log(model.LogLevelDebug, "change_queue_built queue=%s projects=%v", q.Name, q.Projects())
	}
}

// getChangeQueue returns the shared queue of the change's project, creating
// a dynamic one for per-branch queues and projects without a static queue.
func (dependentPolicy) getChangeQueue(m *Manager, change *model.Change, existing *queue.ChangeQueue) *queue.ChangeQueue {
	if existing != nil {
		return existing
	}
	layout := m.tenantLayout()
	pipelineName := m.pipeline.Name()
	name := layout.QueueName(change.Project, pipelineName)
	qc := layout.Queue(name)
	perBranch := qc != nil && qc.PerBranch

	branch := ""
	if perBranch {
		branch = change.Branch
	}
	if q := m.pipeline.GetQueue(change.Project, branch); q != nil {
		return q
	}

	queueName := name
	if queueName == "" {
		queueName = change.Project
	}
	if perBranch {
		queueName += "@" + change.Branch
	}
	q := queue.NewChangeQueue(m.pipeline, queueName, m.windowPolicy(), true)
	if qc != nil {
		q.AllowCircularDependencies = qc.AllowCircularDependencies
	}
	q.AddProject(change.Project, branch)
	if name != "" {
		for _, pc := range layout.Projects {
			if _, ok := pc.Pipelines[pipelineName]; ok && layout.QueueName(pc.Name, pipelineName) == name {
				q.AddProject(pc.Name, branch)
			}
		}
	}
	m.pipeline.AddQueue(q)
	m.log(model.LogLevelDebug, "dynamic_queue_created queue=%s change=%s", q.Name, change)
	return q
}

func (dependentPolicy) isChangeReadyToBeEnqueued(m *Manager, change *model.Change) bool {
	return m.c.Source.CanMerge(change)
}

func (p dependentPolicy) enqueueChangesAhead(m *Manager, change *model.Change, event *model.TriggerEvent, opts addOptions, st *enqueueState) bool {
	if !change.IsChange() {
		return true
	}
	st.history = append(st.history, change)
	needed, ok := p.checkForChangesNeededBy(m, change, opts.changeQueue, st)
	if !ok {
		return false
	}
	for _, need := range needed {
		if st.inHistory(need) && !change.IsGitNeed(need) {
			continue
		}
		aheadOpts := addOptions{
			quiet:              opts.quiet,
			ignoreRequirements: opts.ignoreRequirements,
			live:               true,
			changeQueue:        opts.changeQueue,
		}
		if !m.addChange(need, event, aheadOpts, st) {
			m.log(model.LogLevelDebug, "needed_change_not_enqueued change=%s needed=%s", change, need)
			return false
		}
	}
	return true
}

func (dependentPolicy) enqueueChangesBehind(m *Manager, change *model.Change, event *model.TriggerEvent, opts addOptions, st *enqueueState) {
	if !change.IsChange() {
		return
	}
	q := opts.changeQueue
	candidates := append([]*model.Change(nil), change.NeededByChanges...)
	candidates = append(candidates, m.c.Source.ChangesDependingOn(change, q.Projects())...)

	layout := m.tenantLayout()
	key := queueKey(layout, m.pipeline.Name(), change.Project, change.Branch)
	seen := make(map[string]bool)
	for _, behind := range candidates {
		if behind == nil || seen[behind.Key()] {
			continue
		}
		seen[behind.Key()] = true
		if queueKey(layout, m.pipeline.Name(), behind.Project, behind.Branch) != key {
			continue
		}
		if !m.c.Source.CanMerge(behind) {
			continue
		}
		m.log(model.LogLevelDebug, "enqueue_change_behind change=%s behind=%s", change, behind)
		m.addChange(behind, event, addOptions{
			quiet:              opts.quiet,
			ignoreRequirements: opts.ignoreRequirements,
			live:               true,
			changeQueue:        q,
		}, st)
	}
}

// updateCommitDependencies resolves Depends-On headers into changes. Merged
// changes are not dependencies.
func (m *Manager) updateCommitDependencies(change *model.Change) {
	needs := make([]*model.Change, 0)
	seen := make(map[string]bool)
	for _, url := range model.DependsOnHeaders(change.Message) {
		dep, err := m.c.Source.ChangeByURL(url)
		if err != nil {
			m.log(model.LogLevelWarn, "depends_on_unresolved change=%s url=%s err=%v", change, url, err)
			continue
		}
		if dep == nil || dep.Merged || seen[dep.Key()] {
			continue
		}
		seen[dep.Key()] = true
		needs = append(needs, dep)
	}
	change.CommitNeedsChanges = needs
}

func (dependentPolicy) checkForChangesNeededBy(m *Manager, change *model.Change, q *queue.ChangeQueue, st *enqueueState) ([]*model.Change, bool) {
	if !change.IsChange() {
		return nil, true
	}
	if change.CommitNeedsChanges == nil {
		m.updateCommitDependencies(change)
	}
	layout := m.tenantLayout()
	key := queueKey(layout, m.pipeline.Name(), change.Project, change.Branch)
	var needed []*model.Change
	for _, need := range change.NeedsChanges() {
		if m.isMerged(need) {
			continue
		}
		st.addEdge(change, need)
		if queueKey(layout, m.pipeline.Name(), need.Project, need.Branch) != key {
			m.log(model.LogLevelDebug, "needed_change_other_queue change=%s needed=%s", change, need)
			return nil, false
		}
		if !need.CurrentPatchset {
			m.log(model.LogLevelDebug, "needed_change_outdated change=%s needed=%s", change, need)
			return nil, false
		}
		if q != nil && m.isChangeAlreadyInQueue(need, q) {
			continue
		}
		if !m.c.Source.CanMerge(need) {
			m.log(model.LogLevelDebug, "needed_change_not_mergeable change=%s needed=%s", change, need)
			return nil, false
		}
		needed = append(needed, need)
	}
	return needed, true
}

// getFailingDependentItems returns the items this item depends on that are
// failing, including failing members of its own bundle.
func (dependentPolicy) getFailingDependentItems(m *Manager, item *queue.Item) []*queue.Item {
	if !item.Change.IsChange() {
		return nil
	}
	var failing []*queue.Item
	for _, need := range item.Change.NeedsChanges() {
		needItem := m.getItemForChange(need, nil)
		if needItem == nil || needItem == item {
			continue
		}
		if needItem.Bundle != nil && needItem.Bundle == item.Bundle {
			continue
		}
		if len(needItem.BuildSet.FailingReasons) > 0 {
			failing = append(failing, needItem)
		}
	}
	if item.IsBundleFailing() {
		for _, member := range item.Bundle.Items {
			if member != item {
				failing = append(failing, member)
			}
		}
	}
	return failing
}

func (dependentPolicy) canMergeCycle(m *Manager, bundle *queue.Bundle) bool {
	for _, member := range bundle.Items {
		if !m.c.Source.CanMerge(member.Change) {
			return false
		}
	}
	return true
}

func (dependentPolicy) changesMerge() bool { return true }
