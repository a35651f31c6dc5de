package manager

import (
	"github.com/msageha/gatekeeper/internal/jobgraph"
	"github.com/msageha/gatekeeper/internal/model"
	"github.com/msageha/gatekeeper/internal/queue"
)

// provisionNodes submits node requests for the jobs that are ready for them.
func (m *Manager) provisionNodes(item *queue.Item) bool {
	jobs := item.FindJobsToRequest(m.c.Semaphores)
	if len(jobs) == 0 {
		return false
	}
	prio := 0
	if m.relativePriority {
		prio = m.getNodePriority(item)
	}
	for _, job := range jobs {
		req, err := m.c.Nodepool.RequestNodes(item.BuildSet, job, prio)
		if err != nil {
			m.log(model.LogLevelWarn, "node_request_failed item=%s job=%s err=%v", item, job.Name, err)
			m.c.Semaphores.Release(item, job)
			continue
		}
		if err := item.BuildSet.SetJobNodeRequest(job.Name, req); err != nil {
			m.log(model.LogLevelError, "node_request_record_failed item=%s job=%s err=%v", item, job.Name, err)
			m.c.Semaphores.Release(item, job)
			continue
		}
		m.log(model.LogLevelDebug, "nodes_requested item=%s job=%s request=%s priority=%d", item, job.Name, req.ID, prio)
	}
	return true
}

// executeJobs launches builds for jobs whose nodes are provisioned.
func (m *Manager) executeJobs(item *queue.Item) bool {
	if item.Layout == nil {
		return false
	}
	jobs := item.FindJobsToRun(m.c.Semaphores)
	if len(jobs) == 0 {
		return false
	}
	bs := item.BuildSet
	for _, job := range jobs {
		ns := bs.JobNodeSet(job.Name)
		if err := m.c.Nodepool.UseNodeSet(ns, bs); err != nil {
			m.log(model.LogLevelWarn, "use_nodeset_failed item=%s job=%s err=%v", item, job.Name, err)
		}
		build, err := m.c.Executor.Execute(job, item, bs.DependentChanges, bs.MergerItems)
		if err != nil || build == nil {
			m.log(model.LogLevelWarn, "execute_failed item=%s job=%s err=%v", item, job.Name, err)
			m.c.Semaphores.Release(item, job)
			continue
		}
		build.NodeSet = ns
		item.AddBuild(build)
		m.log(model.LogLevelInfo, "build_launched item=%s job=%s build=%s", item, job.Name, build.UUID)
	}
	return true
}

// cancelJobs cancels every job of item and of the items behind it. With
// prime set, an item that has not started reporting gets a fresh build set.
func (m *Manager) cancelJobs(item *queue.Item, prime bool) {
	m.log(model.LogLevelDebug, "cancel_jobs item=%s prime=%t", item, prime)
	old := item.BuildSet
	jobs := item.Jobs()
	if prime && old.Ref() != "" && !item.DidBundleStartReporting() {
		item.ResetAllBuilds()
	}
	for _, job := range jobs {
		m.cancelJob(old, job, false)
	}
	for _, behind := range append([]*queue.Item(nil), item.ItemsBehind...) {
		m.cancelJobs(behind, prime)
	}
}

// cancelJob stops a job's node request or build and returns its nodes. The
// job's semaphore is always released. With final set, a job that never got
// a build is marked canceled so the item can report.
func (m *Manager) cancelJob(bs *queue.BuildSet, job *jobgraph.Job, final bool) {
	item := bs.Item
	defer m.c.Semaphores.Release(item, job)

	if req := bs.JobNodeRequest(job.Name); req != nil {
		if err := m.c.Nodepool.CancelRequest(req); err != nil {
			m.log(model.LogLevelWarn, "cancel_node_request_failed item=%s job=%s err=%v", item, job.Name, err)
		}
		req.Canceled = true
		bs.RemoveJobNodeRequest(job.Name)
	}

	build := bs.Build(job.Name)
	if build != nil {
		wasRunning, err := m.c.Executor.Cancel(build)
		if err != nil {
			m.log(model.LogLevelWarn, "cancel_build_failed item=%s build=%s err=%v", item, build.UUID, err)
		}
		if ns := bs.JobNodeSet(job.Name); ns != nil {
			bs.RemoveJobNodeSet(job.Name)
			if !wasRunning {
				m.returnNodeSet(ns, bs)
			}
		}
		if build.Result == "" {
			build.Result = model.ResultCanceled
		}
		build.Canceled = true
		m.log(model.LogLevelDebug, "build_canceled item=%s job=%s running=%t", item, job.Name, wasRunning)
		return
	}

	if ns := bs.JobNodeSet(job.Name); ns != nil {
		bs.RemoveJobNodeSet(job.Name)
		m.returnNodeSet(ns, bs)
	}
	if final {
		fake := queue.NewBuild(job, "")
		fake.Result = model.ResultCanceled
		fake.Canceled = true
		bs.AddBuild(fake)
	}
}

func (m *Manager) returnNodeSet(ns *model.NodeSet, bs *queue.BuildSet) {
	if err := m.c.Nodepool.ReturnNodeSet(ns, bs); err != nil {
		m.log(model.LogLevelWarn, "return_nodeset_failed buildset=%s err=%v", bs.UUID, err)
	}
}

// cancelRunningBuilds cancels every unfinished job of item after a fail-fast
// failure.
func (m *Manager) cancelRunningBuilds(item *queue.Item) {
	for _, job := range item.Jobs() {
		build := item.BuildSet.Build(job.Name)
		if build == nil || build.Result == "" {
			m.cancelJob(item.BuildSet, job, true)
		}
	}
}

// resumeBuilds resumes paused builds whose dependents have all finished.
func (m *Manager) resumeBuilds(item *queue.Item) {
	if item.JobGraph == nil {
		return
	}
	for _, build := range item.BuildSet.Builds() {
		if !build.Paused {
			continue
		}
		done := true
		for _, dep := range item.JobGraph.DependentJobsRecursively(build.Job.Name, false) {
			if b := item.BuildSet.Build(dep.Name); b == nil || b.Result == "" {
				done = false
				break
			}
		}
		if !done {
			continue
		}
		if err := m.c.Executor.ResumeBuild(build); err != nil {
			m.log(model.LogLevelWarn, "resume_build_failed item=%s build=%s err=%v", item, build.UUID, err)
			continue
		}
		build.Paused = false
		m.log(model.LogLevelDebug, "build_resumed item=%s job=%s", item, build.Job.Name)
	}
}

// resetDependentBuilds discards the builds of jobs depending on a retried
// build so they run again against it.
func (m *Manager) resetDependentBuilds(item *queue.Item, build *queue.Build) {
	if item.JobGraph == nil {
		return
	}
	for _, job := range item.JobGraph.DependentJobsRecursively(build.Job.Name, false) {
		m.cancelJob(item.BuildSet, job, false)
		if b := item.BuildSet.Build(job.Name); b != nil {
			item.BuildSet.RemoveBuild(b)
		}
	}
	for _, b := range item.BuildSet.Builds() {
		if b.Result != "" {
			item.SetResult(b)
		}
	}
}
