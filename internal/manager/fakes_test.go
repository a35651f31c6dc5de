package manager

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/msageha/gatekeeper/internal/jobgraph"
	"github.com/msageha/gatekeeper/internal/model"
	"github.com/msageha/gatekeeper/internal/queue"
)

type mergeRequest struct {
	bs     *queue.BuildSet
	items  []model.MergerItem
	merged bool
}

type fakeMerger struct {
	conflicts  map[string]bool
	merges     []mergeRequest
	repoStates []mergeRequest
	files      []*queue.BuildSet
}

func (f *fakeMerger) MergeChanges(items []model.MergerItem, bs *queue.BuildSet, files, dirs []string, precedence string) error {
	merged := true
	for _, it := range items {
		if f.conflicts[it.Project] {
			merged = false
		}
	}
	f.merges = append(f.merges, mergeRequest{bs: bs, items: items, merged: merged})
	return nil
}

func (f *fakeMerger) GetRepoState(items []model.MergerItem, bs *queue.BuildSet, precedence string) error {
	f.repoStates = append(f.repoStates, mergeRequest{bs: bs, items: items, merged: true})
	return nil
}

func (f *fakeMerger) GetFilesChanges(change *model.Change, bs *queue.BuildSet) error {
	f.files = append(f.files, bs)
	return nil
}

type revision struct {
	change   int
	job      string
	priority int
}

type fakeNodepool struct {
	pending  []*queue.NodeRequest
	hold     map[int]bool
	fail     map[string]bool
	revised  []revision
	canceled int
	returned int
}

func (f *fakeNodepool) RequestNodes(bs *queue.BuildSet, job *jobgraph.Job, prio int) (*queue.NodeRequest, error) {
	req := queue.NewNodeRequest(bs, job, prio)
	f.pending = append(f.pending, req)
	return req, nil
}

func (f *fakeNodepool) ReviseRequest(req *queue.NodeRequest, prio int) error {
	f.revised = append(f.revised, revision{change: req.BuildSet.Item.Change.Number, job: req.Job.Name, priority: prio})
	return nil
}

func (f *fakeNodepool) CancelRequest(req *queue.NodeRequest) error {
	f.canceled++
	for i, p := range f.pending {
		if p == req {
			f.pending = append(f.pending[:i], f.pending[i+1:]...)
			break
		}
	}
	return nil
}

func (f *fakeNodepool) UseNodeSet(ns *model.NodeSet, bs *queue.BuildSet) error { return nil }

func (f *fakeNodepool) ReturnNodeSet(ns *model.NodeSet, bs *queue.BuildSet) error {
	f.returned++
	return nil
}

type fakeExecutor struct {
	running  []*queue.Build
	launched []string
	results  map[string]model.Result
}

func buildKey(b *queue.Build) string {
	return fmt.Sprintf("%d:%s", b.BuildSet.Item.Change.Number, b.Job.Name)
}

func (f *fakeExecutor) Execute(job *jobgraph.Job, item *queue.Item, deps []*model.Change, mergerItems []model.MergerItem) (*queue.Build, error) {
	b := queue.NewBuild(job, uuid.NewString())
	b.StartTime = time.Now()
	f.running = append(f.running, b)
	f.launched = append(f.launched, fmt.Sprintf("%d:%s", item.Change.Number, job.Name))
	return b, nil
}

func (f *fakeExecutor) Cancel(b *queue.Build) (bool, error) {
	for i, r := range f.running {
		if r == b {
			f.running = append(f.running[:i], f.running[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeExecutor) ResumeBuild(b *queue.Build) error { return nil }

func (f *fakeExecutor) isRunning(key string) bool {
	for _, b := range f.running {
		if buildKey(b) == key {
			return true
		}
	}
	return false
}

type fakeSource struct {
	byURL      map[string]*model.Change
	dependents map[string][]*model.Change
}

func (f *fakeSource) IsMerged(c *model.Change) bool { return c.Merged }

func (f *fakeSource) CanMerge(c *model.Change) bool {
	if !c.IsChange() {
		return true
	}
	return c.Approved && c.Open && !c.Merged
}

func (f *fakeSource) ChangesDependingOn(c *model.Change, projects []string) []*model.Change {
	return f.dependents[c.Key()]
}

func (f *fakeSource) ChangeByURL(url string) (*model.Change, error) {
	c, ok := f.byURL[url]
	if !ok {
		return nil, fmt.Errorf("unknown change %s", url)
	}
	return c, nil
}

type report struct {
	reporter string
	action   string
	change   int
	result   model.Result
	warnings []string
}

// fakeReporter records reports. A merging reporter lands changes it
// reports success for.
type fakeReporter struct {
	name    string
	merges  bool
	reports *[]report
}

func (f *fakeReporter) Report(item *queue.Item, action string) error {
	*f.reports = append(*f.reports, report{
		reporter: f.name,
		action:   action,
		change:   item.Change.Number,
		result:   item.BuildSet.Result,
		warnings: append([]string(nil), item.BuildSet.Warnings...),
	})
	if f.merges && action == ActionSuccess {
		item.Change.Merged = true
	}
	return nil
}

type fakeLoader struct {
	fn func(item *queue.Item, includeConfigProjects bool) (*model.Layout, error)
}

func (f *fakeLoader) CreateDynamicLayout(item *queue.Item, files model.RepoFiles, include bool) (*model.Layout, error) {
	return f.fn(item, include)
}

type countingSemaphores struct {
	released int
}

func (c *countingSemaphores) Acquire(*queue.Item, *jobgraph.Job, bool) bool { return true }
func (c *countingSemaphores) Release(*queue.Item, *jobgraph.Job)            { c.released++ }

type harness struct {
	t          *testing.T
	layout     *model.Layout
	m          *Manager
	merger     *fakeMerger
	nodepool   *fakeNodepool
	executor   *fakeExecutor
	source     *fakeSource
	loader     *fakeLoader
	semaphores *countingSemaphores
	reports    []report
}

func newHarness(t *testing.T, layout *model.Layout, pipeline string) *harness {
	t.Helper()
	h := &harness{
		t:          t,
		layout:     layout,
		merger:     &fakeMerger{conflicts: map[string]bool{}},
		nodepool:   &fakeNodepool{hold: map[int]bool{}, fail: map[string]bool{}},
		executor:   &fakeExecutor{results: map[string]model.Result{}},
		source:     &fakeSource{byURL: map[string]*model.Change{}, dependents: map[string][]*model.Change{}},
		semaphores: &countingSemaphores{},
	}
	h.loader = &fakeLoader{fn: func(*queue.Item, bool) (*model.Layout, error) { return layout, nil }}
	cfg := layout.Pipeline(pipeline)
	if cfg == nil {
		t.Fatalf("pipeline %s not in layout", pipeline)
	}
	c := Collaborators{
		Loader:     h.loader,
		Merger:     h.merger,
		Executor:   h.executor,
		Nodepool:   h.nodepool,
		Source:     h.source,
		Semaphores: h.semaphores,
		Reporters: map[string]Reporter{
			"vote":     &fakeReporter{name: "vote", reports: &h.reports},
			"submit":   &fakeReporter{name: "submit", merges: true, reports: &h.reports},
			"disabled": &fakeReporter{name: "disabled", reports: &h.reports},
		},
	}
	h.m = New(queue.NewPipeline(cfg, layout), c, log.New(&bytes.Buffer{}, "", 0), model.LogLevelDebug)
	return h
}

func (h *harness) add(c *model.Change) bool {
	return h.m.AddChange(context.Background(), c, &model.TriggerEvent{ID: uuid.NewString(), Project: c.Project})
}

func (h *harness) completeMerges() bool {
	progress := false
	merges := h.merger.merges
	h.merger.merges = nil
	for _, req := range merges {
		res := MergeResult{BuildSet: req.bs, Merged: req.merged, RepoState: model.RepoState{}}
		if req.merged {
			res.Commit = "c0ffee"
			for _, it := range req.items {
				res.Files = append(res.Files, model.RepoFiles{it.Project: {}})
				res.RepoState.Update(model.RepoState{it.Connection: {it.Project: {"refs/heads/" + it.Branch: "c0ffee"}}})
			}
		}
		h.m.OnMergeCompleted(res)
		progress = true
	}
	states := h.merger.repoStates
	h.merger.repoStates = nil
	for _, req := range states {
		rs := model.RepoState{}
		for _, it := range req.items {
			rs.Update(model.RepoState{it.Connection: {it.Project: {"refs/heads/main": "c0ffee"}}})
		}
		h.m.OnMergeCompleted(MergeResult{BuildSet: req.bs, Updated: true, RepoState: rs})
		progress = true
	}
	files := h.merger.files
	h.merger.files = nil
	for _, bs := range files {
		h.m.OnFilesChangesCompleted(bs, []string{"README"})
		progress = true
	}
	return progress
}

func (h *harness) fulfillNodes() bool {
	progress := false
	var keep []*queue.NodeRequest
	for _, req := range h.nodepool.pending {
		if h.nodepool.hold[req.BuildSet.Item.Change.Number] {
			keep = append(keep, req)
			continue
		}
		if h.nodepool.fail[req.Job.Name] {
			req.State = queue.NodeRequestFailed
			req.Failed = true
		} else {
			req.State = queue.NodeRequestFulfilled
			req.NodeSet = &model.NodeSet{Name: req.Job.Name, Nodes: []model.Node{{Name: "node", Label: "ubuntu"}}}
		}
		h.m.OnNodesProvisioned(req)
		progress = true
	}
	h.nodepool.pending = keep
	return progress
}

// completeBuilds finishes running builds. With keys given, only builds of
// those "change:job" keys finish.
func (h *harness) completeBuilds(keys ...string) bool {
	want := make(map[string]bool, len(keys))
	for _, k := range keys {
		want[k] = true
	}
	progress := false
	for _, b := range append([]*queue.Build(nil), h.executor.running...) {
		key := buildKey(b)
		if len(keys) > 0 && !want[key] {
			continue
		}
		if _, err := h.executor.Cancel(b); err != nil {
			h.t.Fatal(err)
		}
		b.Result = model.ResultSuccess
		if r, ok := h.executor.results[key]; ok {
			b.Result = r
		}
		h.m.OnBuildCompleted(b)
		progress = true
	}
	return progress
}

// settle runs the pipeline until nothing changes. Builds only finish when
// completeAll is set.
func (h *harness) settle(completeAll bool) {
	h.t.Helper()
	for range 100 {
		progress := h.m.ProcessQueue(context.Background())
		if h.completeMerges() {
			progress = true
		}
		if h.fulfillNodes() {
			progress = true
		}
		if completeAll && h.completeBuilds() {
			progress = true
		}
		if !progress {
			return
		}
	}
	h.t.Fatal("pipeline did not settle")
}

func (h *harness) item(number int) *queue.Item {
	for _, item := range h.m.Pipeline().AllItems() {
		if item.Change.Number == number {
			return item
		}
	}
	return nil
}

func (h *harness) reportsFor(number int) []report {
	var out []report
	for _, r := range h.reports {
		if r.change == number {
			out = append(out, r)
		}
	}
	return out
}

func hasWarning(r report, substr string) bool {
	for _, w := range r.warnings {
		if strings.Contains(w, substr) {
			return true
		}
	}
	return false
}

func intPtr(n int) *int { return &n }

func newChange(project string, number int) *model.Change {
	return &model.Change{
		Connection:      "gerrit",
		Project:         project,
		Branch:          "main",
		Ref:             fmt.Sprintf("refs/changes/%d/1", number),
		Number:          number,
		Patchset:        1,
		URL:             fmt.Sprintf("https://review.example.com/%d", number),
		Files:           []string{"README"},
		Open:            true,
		CurrentPatchset: true,
		Approved:        true,
	}
}

// checkLayout has an independent "check" pipeline.
func checkLayout() *model.Layout {
	return &model.Layout{
		Tenant: "example",
		Pipelines: []model.PipelineConfig{{
			Name:         "check",
			Manager:      model.ManagerIndependent,
			Window:       intPtr(5),
			Success:      []string{"vote"},
			Failure:      []string{"vote"},
			MergeFailure: []string{"vote"},
			NoJobs:       []string{"vote"},
			Disabled:     []string{"disabled"},
		}},
		Jobs: []model.JobConfig{{Name: "unit"}, {Name: "integration"}},
		Projects: []model.ProjectConfig{
			{Name: "org/a", Connection: "gerrit", Pipelines: map[string]model.ProjectPipelineConfig{"check": {Jobs: []string{"unit"}}}},
			{Name: "org/config", Connection: "gerrit", Trusted: true, Pipelines: map[string]model.ProjectPipelineConfig{"check": {Jobs: []string{"unit"}}}},
		},
	}
}

// gateLayout has a dependent "gate" pipeline whose projects share the
// "integrated" queue.
func gateLayout(allowCycles bool) *model.Layout {
	return &model.Layout{
		Tenant: "example",
		Pipelines: []model.PipelineConfig{{
			Name:         "gate",
			Manager:      model.ManagerDependent,
			Success:      []string{"submit"},
			Failure:      []string{"vote"},
			MergeFailure: []string{"vote"},
			NoJobs:       []string{"vote"},
		}},
		Queues: []model.QueueConfig{{Name: "integrated", AllowCircularDependencies: allowCycles}},
		Jobs:   []model.JobConfig{{Name: "unit"}, {Name: "integration"}},
		Projects: []model.ProjectConfig{
			{Name: "org/a", Connection: "gerrit", QueueName: "integrated", Pipelines: map[string]model.ProjectPipelineConfig{"gate": {Jobs: []string{"unit"}}}},
			{Name: "org/b", Connection: "gerrit", QueueName: "integrated", Pipelines: map[string]model.ProjectPipelineConfig{"gate": {Jobs: []string{"unit"}}}},
		},
	}
}
