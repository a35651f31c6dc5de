package queue

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/msageha/gatekeeper/internal/jobgraph"
	"github.com/msageha/gatekeeper/internal/model"
)

var ErrNodeRequestExists = errors.New("node request already exists")

// Build is one execution of a job. Placeholder builds created for skipped,
// canceled or node-failed jobs have no UUID.
type Build struct {
	Job         *jobgraph.Job
	UUID        string
	BuildSet    *BuildSet
	Result      model.Result
	ResultData  map[string]any
	ErrorDetail string
	Paused      bool
	Retry       bool
	Canceled    bool
	StartTime   time.Time
	EndTime     time.Time
	NodeSet     *model.NodeSet
}

func NewBuild(job *jobgraph.Job, buildUUID string) *Build {
	return &Build{Job: job, UUID: buildUUID, ResultData: map[string]any{}}
}

func (b *Build) Failed() bool {
	return b.Result.Failed()
}

func (b *Build) String() string {
	return fmt.Sprintf("<Build %s of %s voting:%t>", b.UUID, b.Job.Name, b.Job.Voting)
}

// ChildJobs returns the child_jobs list a build returned under the "gatekeeper"
// key of its result data. ok is false when the key is absent.
func (b *Build) ChildJobs() (jobs []string, ok bool) {
	meta, _ := b.ResultData["gatekeeper"].(map[string]any)
	if meta == nil {
		return nil, false
	}
	raw, present := meta["child_jobs"]
	if !present {
		return nil, false
	}
	switch v := raw.(type) {
	case []string:
		return v, true
	case []any:
		for _, j := range v {
			if s, isString := j.(string); isString {
				jobs = append(jobs, s)
			}
		}
	}
	return jobs, true
}

type NodeRequestState string

const (
	NodeRequestRequested NodeRequestState = "requested"
	NodeRequestPending   NodeRequestState = "pending"
	NodeRequestFulfilled NodeRequestState = "fulfilled"
	NodeRequestFailed    NodeRequestState = "failed"
)

// NodeRequest asks the node provider for the nodes of one job.
type NodeRequest struct {
	ID               string
	BuildSet         *BuildSet
	Job              *jobgraph.Job
	Labels           []string
	RelativePriority int
	State            NodeRequestState
	Failed           bool
	Canceled         bool
	NodeSet          *model.NodeSet
	RequestedAt      time.Time
}

func NewNodeRequest(buildSet *BuildSet, job *jobgraph.Job, relativePriority int) *NodeRequest {
	return &NodeRequest{
		ID:               uuid.NewString(),
		BuildSet:         buildSet,
		Job:              job,
		Labels:           append([]string(nil), job.NodeLabels...),
		RelativePriority: relativePriority,
		State:            NodeRequestRequested,
		RequestedAt:      time.Now(),
	}
}

func (r *NodeRequest) Fulfilled() bool {
	return r.State == NodeRequestFulfilled && !r.Failed
}

// Priority is the precedence of the owning pipeline, raised by one when a
// parent of the job is paused so the child can reuse its provider quickly.
func (r *NodeRequest) Priority() int {
	if r.BuildSet == nil || r.BuildSet.Item == nil || r.BuildSet.Item.Pipeline == nil {
		return precedencePriority[PrecedenceNormal]
	}
	item := r.BuildSet.Item
	prio := item.Pipeline.Priority()
	if item.JobGraph != nil {
		parents, _ := item.JobGraph.ParentJobsRecursively(r.Job.Name, false)
		for _, parent := range parents {
			if b := r.BuildSet.Build(parent.Name); b != nil && b.Paused {
				prio--
				break
			}
		}
	}
	return max(0, prio)
}

// BuildSet is the merge, configuration and build state of one attempt at
// testing an item. Resetting an item replaces its build set wholesale.
type BuildSet struct {
	Item   *Item
	UUID   string
	Result model.Result
	Commit string

	DependentChanges []*model.Change
	MergerItems      []model.MergerItem

	UnableToMerge bool
	ConfigErrors  []model.ConfigError
	// ConfigPending marks an item whose configuration only loads once a
	// config-project change it depends on has merged.
	ConfigPending bool

	FailingReasons []string
	Warnings       []string

	Files     model.RepoFiles
	RepoState model.RepoState

	mergeState     model.StageState
	filesState     model.StageState
	repoStateState model.StageState

	builds       map[string]*Build
	retryBuilds  map[string][]*Build
	tries        map[string]int
	nodeSets     map[string]*model.NodeSet
	nodeRequests map[string]*NodeRequest
}

func NewBuildSet(item *Item) *BuildSet {
	bs := &BuildSet{
		Item:           item,
		Files:          model.RepoFiles{},
		RepoState:      model.RepoState{},
		mergeState:     model.StageNew,
		filesState:     model.StageNew,
		repoStateState: model.StageNew,
		builds:         make(map[string]*Build),
		retryBuilds:    make(map[string][]*Build),
		tries:          make(map[string]int),
		nodeSets:       make(map[string]*model.NodeSet),
		nodeRequests:   make(map[string]*NodeRequest),
	}
	if item != nil && item.Change != nil && item.Change.Files != nil {
		bs.filesState = model.StageComplete
	}
	return bs
}

// Ref is the speculative ref the merger prepares for this build set. It is
// empty until the build set is configured.
func (bs *BuildSet) Ref() string {
	if bs.UUID == "" {
		return ""
	}
	return "Z" + bs.UUID
}

func (bs *BuildSet) String() string {
	return fmt.Sprintf("<BuildSet item: %s #builds: %d merge state: %s>", bs.Item, len(bs.builds), bs.mergeState)
}

// SetConfiguration assigns the build set its uuid and records the changes
// it is tested on top of, oldest first.
func (bs *BuildSet) SetConfiguration() {
	if bs.UUID == "" {
		bs.UUID = uuid.NewString()
	}
	if bs.DependentChanges != nil {
		return
	}
	var items []*Item
	if bs.Item.Bundle != nil {
		for i := len(bs.Item.Bundle.Items) - 1; i >= 0; i-- {
			items = append(items, bs.Item.Bundle.Items[i])
		}
	} else {
		items = append(items, bs.Item)
	}
	for _, ahead := range bs.Item.ItemsAhead() {
		if !containsItem(items, ahead) {
			items = append(items, ahead)
		}
	}
	bs.DependentChanges = make([]*model.Change, 0, len(items))
	bs.MergerItems = make([]model.MergerItem, 0, len(items))
	for i := len(items) - 1; i >= 0; i-- {
		bs.DependentChanges = append(bs.DependentChanges, items[i].Change)
		bs.MergerItems = append(bs.MergerItems, model.NewMergerItem(items[i].Change))
	}
}

func (bs *BuildSet) MergeState() model.StageState     { return bs.mergeState }
func (bs *BuildSet) FilesState() model.StageState     { return bs.filesState }
func (bs *BuildSet) RepoStateState() model.StageState { return bs.repoStateState }

func (bs *BuildSet) SetMergeState(to model.StageState) error {
	if err := model.ValidateStageTransition(bs.mergeState, to); err != nil {
		return fmt.Errorf("merge state: %w", err)
	}
	bs.mergeState = to
	return nil
}

func (bs *BuildSet) SetFilesState(to model.StageState) error {
	if err := model.ValidateStageTransition(bs.filesState, to); err != nil {
		return fmt.Errorf("files state: %w", err)
	}
	bs.filesState = to
	return nil
}

func (bs *BuildSet) SetRepoStateState(to model.StageState) error {
	if err := model.ValidateStageTransition(bs.repoStateState, to); err != nil {
		return fmt.Errorf("repo state: %w", err)
	}
	bs.repoStateState = to
	return nil
}

func (bs *BuildSet) AddBuild(b *Build) {
	bs.builds[b.Job.Name] = b
	if _, ok := bs.tries[b.Job.Name]; !ok {
		bs.tries[b.Job.Name] = 1
	}
	b.BuildSet = bs
}

func (bs *BuildSet) AddRetryBuild(b *Build) {
	bs.retryBuilds[b.Job.Name] = append(bs.retryBuilds[b.Job.Name], b)
}

// RemoveBuild drops the build of a job and counts another try for it.
func (bs *BuildSet) RemoveBuild(b *Build) {
	if _, ok := bs.builds[b.Job.Name]; !ok {
		return
	}
	bs.tries[b.Job.Name]++
	delete(bs.builds, b.Job.Name)
}

func (bs *BuildSet) Build(job string) *Build {
	return bs.builds[job]
}

// Builds returns the builds sorted by job name.
func (bs *BuildSet) Builds() []*Build {
	names := make([]string, 0, len(bs.builds))
	for name := range bs.builds {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]*Build, 0, len(names))
	for _, name := range names {
		out = append(out, bs.builds[name])
	}
	return out
}

func (bs *BuildSet) RetryBuilds(job string) []*Build {
	return bs.retryBuilds[job]
}

func (bs *BuildSet) Tries(job string) int {
	return bs.tries[job]
}

// JobNodeSet returns nil while the job's nodes are not provisioned.
func (bs *BuildSet) JobNodeSet(job string) *model.NodeSet {
	return bs.nodeSets[job]
}

func (bs *BuildSet) RemoveJobNodeSet(job string) {
	delete(bs.nodeSets, job)
}

func (bs *BuildSet) SetJobNodeRequest(job string, req *NodeRequest) error {
	if _, ok := bs.nodeRequests[job]; ok {
		return fmt.Errorf("job %s: %w", job, ErrNodeRequestExists)
	}
	bs.nodeRequests[job] = req
	return nil
}

func (bs *BuildSet) JobNodeRequest(job string) *NodeRequest {
	return bs.nodeRequests[job]
}

// NodeRequests returns outstanding requests sorted by job name.
func (bs *BuildSet) NodeRequests() []*NodeRequest {
	names := make([]string, 0, len(bs.nodeRequests))
	for name := range bs.nodeRequests {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]*NodeRequest, 0, len(names))
	for _, name := range names {
		out = append(out, bs.nodeRequests[name])
	}
	return out
}

func (bs *BuildSet) RemoveJobNodeRequest(job string) {
	delete(bs.nodeRequests, job)
}

// JobNodeRequestComplete moves a finished request's nodes into the build
// set. A job may hold only one node set.
func (bs *BuildSet) JobNodeRequestComplete(job string, nodeSet *model.NodeSet) error {
	if _, ok := bs.nodeSets[job]; ok {
		return fmt.Errorf("job %s: %w", job, ErrNodeRequestExists)
	}
	if nodeSet == nil {
		nodeSet = &model.NodeSet{}
	}
	bs.nodeSets[job] = nodeSet
	delete(bs.nodeRequests, job)
	return nil
}

func containsItem(items []*Item, item *Item) bool {
	for _, i := range items {
		if i == item {
			return true
		}
	}
	return false
}
