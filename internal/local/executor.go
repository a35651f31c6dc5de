package local

import (
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/msageha/gatekeeper/internal/jobgraph"
	"github.com/msageha/gatekeeper/internal/model"
	"github.com/msageha/gatekeeper/internal/queue"
)

// Executor runs builds instantly. Jobs listed in DryRunConfig.FailJobs
// fail; every other build succeeds.
type Executor struct {
	d        *Dispatcher
	failJobs []string

	mu      sync.Mutex
	running map[string]*queue.Build
	history []string
}

func NewExecutor(d *Dispatcher, cfg model.DryRunConfig) *Executor {
	return &Executor{
		d:        d,
		failJobs: cfg.FailJobs,
		running:  make(map[string]*queue.Build),
	}
}

func (e *Executor) Execute(job *jobgraph.Job, item *queue.Item, dependentChanges []*model.Change, mergerItems []model.MergerItem) (*queue.Build, error) {
	build := queue.NewBuild(job, uuid.NewString())

	e.mu.Lock()
	e.running[build.UUID] = build
	e.history = append(e.history, item.Change.String()+" "+job.Name)
	e.mu.Unlock()

	result := model.ResultSuccess
	if slices.Contains(e.failJobs, job.Name) {
		result = model.ResultFailure
	}
	e.d.log(model.LogLevelDebug, "build_requested build=%s job=%s change=%s", build.UUID, job.Name, item.Change)
	e.d.enqueue("build_started", func(s Sink) {
		if e.isRunning(build) {
			s.OnBuildStarted(build)
		}
	})
	e.d.enqueue("build_completed", func(s Sink) {
		if !e.finish(build) {
			return
		}
		s.CompleteBuild(build, result, nil)
	})
	return build, nil
}

func (e *Executor) isRunning(build *queue.Build) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.running[build.UUID]
	return ok
}

// finish removes build from the running set. It reports false when the
// build was canceled in the meantime.
func (e *Executor) finish(build *queue.Build) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.running[build.UUID]; !ok {
		return false
	}
	delete(e.running, build.UUID)
	return true
}

func (e *Executor) Cancel(build *queue.Build) (bool, error) {
	return e.finish(build), nil
}

// ResumeBuild is a no-op: paused builds are never produced here.
func (e *Executor) ResumeBuild(build *queue.Build) error {
	return nil
}

// Running returns the number of builds not yet completed.
func (e *Executor) Running() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.running)
}

// History lists "<change> <job>" for every build launched, in order.
func (e *Executor) History() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.history...)
}
