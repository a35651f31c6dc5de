// Package jobgraph builds the frozen set of jobs an item runs and answers
// dependency queries over it.
package jobgraph

import (
	"errors"
	"fmt"
	"sort"

	"github.com/msageha/gatekeeper/internal/model"
)

var (
	ErrDuplicateJob    = errors.New("job already added")
	ErrDependencyCycle = errors.New("dependency cycle detected")
)

type Dependency struct {
	Name string
	Soft bool
}

// Job is a frozen job: the layout's job configuration resolved for one item.
type Job struct {
	Name                    string
	Dependencies            []Dependency
	Voting                  bool
	Semaphore               string
	SemaphoreResourcesFirst bool
	NodeLabels              []string
	AffectedProjects        []string
	HoldFollowingChanges    bool
}

func (j *Job) String() string {
	return fmt.Sprintf("<Job %s>", j.Name)
}

// JobGraph keeps jobs in layout order plus, for each job, its parents and
// whether each parent edge is soft.
type JobGraph struct {
	jobs   []*Job
	byName map[string]*Job
	deps   map[string]map[string]bool
}

func New() *JobGraph {
	return &JobGraph{
		byName: make(map[string]*Job),
		deps:   make(map[string]map[string]bool),
	}
}

// AddJob inserts a job. A job whose dependencies would close a cycle is
// rejected and the graph is left unchanged.
func (g *JobGraph) AddJob(job *Job) error {
	if _, ok := g.byName[job.Name]; ok {
		return fmt.Errorf("job %s: %w", job.Name, ErrDuplicateJob)
	}
	parents := make(map[string]bool, len(job.Dependencies))
	for _, dep := range job.Dependencies {
		ancestors, _ := g.parentNames(dep.Name, true, false)
		ancestors[dep.Name] = true
		if ancestors[job.Name] {
			return fmt.Errorf("job %s: %w", job.Name, ErrDependencyCycle)
		}
		parents[dep.Name] = dep.Soft
	}
	g.jobs = append(g.jobs, job)
	g.byName[job.Name] = job
	g.deps[job.Name] = parents
	return nil
}

// Jobs returns the jobs in the order they were added.
func (g *JobGraph) Jobs() []*Job {
	return append([]*Job(nil), g.jobs...)
}

func (g *JobGraph) Job(name string) *Job {
	return g.byName[name]
}

func (g *JobGraph) Len() int {
	return len(g.jobs)
}

func (g *JobGraph) HasJob(name string) bool {
	_, ok := g.byName[name]
	return ok
}

// DirectDependentJobs returns the names of jobs that list parent as a
// dependency. With skipSoft, soft edges are ignored.
func (g *JobGraph) DirectDependentJobs(parent string, skipSoft bool) []string {
	var out []string
	for _, job := range g.jobs {
		soft, ok := g.deps[job.Name][parent]
		if ok && (!skipSoft || !soft) {
			out = append(out, job.Name)
		}
	}
	return out
}

// DependentJobsRecursively walks dependents transitively and returns them in
// graph order.
func (g *JobGraph) DependentJobsRecursively(parent string, skipSoft bool) []*Job {
	all := make(map[string]bool)
	pending := []string{parent}
	for len(pending) > 0 {
		current := pending[len(pending)-1]
		pending = pending[:len(pending)-1]
		for _, name := range g.DirectDependentJobs(current, skipSoft) {
			if !all[name] {
				all[name] = true
				pending = append(pending, name)
			}
		}
	}
	return g.ordered(all)
}

// ParentJobsRecursively returns every ancestor of a job that is present in
// the graph. A hard dependency on a job that is not in the graph is an
// error; soft dependencies on absent jobs are ignored.
func (g *JobGraph) ParentJobsRecursively(name string, skipSoft bool) ([]*Job, error) {
	names, err := g.parentNames(name, false, skipSoft)
	if err != nil {
		return nil, err
	}
	return g.ordered(names), nil
}

type pendingParent struct {
	name string
	soft bool
}

func (g *JobGraph) parentNames(dependent string, soft, skipSoft bool) (map[string]bool, error) {
	all := make(map[string]bool)
	pending := []pendingParent{{name: dependent}}
	for len(pending) > 0 {
		current := pending[len(pending)-1]
		pending = pending[:len(pending)-1]

		parents, ok := g.deps[current.name]
		if !ok && !soft && !current.soft {
			return all, fmt.Errorf("job %s depends on %s which was not run", dependent, current.name)
		}
		if current.name != dependent {
			all[current.name] = true
		}
		for parent, parentSoft := range parents {
			if skipSoft && parentSoft {
				continue
			}
			if !all[parent] {
				pending = append(pending, pendingParent{name: parent, soft: parentSoft})
			}
		}
	}
	return all, nil
}

func (g *JobGraph) ordered(names map[string]bool) []*Job {
	var out []*Job
	for _, job := range g.jobs {
		if names[job.Name] {
			out = append(out, job)
		}
	}
	return out
}

// AffectedProjects is the union of every job's affected projects, sorted.
func (g *JobGraph) AffectedProjects() []string {
	seen := make(map[string]bool)
	var out []string
	for _, job := range g.jobs {
		for _, p := range job.AffectedProjects {
			if !seen[p] {
				seen[p] = true
				out = append(out, p)
			}
		}
	}
	sort.Strings(out)
	return out
}

// Freeze resolves the jobs a project runs in a pipeline for one change.
// Jobs whose branch or file matchers do not match the change are left out.
// A project that does not participate in the pipeline gets an empty graph.
func Freeze(layout *model.Layout, change *model.Change, pipeline string) (*JobGraph, error) {
	g := New()
	ppc := layout.ProjectPipeline(change.Project, pipeline)
	if ppc == nil {
		return g, nil
	}
	for _, name := range ppc.Jobs {
		cfg := layout.Job(name)
		if cfg == nil {
			return nil, fmt.Errorf("job %s is not defined", name)
		}
		matched, err := matchesChange(cfg, change)
		if err != nil {
			return nil, fmt.Errorf("job %s: %w", name, err)
		}
		if !matched {
			continue
		}
		if err := g.AddJob(fromConfig(cfg)); err != nil {
			return nil, err
		}
	}
	for _, job := range g.jobs {
		if _, err := g.ParentJobsRecursively(job.Name, false); err != nil {
			return nil, err
		}
		for _, dep := range job.Dependencies {
			if dep.Soft && !g.HasJob(dep.Name) && layout.Job(dep.Name) == nil {
				return nil, fmt.Errorf("job %s depends on unknown job %s", job.Name, dep.Name)
			}
		}
	}
	return g, nil
}

func fromConfig(cfg *model.JobConfig) *Job {
	job := &Job{
		Name:                    cfg.Name,
		Voting:                  cfg.IsVoting(),
		Semaphore:               cfg.Semaphore,
		SemaphoreResourcesFirst: cfg.SemaphoreResourcesFirst,
		NodeLabels:              append([]string(nil), cfg.Nodeset...),
		AffectedProjects:        append([]string(nil), cfg.RequiredProjects...),
		HoldFollowingChanges:    cfg.HoldFollowingChanges,
	}
	for _, dep := range cfg.Dependencies {
		job.Dependencies = append(job.Dependencies, Dependency{Name: dep.Name, Soft: dep.Soft})
	}
	return job
}

func matchesChange(cfg *model.JobConfig, change *model.Change) (bool, error) {
	if len(cfg.Branches) > 0 {
		ok, err := model.MatchAny(cfg.Branches, change.Branch)
		if err != nil || !ok {
			return false, err
		}
	}
	if change.Files == nil {
		return true, nil
	}
	if len(cfg.Files) > 0 {
		matched := false
		for _, f := range change.Files {
			ok, err := model.MatchAny(cfg.Files, f)
			if err != nil {
				return false, err
			}
			if ok {
				matched = true
				break
			}
		}
		if !matched {
			return false, nil
		}
	}
	if len(cfg.IrrelevantFiles) > 0 && len(change.Files) > 0 {
		for _, f := range change.Files {
			ok, err := model.MatchAny(cfg.IrrelevantFiles, f)
			if err != nil {
				return false, err
			}
			if !ok {
				return true, nil
			}
		}
		return false, nil
	}
	return true, nil
}
