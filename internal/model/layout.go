package model

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"regexp"

	yamlv3 "gopkg.in/yaml.v3"
)

const (
	ManagerIndependent = "independent"
	ManagerDependent   = "dependent"

	WindowLinear      = "linear"
	WindowExponential = "exponential"
)

// Layout is the resolved configuration of one tenant: pipelines, jobs,
// projects and shared queues. Dynamic layouts built for speculative config
// changes use the same type and carry their loading errors.
type Layout struct {
	Tenant     string            `yaml:"tenant"`
	Pipelines  []PipelineConfig  `yaml:"pipelines"`
	Queues     []QueueConfig     `yaml:"queues,omitempty"`
	Semaphores []SemaphoreConfig `yaml:"semaphores,omitempty"`
	Jobs       []JobConfig       `yaml:"jobs"`
	Projects   []ProjectConfig   `yaml:"projects"`

	LoadingErrors []ConfigError `yaml:"-"`
}

type PipelineConfig struct {
	Name                 string          `yaml:"name"`
	Manager              string          `yaml:"manager"`
	Description          string          `yaml:"description,omitempty"`
	Precedence           string          `yaml:"precedence,omitempty"`
	Supercedes           []string        `yaml:"supercedes,omitempty"`
	DequeueOnNewPatchset *bool           `yaml:"dequeue_on_new_patchset,omitempty"`
	IgnoreDependencies   bool            `yaml:"ignore_dependencies,omitempty"`
	DisableAt            int             `yaml:"disable_after_consecutive_failures,omitempty"`
	Window               *int            `yaml:"window,omitempty"`
	WindowFloor          int             `yaml:"window_floor,omitempty"`
	WindowIncreaseType   string          `yaml:"window_increase_type,omitempty"`
	WindowIncreaseFactor int             `yaml:"window_increase_factor,omitempty"`
	WindowDecreaseType   string          `yaml:"window_decrease_type,omitempty"`
	WindowDecreaseFactor int             `yaml:"window_decrease_factor,omitempty"`
	Require              RefFilter       `yaml:"require,omitempty"`
	Triggers             []TriggerFilter `yaml:"trigger,omitempty"`

	Enqueue      []string `yaml:"enqueue,omitempty"`
	Start        []string `yaml:"start,omitempty"`
	Success      []string `yaml:"success,omitempty"`
	Failure      []string `yaml:"failure,omitempty"`
	MergeFailure []string `yaml:"merge_failure,omitempty"`
	NoJobs       []string `yaml:"no_jobs,omitempty"`
	Disabled     []string `yaml:"disabled,omitempty"`
	Dequeue      []string `yaml:"dequeue,omitempty"`
}

// WindowPolicy is the resolved admission window configuration of a pipeline.
type WindowPolicy struct {
	Size           int
	Floor          int
	IncreaseType   string
	IncreaseFactor int
	DecreaseType   string
	DecreaseFactor int
}

func (p *PipelineConfig) WindowPolicy() WindowPolicy {
	wp := WindowPolicy{
		Floor:          p.WindowFloor,
		IncreaseType:   p.WindowIncreaseType,
		IncreaseFactor: p.WindowIncreaseFactor,
		DecreaseType:   p.WindowDecreaseType,
		DecreaseFactor: p.WindowDecreaseFactor,
	}
	switch {
	case p.Window != nil:
		wp.Size = *p.Window
	case p.Manager == ManagerDependent:
		wp.Size = 20
	}
	if wp.Floor <= 0 {
		wp.Floor = 3
	}
	// A window configured below the floor is its own floor.
	if wp.Size > 0 && wp.Floor > wp.Size {
		wp.Floor = wp.Size
	}
	if wp.IncreaseType == "" {
		wp.IncreaseType = WindowLinear
	}
	if wp.IncreaseFactor <= 0 {
		wp.IncreaseFactor = 1
	}
	if wp.DecreaseType == "" {
		wp.DecreaseType = WindowExponential
	}
	if wp.DecreaseFactor <= 0 {
		wp.DecreaseFactor = 2
	}
	return wp
}

func (p *PipelineConfig) DequeuesOnNewPatchset() bool {
	return p.DequeueOnNewPatchset == nil || *p.DequeueOnNewPatchset
}

// RefFilter is a pipeline requirement. Empty fields do not constrain.
type RefFilter struct {
	Connection      string   `yaml:"connection,omitempty"`
	Branches        []string `yaml:"branch,omitempty"`
	Open            *bool    `yaml:"open,omitempty"`
	CurrentPatchset *bool    `yaml:"current_patchset,omitempty"`
}

// Matches evaluates the filter. An invalid branch regex is returned as an error.
func (f *RefFilter) Matches(c *Change) (bool, error) {
	if f.Connection != "" && f.Connection != c.Connection {
		return true, nil
	}
	if len(f.Branches) > 0 {
		ok, err := MatchAny(f.Branches, c.Branch)
		if err != nil || !ok {
			return false, err
		}
	}
	if c.IsChange() {
		if f.Open != nil && *f.Open != c.Open {
			return false, nil
		}
		if f.CurrentPatchset != nil && *f.CurrentPatchset != c.CurrentPatchset {
			return false, nil
		}
	}
	return true, nil
}

type TriggerFilter struct {
	Connection string      `yaml:"connection,omitempty"`
	Events     []EventType `yaml:"event"`
	Branches   []string    `yaml:"branch,omitempty"`
	Comment    string      `yaml:"comment,omitempty"`
}

func (f *TriggerFilter) Matches(ev *TriggerEvent) (bool, error) {
	if f.Connection != "" && f.Connection != ev.Connection {
		return false, nil
	}
	typeMatch := len(f.Events) == 0
	for _, t := range f.Events {
		if t == ev.Type {
			typeMatch = true
			break
		}
	}
	if !typeMatch {
		return false, nil
	}
	if len(f.Branches) > 0 {
		ok, err := MatchAny(f.Branches, ev.Branch)
		if err != nil || !ok {
			return false, err
		}
	}
	if f.Comment != "" {
		re, err := regexp.Compile(f.Comment)
		if err != nil {
			return false, fmt.Errorf("comment filter %q: %w", f.Comment, err)
		}
		if !re.MatchString(ev.Comment) {
			return false, nil
		}
	}
	return true, nil
}

type QueueConfig struct {
	Name                      string `yaml:"name"`
	PerBranch                 bool   `yaml:"per_branch,omitempty"`
	AllowCircularDependencies bool   `yaml:"allow_circular_dependencies,omitempty"`
}

type SemaphoreConfig struct {
	Name string `yaml:"name"`
	Max  int    `yaml:"max,omitempty"`
}

type JobConfig struct {
	Name                    string          `yaml:"name"`
	Dependencies            []JobDependency `yaml:"dependencies,omitempty"`
	Voting                  *bool           `yaml:"voting,omitempty"`
	Semaphore               string          `yaml:"semaphore,omitempty"`
	SemaphoreResourcesFirst bool            `yaml:"semaphore_resources_first,omitempty"`
	Nodeset                 []string        `yaml:"nodeset,omitempty"`
	RequiredProjects        []string        `yaml:"required_projects,omitempty"`
	Files                   []string        `yaml:"files,omitempty"`
	IrrelevantFiles         []string        `yaml:"irrelevant_files,omitempty"`
	Branches                []string        `yaml:"branches,omitempty"`
	HoldFollowingChanges    bool            `yaml:"hold_following_changes,omitempty"`
}

func (j *JobConfig) IsVoting() bool {
	return j.Voting == nil || *j.Voting
}

// JobDependency accepts either a bare job name or {name, soft}.
type JobDependency struct {
	Name string `yaml:"name"`
	Soft bool   `yaml:"soft,omitempty"`
}

func (d *JobDependency) UnmarshalYAML(value *yamlv3.Node) error {
	if value.Kind == yamlv3.ScalarNode {
		d.Name = value.Value
		d.Soft = false
		return nil
	}
	type plain JobDependency
	var p plain
	if err := value.Decode(&p); err != nil {
		return err
	}
	*d = JobDependency(p)
	return nil
}

type ProjectConfig struct {
	Name             string                           `yaml:"name"`
	Connection       string                           `yaml:"connection,omitempty"`
	Trusted          bool                             `yaml:"trusted,omitempty"`
	QueueName        string                           `yaml:"queue,omitempty"`
	ExtraConfigFiles []string                         `yaml:"extra_config_files,omitempty"`
	ExtraConfigDirs  []string                         `yaml:"extra_config_dirs,omitempty"`
	Pipelines        map[string]ProjectPipelineConfig `yaml:"pipelines,omitempty"`
}

type ProjectPipelineConfig struct {
	Jobs      []string `yaml:"jobs"`
	FailFast  bool     `yaml:"fail_fast,omitempty"`
	QueueName string   `yaml:"queue,omitempty"`
	Debug     bool     `yaml:"debug,omitempty"`
}

// ConfigError is one configuration loading error, attributed to the
// project and branch whose config produced it.
type ConfigError struct {
	Project string `yaml:"project,omitempty"`
	Branch  string `yaml:"branch,omitempty"`
	Path    string `yaml:"path,omitempty"`
	Message string `yaml:"message"`
}

func (e ConfigError) Key() string {
	return e.Project + "\x00" + e.Branch + "\x00" + e.Path + "\x00" + e.Message
}

func (e ConfigError) Error() string {
	if e.Project == "" {
		return e.Message
	}
	return fmt.Sprintf("%s@%s %s: %s", e.Project, e.Branch, e.Path, e.Message)
}

func ParseLayout(data []byte) (*Layout, error) {
	dec := yamlv3.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var layout Layout
	if err := dec.Decode(&layout); err != nil {
		return nil, fmt.Errorf("parse layout: %w", err)
	}
	if err := layout.Validate(); err != nil {
		return nil, err
	}
	return &layout, nil
}

func LoadLayout(path string) (*Layout, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read layout %s: %w", path, err)
	}
	return ParseLayout(data)
}

func (l *Layout) Validate() error {
	var errs []error
	seen := make(map[string]bool)
	for _, p := range l.Pipelines {
		if p.Name == "" {
			errs = append(errs, errors.New("pipeline without name"))
			continue
		}
		if seen["pipeline:"+p.Name] {
			errs = append(errs, fmt.Errorf("duplicate pipeline %q", p.Name))
		}
		seen["pipeline:"+p.Name] = true
		if p.Manager != ManagerIndependent && p.Manager != ManagerDependent {
			errs = append(errs, fmt.Errorf("pipeline %q: unknown manager %q", p.Name, p.Manager))
		}
		for _, t := range []string{p.WindowIncreaseType, p.WindowDecreaseType} {
			if t != "" && t != WindowLinear && t != WindowExponential {
				errs = append(errs, fmt.Errorf("pipeline %q: unknown window type %q", p.Name, t))
			}
		}
	}
	for _, p := range l.Pipelines {
		for _, other := range p.Supercedes {
			if l.Pipeline(other) == nil {
				errs = append(errs, fmt.Errorf("pipeline %q supercedes unknown pipeline %q", p.Name, other))
			}
		}
	}
	for _, j := range l.Jobs {
		if seen["job:"+j.Name] {
			errs = append(errs, fmt.Errorf("duplicate job %q", j.Name))
		}
		seen["job:"+j.Name] = true
		if j.Semaphore != "" && l.Semaphore(j.Semaphore) == nil {
			errs = append(errs, fmt.Errorf("job %q uses unknown semaphore %q", j.Name, j.Semaphore))
		}
	}
	for _, j := range l.Jobs {
		for _, dep := range j.Dependencies {
			if !dep.Soft && l.Job(dep.Name) == nil {
				errs = append(errs, fmt.Errorf("job %q depends on unknown job %q", j.Name, dep.Name))
			}
		}
	}
	for _, p := range l.Projects {
		for name, ppc := range p.Pipelines {
			if l.Pipeline(name) == nil {
				errs = append(errs, fmt.Errorf("project %q references unknown pipeline %q", p.Name, name))
			}
			for _, job := range ppc.Jobs {
				if l.Job(job) == nil {
					errs = append(errs, fmt.Errorf("project %q pipeline %q references unknown job %q", p.Name, name, job))
				}
			}
		}
	}
	return errors.Join(errs...)
}

func (l *Layout) Pipeline(name string) *PipelineConfig {
	for i := range l.Pipelines {
		if l.Pipelines[i].Name == name {
			return &l.Pipelines[i]
		}
	}
	return nil
}

func (l *Layout) Job(name string) *JobConfig {
	for i := range l.Jobs {
		if l.Jobs[i].Name == name {
			return &l.Jobs[i]
		}
	}
	return nil
}

func (l *Layout) Queue(name string) *QueueConfig {
	for i := range l.Queues {
		if l.Queues[i].Name == name {
			return &l.Queues[i]
		}
	}
	return nil
}

func (l *Layout) Semaphore(name string) *SemaphoreConfig {
	for i := range l.Semaphores {
		if l.Semaphores[i].Name == name {
			return &l.Semaphores[i]
		}
	}
	return nil
}

// Project returns the project's configuration, or nil when the project is
// not part of this tenant.
func (l *Layout) Project(name string) *ProjectConfig {
	for i := range l.Projects {
		if l.Projects[i].Name == name {
			return &l.Projects[i]
		}
	}
	return nil
}

// ProjectPipeline returns the project's configuration for one pipeline, or
// nil when the project does not participate in it.
func (l *Layout) ProjectPipeline(project, pipeline string) *ProjectPipelineConfig {
	pc := l.Project(project)
	if pc == nil {
		return nil
	}
	ppc, ok := pc.Pipelines[pipeline]
	if !ok {
		return nil
	}
	return &ppc
}

// QueueName resolves the shared queue of a project in a pipeline. The
// project-level name wins over the pipeline-level one.
func (l *Layout) QueueName(project, pipeline string) string {
	pc := l.Project(project)
	if pc == nil {
		return ""
	}
	if pc.QueueName != "" {
		return pc.QueueName
	}
	if ppc, ok := pc.Pipelines[pipeline]; ok {
		return ppc.QueueName
	}
	return ""
}

func (l *Layout) ErrorKeys() map[string]bool {
	keys := make(map[string]bool, len(l.LoadingErrors))
	for _, e := range l.LoadingErrors {
		keys[e.Key()] = true
	}
	return keys
}

// MatchAny reports whether s matches any of the regular expressions.
func MatchAny(patterns []string, s string) (bool, error) {
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return false, fmt.Errorf("pattern %q: %w", p, err)
		}
		if re.MatchString(s) {
			return true, nil
		}
	}
	return false, nil
}
