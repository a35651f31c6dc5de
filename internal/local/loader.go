package local

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/gatekeeper/internal/model"
	"github.com/msageha/gatekeeper/internal/queue"
)

// configFragment is the part of a layout a project may define in its own
// configuration files.
type configFragment struct {
	Jobs     []model.JobConfig     `yaml:"jobs,omitempty"`
	Projects []model.ProjectConfig `yaml:"projects,omitempty"`
}

// Loader builds speculative layouts by applying the configuration files a
// merge produced on top of the tenant layout.
type Loader struct{}

func NewLoader() *Loader {
	return &Loader{}
}

// CreateDynamicLayout copies the item's tenant layout and applies config
// files of untrusted projects, plus those of trusted projects when
// includeConfigProjects is set. Problems in the files are recorded as
// loading errors on the returned layout.
func (l *Loader) CreateDynamicLayout(item *queue.Item, files model.RepoFiles, includeConfigProjects bool) (*model.Layout, error) {
	if item.Pipeline == nil || item.Pipeline.Layout == nil {
		return nil, errors.New("item has no tenant layout")
	}
	layout := cloneLayout(item.Pipeline.Layout)

	for _, project := range slices.Sorted(maps.Keys(files)) {
		pc := layout.Project(project)
		if pc == nil {
			continue
		}
		if pc.Trusted && !includeConfigProjects {
			continue
		}
		branch := "main"
		if project == item.Change.Project {
			branch = item.Change.Branch
		}
		for _, path := range slices.Sorted(maps.Keys(files[project])) {
			if err := applyFragment(layout, project, []byte(files[project][path])); err != nil {
				layout.LoadingErrors = append(layout.LoadingErrors, model.ConfigError{
					Project: project,
					Branch:  branch,
					Path:    path,
					Message: err.Error(),
				})
			}
		}
	}
	if err := layout.Validate(); err != nil {
		layout.LoadingErrors = append(layout.LoadingErrors, model.ConfigError{
			Project: item.Change.Project,
			Branch:  item.Change.Branch,
			Message: err.Error(),
		})
	}
	return layout, nil
}

// applyFragment merges one configuration file of project into layout. A
// project may only configure itself.
func applyFragment(layout *model.Layout, project string, data []byte) error {
	dec := yamlv3.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var frag configFragment
	if err := dec.Decode(&frag); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config: %w", err)
	}
	for _, pc := range frag.Projects {
		if pc.Name != "" && pc.Name != project {
			return fmt.Errorf("project %s may not configure project %s", project, pc.Name)
		}
	}
	for _, job := range frag.Jobs {
		if existing := layout.Job(job.Name); existing != nil {
			*existing = job
			continue
		}
		layout.Jobs = append(layout.Jobs, job)
	}
	target := layout.Project(project)
	for _, pc := range frag.Projects {
		if target.Pipelines == nil {
			target.Pipelines = make(map[string]model.ProjectPipelineConfig)
		}
		for name, ppc := range pc.Pipelines {
			target.Pipelines[name] = ppc
		}
	}
	return nil
}

// cloneLayout copies everything a fragment can modify.
func cloneLayout(src *model.Layout) *model.Layout {
	dst := *src
	dst.Jobs = slices.Clone(src.Jobs)
	dst.Projects = slices.Clone(src.Projects)
	for i := range dst.Projects {
		dst.Projects[i].Pipelines = maps.Clone(src.Projects[i].Pipelines)
	}
	dst.LoadingErrors = slices.Clone(src.LoadingErrors)
	return &dst
}
