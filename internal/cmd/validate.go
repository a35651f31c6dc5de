package cmd

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/msageha/gatekeeper/internal/jobgraph"
	"github.com/msageha/gatekeeper/internal/model"
)

func (a *app) newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [layout-file]",
		Short: "Check a tenant layout",
		Long: `Validate parses the tenant layout and freezes the job graph of every
project pipeline, reporting undefined jobs and dependency cycles.`,
		Args: cobra.MaximumNArgs(1),
		RunE: a.runValidate,
	}
}

func (a *app) runValidate(cmd *cobra.Command, args []string) error {
	path := ""
	if len(args) == 1 {
		path = args[0]
	} else {
		cfg, err := a.loadConfig()
		if err != nil {
			return err
		}
		path = cfg.LayoutFile
	}

	layout, err := model.LoadLayout(path)
	if err != nil {
		return err
	}
	if err := validateJobGraphs(layout); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%d pipelines, %d jobs, %d projects)\n",
		path, len(layout.Pipelines), len(layout.Jobs), len(layout.Projects))
	return nil
}

func validateJobGraphs(layout *model.Layout) error {
	for _, project := range layout.Projects {
		pipelines := make([]string, 0, len(project.Pipelines))
		for name := range project.Pipelines {
			pipelines = append(pipelines, name)
		}
		sort.Strings(pipelines)
		for _, pipeline := range pipelines {
			if layout.Pipeline(pipeline) == nil {
				return fmt.Errorf("project %s: pipeline %s is not defined", project.Name, pipeline)
			}
			change := &model.Change{Project: project.Name, Branch: "main", Ref: "refs/heads/main"}
			if _, err := jobgraph.Freeze(layout, change, pipeline); err != nil {
				return fmt.Errorf("project %s pipeline %s: %w", project.Name, pipeline, err)
			}
		}
	}
	return nil
}
