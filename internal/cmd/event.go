package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/msageha/gatekeeper/internal/daemon"
	"github.com/msageha/gatekeeper/internal/model"
)

// changeFlags describe the change a spooled event is about.
type changeFlags struct {
	connection string
	project    string
	branch     string
	number     int
	patchset   int
	ref        string
	oldRev     string
	newRev     string
	url        string
	message    string
	files      []string
	dependsOn  []string
	inline     []string
	unapproved bool
}

func (f *changeFlags) register(cmd *cobra.Command) {
	fl := cmd.Flags()
	fl.StringVar(&f.connection, "connection", "gerrit", "source connection name")
	fl.StringVarP(&f.project, "project", "p", "", "project name")
	fl.StringVarP(&f.branch, "branch", "b", "main", "target branch")
	fl.IntVarP(&f.number, "change", "n", 0, "change number (0 for a ref update)")
	fl.IntVar(&f.patchset, "patchset", 1, "patchset number")
	fl.StringVar(&f.ref, "ref", "", "git ref (derived from change and patchset when empty)")
	fl.StringVar(&f.oldRev, "oldrev", "", "previous revision of a ref update")
	fl.StringVar(&f.newRev, "newrev", "", "new revision of a ref update")
	fl.StringVar(&f.url, "url", "", "change URL used by Depends-On headers")
	fl.StringVarP(&f.message, "message", "m", "", "commit message")
	fl.StringSliceVar(&f.files, "files", nil, "files touched by the change")
	fl.StringSliceVar(&f.dependsOn, "depends-on", nil, "URLs of changes this change depends on")
	fl.StringArrayVar(&f.inline, "file-config", nil, "configuration carried by the change as path=local-file")
	fl.BoolVar(&f.unapproved, "unapproved", false, "mark the change as lacking approval")
	_ = cmd.MarkFlagRequired("project")
}

func (f *changeFlags) spoolFile(ev model.TriggerEvent) (*daemon.SpoolFile, error) {
	ev.Connection = f.connection
	ev.Project = f.project
	ev.Branch = f.branch
	sf := &daemon.SpoolFile{Event: ev, DependsOn: f.dependsOn}

	if f.number > 0 {
		ref := f.ref
		if ref == "" {
			ref = fmt.Sprintf("refs/changes/%02d/%d/%d", f.number%100, f.number, f.patchset)
		}
		sf.Change = &model.Change{
			Connection:      f.connection,
			Project:         f.project,
			Branch:          f.branch,
			Ref:             ref,
			Number:          f.number,
			Patchset:        f.patchset,
			URL:             f.url,
			Message:         f.message,
			Files:           f.files,
			Open:            true,
			CurrentPatchset: true,
			Approved:        !f.unapproved,
		}
	} else {
		ref := f.ref
		if ref == "" {
			ref = "refs/heads/" + f.branch
		}
		sf.Event.Ref = ref
		sf.Change = &model.Change{
			Connection: f.connection,
			Project:    f.project,
			Branch:     f.branch,
			Ref:        ref,
			OldRev:     f.oldRev,
			NewRev:     f.newRev,
			Message:    f.message,
			Files:      f.files,
		}
	}

	for _, entry := range f.inline {
		path, local, ok := strings.Cut(entry, "=")
		if !ok || path == "" || local == "" {
			return nil, fmt.Errorf("invalid --file-config %q (want path=local-file)", entry)
		}
		content, err := os.ReadFile(local)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", local, err)
		}
		if sf.Config == nil {
			sf.Config = make(map[string]string)
		}
		sf.Config[path] = string(content)
	}
	return sf, nil
}

func (a *app) spool(cmd *cobra.Command, sf *daemon.SpoolFile) error {
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.SpoolDir, 0755); err != nil {
		return fmt.Errorf("create spool dir: %w", err)
	}
	path, err := daemon.WriteSpoolFile(cfg.SpoolDir, sf)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "spooled %s event %s: %s\n", sf.Event.Type, sf.Event.ID, path)
	return nil
}

func (a *app) newEnqueueCmd() *cobra.Command {
	var f changeFlags
	var pipeline string
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Force a change into a pipeline",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sf, err := f.spoolFile(model.TriggerEvent{Type: model.EventEnqueue, Pipeline: pipeline})
			if err != nil {
				return err
			}
			return a.spool(cmd, sf)
		},
	}
	f.register(cmd)
	cmd.Flags().StringVar(&pipeline, "pipeline", "", "target pipeline")
	_ = cmd.MarkFlagRequired("pipeline")
	return cmd
}

func (a *app) newDequeueCmd() *cobra.Command {
	var f changeFlags
	var pipeline string
	cmd := &cobra.Command{
		Use:   "dequeue",
		Short: "Remove a change from a pipeline",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sf, err := f.spoolFile(model.TriggerEvent{Type: model.EventDequeue, Pipeline: pipeline})
			if err != nil {
				return err
			}
			return a.spool(cmd, sf)
		},
	}
	f.register(cmd)
	cmd.Flags().StringVar(&pipeline, "pipeline", "", "pipeline holding the change")
	_ = cmd.MarkFlagRequired("pipeline")
	return cmd
}

func (a *app) newEventCmd() *cobra.Command {
	var f changeFlags
	var evType, comment, pipeline string
	cmd := &cobra.Command{
		Use:   "event",
		Short: "Spool a source trigger event",
		Long: `Event drops a trigger event into the spool directory as if the code
review system had sent it, for example:

  gatekeeper event --type patchset-created -p org/app -n 42
  gatekeeper event --type comment-added -p org/app -n 42 --comment Approved`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			t := model.EventType(evType)
			switch t {
			case model.EventPatchsetCreated, model.EventChangeAbandoned, model.EventChangeMerged,
				model.EventCommentAdded, model.EventRefUpdated:
			default:
				return fmt.Errorf("unsupported event type %q", evType)
			}
			sf, err := f.spoolFile(model.TriggerEvent{Type: t, Comment: comment, Pipeline: pipeline})
			if err != nil {
				return err
			}
			if t == model.EventChangeAbandoned && sf.Change != nil {
				sf.Change.Open = false
			}
			return a.spool(cmd, sf)
		},
	}
	f.register(cmd)
	cmd.Flags().StringVarP(&evType, "type", "t", "", "event type")
	cmd.Flags().StringVar(&comment, "comment", "", "review comment of a comment-added event")
	cmd.Flags().StringVar(&pipeline, "pipeline", "", "only consider this pipeline")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}
