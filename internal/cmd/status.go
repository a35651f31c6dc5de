package cmd

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/gatekeeper/internal/daemon"
)

func (a *app) newStatusCmd() *cobra.Command {
	var raw bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the pipelines of the running daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			st, err := daemon.ReadStatus(cfg.StateDir)
			if err != nil {
				return fmt.Errorf("no status snapshot in %s: %w", cfg.StateDir, err)
			}
			if raw {
				return yamlv3.NewEncoder(cmd.OutOrStdout()).Encode(st)
			}
			printStatus(cmd.OutOrStdout(), st)
			return nil
		},
	}
	cmd.Flags().BoolVar(&raw, "yaml", false, "print the raw snapshot")
	return cmd
}

func printStatus(w io.Writer, st *daemon.StatusFile) {
	fmt.Fprintf(w, "Tenant: %s (pid %d, %s)\n", st.Tenant, st.PID, st.GeneratedAt.Format("2006-01-02 15:04:05"))
	for _, p := range st.Pipelines {
		state := ""
		if p.Disabled {
			state = " [disabled]"
		}
		fmt.Fprintf(w, "\n%s (%s)%s\n", p.Name, p.Manager, state)
		empty := true
		for _, q := range p.Queues {
			if len(q.Items) == 0 {
				continue
			}
			empty = false
			name := q.Name
			if name == "" {
				name = "-"
			}
			fmt.Fprintf(w, "  queue %s window=%d\n", name, q.Window)
			for _, item := range q.Items {
				flags := []string{}
				if !item.Live {
					flags = append(flags, "non-live")
				}
				if !item.Active {
					flags = append(flags, "inactive")
				} else if !item.Configured {
					flags = append(flags, "configuring")
				}
				if item.Result != "" {
					flags = append(flags, item.Result)
				}
				suffix := ""
				if len(flags) > 0 {
					suffix = " (" + strings.Join(flags, ", ") + ")"
				}
				fmt.Fprintf(w, "    %s%s\n", item.Change, suffix)
				jobs := make([]string, 0, len(item.Jobs))
				for job := range item.Jobs {
					jobs = append(jobs, job)
				}
				sort.Strings(jobs)
				for _, job := range jobs {
					fmt.Fprintf(w, "      %-20s %s\n", job, item.Jobs[job])
				}
			}
		}
		if empty {
			fmt.Fprintln(w, "  (empty)")
		}
	}
}
