// Package cmd implements the gatekeeper command line.
package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/msageha/gatekeeper/internal/config"
	"github.com/msageha/gatekeeper/internal/model"
)

// Version is set at build time with -ldflags.
var Version = "dev"

type app struct {
	v       *viper.Viper
	cfgFile string
}

// NewRootCmd builds the command tree around its own viper instance.
func NewRootCmd() *cobra.Command {
	a := &app{v: viper.New()}

	root := &cobra.Command{
		Use:   "gatekeeper",
		Short: "Speculative gating pipeline scheduler",
		Long: `Gatekeeper tests and merges code review changes through pipelines.
Independent pipelines test every change on its own; dependent pipelines
test changes stacked on the ones ahead of them and merge them in order.`,
		SilenceUsage: true,
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&a.cfgFile, "config", "c", "", "config file (default is ./gatekeeper.yaml)")
	flags.String("layout", "", "tenant layout file")
	flags.String("spool-dir", "", "directory trigger events are dropped into")
	flags.String("state-dir", "", "directory for the lock, status snapshot and report log")
	_ = a.v.BindPFlag("layout_file", flags.Lookup("layout"))
	_ = a.v.BindPFlag("spool_dir", flags.Lookup("spool-dir"))
	_ = a.v.BindPFlag("state_dir", flags.Lookup("state-dir"))

	root.AddCommand(
		a.newRunCmd(),
		a.newValidateCmd(),
		a.newEnqueueCmd(),
		a.newDequeueCmd(),
		a.newEventCmd(),
		a.newStatusCmd(),
		newVersionCmd(),
	)
	return root
}

// Execute runs the gatekeeper command line.
func Execute() error {
	return NewRootCmd().Execute()
}

func (a *app) loadConfig() (*model.Config, error) {
	if err := config.Setup(a.v, a.cfgFile); err != nil {
		return nil, err
	}
	return config.Load(a.v)
}
