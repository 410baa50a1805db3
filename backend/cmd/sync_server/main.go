package main

import (
	"flag"
	"os"

	"github.com/golang/glog"
	"github.com/spf13/cobra"

	"collabServer/backend/config"
)

type rootOptions struct {
	configPath string
}

func (o *rootOptions) load() (*config.Config, error) {
	return config.Load(o.configPath)
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "sync_server",
		Short:         "Real-time document synchronization server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// glog 要求先 Parse
			_ = flag.CommandLine.Parse(nil)
		},
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (default: syncConfig.yaml in ./backend/config, ./config or .)")
	// -v / -logtostderr 等 glog 参数
	cmd.PersistentFlags().AddGoFlagSet(flag.CommandLine)

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newMigrateCommand(opts))
	cmd.AddCommand(newTokenCommand(opts))
	return cmd
}

func main() {
	defer glog.Flush()
	if err := newRootCommand().Execute(); err != nil {
		glog.Errorf("%v", err)
		glog.Flush()
		os.Exit(1)
	}
}
