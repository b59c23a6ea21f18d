package main

import (
	"context"

	"github.com/spf13/cobra"

	"uptime_nexus/internal/app"
	"uptime_nexus/internal/shared/types"
)

// globalFlags 在所有子命令之间共享。
type globalFlags struct {
	configPath string
	logLevel   string
	dataDir    string
}

func (g *globalFlags) load(extra app.Options) (*types.Config, error) {
	extra.ConfigPath = g.configPath
	extra.LogLevel = g.logLevel
	extra.DataDir = g.dataDir
	return app.LoadConfig(extra)
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:           "nexus",
		Short:         "Keeps account sessions active over websocket or HTTP polling",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&g.configPath, "config", "configs/nexus.ini", "path to the ini config file")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "override [log] level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&g.dataDir, "data-dir", "", "override [common] data_dir")

	root.AddCommand(
		runCmd(g),
		singleCmd(g),
		pollCmd(g),
		initCmd(g),
		serveCmd(g),
	)
	return root
}

// Execute runs the CLI until ctx is cancelled or the command returns.
func Execute(ctx context.Context) error {
	return newRootCmd().ExecuteContext(ctx)
}
