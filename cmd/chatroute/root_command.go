package main

import (
	"github.com/spf13/cobra"
)

func executeCLI(args []string) error {
	rootCmd := newRootCommand()
	rootCmd.SetArgs(args)
	return rootCmd.Execute()
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "chatroute",
		Short:         "route live-chat conversations to operators and bots",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.PersistentFlags().String("config", "", "path to the config file")

	rootCmd.AddCommand(newWorkerCommand())
	rootCmd.AddCommand(newConfigInitCommand())
	rootCmd.AddCommand(newStatusCommand())
	return rootCmd
}
