package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"chatroute/internal/config"
)

func newConfigInitCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "config-init",
		Short: "Write a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("config")
			if strings.TrimSpace(path) == "" {
				path = config.DefaultConfigPath
			}
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("config already exists at %s", path)
			}
			if err := config.SaveDefault(path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return nil
		},
	}
}
