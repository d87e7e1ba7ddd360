package main

import (
	"fmt"

	"github.com/danmuck/hubd/internal/config"
	"github.com/spf13/cobra"
)

func newExampleConfigCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "example-config [path]",
		Short: "Write an example host config file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.ExampleFileName
			if len(args) == 1 {
				path = args[0]
			}
			if err := config.WriteExample(path, force); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}
