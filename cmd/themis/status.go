package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"themis/internal/resolver"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report disk-backed resolver mapped-byte usage per directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		dirs, _ := cmd.Flags().GetStringSlice("dir")
		if len(dirs) == 0 {
			return fmt.Errorf("at least one --dir is required")
		}

		r, err := resolver.New(dirs)
		if err != nil {
			return fmt.Errorf("construct resolver: %w", err)
		}
		defer r.Close()

		for _, usage := range r.Snapshot() {
			fmt.Printf("%s\t%d bytes mapped\n", usage.Directory, usage.MappedBytes)
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().StringSlice("dir", nil, "Disk directory to report on (repeatable)")
}
