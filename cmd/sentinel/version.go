package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/Mindburn-Labs/sentinel/pkg/kernel"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "sentinel %s (%s %s/%s)\n",
				kernel.Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
		},
	}
}

func newStatusCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Build the kernel from config and print its initial status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			k, err := loadKernel(cmd.Context(), cmd, g)
			if err != nil {
				return err
			}
			defer k.Close()
			return writeJSON(cmd.OutOrStdout(), k.Status())
		},
	}
}
