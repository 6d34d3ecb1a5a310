package main

import (
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/Mindburn-Labs/sentinel/pkg/canonicalize"
	"github.com/Mindburn-Labs/sentinel/pkg/policy"
)

func newDigestCmd() *cobra.Command {
	var policyDir string
	var usePolicy bool
	cmd := &cobra.Command{
		Use:   "digest [file...]",
		Short: "Print artifact digests, or the policy registry with --policy",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if usePolicy || policyDir != "" {
				set, err := policy.Load(policyDir)
				if err != nil {
					return err
				}
				reg := set.Registry()
				names := make([]string, 0, len(reg))
				for name := range reg {
					names = append(names, name)
				}
				sort.Strings(names)
				for _, name := range names {
					_, _ = fmt.Fprintf(out, "%s  %s\n", reg[name], name)
				}
				return nil
			}

			if len(args) == 0 {
				return fmt.Errorf("no files given")
			}
			for _, path := range args {
				data, err := os.ReadFile(path)
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(out, "%s  %s\n", canonicalize.ArtifactDigest(data), path)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&usePolicy, "policy", false, "print the registry of the embedded default policy")
	cmd.Flags().StringVar(&policyDir, "policy-dir", "", "print the registry of the policy in this directory")
	return cmd
}
