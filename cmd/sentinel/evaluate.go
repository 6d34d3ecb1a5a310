package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/Mindburn-Labs/sentinel/pkg/pipeline"
)

// newEvaluateCmd evaluates one SecurityContext and prints the result.
// Exit status is 0 when the request passed and 1 when it was blocked.
func newEvaluateCmd(g *globalFlags) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Evaluate one request (JSON SecurityContext) from a file or stdin",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var in io.Reader = cmd.InOrStdin()
			if file != "" && file != "-" {
				f, err := os.Open(file)
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}

			var sc pipeline.SecurityContext
			if err := json.NewDecoder(in).Decode(&sc); err != nil {
				return fmt.Errorf("decode request: %w", err)
			}

			k, err := loadKernel(cmd.Context(), cmd, g)
			if err != nil {
				return err
			}
			defer k.Close()

			res := k.Pipeline.Evaluate(cmd.Context(), sc)
			if err := writeJSON(cmd.OutOrStdout(), res); err != nil {
				return err
			}
			if !res.Passed {
				return &exitCodeError{code: exitBlocked}
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "request file (default stdin)")
	return cmd
}
