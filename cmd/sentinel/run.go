package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Mindburn-Labs/sentinel/pkg/kernel"
	"github.com/Mindburn-Labs/sentinel/pkg/pipeline"
	"github.com/Mindburn-Labs/sentinel/pkg/restraint"
)

const maxLineBytes = 1 << 20

// message is one line of the run protocol. Exactly one field is set.
type message struct {
	Request *pipeline.SecurityContext `json:"request,omitempty"`
	Risk    *restraint.RiskSignal     `json:"risk,omitempty"`
	Arousal *restraint.ArousalSignal  `json:"arousal,omitempty"`
	Status  bool                      `json:"status,omitempty"`
}

type reply struct {
	Result *pipeline.SecurityResult `json:"result,omitempty"`
	Status *kernel.Status           `json:"status,omitempty"`
	Ack    string                   `json:"ack,omitempty"`
	Error  string                   `json:"error,omitempty"`
}

// newRunCmd serves JSON lines from stdin until EOF or a signal, with the
// heartbeat and policy watcher running.
func newRunCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Serve JSON-line requests and signals from stdin",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			k, err := loadKernel(ctx, cmd, g)
			if err != nil {
				return err
			}
			defer k.Close()
			if err := k.Start(ctx); err != nil {
				return err
			}

			lines := make(chan []byte)
			scanErr := make(chan error, 1)
			go func() {
				defer close(lines)
				sc := bufio.NewScanner(cmd.InOrStdin())
				sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
				for sc.Scan() {
					line := append([]byte(nil), sc.Bytes()...)
					select {
					case lines <- line:
					case <-ctx.Done():
						return
					}
				}
				scanErr <- sc.Err()
			}()

			out := cmd.OutOrStdout()
			for {
				select {
				case <-ctx.Done():
					return nil
				case line, ok := <-lines:
					if !ok {
						select {
						case err := <-scanErr:
							return err
						default:
							return nil
						}
					}
					if len(line) == 0 {
						continue
					}
					if err := writeJSON(out, handle(ctx, k, line)); err != nil {
						return err
					}
				}
			}
		},
	}
}

func handle(ctx context.Context, k *kernel.Kernel, line []byte) reply {
	var m message
	if err := json.Unmarshal(line, &m); err != nil {
		return reply{Error: fmt.Sprintf("decode: %v", err)}
	}

	switch {
	case m.Request != nil:
		res := k.Pipeline.Evaluate(ctx, *m.Request)
		return reply{Result: &res}
	case m.Risk != nil:
		if err := k.Restraint.ProcessRiskSignal(ctx, *m.Risk); err != nil {
			return reply{Error: err.Error()}
		}
		return reply{Ack: "risk"}
	case m.Arousal != nil:
		if err := k.Restraint.ProcessArousalSignal(ctx, *m.Arousal); err != nil {
			return reply{Error: err.Error()}
		}
		return reply{Ack: "arousal"}
	case m.Status:
		st := k.Status()
		return reply{Status: &st}
	}
	return reply{Error: "empty message: set one of request, risk, arousal, status"}
}
