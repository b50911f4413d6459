package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/sentinel/pkg/engine"
	"github.com/openfroyo/sentinel/pkg/ingest"
)

func newRunCommand() *cobra.Command {
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Host the engine and read fault frames from stdin",
		Long: `Run hosts a long-lived engine. Collaborators write newline-delimited JSON
frames to stdin and read answers and notices from stdout.

Input frames:
  - REPORT  {"id","kind","message","context"}
  - STATS   {"id","scope"}  scope is logs, errors or security

Output frames:
  - ACK, STATS_RESULT, ERROR and NOTICE`,
		Example: `  # Report one fault
  echo '{"type":"REPORT","data":{"kind":"script","message":"x is not a function"}}' | sentinel run

  # Serve Prometheus metrics while running
  sentinel run --metrics-addr :9464`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, tel, closeFn, err := openEngine(ctx)
			if err != nil {
				return err
			}

			addr := metricsAddr
			if addr == "" {
				addr = tel.Config.Metrics.ListenAddress
			}
			if addr != "" {
				srv := tel.Metrics.StartMetricsServer(addr, tel.Logger)
				log.Info().Str("addr", addr).Msg("Serving metrics")
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
					defer cancel()
					_ = srv.Shutdown(shutdownCtx)
				}()
			}

			server := ingest.NewServer(handler{e}, e.Notices(), tel.Logger.Zerolog())
			done := make(chan error, 1)
			go func() {
				done <- server.Serve(ctx, os.Stdin, cmd.OutOrStdout())
			}()

			// A blocked stdin read does not observe ctx, so shutdown does not
			// wait for Serve after a signal.
			var serveErr error
			select {
			case serveErr = <-done:
				log.Info().Int64("reports", server.Reports()).Msg("Input closed, shutting down")
			case <-ctx.Done():
				log.Info().Int64("reports", server.Reports()).Msg("Received signal, shutting down")
			}
			return errors.Join(serveErr, closeFn())
		},
	}

	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "address for the Prometheus endpoint (overrides telemetry.metrics.listen_address)")

	return cmd
}

// handler adapts the engine to the frame server.
type handler struct {
	e *engine.Engine
}

func (h handler) Report(kind, message string, ctx map[string]any) {
	h.e.Report(kind, message, ctx)
}

func (h handler) Stats(ctx context.Context, scope string) (interface{}, error) {
	switch scope {
	case "", ingest.ScopeLogs:
		stats, err := h.e.Stats(ctx)
		if err != nil {
			return nil, err
		}
		return stats, nil
	case ingest.ScopeErrors:
		return h.e.ErrorStats(), nil
	case ingest.ScopeSecurity:
		report, err := h.e.SecurityReport()
		if err != nil {
			return nil, err
		}
		return report, nil
	default:
		return nil, fmt.Errorf("unknown stats scope %q", scope)
	}
}

var _ ingest.Handler = handler{}
