package commands

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/openfroyo/sentinel/pkg/fault"
)

func newReportCommand() *cobra.Command {
	var (
		fields map[string]string
		dryRun bool
	)

	cmd := &cobra.Command{
		Use:   "report <kind> <message>",
		Short: "Report a single fault",
		Long: `Report classifies one fault, appends it to the audit trail and escalates it.

Kinds: script, promise, resource, memory, network, security, manual.
Unknown kinds are recorded as manual.`,
		Example: `  # Report a runtime fault with context
  sentinel report script "editor.render is not a function" --context source=editor.js

  # Show the classification without recording anything
  sentinel report security "CSRF token mismatch" --dry-run`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			kind, message := args[0], strings.Join(args[1:], " ")

			ctxFields := make(map[string]any, len(fields))
			for k, v := range fields {
				ctxFields[k] = v
			}

			e, _, closeFn, err := openEngine(ctx)
			if err != nil {
				return err
			}

			c := e.Classify(kind, message, ctxFields)
			if !dryRun {
				e.Report(kind, message, ctxFields)
				e.Wait()
			}
			result := struct {
				Kind           string               `json:"kind"`
				Message        string               `json:"message"`
				Classification fault.Classification `json:"classification"`
				Recorded       bool                 `json:"recorded"`
			}{kind, message, c, !dryRun}

			if err := closeFn(); err != nil {
				return err
			}
			return printResult(cmd.OutOrStdout(), result, func(w io.Writer) {
				verb := "Recorded"
				if dryRun {
					verb = "Would record"
				}
				fmt.Fprintf(w, "%s %s fault as %s\n", verb, kind, c.Summary())
				if c.Rule != "" {
					fmt.Fprintf(w, "  matched rule: %s\n", c.Rule)
				}
			})
		},
	}

	cmd.Flags().StringToStringVar(&fields, "context", nil, "context key=value pairs")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "classify only")

	return cmd
}
