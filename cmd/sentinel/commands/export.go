package commands

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newExportCommand() *cobra.Command {
	var (
		format string
		output string
	)

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the audit trail as JSON or CSV",
		Example: `  # Print the trail as JSON
  sentinel export

  # Write CSV to a file
  sentinel export --format csv --output audit.csv`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, _, closeFn, err := openEngine(cmd.Context())
			if err != nil {
				return err
			}
			out, err := e.ExportLogs(cmd.Context(), format)
			if closeErr := closeFn(); err == nil {
				err = closeErr
			}
			if err != nil {
				return err
			}

			if output == "" {
				_, err := fmt.Fprintln(cmd.OutOrStdout(), out)
				return err
			}
			if err := os.WriteFile(output, []byte(out+"\n"), 0o600); err != nil {
				return fmt.Errorf("failed to write export: %w", err)
			}
			log.Info().Str("path", output).Str("format", format).Msg("Exported audit trail")
			return nil
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", "json", "export format (json, csv)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "write to file instead of stdout")

	return cmd
}
