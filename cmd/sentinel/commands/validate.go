package commands

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/openfroyo/sentinel/pkg/config"
)

func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration",
		Long: `Validate loads the configuration the same way run does, including
environment overrides, and reports every schema and value error.`,
		Example: `  sentinel validate -c sentinel.cue`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := loadConfig()
			result := struct {
				Valid  bool                     `json:"valid"`
				Errors []config.ValidationError `json:"errors,omitempty"`
			}{Valid: err == nil}

			var schemaErr *config.SchemaError
			switch {
			case err == nil:
			case errors.As(err, &schemaErr):
				result.Errors = schemaErr.Errors
			default:
				result.Errors = []config.ValidationError{{Message: err.Error()}}
			}

			if printErr := printResult(cmd.OutOrStdout(), result, func(w io.Writer) {
				if result.Valid {
					fmt.Fprintln(w, "Configuration is valid")
					return
				}
				for _, ve := range result.Errors {
					fmt.Fprintf(w, "  %s\n", ve.Error())
				}
			}); printErr != nil {
				return printErr
			}
			if err != nil {
				return fmt.Errorf("configuration is invalid")
			}
			return nil
		},
	}
	return cmd
}
