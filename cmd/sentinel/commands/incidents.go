package commands

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
)

func newIncidentsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "incidents",
		Short: "Show the security incident report",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, _, closeFn, err := openEngine(cmd.Context())
			if err != nil {
				return err
			}
			report, err := e.SecurityReport()
			if closeErr := closeFn(); err == nil {
				err = closeErr
			}
			if err != nil {
				return err
			}

			return printResult(cmd.OutOrStdout(), report, func(w io.Writer) {
				fmt.Fprintf(w, "Health:          %s\n", report.Health)
				fmt.Fprintf(w, "Total incidents: %d\n", report.TotalIncidents)
				fmt.Fprintf(w, "Last 24h:        %d\n", report.Last24h)
				fmt.Fprintf(w, "Policy modules:  %s\n", strings.Join(report.PolicyModules, ", "))
				if len(report.Recent) == 0 {
					return
				}
				fmt.Fprintln(w, "Recent:")
				for _, inc := range report.Recent {
					actions := make([]string, len(inc.Actions))
					for i, a := range inc.Actions {
						actions[i] = string(a)
					}
					fmt.Fprintf(w, "  %s  %s  %s [%s]\n",
						inc.Timestamp.Local().Format("2006-01-02 15:04:05"), inc.ID, inc.Fault.Message, strings.Join(actions, ","))
				}
			})
		},
	}
	return cmd
}
