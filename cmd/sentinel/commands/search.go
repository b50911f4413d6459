package commands

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/sentinel/pkg/audit"
)

func newSearchCommand() *cobra.Command {
	var (
		level     string
		eventType string
		since     time.Duration
		limit     int
	)

	cmd := &cobra.Command{
		Use:   "search [text]",
		Short: "Search audit entries",
		Example: `  # Errors and worse from the last hour
  sentinel search --level error --since 1h

  # Recovery entries mentioning a step
  sentinel search --event recovery reinitialize`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			criteria := audit.Criteria{EventType: audit.EventType(eventType), Limit: limit}
			if len(args) > 0 {
				criteria.Text = args[0]
			}
			if level != "" {
				lvl, err := audit.ParseLevel(level)
				if err != nil {
					return err
				}
				criteria.MinLevel = &lvl
			}
			if since > 0 {
				criteria.Start = time.Now().Add(-since)
			}

			e, _, closeFn, err := openEngine(cmd.Context())
			if err != nil {
				return err
			}
			entries, err := e.Search(cmd.Context(), criteria)
			if closeErr := closeFn(); err == nil {
				err = closeErr
			}
			if err != nil {
				return err
			}

			return printResult(cmd.OutOrStdout(), entries, func(w io.Writer) {
				if len(entries) == 0 {
					fmt.Fprintln(w, "No matching entries")
					return
				}
				for _, en := range entries {
					fmt.Fprintf(w, "%s  %-8s %-20s %s\n",
						en.Timestamp.Local().Format("2006-01-02 15:04:05"), en.Level, en.EventType, en.Message)
				}
			})
		},
	}

	cmd.Flags().StringVar(&level, "level", "", "minimum level (debug, info, warn, error, critical)")
	cmd.Flags().StringVar(&eventType, "event", "", "event type, e.g. recovery or xss_attempt")
	cmd.Flags().DurationVar(&since, "since", 0, "only entries newer than this")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of entries")

	return cmd
}
