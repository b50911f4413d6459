package commands

import (
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"
)

func newStatsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show audit trail statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, _, closeFn, err := openEngine(cmd.Context())
			if err != nil {
				return err
			}
			stats, err := e.Stats(cmd.Context())
			if closeErr := closeFn(); err == nil {
				err = closeErr
			}
			if err != nil {
				return err
			}

			return printResult(cmd.OutOrStdout(), stats, func(w io.Writer) {
				fmt.Fprintf(w, "Total logs:      %d\n", stats.TotalLogs)
				fmt.Fprintf(w, "Storage backend: %s\n", stats.StorageBackend)
				fmt.Fprintf(w, "Flush failures:  %d\n", stats.FlushFailures)
				if stats.LastRotation != nil {
					fmt.Fprintf(w, "Last rotation:   %s\n", stats.LastRotation.Format("2006-01-02 15:04:05"))
				}
				printCounts(w, "By level", stats.LogsBySeverity)
				printCounts(w, "By event type", stats.LogsByEventType)
			})
		},
	}
	return cmd
}

func printCounts(w io.Writer, title string, counts map[string]int) {
	if len(counts) == 0 {
		return
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fmt.Fprintf(w, "%s:\n", title)
	for _, k := range keys {
		fmt.Fprintf(w, "  %-20s %d\n", k, counts[k])
	}
}
