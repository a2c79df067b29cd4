package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"shipyard/api/saga"
	"shipyard/cli/style"
)

var sagaFilter saga.Filter

var sagaCmd = &cobra.Command{
	Use:   "saga [saga-id]",
	Short: "Show the event trail of one run, or recent events",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runSaga,
}

func init() {
	f := sagaCmd.Flags()
	f.StringVarP(&sagaFilter.Service, "service", "s", "", "only events for this service")
	f.StringVar(&sagaFilter.Cluster, "cluster", "", "only events for this cluster")
	f.StringVar(&sagaFilter.RunID, "run", "", "only events for this run")
	f.IntVarP(&sagaFilter.Limit, "limit", "n", saga.DefaultLimit, "number of events")
	rootCmd.AddCommand(sagaCmd)
}

func runSaga(cmd *cobra.Command, args []string) error {
	var events []saga.Event
	var err error
	if len(args) == 1 {
		events, err = client.GetSaga(args[0])
	} else {
		events, err = client.ListSaga(sagaFilter)
		// newest first from the API; print oldest first
		for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
			events[i], events[j] = events[j], events[i]
		}
	}
	if err != nil {
		return fmt.Errorf("failed to fetch saga events: %w", err)
	}
	if len(events) == 0 {
		fmt.Println(style.DimText.Render("No events."))
		return nil
	}

	fmt.Print((&saga.PlainFormatter{}).Format(events))
	return nil
}
