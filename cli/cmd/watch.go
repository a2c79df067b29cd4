package cmd

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"shipyard/api/model"
	"shipyard/api/saga"
)

var watchInterval time.Duration

var watchCmd = &cobra.Command{
	Use:   "watch <run-id>",
	Short: "Follow the steps of a run until it finishes",
	Args:  cobra.ExactArgs(1),
	RunE:  runWatch,
}

func init() {
	watchCmd.Flags().DurationVar(&watchInterval, "interval", 2*time.Second, "saga polling interval")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	rep, err := client.GetRun(args[0])
	if err != nil {
		return err
	}

	w := &sagaWatcher{runID: rep.RunID, sagaID: rep.SagaID, interval: watchInterval}
	m := newRunModel("SHIPYARD WATCH", rep.Service, w.poll(0))
	m.runID = rep.RunID
	m.status = "running"
	m.startTime = rep.StartedAt
	m.next = func() tea.Cmd { return w.poll(watchInterval) }
	return runTUI(m)
}

// sagaPoll carries the saga events seen so far and the latest run record.
type sagaPoll struct {
	events []saga.Event
	run    *model.Report
}

type sagaWatcher struct {
	runID    string
	sagaID   string
	interval time.Duration
}

func (w *sagaWatcher) poll(after time.Duration) tea.Cmd {
	fetch := func() tea.Msg {
		rep, err := client.GetRun(w.runID)
		if err != nil {
			return streamError{err: err}
		}
		events, err := client.GetSaga(w.sagaID)
		if err != nil {
			// no events persisted yet
			events = nil
		}
		return sagaPoll{events: events, run: rep}
	}
	if after <= 0 {
		return fetch
	}
	return tea.Tick(after, func(time.Time) tea.Msg { return fetch() })
}

func (m runModel) applyPoll(p sagaPoll) (tea.Model, tea.Cmd) {
	for i := range m.steps {
		m.steps[i].status = "pending"
	}
	for _, evt := range p.events {
		m.applySagaEvent(evt)
	}
	if p.run.FinishedAt != nil {
		return m.Update(runFinished{run: p.run.Summary()})
	}
	return m, m.wait()
}
