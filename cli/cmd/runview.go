package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"shipyard/api/model"
	"shipyard/api/saga"
	"shipyard/cli/style"
)

// --- Messages ---

type stepUpdate struct {
	step   string
	status string
}

type progressUpdate struct{ message string }

type runAccepted struct {
	runID string
	ch    chan tea.Msg
}

type runFinished struct{ run *model.Run }

type streamError struct{ err error }

// --- Model ---

type stepState struct {
	name   string
	status string // pending, running, complete, failed
}

var runSteps = []string{"build", "deploy"}

// runModel renders the live step view of one run. Events arrive either on
// eventCh (WebSocket stream) or through the next command (saga polling).
type runModel struct {
	title     string
	service   string
	runID     string
	spinner   spinner.Model
	steps     []stepState
	progress  string
	status    string // connecting, running, finished
	result    *model.Run
	errMsg    string
	failed    bool
	startTime time.Time
	eventCh   chan tea.Msg
	start     tea.Cmd
	next      func() tea.Cmd
}

func newRunModel(title, service string, start tea.Cmd) runModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(style.Primary)

	steps := make([]stepState, len(runSteps))
	for i, name := range runSteps {
		steps[i] = stepState{name: name, status: "pending"}
	}
	return runModel{
		title:     title,
		service:   service,
		spinner:   s,
		steps:     steps,
		status:    "connecting",
		startTime: time.Now(),
		start:     start,
	}
}

func (m runModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.start)
}

func (m runModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "q" || msg.String() == "ctrl+c" {
			return m, tea.Quit
		}

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case runAccepted:
		m.status = "running"
		m.runID = msg.runID
		m.eventCh = msg.ch
		return m, m.wait()

	case stepUpdate:
		m.setStep(msg.step, msg.status)
		return m, m.wait()

	case progressUpdate:
		m.progress = msg.message
		return m, m.wait()

	case sagaPoll:
		return m.applyPoll(msg)

	case runFinished:
		m.status = "finished"
		m.result = msg.run
		m.failed = msg.run.Result != model.RunSucceeded
		m.errMsg = msg.run.Error
		return m, tea.Quit

	case streamError:
		m.status = "finished"
		m.errMsg = msg.err.Error()
		m.failed = true
		return m, tea.Quit
	}

	return m, nil
}

func (m *runModel) setStep(name, status string) {
	for i := range m.steps {
		if m.steps[i].name == name {
			m.steps[i].status = status
			return
		}
	}
}

// wait returns the command that delivers the next event.
func (m runModel) wait() tea.Cmd {
	if m.eventCh != nil {
		return waitForEvent(m.eventCh)
	}
	if m.next != nil {
		return m.next()
	}
	return nil
}

// applySagaEvent folds one persisted saga event into the step view.
func (m *runModel) applySagaEvent(evt saga.Event) {
	step := evt.Metadata["step"]
	switch evt.Action {
	case saga.ActionStepStart:
		m.setStep(step, "running")
	case saga.ActionStepComplete:
		m.setStep(step, "complete")
	case saga.ActionStepFailed:
		m.setStep(step, "failed")
	case saga.ActionRolloutPoll:
		m.progress = evt.Message
	}
}

func (m runModel) View() string {
	var b strings.Builder

	b.WriteString(style.Banner.Render("⚡ " + m.title))
	b.WriteString("\n")
	b.WriteString(style.Key.Render("Service"))
	b.WriteString(style.Bold.Render(m.service))
	b.WriteString("\n")
	if m.runID != "" {
		b.WriteString(style.Key.Render("Run"))
		b.WriteString(style.Accent.Render(m.runID))
		b.WriteString("\n")
	}
	b.WriteString("\n")

	for _, step := range m.steps {
		name := padRight(step.name, 12)
		switch step.status {
		case "pending":
			b.WriteString(fmt.Sprintf("  %s %s\n", style.StepPending.Render(name), style.DimText.Render("waiting")))
		case "running":
			b.WriteString(fmt.Sprintf("  %s %s %s\n", style.StepRunning.Render(name), m.spinner.View(), style.StepRunning.Render("running")))
		case "complete":
			b.WriteString(fmt.Sprintf("  %s %s\n", style.StepDone.Render(name), style.StepDone.Render("✓ done")))
		case "failed":
			b.WriteString(fmt.Sprintf("  %s %s\n", style.StepFailed.Render(name), style.StepFailed.Render("✗ failed")))
		}
	}
	if m.progress != "" && m.status == "running" {
		b.WriteString("\n  " + style.DimText.Render(m.progress) + "\n")
	}
	b.WriteString("\n")

	elapsed := time.Since(m.startTime).Round(time.Second)

	switch {
	case m.status == "connecting":
		b.WriteString(m.spinner.View() + style.DimText.Render(" Connecting to API..."))
	case m.status == "running":
		b.WriteString(m.spinner.View() + style.DimText.Render(fmt.Sprintf(" Run in progress... (%s)", elapsed)))
	case !m.failed:
		b.WriteString(style.SuccessBox.Render(fmt.Sprintf("✓ %s deployed in %s", m.service, elapsed)))
	default:
		msg := "Run failed"
		if m.result != nil {
			msg = fmt.Sprintf("Run %s (%s)", m.result.Result, m.result.Category)
		}
		if m.errMsg != "" {
			msg += ": " + m.errMsg
		}
		b.WriteString(style.ErrorBox.Render("✗ " + msg))
	}

	b.WriteString("\n")
	return b.String()
}

// runTUI runs m to completion and reports a failed run as an error.
func runTUI(m runModel) error {
	final, err := tea.NewProgram(m).Run()
	if err != nil {
		return err
	}
	rm := final.(runModel)
	if rm.failed {
		if rm.result != nil {
			return fmt.Errorf("run %s finished %s", rm.result.ID, rm.result.Result)
		}
		return fmt.Errorf("run failed: %s", rm.errMsg)
	}
	if rm.status != "finished" {
		// detached with q; the run keeps going on the server
		fmt.Println(style.DimText.Render("  still running; follow with: shipyard watch " + rm.runID))
	}
	return nil
}

// waitForEvent reads the next event from the channel.
func waitForEvent(ch chan tea.Msg) tea.Cmd {
	return func() tea.Msg {
		msg, ok := <-ch
		if !ok {
			return streamError{err: fmt.Errorf("event stream closed")}
		}
		return msg
	}
}
